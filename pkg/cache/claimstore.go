// Package cache provides short-lived key state used to make message handling
// idempotent under redelivery.
package cache

import (
	"context"
	"io"
	"time"
)

const (
	// DefaultClaimTTL bounds how long a completed message id is remembered. It
	// comfortably exceeds the transport's redelivery window for a lost ack.
	DefaultClaimTTL = 24 * time.Hour
	// DefaultInProgressTTL bounds how long a claim whose holder never finished
	// (for example a crashed consumer) blocks other consumers.
	DefaultInProgressTTL = 10 * time.Minute
)

// ClaimState is the outcome of a Claim call.
type ClaimState int

const (
	// ClaimAcquired means the key was free and is now held in progress by the caller.
	ClaimAcquired ClaimState = iota
	// ClaimInProgress means another holder is still working on the key.
	ClaimInProgress
	// ClaimDone means the key was completed earlier.
	ClaimDone
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimInProgress:
		return "in_progress"
	case ClaimDone:
		return "done"
	default:
		return "unknown"
	}
}

// ClaimStore records which keys are being, or have been, worked on. Claims
// expire after a TTL, as this kind of data has no source of truth to fall back on.
type ClaimStore interface {
	// Claim atomically takes key in progress if it is free, otherwise it
	// reports who holds it.
	Claim(ctx context.Context, key string) (ClaimState, error)
	// Complete marks a held key as done for the completed-claim TTL.
	Complete(ctx context.Context, key string) error
	// Release removes a claim; releasing an unknown key is not an error.
	Release(ctx context.Context, key string) error
	// Closer is included for implementations that manage network connections.
	io.Closer
}

// inProgressTTL never outlives the completed-claim TTL.
func inProgressTTL(inProgress, done time.Duration) time.Duration {
	if inProgress <= 0 {
		inProgress = DefaultInProgressTTL
	}
	return min(inProgress, done)
}
