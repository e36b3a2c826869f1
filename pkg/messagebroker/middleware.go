package messagebroker

import (
	"context"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-messagebroker/pkg/cache"
	"github.com/rs/zerolog"
)

// ClaimStore records which deliveries are being, or have been, processed.
type ClaimStore interface {
	// Claim takes key for processing, or reports who already holds it.
	Claim(ctx context.Context, key string) (cache.ClaimState, error)
	// Complete marks a claimed key as processed.
	Complete(ctx context.Context, key string) error
	// Release drops a claim so the key can be claimed again.
	Release(ctx context.Context, key string) error
}

// Deduplicate skips deliveries whose message id was already processed on the
// same subscription, which covers transport redelivery of a message that was
// handled but whose ack was lost. Skipped messages are acknowledged.
//
// A delivery that arrives while another copy is still being handled fails with
// ErrDeliveryInProgress, so it is rejected and redelivered later. A failed
// handler releases its claim so the redelivery is processed again.
func Deduplicate(store ClaimStore, logger zerolog.Logger) Middleware {
	logger = logger.With().Str("component", "Deduplicate").Logger()

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, msg *Message) (any, error) {
			if msg.ID() == "" {
				return next(ctx, msg)
			}
			key := msg.Subscription() + "/" + msg.ID()

			state, err := store.Claim(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("failed to claim message %s: %w", msg.ID(), err)
			}
			switch state {
			case cache.ClaimDone:
				logger.Info().Str("msg_id", msg.ID()).Str("event", msg.EventType()).Msg("Duplicate delivery skipped")
				return nil, nil
			case cache.ClaimInProgress:
				logger.Warn().Str("msg_id", msg.ID()).Str("event", msg.EventType()).Msg("Duplicate delivery while first is in progress")
				return nil, ErrDeliveryInProgress
			}

			result, err := next(ctx, msg)
			if err != nil {
				if releaseErr := store.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
					logger.Error().Err(releaseErr).Str("msg_id", msg.ID()).Msg("Failed to release claim after handler error")
					return nil, errors.Join(err, releaseErr)
				}
				return nil, err
			}
			if completeErr := store.Complete(context.WithoutCancel(ctx), key); completeErr != nil {
				// The claim expires on its own; until then redeliveries are rejected.
				logger.Error().Err(completeErr).Str("msg_id", msg.ID()).Msg("Failed to complete claim")
			}
			return result, nil
		}
	}
}
