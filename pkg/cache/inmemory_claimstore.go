package cache

import (
	"context"
	"sync"
	"time"
)

type memoryClaim struct {
	state  ClaimState
	expiry time.Time
}

// InMemoryClaimStore is a thread-safe, in-memory implementation of ClaimStore.
// Claims are only visible within one process, so it is intended for local
// development, tests and single-instance consumers.
type InMemoryClaimStore struct {
	mu            sync.Mutex
	ttl           time.Duration
	inProgressTTL time.Duration
	claims        map[string]memoryClaim
	writes        int
}

// sweepInterval is the number of claims between sweeps of expired entries.
const sweepInterval = 1024

// NewInMemoryClaimStore creates a new in-memory claim store. A non-positive ttl
// uses DefaultClaimTTL. In-progress claims expire after DefaultInProgressTTL or
// ttl, whichever is shorter.
func NewInMemoryClaimStore(ttl time.Duration) *InMemoryClaimStore {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	return &InMemoryClaimStore{
		ttl:           ttl,
		inProgressTTL: inProgressTTL(0, ttl),
		claims:        make(map[string]memoryClaim),
	}
}

// Claim takes key in progress unless an unexpired claim exists. Expired claims
// are swept periodically.
func (c *InMemoryClaimStore) Claim(_ context.Context, key string) (ClaimState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if existing, ok := c.claims[key]; ok && now.Before(existing.expiry) {
		return existing.state, nil
	}
	c.claims[key] = memoryClaim{state: ClaimInProgress, expiry: now.Add(c.inProgressTTL)}

	c.writes++
	if c.writes%sweepInterval == 0 {
		for k, claim := range c.claims {
			if !now.Before(claim.expiry) {
				delete(c.claims, k)
			}
		}
	}
	return ClaimAcquired, nil
}

// Complete marks key done.
func (c *InMemoryClaimStore) Complete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims[key] = memoryClaim{state: ClaimDone, expiry: time.Now().Add(c.ttl)}
	return nil
}

// Release removes a claim.
func (c *InMemoryClaimStore) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
	return nil
}

// Len returns the number of claims currently held, including unswept expired ones.
func (c *InMemoryClaimStore) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

// Close is a no-op for the in-memory implementation.
func (c *InMemoryClaimStore) Close() error {
	return nil
}
