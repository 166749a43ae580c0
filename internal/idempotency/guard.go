// Package idempotency collapses duplicate client submissions and duplicate
// message deliveries into a single logical effect.
package idempotency

import (
	"context"
	"time"
)

// Claimer is the subset of the KV store the guard uses.
type Claimer interface {
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

const keyPrefix = "idem:"

// DefaultTTL keeps a claim alive well past plausible end-to-end saga
// duration under retries. The orchestrator extends it on every transition
// and releases it on terminal states, so expiry only matters for sagas that
// stall outright.
const DefaultTTL = 15 * time.Minute

// Guard claims idempotency keys in an expiring KV store. Claim state is
// deliberately short-lived and separate from the transaction record: it
// only covers the window during which duplicates are likely.
type Guard struct {
	store Claimer
	ttl   time.Duration
}

func NewGuard(store Claimer, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl}
}

// Claim atomically marks key as in use. Returns true if this call
// established the claim; false means another claim exists and the caller
// must treat the request as a duplicate.
func (g *Guard) Claim(ctx context.Context, key string) (bool, error) {
	return g.store.SetNX(ctx, keyPrefix+key, g.ttl)
}

// Extend pushes the claim's expiry out by the configured ttl. Called after
// every successful saga transition so the claim outlives slow sagas.
func (g *Guard) Extend(ctx context.Context, key string) error {
	_, err := g.store.Extend(ctx, keyPrefix+key, g.ttl)
	return err
}

// Release drops the claim early, allowing a legitimate retry sooner than
// ttl expiry. Called when the saga reaches a terminal state.
func (g *Guard) Release(ctx context.Context, key string) error {
	return g.store.Del(ctx, keyPrefix+key)
}
