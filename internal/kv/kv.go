// Package kv provides an expiring key-value store with the atomic
// primitives the saga needs: claim-once markers and windowed counters.
// Every mutation is a single atomic operation at the store level; callers
// never read-modify-write.
package kv

import (
	"context"
	"time"
)

// Store is implemented by the memory and postgres backends.
type Store interface {
	// SetNX sets key to a locked marker with the given ttl only if the key
	// is absent (or expired). Returns true if this call established the
	// entry.
	SetNX(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Incr atomically increments the counter at key and returns the new
	// value. The first increment of a window starts the expiry clock; once
	// the window lapses the counter resets to 1.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)

	// Extend pushes an existing, unexpired entry's expiry out to now+ttl.
	// Returns false if the entry is absent or already expired.
	Extend(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Del removes the entry, if any.
	Del(ctx context.Context, key string) error
}
