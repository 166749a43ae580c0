package fraud

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vaultpay/vaultpay/internal/kv"
)

const (
	// DefaultVelocityLimit is the number of transfers allowed per user per
	// window before the rule contributes risk.
	DefaultVelocityLimit = 5
	// DefaultVelocityWindow is the sliding-window length.
	DefaultVelocityWindow = time.Minute

	velocityRisk      = 60
	velocityKeyPrefix = "fraud:tx:"
)

// VelocityRule flags users transferring too often. Each evaluation bumps an
// expiring counter in the shared KV store; the window starts on the first
// transfer and the counter resets when it lapses.
type VelocityRule struct {
	store  kv.Store
	limit  atomic.Int64
	window time.Duration
}

func NewVelocityRule(store kv.Store, limit int64, window time.Duration) *VelocityRule {
	r := &VelocityRule{store: store, window: window}
	if r.window <= 0 {
		r.window = DefaultVelocityWindow
	}
	r.SetLimit(limit)
	return r
}

// SetLimit swaps the per-window limit; used by config hot reload.
func (r *VelocityRule) SetLimit(limit int64) {
	if limit <= 0 {
		limit = DefaultVelocityLimit
	}
	r.limit.Store(limit)
}

func (r *VelocityRule) Name() string { return "transfer_velocity" }

func (r *VelocityRule) Evaluate(ctx context.Context, fc Context) (Contribution, error) {
	count, err := r.store.Incr(ctx, velocityKeyPrefix+fc.UserID, r.window)
	if err != nil {
		return Contribution{}, fmt.Errorf("velocity counter: %w", err)
	}
	if count > r.limit.Load() {
		return Contribution{
			Risk:   velocityRisk,
			Reason: "too many transactions in short period",
		}, nil
	}
	return Contribution{}, nil
}
