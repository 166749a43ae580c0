package fraud

import (
	"context"
	"fmt"
	"sync/atomic"
)

// DefaultAmountCeiling is in minor currency units (₹10,000 in paise).
const DefaultAmountCeiling = 1_000_000

const highAmountRisk = 70

// HighAmountRule flags transfers above a configured ceiling.
type HighAmountRule struct {
	ceiling atomic.Int64
}

func NewHighAmountRule(ceiling int64) *HighAmountRule {
	r := &HighAmountRule{}
	r.SetCeiling(ceiling)
	return r
}

// SetCeiling swaps the ceiling; used by config hot reload.
func (r *HighAmountRule) SetCeiling(ceiling int64) {
	if ceiling <= 0 {
		ceiling = DefaultAmountCeiling
	}
	r.ceiling.Store(ceiling)
}

func (r *HighAmountRule) Name() string { return "high_amount" }

func (r *HighAmountRule) Evaluate(_ context.Context, fc Context) (Contribution, error) {
	ceiling := r.ceiling.Load()
	if fc.AmountMinorUnits > ceiling {
		return Contribution{
			Risk:   highAmountRisk,
			Reason: fmt.Sprintf("high transaction amount > %d", ceiling),
		}, nil
	}
	return Contribution{}, nil
}
