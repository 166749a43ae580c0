package fraud

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/vaultpay/vaultpay/internal/metrics"
)

// DefaultThreshold is the score at or above which a transfer fails the check.
const DefaultThreshold = 50

// Verdict is the outcome of one evaluation. RiskScore is clamped to [0,100].
type Verdict struct {
	RiskScore int
	Passed    bool
	Reasons   []string
}

// Evaluator folds the registry's rule contributions into a Verdict.
// Summation is commutative, so rule order only affects reason ordering.
type Evaluator struct {
	registry  *Registry
	threshold atomic.Int64
}

func NewEvaluator(registry *Registry, threshold int) *Evaluator {
	e := &Evaluator{registry: registry}
	e.SetThreshold(threshold)
	return e
}

// SetThreshold swaps the pass/fail threshold; used by config hot reload.
func (e *Evaluator) SetThreshold(threshold int) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	e.threshold.Store(int64(threshold))
}

// Evaluate runs every rule, sums their contributions and clamps the total
// to [0,100]. A rule that fails is logged, counted and skipped as a zero
// contribution: one unavailable rule must never sink the evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, fc Context) Verdict {
	total := 0
	var reasons []string

	for _, rule := range e.registry.Rules() {
		contrib, err := rule.Evaluate(ctx, fc)
		if err != nil {
			slog.Warn("fraud rule unavailable, skipping",
				"rule", rule.Name(), "user_id", fc.UserID, "err", err)
			metrics.FraudRuleErrors.WithLabelValues(rule.Name()).Inc()
			continue
		}
		if contrib.Risk < 0 {
			contrib.Risk = 0
		}
		total += contrib.Risk
		if contrib.Reason != "" {
			reasons = append(reasons, contrib.Reason)
		}
	}

	passed := total < int(e.threshold.Load())
	if total > 100 {
		total = 100
	}

	metrics.FraudRiskScore.Observe(float64(total))
	if passed {
		metrics.FraudEvaluations.WithLabelValues("passed").Inc()
	} else {
		metrics.FraudEvaluations.WithLabelValues("failed").Inc()
	}
	return Verdict{RiskScore: total, Passed: passed, Reasons: reasons}
}
