// Package fraud reduces a per-transfer risk context to a bounded score and
// a pass/fail verdict through independently pluggable rules.
package fraud

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Context is the minimal input a rule needs for one evaluation. It is
// created per check and discarded afterwards.
type Context struct {
	UserID           string
	AmountMinorUnits int64
	DeviceID         string
	Timestamp        time.Time
}

// Contribution is one rule's non-negative addition to the total risk score,
// with an optional human-readable reason.
type Contribution struct {
	Risk   int
	Reason string
}

// Rule scores one aspect of a transfer. Rules may perform I/O and must
// surface failures as errors; the evaluator logs and skips a failing rule
// rather than letting it sink the whole evaluation.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, fc Context) (Contribution, error)
}

// Registry holds the active rule set. Safe for concurrent reads; Register
// should only be called at startup.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
	names map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register adds a rule. Panics on a duplicate name to surface
// misconfiguration early.
func (r *Registry) Register(rule Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[rule.Name()]; exists {
		panic(fmt.Sprintf("fraud registry: duplicate rule %q", rule.Name()))
	}
	r.names[rule.Name()] = struct{}{}
	r.rules = append(r.rules, rule)
}

// Rules returns the registered rules in registration order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}
