package fraud

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vaultpay/vaultpay/internal/bus"
	"github.com/vaultpay/vaultpay/internal/event"
)

const (
	durableName = "fraud-check"
	groupName   = "fraud-service"
)

// Listener consumes fraud check requests off the bus and publishes
// verdicts back. Decode failures are returned to the bus so poison
// messages end up dead-lettered rather than silently dropped.
type Listener struct {
	bus  bus.Bus
	eval *Evaluator
	opts bus.SubscribeOptions
}

func NewListener(b bus.Bus, eval *Evaluator, opts bus.SubscribeOptions) *Listener {
	return &Listener{bus: b, eval: eval, opts: opts}
}

// Run registers the durable subscription. Delivery continues until the bus
// is closed.
func (l *Listener) Run() error {
	return l.bus.SubscribeDurable(event.SubjectFraudCheckRequested, durableName, groupName, l.handle, l.opts)
}

func (l *Listener) handle(ctx context.Context, env *bus.Envelope) error {
	var req event.FraudCheckRequested
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode fraud check request: %w", err)
	}

	verdict := l.eval.Evaluate(ctx, Context{
		UserID:           req.UserID,
		AmountMinorUnits: req.AmountMinorUnits,
		DeviceID:         req.DeviceID,
		Timestamp:        req.Timestamp,
	})

	slog.Info("fraud check evaluated",
		"transaction_id", req.TransactionID,
		"risk_score", verdict.RiskScore,
		"passed", verdict.Passed)

	reasons := verdict.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return l.bus.Publish(ctx, event.SubjectFraudResult, event.FraudResult{
		TransactionID: req.TransactionID,
		RiskScore:     verdict.RiskScore,
		Passed:        verdict.Passed,
		Reasons:       reasons,
	})
}
