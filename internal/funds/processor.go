package funds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vaultpay/vaultpay/internal/bus"
	"github.com/vaultpay/vaultpay/internal/event"
)

const groupName = "funds-service"

// Processor consumes funds requests and publishes results. Balance changes
// go through the AccountStore's per-operation idempotence, so a redelivered
// request republishes its result without moving money again.
type Processor struct {
	bus      bus.Bus
	accounts AccountStore
	opts     bus.SubscribeOptions
}

func NewProcessor(b bus.Bus, accounts AccountStore, opts bus.SubscribeOptions) *Processor {
	return &Processor{bus: b, accounts: accounts, opts: opts}
}

// Run registers the durable subscriptions for all three funds operations.
func (p *Processor) Run() error {
	subs := []struct {
		subject string
		durable string
		handler bus.Handler
	}{
		{event.SubjectDebitRequested, "funds-debit", p.handleDebit},
		{event.SubjectCreditRequested, "funds-credit", p.handleCredit},
		{event.SubjectReversalRequested, "funds-reversal", p.handleReversal},
	}
	for _, s := range subs {
		if err := p.bus.SubscribeDurable(s.subject, s.durable, groupName, s.handler, p.opts); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
	}
	return nil
}

func (p *Processor) handleDebit(ctx context.Context, env *bus.Envelope) error {
	return p.move(ctx, env, "debit", -1, event.SubjectDebitCompleted, event.SubjectDebitFailed)
}

func (p *Processor) handleCredit(ctx context.Context, env *bus.Envelope) error {
	return p.move(ctx, env, "credit", +1, event.SubjectCreditCompleted, event.SubjectCreditFailed)
}

// handleReversal returns money to the debited account. A reversal has no
// business-failure subject: the funds were provably taken out, so anything
// that stops the re-credit is an operational error and goes through
// redelivery and the dead-letter queue.
func (p *Processor) handleReversal(ctx context.Context, env *bus.Envelope) error {
	var req event.FundsRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode reversal request: %w", err)
	}
	if _, err := p.accounts.Apply(ctx, req.TransactionID+":reverse", req.AccountID, req.AmountMinorUnits); err != nil {
		return fmt.Errorf("apply reversal: %w", err)
	}
	return p.bus.Publish(ctx, event.SubjectReversalCompleted, event.FundsResult{
		TransactionID:    req.TransactionID,
		AccountID:        req.AccountID,
		AmountMinorUnits: req.AmountMinorUnits,
	})
}

func (p *Processor) move(ctx context.Context, env *bus.Envelope, op string, sign int64, okSubject, failSubject string) error {
	var req event.FundsRequest
	if err := env.Decode(&req); err != nil {
		return fmt.Errorf("decode %s request: %w", op, err)
	}

	applied, err := p.accounts.Apply(ctx, req.TransactionID+":"+op, req.AccountID, sign*req.AmountMinorUnits)
	if errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrAccountNotFound) {
		// Business failure: deterministic, so acknowledge and report it
		// rather than burning the redelivery budget.
		slog.Info("funds operation rejected",
			"op", op, "transaction_id", req.TransactionID,
			"account_id", req.AccountID, "reason", err)
		return p.bus.Publish(ctx, failSubject, event.FundsResult{
			TransactionID:    req.TransactionID,
			AccountID:        req.AccountID,
			AmountMinorUnits: req.AmountMinorUnits,
			Reason:           err.Error(),
		})
	}
	if err != nil {
		return fmt.Errorf("apply %s: %w", op, err)
	}
	if !applied {
		slog.Info("funds operation already applied, republishing result",
			"op", op, "transaction_id", req.TransactionID)
	}
	return p.bus.Publish(ctx, okSubject, event.FundsResult{
		TransactionID:    req.TransactionID,
		AccountID:        req.AccountID,
		AmountMinorUnits: req.AmountMinorUnits,
	})
}
