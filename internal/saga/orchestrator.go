package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vaultpay/vaultpay/internal/bus"
	"github.com/vaultpay/vaultpay/internal/event"
	"github.com/vaultpay/vaultpay/internal/idempotency"
	"github.com/vaultpay/vaultpay/internal/metrics"
)

var (
	// ErrValidation rejects a malformed request before any state exists.
	ErrValidation = errors.New("saga: invalid request")

	// ErrDuplicateInFlight means the idempotency key is claimed but the
	// transaction record is not visible yet; the client should retry
	// shortly and will then get the recorded transaction back.
	ErrDuplicateInFlight = errors.New("saga: duplicate request in flight")
)

const groupName = "transaction-service"

// StartRequest is the orchestrator's entry-point input.
type StartRequest struct {
	UserID           string
	FromAccountID    string
	ToAccountID      string
	AmountMinorUnits int64
	IdempotencyKey   string
	DeviceID         string
}

// StartResult acknowledges acceptance. Duplicate marks submissions that
// were short-circuited to an existing transaction.
type StartResult struct {
	TransactionID string
	State         State
	Duplicate     bool
}

// Orchestrator sequences debit → fraud check → credit for one transfer, or
// compensates on failure. Every step is driven by an incoming event, never
// by a synchronous call to a peer service, and every handler is idempotent
// against redelivery.
type Orchestrator struct {
	bus     bus.Bus
	store   Store
	guard   *idempotency.Guard
	subOpts bus.SubscribeOptions
}

func NewOrchestrator(b bus.Bus, store Store, guard *idempotency.Guard, subOpts bus.SubscribeOptions) *Orchestrator {
	return &Orchestrator{bus: b, store: store, guard: guard, subOpts: subOpts}
}

// Start validates the request, claims the idempotency key, persists the
// transaction and publishes the opening events. It returns as soon as the
// transfer is accepted; all further progress happens via event handlers.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	claimed, err := o.guard.Claim(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	if !claimed {
		return o.duplicate(ctx, req.IdempotencyKey)
	}

	txn := &Transaction{
		ID:               uuid.New().String(),
		IdempotencyKey:   req.IdempotencyKey,
		UserID:           req.UserID,
		FromAccountID:    req.FromAccountID,
		ToAccountID:      req.ToAccountID,
		AmountMinorUnits: req.AmountMinorUnits,
		DeviceID:         req.DeviceID,
		State:            StateInitiated,
	}
	if err := o.store.Create(ctx, txn); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// The key's claim expired while its transaction lives on; hand
			// back the original record instead of double-spending.
			return o.duplicate(ctx, req.IdempotencyKey)
		}
		if rerr := o.guard.Release(ctx, req.IdempotencyKey); rerr != nil {
			slog.Warn("claim release failed", "idempotency_key", req.IdempotencyKey, "err", rerr)
		}
		return nil, fmt.Errorf("persist transaction: %w", err)
	}

	if _, err := o.store.Transition(ctx, txn.ID, StateInitiated, StateDebitPending, nil); err != nil {
		return nil, fmt.Errorf("transition to debit pending: %w", err)
	}
	metrics.SagaTransitions.WithLabelValues(string(StateDebitPending)).Inc()

	if err := o.bus.Publish(ctx, event.SubjectTransactionInitiated, event.TransactionInitiated{
		TransactionID:    txn.ID,
		UserID:           txn.UserID,
		FromAccountID:    txn.FromAccountID,
		ToAccountID:      txn.ToAccountID,
		AmountMinorUnits: txn.AmountMinorUnits,
		IdempotencyKey:   txn.IdempotencyKey,
	}); err != nil {
		return nil, fmt.Errorf("publish initiated: %w", err)
	}
	if err := o.bus.Publish(ctx, event.SubjectDebitRequested, event.FundsRequest{
		TransactionID:    txn.ID,
		AccountID:        txn.FromAccountID,
		AmountMinorUnits: txn.AmountMinorUnits,
	}); err != nil {
		// The record exists in DEBIT_PENDING but the debit request is not
		// on the bus. Surface the transport failure; a retry with the same
		// idempotency key resolves to this record.
		return nil, fmt.Errorf("publish debit request: %w", err)
	}

	metrics.TransfersStarted.Inc()
	slog.Info("saga started",
		"transaction_id", txn.ID,
		"from", txn.FromAccountID, "to", txn.ToAccountID,
		"amount_minor_units", txn.AmountMinorUnits)
	return &StartResult{TransactionID: txn.ID, State: StateDebitPending}, nil
}

func validate(req StartRequest) error {
	switch {
	case req.AmountMinorUnits <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	case req.FromAccountID == "" || req.ToAccountID == "":
		return fmt.Errorf("%w: both account ids are required", ErrValidation)
	case req.FromAccountID == req.ToAccountID:
		return fmt.Errorf("%w: cannot transfer to the same account", ErrValidation)
	case req.UserID == "":
		return fmt.Errorf("%w: user id is required", ErrValidation)
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", ErrValidation)
	}
	return nil
}

// duplicate resolves a repeated submission to the already-recorded
// transaction, giving the client read-your-writes on retries.
func (o *Orchestrator) duplicate(ctx context.Context, key string) (*StartResult, error) {
	txn, err := o.store.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrDuplicateInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("lookup by idempotency key: %w", err)
	}
	metrics.TransfersDuplicate.Inc()
	return &StartResult{TransactionID: txn.ID, State: txn.State, Duplicate: true}, nil
}

// RegisterHandlers wires the orchestrator's durable subscriptions.
func (o *Orchestrator) RegisterHandlers() error {
	subs := []struct {
		subject string
		durable string
		handler bus.Handler
	}{
		{event.SubjectDebitCompleted, "txn-debit-completed", o.HandleDebitCompleted},
		{event.SubjectDebitFailed, "txn-debit-failed", o.HandleDebitFailed},
		{event.SubjectFraudResult, "txn-fraud-result", o.HandleFraudResult},
		{event.SubjectCreditCompleted, "txn-credit-completed", o.HandleCreditCompleted},
		{event.SubjectCreditFailed, "txn-credit-failed", o.HandleCreditFailed},
		{event.SubjectReversalCompleted, "txn-reversal-completed", o.HandleReversalCompleted},
	}
	for _, s := range subs {
		if err := o.bus.SubscribeDurable(s.subject, s.durable, groupName, timed(s.subject, s.handler), o.subOpts); err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
	}
	return nil
}

func timed(subject string, h bus.Handler) bus.Handler {
	return func(ctx context.Context, env *bus.Envelope) error {
		start := time.Now()
		err := h(ctx, env)
		metrics.HandlerDuration.WithLabelValues(subject).Observe(float64(time.Since(start).Milliseconds()))
		return err
	}
}

// advance applies from → to through the store's compare-and-swap. The
// second return is true when the caller should run the step's side effects:
// either the transition applied now, or the record already sits in to
// because a previous attempt crashed between transitioning and publishing
// (side effects are re-run; downstream consumers absorb duplicates).
//
// A conflicting record is classified by rank. Behind from means the result
// event overtook the orchestrator's own intermediate commit; the delivery
// is returned as an error so the bus redelivers once the record catches
// up. At or past from (the other branch, or work already done) the
// delivery is stale and acked as a no-op.
func (o *Orchestrator) advance(ctx context.Context, id string, from, to State, update func(*Transaction)) (*Transaction, bool, error) {
	txn, err := o.store.Transition(ctx, id, from, to, update)
	if err == nil {
		metrics.SagaTransitions.WithLabelValues(string(to)).Inc()
		return txn, true, nil
	}
	if !errors.Is(err, ErrStateConflict) {
		return nil, false, err
	}
	cur, gerr := o.store.Get(ctx, id)
	if gerr != nil {
		return nil, false, gerr
	}
	if cur.State == to {
		return cur, true, nil
	}
	if Rank(cur.State) < Rank(from) || cur.State == from {
		slog.Warn("delivery ahead of saga progress, leaving for redelivery",
			"transaction_id", id, "state", cur.State, "expected", from)
		return nil, false, fmt.Errorf("saga %s at %s, awaiting %s", id, cur.State, from)
	}
	slog.Info("stale delivery ignored",
		"transaction_id", id, "state", cur.State, "expected", from)
	return cur, false, nil
}

// HandleDebitCompleted moves DEBIT_PENDING → DEBIT_DONE → FRAUD_PENDING and
// asks the fraud service for a verdict.
func (o *Orchestrator) HandleDebitCompleted(ctx context.Context, env *bus.Envelope) error {
	var res event.FundsResult
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode debit result: %w", err)
	}

	txn, proceed, err := o.advance(ctx, res.TransactionID, StateDebitPending, StateDebitDone, nil)
	if err != nil || !proceed {
		return err
	}

	if err := o.bus.Publish(ctx, event.SubjectFraudCheckRequested, event.FraudCheckRequested{
		TransactionID:    txn.ID,
		UserID:           txn.UserID,
		FromAccountID:    txn.FromAccountID,
		ToAccountID:      txn.ToAccountID,
		AmountMinorUnits: txn.AmountMinorUnits,
		DeviceID:         txn.DeviceID,
		Timestamp:        time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("publish fraud check: %w", err)
	}

	if _, _, err := o.advance(ctx, txn.ID, StateDebitDone, StateFraudPending, nil); err != nil {
		return err
	}
	o.extend(ctx, txn.IdempotencyKey)
	return nil
}

// HandleDebitFailed ends the saga directly: no funds moved, so there is
// nothing to compensate.
func (o *Orchestrator) HandleDebitFailed(ctx context.Context, env *bus.Envelope) error {
	var res event.FundsResult
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode debit result: %w", err)
	}

	txn, proceed, err := o.advance(ctx, res.TransactionID, StateDebitPending, StateFailed, func(t *Transaction) {
		t.FailureReason = res.Reason
	})
	if err != nil || !proceed {
		return err
	}
	return o.finish(ctx, txn)
}

// HandleFraudResult branches on the verdict: FRAUD_PASSED → CREDIT_PENDING
// with a credit request, or FRAUD_FAILED → COMPENSATING with a reversal.
func (o *Orchestrator) HandleFraudResult(ctx context.Context, env *bus.Envelope) error {
	var res event.FraudResult
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode fraud result: %w", err)
	}

	record := func(t *Transaction) {
		t.RiskScore = res.RiskScore
		t.RiskReasons = res.Reasons
		if !res.Passed {
			t.FailureReason = "fraud check failed"
		}
	}

	if res.Passed {
		txn, proceed, err := o.advance(ctx, res.TransactionID, StateFraudPending, StateFraudPassed, record)
		if err != nil || !proceed {
			return err
		}
		if err := o.bus.Publish(ctx, event.SubjectCreditRequested, event.FundsRequest{
			TransactionID:    txn.ID,
			AccountID:        txn.ToAccountID,
			AmountMinorUnits: txn.AmountMinorUnits,
		}); err != nil {
			return fmt.Errorf("publish credit request: %w", err)
		}
		if _, _, err := o.advance(ctx, txn.ID, StateFraudPassed, StateCreditPending, nil); err != nil {
			return err
		}
		o.extend(ctx, txn.IdempotencyKey)
		return nil
	}

	txn, proceed, err := o.advance(ctx, res.TransactionID, StateFraudPending, StateFraudFailed, record)
	if err != nil || !proceed {
		return err
	}
	if err := o.compensate(ctx, txn); err != nil {
		return err
	}
	if _, _, err := o.advance(ctx, txn.ID, StateFraudFailed, StateCompensating, nil); err != nil {
		return err
	}
	o.extend(ctx, txn.IdempotencyKey)
	return nil
}

// HandleCreditCompleted closes the happy path.
func (o *Orchestrator) HandleCreditCompleted(ctx context.Context, env *bus.Envelope) error {
	var res event.FundsResult
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode credit result: %w", err)
	}

	txn, proceed, err := o.advance(ctx, res.TransactionID, StateCreditPending, StateCompleted, nil)
	if err != nil || !proceed {
		return err
	}
	return o.finish(ctx, txn)
}

// HandleCreditFailed starts compensation: the debit already happened and
// must be reversed before the saga can fail.
func (o *Orchestrator) HandleCreditFailed(ctx context.Context, env *bus.Envelope) error {
	var res event.FundsResult
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode credit result: %w", err)
	}

	txn, proceed, err := o.advance(ctx, res.TransactionID, StateCreditPending, StateCompensating, func(t *Transaction) {
		if res.Reason != "" {
			t.FailureReason = res.Reason
		} else {
			t.FailureReason = "credit failed"
		}
	})
	if err != nil || !proceed {
		return err
	}
	if err := o.compensate(ctx, txn); err != nil {
		return err
	}
	o.extend(ctx, txn.IdempotencyKey)
	return nil
}

// HandleReversalCompleted finishes compensation: COMPENSATING → FAILED.
func (o *Orchestrator) HandleReversalCompleted(ctx context.Context, env *bus.Envelope) error {
	var res event.FundsResult
	if err := env.Decode(&res); err != nil {
		return fmt.Errorf("decode reversal result: %w", err)
	}

	txn, proceed, err := o.advance(ctx, res.TransactionID, StateCompensating, StateFailed, nil)
	if err != nil || !proceed {
		return err
	}
	return o.finish(ctx, txn)
}

func (o *Orchestrator) compensate(ctx context.Context, txn *Transaction) error {
	if err := o.bus.Publish(ctx, event.SubjectReversalRequested, event.FundsRequest{
		TransactionID:    txn.ID,
		AccountID:        txn.FromAccountID,
		AmountMinorUnits: txn.AmountMinorUnits,
	}); err != nil {
		return fmt.Errorf("publish reversal request: %w", err)
	}
	return nil
}

// finish publishes the terminal event and releases the idempotency claim.
func (o *Orchestrator) finish(ctx context.Context, txn *Transaction) error {
	subject := event.SubjectTransactionCompleted
	if txn.State == StateFailed {
		subject = event.SubjectTransactionFailed
	}
	if err := o.bus.Publish(ctx, subject, event.TransactionTerminal{
		TransactionID: txn.ID,
		State:         string(txn.State),
		RiskScore:     txn.RiskScore,
		Reason:        txn.FailureReason,
	}); err != nil {
		return fmt.Errorf("publish terminal event: %w", err)
	}
	metrics.TransfersTerminal.WithLabelValues(string(txn.State)).Inc()
	if err := o.guard.Release(ctx, txn.IdempotencyKey); err != nil {
		slog.Warn("claim release failed",
			"transaction_id", txn.ID, "idempotency_key", txn.IdempotencyKey, "err", err)
	}
	slog.Info("saga finished",
		"transaction_id", txn.ID, "state", txn.State, "reason", txn.FailureReason)
	return nil
}

func (o *Orchestrator) extend(ctx context.Context, key string) {
	if err := o.guard.Extend(ctx, key); err != nil {
		slog.Warn("claim extend failed", "idempotency_key", key, "err", err)
	}
}
