// Package saga drives one transfer to a terminal state through
// asynchronous, idempotent steps coordinated over the event bus.
package saga

import "time"

// State is a saga lifecycle state. Transitions are monotonic: once a
// transaction moves past a state it never returns to it.
type State string

const (
	StateInitiated     State = "INITIATED"
	StateDebitPending  State = "DEBIT_PENDING"
	StateDebitDone     State = "DEBIT_DONE"
	StateFraudPending  State = "FRAUD_PENDING"
	StateFraudPassed   State = "FRAUD_PASSED"
	StateFraudFailed   State = "FRAUD_FAILED"
	StateCreditPending State = "CREDIT_PENDING"
	StateCompleted     State = "COMPLETED"
	StateCompensating  State = "COMPENSATING"
	StateFailed        State = "FAILED"
)

// rank orders states along the saga's progress axis. Branch states that can
// never coexist (FRAUD_PASSED / FRAUD_FAILED, COMPLETED / FAILED) share a
// rank; a handler seeing a state of equal rank but different value is
// observing the other branch and must no-op.
var rank = map[State]int{
	StateInitiated:     0,
	StateDebitPending:  1,
	StateDebitDone:     2,
	StateFraudPending:  3,
	StateFraudPassed:   4,
	StateFraudFailed:   4,
	StateCreditPending: 5,
	StateCompensating:  6,
	StateCompleted:     7,
	StateFailed:        7,
}

// Rank returns the state's position on the progress axis.
func Rank(s State) int { return rank[s] }

// Terminal reports whether s ends the saga.
func Terminal(s State) bool { return s == StateCompleted || s == StateFailed }

// next lists the legal successors of each state.
var next = map[State][]State{
	StateInitiated:     {StateDebitPending},
	StateDebitPending:  {StateDebitDone, StateFailed},
	StateDebitDone:     {StateFraudPending},
	StateFraudPending:  {StateFraudPassed, StateFraudFailed},
	StateFraudPassed:   {StateCreditPending},
	StateFraudFailed:   {StateCompensating},
	StateCreditPending: {StateCompleted, StateCompensating},
	StateCompensating:  {StateFailed},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transaction is the durable source of truth for one transfer's saga
// progress. It is owned exclusively by the orchestrator while in flight.
type Transaction struct {
	ID               string    `json:"id"`
	IdempotencyKey   string    `json:"idempotency_key"`
	UserID           string    `json:"user_id"`
	FromAccountID    string    `json:"from_account_id"`
	ToAccountID      string    `json:"to_account_id"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	DeviceID         string    `json:"device_id,omitempty"`
	State            State     `json:"state"`
	RiskScore        int       `json:"risk_score"`
	RiskReasons      []string  `json:"risk_reasons,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
