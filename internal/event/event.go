package event

import "time"

// Subjects for the transfer saga. Producers and consumers agree on these
// names; the bus treats them as opaque routing keys.
const (
	SubjectTransactionInitiated = "transaction.initiated"
	SubjectTransactionCompleted = "transaction.completed"
	SubjectTransactionFailed    = "transaction.failed"

	SubjectDebitRequested = "debit.requested"
	SubjectDebitCompleted = "debit.completed"
	SubjectDebitFailed    = "debit.failed"

	SubjectCreditRequested = "credit.requested"
	SubjectCreditCompleted = "credit.completed"
	SubjectCreditFailed    = "credit.failed"

	SubjectReversalRequested = "debit.reverse.requested"
	SubjectReversalCompleted = "debit.reverse.completed"

	SubjectFraudCheckRequested = "fraud.check.requested"
	SubjectFraudResult         = "fraud.result"
)

// Subjects returns every saga subject, in the order requests flow.
func Subjects() []string {
	return []string{
		SubjectTransactionInitiated,
		SubjectDebitRequested,
		SubjectDebitCompleted,
		SubjectDebitFailed,
		SubjectFraudCheckRequested,
		SubjectFraudResult,
		SubjectCreditRequested,
		SubjectCreditCompleted,
		SubjectCreditFailed,
		SubjectReversalRequested,
		SubjectReversalCompleted,
		SubjectTransactionCompleted,
		SubjectTransactionFailed,
	}
}

// TransactionInitiated announces a new transfer entering the saga.
type TransactionInitiated struct {
	TransactionID    string `json:"transaction_id"`
	UserID           string `json:"user_id"`
	FromAccountID    string `json:"from_account_id"`
	ToAccountID      string `json:"to_account_id"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	IdempotencyKey   string `json:"idempotency_key"`
}

// FundsRequest asks a funds-holding service to move money for one leg.
// The same shape serves debit, credit and reversal requests; AccountID is
// the account the operation applies to.
type FundsRequest struct {
	TransactionID    string `json:"transaction_id"`
	AccountID        string `json:"account_id"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
}

// FundsResult reports the outcome of a funds operation.
type FundsResult struct {
	TransactionID    string `json:"transaction_id"`
	AccountID        string `json:"account_id"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Reason           string `json:"reason,omitempty"`
}

// FraudCheckRequested carries the context a risk evaluation needs.
type FraudCheckRequested struct {
	TransactionID    string    `json:"transaction_id"`
	UserID           string    `json:"user_id"`
	FromAccountID    string    `json:"from_account_id"`
	ToAccountID      string    `json:"to_account_id"`
	AmountMinorUnits int64     `json:"amount_minor_units"`
	DeviceID         string    `json:"device_id"`
	Timestamp        time.Time `json:"timestamp"`
}

// FraudResult is the verdict published back to the saga.
type FraudResult struct {
	TransactionID string   `json:"transaction_id"`
	RiskScore     int      `json:"risk_score"`
	Passed        bool     `json:"passed"`
	Reasons       []string `json:"reasons"`
}

// TransactionTerminal announces a saga reaching COMPLETED or FAILED.
type TransactionTerminal struct {
	TransactionID string `json:"transaction_id"`
	State         string `json:"state"`
	RiskScore     int    `json:"risk_score,omitempty"`
	Reason        string `json:"reason,omitempty"`
}
