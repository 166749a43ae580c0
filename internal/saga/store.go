package saga

import (
	"context"
	"errors"
)

var (
	// ErrNotFound means no transaction matches the lookup.
	ErrNotFound = errors.New("saga: transaction not found")

	// ErrDuplicateKey means a transaction already exists for the
	// idempotency key.
	ErrDuplicateKey = errors.New("saga: idempotency key already used")

	// ErrStateConflict means a compare-and-swap transition found the record
	// in a state other than the expected predecessor. Handlers ack a record
	// already past the expected state as a no-op; a record still behind it
	// is left to the bus for redelivery.
	ErrStateConflict = errors.New("saga: state conflict")
)

// Store persists transactions. Transition is the concurrency linchpin: it
// must write the target state only if the record's current state matches
// the expected predecessor, atomically, so two handlers racing on the same
// transaction cannot both apply.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// Transition applies from → to for the given id, running update (if
	// non-nil) against the record inside the same atomic step. Returns the
	// updated record, or ErrStateConflict if the current state is not from.
	Transition(ctx context.Context, id string, from, to State, update func(*Transaction)) (*Transaction, error)
}
