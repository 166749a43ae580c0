package saga

import (
	"context"
	"errors"
	"testing"
)

func TestMemStoreCreateAndLookup(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	txn := &Transaction{ID: "t-1", IdempotencyKey: "k-1", State: StateInitiated}
	if err := s.Create(ctx, txn); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if txn.CreatedAt.IsZero() {
		t.Error("Create should stamp CreatedAt")
	}

	got, err := s.Get(ctx, "t-1")
	if err != nil || got.ID != "t-1" {
		t.Fatalf("Get = (%+v, %v)", got, err)
	}
	got, err = s.GetByIdempotencyKey(ctx, "k-1")
	if err != nil || got.ID != "t-1" {
		t.Fatalf("GetByIdempotencyKey = (%+v, %v)", got, err)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestMemStoreDuplicateKey(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Create(ctx, &Transaction{ID: "t-1", IdempotencyKey: "k-1", State: StateInitiated}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := s.Create(ctx, &Transaction{ID: "t-2", IdempotencyKey: "k-1", State: StateInitiated})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("Create duplicate = %v, want ErrDuplicateKey", err)
	}
}

func TestMemStoreTransitionCAS(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if err := s.Create(ctx, &Transaction{ID: "t-1", IdempotencyKey: "k-1", State: StateInitiated}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Transition(ctx, "t-1", StateInitiated, StateDebitPending, nil)
	if err != nil || got.State != StateDebitPending {
		t.Fatalf("Transition = (%+v, %v)", got, err)
	}

	// A second transition from the old state must conflict, not reapply.
	if _, err := s.Transition(ctx, "t-1", StateInitiated, StateDebitPending, nil); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("stale Transition = %v, want ErrStateConflict", err)
	}

	got, err = s.Transition(ctx, "t-1", StateDebitPending, StateFailed, func(txn *Transaction) {
		txn.FailureReason = "insufficient funds"
	})
	if err != nil {
		t.Fatalf("Transition with update: %v", err)
	}
	if got.FailureReason != "insufficient funds" {
		t.Errorf("FailureReason = %q", got.FailureReason)
	}

	if _, err := s.Transition(ctx, "missing", StateInitiated, StateDebitPending, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Transition missing = %v, want ErrNotFound", err)
	}
}
