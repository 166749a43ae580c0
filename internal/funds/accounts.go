// Package funds is the funds-holding collaborator: it applies debit,
// credit and reversal requests to account balances and reports the outcome
// back on the bus.
package funds

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrAccountNotFound   = errors.New("funds: account not found")
	ErrInsufficientFunds = errors.New("funds: insufficient funds")
)

// AccountStore applies balance deltas exactly once per operation id. Apply
// returns false when the operation was already recorded, which lets the
// processor republish a result without moving money twice.
type AccountStore interface {
	Apply(ctx context.Context, opID, accountID string, delta int64) (applied bool, err error)
	Balance(ctx context.Context, accountID string) (int64, error)
	Seed(ctx context.Context, accountID string, balance int64) error
}

// MemoryAccounts is a process-local AccountStore.
type MemoryAccounts struct {
	mu       sync.Mutex
	balances map[string]int64
	ops      map[string]struct{}
}

func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{
		balances: make(map[string]int64),
		ops:      make(map[string]struct{}),
	}
}

func (m *MemoryAccounts) Apply(_ context.Context, opID, accountID string, delta int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.ops[opID]; done {
		return false, nil
	}
	balance, ok := m.balances[accountID]
	if !ok {
		return false, ErrAccountNotFound
	}
	if balance+delta < 0 {
		return false, ErrInsufficientFunds
	}
	m.balances[accountID] = balance + delta
	m.ops[opID] = struct{}{}
	return true, nil
}

func (m *MemoryAccounts) Balance(_ context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[accountID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	return balance, nil
}

func (m *MemoryAccounts) Seed(_ context.Context, accountID string, balance int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[accountID] = balance
	return nil
}
