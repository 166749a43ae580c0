package saga

import (
	"context"
	"sync"
	"time"
)

// MemStore is a process-local Store used by tests and the memory backend.
type MemStore struct {
	mu    sync.Mutex
	byID  map[string]*Transaction
	byKey map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		byID:  make(map[string]*Transaction),
		byKey: make(map[string]string),
	}
}

func (s *MemStore) Create(_ context.Context, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byKey[txn.IdempotencyKey]; exists {
		return ErrDuplicateKey
	}
	cp := *txn
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.byID[cp.ID] = &cp
	s.byKey[cp.IdempotencyKey] = cp.ID
	*txn = cp
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (s *MemStore) GetByIdempotencyKey(_ context.Context, key string) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemStore) Transition(_ context.Context, id string, from, to State, update func(*Transaction)) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if txn.State != from {
		return nil, ErrStateConflict
	}
	txn.State = to
	if update != nil {
		update(txn)
	}
	txn.UpdatedAt = time.Now().UTC()
	cp := *txn
	return &cp, nil
}
