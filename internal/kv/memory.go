package kv

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     int64
	expiresAt time.Time
}

// Memory is a process-local Store. Expired entries are reaped lazily on
// access, so absence after expiry behaves exactly like deletion.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

func (m *Memory) live(key string) (entry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return entry{}, false
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) SetNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = entry{value: 1, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *Memory) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		e = entry{value: 0, expiresAt: m.now().Add(window)}
	}
	e.value++
	m.entries[key] = e
	return e.value, nil
}

func (m *Memory) Extend(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = m.now().Add(ttl)
	m.entries[key] = e
	return true, nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
