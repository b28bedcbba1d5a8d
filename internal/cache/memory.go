package cache

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. Expired entries are kept for a retention
// period so they can be served stale, then dropped on the next write.
type Memory struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	retention time.Duration
	now       func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithRetention sets how long an expired entry stays readable (default: 1h).
func WithRetention(d time.Duration) MemoryOption {
	return func(m *Memory) { m.retention = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:   make(map[string]Entry),
		retention: time.Hour,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the entry for key, or ErrMiss once it is past retention.
func (m *Memory) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	if !ok || m.now().After(e.ExpiresAt.Add(m.retention)) {
		return Entry{}, ErrMiss
	}
	return e, nil
}

// Set stores value under key and prunes entries past retention.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = Entry{
		Value:     value,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	for k, e := range m.entries {
		if now.After(e.ExpiresAt.Add(m.retention)) {
			delete(m.entries, k)
		}
	}
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

var _ Store = (*Memory)(nil)
