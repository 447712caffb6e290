package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is a process-local Store for single-instance runs and tests.
// Expired entries are dropped lazily on access.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
	down    error
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetUnavailable makes every call fail with ErrUnavailable until cleared with nil.
func (m *Memory) SetUnavailable(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.down = err
}

func (m *Memory) lookup(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *Memory) check(op string) error {
	if m.down != nil {
		return unavailable(op, m.down)
	}
	return nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("get"); err != nil {
		return "", err
	}
	e, ok := m.lookup(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrNoTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("set"); err != nil {
		return err
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

// SetNX implements Store.
func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrNoTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("setnx"); err != nil {
		return false, err
	}
	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	return true, nil
}

// Incr implements Store.
func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	if ttl <= 0 {
		return 0, 0, ErrNoTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("incr"); err != nil {
		return 0, 0, err
	}

	now := m.now()
	e, ok := m.lookup(key)
	if !ok {
		e = memoryEntry{value: "0", expiresAt: now.Add(ttl)}
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	m.entries[key] = e

	return n, e.expiresAt.Sub(now), nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check("delete"); err != nil {
		return err
	}
	delete(m.entries, key)
	return nil
}

// Ping implements Store.
func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check("ping")
}
