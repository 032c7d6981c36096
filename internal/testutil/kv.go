// kv.go
//
// In-memory implementation of upstream.KV with TTLs and call counters.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/store"
)

type kvItem struct {
	value     []byte
	expiresAt time.Time
}

// MemoryKV implements upstream.KV. Expiry is evaluated against Now, which
// tests may replace to move time forward.
type MemoryKV struct {
	// Error injection...zero value means no error
	GetErr  error
	SetErr  error
	IncrErr error

	Now func() time.Time

	// Sets counts successful Set calls; TTLs records the last ttl per key.
	Sets int
	TTLs map[string]time.Duration

	items    map[string]kvItem
	counters map[string]int64
	mu       sync.Mutex
}

// NewMemoryKV returns an empty MemoryKV on the wall clock.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		Now:      time.Now,
		TTLs:     make(map[string]time.Duration),
		items:    make(map[string]kvItem),
		counters: make(map[string]int64),
	}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok || !m.Now().Before(it.expiresAt) {
		return nil, store.ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if m.SetErr != nil {
		return m.SetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = kvItem{value: append([]byte(nil), value...), expiresAt: m.Now().Add(ttl)}
	m.TTLs[key] = ttl
	m.Sets++
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryKV) Counter(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key], nil
}

func (m *MemoryKV) IncrBelow(_ context.Context, key string, limit int64, _ time.Duration) (int64, bool, error) {
	if m.IncrErr != nil {
		return 0, false, m.IncrErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.counters[key]
	if limit > 0 && n >= limit {
		return n, false, nil
	}
	n++
	m.counters[key] = n
	return n, true, nil
}

// Has reports whether key holds an unexpired value.
func (m *MemoryKV) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	return ok && m.Now().Before(it.expiresAt)
}

// CounterValue returns the raw counter at key.
func (m *MemoryKV) CounterValue(key string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}
