package cache

import (
	"context"
	"sync"
)

// MemorySink keeps entries in process memory. It backs the "memory" cache
// backend and doubles as a test sink.
type MemorySink[K comparable, V any] struct {
	mu        sync.Mutex
	rows      []Entry[K, V]
	seen      map[K]struct{}
	appends   int
	appendErr error
}

// NewMemorySink returns a sink pre-populated with seed.
func NewMemorySink[K comparable, V any](seed ...Entry[K, V]) *MemorySink[K, V] {
	m := &MemorySink[K, V]{seen: make(map[K]struct{})}
	for _, e := range seed {
		m.add(e)
	}
	return m
}

func (m *MemorySink[K, V]) add(e Entry[K, V]) {
	if _, ok := m.seen[e.Key]; ok {
		return
	}
	m.seen[e.Key] = struct{}{}
	m.rows = append(m.rows, e)
}

// ReadAll returns a copy of every stored entry.
func (m *MemorySink[K, V]) ReadAll(ctx context.Context) ([]Entry[K, V], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry[K, V], len(m.rows))
	copy(out, m.rows)
	return out, nil
}

// AppendBatch stores entries, ignoring keys it already holds.
func (m *MemorySink[K, V]) AppendBatch(ctx context.Context, entries []Entry[K, V]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if m.appendErr != nil {
		return m.appendErr
	}
	for _, e := range entries {
		m.add(e)
	}
	return nil
}

// SetAppendError makes every following AppendBatch fail with err (nil clears it).
func (m *MemorySink[K, V]) SetAppendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = err
}

// Appends returns how many times AppendBatch was called.
func (m *MemorySink[K, V]) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appends
}

// Len returns the number of stored entries.
func (m *MemorySink[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
