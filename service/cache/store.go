// Package cache provides the keyed memoization store that backs every
// resolver. Values are loaded once from a durable sink, looked up in memory,
// and written back in batches.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/txlens/service/metrics"
)

// Entry is a single cached value.
type Entry[K comparable, V any] struct {
	Key      K
	Value    V
	CachedAt time.Time
}

// Sink is the durable storage behind a Store.
// AppendBatch may be called again with rows it already accepted, so
// implementations must ignore duplicates.
type Sink[K comparable, V any] interface {
	ReadAll(ctx context.Context) ([]Entry[K, V], error)
	AppendBatch(ctx context.Context, entries []Entry[K, V]) error
}

// Options configures a Store.
type Options struct {
	// SaveThreshold is the number of staged entries that triggers a flush.
	// Values below 1 are treated as 1.
	SaveThreshold int
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// Store is an append-only, write-back memoization table.
type Store[K comparable, V any] struct {
	name      string
	sink      Sink[K, V]
	threshold int
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[K]Entry[K, V]
	pending []Entry[K, V]
}

// New creates a Store named name (used in logs and metric labels).
func New[K comparable, V any](name string, sink Sink[K, V], opts Options) *Store[K, V] {
	if opts.SaveThreshold < 1 {
		opts.SaveThreshold = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store[K, V]{
		name:      name,
		sink:      sink,
		threshold: opts.SaveThreshold,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "cache", "cache", name),
		now:       opts.Now,
		entries:   make(map[K]Entry[K, V]),
	}
}

// Load reads every persisted entry into memory and returns how many were
// loaded. Entries already present in memory win over persisted duplicates.
func (s *Store[K, V]) Load(ctx context.Context) (int, error) {
	rows, err := s.sink.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load %s cache: %w", s.name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, row := range rows {
		if _, exists := s.entries[row.Key]; exists {
			continue
		}
		s.entries[row.Key] = row
		loaded++
	}

	s.logger.InfoContext(ctx, "cache loaded", "entries", loaded)
	return loaded, nil
}

// Lookup returns the cached value for key.
func (s *Store[K, V]) Lookup(key K) (V, bool) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	s.mu.Unlock()

	if s.metrics != nil {
		result := "miss"
		if ok {
			result = "hit"
		}
		s.metrics.RecordCacheLookup(s.name, result)
	}
	return entry.Value, ok
}

// Stage records value for key and queues it for write-back. It returns false
// without changing anything if key is already cached. Once SaveThreshold
// entries are pending a flush runs; its error is returned, and the entry
// remains cached and pending.
func (s *Store[K, V]) Stage(ctx context.Context, key K, value V) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; exists {
		return false, nil
	}

	entry := Entry[K, V]{Key: key, Value: value, CachedAt: s.now()}
	s.entries[key] = entry
	s.pending = append(s.pending, entry)

	if s.metrics != nil {
		s.metrics.RecordCacheStaged(s.name)
	}

	if len(s.pending) >= s.threshold {
		if err := s.flushLocked(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Flush writes the pending batch to the sink. On failure the batch is kept
// so a later Flush resends it.
func (s *Store[K, V]) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Store[K, V]) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	batch := make([]Entry[K, V], len(s.pending))
	copy(batch, s.pending)

	start := time.Now()
	err := s.sink.AppendBatch(ctx, batch)
	if s.metrics != nil {
		s.metrics.RecordCacheFlush(s.name, len(batch), time.Since(start).Seconds(), err)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "cache flush failed",
			"pending", len(batch),
			"error", err,
		)
		return fmt.Errorf("failed to flush %s cache (%d pending): %w", s.name, len(batch), err)
	}

	s.pending = s.pending[:0]
	s.logger.DebugContext(ctx, "cache flushed", "entries", len(batch))
	return nil
}

// Close flushes whatever is still pending. Call it at shutdown.
func (s *Store[K, V]) Close(ctx context.Context) error {
	return s.Flush(ctx)
}

// Len returns the number of cached entries.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Pending returns the number of entries staged since the last flush.
func (s *Store[K, V]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Name returns the store's name.
func (s *Store[K, V]) Name() string {
	return s.name
}
