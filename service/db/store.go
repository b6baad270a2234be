package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/brojonat/txlens/service/db/dbgen"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the resolver caches.
// It wraps the generated sqlc queries (see sql/queries.sql).
type Store struct {
	pool *pgxpool.Pool
	q    *dbgen.Queries
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		q:    dbgen.New(pool),
	}
}

// Connect opens a pool for databaseURL and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}

//go:embed sql/schema.sql
var schema string

// Migrate creates the cache tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Stats summarizes the persisted caches.
type Stats struct {
	PricesByStatus map[string]int64 `json:"prices_by_status"`
	Names          int64            `json:"names"`
	UntaggedNames  int64            `json:"untagged_names"`
	Coins          int64            `json:"coins"`
	SnapshotDate   *time.Time       `json:"snapshot_date,omitempty"`
}

// Stats counts cache rows. untaggedLabel is the sentinel stored for
// addresses without a tag.
func (s *Store) Stats(ctx context.Context, untaggedLabel string) (*Stats, error) {
	stats := &Stats{PricesByStatus: make(map[string]int64)}

	counts, err := s.q.CountPricesByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count prices: %w", err)
	}
	for _, c := range counts {
		stats.PricesByStatus[c.Status] = c.N
	}

	names, err := s.q.CountNames(ctx, untaggedLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to count names: %w", err)
	}
	stats.Names = names.Total
	stats.UntaggedNames = names.Untagged

	coins, err := s.q.CoinListSummary(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count coins: %w", err)
	}
	stats.Coins = coins.Total
	if coins.SnapshotDate.Valid {
		d := coins.SnapshotDate.Time
		stats.SnapshotDate = &d
	}

	return stats, nil
}
