package etherscan

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brojonat/txlens/service/metrics"
	"github.com/brojonat/txlens/service/retry"
	"golang.org/x/time/rate"
)

// DefaultPageSize is the provider's per-response row cap.
const DefaultPageSize = 10000

// PageLister returns one listing page starting at startBlock.
type PageLister interface {
	ListPage(ctx context.Context, address string, kind Kind, startBlock uint64) ([]Transaction, error)
}

// FetcherConfig tunes a Fetcher.
type FetcherConfig struct {
	// PageSize is the provider's row cap; a full page means there may be more.
	PageSize int
	// RequestInterval paces page requests. Zero disables pacing.
	RequestInterval time.Duration
	Retry           retry.Policy
}

// Fetcher assembles a complete listing out of capped pages.
type Fetcher struct {
	lister  PageLister
	cfg     FetcherConfig
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewFetcher creates a Fetcher over lister.
func NewFetcher(lister PageLister, cfg FetcherConfig, m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RequestInterval), 1)
	}
	return &Fetcher{
		lister:  lister,
		cfg:     cfg,
		limiter: limiter,
		metrics: m,
		logger:  logger.With("component", "fetcher"),
	}
}

// Fetch returns every row of kind for address, in ascending block order.
//
// A full page ends mid-block, so the rows of its last block are dropped and
// the next page starts at that block. If that page is full and ends on the
// same block the cursor cannot advance; the rows gathered so far are returned
// and the stall is logged.
func (f *Fetcher) Fetch(ctx context.Context, address string, kind Kind) ([]Transaction, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return nil, err
	}
	logger := f.logger.With("address", addr, "kind", kind)

	rows, err := f.page(ctx, addr, kind, 1)
	if err != nil {
		return nil, err
	}
	if len(rows) < f.cfg.PageSize {
		return f.done(ctx, logger, kind, rows), nil
	}

	for {
		last := rows[len(rows)-1].BlockNumber
		rows = dropBlock(rows, last)

		next, err := f.page(ctx, addr, kind, last)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			logger.WarnContext(ctx, "continuation page is empty, stopping", "block", last)
			return f.done(ctx, logger, kind, rows), nil
		}
		// A short page is the complete tail even when it sits in one block.
		if len(next) >= f.cfg.PageSize && next[len(next)-1].BlockNumber == last {
			logger.WarnContext(ctx, "pagination stalled: a single block fills a page",
				"block", last,
				"dropped_rows", len(next),
			)
			if f.metrics != nil {
				f.metrics.RecordPaginationStall(string(kind))
			}
			return f.done(ctx, logger, kind, rows), nil
		}

		rows = append(rows, next...)
		if len(next) < f.cfg.PageSize {
			return f.done(ctx, logger, kind, rows), nil
		}
	}
}

// FetchAll fetches each kind in turn.
func (f *Fetcher) FetchAll(ctx context.Context, address string, kinds ...Kind) (map[Kind][]Transaction, error) {
	if len(kinds) == 0 {
		kinds = AllKinds
	}
	out := make(map[Kind][]Transaction, len(kinds))
	for _, kind := range kinds {
		rows, err := f.Fetch(ctx, address, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s transactions: %w", kind, err)
		}
		out[kind] = rows
	}
	return out, nil
}

func (f *Fetcher) page(ctx context.Context, address string, kind Kind, startBlock uint64) ([]Transaction, error) {
	var rows []Transaction
	err := f.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		if err := f.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		rows, err = f.lister.ListPage(ctx, address, kind, startBlock)
		return err
	}, func(err error, wait time.Duration) {
		f.logger.WarnContext(ctx, "listing unavailable, backing off",
			"kind", kind,
			"start_block", startBlock,
			"error", err,
			"wait", wait,
		)
		if f.metrics != nil {
			f.metrics.RecordRetry(provider, kind.Action())
		}
	})
	if err != nil {
		return nil, err
	}
	if f.metrics != nil {
		f.metrics.RecordListingPage(string(kind), len(rows))
	}
	return rows, nil
}

func (f *Fetcher) done(ctx context.Context, logger *slog.Logger, kind Kind, rows []Transaction) []Transaction {
	if rows == nil {
		rows = []Transaction{}
	}
	logger.DebugContext(ctx, "fetched transactions", "count", len(rows))
	if f.metrics != nil {
		f.metrics.RecordTransactionsFetched(string(kind), len(rows))
	}
	return rows
}

// dropBlock returns rows without those in block.
func dropBlock(rows []Transaction, block uint64) []Transaction {
	kept := make([]Transaction, 0, len(rows))
	for _, r := range rows {
		if r.BlockNumber != block {
			kept = append(kept, r)
		}
	}
	return kept
}
