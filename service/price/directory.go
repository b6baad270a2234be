package price

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/txlens/service/coingecko"
	"github.com/brojonat/txlens/service/metrics"
	"github.com/brojonat/txlens/service/retry"
)

// CoinLister fetches the provider's coin identity list.
type CoinLister interface {
	ListCoins(ctx context.Context) ([]coingecko.Coin, error)
}

// SnapshotStore persists one coin list per calendar day.
type SnapshotStore interface {
	// LoadCoins returns the snapshot taken on day. ok is false when there is none.
	LoadCoins(ctx context.Context, day string) (coins []coingecko.Coin, ok bool, err error)
	// SaveCoins replaces the stored snapshot with coins, dated day.
	SaveCoins(ctx context.Context, day string, coins []coingecko.Coin) error
}

// Directory serves the coin list for the current day, fetching and
// persisting a fresh snapshot once per calendar day.
type Directory struct {
	lister    CoinLister
	snapshots SnapshotStore
	policy    retry.Policy
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.Mutex
	day      string
	coins    []coingecko.Coin
	bySymbol map[string][]coingecko.Coin
}

// NewDirectory creates a Directory. snapshots may be nil, in which case the
// list is kept in memory only.
func NewDirectory(lister CoinLister, snapshots SnapshotStore, policy retry.Policy, m *metrics.Metrics, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Directory{
		lister:    lister,
		snapshots: snapshots,
		policy:    policy,
		metrics:   m,
		logger:    logger.With("component", "coin_directory"),
	}
}

// Coins returns the coin list snapshot for day (DayLayout).
func (d *Directory) Coins(ctx context.Context, day string) ([]coingecko.Coin, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureLocked(ctx, day); err != nil {
		return nil, err
	}
	return d.coins, nil
}

// Candidates returns the ids of every coin whose symbol matches symbol
// case-insensitively, in list order.
func (d *Directory) Candidates(ctx context.Context, day, symbol string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureLocked(ctx, day); err != nil {
		return nil, err
	}
	matches := d.bySymbol[strings.ToLower(symbol)]
	ids := make([]string, len(matches))
	for i, c := range matches {
		ids[i] = c.ID
	}
	return ids, nil
}

// Refresh drops the in-memory snapshot and fetches a new list from the
// provider, replacing the persisted snapshot for day.
func (d *Directory) Refresh(ctx context.Context, day string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	coins, err := d.fetch(ctx, day)
	if err != nil {
		return 0, err
	}
	d.install(day, coins)
	return len(coins), nil
}

func (d *Directory) ensureLocked(ctx context.Context, day string) error {
	if d.day == day && d.bySymbol != nil {
		return nil
	}

	if d.snapshots != nil {
		coins, ok, err := d.snapshots.LoadCoins(ctx, day)
		if err != nil {
			return fmt.Errorf("failed to load coin snapshot: %w", err)
		}
		if ok {
			d.logger.DebugContext(ctx, "using persisted coin snapshot", "day", day, "coins", len(coins))
			d.install(day, coins)
			return nil
		}
	}

	coins, err := d.fetch(ctx, day)
	if err != nil {
		return err
	}
	d.install(day, coins)
	return nil
}

func (d *Directory) fetch(ctx context.Context, day string) ([]coingecko.Coin, error) {
	var coins []coingecko.Coin
	err := d.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		coins, err = d.lister.ListCoins(ctx)
		return err
	}, func(err error, wait time.Duration) {
		d.logger.WarnContext(ctx, "coin list unavailable, backing off", "error", err, "wait", wait)
		if d.metrics != nil {
			d.metrics.RecordRetry("coingecko", "coin_list")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch coin list: %w", err)
	}

	if d.snapshots != nil {
		if err := d.snapshots.SaveCoins(ctx, day, coins); err != nil {
			return nil, fmt.Errorf("failed to save coin snapshot: %w", err)
		}
	}
	d.logger.InfoContext(ctx, "loaded new coin list", "day", day, "coins", len(coins))
	return coins, nil
}

func (d *Directory) install(day string, coins []coingecko.Coin) {
	bySymbol := make(map[string][]coingecko.Coin, len(coins))
	for _, c := range coins {
		sym := strings.ToLower(c.Symbol)
		bySymbol[sym] = append(bySymbol[sym], c)
	}
	d.day = day
	d.coins = coins
	d.bySymbol = bySymbol
}

// MemorySnapshots is a SnapshotStore that keeps only the latest snapshot in
// memory.
type MemorySnapshots struct {
	mu    sync.Mutex
	day   string
	coins []coingecko.Coin
}

// LoadCoins implements SnapshotStore.
func (m *MemorySnapshots) LoadCoins(ctx context.Context, day string) ([]coingecko.Coin, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.day != day || m.coins == nil {
		return nil, false, nil
	}
	return m.coins, true, nil
}

// SaveCoins implements SnapshotStore.
func (m *MemorySnapshots) SaveCoins(ctx context.Context, day string, coins []coingecko.Coin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.day = day
	m.coins = coins
	return nil
}
