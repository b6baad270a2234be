package db

import (
	"context"
	"fmt"
	"time"

	"github.com/brojonat/txlens/service/cache"
	"github.com/brojonat/txlens/service/coingecko"
	"github.com/brojonat/txlens/service/db/dbgen"
	"github.com/brojonat/txlens/service/price"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// PriceSink persists the price cache in price_cache.
type PriceSink struct {
	store *Store
}

// PriceSink returns the price cache sink.
func (s *Store) PriceSink() *PriceSink {
	return &PriceSink{store: s}
}

// ReadAll implements cache.Sink.
func (p *PriceSink) ReadAll(ctx context.Context) ([]cache.Entry[price.Key, price.Result], error) {
	rows, err := p.store.q.ListPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query price cache: %w", err)
	}

	out := make([]cache.Entry[price.Key, price.Result], 0, len(rows))
	for _, row := range rows {
		entry, err := dbPriceToEntry(row)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func dbPriceToEntry(row dbgen.PriceCache) (cache.Entry[price.Key, price.Result], error) {
	key := price.Key{Symbol: row.Symbol, Day: row.Day.Time.Format(price.DayLayout)}
	st, err := price.ParseStatus(row.Status)
	if err != nil {
		return cache.Entry[price.Key, price.Result]{}, fmt.Errorf("price cache row %s/%s: %w", key.Symbol, key.Day, err)
	}
	res := price.Result{Status: st}
	if st == price.StatusPriced {
		if !row.PriceUsd.Valid {
			return cache.Entry[price.Key, price.Result]{}, fmt.Errorf("price cache row %s/%s: priced without a value", key.Symbol, key.Day)
		}
		res.USD = row.PriceUsd.Decimal
	}
	return cache.Entry[price.Key, price.Result]{Key: key, Value: res, CachedAt: row.CachedAt.Time}, nil
}

// AppendBatch implements cache.Sink. Rows already present are left untouched.
func (p *PriceSink) AppendBatch(ctx context.Context, entries []cache.Entry[price.Key, price.Result]) error {
	params := make([]dbgen.InsertPriceParams, 0, len(entries))
	for _, e := range entries {
		day, err := pgDate(e.Key.Day)
		if err != nil {
			return err
		}
		params = append(params, dbgen.InsertPriceParams{
			Symbol:   e.Key.Symbol,
			Day:      day,
			Status:   e.Value.Status.String(),
			PriceUsd: decimal.NullDecimal{Decimal: e.Value.USD, Valid: e.Value.IsPriced()},
			CachedAt: pgtype.Timestamptz{Time: e.CachedAt, Valid: true},
		})
	}
	return p.store.inTx(ctx, "price_cache", func(q *dbgen.Queries) error {
		for i, arg := range params {
			if err := q.InsertPrice(ctx, arg); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		return nil
	})
}

// NameSink persists the name tag cache in name_cache.
type NameSink struct {
	store *Store
}

// NameSink returns the name tag cache sink.
func (s *Store) NameSink() *NameSink {
	return &NameSink{store: s}
}

// ReadAll implements cache.Sink.
func (n *NameSink) ReadAll(ctx context.Context) ([]cache.Entry[string, string], error) {
	rows, err := n.store.q.ListNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query name cache: %w", err)
	}
	out := make([]cache.Entry[string, string], 0, len(rows))
	for _, row := range rows {
		out = append(out, cache.Entry[string, string]{Key: row.Address, Value: row.Nametag, CachedAt: row.CachedAt.Time})
	}
	return out, nil
}

// AppendBatch implements cache.Sink. Rows already present are left untouched.
func (n *NameSink) AppendBatch(ctx context.Context, entries []cache.Entry[string, string]) error {
	return n.store.inTx(ctx, "name_cache", func(q *dbgen.Queries) error {
		for i, e := range entries {
			err := q.InsertName(ctx, dbgen.InsertNameParams{
				Address:  e.Key,
				Nametag:  e.Value,
				CachedAt: pgtype.Timestamptz{Time: e.CachedAt, Valid: true},
			})
			if err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		return nil
	})
}

// inTx runs fn in one transaction so a failed write leaves no partial rows.
func (s *Store) inTx(ctx context.Context, table string, fn func(q *dbgen.Queries) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin %s write: %w", table, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(s.q.WithTx(tx)); err != nil {
		return fmt.Errorf("failed to write %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit %s write: %w", table, err)
	}
	return nil
}

func pgDate(day string) (pgtype.Date, error) {
	t, err := time.Parse(price.DayLayout, day)
	if err != nil {
		return pgtype.Date{}, fmt.Errorf("invalid day %q: %w", day, err)
	}
	return pgtype.Date{Time: t, Valid: true}, nil
}

// CoinSnapshots stores the daily coin list in coin_list.
type CoinSnapshots struct {
	store *Store
}

// CoinSnapshots returns the coin list snapshot store.
func (s *Store) CoinSnapshots() *CoinSnapshots {
	return &CoinSnapshots{store: s}
}

// LoadCoins implements price.SnapshotStore.
func (c *CoinSnapshots) LoadCoins(ctx context.Context, day string) ([]coingecko.Coin, bool, error) {
	date, err := pgDate(day)
	if err != nil {
		return nil, false, err
	}
	rows, err := c.store.q.ListCoinsBySnapshot(ctx, date)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query coin list: %w", err)
	}
	coins := make([]coingecko.Coin, len(rows))
	for i, row := range rows {
		coins[i] = coingecko.Coin{ID: row.ID, Symbol: row.Symbol, Name: row.Name}
	}
	return coins, len(coins) > 0, nil
}

// SaveCoins implements price.SnapshotStore. The previous snapshot is replaced.
func (c *CoinSnapshots) SaveCoins(ctx context.Context, day string, coins []coingecko.Coin) error {
	date, err := pgDate(day)
	if err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	params := make([]dbgen.CopyCoinsParams, len(coins))
	for i, coin := range coins {
		params[i] = dbgen.CopyCoinsParams{ID: coin.ID, Symbol: coin.Symbol, Name: coin.Name, SnapshotDate: date}
	}

	return c.store.inTx(ctx, "coin_list", func(q *dbgen.Queries) error {
		if err := q.DeleteCoins(ctx); err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		if _, err := q.CopyCoins(ctx, params); err != nil {
			return fmt.Errorf("copy: %w", err)
		}
		return nil
	})
}
