package price

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/txlens/service/cache"
	"github.com/brojonat/txlens/service/metrics"
	"github.com/brojonat/txlens/service/retry"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrEmptySymbol is returned for a blank symbol.
var ErrEmptySymbol = errors.New("symbol is required")

// HistoryProvider returns the USD price of a coin id on a day.
type HistoryProvider interface {
	History(ctx context.Context, id string, day time.Time) (usd decimal.Decimal, found bool, err error)
}

// Config tunes a Resolver.
type Config struct {
	// CutoffHour: before this hour, requests for today resolve yesterday's
	// price because today's has not formed yet.
	CutoffHour int
	Location   *time.Location
	// Exceptions maps an upper-cased symbol to the coin id tried first.
	Exceptions map[string]string
	// RequestInterval paces history requests. Zero disables pacing.
	RequestInterval time.Duration
	Retry           retry.Policy
	Now             func() time.Time
}

// Resolver answers GetPrice from its cache, falling back to the provider.
type Resolver struct {
	cache     *cache.Store[Key, Result]
	directory *Directory
	history   HistoryProvider
	cfg       Config
	limiter   *rate.Limiter
	group     singleflight.Group
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewResolver wires a Resolver. The store should already be loaded.
func NewResolver(store *cache.Store[Key, Result], directory *Directory, history HistoryProvider, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Resolver {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	exceptions := make(map[string]string, len(cfg.Exceptions))
	for sym, id := range cfg.Exceptions {
		exceptions[strings.ToUpper(sym)] = id
	}
	cfg.Exceptions = exceptions

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RequestInterval), 1)
	}

	return &Resolver{
		cache:     store,
		directory: directory,
		history:   history,
		cfg:       cfg,
		limiter:   limiter,
		metrics:   m,
		logger:    logger.With("component", "price_resolver"),
	}
}

// EffectiveDay returns the calendar day that a request for day resolves to,
// applying the early-morning shift for today.
func (r *Resolver) EffectiveDay(day time.Time) time.Time {
	now := r.cfg.Now().In(r.cfg.Location)
	y, m, d := day.Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, r.cfg.Location)

	ny, nm, nd := now.Date()
	if y == ny && m == nm && d == nd && now.Hour() < r.cfg.CutoffHour {
		return date.AddDate(0, 0, -1)
	}
	return date
}

// GetPrice returns the USD price of symbol on day. Only the calendar date of
// day is used.
//
// A result is returned together with a non-nil error when the value was
// resolved but the cache flush it triggered failed; the value stays cached in
// memory and pending for the next flush.
func (r *Resolver) GetPrice(ctx context.Context, symbol string, day time.Time) (Result, error) {
	if strings.TrimSpace(symbol) == "" {
		return Result{}, ErrEmptySymbol
	}

	effective := r.EffectiveDay(day)
	key := NewKey(symbol, effective)

	if res, ok := r.cache.Lookup(key); ok {
		r.logger.DebugContext(ctx, "price cache hit", "symbol", key.Symbol, "day", key.Day, "result", res.String())
		return res, nil
	}

	for attempt := 1; ; attempt++ {
		v, err, shared := r.group.Do(key.Symbol+"|"+key.Day, func() (interface{}, error) {
			// Another flight may have finished between our lookup and now.
			if res, ok := r.cache.Lookup(key); ok {
				return res, nil
			}

			res, err := r.resolve(ctx, key, effective)
			if err != nil {
				return Result{}, err
			}
			if _, err := r.cache.Stage(ctx, key, res); err != nil {
				return res, err
			}
			return res, nil
		})
		// The flight ran on the first caller's context; if that caller went
		// away, the rest start a new one.
		if shared && attempt < retry.MaxRejoins && retry.ForeignCancellation(ctx, err) {
			r.logger.DebugContext(ctx, "joined price lookup was cancelled, retrying", "symbol", key.Symbol, "day", key.Day)
			continue
		}
		res, _ := v.(Result)
		return res, err
	}
}

func (r *Resolver) resolve(ctx context.Context, key Key, day time.Time) (Result, error) {
	today := r.cfg.Now().In(r.cfg.Location).Format(DayLayout)
	ids, err := r.directory.Candidates(ctx, today, key.Symbol)
	if err != nil {
		return Result{}, err
	}
	if len(ids) == 0 {
		r.logger.DebugContext(ctx, "no such coin", "symbol", key.Symbol)
		r.recordOutcome(StatusNoCoin)
		return NoCoin(), nil
	}

	for _, id := range r.candidates(key.Symbol, ids) {
		usd, found, err := r.fetchHistory(ctx, id, day)
		if err != nil {
			return Result{}, fmt.Errorf("failed to resolve %s on %s via %s: %w", key.Symbol, key.Day, id, err)
		}
		if found {
			r.logger.DebugContext(ctx, "price found",
				"symbol", key.Symbol,
				"day", key.Day,
				"coin_id", id,
				"usd", usd.String(),
			)
			r.recordOutcome(StatusPriced)
			return Priced(usd), nil
		}
		r.logger.DebugContext(ctx, "no market data for candidate", "symbol", key.Symbol, "coin_id", id)
	}

	r.logger.DebugContext(ctx, "no price found", "symbol", key.Symbol, "day", key.Day, "candidates", len(ids))
	r.recordOutcome(StatusNoPrice)
	return NoPrice(), nil
}

// candidates puts the configured exception first and keeps the directory
// order for the rest.
func (r *Resolver) candidates(symbol string, ids []string) []string {
	exception, ok := r.cfg.Exceptions[symbol]
	if !ok {
		return ids
	}
	out := make([]string, 0, len(ids)+1)
	out = append(out, exception)
	for _, id := range ids {
		if id != exception {
			out = append(out, id)
		}
	}
	return out
}

func (r *Resolver) fetchHistory(ctx context.Context, id string, day time.Time) (decimal.Decimal, bool, error) {
	var (
		usd   decimal.Decimal
		found bool
	)
	err := r.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		usd, found, err = r.history.History(ctx, id, day)
		return err
	}, func(err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "price history unavailable, backing off",
			"coin_id", id,
			"error", err,
			"wait", wait,
		)
		if r.metrics != nil {
			r.metrics.RecordRetry("coingecko", "history")
		}
	})
	return usd, found, err
}

func (r *Resolver) recordOutcome(s Status) {
	if r.metrics != nil {
		r.metrics.RecordResolution("price", s.String())
	}
}

// Flush writes pending cache entries.
func (r *Resolver) Flush(ctx context.Context) error {
	return r.cache.Flush(ctx)
}

// Close flushes pending cache entries. Call it at shutdown.
func (r *Resolver) Close(ctx context.Context) error {
	return r.cache.Close(ctx)
}
