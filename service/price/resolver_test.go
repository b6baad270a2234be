package price

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/txlens/service/cache"
	"github.com/brojonat/txlens/service/coingecko"
	"github.com/brojonat/txlens/service/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	mu    sync.Mutex
	coins []coingecko.Coin
	calls int
	fails int // number of leading rate-limited responses
}

func (f *fakeLister) ListCoins(ctx context.Context) ([]coingecko.Coin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fails {
		return nil, retry.ErrRateLimited
	}
	return f.coins, nil
}

type historyCall struct {
	ID  string
	Day string
}

type fakeHistory struct {
	mu      sync.Mutex
	prices  map[string]decimal.Decimal // coin id -> price; missing means no data
	limited map[string]int             // coin id -> remaining rate-limited responses
	err     error
	delay   time.Duration
	gate    func(ctx context.Context) error // runs before every request when set
	calls   []historyCall
}

func (f *fakeHistory) History(ctx context.Context, id string, day time.Time) (decimal.Decimal, bool, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.gate != nil {
		if err := f.gate(ctx); err != nil {
			return decimal.Zero, false, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, historyCall{ID: id, Day: day.Format(DayLayout)})
	if f.err != nil {
		return decimal.Zero, false, f.err
	}
	if f.limited[id] > 0 {
		f.limited[id]--
		return decimal.Zero, false, fmt.Errorf("history: %w", retry.ErrRateLimited)
	}
	p, ok := f.prices[id]
	return p, ok, nil
}

func (f *fakeHistory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

var testCoins = []coingecko.Coin{
	{ID: "ethereum", Symbol: "eth", Name: "Ethereum"},
	{ID: "bridged-eth", Symbol: "eth", Name: "Bridged ETH"},
	{ID: "usd-coin", Symbol: "usdc", Name: "USDC"},
	{ID: "wrapped-usdc", Symbol: "usdc", Name: "Wrapped USDC"},
	{ID: "dead-token", Symbol: "dead", Name: "Dead"},
}

type harness struct {
	resolver *Resolver
	store    *cache.Store[Key, Result]
	sink     *cache.MemorySink[Key, Result]
	history  *fakeHistory
	lister   *fakeLister
}

func newHarness(t *testing.T, now time.Time, history *fakeHistory, exceptions map[string]string) *harness {
	t.Helper()
	sink := cache.NewMemorySink[Key, Result]()
	store := cache.New[Key, Result]("price", sink, cache.Options{SaveThreshold: 10})
	lister := &fakeLister{coins: testCoins}
	dir := NewDirectory(lister, &MemorySnapshots{}, retry.NoDelay, nil, nil)
	if history.prices == nil {
		history.prices = map[string]decimal.Decimal{}
	}
	r := NewResolver(store, dir, history, Config{
		CutoffHour: 3,
		Location:   time.UTC,
		Exceptions: exceptions,
		Retry:      retry.NoDelay,
		Now:        func() time.Time { return now },
	}, nil, nil)
	return &harness{resolver: r, store: store, sink: sink, history: history, lister: lister}
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestGetPrice_Memoized(t *testing.T) {
	h := newHarness(t, day(2024, 5, 1).Add(12*time.Hour), &fakeHistory{
		prices: map[string]decimal.Decimal{"ethereum": decimal.RequireFromString("3012.5")},
	}, nil)
	ctx := context.Background()

	first, err := h.resolver.GetPrice(ctx, "ETH", day(2024, 3, 1))
	require.NoError(t, err)
	second, err := h.resolver.GetPrice(ctx, "eth", day(2024, 3, 1).Add(15*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, first.IsPriced())
	assert.Equal(t, "3012.5", first.USD.String())
	assert.Equal(t, 1, h.history.callCount())
}

func TestGetPrice_DayShift(t *testing.T) {
	tests := []struct {
		name      string
		now       time.Time
		requested time.Time
		expectDay string
	}{
		{
			name:      "today before cutoff uses yesterday",
			now:       day(2024, 1, 10).Add(2*time.Hour + 59*time.Minute),
			requested: day(2024, 1, 10),
			expectDay: "2024-01-09",
		},
		{
			name:      "today at cutoff uses today",
			now:       day(2024, 1, 10).Add(3 * time.Hour),
			requested: day(2024, 1, 10),
			expectDay: "2024-01-10",
		},
		{
			name:      "past day before cutoff is unchanged",
			now:       day(2024, 1, 10).Add(1 * time.Hour),
			requested: day(2024, 1, 8),
			expectDay: "2024-01-08",
		},
		{
			name:      "first of month rolls back",
			now:       day(2024, 3, 1).Add(30 * time.Minute),
			requested: day(2024, 3, 1),
			expectDay: "2024-02-29",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.now, &fakeHistory{
				prices: map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(1)},
			}, nil)

			_, err := h.resolver.GetPrice(context.Background(), "ETH", tt.requested)
			require.NoError(t, err)

			require.Len(t, h.history.calls, 1)
			assert.Equal(t, tt.expectDay, h.history.calls[0].Day)
			_, ok := h.store.Lookup(Key{Symbol: "ETH", Day: tt.expectDay})
			assert.True(t, ok)
		})
	}
}

func TestGetPrice_NoCoinSkipsHistory(t *testing.T) {
	h := newHarness(t, day(2024, 5, 1), &fakeHistory{}, nil)
	ctx := context.Background()

	res, err := h.resolver.GetPrice(ctx, "NOPE", day(2024, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, NoCoin(), res)
	assert.Equal(t, 0, h.history.callCount())

	cached, ok := h.store.Lookup(Key{Symbol: "NOPE", Day: "2024-04-01"})
	require.True(t, ok)
	assert.Equal(t, StatusNoCoin, cached.Status)
}

func TestGetPrice_AdvancesThroughCandidates(t *testing.T) {
	h := newHarness(t, day(2024, 5, 1), &fakeHistory{
		prices: map[string]decimal.Decimal{"wrapped-usdc": decimal.RequireFromString("0.999")},
	}, nil)

	res, err := h.resolver.GetPrice(context.Background(), "usdc", day(2024, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, "0.999", res.USD.String())
	assert.Equal(t, []historyCall{
		{ID: "usd-coin", Day: "2024-04-01"},
		{ID: "wrapped-usdc", Day: "2024-04-01"},
	}, h.history.calls)
}

func TestGetPrice_NoPriceWhenCandidatesExhausted(t *testing.T) {
	h := newHarness(t, day(2024, 5, 1), &fakeHistory{}, nil)
	ctx := context.Background()

	res, err := h.resolver.GetPrice(ctx, "DEAD", day(2024, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, NoPrice(), res)

	_, err = h.resolver.GetPrice(ctx, "DEAD", day(2024, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, h.history.callCount())
}

func TestGetPrice_ExceptionTriedFirst(t *testing.T) {
	h := newHarness(t, day(2024, 5, 1), &fakeHistory{
		prices: map[string]decimal.Decimal{
			"ethereum":    decimal.NewFromInt(2000),
			"bridged-eth": decimal.NewFromInt(1),
		},
	}, map[string]string{"eth": "ethereum"})

	// Reorder the directory so the bridged coin would otherwise win.
	h.lister.coins = []coingecko.Coin{testCoins[1], testCoins[0]}

	res, err := h.resolver.GetPrice(context.Background(), "ETH", day(2024, 4, 1))
	require.NoError(t, err)
	assert.Equal(t, "2000", res.USD.String())
	assert.Equal(t, "ethereum", h.history.calls[0].ID)
}

func TestGetPrice_RateLimitRetriesSameCandidate(t *testing.T) {
	h := newHarness(t, day(2024, 5, 1), &fakeHistory{
		prices:  map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(5)},
		limited: map[string]int{"ethereum": 3},
	}, nil)

	res, err := h.resolver.GetPrice(context.Background(), "ETH", day(2024, 4, 1))
	require.NoError(t, err)
	assert.True(t, res.IsPriced())
	require.Len(t, h.history.calls, 4)
	for _, c := range h.history.calls {
		assert.Equal(t, "ethereum", c.ID)
	}
}

func TestGetPrice_ErrorIsNotCached(t *testing.T) {
	boom := errors.New("provider exploded")
	h := newHarness(t, day(2024, 5, 1), &fakeHistory{err: boom}, nil)

	_, err := h.resolver.GetPrice(context.Background(), "ETH", day(2024, 4, 1))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, h.store.Len())
	assert.Equal(t, 0, h.store.Pending())
}

func TestGetPrice_CancelledDuringBackoff(t *testing.T) {
	h := newHarness(t, day(2024, 5, 1), &fakeHistory{
		limited: map[string]int{"ethereum": 1000},
	}, nil)
	h.resolver.cfg.Retry = retry.Policy{Interval: time.Hour}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.resolver.GetPrice(ctx, "ETH", day(2024, 4, 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, h.store.Len())
}

func TestGetPrice_ConcurrentCallersShareOneResolution(t *testing.T) {
	h := newHarness(t, day(2024, 5, 1), &fakeHistory{
		prices: map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(7)},
		delay:  20 * time.Millisecond,
	}, nil)

	var wg sync.WaitGroup
	results := make([]Result, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.resolver.GetPrice(context.Background(), "ETH", day(2024, 4, 1))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.history.callCount())
	for _, r := range results {
		assert.Equal(t, "7", r.USD.String())
	}
}

func TestGetPrice_JoinedCallerSurvivesLeaderCancellation(t *testing.T) {
	entered := make(chan struct{})
	var requests atomic.Int32
	h := newHarness(t, day(2024, 5, 1), &fakeHistory{
		prices: map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(7)},
		// The first request hangs until its caller gives up.
		gate: func(ctx context.Context) error {
			if requests.Add(1) == 1 {
				close(entered)
				<-ctx.Done()
				return ctx.Err()
			}
			return nil
		},
	}, nil)

	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := h.resolver.GetPrice(leaderCtx, "ETH", day(2024, 4, 1))
		leaderErr <- err
	}()
	<-entered

	type outcome struct {
		res Result
		err error
	}
	waiter := make(chan outcome, 1)
	go func() {
		res, err := h.resolver.GetPrice(context.Background(), "ETH", day(2024, 4, 1))
		waiter <- outcome{res, err}
	}()
	// Let the second caller join the in-flight lookup.
	time.Sleep(20 * time.Millisecond)
	cancelLeader()

	require.ErrorIs(t, <-leaderErr, context.Canceled)
	got := <-waiter
	require.NoError(t, got.err)
	assert.True(t, got.res.IsPriced())
	assert.Equal(t, "7", got.res.USD.String())
	assert.Equal(t, int32(2), requests.Load())
}

func TestGetPrice_FlushFailureReturnsResult(t *testing.T) {
	h := newHarness(t, day(2024, 5, 1), &fakeHistory{
		prices: map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(7)},
	}, nil)
	h.store = cache.New[Key, Result]("price", h.sink, cache.Options{SaveThreshold: 1})
	h.resolver.cache = h.store
	h.sink.SetAppendError(errors.New("db down"))

	res, err := h.resolver.GetPrice(context.Background(), "ETH", day(2024, 4, 1))
	require.Error(t, err)
	assert.True(t, res.IsPriced())
	assert.Equal(t, 1, h.store.Pending())

	h.sink.SetAppendError(nil)
	require.NoError(t, h.resolver.Close(context.Background()))
	assert.Equal(t, 1, h.sink.Len())
}

func TestGetPrice_EmptySymbol(t *testing.T) {
	h := newHarness(t, day(2024, 5, 1), &fakeHistory{}, nil)
	_, err := h.resolver.GetPrice(context.Background(), "  ", day(2024, 4, 1))
	assert.ErrorIs(t, err, ErrEmptySymbol)
}

func TestFixedPrices(t *testing.T) {
	fp := NewFixedPrices([]string{"usdt", " USDC ", ""}, decimal.RequireFromString("1.00"))
	assert.Len(t, fp, 2)

	res, ok := fp.Lookup("Usdt")
	require.True(t, ok)
	assert.True(t, res.USD.Equal(decimal.NewFromInt(1)))

	_, ok = fp.Lookup("ETH")
	assert.False(t, ok)
}

func TestResultJSON(t *testing.T) {
	data, err := json.Marshal(Priced(decimal.RequireFromString("12.34")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"priced","usd":"12.34"}`, string(data))

	var back Result
	require.NoError(t, json.Unmarshal([]byte(`{"status":"no_coin","usd":"0"}`), &back))
	assert.Equal(t, StatusNoCoin, back.Status)

	assert.Error(t, json.Unmarshal([]byte(`{"status":"bogus"}`), &back))
}
