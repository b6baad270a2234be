package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/brojonat/txlens/service/cache"
	"github.com/brojonat/txlens/service/coingecko"
	"github.com/brojonat/txlens/service/price"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient connects to TEST_REDIS_ADDR (default localhost:6379, db 15)
// or skips the test.
func newTestClient(t *testing.T) (*redis.Client, string) {
	t.Helper()
	if os.Getenv("SKIP_REDIS_TESTS") != "" {
		t.Skip("Skipping Redis test (SKIP_REDIS_TESTS is set)")
	}
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Connect(ctx, addr, 15)
	if err != nil {
		t.Skipf("Skipping Redis test: %v", err)
	}

	prefix := "txlens_test:" + t.Name() + ":"
	t.Cleanup(func() {
		keys, _ := client.Keys(context.Background(), prefix+"*").Result()
		if len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		client.Close()
	})
	return client, prefix
}

func TestPriceKeyCodec(t *testing.T) {
	for _, k := range []price.Key{
		{Symbol: "ETH", Day: "2024-01-31"},
		{Symbol: "SCAM|XYZ", Day: "2024-01-02"},
		{Symbol: "|", Day: "2024-01-02"},
	} {
		got, err := PriceKeyCodec.Decode(PriceKeyCodec.Encode(k))
		require.NoError(t, err, k.Symbol)
		assert.Equal(t, k, got)
	}

	for _, bad := range []string{"ETH", "|2024-01-01", "ETH|yesterday", "ETH|2024-01-01|"} {
		_, err := PriceKeyCodec.Decode(bad)
		assert.Error(t, err, bad)
	}
}

func TestPriceSink(t *testing.T) {
	client, prefix := newTestClient(t)
	ctx := context.Background()
	sink := NewPriceSink(client, prefix)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, sink.AppendBatch(ctx, []cache.Entry[price.Key, price.Result]{
		{Key: price.Key{Symbol: "ETH", Day: "2024-01-31"}, Value: price.Priced(decimal.RequireFromString("2283.4")), CachedAt: now},
		{Key: price.Key{Symbol: "NOPE", Day: "2024-01-31"}, Value: price.NoCoin(), CachedAt: now},
	}))
	// HSETNX keeps the first value.
	require.NoError(t, sink.AppendBatch(ctx, []cache.Entry[price.Key, price.Result]{
		{Key: price.Key{Symbol: "ETH", Day: "2024-01-31"}, Value: price.NoPrice(), CachedAt: now},
	}))

	got, err := sink.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.True(t, now.Equal(e.CachedAt))
		if e.Key.Symbol == "ETH" {
			assert.Equal(t, "2283.4", e.Value.USD.String())
			assert.True(t, e.Value.IsPriced())
		} else {
			assert.Equal(t, price.StatusNoCoin, e.Value.Status)
		}
	}
}

func TestNameSinkThroughStore(t *testing.T) {
	client, prefix := newTestClient(t)
	ctx := context.Background()

	store := cache.New[string, string]("name", NewNameSink(client, prefix), cache.Options{SaveThreshold: 2})
	_, err := store.Stage(ctx, "0xaaa", "Lido")
	require.NoError(t, err)
	_, err = store.Stage(ctx, "0xbbb", "Untagged*")
	require.NoError(t, err)

	reloaded := cache.New[string, string]("name", NewNameSink(client, prefix), cache.Options{})
	n, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	label, ok := reloaded.Lookup("0xaaa")
	require.True(t, ok)
	assert.Equal(t, "Lido", label)
}

func TestCoinSnapshots(t *testing.T) {
	client, prefix := newTestClient(t)
	ctx := context.Background()
	snaps := NewCoinSnapshots(client, prefix)

	_, ok, err := snaps.LoadCoins(ctx, "2024-05-01")
	require.NoError(t, err)
	assert.False(t, ok)

	coins := []coingecko.Coin{{ID: "ethereum", Symbol: "eth", Name: "Ethereum"}}
	require.NoError(t, snaps.SaveCoins(ctx, "2024-05-01", coins))

	got, ok, err := snaps.LoadCoins(ctx, "2024-05-01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, coins, got)

	ttl, err := client.TTL(ctx, prefix+"coins:2024-05-01").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 47*time.Hour)
}
