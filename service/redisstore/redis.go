// Package redisstore keeps the resolver caches in Redis hashes.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/txlens/service/cache"
	"github.com/brojonat/txlens/service/coingecko"
	"github.com/brojonat/txlens/service/price"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key this package writes.
const DefaultPrefix = "txlens:"

// snapshotTTL keeps yesterday's coin list around long enough to be replaced.
const snapshotTTL = 48 * time.Hour

// Connect creates a client for addr and verifies it with a ping.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// KeyCodec maps cache keys to hash fields.
type KeyCodec[K comparable] struct {
	Encode func(K) string
	Decode func(string) (K, error)
}

type record[V any] struct {
	Value    V         `json:"value"`
	CachedAt time.Time `json:"cached_at"`
}

// HashSink stores one cache in a single Redis hash. Field values are JSON.
type HashSink[K comparable, V any] struct {
	client *redis.Client
	key    string
	codec  KeyCodec[K]
}

// NewHashSink creates a sink writing to the hash at key.
func NewHashSink[K comparable, V any](client *redis.Client, key string, codec KeyCodec[K]) *HashSink[K, V] {
	return &HashSink[K, V]{client: client, key: key, codec: codec}
}

// ReadAll implements cache.Sink.
func (h *HashSink[K, V]) ReadAll(ctx context.Context) ([]cache.Entry[K, V], error) {
	fields, err := h.client.HGetAll(ctx, h.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", h.key, err)
	}

	out := make([]cache.Entry[K, V], 0, len(fields))
	for field, raw := range fields {
		k, err := h.codec.Decode(field)
		if err != nil {
			return nil, fmt.Errorf("bad field %q in %s: %w", field, h.key, err)
		}
		var rec record[V]
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("bad value for %q in %s: %w", field, h.key, err)
		}
		out = append(out, cache.Entry[K, V]{Key: k, Value: rec.Value, CachedAt: rec.CachedAt})
	}
	return out, nil
}

// AppendBatch implements cache.Sink with HSETNX, so existing fields survive
// a resent batch.
func (h *HashSink[K, V]) AppendBatch(ctx context.Context, entries []cache.Entry[K, V]) error {
	if len(entries) == 0 {
		return nil
	}
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			data, err := json.Marshal(record[V]{Value: e.Value, CachedAt: e.CachedAt})
			if err != nil {
				return fmt.Errorf("failed to encode %v: %w", e.Key, err)
			}
			pipe.HSetNX(ctx, h.key, h.codec.Encode(e.Key), data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", h.key, err)
	}
	return nil
}

// PriceKeyCodec encodes price keys as "SYMBOL|YYYY-MM-DD". Symbols come from
// token metadata and may contain the separator, so decoding splits on the last one.
var PriceKeyCodec = KeyCodec[price.Key]{
	Encode: func(k price.Key) string { return k.Symbol + "|" + k.Day },
	Decode: func(s string) (price.Key, error) {
		i := strings.LastIndex(s, "|")
		if i <= 0 {
			return price.Key{}, fmt.Errorf("malformed price key %q", s)
		}
		sym, day := s[:i], s[i+1:]
		if _, err := time.Parse(price.DayLayout, day); err != nil {
			return price.Key{}, fmt.Errorf("malformed price key %q: %w", s, err)
		}
		return price.Key{Symbol: sym, Day: day}, nil
	},
}

// StringKeyCodec stores string keys verbatim.
var StringKeyCodec = KeyCodec[string]{
	Encode: func(k string) string { return k },
	Decode: func(s string) (string, error) { return s, nil },
}

// NewPriceSink returns the price cache sink under prefix.
func NewPriceSink(client *redis.Client, prefix string) *HashSink[price.Key, price.Result] {
	return NewHashSink[price.Key, price.Result](client, prefix+"price_cache", PriceKeyCodec)
}

// NewNameSink returns the name tag cache sink under prefix.
func NewNameSink(client *redis.Client, prefix string) *HashSink[string, string] {
	return NewHashSink[string, string](client, prefix+"name_cache", StringKeyCodec)
}

// CoinSnapshots stores each day's coin list as a JSON string that expires
// after two days.
type CoinSnapshots struct {
	client *redis.Client
	prefix string
}

// NewCoinSnapshots creates a price.SnapshotStore backed by Redis.
func NewCoinSnapshots(client *redis.Client, prefix string) *CoinSnapshots {
	return &CoinSnapshots{client: client, prefix: prefix}
}

func (c *CoinSnapshots) key(day string) string {
	return c.prefix + "coins:" + day
}

// LoadCoins implements price.SnapshotStore.
func (c *CoinSnapshots) LoadCoins(ctx context.Context, day string) ([]coingecko.Coin, bool, error) {
	raw, err := c.client.Get(ctx, c.key(day)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read coin snapshot: %w", err)
	}
	var coins []coingecko.Coin
	if err := json.Unmarshal(raw, &coins); err != nil {
		return nil, false, fmt.Errorf("failed to decode coin snapshot: %w", err)
	}
	return coins, len(coins) > 0, nil
}

// SaveCoins implements price.SnapshotStore.
func (c *CoinSnapshots) SaveCoins(ctx context.Context, day string, coins []coingecko.Coin) error {
	data, err := json.Marshal(coins)
	if err != nil {
		return fmt.Errorf("failed to encode coin snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key(day), data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("failed to write coin snapshot: %w", err)
	}
	return nil
}
