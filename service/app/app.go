// Package app assembles the process-scoped caches, resolvers and fetcher
// shared by the server, the worker and the CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/brojonat/txlens/service/cache"
	"github.com/brojonat/txlens/service/coingecko"
	"github.com/brojonat/txlens/service/config"
	"github.com/brojonat/txlens/service/db"
	"github.com/brojonat/txlens/service/etherscan"
	"github.com/brojonat/txlens/service/metrics"
	"github.com/brojonat/txlens/service/nametag"
	"github.com/brojonat/txlens/service/price"
	"github.com/brojonat/txlens/service/redisstore"
)

// App holds one instance of every resolver for the life of a process.
type App struct {
	Prices      *price.Resolver
	Names       *nametag.Resolver
	Fetcher     *etherscan.Fetcher
	Directory   *price.Directory
	FixedPrices price.FixedPrices

	// Store is set only for the postgres backend.
	Store *db.Store

	closers []func()
	logger  *slog.Logger
}

type sinks struct {
	prices    cache.Sink[price.Key, price.Result]
	names     cache.Sink[string, string]
	snapshots price.SnapshotStore
	store     *db.Store
	closer    func()
}

// Build connects the configured cache backend, loads both caches and wires
// the provider clients. Call Close when done to flush pending entries.
func Build(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	s, err := openSinks(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &App{
		Store:       s.store,
		FixedPrices: cfg.FixedPrices(),
		logger:      logger,
	}
	if s.closer != nil {
		a.closers = append(a.closers, s.closer)
	}

	priceStore := cache.New[price.Key, price.Result]("price", s.prices, cache.Options{
		SaveThreshold: cfg.PriceSaveThreshold,
		Metrics:       m,
		Logger:        logger,
	})
	nameStore := cache.New[string, string]("nametag", s.names, cache.Options{
		SaveThreshold: cfg.NameSaveThreshold,
		Metrics:       m,
		Logger:        logger,
	})
	for _, store := range []interface {
		Load(context.Context) (int, error)
		Name() string
	}{priceStore, nameStore} {
		n, err := store.Load(ctx)
		if err != nil {
			a.closeBackends()
			return nil, fmt.Errorf("failed to load %s cache: %w", store.Name(), err)
		}
		logger.Info("loaded cache", "cache", store.Name(), "entries", n)
	}

	gecko := coingecko.NewClient(cfg.CoinGeckoAPIURL, nil, m, logger)
	a.Directory = price.NewDirectory(gecko, s.snapshots, cfg.RetryPolicy(), m, logger)
	a.Prices = price.NewResolver(priceStore, a.Directory, gecko, price.Config{
		CutoffHour:      cfg.DayShiftHour,
		Exceptions:      cfg.CoinExceptions,
		RequestInterval: cfg.PriceRequestInterval,
		Retry:           cfg.RetryPolicy(),
	}, m, logger)

	scraper := nametag.NewScraper(cfg.EtherscanSiteURL, nil, nametag.EtherscanStrategies(), m, logger)
	a.Names = nametag.NewResolver(nameStore, scraper, nametag.Config{
		UntaggedLabel:   cfg.UntaggedLabel,
		MaxLabelLength:  cfg.MaxLabelLength,
		RequestInterval: cfg.ScrapeInterval,
		Retry:           cfg.RetryPolicy(),
	}, m, logger)

	lister := etherscan.NewClient(etherscan.ClientConfig{
		BaseURL:  cfg.EtherscanAPIURL,
		APIKey:   cfg.EtherscanAPIKey,
		EndBlock: cfg.EndBlock,
	}, nil, m, logger)
	a.Fetcher = etherscan.NewFetcher(lister, etherscan.FetcherConfig{
		RequestInterval: cfg.PageRequestInterval,
		Retry:           cfg.RetryPolicy(),
	}, m, logger)

	logger.Info("resolvers initialized",
		"cache_backend", cfg.CacheBackend,
		"stablecoins", len(cfg.Stablecoins),
	)
	return a, nil
}

func openSinks(ctx context.Context, cfg *config.Config) (*sinks, error) {
	switch cfg.CacheBackend {
	case config.BackendPostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store := db.NewStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &sinks{
			prices:    store.PriceSink(),
			names:     store.NameSink(),
			snapshots: store.CoinSnapshots(),
			store:     store,
			closer:    pool.Close,
		}, nil

	case config.BackendRedis:
		client, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		return &sinks{
			prices:    redisstore.NewPriceSink(client, redisstore.DefaultPrefix),
			names:     redisstore.NewNameSink(client, redisstore.DefaultPrefix),
			snapshots: redisstore.NewCoinSnapshots(client, redisstore.DefaultPrefix),
			closer:    func() { _ = client.Close() },
		}, nil

	case config.BackendMemory:
		return &sinks{
			prices: cache.NewMemorySink[price.Key, price.Result](),
			names:  cache.NewMemorySink[string, string](),
		}, nil

	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// Close flushes both caches and then releases the backend connection.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Prices != nil {
		if err := a.Prices.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("price cache: %w", err))
		}
	}
	if a.Names != nil {
		if err := a.Names.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("name cache: %w", err))
		}
	}
	a.closeBackends()

	if err := errors.Join(errs...); err != nil {
		a.logger.Error("final cache flush failed", "error", err)
		return err
	}
	a.logger.Info("caches flushed")
	return nil
}

func (a *App) closeBackends() {
	for _, c := range a.closers {
		c()
	}
	a.closers = nil
}
