package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/brojonat/txlens/service/coingecko"
	"github.com/brojonat/txlens/service/etherscan"
	"github.com/brojonat/txlens/service/metrics"
	natspkg "github.com/brojonat/txlens/service/nats"
	"github.com/brojonat/txlens/service/nametag"
	"github.com/brojonat/txlens/service/price"
	"go.temporal.io/sdk/activity"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// FetchTransactionsInput contains parameters for the FetchTransactions activity.
type FetchTransactionsInput struct {
	Address string   `json:"address"`
	Kinds   []string `json:"kinds,omitempty"` // empty means every kind
	// HistoricalPrices prices each row on its own block day. When false every
	// symbol is priced once, on today's date.
	HistoricalPrices bool `json:"historical_prices"`
}

// PriceRequest is one distinct (symbol, day) pair to resolve.
type PriceRequest struct {
	Symbol string `json:"symbol"`
	Day    string `json:"day"` // YYYY-MM-DD
}

// FetchTransactionsResult carries the distinct keys the resolvers need rather
// than the rows themselves, which can run to tens of thousands.
type FetchTransactionsResult struct {
	Address        string         `json:"address"`
	Counts         map[string]int `json:"counts"`
	Counterparties []string       `json:"counterparties"`
	Prices         []PriceRequest `json:"prices"`
	Published      int            `json:"published"`
}

// ResolveNamesInput contains parameters for the ResolveNames activity.
type ResolveNamesInput struct {
	Addresses []string `json:"addresses"`
}

// ResolveNamesResult summarizes a ResolveNames run.
type ResolveNamesResult struct {
	Tagged   int `json:"tagged"`
	Untagged int `json:"untagged"`
}

// ResolvePricesInput contains parameters for the ResolvePrices activity.
type ResolvePricesInput struct {
	Requests []PriceRequest `json:"requests"`
}

// ResolvePricesResult summarizes a ResolvePrices run.
type ResolvePricesResult struct {
	Priced  int `json:"priced"`
	Fixed   int `json:"fixed"`
	NoCoin  int `json:"no_coin"`
	NoPrice int `json:"no_price"`
}

// TransactionFetcher lists every row of one kind for an address.
type TransactionFetcher interface {
	Fetch(ctx context.Context, address string, kind etherscan.Kind) ([]etherscan.Transaction, error)
}

// NameResolver resolves counter-party labels.
type NameResolver interface {
	GetNames(ctx context.Context, addresses []string, progress nametag.Progress) (map[string]string, error)
	UntaggedLabel() string
	Flush(ctx context.Context) error
}

// PriceResolver resolves historical prices.
type PriceResolver interface {
	GetPrice(ctx context.Context, symbol string, day time.Time) (price.Result, error)
	Flush(ctx context.Context) error
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishTransactionBatch(ctx context.Context, events []*natspkg.TransactionEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	fetcher   TransactionFetcher
	names     NameResolver
	prices    PriceResolver
	fixed     price.FixedPrices
	publisher PublisherInterface // optional
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewActivities creates a new Activities instance with explicit dependencies.
// publisher and metrics may be nil.
func NewActivities(
	fetcher TransactionFetcher,
	names NameResolver,
	prices PriceResolver,
	fixed price.FixedPrices,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		fetcher:   fetcher,
		names:     names,
		prices:    prices,
		fixed:     fixed,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func (a *Activities) observe(name string, start time.Time, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.RecordActivityDuration(name, status, time.Since(start).Seconds())
}

// FetchTransactions pulls every requested listing for the address, publishes
// the rows and reduces them to the distinct counter-parties and price keys.
func (a *Activities) FetchTransactions(ctx context.Context, input FetchTransactionsInput) (result *FetchTransactionsResult, err error) {
	start := time.Now()
	defer func() { a.observe("FetchTransactions", start, err) }()

	address, err := etherscan.NormalizeAddress(input.Address)
	if err != nil {
		return nil, activityError(err)
	}
	kinds, err := parseKinds(input.Kinds)
	if err != nil {
		return nil, activityError(err)
	}

	result = &FetchTransactionsResult{
		Address: address,
		Counts:  make(map[string]int, len(kinds)),
	}
	parties := make(map[string]struct{})
	prices := make(map[PriceRequest]struct{})
	today := a.now().UTC().Format(price.DayLayout)

	for _, kind := range kinds {
		rows, err := a.fetcher.Fetch(ctx, address, kind)
		if err != nil {
			a.logger.ErrorContext(ctx, "failed to fetch transactions",
				"address", address,
				"kind", kind,
				"error", err,
			)
			return nil, activityError(fmt.Errorf("failed to fetch %s transactions: %w", kind, err))
		}
		result.Counts[string(kind)] = len(rows)
		activity.RecordHeartbeat(ctx, string(kind))

		for _, row := range rows {
			for _, party := range []string{row.From, row.To} {
				party = strings.ToLower(party)
				if party != "" && party != address {
					parties[party] = struct{}{}
				}
			}
			day := today
			if input.HistoricalPrices {
				ts, err := row.Time()
				if err != nil {
					a.logger.WarnContext(ctx, "skipping row with bad timestamp", "hash", row.Hash, "error", err)
					continue
				}
				day = ts.Format(price.DayLayout)
			}
			prices[PriceRequest{Symbol: strings.ToUpper(row.Symbol()), Day: day}] = struct{}{}
		}

		if a.publisher != nil && len(rows) > 0 {
			if err := a.publisher.PublishTransactionBatch(ctx, natspkg.FromTransactions(address, kind, rows)); err != nil {
				// Subscribers are best-effort; the session carries on.
				a.logger.WarnContext(ctx, "failed to publish transactions",
					"address", address,
					"kind", kind,
					"error", err,
				)
			} else {
				result.Published += len(rows)
			}
		}
	}

	result.Counterparties = make([]string, 0, len(parties))
	for p := range parties {
		result.Counterparties = append(result.Counterparties, p)
	}
	sort.Strings(result.Counterparties)

	result.Prices = make([]PriceRequest, 0, len(prices))
	for p := range prices {
		result.Prices = append(result.Prices, p)
	}
	sort.Slice(result.Prices, func(i, j int) bool {
		if result.Prices[i].Day != result.Prices[j].Day {
			return result.Prices[i].Day < result.Prices[j].Day
		}
		return result.Prices[i].Symbol < result.Prices[j].Symbol
	})

	a.logger.InfoContext(ctx, "fetched transactions",
		"address", address,
		"counts", result.Counts,
		"counterparties", len(result.Counterparties),
		"price_keys", len(result.Prices),
		"published", result.Published,
	)
	return result, nil
}

// ResolveNames labels every address, heartbeating progress. Resolved labels
// are flushed even when the run fails, so a retry resumes from the cache.
func (a *Activities) ResolveNames(ctx context.Context, input ResolveNamesInput) (result *ResolveNamesResult, err error) {
	start := time.Now()
	defer func() { a.observe("ResolveNames", start, err) }()

	labels, resolveErr := a.names.GetNames(ctx, input.Addresses, func(done, total int) {
		activity.RecordHeartbeat(ctx, done)
		if done%25 == 0 || done == total {
			a.logger.InfoContext(ctx, "resolving names", "done", done, "total", total)
		}
	})
	flushErr := a.names.Flush(ctx)

	if resolveErr != nil {
		a.logger.ErrorContext(ctx, "name resolution failed",
			"resolved", len(labels),
			"total", len(input.Addresses),
			"error", resolveErr,
		)
		return nil, activityError(resolveErr)
	}
	if flushErr != nil {
		return nil, fmt.Errorf("failed to flush name cache: %w", flushErr)
	}

	result = &ResolveNamesResult{}
	untagged := a.names.UntaggedLabel()
	for _, label := range labels {
		if label == untagged {
			result.Untagged++
		} else {
			result.Tagged++
		}
	}
	a.logger.InfoContext(ctx, "resolved names", "tagged", result.Tagged, "untagged", result.Untagged)
	return result, nil
}

// ResolvePrices prices every request, short-circuiting fixed-price symbols,
// and flushes the cache before returning.
func (a *Activities) ResolvePrices(ctx context.Context, input ResolvePricesInput) (result *ResolvePricesResult, err error) {
	start := time.Now()
	defer func() { a.observe("ResolvePrices", start, err) }()

	result = &ResolvePricesResult{}
	var resolveErr error
	for i, req := range input.Requests {
		if _, ok := a.fixed.Lookup(req.Symbol); ok {
			result.Fixed++
			continue
		}
		day, err := time.Parse(price.DayLayout, req.Day)
		if err != nil {
			resolveErr = temporalsdk.NewNonRetryableApplicationError(
				fmt.Sprintf("invalid day %q for %s", req.Day, req.Symbol), "InvalidInput", err)
			break
		}
		res, err := a.prices.GetPrice(ctx, req.Symbol, day)
		if err != nil {
			resolveErr = fmt.Errorf("failed to price %s on %s: %w", req.Symbol, req.Day, err)
			break
		}
		switch res.Status {
		case price.StatusPriced:
			result.Priced++
		case price.StatusNoCoin:
			result.NoCoin++
		default:
			result.NoPrice++
		}
		activity.RecordHeartbeat(ctx, i+1)
	}
	flushErr := a.prices.Flush(ctx)

	if resolveErr != nil {
		a.logger.ErrorContext(ctx, "price resolution failed", "error", resolveErr)
		return nil, activityError(resolveErr)
	}
	if flushErr != nil {
		return nil, fmt.Errorf("failed to flush price cache: %w", flushErr)
	}

	a.logger.InfoContext(ctx, "resolved prices",
		"priced", result.Priced,
		"fixed", result.Fixed,
		"no_coin", result.NoCoin,
		"no_price", result.NoPrice,
	)
	return result, nil
}

func parseKinds(names []string) ([]etherscan.Kind, error) {
	if len(names) == 0 {
		return etherscan.AllKinds, nil
	}
	kinds := make([]etherscan.Kind, 0, len(names))
	for _, name := range names {
		kind, err := etherscan.ParseKind(name)
		if err != nil {
			return nil, temporalsdk.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// activityError marks errors that no retry can fix as non-retryable.
func activityError(err error) error {
	var appErr *temporalsdk.ApplicationError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, etherscan.ErrInvalidAddress),
		errors.Is(err, etherscan.ErrProvider),
		errors.Is(err, coingecko.ErrUnauthorized),
		errors.Is(err, price.ErrEmptySymbol):
		return temporalsdk.NewNonRetryableApplicationError(err.Error(), "InvalidInput", err)
	default:
		return err
	}
}
