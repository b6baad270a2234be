package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// EnrichAddressInput starts an enrichment session.
type EnrichAddressInput struct {
	Address          string   `json:"address"`
	Kinds            []string `json:"kinds,omitempty"`
	HistoricalPrices bool     `json:"historical_prices"`
}

// EnrichAddressResult summarizes a finished session.
type EnrichAddressResult struct {
	Address      string         `json:"address"`
	Transactions map[string]int `json:"transactions"`
	Published    int            `json:"published"`

	Counterparties int `json:"counterparties"`
	Tagged         int `json:"tagged"`
	Untagged       int `json:"untagged"`

	PriceKeys int `json:"price_keys"`
	Priced    int `json:"priced"`
	Fixed     int `json:"fixed"`
	NoCoin    int `json:"no_coin"`
	NoPrice   int `json:"no_price"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// EnrichAddressWorkflow fetches every listing for an address, then resolves a
// name for each distinct counter-party and a price for each distinct
// (symbol, day). Each activity flushes its cache before returning, so a
// retried activity only makes the remote calls its predecessor did not.
func EnrichAddressWorkflow(ctx workflow.Context, input EnrichAddressInput) (*EnrichAddressResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("EnrichAddressWorkflow started", "address", input.Address)

	result := &EnrichAddressResult{
		Address:   input.Address,
		StartedAt: workflow.Now(ctx),
	}

	fetchCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    30 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	})
	// Resolution steps heartbeat after every key.
	resolveCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 6 * time.Hour,
		HeartbeatTimeout:    15 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    5 * time.Minute,
			MaximumAttempts:    10,
		},
	})

	// Step 1: fetch, publish and reduce to distinct keys
	var fetched *FetchTransactionsResult
	err := workflow.ExecuteActivity(fetchCtx, a.FetchTransactions, FetchTransactionsInput(input)).Get(ctx, &fetched)
	if err != nil {
		return result, fmt.Errorf("failed to fetch transactions: %w", err)
	}
	result.Address = fetched.Address
	result.Transactions = fetched.Counts
	result.Published = fetched.Published
	result.Counterparties = len(fetched.Counterparties)
	result.PriceKeys = len(fetched.Prices)

	logger.Info("fetched transactions",
		"address", fetched.Address,
		"counterparties", len(fetched.Counterparties),
		"price_keys", len(fetched.Prices),
	)

	// Step 2: names
	if len(fetched.Counterparties) > 0 {
		var names *ResolveNamesResult
		err = workflow.ExecuteActivity(resolveCtx, a.ResolveNames, ResolveNamesInput{Addresses: fetched.Counterparties}).Get(ctx, &names)
		if err != nil {
			return result, fmt.Errorf("failed to resolve names: %w", err)
		}
		result.Tagged = names.Tagged
		result.Untagged = names.Untagged
	}

	// Step 3: prices
	if len(fetched.Prices) > 0 {
		var prices *ResolvePricesResult
		err = workflow.ExecuteActivity(resolveCtx, a.ResolvePrices, ResolvePricesInput{Requests: fetched.Prices}).Get(ctx, &prices)
		if err != nil {
			return result, fmt.Errorf("failed to resolve prices: %w", err)
		}
		result.Priced = prices.Priced
		result.Fixed = prices.Fixed
		result.NoCoin = prices.NoCoin
		result.NoPrice = prices.NoPrice
	}

	result.CompletedAt = workflow.Now(ctx)
	logger.Info("EnrichAddressWorkflow completed",
		"address", result.Address,
		"tagged", result.Tagged,
		"untagged", result.Untagged,
		"priced", result.Priced,
	)
	return result, nil
}
