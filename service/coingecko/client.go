// Package coingecko talks to a CoinGecko-compatible price API: the coin
// identity list and per-day price history.
package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/txlens/service/metrics"
	"github.com/brojonat/txlens/service/retry"
	"github.com/shopspring/decimal"
)

const provider = "coingecko"

// HistoryDateLayout is the dd-mm-yyyy layout the history endpoint expects.
const HistoryDateLayout = "02-01-2006"

// ErrUnauthorized is returned when the provider rejects our credentials or plan.
var ErrUnauthorized = errors.New("coingecko rejected the request")

// Coin identifies one asset in the provider's catalog. Symbols are not unique.
type Coin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

// Client is a CoinGecko HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewClient creates a client for baseURL (e.g. https://api.coingecko.com/api/v3).
// If metrics is nil, no metrics will be recorded.
func NewClient(baseURL string, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		metrics:    m,
		logger:     logger.With("component", "coingecko"),
	}
}

// ListCoins returns the full coin identity list.
//
// A rate limit response yields an error wrapping retry.ErrRateLimited. Any
// other body that is not a list is a hard error.
func (c *Client) ListCoins(ctx context.Context) ([]Coin, error) {
	body, err := c.get(ctx, "list", "/coins/list", nil)
	if err != nil {
		return nil, err
	}

	var coins []Coin
	if err := json.Unmarshal(body, &coins); err != nil {
		if isStatusBody(body) {
			c.rateLimited(ctx, "list")
			return nil, fmt.Errorf("coin list: %w", retry.ErrRateLimited)
		}
		return nil, fmt.Errorf("unexpected coin list response: %s", truncate(body))
	}

	c.logger.DebugContext(ctx, "fetched coin list", "count", len(coins))
	return coins, nil
}

type historyResponse struct {
	ID         string          `json:"id"`
	Status     json.RawMessage `json:"status"`
	MarketData *struct {
		CurrentPrice map[string]decimal.Decimal `json:"current_price"`
	} `json:"market_data"`
}

// History returns the USD price of coin id on day. found is false when the
// provider has no market data for that coin and day.
func (c *Client) History(ctx context.Context, id string, day time.Time) (price decimal.Decimal, found bool, err error) {
	q := url.Values{}
	q.Set("date", day.Format(HistoryDateLayout))
	q.Set("localization", "false")

	body, err := c.get(ctx, "history", "/coins/"+url.PathEscape(id)+"/history", q)
	if errors.Is(err, errNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}

	var resp historyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// Truncated or garbled bodies show up under load; treat them like a hiccup.
		return decimal.Zero, false, retry.Transient(fmt.Errorf("failed to decode history for %s: %w", id, err))
	}
	if len(resp.Status) > 0 {
		c.rateLimited(ctx, "history")
		return decimal.Zero, false, fmt.Errorf("history %s: %w", id, retry.ErrRateLimited)
	}
	if resp.MarketData == nil {
		return decimal.Zero, false, nil
	}
	usd, ok := resp.MarketData.CurrentPrice["usd"]
	if !ok {
		return decimal.Zero, false, nil
	}
	return usd, true, nil
}

var errNotFound = errors.New("not found")

func (c *Client) get(ctx context.Context, operation, path string, q url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(operation, "error", start)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, retry.Transient(fmt.Errorf("%s request failed: %w", operation, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(operation, "error", start)
		return nil, retry.Transient(fmt.Errorf("failed to read %s response: %w", operation, err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		c.record(operation, "success", start)
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		c.record(operation, "rate_limited", start)
		c.rateLimited(ctx, operation)
		return nil, fmt.Errorf("%s: %w", operation, retry.ErrRateLimited)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.record(operation, "error", start)
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnauthorized, resp.StatusCode, truncate(body))
	case resp.StatusCode == http.StatusNotFound:
		c.record(operation, "not_found", start)
		return nil, errNotFound
	case resp.StatusCode >= 500:
		c.record(operation, "error", start)
		return nil, retry.Transient(fmt.Errorf("%s: status %d", operation, resp.StatusCode))
	default:
		c.record(operation, "error", start)
		return nil, fmt.Errorf("%s: unexpected status %d: %s", operation, resp.StatusCode, truncate(body))
	}
}

func (c *Client) record(operation, status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordProviderCall(provider, operation, status, time.Since(start).Seconds())
	}
}

func (c *Client) rateLimited(ctx context.Context, operation string) {
	c.logger.WarnContext(ctx, "rate limited by provider", "operation", operation)
	if c.metrics != nil {
		c.metrics.RecordRateLimitHit(provider)
	}
}

// isStatusBody reports whether body is a JSON object carrying a "status" key,
// which is how the provider reports throttling on a 200.
func isStatusBody(body []byte) bool {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return false
	}
	_, ok := obj["status"]
	return ok
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
