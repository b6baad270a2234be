// Package etherscan lists an address's transactions from an
// Etherscan-compatible API, walking past the provider's page cap.
package etherscan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/txlens/service/metrics"
	"github.com/brojonat/txlens/service/retry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const provider = "etherscan"

var (
	// ErrInvalidAddress is returned for strings that are not 20-byte hex addresses.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrProvider is returned when the provider rejects a request outright
	// (bad API key, malformed parameters).
	ErrProvider = errors.New("etherscan request rejected")
)

// Kind selects a listing.
type Kind string

const (
	KindERC20    Kind = "erc20"
	KindInternal Kind = "internal"
	KindNormal   Kind = "normal"
)

// AllKinds lists every Kind.
var AllKinds = []Kind{KindERC20, KindInternal, KindNormal}

// Action returns the API action name for k.
func (k Kind) Action() string {
	switch k {
	case KindERC20:
		return "tokentx"
	case KindInternal:
		return "txlistinternal"
	default:
		return "txlist"
	}
}

// ParseKind parses a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindERC20, KindInternal, KindNormal:
		return k, nil
	default:
		return "", fmt.Errorf("unknown transaction kind %q (want erc20, internal or normal)", s)
	}
}

// NormalizeAddress validates address and returns it lower-cased with a 0x prefix.
func NormalizeAddress(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return strings.ToLower(common.HexToAddress(address).Hex()), nil
}

// Transaction is one listing row. Fields not meaningful for a kind are empty.
type Transaction struct {
	BlockNumber       uint64 `json:"blockNumber,string"`
	TimeStamp         string `json:"timeStamp"`
	Hash              string `json:"hash"`
	Nonce             string `json:"nonce,omitempty"`
	BlockHash         string `json:"blockHash,omitempty"`
	From              string `json:"from"`
	To                string `json:"to"`
	ContractAddress   string `json:"contractAddress,omitempty"`
	Value             string `json:"value"`
	TokenName         string `json:"tokenName,omitempty"`
	TokenSymbol       string `json:"tokenSymbol,omitempty"`
	TokenDecimal      string `json:"tokenDecimal,omitempty"`
	TransactionIndex  string `json:"transactionIndex,omitempty"`
	Gas               string `json:"gas,omitempty"`
	GasPrice          string `json:"gasPrice,omitempty"`
	GasUsed           string `json:"gasUsed,omitempty"`
	CumulativeGasUsed string `json:"cumulativeGasUsed,omitempty"`
	Input             string `json:"input,omitempty"`
	Confirmations     string `json:"confirmations,omitempty"`
	IsError           string `json:"isError,omitempty"`
	Type              string `json:"type,omitempty"`
	TraceID           string `json:"traceId,omitempty"`
	ErrCode           string `json:"errCode,omitempty"`
	FunctionName      string `json:"functionName,omitempty"`
}

// Time returns the block time.
func (t Transaction) Time() (time.Time, error) {
	sec, err := strconv.ParseInt(t.TimeStamp, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timeStamp %q: %w", t.TimeStamp, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// Symbol returns the token symbol, or ETH for native transfers.
func (t Transaction) Symbol() string {
	if t.TokenSymbol == "" {
		return "ETH"
	}
	return t.TokenSymbol
}

// Amount returns Value scaled by the token's decimals (18 for native transfers).
func (t Transaction) Amount() (decimal.Decimal, error) {
	raw, err := decimal.NewFromString(t.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid value %q: %w", t.Value, err)
	}
	decimals := int64(18)
	if t.TokenDecimal != "" {
		decimals, err = strconv.ParseInt(t.TokenDecimal, 10, 32)
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid tokenDecimal %q: %w", t.TokenDecimal, err)
		}
	}
	return raw.Shift(-int32(decimals)), nil
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL  string
	APIKey   string
	EndBlock uint64
}

// Client requests single listing pages.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewClient creates a listing client. If metrics is nil, no metrics will be recorded.
func NewClient(cfg ClientConfig, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.EndBlock == 0 {
		cfg.EndBlock = 99999999
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		metrics:    m,
		logger:     logger.With("component", "etherscan"),
	}
}

type listResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// ListPage returns the rows of kind for address from startBlock up to the
// configured end block, in ascending block order, capped by the provider.
func (c *Client) ListPage(ctx context.Context, address string, kind Kind, startBlock uint64) ([]Transaction, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", kind.Action())
	q.Set("address", address)
	q.Set("startblock", strconv.FormatUint(startBlock, 10))
	q.Set("endblock", strconv.FormatUint(c.cfg.EndBlock, 10))
	q.Set("sort", "asc")
	q.Set("apikey", c.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.logger.DebugContext(ctx, "requesting listing page",
		"address", address,
		"kind", kind,
		"start_block", startBlock,
	)

	operation := kind.Action()
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(operation, "error", start)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, retry.Transient(fmt.Errorf("listing request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(operation, "error", start)
		return nil, retry.Transient(fmt.Errorf("failed to read listing response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.record(operation, "rate_limited", start)
		c.rateLimited(ctx, kind)
		return nil, fmt.Errorf("listing %s: %w", kind, retry.ErrRateLimited)
	case resp.StatusCode >= 500:
		c.record(operation, "error", start)
		return nil, retry.Transient(fmt.Errorf("listing %s: status %d", kind, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		c.record(operation, "error", start)
		return nil, fmt.Errorf("listing %s: unexpected status %d", kind, resp.StatusCode)
	}

	var lr listResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		c.record(operation, "error", start)
		return nil, retry.Transient(fmt.Errorf("failed to decode listing response: %w", err))
	}

	if lr.Status != "1" {
		var detail string
		_ = json.Unmarshal(lr.Result, &detail)
		text := strings.ToLower(lr.Message + " " + detail)
		switch {
		case strings.Contains(text, "no transactions found"):
			c.record(operation, "success", start)
			return []Transaction{}, nil
		case strings.Contains(text, "rate limit"):
			c.record(operation, "rate_limited", start)
			c.rateLimited(ctx, kind)
			return nil, fmt.Errorf("listing %s: %s: %w", kind, detail, retry.ErrRateLimited)
		default:
			c.record(operation, "error", start)
			return nil, fmt.Errorf("%w: %s: %s", ErrProvider, lr.Message, detail)
		}
	}

	var rows []Transaction
	if err := json.Unmarshal(lr.Result, &rows); err != nil {
		c.record(operation, "error", start)
		return nil, retry.Transient(fmt.Errorf("failed to decode listing rows: %w", err))
	}
	c.record(operation, "success", start)
	if rows == nil {
		rows = []Transaction{}
	}
	return rows, nil
}

func (c *Client) record(operation, status string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordProviderCall(provider, operation, status, time.Since(start).Seconds())
	}
}

func (c *Client) rateLimited(ctx context.Context, kind Kind) {
	c.logger.WarnContext(ctx, "rate limited by provider", "kind", kind)
	if c.metrics != nil {
		c.metrics.RecordRateLimitHit(provider)
	}
}
