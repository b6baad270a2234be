// Package client is a Go client for the txlens HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Price is a resolved historical price.
type Price struct {
	Symbol   string           `json:"symbol"`
	Date     string           `json:"date"`
	Day      string           `json:"day"`
	Status   string           `json:"status"` // priced, no_coin, no_price
	PriceUSD *decimal.Decimal `json:"price_usd,omitempty"`
	Fixed    bool             `json:"fixed,omitempty"`
}

// Name is a resolved counter-party label.
type Name struct {
	Address string `json:"address"`
	Label   string `json:"label"`
	Display string `json:"display"`
	Tagged  bool   `json:"tagged"`
}

// Transaction is one listing row.
type Transaction struct {
	Hash            string     `json:"hash"`
	BlockNumber     uint64     `json:"block_number"`
	BlockTime       *time.Time `json:"block_time,omitempty"`
	From            string     `json:"from"`
	To              string     `json:"to"`
	ContractAddress string     `json:"contract_address,omitempty"`
	Symbol          string     `json:"symbol"`
	Amount          string     `json:"amount"`
	Value           string     `json:"value"`
	IsError         bool       `json:"is_error,omitempty"`
}

// SessionResult summarizes a finished enrichment session.
type SessionResult struct {
	Address        string         `json:"address"`
	Transactions   map[string]int `json:"transactions"`
	Published      int            `json:"published"`
	Counterparties int            `json:"counterparties"`
	Tagged         int            `json:"tagged"`
	Untagged       int            `json:"untagged"`
	PriceKeys      int            `json:"price_keys"`
	Priced         int            `json:"priced"`
	Fixed          int            `json:"fixed"`
	NoCoin         int            `json:"no_coin"`
	NoPrice        int            `json:"no_price"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    time.Time      `json:"completed_at"`
}

// Session is an enrichment session as reported by the server.
type Session struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Status    string         `json:"status"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	ClosedAt  *time.Time     `json:"closed_at,omitempty"`
	Result    *SessionResult `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Done reports whether the session has stopped running.
func (s *Session) Done() bool {
	return s.Status != "" && s.Status != "Running"
}

// APIError is a non-success response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the server's upstream provider was throttling.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusServiceUnavailable
}

// Client is the HTTP client for the txlens service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new client. Cold lookups can wait on provider backoff,
// so the default timeout is generous.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// GetPrice resolves symbol on date (YYYY-MM-DD or "today").
func (c *Client) GetPrice(ctx context.Context, symbol, date string) (*Price, error) {
	var out Price
	path := fmt.Sprintf("/api/v1/prices/%s/%s", url.PathEscape(symbol), url.PathEscape(date))
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("price resolved", "symbol", out.Symbol, "day", out.Day, "status", out.Status)
	return &out, nil
}

// GetName resolves the label for address.
func (c *Client) GetName(ctx context.Context, address string) (*Name, error) {
	var out Name
	if err := c.do(ctx, "GET", "/api/v1/names/"+url.PathEscape(address), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolveNames resolves a batch of addresses in order. When the server fails
// part way, the names it did resolve are returned together with the error.
func (c *Client) ResolveNames(ctx context.Context, addresses []string) ([]Name, error) {
	var out struct {
		Names []Name `json:"names"`
		Error string `json:"error"`
	}
	err := c.do(ctx, "POST", "/api/v1/names", map[string]interface{}{"addresses": addresses}, http.StatusOK, &out)
	return out.Names, err
}

// ListTransactions fetches the complete listing of kind for address.
func (c *Client) ListTransactions(ctx context.Context, address, kind string) ([]Transaction, error) {
	path := "/api/v1/transactions/" + url.PathEscape(address)
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var out struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// StartSession starts (or joins) the enrichment session for address.
// An empty kinds list means every kind.
func (c *Client) StartSession(ctx context.Context, address string, kinds []string, historicalPrices bool) (*Session, error) {
	body := map[string]interface{}{
		"address":           address,
		"historical_prices": historicalPrices,
	}
	if len(kinds) > 0 {
		body["kinds"] = kinds
	}
	var out Session
	if err := c.do(ctx, "POST", "/api/v1/sessions", body, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("session started", "address", address, "session_id", out.ID)
	return &out, nil
}

// GetSession reports a session's status.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	var out Session
	if err := c.do(ctx, "GET", "/api/v1/sessions/"+url.PathEscape(id), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitSession polls a session every interval until it stops running or ctx
// is done.
func (c *Client) WaitSession(ctx context.Context, id string, interval time.Duration) (*Session, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		session, err := c.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if session.Done() {
			return session, nil
		}
		c.logger.Debug("session still running", "session_id", id)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in interface{}, wantStatus int, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		// Partial batch responses carry data alongside the error.
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return parseErrorResponse(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func parseErrorResponse(status int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: status, Message: string(bytes.TrimSpace(body))}
	}
	return &APIError{StatusCode: status, Message: errResp.Error}
}
