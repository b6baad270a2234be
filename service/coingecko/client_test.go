package coingecko

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/txlens/service/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(srv.URL, srv.Client(), nil, logger)
}

func TestListCoins(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		expectCount int
		expectErr   bool
		rateLimited bool
	}{
		{
			name:        "list",
			status:      http.StatusOK,
			body:        `[{"id":"ethereum","symbol":"eth","name":"Ethereum"},{"id":"weth","symbol":"weth","name":"WETH"}]`,
			expectCount: 2,
		},
		{
			name:        "status body on 200",
			status:      http.StatusOK,
			body:        `{"status":{"error_code":429,"error_message":"You've exceeded the Rate Limit"}}`,
			expectErr:   true,
			rateLimited: true,
		},
		{
			name:        "429",
			status:      http.StatusTooManyRequests,
			body:        `{}`,
			expectErr:   true,
			rateLimited: true,
		},
		{
			name:      "unknown shape",
			status:    http.StatusOK,
			body:      `{"coins":[]}`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/coins/list", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			coins, err := c.ListCoins(context.Background())
			if tt.expectErr {
				require.Error(t, err)
				assert.Equal(t, tt.rateLimited, retry.IsTransient(err))
				return
			}
			require.NoError(t, err)
			assert.Len(t, coins, tt.expectCount)
			assert.Equal(t, Coin{ID: "ethereum", Symbol: "eth", Name: "Ethereum"}, coins[0])
		})
	}
}

func TestHistory(t *testing.T) {
	day := time.Date(2023, 3, 14, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		status        int
		body          string
		expectFound   bool
		expectPrice   string
		expectErr     bool
		expectRetried bool
	}{
		{
			name:        "priced",
			status:      http.StatusOK,
			body:        `{"id":"ethereum","market_data":{"current_price":{"usd":1701.25,"eur":1590.1}}}`,
			expectFound: true,
			expectPrice: "1701.25",
		},
		{
			name:   "no market data",
			status: http.StatusOK,
			body:   `{"id":"ethereum","symbol":"eth"}`,
		},
		{
			name:   "no usd quote",
			status: http.StatusOK,
			body:   `{"id":"x","market_data":{"current_price":{"eur":1}}}`,
		},
		{
			name:   "unknown coin",
			status: http.StatusNotFound,
			body:   `{"error":"coin not found"}`,
		},
		{
			name:          "status body",
			status:        http.StatusOK,
			body:          `{"status":{"error_code":429}}`,
			expectErr:     true,
			expectRetried: true,
		},
		{
			name:          "server error",
			status:        http.StatusBadGateway,
			body:          `bad gateway`,
			expectErr:     true,
			expectRetried: true,
		},
		{
			name:          "garbled json",
			status:        http.StatusOK,
			body:          `{"id":"ethe`,
			expectErr:     true,
			expectRetried: true,
		},
		{
			name:      "unauthorized",
			status:    http.StatusUnauthorized,
			body:      `{"error":"plan"}`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/coins/ethereum/history", r.URL.Path)
				assert.Equal(t, "14-03-2023", r.URL.Query().Get("date"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			price, found, err := c.History(context.Background(), "ethereum", day)
			if tt.expectErr {
				require.Error(t, err)
				assert.Equal(t, tt.expectRetried, retry.IsTransient(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectFound, found)
			if tt.expectFound {
				assert.Equal(t, tt.expectPrice, price.String())
			}
		})
	}
}

func TestHistory_UnauthorizedIsSentinel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, _, err := c.History(context.Background(), "ethereum", time.Now())
	assert.ErrorIs(t, err, ErrUnauthorized)
}
