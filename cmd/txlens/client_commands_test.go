package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	cliAddrA = "0x00000000219ab540356cbb839cbe05303d7705fa"
	cliAddrB = "0xbe0eb53f46cd790cd13851d5eff43d12404d33e8"
)

// fakeAPI serves canned responses for the routes the client commands call.
func fakeAPI(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var sessionPolls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/prices/{symbol}/{date}", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"symbol":    r.PathValue("symbol"),
			"date":      r.PathValue("date"),
			"day":       "2023-05-01",
			"status":    "priced",
			"price_usd": "1850.25",
		})
	})
	mux.HandleFunc("GET /api/v1/names/{address}", func(w http.ResponseWriter, r *http.Request) {
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"address": r.PathValue("address"),
			"label":   "Beacon Deposit Contract",
			"display": "Beacon Deposit Contract",
			"tagged":  true,
		})
	})
	mux.HandleFunc("POST /api/v1/names", func(w http.ResponseWriter, r *http.Request) {
		// The second address hits a rate limit.
		writeTestJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"names": []map[string]interface{}{
				{"address": cliAddrA, "label": "Beacon Deposit Contract", "display": "Beacon Deposit Contract", "tagged": true},
			},
			"error": "provider rate limited, retry later",
		})
	})
	mux.HandleFunc("GET /api/v1/transactions/{address}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "erc20", r.URL.Query().Get("kind"))
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"transactions": []map[string]interface{}{
				{"hash": "0xaaa", "block_number": 17000000, "from": cliAddrA, "to": cliAddrB, "symbol": "USDC", "amount": "2.5", "value": "2500000"},
			},
		})
	})
	mux.HandleFunc("POST /api/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, false, body["historical_prices"])
		writeTestJSON(w, http.StatusAccepted, map[string]interface{}{
			"id":     "enrich-" + body["address"].(string),
			"status": "Running",
		})
	})
	mux.HandleFunc("GET /api/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "enrich-missing" {
			writeTestJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
			return
		}
		if sessionPolls.Add(1) < 2 {
			writeTestJSON(w, http.StatusOK, map[string]interface{}{"id": r.PathValue("id"), "status": "Running"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"id":     r.PathValue("id"),
			"status": "Completed",
			"result": map[string]interface{}{
				"address":        cliAddrA,
				"transactions":   map[string]int{"normal": 12},
				"counterparties": 4,
				"tagged":         3,
				"untagged":       1,
				"price_keys":     6,
				"priced":         5,
				"fixed":          1,
			},
		})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &sessionPolls
}

func writeTestJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"txlens", "--log-level", "error"}, args...))
	return out.String(), err
}

func TestClientCommands(t *testing.T) {
	srv, _ := fakeAPI(t)

	tests := []struct {
		name      string
		args      []string
		wantErr   string
		checkFunc func(t *testing.T, output string)
	}{
		{
			name: "price table",
			args: []string{"--server-url", srv.URL, "client", "price", "eth", "2023-05-01"},
			checkFunc: func(t *testing.T, output string) {
				assert.Contains(t, output, "Symbol:  eth")
				assert.Contains(t, output, "USD:     1850.25")
			},
		},
		{
			name: "price jq",
			args: []string{"--server-url", srv.URL, "--jq", ".status", "client", "price", "eth"},
			checkFunc: func(t *testing.T, output string) {
				assert.Equal(t, "\"priced\"\n", output)
			},
		},
		{
			name: "single name",
			args: []string{"--server-url", srv.URL, "client", "name", cliAddrA},
			checkFunc: func(t *testing.T, output string) {
				assert.Contains(t, output, "ADDRESS")
				assert.Contains(t, output, "Beacon Deposit Contract")
			},
		},
		{
			name:    "batch names prints partial results",
			args:    []string{"--server-url", srv.URL, "client", "names", cliAddrA, cliAddrB},
			wantErr: "resolved 1 of 2 addresses",
			checkFunc: func(t *testing.T, output string) {
				assert.Contains(t, output, cliAddrA)
				assert.NotContains(t, output, cliAddrB)
			},
		},
		{
			name: "transactions json",
			args: []string{"--server-url", srv.URL, "--json", "client", "txs", "--kind", "erc20", cliAddrA},
			checkFunc: func(t *testing.T, output string) {
				var txns []map[string]interface{}
				require.NoError(t, json.Unmarshal([]byte(output), &txns))
				require.Len(t, txns, 1)
				assert.Equal(t, "0xaaa", txns[0]["hash"])
			},
		},
		{
			name:    "missing session",
			args:    []string{"--server-url", srv.URL, "client", "session", "status", "enrich-missing"},
			wantErr: "session not found",
		},
		{
			name:    "price requires symbol",
			args:    []string{"--server-url", srv.URL, "client", "price"},
			wantErr: "requires a symbol",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output, err := runCLI(t, tt.args...)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, output)
			}
		})
	}
}

func TestSessionStartAndWait(t *testing.T) {
	srv, polls := fakeAPI(t)

	output, err := runCLI(t, "--server-url", srv.URL,
		"client", "session", "start",
		"--historical-prices=false",
		"--wait", "--poll-interval", "10ms",
		cliAddrA,
	)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, polls.Load(), int32(2))
	assert.Contains(t, output, "Session:   enrich-"+cliAddrA)
	assert.Contains(t, output, "Status:    Completed")
	assert.Contains(t, output, "Names:     3 tagged, 1 untagged of 4 counter-parties")
	assert.Contains(t, output, "5 priced, 1 fixed")
}
