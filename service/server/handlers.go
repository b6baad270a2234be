package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/txlens/service/coingecko"
	"github.com/brojonat/txlens/service/etherscan"
	"github.com/brojonat/txlens/service/price"
	"github.com/brojonat/txlens/service/retry"
	"github.com/brojonat/txlens/service/temporal"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxBatchAddresses  = 1000
	maxSymbolLength    = 32
)

// priceResponse is the JSON response format for a price lookup.
type priceResponse struct {
	Symbol   string           `json:"symbol"`
	Date     string           `json:"date"`
	Day      string           `json:"day"`
	Status   string           `json:"status"`
	PriceUSD *decimal.Decimal `json:"price_usd,omitempty"`
	Fixed    bool             `json:"fixed,omitempty"`
}

// handleGetPrice returns a handler that resolves one historical price.
// GET /api/v1/prices/{symbol}/{date}   date is YYYY-MM-DD or "today"
func handleGetPrice(prices PriceService, fixed price.FixedPrices, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		symbol := strings.ToUpper(strings.TrimSpace(r.PathValue("symbol")))
		if symbol == "" || len(symbol) > maxSymbolLength {
			writeError(w, "symbol must be 1-32 characters", http.StatusBadRequest)
			return
		}

		rawDate := r.PathValue("date")
		day := time.Now()
		if rawDate != "today" {
			parsed, err := time.Parse(price.DayLayout, rawDate)
			if err != nil {
				writeError(w, "date must be YYYY-MM-DD or today", http.StatusBadRequest)
				return
			}
			day = parsed
		}
		effective := prices.EffectiveDay(day)

		resp := priceResponse{
			Symbol: symbol,
			Date:   rawDate,
			Day:    effective.Format(price.DayLayout),
		}

		if res, ok := fixed.Lookup(symbol); ok {
			resp.Status = res.Status.String()
			resp.PriceUSD = &res.USD
			resp.Fixed = true
			writeJSON(w, resp, http.StatusOK)
			return
		}

		res, err := prices.GetPrice(r.Context(), symbol, day)
		if err != nil {
			if res.Status == 0 {
				logger.Error("failed to resolve price", "symbol", symbol, "date", rawDate, "error", err)
				code, msg := providerError(err)
				writeError(w, msg, code)
				return
			}
			// Resolved, but the write-back failed. The value stays pending.
			logger.Error("price cache flush failed", "symbol", symbol, "error", err)
		}

		resp.Status = res.Status.String()
		if res.IsPriced() {
			resp.PriceUSD = &res.USD
		}
		logger.Debug("price resolved", "symbol", symbol, "day", resp.Day, "status", resp.Status)
		writeJSON(w, resp, http.StatusOK)
	})
}

// nameResponse is the JSON response format for a name lookup.
type nameResponse struct {
	Address string `json:"address"`
	Label   string `json:"label"`
	Display string `json:"display"`
	Tagged  bool   `json:"tagged"`
}

// handleGetName returns a handler that resolves one counter-party label.
// GET /api/v1/names/{address}
func handleGetName(names NameService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, err := etherscan.NormalizeAddress(r.PathValue("address"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		label, err := names.GetName(r.Context(), address)
		if err != nil {
			if label == "" {
				logger.Error("failed to resolve name", "address", address, "error", err)
				code, msg := providerError(err)
				writeError(w, msg, code)
				return
			}
			logger.Error("name cache flush failed", "address", address, "error", err)
		}

		writeJSON(w, toNameResponse(names, address, label), http.StatusOK)
	})
}

type resolveNamesRequest struct {
	Addresses []string `json:"addresses"`
}

// handleResolveNames returns a handler that resolves a batch of labels in
// order. On failure the labels resolved so far are returned with the error.
// POST /api/v1/names
func handleResolveNames(names NameService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req resolveNamesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, "request body too large", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if len(req.Addresses) == 0 {
			writeError(w, "addresses is required", http.StatusBadRequest)
			return
		}
		if len(req.Addresses) > maxBatchAddresses {
			writeError(w, fmt.Sprintf("at most %d addresses per request", maxBatchAddresses), http.StatusBadRequest)
			return
		}

		addresses := make([]string, len(req.Addresses))
		for i, raw := range req.Addresses {
			addr, err := etherscan.NormalizeAddress(raw)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			addresses[i] = addr
		}

		labels, err := names.GetNames(r.Context(), addresses, nil)
		resp := make([]nameResponse, 0, len(labels))
		for _, addr := range addresses {
			if label, ok := labels[addr]; ok {
				resp = append(resp, toNameResponse(names, addr, label))
			}
		}

		if err != nil {
			logger.Error("batch name resolution failed",
				"resolved", len(resp),
				"requested", len(addresses),
				"error", err,
			)
			code, msg := providerError(err)
			writeJSON(w, map[string]interface{}{
				"error": msg,
				"names": resp,
				"count": len(resp),
			}, code)
			return
		}

		writeJSON(w, map[string]interface{}{
			"names": resp,
			"count": len(resp),
		}, http.StatusOK)
	})
}

func toNameResponse(names NameService, address, label string) nameResponse {
	return nameResponse{
		Address: address,
		Label:   label,
		Display: names.Display(address, label),
		Tagged:  label != names.UntaggedLabel(),
	}
}

// transactionResponse is the JSON response format for a listing row.
type transactionResponse struct {
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

// handleListTransactions returns a handler that fetches a complete listing.
// GET /api/v1/transactions/{address}?kind={erc20|internal|normal}
func handleListTransactions(fetcher TransactionLister, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address, err := etherscan.NormalizeAddress(r.PathValue("address"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		kind := etherscan.KindNormal
		if raw := r.URL.Query().Get("kind"); raw != "" {
			kind, err = etherscan.ParseKind(raw)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		rows, err := fetcher.Fetch(r.Context(), address, kind)
		if err != nil {
			logger.Error("failed to fetch transactions", "address", address, "kind", kind, "error", err)
			code, msg := providerError(err)
			writeError(w, msg, code)
			return
		}

		resp := make([]transactionResponse, len(rows))
		for i, row := range rows {
			resp[i] = transactionToResponse(row)
		}
		logger.Debug("transactions listed", "address", address, "kind", kind, "count", len(resp))

		writeJSON(w, map[string]interface{}{
			"address":      address,
			"kind":         kind,
			"transactions": resp,
			"count":        len(resp),
		}, http.StatusOK)
	})
}

func transactionToResponse(t etherscan.Transaction) transactionResponse {
	resp := transactionResponse{
		Hash:            t.Hash,
		BlockNumber:     t.BlockNumber,
		From:            t.From,
		To:              t.To,
		ContractAddress: t.ContractAddress,
		Symbol:          t.Symbol(),
		Value:           t.Value,
		IsError:         t.IsError == "1",
	}
	if ts, err := t.Time(); err == nil {
		resp.BlockTime = &ts
	}
	if amount, err := t.Amount(); err == nil {
		resp.Amount = amount.String()
	}
	return resp
}

type startSessionRequest struct {
	Address          string   `json:"address"`
	Kinds            []string `json:"kinds,omitempty"`
	HistoricalPrices *bool    `json:"historical_prices,omitempty"` // default true
}

// handleStartSession returns a handler that starts an enrichment session.
// POST /api/v1/sessions
func handleStartSession(sessions temporal.Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req startSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Address) == "" {
			writeError(w, "address is required", http.StatusBadRequest)
			return
		}
		address, err := etherscan.NormalizeAddress(req.Address)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		kinds := make([]string, 0, len(req.Kinds))
		for _, raw := range req.Kinds {
			kind, err := etherscan.ParseKind(raw)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			kinds = append(kinds, string(kind))
		}
		historical := true
		if req.HistoricalPrices != nil {
			historical = *req.HistoricalPrices
		}

		session, err := sessions.StartSession(r.Context(), temporal.EnrichAddressInput{
			Address:          address,
			Kinds:            kinds,
			HistoricalPrices: historical,
		})
		if err != nil {
			logger.Error("failed to start session", "address", address, "error", err)
			writeError(w, "failed to start session", http.StatusInternalServerError)
			return
		}

		logger.Info("session started", "address", address, "session_id", session.ID)
		writeJSON(w, session, http.StatusAccepted)
	})
}

// handleGetSession returns a handler that reports a session's status.
// GET /api/v1/sessions/{id}
func handleGetSession(sessions temporal.Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeError(w, "session id is required", http.StatusBadRequest)
			return
		}

		session, err := sessions.SessionStatus(r.Context(), id)
		if err != nil {
			if errors.Is(err, temporal.ErrSessionNotFound) {
				writeError(w, "session not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to get session", "session_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, session, http.StatusOK)
	})
}

// providerError maps a resolver failure to a status code and message.
func providerError(err error) (int, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timed out waiting for provider"
	case errors.Is(err, retry.ErrRateLimited):
		return http.StatusServiceUnavailable, "provider rate limited, retry later"
	case errors.Is(err, etherscan.ErrInvalidAddress):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, price.ErrEmptySymbol):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, coingecko.ErrUnauthorized), errors.Is(err, etherscan.ErrProvider):
		return http.StatusBadGateway, "provider rejected the request"
	default:
		return http.StatusBadGateway, "provider request failed"
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
