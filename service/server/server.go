package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/txlens/service/etherscan"
	"github.com/brojonat/txlens/service/metrics"
	"github.com/brojonat/txlens/service/nametag"
	"github.com/brojonat/txlens/service/price"
	"github.com/brojonat/txlens/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PriceService resolves historical prices.
type PriceService interface {
	GetPrice(ctx context.Context, symbol string, day time.Time) (price.Result, error)
	EffectiveDay(day time.Time) time.Time
}

// NameService resolves counter-party labels.
type NameService interface {
	GetName(ctx context.Context, address string) (string, error)
	GetNames(ctx context.Context, addresses []string, progress nametag.Progress) (map[string]string, error)
	UntaggedLabel() string
	Display(address, label string) string
}

// TransactionLister lists every row of one kind for an address.
type TransactionLister interface {
	Fetch(ctx context.Context, address string, kind etherscan.Kind) ([]etherscan.Transaction, error)
}

// Deps are the services behind the API. Sessions may be nil, which disables
// the session routes.
type Deps struct {
	Prices      PriceService
	FixedPrices price.FixedPrices
	Names       NameService
	Fetcher     TransactionLister
	Sessions    temporal.Sessions
}

// Server is the txlens HTTP API.
type Server struct {
	addr    string
	deps    Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server. The metrics is optional; if nil the
// /metrics endpoint is not served.
func New(addr string, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		deps:    deps,
		metrics: m,
		logger:  logger.With("component", "http"),
	}
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	route("GET /api/v1/prices/{symbol}/{date}", "/api/v1/prices", handleGetPrice(s.deps.Prices, s.deps.FixedPrices, s.logger))
	route("GET /api/v1/names/{address}", "/api/v1/names/{address}", handleGetName(s.deps.Names, s.logger))
	route("POST /api/v1/names", "/api/v1/names", handleResolveNames(s.deps.Names, s.logger))
	route("GET /api/v1/transactions/{address}", "/api/v1/transactions", handleListTransactions(s.deps.Fetcher, s.logger))

	if s.deps.Sessions != nil {
		route("POST /api/v1/sessions", "/api/v1/sessions", handleStartSession(s.deps.Sessions, s.logger))
		route("GET /api/v1/sessions/{id}", "/api/v1/sessions/{id}", handleGetSession(s.deps.Sessions, s.logger))
	} else {
		s.logger.Warn("temporal not configured, session endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// A cold price or name lookup can sit behind provider backoff.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
