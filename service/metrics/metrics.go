package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Provider Metrics
	providerCallsTotal     *prometheus.CounterVec
	providerCallDuration   *prometheus.HistogramVec
	providerRateLimitHits  *prometheus.CounterVec
	providerRetries        *prometheus.CounterVec
	listingRowsPerPage     *prometheus.HistogramVec
	paginationStallsTotal  *prometheus.CounterVec
	transactionsFetched    *prometheus.CounterVec
	resolutionsTotal       *prometheus.CounterVec

	// Cache Metrics
	cacheLookupsTotal  *prometheus.CounterVec
	cacheStagedTotal   *prometheus.CounterVec
	cacheFlushesTotal  *prometheus.CounterVec
	cacheFlushDuration *prometheus.HistogramVec
	cacheFlushSize     *prometheus.HistogramVec

	// Workflow Metrics
	sessionActivityDuration *prometheus.HistogramVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		providerCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_calls_total",
				Help: "Total number of external provider calls by provider, operation and status",
			},
			[]string{"provider", "operation", "status"},
		),
		providerCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "provider_call_duration_seconds",
				Help:    "Duration of external provider calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"provider", "operation"},
		),
		providerRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_rate_limit_hits_total",
				Help: "Total number of rate limited provider responses",
			},
			[]string{"provider"},
		),
		providerRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_retries_total",
				Help: "Total number of provider retry attempts",
			},
			[]string{"provider", "reason"},
		),
		listingRowsPerPage: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "listing_rows_per_page",
				Help:    "Number of rows returned per transaction listing page",
				Buckets: []float64{0, 10, 100, 1000, 5000, 9999, 10000},
			},
			[]string{"kind"},
		),
		paginationStallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listing_pagination_stalls_total",
				Help: "Total number of listings that stopped because the cursor did not advance",
			},
			[]string{"kind"},
		),
		transactionsFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transactions_fetched_total",
				Help: "Total number of transaction rows returned by completed fetches",
			},
			[]string{"kind"},
		),
		resolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "resolutions_total",
				Help: "Total number of remote resolutions by resolver and outcome",
			},
			[]string{"resolver", "outcome"},
		),

		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_lookups_total",
				Help: "Total number of cache lookups by cache and result",
			},
			[]string{"cache", "result"},
		),
		cacheStagedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_staged_total",
				Help: "Total number of entries staged for write-back",
			},
			[]string{"cache"},
		),
		cacheFlushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_flushes_total",
				Help: "Total number of cache flushes by status",
			},
			[]string{"cache", "status"},
		),
		cacheFlushDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_flush_duration_seconds",
				Help:    "Duration of cache flushes in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"cache"},
		),
		cacheFlushSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_flush_batch_size",
				Help:    "Number of entries written per flush",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 500},
			},
			[]string{"cache"},
		),

		sessionActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "session_activity_duration_seconds",
				Help:    "Duration of enrichment session activities in seconds",
				Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
			},
			[]string{"activity", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Provider metric helpers

// RecordProviderCall records an external provider call with duration.
func (m *Metrics) RecordProviderCall(provider, operation, status string, duration float64) {
	m.providerCallsTotal.WithLabelValues(provider, operation, status).Inc()
	m.providerCallDuration.WithLabelValues(provider, operation).Observe(duration)
}

// RecordRateLimitHit records a rate limited response.
func (m *Metrics) RecordRateLimitHit(provider string) {
	m.providerRateLimitHits.WithLabelValues(provider).Inc()
}

// RecordRetry records a retry attempt.
func (m *Metrics) RecordRetry(provider, reason string) {
	m.providerRetries.WithLabelValues(provider, reason).Inc()
}

// RecordListingPage records the size of one listing page.
func (m *Metrics) RecordListingPage(kind string, rows int) {
	m.listingRowsPerPage.WithLabelValues(kind).Observe(float64(rows))
}

// RecordPaginationStall records a listing that stopped on a non-advancing cursor.
func (m *Metrics) RecordPaginationStall(kind string) {
	m.paginationStallsTotal.WithLabelValues(kind).Inc()
}

// RecordTransactionsFetched records the rows returned by a completed fetch.
func (m *Metrics) RecordTransactionsFetched(kind string, count int) {
	m.transactionsFetched.WithLabelValues(kind).Add(float64(count))
}

// RecordResolution records the outcome of a remote resolution.
func (m *Metrics) RecordResolution(resolver, outcome string) {
	m.resolutionsTotal.WithLabelValues(resolver, outcome).Inc()
}

// Cache metric helpers

// RecordCacheLookup records a cache lookup; result is "hit" or "miss".
func (m *Metrics) RecordCacheLookup(cache, result string) {
	m.cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// RecordCacheStaged records an entry staged for write-back.
func (m *Metrics) RecordCacheStaged(cache string) {
	m.cacheStagedTotal.WithLabelValues(cache).Inc()
}

// RecordCacheFlush records a flush attempt.
func (m *Metrics) RecordCacheFlush(cache string, size int, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.cacheFlushesTotal.WithLabelValues(cache, status).Inc()
	m.cacheFlushDuration.WithLabelValues(cache).Observe(duration)
	if err == nil {
		m.cacheFlushSize.WithLabelValues(cache).Observe(float64(size))
	}
}

// Workflow metric helpers

// RecordActivityDuration records session activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.sessionActivityDuration.WithLabelValues(activity, status).Observe(duration)
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
