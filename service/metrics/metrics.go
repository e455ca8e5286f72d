package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCErrorsTotal   *prometheus.CounterVec
	solanaRPCRateLimitHits *prometheus.CounterVec
	solanaRPCRetries       *prometheus.CounterVec

	// Lookup Metrics
	lookupDuration      *prometheus.HistogramVec
	lookupsTotal        *prometheus.CounterVec
	lookupsSuperseded   prometheus.Counter
	detailFailuresTotal prometheus.Counter
	detailUnavailable   prometheus.Counter
	signaturesPerLookup prometheus.Histogram
	activeSessions      prometheus.Gauge

	// Cache Metrics
	cacheLookupsTotal *prometheus.CounterVec
	cacheWritesTotal  *prometheus.CounterVec
	cacheRowsDropped  prometheus.Counter

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
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_errors_total",
				Help: "Total number of failed Solana RPC calls by error kind",
			},
			[]string{"method", "kind"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		// Lookup Metrics
		lookupDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_lookup_duration_seconds",
				Help:    "Duration of wallet lookups in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		lookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_lookups_total",
				Help: "Total number of wallet lookups by status and source",
			},
			[]string{"status", "source"},
		),
		lookupsSuperseded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_lookups_superseded_total",
				Help: "Total number of lookup sessions cancelled by a newer session",
			},
		),
		detailFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "transaction_detail_failures_total",
				Help: "Total number of transaction detail fetches that failed",
			},
		),
		detailUnavailable: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "transaction_detail_unavailable_total",
				Help: "Total number of signatures for which the ledger returned no transaction",
			},
		),
		signaturesPerLookup: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "wallet_lookup_signatures",
				Help:    "Number of signatures fetched per wallet lookup",
				Buckets: []float64{1, 10, 20, 50, 100, 250, 1000},
			},
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallet_lookup_active_sessions",
				Help: "Number of lookup sessions currently in flight",
			},
		),

		// Cache Metrics
		cacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_cache_lookups_total",
				Help: "Total number of wallet cache lookups by result",
			},
			[]string{"result"},
		),
		cacheWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_cache_writes_total",
				Help: "Total number of wallet cache writes by status",
			},
			[]string{"status"},
		),
		cacheRowsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "wallet_cache_rows_dropped_total",
				Help: "Total number of cached rows or token balances dropped as invalid on read",
			},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 30},
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

		// NATS Metrics
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

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	if m == nil {
		return
	}
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRPCError records a failed RPC call by error kind.
func (m *Metrics) RecordRPCError(method, kind string) {
	if m == nil {
		return
	}
	m.solanaRPCErrorsTotal.WithLabelValues(method, kind).Inc()
}

// RecordRateLimitHit records a rate limit hit.
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	if m == nil {
		return
	}
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	if m == nil {
		return
	}
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// Lookup metric helpers

// RecordLookup records a finished wallet lookup.
// source is "cache" or "rpc"; status is "success", "error" or "cancelled".
func (m *Metrics) RecordLookup(status, source string, duration float64) {
	if m == nil {
		return
	}
	m.lookupDuration.WithLabelValues(status).Observe(duration)
	m.lookupsTotal.WithLabelValues(status, source).Inc()
}

// RecordLookupSuperseded records a session cancelled by a newer one.
func (m *Metrics) RecordLookupSuperseded() {
	if m == nil {
		return
	}
	m.lookupsSuperseded.Inc()
}

// RecordDetailFailure records a transaction detail fetch that failed.
func (m *Metrics) RecordDetailFailure() {
	if m == nil {
		return
	}
	m.detailFailuresTotal.Inc()
}

// RecordDetailUnavailable records a null getTransaction result.
func (m *Metrics) RecordDetailUnavailable() {
	if m == nil {
		return
	}
	m.detailUnavailable.Inc()
}

// RecordSignaturesPerLookup records the number of signatures fetched.
func (m *Metrics) RecordSignaturesPerLookup(count int) {
	if m == nil {
		return
	}
	m.signaturesPerLookup.Observe(float64(count))
}

// RecordSessionChange records a change in active session count.
func (m *Metrics) RecordSessionChange(delta float64) {
	if m == nil {
		return
	}
	m.activeSessions.Add(delta)
}

// Cache metric helpers

// RecordCacheLookup records a cache read by result
// ("hit", "miss", "expired", "invalid", "error").
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCacheWrite records a cache write.
func (m *Metrics) RecordCacheWrite(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.cacheWritesTotal.WithLabelValues(status).Inc()
}

// RecordCacheDropped records rows or token balances dropped while decoding.
func (m *Metrics) RecordCacheDropped(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.cacheRowsDropped.Add(float64(count))
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
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
