package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRPCCall("getBalance", "success", "localhost", 0.1)
		m.RecordRPCError("getBalance", "network")
		m.RecordRateLimitHit("localhost")
		m.RecordRPCRetry("getTransaction", "legacy_encoding")
		m.RecordLookup("success", "rpc", 1)
		m.RecordLookupSuperseded()
		m.RecordDetailFailure()
		m.RecordDetailUnavailable()
		m.RecordSignaturesPerLookup(20)
		m.RecordSessionChange(1)
		m.RecordCacheLookup("hit")
		m.RecordCacheWrite(nil)
		m.RecordCacheDropped(2)
		m.RecordHTTPRequest("/health", "GET", 200, 0.01)
		m.RecordNATSPublish("wallets.x", "success", 0.01)
	})
}

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRPCCall("getBalance", "success", "localhost", 0.1)
	m.RecordRPCCall("getBalance", "success", "localhost", 0.2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.solanaRPCCallsTotal.WithLabelValues("getBalance", "success", "localhost")))

	m.RecordCacheLookup("expired")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookupsTotal.WithLabelValues("expired")))

	m.RecordCacheWrite(errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheWritesTotal.WithLabelValues("error")))

	m.RecordCacheDropped(0)
	m.RecordCacheDropped(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheRowsDropped))

	m.RecordSessionChange(1)
	m.RecordSessionChange(1)
	m.RecordSessionChange(-1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	handler := HTTPMetricsMiddleware(m, "/api/v1/wallets")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/wallets/x", nil))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/api/v1/wallets", "GET", "4xx")))
}

func TestMiddlewarePreservesFlusher(t *testing.T) {
	var flushed bool
	handler := HTTPMetricsMiddleware(nil, "/stream")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok)
		f.Flush()
		flushed = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	assert.True(t, flushed)
	assert.True(t, rec.Flushed)
}

func TestStatusCodeToString(t *testing.T) {
	assert.Equal(t, "2xx", statusCodeToString(204))
	assert.Equal(t, "3xx", statusCodeToString(302))
	assert.Equal(t, "4xx", statusCodeToString(409))
	assert.Equal(t, "5xx", statusCodeToString(502))
	assert.Equal(t, "unknown", statusCodeToString(0))
}

func TestTimer(t *testing.T) {
	var got float64
	Timer(time.Now().Add(-time.Second), func(d float64) { got = d })()
	assert.GreaterOrEqual(t, got, 1.0)
}
