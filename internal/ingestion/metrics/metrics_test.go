package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordConnectorEventIncrementsCounter(t *testing.T) {
	connectorEvents.Reset()

	RecordConnectorEvent(42, "critical")
	RecordConnectorEvent(42, "critical")

	got := testutil.ToFloat64(connectorEvents.WithLabelValues("42", "critical"))
	require.Equal(t, float64(2), got)
}

func TestSetConnectorStatusZeroesOtherLabels(t *testing.T) {
	connectorStatus.Reset()
	known := []string{"active", "paused", "disabled"}

	SetConnectorStatus(7, "paused", known)

	require.Equal(t, float64(0), testutil.ToFloat64(connectorStatus.WithLabelValues("7", "active")))
	require.Equal(t, float64(1), testutil.ToFloat64(connectorStatus.WithLabelValues("7", "paused")))
	require.Equal(t, float64(0), testutil.ToFloat64(connectorStatus.WithLabelValues("7", "disabled")))
}

func TestSetQueueMetrics(t *testing.T) {
	SetQueueMetrics(3, 1, 2)

	require.Equal(t, float64(3), testutil.ToFloat64(queuePending))
	require.Equal(t, float64(1), testutil.ToFloat64(queueInFlight))
	require.Equal(t, float64(2), testutil.ToFloat64(queueFailed))
}

func TestCanonicalPathCollapsesTrailingSegments(t *testing.T) {
	require.Equal(t, "/", canonicalPath("/"))
	require.Equal(t, "/metrics", canonicalPath("/metrics"))
	require.Equal(t, "/api/agents/:id", canonicalPath("/api/agents/123/heartbeat"))
}

func TestInstrumentHandlerRecordsStatus(t *testing.T) {
	httpRequests.Reset()

	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/connectors", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	got := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/api/connectors", "418"))
	require.Equal(t, float64(1), got)
}

func TestHandlerServesRegistry(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ingestcore_queue_pending")
}
