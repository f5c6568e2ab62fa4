// Package metrics exposes the ingestion core's Prometheus collectors,
// mirroring the teacher's internal/app/metrics package but scoped to
// connector, queue, and HTTP-surface instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the ingestion core's Prometheus collectors.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ingestcore", Subsystem: "http", Name: "inflight_requests",
		Help: "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestcore", Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ingestcore", Subsystem: "http", Name: "request_duration_seconds",
		Help: "Duration of HTTP requests.", Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	connectorEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingestcore", Subsystem: "connector", Name: "events_total",
		Help: "Total raw events emitted per connector.",
	}, []string{"connector_id", "type"})

	connectorStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ingestcore", Subsystem: "connector", Name: "status",
		Help: "Current connector status; value is 1 for the active label, 0 otherwise.",
	}, []string{"connector_id", "status"})

	queuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ingestcore", Subsystem: "queue", Name: "pending",
		Help: "Jobs waiting across all priority bands.",
	})

	queueInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ingestcore", Subsystem: "queue", Name: "in_flight",
		Help: "Jobs currently being processed by a worker.",
	})

	queueFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ingestcore", Subsystem: "queue", Name: "failed",
		Help: "Jobs that exhausted MaxAttempts and were dead-lettered.",
	})
)

func init() {
	Registry.MustRegister(
		httpInFlight, httpRequests, httpDuration,
		connectorEvents, connectorStatus,
		queuePending, queueInFlight, queueFailed,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with request-count/duration/in-flight
// collection, skipping the metrics endpoint itself.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordConnectorEvent increments the per-connector event counter.
func RecordConnectorEvent(connectorID int64, kind string) {
	connectorEvents.WithLabelValues(strconv.FormatInt(connectorID, 10), kind).Inc()
}

// SetConnectorStatus records the current status label for a connector,
// zeroing every other known status so only one gauge reads 1 at a time.
func SetConnectorStatus(connectorID int64, status string, known []string) {
	id := strconv.FormatInt(connectorID, 10)
	for _, s := range known {
		v := 0.0
		if s == status {
			v = 1
		}
		connectorStatus.WithLabelValues(id, s).Set(v)
	}
}

// SetQueueMetrics mirrors a queue.Metrics snapshot onto the gauges.
func SetQueueMetrics(pending, inFlight, failed int) {
	queuePending.Set(float64(pending))
	queueInFlight.Set(float64(inFlight))
	queueFailed.Set(float64(failed))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path-parameter segments so label cardinality
// stays bounded (e.g. /api/agents/<id>/data would otherwise explode).
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) <= 2 {
		return "/" + trimmed
	}
	return "/" + parts[0] + "/" + parts[1] + "/:id"
}
