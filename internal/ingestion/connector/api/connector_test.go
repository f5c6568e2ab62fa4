package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socops/ingestcore/internal/ingestion/connector"
	"github.com/socops/ingestcore/internal/ingestion/model"
	"github.com/socops/ingestcore/internal/ingestion/queue"
)

type capturingSink struct {
	events []connector.Envelope
}

func (c *capturingSink) Emit(e connector.Envelope) { c.events = append(c.events, e) }

type capturingDispatcher struct {
	jobs []*queue.Job
}

func (d *capturingDispatcher) Enqueue(job *queue.Job) error {
	d.jobs = append(d.jobs, job)
	return nil
}

// TestRunOnceCursorPagination exercises S1: two pages joined by a cursor,
// stopping once the server reports an empty next_token.
func TestRunOnceCursorPagination(t *testing.T) {
	var page int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&page, 1) == 1 {
			w.Write([]byte(`{"data":[{"id":1},{"id":2}],"pagination":{"next_token":"T"}}`))
			return
		}
		w.Write([]byte(`{"data":[{"id":3}],"pagination":{}}`))
	}))
	defer server.Close()

	sink := &capturingSink{}
	cfg := Config{Endpoints: []Endpoint{{
		Name:       "events",
		BaseURL:    server.URL,
		Pagination: PaginationCursor,
		CursorPath: "pagination.next_token",
		Limit:      2,
		MaxPages:   10,
	}}}
	c := New(1, "api-conn", cfg, sink, nil)

	require.NoError(t, c.RunOnce(context.Background()))

	var rawEvents int
	for _, e := range sink.events {
		if e.Kind == connector.KindEvent {
			rawEvents++
		}
	}
	assert.Equal(t, 3, rawEvents)
	assert.Equal(t, int32(2), atomic.LoadInt32(&page), "must stop once the cursor is empty")
}

// TestRunOnceCircuitBreakerSkipsAfterThreshold exercises S3: two cycle
// failures open the breaker, and the next RunOnce is skipped without any
// HTTP call reaching the server.
func TestRunOnceCircuitBreakerSkipsAfterThreshold(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := Config{
		Endpoints: []Endpoint{{
			Name:       "events",
			BaseURL:    server.URL,
			Pagination: PaginationOffset,
			MaxPages:   1,
			MaxRetries: 1,
		}},
		CircuitBreaker: CircuitBreakerConfig{Threshold: 2, ResetTimeout: time.Minute},
	}
	c := New(1, "api-conn", cfg, &capturingSink{}, nil)

	require.Error(t, c.RunOnce(context.Background()))
	require.Error(t, c.RunOnce(context.Background()))
	assert.Equal(t, StateOpen, c.breaker.State())

	callsBefore := atomic.LoadInt32(&calls)
	require.NoError(t, c.RunOnce(context.Background()), "skipped cycles report no error")
	assert.Equal(t, callsBefore, atomic.LoadInt32(&calls), "breaker must skip the cycle without issuing any HTTP call")
}

func TestDispatchSmallBatchEmitsDirectly(t *testing.T) {
	sink := &capturingSink{}
	cfg := Config{Endpoints: []Endpoint{{Name: "ep1", ResponseType: "alerts"}}}
	c := New(1, "api-conn", cfg, sink, nil)

	c.dispatch(cfg.Endpoints[0], make([]model.RawEvent, 3))

	var count int
	for _, e := range sink.events {
		if e.Kind == connector.KindEvent {
			count++
		}
	}
	assert.Equal(t, 3, count)
}

func TestDispatchLargeBatchGoesToQueue(t *testing.T) {
	dispatcher := &capturingDispatcher{}
	cfg := Config{Endpoints: []Endpoint{{Name: "ep1", ResponseType: "alerts"}}}
	c := New(1, "api-conn", cfg, &capturingSink{}, dispatcher)

	events := make([]model.RawEvent, 150)
	c.dispatch(cfg.Endpoints[0], events)

	require.Len(t, dispatcher.jobs, 1)
	assert.Equal(t, 2, int(dispatcher.jobs[0].Priority), "alerts map to high priority")
}

func TestHealthCheckReflectsBreakerState(t *testing.T) {
	cfg := Config{CircuitBreaker: CircuitBreakerConfig{Threshold: 1, ResetTimeout: time.Minute}}
	c := New(1, "api-conn", cfg, &capturingSink{}, nil)
	assert.True(t, c.HealthCheck().Healthy)

	c.breaker.Execute(context.Background(), func() error { return assert.AnError })
	assert.False(t, c.HealthCheck().Healthy)
}

func TestTestConnectionReportsStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := Config{Endpoints: []Endpoint{{Name: "ep1", BaseURL: server.URL}}}
	c := New(1, "api-conn", cfg, &capturingSink{}, nil)

	result := c.TestConnection()
	assert.True(t, result.Success)
}

func TestTestConnectionNoEndpoints(t *testing.T) {
	c := New(1, "api-conn", Config{}, &capturingSink{}, nil)
	result := c.TestConnection()
	assert.False(t, result.Success)
}

func TestUpdateConfigRebuildsLimiters(t *testing.T) {
	c := New(1, "api-conn", Config{Endpoints: []Endpoint{{Name: "a"}}}, &capturingSink{}, nil)
	require.Len(t, c.limiters, 1)

	require.NoError(t, c.UpdateConfig(Config{Endpoints: []Endpoint{{Name: "b"}, {Name: "c"}}}))
	assert.Len(t, c.limiters, 2)
}
