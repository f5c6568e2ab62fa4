package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socops/ingestcore/internal/ingestion/model"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var processed []string

	q := New(func(_ context.Context, job *Job) error {
		mu.Lock()
		processed = append(processed, job.ID)
		mu.Unlock()
		return nil
	}, 1, nil)
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(&Job{ID: "low", Priority: model.PriorityLow}))
	require.NoError(t, q.Enqueue(&Job{ID: "critical", Priority: model.PriorityCritical}))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, processed, 2)
	assert.Equal(t, "critical", processed[0], "higher priority job enqueued later must process first")
	assert.Equal(t, "low", processed[1])
}

func TestEnqueueFIFOWithinBand(t *testing.T) {
	var mu sync.Mutex
	var processed []string

	q := New(func(_ context.Context, job *Job) error {
		mu.Lock()
		processed = append(processed, job.ID)
		mu.Unlock()
		return nil
	}, 1, nil)
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(&Job{ID: "first", Priority: model.PriorityMedium}))
	require.NoError(t, q.Enqueue(&Job{ID: "second", Priority: model.PriorityMedium}))

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, processed)
}

func TestEnqueueFailsWhenFull(t *testing.T) {
	q := New(func(_ context.Context, _ *Job) error {
		select {} // never returns, keeps jobs pending
	}, 1, nil)
	q.pending = MaxPending

	err := q.Enqueue(&Job{ID: "overflow", Priority: model.PriorityLow})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestJobRetriesThenDeadLetters(t *testing.T) {
	var attempts int64
	q := New(func(_ context.Context, job *Job) error {
		atomic.AddInt64(&attempts, 1)
		return errors.New("boom")
	}, 1, nil)
	q.Start(context.Background())
	defer q.Stop()

	job := &Job{ID: "job-1", Priority: model.PriorityLow, MaxAttempts: 2}
	require.NoError(t, q.Enqueue(job))

	waitFor(t, 4*time.Second, func() bool {
		return atomic.LoadInt64(&attempts) >= 2
	})

	waitFor(t, 2*time.Second, func() bool {
		snap := q.Snapshot()
		return snap.Failed == 1 && snap.Pending == 0
	})

	snap := q.Snapshot()
	assert.Equal(t, 1, snap.Failed)
	assert.Equal(t, 0, snap.Pending)
}

func TestRetryFailedRequeues(t *testing.T) {
	var mode int32
	q := New(func(_ context.Context, job *Job) error {
		if atomic.LoadInt32(&mode) == 0 {
			return errors.New("boom")
		}
		return nil
	}, 1, nil)
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(&Job{ID: "job-1", ConnectorID: 7, Priority: model.PriorityLow, MaxAttempts: 1}))

	waitFor(t, time.Second, func() bool {
		return q.Snapshot().Failed == 1
	})

	atomic.StoreInt32(&mode, 1)
	n := q.RetryFailed(nil)
	assert.Equal(t, 1, n)

	waitFor(t, time.Second, func() bool {
		return q.Snapshot().Completed == 1
	})
	assert.Equal(t, 0, q.Snapshot().Failed)
}

func TestCleanupRemovesOldEntries(t *testing.T) {
	q := New(func(_ context.Context, _ *Job) error { return nil }, 1, nil)
	old := &Job{ID: "old", FinishedAt: time.Now().Add(-48 * time.Hour)}
	fresh := &Job{ID: "fresh", FinishedAt: time.Now()}
	q.completed.Add(old.ID, old)
	q.completed.Add(fresh.ID, fresh)

	q.Cleanup()

	_, oldStillThere := q.completed.Peek("old")
	_, freshStillThere := q.completed.Peek("fresh")
	assert.False(t, oldStillThere)
	assert.True(t, freshStillThere)
}

func TestSnapshotAveragesProcessingTime(t *testing.T) {
	q := New(func(_ context.Context, _ *Job) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}, 1, nil)
	q.Start(context.Background())
	defer q.Stop()

	require.NoError(t, q.Enqueue(&Job{ID: "job-1", Priority: model.PriorityLow}))

	waitFor(t, time.Second, func() bool {
		return q.Snapshot().Completed == 1
	})
	assert.Greater(t, q.Snapshot().AvgProcessingTime, time.Duration(0))
}

func TestPriorityMaxAttempts(t *testing.T) {
	assert.Equal(t, 5, model.PriorityCritical.MaxAttempts())
	assert.Equal(t, 3, model.PriorityHigh.MaxAttempts())
	assert.Equal(t, 3, model.PriorityMedium.MaxAttempts())
	assert.Equal(t, 3, model.PriorityLow.MaxAttempts())
}
