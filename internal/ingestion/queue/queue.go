// Package queue implements the bounded, priority-banded work queue that
// fans normalization jobs out to a fixed worker pool with linear-backoff
// retry and bounded completed/failed history rings.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/socops/ingestcore/internal/ingestion/model"
	"github.com/socops/ingestcore/pkg/logger"
)

// ErrQueueFull is returned by Enqueue when pending jobs exceed MaxPending.
var ErrQueueFull = errors.New("queue: full")

const (
	// MaxPending is the bound on pending jobs across all priority bands.
	MaxPending = 10000
	// DefaultWorkers is the default worker-loop count.
	DefaultWorkers = 5
	// BaseDelay is the linear-backoff unit: delay = BaseDelay * attempts.
	BaseDelay = 2 * time.Second
	// HistorySize bounds the completed/failed LRU rings.
	HistorySize = 5000
	// RetentionWindow is how long completed/failed entries survive the
	// hourly cleanup sweep.
	RetentionWindow = 24 * time.Hour
)

// Job mirrors model.QueueJob plus the runtime bookkeeping the queue needs.
type Job struct {
	ID          string
	ConnectorID int64
	Payload     interface{}
	Source      string
	Priority    model.Priority
	Attempts    int
	MaxAttempts int
	EnqueuedAt  time.Time
	LastError   string
	FinishedAt  time.Time
}

// Handler processes a single job; its error return decides retry vs
// dead-letter. Handlers must be idempotent against the store since the
// queue guarantees only at-least-once delivery.
type Handler func(ctx context.Context, job *Job) error

// Metrics is the queue-wide snapshot exposed to callers.
type Metrics struct {
	Pending           int
	InFlight          int
	Completed         int
	Failed            int
	AvgProcessingTime time.Duration
}

// Queue is a single process-wide priority queue with four bands.
type Queue struct {
	handler Handler
	workers int
	log     *logger.Logger

	mu       sync.Mutex
	bands    [4]*list.List // index by model.Priority, highest last() = tail
	pending  int
	inFlight int

	completed *lru.Cache[string, *Job]
	failed    *lru.Cache[string, *Job]

	processedCount int64
	processedNanos int64

	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Queue. workers<=0 defaults to DefaultWorkers.
func New(handler Handler, workers int, log *logger.Logger) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = logger.NewDefault("queue")
	}
	completed, _ := lru.New[string, *Job](HistorySize)
	failed, _ := lru.New[string, *Job](HistorySize)

	q := &Queue{
		handler:   handler,
		workers:   workers,
		log:       log,
		completed: completed,
		failed:    failed,
		notify:    make(chan struct{}, workers*2),
	}
	for i := range q.bands {
		q.bands[i] = list.New()
	}
	return q
}

// Start launches the worker pool and the hourly cleanup sweep.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.workerLoop(i)
	}
	q.wg.Add(1)
	go q.cleanupLoop()
}

// Stop cancels all worker loops and waits for them to exit.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

// Enqueue adds job to the tail of its priority band. Returns ErrQueueFull
// when total pending would exceed MaxPending.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending >= MaxPending {
		return ErrQueueFull
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = job.Priority.MaxAttempts()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	q.bands[job.Priority].PushBack(job)
	q.pending++
	q.wakeWorker()
	return nil
}

func (q *Queue) wakeWorker() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dequeue pops the highest-priority, oldest-enqueued job, or nil.
func (q *Queue) dequeue() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := model.PriorityCritical; p >= model.PriorityLow; p-- {
		band := q.bands[p]
		if band.Len() > 0 {
			el := band.Front()
			band.Remove(el)
			q.pending--
			q.inFlight++
			return el.Value.(*Job)
		}
	}
	return nil
}

func (q *Queue) workerLoop(_ int) {
	defer q.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
			q.drainOne()
		case <-ticker.C:
			q.drainOne()
		}
	}
}

func (q *Queue) drainOne() {
	job := q.dequeue()
	if job == nil {
		return
	}
	start := time.Now()
	job.Attempts++
	err := q.handler(q.ctx, job)
	elapsed := time.Since(start)

	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()

	if err == nil {
		job.FinishedAt = time.Now()
		q.completed.Add(job.ID, job)
		atomicAddProcessed(q, elapsed)
		return
	}

	job.LastError = err.Error()
	if job.Attempts < job.MaxAttempts {
		delay := time.Duration(job.Attempts) * BaseDelay
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-q.ctx.Done():
				return
			case <-timer.C:
			}
			q.mu.Lock()
			q.bands[job.Priority].PushBack(job)
			q.pending++
			q.mu.Unlock()
			q.wakeWorker()
		}()
		return
	}

	job.FinishedAt = time.Now()
	q.failed.Add(job.ID, job)
}

func atomicAddProcessed(q *Queue, elapsed time.Duration) {
	q.mu.Lock()
	q.processedCount++
	q.processedNanos += int64(elapsed)
	q.mu.Unlock()
}

// RetryFailed moves retry-eligible failed jobs back to pending, optionally
// scoped to a single connector.
func (q *Queue) RetryFailed(connectorID *int64) int {
	q.mu.Lock()
	keys := q.failed.Keys()
	var toRetry []*Job
	for _, k := range keys {
		job, ok := q.failed.Peek(k)
		if !ok {
			continue
		}
		if connectorID != nil && job.ConnectorID != *connectorID {
			continue
		}
		toRetry = append(toRetry, job)
	}
	for _, job := range toRetry {
		q.failed.Remove(job.ID)
	}
	q.mu.Unlock()

	for _, job := range toRetry {
		job.Attempts = 0
		job.LastError = ""
		_ = q.Enqueue(job)
	}
	return len(toRetry)
}

// Cleanup removes completed/failed entries older than RetentionWindow.
// Called by the hourly sweep, exposed for tests.
func (q *Queue) Cleanup() {
	cutoff := time.Now().Add(-RetentionWindow)
	for _, k := range q.completed.Keys() {
		if job, ok := q.completed.Peek(k); ok && job.FinishedAt.Before(cutoff) {
			q.completed.Remove(k)
		}
	}
	for _, k := range q.failed.Keys() {
		if job, ok := q.failed.Peek(k); ok && job.FinishedAt.Before(cutoff) {
			q.failed.Remove(k)
		}
	}
}

func (q *Queue) cleanupLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.Cleanup()
		}
	}
}

// Snapshot returns the current queue-wide metrics.
func (q *Queue) Snapshot() Metrics {
	q.mu.Lock()
	pending := q.pending
	inFlight := q.inFlight
	var avg time.Duration
	if q.processedCount > 0 {
		avg = time.Duration(q.processedNanos / q.processedCount)
	}
	q.mu.Unlock()

	return Metrics{
		Pending:           pending,
		InFlight:          inFlight,
		Completed:         q.completed.Len(),
		Failed:            q.failed.Len(),
		AvgProcessingTime: avg,
	}
}
