// Package connector defines the common capability every ingestion
// connector implements, its state machine, and its event-emission
// channels, per the "single capability set" redesign: connectors never
// reach back into the lifecycle manager, they only emit onto typed
// channels handed to them at construction.
package connector

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/socops/ingestcore/internal/ingestion/model"
)

// Status is the connector lifecycle state.
type Status string

const (
	StatusDisabled Status = "disabled"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
)

// HealthResult is returned by HealthCheck.
type HealthResult struct {
	Healthy     bool
	Message     string
	Latency     time.Duration
	LastChecked time.Time
}

// TestResult is returned by TestConnection.
type TestResult struct {
	Success bool
	Message string
}

// Metrics is the rolling 60s counter window plus monotonic uptime.
type Metrics struct {
	EventsPerMinute float64
	ErrorsPerMinute float64
	AvgLatency      time.Duration
	Uptime          time.Duration
}

// EventKind tags what a connector emitted, per the explicit per-kind
// channel design (§9: "model as an explicit channel per event kind").
type EventKind string

const (
	KindEvent        EventKind = "event"
	KindError         EventKind = "error"
	KindStatusChange  EventKind = "status-change"
	KindMetricsUpdate EventKind = "metrics-update"
)

// Envelope is what a connector emits on its Sink, tagged by Kind.
type Envelope struct {
	Kind        EventKind
	ConnectorID int64
	RawEvent    *model.RawEvent
	Err         error
	Status      Status
	Message     string
	Metrics     Metrics
}

// Sink is the abstract capability passed into every connector at
// construction so it never needs a back-reference to its owner. The
// Lifecycle Manager is the sole consumer of the channel it returns.
type Sink interface {
	Emit(Envelope)
}

// ChannelSink is a Sink backed by a buffered channel, the default
// implementation wired in by the Lifecycle Manager.
type ChannelSink struct {
	ch chan Envelope
}

// NewChannelSink returns a ChannelSink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 256
	}
	return &ChannelSink{ch: make(chan Envelope, buffer)}
}

// Events returns the receive side of the channel.
func (s *ChannelSink) Events() <-chan Envelope { return s.ch }

// Emit sends env, dropping it (rather than blocking indefinitely) if the
// channel is full; a full sink indicates back-pressure downstream.
func (s *ChannelSink) Emit(env Envelope) {
	select {
	case s.ch <- env:
	default:
	}
}

// Close closes the underlying channel. Only the owner of the sink
// (lifecycle manager) should call this, after every connector using it
// has stopped.
func (s *ChannelSink) Close() { close(s.ch) }

// Base provides the shared state machine, metrics window, and
// auto-disable policy that every concrete connector embeds.
type Base struct {
	ID   int64
	Name string
	Typ  model.ConnectorType

	sink Sink

	mu                sync.Mutex
	status            Status
	consecutiveErrors int
	startedAt         time.Time

	windowMu      sync.Mutex
	windowStart   time.Time
	eventsInWin   int64
	errorsInWin   int64
	latencySumNs  int64
	latencyCount  int64
}

// NewBase constructs a Base in the disabled state.
func NewBase(id int64, name string, typ model.ConnectorType, sink Sink) *Base {
	return &Base{ID: id, Name: name, Typ: typ, sink: sink, status: StatusDisabled}
}

// Status returns the current lifecycle status.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Uptime returns time elapsed since the last transition into active,
// zero if not currently active.
func (b *Base) Uptime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusActive || b.startedAt.IsZero() {
		return 0
	}
	return time.Since(b.startedAt)
}

// SetActive transitions to active and resets the consecutive-error
// counter, per "→active resets the consecutive-error counter to 0".
func (b *Base) SetActive() {
	b.mu.Lock()
	prev := b.status
	b.status = StatusActive
	b.consecutiveErrors = 0
	b.startedAt = time.Now()
	b.mu.Unlock()
	b.emitStatusChange(prev, StatusActive, "")
}

// SetPaused transitions to paused.
func (b *Base) SetPaused() {
	b.mu.Lock()
	prev := b.status
	b.status = StatusPaused
	b.mu.Unlock()
	b.emitStatusChange(prev, StatusPaused, "")
}

// SetDisabled transitions to disabled (external or auto-disable).
func (b *Base) SetDisabled(reason string) {
	b.mu.Lock()
	prev := b.status
	b.status = StatusDisabled
	b.mu.Unlock()
	b.emitStatusChange(prev, StatusDisabled, reason)
}

// SetError records a cycle-level failure. Once the consecutive-error
// counter reaches 5 the connector auto-transitions to disabled and an
// "auto-disabled" status change is emitted instead of "error".
func (b *Base) SetError(msg string) {
	b.mu.Lock()
	prev := b.status
	b.consecutiveErrors++
	autoDisable := b.consecutiveErrors >= 5
	if autoDisable {
		b.status = StatusDisabled
	} else {
		b.status = StatusError
	}
	b.mu.Unlock()

	if autoDisable {
		b.emitStatusChange(prev, StatusDisabled, "auto-disabled: "+msg)
	} else {
		b.emitStatusChange(prev, StatusError, msg)
	}
	b.recordError()
}

// ConsecutiveErrors returns the current auto-disable counter.
func (b *Base) ConsecutiveErrors() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveErrors
}

func (b *Base) emitStatusChange(from, to Status, msg string) {
	if b.sink == nil || from == to {
		return
	}
	b.sink.Emit(Envelope{Kind: KindStatusChange, ConnectorID: b.ID, Status: to, Message: msg})
}

// EmitEvent pushes a RawEvent through the sink.
func (b *Base) EmitEvent(e model.RawEvent) {
	b.recordEvent()
	if b.sink == nil {
		return
	}
	ev := e
	b.sink.Emit(Envelope{Kind: KindEvent, ConnectorID: b.ID, RawEvent: &ev})
}

// EmitError reports a non-fatal error without transitioning status.
func (b *Base) EmitError(err error) {
	b.recordError()
	if b.sink == nil {
		return
	}
	b.sink.Emit(Envelope{Kind: KindError, ConnectorID: b.ID, Err: err})
}

func (b *Base) recordEvent() {
	b.rollWindowIfNeeded()
	atomic.AddInt64(&b.eventsInWin, 1)
}

func (b *Base) recordError() {
	b.rollWindowIfNeeded()
	atomic.AddInt64(&b.errorsInWin, 1)
}

// RecordLatency folds a single operation's latency into the rolling
// average for the current window.
func (b *Base) RecordLatency(d time.Duration) {
	b.rollWindowIfNeeded()
	atomic.AddInt64(&b.latencySumNs, int64(d))
	atomic.AddInt64(&b.latencyCount, 1)
}

func (b *Base) rollWindowIfNeeded() {
	b.windowMu.Lock()
	defer b.windowMu.Unlock()
	now := time.Now()
	if b.windowStart.IsZero() {
		b.windowStart = now
		return
	}
	if now.Sub(b.windowStart) >= 60*time.Second {
		b.windowStart = now
		atomic.StoreInt64(&b.eventsInWin, 0)
		atomic.StoreInt64(&b.errorsInWin, 0)
		atomic.StoreInt64(&b.latencySumNs, 0)
		atomic.StoreInt64(&b.latencyCount, 0)
	}
}

// SnapshotMetrics reads-and-does-not-reset the current window (the
// window rolls over lazily on the next record call), returning a Metrics
// value plus uptime.
func (b *Base) SnapshotMetrics() Metrics {
	events := atomic.LoadInt64(&b.eventsInWin)
	errs := atomic.LoadInt64(&b.errorsInWin)
	sum := atomic.LoadInt64(&b.latencySumNs)
	count := atomic.LoadInt64(&b.latencyCount)

	var avg time.Duration
	if count > 0 {
		avg = time.Duration(sum / count)
	}

	m := Metrics{
		EventsPerMinute: float64(events),
		ErrorsPerMinute: float64(errs),
		AvgLatency:      avg,
		Uptime:          b.Uptime(),
	}
	if b.sink != nil {
		b.sink.Emit(Envelope{Kind: KindMetricsUpdate, ConnectorID: b.ID, Metrics: m})
	}
	return m
}

// Connector is the capability set every concrete connector implements.
// UpdateConfig is intentionally not part of this interface: each
// connector type's configuration patch is itself typed (syslog.Config,
// api.Config, ...), per the "parse once into a type-tagged configuration
// structure" design note; callers that need to patch config do so
// against the concrete type.
type Connector interface {
	Start() error
	Stop() error
	Pause() error
	Resume() error
	HealthCheck() HealthResult
	TestConnection() TestResult
	GetMetrics() Metrics
	Status() Status
}
