// Package scheduler drives poll-style connectors on their configured
// cadence via robfig/cron, and triggers continuous connectors once.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/socops/ingestcore/internal/ingestion/model"
	"github.com/socops/ingestcore/pkg/logger"
)

// Runnable is implemented by connectors the scheduler can drive on a
// cron cadence (the Polled-API connector's RunOnce).
type Runnable interface {
	RunOnce(ctx context.Context) error
}

// Continuous is implemented by connectors that run indefinitely once
// started (syslog, agent); the scheduler triggers Start once and never
// reschedules.
type Continuous interface {
	Start() error
	Stop() error
}

// Scheduler owns one cron.Cron instance and the set of scheduled task
// handles, keyed by connector id.
type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger

	mu         sync.Mutex
	entries    map[int64]cron.EntryID
	continuous map[int64]Continuous
}

// New constructs a Scheduler. Seconds-granularity parsing is enabled so
// sub-minute poll intervals can be expressed.
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	return &Scheduler{cron: c, log: log, entries: map[int64]cron.EntryID{}, continuous: map[int64]Continuous{}}
}

// Start launches the cron scheduler's own goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop cancels all scheduled tasks and calls Stop() on every continuous
// connector still running.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.continuous {
		if err := c.Stop(); err != nil {
			s.log.WithField("connector", id).Warnf("scheduler: stop failed: %v", err)
		}
	}
}

// cadenceSpec derives a cron spec from a poll interval in seconds:
// seconds-granularity when pollInterval<60, minute-granularity otherwise.
func cadenceSpec(pollIntervalSeconds int) string {
	if pollIntervalSeconds <= 0 {
		pollIntervalSeconds = 60
	}
	if pollIntervalSeconds < 60 {
		return fmt.Sprintf("@every %ds", pollIntervalSeconds)
	}
	minutes := pollIntervalSeconds / 60
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("@every %dm", minutes)
}

// Schedule attaches a connector to the scheduler per §4.G: api connectors
// get a recurring cron task; syslog/agent connectors are started once;
// webhook/file connectors are attached with no recurring tick.
func (s *Scheduler) Schedule(connID int64, typ model.ConnectorType, pollIntervalSeconds int, runnable Runnable, continuous Continuous) error {
	switch typ {
	case model.ConnectorAPI:
		if runnable == nil {
			return fmt.Errorf("scheduler: api connector %d missing Runnable", connID)
		}
		spec := cadenceSpec(pollIntervalSeconds)
		id, err := s.cron.AddFunc(spec, func() {
			if err := runnable.RunOnce(context.Background()); err != nil {
				s.log.WithField("connector", connID).Warnf("scheduler: run failed: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("scheduler: add cron entry: %w", err)
		}
		s.mu.Lock()
		s.entries[connID] = id
		s.mu.Unlock()
		return nil

	case model.ConnectorSyslog, model.ConnectorAgent:
		if continuous == nil {
			return fmt.Errorf("scheduler: continuous connector %d missing Continuous", connID)
		}
		s.mu.Lock()
		s.continuous[connID] = continuous
		s.mu.Unlock()
		return continuous.Start()

	case model.ConnectorWebhook, model.ConnectorFile:
		// Attach only: no recurring tick, routes/watchers are already
		// live once the connector itself has been started by the
		// lifecycle manager.
		return nil

	default:
		return fmt.Errorf("scheduler: unknown connector type %q", typ)
	}
}

// RunNow bypasses the schedule and executes a poll connector immediately.
func (s *Scheduler) RunNow(ctx context.Context, runnable Runnable) error {
	return runnable.RunOnce(ctx)
}

// UpdateSchedule is idempotent: cancel-then-reschedule for api
// connectors.
func (s *Scheduler) UpdateSchedule(connID int64, pollIntervalSeconds int, runnable Runnable) error {
	s.mu.Lock()
	if id, ok := s.entries[connID]; ok {
		s.cron.Remove(id)
		delete(s.entries, connID)
	}
	s.mu.Unlock()
	return s.Schedule(connID, model.ConnectorAPI, pollIntervalSeconds, runnable, nil)
}

// Unschedule cancels a connector's recurring task or stops its
// continuous run, whichever applies.
func (s *Scheduler) Unschedule(connID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[connID]; ok {
		s.cron.Remove(id)
		delete(s.entries, connID)
	}
	if c, ok := s.continuous[connID]; ok {
		_ = c.Stop()
		delete(s.continuous, connID)
	}
}
