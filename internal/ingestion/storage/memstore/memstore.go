// Package memstore is an in-memory implementation of every storage
// interface, used by default and by tests, mirroring the teacher's
// internal/app/storage/memory.go.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/socops/ingestcore/internal/ingestion/model"
	"github.com/socops/ingestcore/internal/ingestion/storage"
)

// Store is a mutex-guarded, in-memory implementation of storage.Store's
// component interfaces.
type Store struct {
	mu sync.RWMutex

	connectors map[int64]model.ConnectorRecord
	rawEvents  map[string]model.RawEvent
	alerts     []model.Alert
	intel      []model.ThreatIntel
	logs       map[int64][]string
	agents     map[string]model.Agent
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		connectors: map[int64]model.ConnectorRecord{},
		rawEvents:  map[string]model.RawEvent{},
		logs:       map[int64][]string{},
		agents:     map[string]model.Agent{},
	}
}

// AsStorage wraps the Store into the aggregate storage.Store the rest of
// the core depends on.
func (s *Store) AsStorage() storage.Store {
	return storage.Store{
		Connectors:    s,
		RawEvents:     s,
		Alerts:        s,
		ThreatIntel:   s,
		ConnectorLogs: s,
		Agents:        s,
	}
}

func (s *Store) ListActive(_ context.Context) ([]model.ConnectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ConnectorRecord, 0, len(s.connectors))
	for _, c := range s.connectors {
		if c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, id int64) (model.ConnectorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.connectors[id]
	if !ok {
		return model.ConnectorRecord{}, fmt.Errorf("memstore: connector %d not found", id)
	}
	return c, nil
}

func (s *Store) Upsert(_ context.Context, rec model.ConnectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectors[rec.ID] = rec
	return nil
}

func (s *Store) UpdateStatus(_ context.Context, id int64, status model.ConnectorStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connectors[id]
	if !ok {
		return fmt.Errorf("memstore: connector %d not found", id)
	}
	c.Status = status
	c.ErrorMessage = errMsg
	s.connectors[id] = c
	return nil
}

func (s *Store) InsertRawEvent(_ context.Context, e model.RawEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rawEvents[e.ID]; exists {
		return nil // idempotent: at-least-once delivery may redeliver
	}
	s.rawEvents[e.ID] = e
	return nil
}

// GetRawEvent retrieves a previously inserted raw event by id.
func (s *Store) GetRawEvent(_ context.Context, id string) (model.RawEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.rawEvents[id]
	if !ok {
		return model.RawEvent{}, fmt.Errorf("memstore: raw event %s not found", id)
	}
	return e, nil
}

func (s *Store) InsertAlert(_ context.Context, a model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *Store) ListAlerts(_ context.Context, orgID string, limit int) ([]model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Alert
	for i := len(s.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if s.alerts[i].OrganizationID == orgID {
			out = append(out, s.alerts[i])
		}
	}
	return out, nil
}

func (s *Store) InsertIntel(_ context.Context, t model.ThreatIntel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intel = append(s.intel, t)
	return nil
}

func (s *Store) AppendLog(_ context.Context, connectorID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[connectorID] = append(s.logs[connectorID], message)
	return nil
}

func (s *Store) UpsertAgent(_ context.Context, a model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.AgentID] = a
	return nil
}

func (s *Store) GetAgent(_ context.Context, agentID string) (model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return model.Agent{}, fmt.Errorf("memstore: agent %s not found", agentID)
	}
	return a, nil
}

func (s *Store) ListAgents(_ context.Context, connectorID int64) ([]model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Agent, 0)
	for _, a := range s.agents {
		if a.ConnectorID == connectorID {
			out = append(out, a)
		}
	}
	return out, nil
}
