// Package storage defines the persistence interfaces the ingestion core
// depends on: connectors, raw events, alerts, threat intel, agents, and
// connector logs. Concrete implementations live in memstore (default,
// used by tests) and pgstore (Postgres via sqlx).
package storage

import (
	"context"

	"github.com/socops/ingestcore/internal/ingestion/model"
)

// ConnectorStore is the authoritative store for ConnectorRecord rows.
type ConnectorStore interface {
	ListActive(ctx context.Context) ([]model.ConnectorRecord, error)
	Get(ctx context.Context, id int64) (model.ConnectorRecord, error)
	Upsert(ctx context.Context, rec model.ConnectorRecord) error
	UpdateStatus(ctx context.Context, id int64, status model.ConnectorStatus, errMsg string) error
}

// RawEventStore persists immutable raw-event rows keyed by event id.
type RawEventStore interface {
	InsertRawEvent(ctx context.Context, e model.RawEvent) error
	GetRawEvent(ctx context.Context, id string) (model.RawEvent, error)
}

// AlertStore persists normalized alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, a model.Alert) error
	ListAlerts(ctx context.Context, orgID string, limit int) ([]model.Alert, error)
}

// ThreatIntelStore persists normalized threat intel records.
type ThreatIntelStore interface {
	InsertIntel(ctx context.Context, t model.ThreatIntel) error
}

// ConnectorLogStore appends a connector activity log line.
type ConnectorLogStore interface {
	AppendLog(ctx context.Context, connectorID int64, message string) error
}

// AgentStore persists the agent fleet table. Methods carry an Agent
// suffix so a single concrete store can also implement ConnectorStore,
// whose Upsert/Get already claim those names for ConnectorRecord.
type AgentStore interface {
	UpsertAgent(ctx context.Context, a model.Agent) error
	GetAgent(ctx context.Context, agentID string) (model.Agent, error)
	ListAgents(ctx context.Context, connectorID int64) ([]model.Agent, error)
}

// Store aggregates every persistence interface the ingestion core
// depends on, mirroring the teacher's Stores composition pattern.
type Store struct {
	Connectors    ConnectorStore
	RawEvents     RawEventStore
	Alerts        AlertStore
	ThreatIntel   ThreatIntelStore
	ConnectorLogs ConnectorLogStore
	Agents        AgentStore
}
