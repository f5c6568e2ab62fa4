// Package pgstore implements the ingestion core's storage interfaces
// against PostgreSQL, mirroring the teacher's
// internal/app/storage/postgres package: a single Store embedding a
// sqlx handle, one section per concern, JSON-encoded metadata columns.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/socops/ingestcore/internal/ingestion/model"
	"github.com/socops/ingestcore/internal/ingestion/storage"
)

// Store implements every storage interface the ingestion core depends
// on, backed by a single PostgreSQL connection pool.
type Store struct {
	db *sqlx.DB
}

var (
	_ storage.ConnectorStore    = (*Store)(nil)
	_ storage.RawEventStore     = (*Store)(nil)
	_ storage.AlertStore        = (*Store)(nil)
	_ storage.ThreatIntelStore  = (*Store)(nil)
	_ storage.ConnectorLogStore = (*Store)(nil)
	_ storage.AgentStore        = (*Store)(nil)
)

// New wraps an open *sql.DB (registered under the "postgres" driver via
// github.com/lib/pq) into a Store.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
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

// --- ConnectorStore ----------------------------------------------------

func (s *Store) ListActive(ctx context.Context) ([]model.ConnectorRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, type, vendor, configuration, status, is_active,
		       events_per_minute, error_message, last_successful_connection, last_data,
		       created_at, updated_at
		FROM connectors WHERE is_active = true ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list active connectors: %w", err)
	}
	defer rows.Close()

	var out []model.ConnectorRecord
	for rows.Next() {
		rec, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id int64) (model.ConnectorRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, type, vendor, configuration, status, is_active,
		       events_per_minute, error_message, last_successful_connection, last_data,
		       created_at, updated_at
		FROM connectors WHERE id = $1
	`, id)
	return scanConnector(row)
}

func (s *Store) Upsert(ctx context.Context, rec model.ConnectorRecord) error {
	if rec.Configuration == nil {
		rec.Configuration = []byte("{}")
	}
	now := time.Now().UTC()
	rec.UpdatedAt = now
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	if rec.ID == 0 {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO connectors
			(organization_id, name, type, vendor, configuration, status, is_active,
			 events_per_minute, error_message, last_successful_connection, last_data,
			 created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			RETURNING id
		`, rec.OrganizationID, rec.Name, rec.Type, rec.Vendor, rec.Configuration, rec.Status,
			rec.IsActive, rec.EventsPerMinute, rec.ErrorMessage,
			toNullTime(rec.LastSuccessfulConnection), toNullTime(rec.LastData),
			rec.CreatedAt, rec.UpdatedAt).Scan(&rec.ID)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connectors
		(id, organization_id, name, type, vendor, configuration, status, is_active,
		 events_per_minute, error_message, last_successful_connection, last_data,
		 created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (id) DO UPDATE SET
			organization_id = EXCLUDED.organization_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			vendor = EXCLUDED.vendor,
			configuration = EXCLUDED.configuration,
			status = EXCLUDED.status,
			is_active = EXCLUDED.is_active,
			events_per_minute = EXCLUDED.events_per_minute,
			error_message = EXCLUDED.error_message,
			last_successful_connection = EXCLUDED.last_successful_connection,
			last_data = EXCLUDED.last_data,
			updated_at = EXCLUDED.updated_at
	`, rec.ID, rec.OrganizationID, rec.Name, rec.Type, rec.Vendor, rec.Configuration, rec.Status,
		rec.IsActive, rec.EventsPerMinute, rec.ErrorMessage,
		toNullTime(rec.LastSuccessfulConnection), toNullTime(rec.LastData),
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: upsert connector %d: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) UpdateStatus(ctx context.Context, id int64, status model.ConnectorStatus, errMsg string) error {
	result, err := s.db.NamedExecContext(ctx, `
		UPDATE connectors SET status = :status, error_message = :error_message, updated_at = :updated_at
		WHERE id = :id
	`, map[string]interface{}{
		"id": id, "status": status, "error_message": errMsg, "updated_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("pgstore: update connector %d status: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func scanConnector(row interface{ Scan(...interface{}) error }) (model.ConnectorRecord, error) {
	var rec model.ConnectorRecord
	var lastConn, lastData sql.NullTime
	err := row.Scan(&rec.ID, &rec.OrganizationID, &rec.Name, &rec.Type, &rec.Vendor,
		&rec.Configuration, &rec.Status, &rec.IsActive, &rec.EventsPerMinute, &rec.ErrorMessage,
		&lastConn, &lastData, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return model.ConnectorRecord{}, err
	}
	if lastConn.Valid {
		rec.LastSuccessfulConnection = lastConn.Time
	}
	if lastData.Valid {
		rec.LastData = lastData.Time
	}
	return rec, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// --- RawEventStore ------------------------------------------------------

func (s *Store) InsertRawEvent(ctx context.Context, e model.RawEvent) error {
	rawJSON, err := json.Marshal(e.RawData)
	if err != nil {
		return fmt.Errorf("pgstore: marshal raw event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO raw_events (id, connector_id, occurred_at, source, message, severity, raw_data, iocs)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.ConnectorID, e.Timestamp, e.Source, e.Message, e.Severity, rawJSON, pq.Array(e.IOCs))
	if err != nil {
		return fmt.Errorf("pgstore: insert raw event %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) GetRawEvent(ctx context.Context, id string) (model.RawEvent, error) {
	var e model.RawEvent
	var rawJSON []byte
	var iocs []string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, connector_id, occurred_at, source, message, severity, raw_data, iocs
		FROM raw_events WHERE id = $1
	`, id).Scan(&e.ID, &e.ConnectorID, &e.Timestamp, &e.Source, &e.Message, &e.Severity, &rawJSON, pq.Array(&iocs))
	if err != nil {
		return model.RawEvent{}, fmt.Errorf("pgstore: get raw event %s: %w", id, err)
	}
	if len(rawJSON) > 0 {
		_ = json.Unmarshal(rawJSON, &e.RawData)
	}
	e.IOCs = iocs
	return e, nil
}

// --- AlertStore -----------------------------------------------------------

func (s *Store) InsertAlert(ctx context.Context, a model.Alert) error {
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("pgstore: marshal alert metadata: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, title, description, severity, source, source_ip, destination_ip,
		                     status, organization_id, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, a.ID, a.Title, a.Description, a.Severity, a.Source, a.SourceIP, a.DestinationIP,
		a.Status, a.OrganizationID, metaJSON, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: insert alert %s: %w", a.ID, err)
	}
	return nil
}

// alertRow is the sqlx struct-scan target for ListAlerts; Metadata stays
// raw JSON here and is decoded into model.Alert.Metadata afterward.
type alertRow struct {
	ID            string    `db:"id"`
	Title         string    `db:"title"`
	Description   string    `db:"description"`
	Severity      string    `db:"severity"`
	Source        string    `db:"source"`
	SourceIP      string    `db:"source_ip"`
	DestinationIP string    `db:"destination_ip"`
	Status        string    `db:"status"`
	OrgID         string    `db:"organization_id"`
	Metadata      []byte    `db:"metadata"`
	CreatedAt     time.Time `db:"created_at"`
}

func (s *Store) ListAlerts(ctx context.Context, orgID string, limit int) ([]model.Alert, error) {
	var rows []alertRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, title, description, severity, source, source_ip, destination_ip, status,
		       organization_id, metadata, created_at
		FROM alerts WHERE organization_id = $1 ORDER BY created_at DESC LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list alerts: %w", err)
	}

	out := make([]model.Alert, 0, len(rows))
	for _, r := range rows {
		a := model.Alert{
			ID: r.ID, Title: r.Title, Description: r.Description,
			Severity: model.Severity(r.Severity), Source: r.Source, SourceIP: r.SourceIP,
			DestinationIP: r.DestinationIP, Status: model.AlertStatus(r.Status),
			OrganizationID: r.OrgID, CreatedAt: r.CreatedAt,
		}
		if len(r.Metadata) > 0 {
			_ = json.Unmarshal(r.Metadata, &a.Metadata)
		}
		out = append(out, a)
	}
	return out, nil
}

// --- ThreatIntelStore -----------------------------------------------------

func (s *Store) InsertIntel(ctx context.Context, t model.ThreatIntel) error {
	iocsJSON, err := json.Marshal(t.IOCs)
	if err != nil {
		return fmt.Errorf("pgstore: marshal intel iocs: %w", err)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threat_intel (id, type, title, description, source, severity, confidence, iocs, relevance, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, t.ID, t.Type, t.Title, t.Description, t.Source, t.Severity, t.Confidence, iocsJSON, t.Relevance, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: insert threat intel %s: %w", t.ID, err)
	}
	return nil
}

// --- ConnectorLogStore ------------------------------------------------------

func (s *Store) AppendLog(ctx context.Context, connectorID int64, message string) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO connector_logs (connector_id, message, created_at)
		VALUES (:connector_id, :message, :created_at)
	`, map[string]interface{}{
		"connector_id": connectorID, "message": message, "created_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("pgstore: append log for connector %d: %w", connectorID, err)
	}
	return nil
}

// --- AgentStore -------------------------------------------------------------

func (s *Store) UpsertAgent(ctx context.Context, a model.Agent) error {
	metricsJSON, err := json.Marshal(a.LastMetrics)
	if err != nil {
		return fmt.Errorf("pgstore: marshal agent metrics: %w", err)
	}
	if a.RegisteredAt.IsZero() {
		a.RegisteredAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, connector_id, hostname, ip, os, version, capabilities,
		                     status, last_heartbeat, token, last_metrics, registered_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (agent_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			ip = EXCLUDED.ip,
			os = EXCLUDED.os,
			version = EXCLUDED.version,
			capabilities = EXCLUDED.capabilities,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			token = EXCLUDED.token,
			last_metrics = EXCLUDED.last_metrics
	`, a.AgentID, a.ConnectorID, a.Hostname, a.IP, a.OS, a.Version, pq.Array(a.Capabilities),
		a.Status, toNullTime(a.LastHeartbeat), a.Token, metricsJSON, a.RegisteredAt)
	if err != nil {
		return fmt.Errorf("pgstore: upsert agent %s: %w", a.AgentID, err)
	}
	return nil
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	var a model.Agent
	var caps []string
	var metricsJSON []byte
	var lastHB sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, connector_id, hostname, ip, os, version, capabilities, status,
		       last_heartbeat, token, last_metrics, registered_at
		FROM agents WHERE agent_id = $1
	`, agentID).Scan(&a.AgentID, &a.ConnectorID, &a.Hostname, &a.IP, &a.OS, &a.Version,
		pq.Array(&caps), &a.Status, &lastHB, &a.Token, &metricsJSON, &a.RegisteredAt)
	if err != nil {
		return model.Agent{}, fmt.Errorf("pgstore: get agent %s: %w", agentID, err)
	}
	a.Capabilities = caps
	if lastHB.Valid {
		a.LastHeartbeat = lastHB.Time
	}
	if len(metricsJSON) > 0 {
		_ = json.Unmarshal(metricsJSON, &a.LastMetrics)
	}
	return a, nil
}

func (s *Store) ListAgents(ctx context.Context, connectorID int64) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, connector_id, hostname, ip, os, version, capabilities, status,
		       last_heartbeat, token, last_metrics, registered_at
		FROM agents WHERE connector_id = $1 ORDER BY hostname
	`, connectorID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list agents: %w", err)
	}
	defer rows.Close()

	var out []model.Agent
	for rows.Next() {
		var a model.Agent
		var caps []string
		var metricsJSON []byte
		var lastHB sql.NullTime
		if err := rows.Scan(&a.AgentID, &a.ConnectorID, &a.Hostname, &a.IP, &a.OS, &a.Version,
			pq.Array(&caps), &a.Status, &lastHB, &a.Token, &metricsJSON, &a.RegisteredAt); err != nil {
			return nil, err
		}
		a.Capabilities = caps
		if lastHB.Valid {
			a.LastHeartbeat = lastHB.Time
		}
		if len(metricsJSON) > 0 {
			_ = json.Unmarshal(metricsJSON, &a.LastMetrics)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
