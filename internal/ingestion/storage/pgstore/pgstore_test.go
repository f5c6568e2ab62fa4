package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/socops/ingestcore/internal/ingestion/model"
)

func TestUpsertConnectorInsertsWhenIDZero(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO connectors").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))

	store := New(db)
	rec := model.ConnectorRecord{
		OrganizationID: "org-1",
		Name:           "splunk-prod",
		Type:           model.ConnectorAPI,
		Vendor:         "splunk",
		Status:         model.StatusActive,
		IsActive:       true,
	}
	err = store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertConnectorUpdatesWhenIDSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO connectors").WillReturnResult(sqlmock.NewResult(0, 1))

	store := New(db)
	rec := model.ConnectorRecord{
		ID:             7,
		OrganizationID: "org-1",
		Name:           "splunk-prod",
		Type:           model.ConnectorAPI,
		Status:         model.StatusActive,
		IsActive:       true,
	}
	err = store.Upsert(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConnectorScansRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "organization_id", "name", "type", "vendor", "configuration", "status", "is_active",
		"events_per_minute", "error_message", "last_successful_connection", "last_data",
		"created_at", "updated_at",
	}).AddRow(int64(7), "org-1", "splunk-prod", "api", "splunk", []byte(`{}`), "active", true,
		12.5, "", now, now, now, now)
	mock.ExpectQuery("SELECT .* FROM connectors WHERE id").WillReturnRows(rows)

	store := New(db)
	rec, err := store.Get(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(7), rec.ID)
	require.Equal(t, model.ConnectorAPI, rec.Type)
	require.True(t, rec.IsActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusNoRowsReturnsErrNoRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE connectors SET status").WillReturnResult(sqlmock.NewResult(0, 0))

	store := New(db)
	err = store.UpdateStatus(context.Background(), 99, model.StatusError, "boom")
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRawEventIsIdempotentOnConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO raw_events").WillReturnResult(sqlmock.NewResult(0, 0))

	store := New(db)
	err = store.InsertRawEvent(context.Background(), model.RawEvent{
		ID:          "evt-1",
		ConnectorID: 7,
		Timestamp:   time.Now().UTC(),
		Severity:    model.RawInfo,
		RawData:     map[string]interface{}{"k": "v"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertAgentExecutesInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO agents").WillReturnResult(sqlmock.NewResult(0, 1))

	store := New(db)
	err = store.UpsertAgent(context.Background(), model.Agent{
		AgentID:      "agent-1",
		ConnectorID:  7,
		Hostname:     "host-a",
		Capabilities: []string{"fim", "edr"},
		Status:       model.AgentActive,
		Token:        "tok",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
