package migrations_test

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/socops/ingestcore/internal/ingestion/storage/migrations"
)

// TestApplyIsIdempotent mirrors the teacher's integration-test style:
// skip without a real Postgres DSN rather than mocking golang-migrate's
// own schema_migrations bookkeeping, which sqlmock cannot faithfully
// reproduce (advisory locks, dirty-state tracking).
func TestApplyIsIdempotent(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, migrations.Apply(context.Background(), db))
	require.NoError(t, migrations.Apply(context.Background(), db), "second Apply must be a no-op, not an error")

	var count int
	err = db.QueryRow(`SELECT count(*) FROM information_schema.tables WHERE table_name = 'connectors'`).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}
