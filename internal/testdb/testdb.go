// Package testdb opens the integration test database. Tests that need a
// real PostgreSQL instance call Open and are skipped when none is
// configured, so a plain test run stays self-contained.
package testdb

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/stretchr/testify/require"

	"github.com/queueworks/chainq/internal/platform/postgres"
)

// EnvDatabaseURL names the environment variable carrying the integration
// test database URL.
const EnvDatabaseURL = "CHAINQ_TEST_DATABASE_URL"

// pingTimeout bounds the connectivity check before a test runs.
const pingTimeout = 5 * time.Second

// Open connects to the integration test database and applies pending
// schema migrations. The calling test is skipped when EnvDatabaseURL is
// unset. The connection is closed when the test finishes.
func Open(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv(EnvDatabaseURL)
	if url == "" {
		t.Skipf("set %s to run tests against PostgreSQL", EnvDatabaseURL)
	}

	db, err := sql.Open("pgx", url)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	require.NoError(t, db.PingContext(ctx), "failed to ping test database")
	require.NoError(t, postgres.Migrate(ctx, db), "failed to migrate test database")

	return db
}

// WithTx runs fn inside a transaction that is rolled back when fn returns,
// so tests sharing a database never see each other's rows.
func WithTx(t *testing.T, db *sql.DB, fn func(tx *sql.Tx)) {
	t.Helper()

	tx, err := db.Begin()
	require.NoError(t, err, "failed to begin test transaction")
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.Errorf("failed to roll back test transaction: %v", err)
		}
	}()

	fn(tx)
}
