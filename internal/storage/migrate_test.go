package storage

import (
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func testRawDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestRunMigrations_FreshDB(t *testing.T) {
	db := testRawDB(t)
	require.NoError(t, RunMigrations(db, testLogger()))

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := testRawDB(t)
	logger := testLogger()

	require.NoError(t, RunMigrations(db, logger))
	require.NoError(t, RunMigrations(db, logger), "second run must be a no-op")

	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)
}

func TestRunMigrations_CreatesExpectedTables(t *testing.T) {
	db := testRawDB(t)
	require.NoError(t, RunMigrations(db, testLogger()))

	expectedTables := []string{
		"storage_meta", "bots", "bot_versions", "channels", "devices",
		"memories", "conversations", "dedup_records",
		"protocol_local", "protocol_identities", "protocol_sessions",
		"protocol_pre_keys", "protocol_signed_pre_keys", "protocol_kyber_pre_keys",
		"protocol_sender_keys", "content_contacts", "content_groups",
		"content_profile_keys", "content_messages", "schema_version",
	}
	for _, table := range expectedTables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %s should exist", table)
	}
}

func TestRunMigrations_RecoversPartiallyAppliedVersion(t *testing.T) {
	db := testRawDB(t)
	// A table from v1 exists but no version was recorded.
	_, err := db.Exec(`CREATE TABLE bots (id TEXT PRIMARY KEY, version_id TEXT NOT NULL, created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL)`)
	require.NoError(t, err)

	require.NoError(t, RunMigrations(db, testLogger()))
	version, err := GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)
}

func TestRunMigrations_RejectsNewerSchema(t *testing.T) {
	db := testRawDB(t)
	require.NoError(t, RunMigrations(db, testLogger()))
	_, err := db.Exec("INSERT INTO schema_version (version, description) VALUES (?, 'future')", schemaVersion+1)
	require.NoError(t, err)

	assert.Error(t, RunMigrations(db, testLogger()))
}

func TestGetSchemaVersion_EmptyDB(t *testing.T) {
	version, err := GetSchemaVersion(testRawDB(t))
	require.NoError(t, err)
	assert.Zero(t, version)
}
