package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 4

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
// Every timestamp column holds Unix milliseconds. Accounts and remote
// addresses are looked up by keyed digest and otherwise only stored sealed.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: storage_meta, bots, bot_versions, channels, devices",
		SQL: `
		CREATE TABLE IF NOT EXISTS storage_meta (
			name   TEXT PRIMARY KEY,
			value  BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bots (
			id          TEXT PRIMARY KEY,
			version_id  TEXT NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bot_versions (
			id              TEXT PRIMARY KEY,
			bot_id          TEXT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			definition      BLOB NOT NULL,
			engine_version  TEXT DEFAULT '',
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_bot_versions_bot ON bot_versions(bot_id, created_at);

		CREATE TABLE IF NOT EXISTS channels (
			id              TEXT PRIMARY KEY,
			bot_id          TEXT NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			kind            TEXT NOT NULL,
			account_digest  TEXT NOT NULL UNIQUE,
			account         BLOB NOT NULL,
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_channels_bot ON channels(bot_id);

		CREATE TABLE IF NOT EXISTS devices (
			account     TEXT NOT NULL,
			device_id   INTEGER NOT NULL,
			name        BLOB,
			state       TEXT NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (account, device_id)
		);
		`,
	},
	{
		Version:     2,
		Description: "v2: memories, conversations, dedup_records",
		SQL: `
		CREATE TABLE IF NOT EXISTS memories (
			bot_id      TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			key         TEXT NOT NULL,
			type        TEXT NOT NULL,
			value       BLOB NOT NULL,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			expires_at  INTEGER,
			UNIQUE (bot_id, user_id, key)
		);
		CREATE INDEX IF NOT EXISTS idx_memories_bot ON memories(bot_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			bot_id      TEXT NOT NULL,
			channel_id  TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			flow_id     TEXT NOT NULL,
			step_id     TEXT NOT NULL,
			status      TEXT NOT NULL,
			hold        BLOB,
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(bot_id, channel_id, user_id, status);

		CREATE TABLE IF NOT EXISTS dedup_records (
			channel_id  TEXT NOT NULL,
			digest      TEXT NOT NULL,
			seen_at     INTEGER NOT NULL,
			PRIMARY KEY (channel_id, digest)
		);
		CREATE INDEX IF NOT EXISTS idx_dedup_seen ON dedup_records(seen_at);
		`,
	},
	{
		Version:     3,
		Description: "v3: protocol store (local, identities, sessions, pre-keys, sender keys)",
		SQL: `
		CREATE TABLE IF NOT EXISTS protocol_local (
			account  TEXT NOT NULL,
			kind     TEXT NOT NULL,
			name     TEXT NOT NULL,
			value    BLOB NOT NULL,
			PRIMARY KEY (account, kind, name)
		);

		CREATE TABLE IF NOT EXISTS protocol_identities (
			account     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			address     TEXT NOT NULL,
			record      BLOB NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (account, kind, address)
		);

		CREATE TABLE IF NOT EXISTS protocol_sessions (
			account     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			address     TEXT NOT NULL,
			device_id   INTEGER NOT NULL,
			record      BLOB NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (account, kind, address, device_id)
		);

		CREATE TABLE IF NOT EXISTS protocol_pre_keys (
			account  TEXT NOT NULL,
			kind     TEXT NOT NULL,
			key_id   INTEGER NOT NULL,
			record   BLOB NOT NULL,
			PRIMARY KEY (account, kind, key_id)
		);

		CREATE TABLE IF NOT EXISTS protocol_signed_pre_keys (
			account  TEXT NOT NULL,
			kind     TEXT NOT NULL,
			key_id   INTEGER NOT NULL,
			record   BLOB NOT NULL,
			PRIMARY KEY (account, kind, key_id)
		);

		CREATE TABLE IF NOT EXISTS protocol_kyber_pre_keys (
			account      TEXT NOT NULL,
			kind         TEXT NOT NULL,
			key_id       INTEGER NOT NULL,
			record       BLOB NOT NULL,
			last_resort  INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (account, kind, key_id)
		);

		CREATE TABLE IF NOT EXISTS protocol_sender_keys (
			account          TEXT NOT NULL,
			kind             TEXT NOT NULL,
			address          TEXT NOT NULL,
			device_id        INTEGER NOT NULL,
			distribution_id  TEXT NOT NULL,
			record           BLOB NOT NULL,
			PRIMARY KEY (account, kind, address, device_id, distribution_id)
		);
		`,
	},
	{
		Version:     4,
		Description: "v4: content store (contacts, groups, profile keys, message history)",
		SQL: `
		CREATE TABLE IF NOT EXISTS content_contacts (
			account     TEXT NOT NULL,
			contact     TEXT NOT NULL,
			record      BLOB NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (account, contact)
		);

		CREATE TABLE IF NOT EXISTS content_groups (
			account     TEXT NOT NULL,
			group_key   TEXT NOT NULL,
			record      BLOB NOT NULL,
			updated_at  INTEGER NOT NULL,
			PRIMARY KEY (account, group_key)
		);

		CREATE TABLE IF NOT EXISTS content_profile_keys (
			account  TEXT NOT NULL,
			contact  TEXT NOT NULL,
			record   BLOB NOT NULL,
			PRIMARY KEY (account, contact)
		);

		CREATE TABLE IF NOT EXISTS content_messages (
			account  TEXT NOT NULL,
			thread   TEXT NOT NULL,
			sent_at  INTEGER NOT NULL,
			record   BLOB NOT NULL,
			PRIMARY KEY (account, thread, sent_at)
		);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
// It uses a schema_version table to track which migrations have been applied.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion := 0
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}
	if currentVersion > schemaVersion {
		return fmt.Errorf("database schema v%d is newer than this binary (v%d)", currentVersion, schemaVersion)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			"version", m.Version,
			"description", m.Description,
		)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			logger.Warn("migration SQL partially failed, retrying statement by statement",
				"version", m.Version,
				"err", err,
			)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		} else {
			if _, err := tx.Exec(
				"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
				m.Version, m.Description,
			); err != nil {
				tx.Rollback()
				return fmt.Errorf("record migration v%d: %w", m.Version, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit migration v%d: %w", m.Version, err)
			}
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

// applyMigrationStatements applies each SQL statement individually, ignoring
// "duplicate column" or "already exists" errors for idempotency.
func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range splitSQL(m.SQL) {
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func splitSQL(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var tableName string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err != nil {
		return 0, nil // table doesn't exist => version 0
	}

	var version int
	err = db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// LatestSchemaVersion is the version RunMigrations brings a database to.
func LatestSchemaVersion() int { return schemaVersion }
