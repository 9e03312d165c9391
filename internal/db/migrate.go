// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations. Append-only;
// never edit an applied migration in place.
var migrations = []Migration{
	{
		Version:     1,
		Description: "resources, edit locks, drafts, takeover requests",
		SQL: `
	CREATE TABLE resources (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		current_version INTEGER NOT NULL DEFAULT 1 CHECK(current_version >= 1),
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE edit_locks (
		resource_id TEXT PRIMARY KEY REFERENCES resources(id) ON DELETE CASCADE,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		acquired_at INTEGER NOT NULL,
		last_heartbeat INTEGER NOT NULL
	);

	CREATE TABLE drafts (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		base_version INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active'
			CHECK(status IN ('active', 'expired', 'submitted')),
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(resource_id, user_id)
	);

	CREATE TABLE takeover_requests (
		id TEXT PRIMARY KEY,
		resource_id TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
		requester_session_id TEXT NOT NULL,
		requester_user_id TEXT NOT NULL,
		target_session_id TEXT NOT NULL,
		target_user_id TEXT NOT NULL,
		is_same_user INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK(status IN ('pending', 'approved', 'rejected', 'expired', 'cancelled')),
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX idx_requests_one_pending
		ON takeover_requests(resource_id, target_session_id)
		WHERE status = 'pending';
	CREATE INDEX idx_requests_target ON takeover_requests(target_session_id, status);
	CREATE INDEX idx_requests_expiry ON takeover_requests(status, expires_at);
	CREATE INDEX idx_drafts_status ON drafts(status, updated_at);
	`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Migrate applies all pending migrations in order.
func (m *Migrator) Migrate() error {
	if err := m.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}
		if err := m.apply(mig); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}
	}
	return nil
}

// apply runs a single migration and records it, atomically.
func (m *Migrator) apply(mig Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(mig.SQL); err != nil {
		return err
	}

	sum := sha256.Sum256([]byte(mig.SQL))
	_, err = tx.Exec(
		"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		mig.Version, time.Now().Unix(), mig.Description, hex.EncodeToString(sum[:]),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}
