package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.0.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
}

const migrationV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Canonical catalog table. search_text and the embedding columns are
-- derived data, recomputable from the canonical fields.
CREATE TABLE IF NOT EXISTS catalog_items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_number INTEGER NOT NULL UNIQUE,
    description TEXT NOT NULL DEFAULT '',
    short_description TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    sub_category TEXT NOT NULL DEFAULT '',
    item_group TEXT NOT NULL DEFAULT '',
    sub_group TEXT NOT NULL DEFAULT '',
    provider_type TEXT NOT NULL DEFAULT '',
    schedule_fee REAL NOT NULL DEFAULT 0,
    benefit_75 REAL NOT NULL DEFAULT 0,
    benefit_85 REAL NOT NULL DEFAULT 0,
    benefit_100 REAL NOT NULL DEFAULT 0,
    derived_fee TEXT NOT NULL DEFAULT '',
    anaesthetic INTEGER NOT NULL DEFAULT 0,
    basic_units INTEGER NOT NULL DEFAULT 0,
    start_date TIMESTAMP,
    end_date TIMESTAMP,
    is_active INTEGER NOT NULL DEFAULT 1,
    search_text TEXT NOT NULL DEFAULT '',
    embedding BLOB,
    embedding_dim INTEGER,
    embedding_model TEXT,
    embedded_at TIMESTAMP,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_items_provider ON catalog_items(provider_type);
CREATE INDEX IF NOT EXISTS idx_items_category ON catalog_items(category);
CREATE INDEX IF NOT EXISTS idx_items_fee ON catalog_items(schedule_fee);
CREATE INDEX IF NOT EXISTS idx_items_active ON catalog_items(is_active);
CREATE INDEX IF NOT EXISTS idx_items_embedded ON catalog_items(embedded_at);

-- Full-text search over the precomputed lexical index column
CREATE VIRTUAL TABLE IF NOT EXISTS catalog_fts USING fts5(
    search_text,
    content='catalog_items',
    content_rowid='id'
);

-- Triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS catalog_ai AFTER INSERT ON catalog_items BEGIN
    INSERT INTO catalog_fts(rowid, search_text)
    VALUES (new.id, new.search_text);
END;

CREATE TRIGGER IF NOT EXISTS catalog_ad AFTER DELETE ON catalog_items BEGIN
    INSERT INTO catalog_fts(catalog_fts, rowid, search_text)
    VALUES ('delete', old.id, old.search_text);
END;

CREATE TRIGGER IF NOT EXISTS catalog_au AFTER UPDATE OF search_text ON catalog_items BEGIN
    INSERT INTO catalog_fts(catalog_fts, rowid, search_text)
    VALUES ('delete', old.id, old.search_text);
    INSERT INTO catalog_fts(rowid, search_text)
    VALUES (new.id, new.search_text);
END;

-- Ingestion audit trail, one row per distinct file content. A completed
-- run is a permanent idempotency marker for its hash.
CREATE TABLE IF NOT EXISTS ingestion_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content_hash TEXT NOT NULL,
    file_name TEXT NOT NULL DEFAULT '',
    file_size INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'processing',
    items_processed INTEGER NOT NULL DEFAULT 0,
    items_inserted INTEGER NOT NULL DEFAULT 0,
    items_updated INTEGER NOT NULL DEFAULT 0,
    items_failed INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    error_detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_hash ON ingestion_runs(content_hash);
CREATE INDEX IF NOT EXISTS idx_runs_status ON ingestion_runs(status);
`

const migrationV1Down = `
DROP TRIGGER IF EXISTS catalog_au;
DROP TRIGGER IF EXISTS catalog_ad;
DROP TRIGGER IF EXISTS catalog_ai;

DROP TABLE IF EXISTS ingestion_runs;
DROP TABLE IF EXISTS catalog_fts;
DROP TABLE IF EXISTS catalog_items;
`

// SchemaVersion reports the most recently applied migration version.
// Returns "0.0.0" for a database with no migrations applied.
func SchemaVersion(ctx context.Context, db *sql.DB) (string, error) {
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if err == sql.ErrNoRows {
		return "0.0.0", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version string
	err = db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows || version == "" {
		return "0.0.0", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read schema_version: %w", err)
	}
	return version, nil
}

// ApplyMigrations runs all pending migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	currentVersionStr, err := SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	currentVersion, err := semver.NewVersion(currentVersionStr)
	if err != nil {
		return fmt.Errorf("invalid current schema version %s: %w", currentVersionStr, err)
	}

	// Run migrations in order
	for _, migration := range AllMigrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		if !currentVersion.LessThan(migrationVersion) {
			continue // Already applied
		}

		_, err = db.ExecContext(ctx, migration.Up)
		if err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}

		_, err = db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version)
		if err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}

		currentVersion = migrationVersion
	}

	return nil
}

// RollbackMigration rolls back the most recent migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	var currentVersion string
	err := db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("no migrations to rollback: %w", err)
	}

	var migration *Migration
	for i := range AllMigrations {
		if AllMigrations[i].Version == currentVersion {
			migration = &AllMigrations[i]
			break
		}
	}

	if migration == nil {
		return fmt.Errorf("migration %s not found", currentVersion)
	}

	_, err = db.ExecContext(ctx, migration.Down)
	if err != nil {
		return fmt.Errorf("failed to rollback migration %s: %w", currentVersion, err)
	}

	_, err = db.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", currentVersion)
	if err != nil {
		return fmt.Errorf("failed to remove migration record %s: %w", currentVersion, err)
	}

	return nil
}
