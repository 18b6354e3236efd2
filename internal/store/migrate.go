package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: runs, items, attempts",
		SQL: `
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			message_id  TEXT NOT NULL,
			overall     TEXT NOT NULL,
			recipients  INTEGER DEFAULT 0,
			delivered   INTEGER DEFAULT 0,
			abandoned   INTEGER DEFAULT 0,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

		CREATE TABLE IF NOT EXISTS items (
			run_id         TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			recipient_pos  INTEGER NOT NULL,
			recipient      TEXT NOT NULL,
			item_index     INTEGER NOT NULL,
			type           TEXT NOT NULL,
			state          TEXT NOT NULL,
			abandon_reason TEXT DEFAULT '',
			PRIMARY KEY (run_id, recipient_pos, item_index)
		);

		CREATE TABLE IF NOT EXISTS attempts (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			recipient   TEXT NOT NULL,
			item_index  INTEGER NOT NULL,
			attempt     INTEGER NOT NULL,
			stage       TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			reason      TEXT DEFAULT '',
			duration_ns INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_attempts_run ON attempts(run_id, id);
		`,
	},
	{
		Version:     2,
		Description: "v2: run trigger (manual | schedule)",
		SQL: `
		ALTER TABLE runs ADD COLUMN triggered_by TEXT DEFAULT 'manual';
		`,
	},
}

// RunMigrations applies all pending schema migrations.
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

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
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
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for a fresh database.
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
