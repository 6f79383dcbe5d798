package registry

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the registry schema in-place.
//
// The schema supports:
// - resource identity + ownership + derived file state
// - one job record per resource (current or most recent attempt)
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS resources (
			resource_id TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at TEXT NOT NULL,
			has_config INTEGER NOT NULL DEFAULT 0,
			source_count INTEGER NOT NULL DEFAULT 0,
			has_exports INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_resources_owner ON resources(owner);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			resource_id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL,
			run_id TEXT,
			pid INTEGER NOT NULL DEFAULT 0,
			queued_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			warnings TEXT,
			errors TEXT,
			input_fingerprint TEXT,
			staged_fingerprint TEXT,
			installed_search INTEGER NOT NULL DEFAULT 0,
			installed_explore INTEGER NOT NULL DEFAULT 0,
			abort_requested INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(resource_id) REFERENCES resources(resource_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_queued_at ON jobs(queued_at);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	// v1 databases predate the staged_fingerprint column; the CREATE above
	// only covers fresh databases.
	var current int
	if err := tx.QueryRowContext(ctx,
		`SELECT schema_version FROM schema_meta WHERE id = 1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current == 1 {
		if _, err := tx.ExecContext(ctx,
			`ALTER TABLE jobs ADD COLUMN staged_fingerprint TEXT`); err != nil {
			return fmt.Errorf("add staged_fingerprint column: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE schema_meta SET schema_version = ? WHERE id = 1 AND schema_version < ?`,
		SchemaVersion, SchemaVersion,
	); err != nil {
		return fmt.Errorf("bump schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
