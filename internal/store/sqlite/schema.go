package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SchemaVersion is the current embedded-store schema revision.
const SchemaVersion = 1

// Migrate creates (or upgrades) the jobs/runs/workers schema in-place.
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

		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			argv TEXT NOT NULL,
			workdir TEXT NOT NULL,
			name TEXT,
			tags TEXT,
			config TEXT,
			parent_job_id INTEGER,
			attempt INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			worker_id TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			heartbeat_at TEXT,
			lease_expires_at TEXT,
			cancel_requested_at TEXT,
			pid INTEGER,
			pgid INTEGER,
			exit_code INTEGER,
			error_message TEXT,
			run_id TEXT,
			FOREIGN KEY(parent_job_id) REFERENCES jobs(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at, id);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id);`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			job_id INTEGER,
			name TEXT,
			config TEXT,
			tags TEXT,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			duration_seconds REAL,
			summary TEXT,
			git TEXT,
			hostname TEXT,
			run_dir TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES jobs(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);`,

		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			pid INTEGER,
			hostname TEXT,
			gpu_index INTEGER,
			status TEXT NOT NULL,
			current_job_id INTEGER,
			started_at TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// No incremental migrations yet; this block is the hook for the next
	// schema revision (duplicate-column errors are treated as
	// already-applied so re-running a partial upgrade converges).
	if current < SchemaVersion {
		var noop []string
		for _, stmt := range noop {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	return tx.Commit()
}
