// Package persistence provides SQLite-backed storage for runs, phases,
// attempts, the deduplicated issue index, governance audit records and token
// estimation events.
package persistence

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 2

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 1:
		return nil // baseline
	case 2:
		return migrateToVersion2(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the estimation_events calibration table.
func migrateToVersion2(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS estimation_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			phase_id TEXT NOT NULL,
			category TEXT NOT NULL,
			complexity TEXT NOT NULL,
			predicted_budget INTEGER NOT NULL,
			enforced_ceiling INTEGER NOT NULL,
			actual_tokens BIGINT DEFAULT 0,
			truncated INTEGER DEFAULT 0,
			recorded_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		"CREATE INDEX IF NOT EXISTS idx_estimation_category ON estimation_events(category)",
	}
	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %s: %w", migration, err)
		}
	}
	return nil
}

func createSchema(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project TEXT NOT NULL,
			state TEXT NOT NULL CHECK (state IN ('PENDING','EXECUTING','ABORTING','SUCCEEDED','FAILED')),
			safety_profile TEXT,
			max_tokens BIGINT DEFAULT 0,
			max_wall_clock_ns BIGINT DEFAULT 0,
			max_attempts INTEGER DEFAULT 0,
			tokens_used BIGINT DEFAULT 0,
			cost_usd DECIMAL(10,4) DEFAULT 0.0,
			abort_requested INTEGER DEFAULT 0,
			created_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			completed_at DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS tiers (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			name TEXT,
			clean INTEGER DEFAULT 1,
			promoted INTEGER DEFAULT 0,
			PRIMARY KEY (run_id, idx)
		)`,

		`CREATE TABLE IF NOT EXISTS phases (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			tier_idx INTEGER NOT NULL,
			title TEXT NOT NULL,
			spec TEXT,
			category TEXT NOT NULL,
			complexity TEXT DEFAULT 'medium',
			deliverables TEXT,
			allowed_paths TEXT,
			protected_paths TEXT,
			allow_growth INTEGER DEFAULT 0,
			validation_command TEXT,
			state TEXT NOT NULL CHECK (state IN ('QUEUED','EXECUTING','GATE','CI_RUNNING','BLOCKED','COMPLETE','NEEDS_REVIEW','FAILED')),
			attempt_count INTEGER DEFAULT 0,
			pending_governance_id TEXT,
			failure_reason TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS attempts (
			phase_id TEXT NOT NULL REFERENCES phases(id) ON DELETE CASCADE,
			idx INTEGER NOT NULL,
			builder_provider TEXT,
			builder_model TEXT,
			auditor_provider TEXT,
			auditor_model TEXT,
			prompt_tokens BIGINT DEFAULT 0,
			output_tokens BIGINT DEFAULT 0,
			cost_usd DECIMAL(10,4) DEFAULT 0.0,
			outcome TEXT NOT NULL,
			detail TEXT,
			started_at DATETIME,
			finished_at DATETIME,
			PRIMARY KEY (phase_id, idx)
		)`,

		// Run-level deduplicated issue index: one row per (run, key).
		`CREATE TABLE IF NOT EXISTS issues (
			run_id TEXT NOT NULL,
			key TEXT NOT NULL,
			category TEXT NOT NULL,
			scope_path TEXT NOT NULL,
			symptom TEXT NOT NULL,
			message TEXT,
			severity TEXT NOT NULL CHECK (severity IN ('minor','major')),
			effective_severity TEXT NOT NULL CHECK (effective_severity IN ('minor','major')),
			source TEXT NOT NULL,
			occurrences INTEGER DEFAULT 1,
			first_seen_run TEXT,
			last_seen_run TEXT,
			last_seen_at DATETIME,
			PRIMARY KEY (run_id, key)
		)`,

		`CREATE TABLE IF NOT EXISTS governance_requests (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			phase_id TEXT NOT NULL,
			paths TEXT NOT NULL,
			reason TEXT,
			status TEXT NOT NULL CHECK (status IN ('PENDING','APPROVED','DENIED')),
			approver TEXT,
			requested_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			resolved_at DATETIME
		)`,
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_phases_run ON phases(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_phases_state ON phases(state)",
		"CREATE INDEX IF NOT EXISTS idx_attempts_phase ON attempts(phase_id)",
		"CREATE INDEX IF NOT EXISTS idx_issues_run ON issues(run_id)",
		"CREATE INDEX IF NOT EXISTS idx_issues_key ON issues(key)",
		"CREATE INDEX IF NOT EXISTS idx_governance_status ON governance_requests(status)",
		"CREATE INDEX IF NOT EXISTS idx_governance_run ON governance_requests(run_id)",
	}

	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, ddl := range indices {
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := migrateToVersion2(db); err != nil {
		return err
	}
	if err := setSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version)
	if err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}
