package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// baseSchema is the latest shape of every table. Fresh installs get this
// directly; older databases are patched up to it by the migrations below.
const baseSchema = `
CREATE TABLE IF NOT EXISTS meetings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	date INTEGER NOT NULL,
	duration REAL,
	platform TEXT,
	url TEXT,
	status TEXT NOT NULL DEFAULT 'processing',
	audio_file TEXT,
	extracted_data TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transcripts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	meeting_id INTEGER NOT NULL UNIQUE REFERENCES meetings(id) ON DELETE CASCADE,
	full_text TEXT NOT NULL,
	formatted TEXT NOT NULL DEFAULT '',
	summary TEXT,
	stats TEXT,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS segments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	meeting_id INTEGER NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
	speaker TEXT NOT NULL,
	text TEXT NOT NULL,
	start_time REAL NOT NULL,
	end_time REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_segments_meeting ON segments(meeting_id, start_time);

CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL UNIQUE,
	meeting_id INTEGER NOT NULL REFERENCES meetings(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'queued',
	result TEXT,
	error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS _schema_version (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL
);
`

// Migration is one append-only schema upgrade. Shipped migrations must never
// be edited or reordered; add a new version instead.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "meetings.audio_file for playback of the uploaded track",
		Statements: []string{
			`ALTER TABLE meetings ADD COLUMN audio_file TEXT`,
		},
	},
	{
		Version:     2,
		Description: "meetings.extracted_data for LLM summary/actions",
		Statements: []string{
			`ALTER TABLE meetings ADD COLUMN extracted_data TEXT`,
		},
	},
	{
		Version:     3,
		Description: "index jobs by status for startup cleanup",
		Statements: []string{
			`CREATE INDEX idx_jobs_status ON jobs(status)`,
		},
	},
}

func latestVersion() int {
	v := 0
	for _, m := range migrations {
		if m.Version > v {
			v = m.Version
		}
	}
	return v
}

// Migrate brings the database to the current schema. A brand-new database
// (no base table present) is created at the latest shape and its version row
// seeded to the highest declared migration; an existing database seeds 0 and
// replays every migration, each in its own transaction which also bumps the
// version row. Statements failing with an already-applied structural error
// ("duplicate column name", "already exists") are skipped individually; any
// other error aborts.
func (s *Store) Migrate(ctx context.Context) error {
	fresh, err := s.isFresh(ctx)
	if err != nil {
		return fmt.Errorf("store: detect fresh database: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, baseSchema); err != nil {
		return fmt.Errorf("store: create base schema: %w", err)
	}

	seed := 0
	if fresh {
		seed = latestVersion()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO _schema_version (id, version) VALUES (1, ?)`, seed); err != nil {
		return fmt.Errorf("store: seed schema version: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT version FROM _schema_version WHERE id = 1`).Scan(&current); err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("store: migration %d (%s): %w", m.Version, m.Description, err)
		}
		s.logger.Info("Schema migrated", "version", m.Version, "description", m.Description)
		current = m.Version
	}

	return nil
}

// applyMigration runs one migration inside a single transaction, updating the
// version row atomically with its statements.
func (s *Store) applyMigration(ctx context.Context, m Migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if isAlreadyApplied(err) {
				s.logger.Debug("Migration statement already applied",
					"version", m.Version, "statement", stmt, "error", err)
				continue
			}
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE _schema_version SET version = ? WHERE id = 1`, m.Version); err != nil {
		return err
	}

	return tx.Commit()
}

// isFresh reports whether none of the base tables exist yet.
func (s *Store) isFresh(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name IN ('meetings', 'transcripts', 'segments', 'jobs')
	`).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// SchemaVersion returns the current version row.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM _schema_version WHERE id = 1`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

// isAlreadyApplied matches errors produced by re-running structural DDL on a
// database that predates the version table.
func isAlreadyApplied(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column name") ||
		strings.Contains(msg, "already exists")
}
