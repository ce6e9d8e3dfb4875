// Package store persists engines, hosts, runner assignments and jobs in a
// single SQLite database under the data dir.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS engines (
	variant_id    TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	display_name  TEXT NOT NULL,
	version       TEXT NOT NULL,
	category      TEXT NOT NULL,
	host_id       TEXT NOT NULL,
	enabled       INTEGER NOT NULL DEFAULT 1,
	installed     INTEGER NOT NULL DEFAULT 1,
	keep_running  INTEGER NOT NULL DEFAULT 0,
	default_model TEXT NOT NULL DEFAULT '',
	image         TEXT NOT NULL DEFAULT '',
	path          TEXT NOT NULL DEFAULT '',
	manifest_hash TEXT NOT NULL DEFAULT '',
	manifest      TEXT NOT NULL DEFAULT '{}',
	updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS hosts (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	address    TEXT NOT NULL DEFAULT '',
	ssh_user   TEXT NOT NULL DEFAULT '',
	ssh_port   INTEGER NOT NULL DEFAULT 22,
	available  INTEGER NOT NULL DEFAULT 0,
	has_gpu    INTEGER NOT NULL DEFAULT 0,
	last_seen  TIMESTAMP,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS runner_assignments (
	engine    TEXT PRIMARY KEY,
	runner_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	status       TEXT NOT NULL,
	variant_id   TEXT NOT NULL,
	model        TEXT NOT NULL DEFAULT '',
	params       TEXT NOT NULL DEFAULT '{}',
	items        TEXT NOT NULL DEFAULT '[]',
	total        INTEGER NOT NULL DEFAULT 0,
	processed    INTEGER NOT NULL DEFAULT 0,
	failed       INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMP NOT NULL,
	started_at   TIMESTAMP,
	completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_engines_host ON engines(host_id);
`

// Store wraps the SQLite handle. All methods are safe for concurrent use;
// go-sqlite3 serializes writers internally and busy_timeout covers the rest.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_fk=1")
	if err != nil {
		return nil, fmt.Errorf("open db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}
