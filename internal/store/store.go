// Package store implements the crash-safe worker-state registry:
// an embedded SQL database in WAL mode, holding the Town and Worker
// tables that back every other component.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/steveyegge/mabd/internal/util"
)

// ErrCorrupt is returned by Open when the database fails its integrity
// check; callers must treat this as fatal.
var ErrCorrupt = errors.New("store_corrupt")

// Store wraps the worker-state database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path, puts it
// in WAL mode, sets a bounded busy-timeout, verifies integrity, and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	db.SetMaxOpenConns(1) // one connection: every read and write is serialised through it

	s := &Store{db: db}
	if err := s.checkIntegrity(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating store: %w", err)
	}
	return s, nil
}

func (s *Store) checkIntegrity() error {
	var result string
	if err := s.db.QueryRow(`PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: %s", ErrCorrupt, result)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS towns (
	id               TEXT PRIMARY KEY,
	path             TEXT NOT NULL UNIQUE,
	name             TEXT NOT NULL,
	created_at       TEXT NOT NULL,
	config_overrides TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS workers (
	id              TEXT PRIMARY KEY,
	town_id         TEXT NOT NULL REFERENCES towns(id),
	role            TEXT NOT NULL,
	instance        INTEGER NOT NULL,
	pid             INTEGER,
	status          TEXT NOT NULL,
	started_at      TEXT,
	stopped_at      TEXT,
	last_heartbeat  TEXT,
	exit_code       INTEGER,
	error_message   TEXT NOT NULL DEFAULT '',
	restart_count   INTEGER NOT NULL DEFAULT 0,
	auto_restart    INTEGER NOT NULL DEFAULT 1,
	log_path        TEXT NOT NULL,
	heartbeat_path  TEXT NOT NULL,
	predecessor     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_workers_town ON workers(town_id);

-- at most one non-terminal record per (town, role, instance).
CREATE UNIQUE INDEX IF NOT EXISTS idx_workers_active_slot
	ON workers(town_id, role, instance)
	WHERE status IN ('STARTING', 'RUNNING', 'STOPPING');
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry retries transient "database is locked" failures, grounded on
// the generic backoff helper used elsewhere in the daemon.
func withRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return util.Retry(ctx, util.RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2,
		Jitter:       true,
	}, fn)
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
