package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrWorkerNotFound is returned when a worker lookup finds nothing.
var ErrWorkerNotFound = errors.New("worker not found")

// ErrActiveSlotTaken is the store-level backstop for the one-active-slot rule,
// surfaced when the unique partial index rejects an insert.
var ErrActiveSlotTaken = errors.New("active worker already occupies this (town, role, instance) slot")

// CreateWorker inserts a new worker row, persisting the STARTING
// transition before any external side effect per the ordering guarantee
// at the storage layer.
func (s *Store) CreateWorker(ctx context.Context, w *Worker) error {
	_, err := withRetry(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `
			INSERT INTO workers (
				id, town_id, role, instance, pid, status, started_at, stopped_at,
				last_heartbeat, exit_code, error_message, restart_count, auto_restart,
				log_path, heartbeat_path, predecessor
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.TownID, w.Role, w.Instance, nullableInt(w.PID), string(w.Status),
			nullableTime(w.StartedAt), nullableTime(w.StoppedAt), nullableTime(w.LastHeartbeat),
			nullableIntPtr(w.ExitCode), w.ErrorMessage, w.RestartCount, boolToInt(w.AutoRestart),
			w.LogPath, w.HeartbeatPath, w.Predecessor,
		)
	})
	if err != nil {
		if isUniqueConstraint(err) {
			return ErrActiveSlotTaken
		}
		return fmt.Errorf("creating worker: %w", err)
	}
	return nil
}

// UpdateWorker persists the full current state of a worker record. All
// lifecycle transitions go through this single entry point so the store
// write always happens before the coordinator issues external effects.
func (s *Store) UpdateWorker(ctx context.Context, w *Worker) error {
	_, err := withRetry(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `
			UPDATE workers SET
				pid = ?, status = ?, started_at = ?, stopped_at = ?, last_heartbeat = ?,
				exit_code = ?, error_message = ?, restart_count = ?, auto_restart = ?
			WHERE id = ?`,
			nullableInt(w.PID), string(w.Status), nullableTime(w.StartedAt), nullableTime(w.StoppedAt),
			nullableTime(w.LastHeartbeat), nullableIntPtr(w.ExitCode), w.ErrorMessage,
			w.RestartCount, boolToInt(w.AutoRestart), w.ID,
		)
	})
	if err != nil {
		return fmt.Errorf("updating worker: %w", err)
	}
	return nil
}

const workerColumns = `id, town_id, role, instance, pid, status, started_at, stopped_at,
	last_heartbeat, exit_code, error_message, restart_count, auto_restart,
	log_path, heartbeat_path, predecessor`

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	return scanWorker(row)
}

// WorkerFilter narrows ListWorkers by optional fields; zero values mean
// "don't filter on this field".
type WorkerFilter struct {
	TownID string
	Role   string
	Status WorkerStatus
}

// ListWorkers returns workers matching the filter, ordered by id.
func (s *Store) ListWorkers(ctx context.Context, filter WorkerFilter) ([]*Worker, error) {
	query := `SELECT ` + workerColumns + ` FROM workers WHERE 1=1`
	var args []any
	if filter.TownID != "" {
		query += ` AND town_id = ?`
		args = append(args, filter.TownID)
	}
	if filter.Role != "" {
		query += ` AND role = ?`
		args = append(args, filter.Role)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()

	var out []*Worker
	for rows.Next() {
		w, err := scanWorkerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// FindActiveSlot finds the current live record for a (town, role,
// instance) triple, returning nil with no error when the slot is free.
func (s *Store) FindActiveSlot(ctx context.Context, townID, role string, instance int) (*Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers
		WHERE town_id = ? AND role = ? AND instance = ?
		AND status IN ('STARTING','RUNNING','STOPPING') LIMIT 1`, townID, role, instance)
	w, err := scanWorker(row)
	if errors.Is(err, ErrWorkerNotFound) {
		return nil, nil
	}
	return w, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorker(row *sql.Row) (*Worker, error) {
	w, err := scanWorkerRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkerNotFound
	}
	return w, err
}

func scanWorkerRows(row rowScanner) (*Worker, error) {
	var w Worker
	var pid sql.NullInt64
	var status string
	var startedAt, stoppedAt, lastHeartbeat sql.NullString
	var exitCode sql.NullInt64
	var autoRestart int

	err := row.Scan(&w.ID, &w.TownID, &w.Role, &w.Instance, &pid, &status, &startedAt, &stoppedAt,
		&lastHeartbeat, &exitCode, &w.ErrorMessage, &w.RestartCount, &autoRestart,
		&w.LogPath, &w.HeartbeatPath, &w.Predecessor)
	if err != nil {
		return nil, fmt.Errorf("scanning worker: %w", err)
	}

	w.Status = WorkerStatus(status)
	w.AutoRestart = autoRestart != 0
	if pid.Valid {
		w.PID = int(pid.Int64)
	}
	if ts, ok := parseTime(startedAt.String); ok && startedAt.Valid {
		w.StartedAt = &ts
	}
	if ts, ok := parseTime(stoppedAt.String); ok && stoppedAt.Valid {
		w.StoppedAt = &ts
	}
	if ts, ok := parseTime(lastHeartbeat.String); ok && lastHeartbeat.Valid {
		w.LastHeartbeat = &ts
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		w.ExitCode = &code
	}
	return &w, nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
