package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrTownNotFound is returned when a town lookup finds nothing.
var ErrTownNotFound = errors.New("town not found")

// ErrDuplicateTown is returned when a town's canonical path already exists.
var ErrDuplicateTown = errors.New("duplicate town path")

// ErrTownHasLiveWorkers is returned by DeleteTown when non-terminal
// workers still exist and force was not requested.
var ErrTownHasLiveWorkers = errors.New("town has live workers")

// CreateTown inserts a new town row. Returns ErrDuplicateTown if path
// already exists (the town.create "duplicate" error kind).
func (s *Store) CreateTown(ctx context.Context, t *Town) error {
	_, err := withRetry(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx,
			`INSERT INTO towns (id, path, name, created_at, config_overrides) VALUES (?, ?, ?, ?, ?)`,
			t.ID, t.Path, t.Name, t.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"), t.ConfigOverrides,
		)
	})
	if err != nil {
		if isUniqueConstraint(err) {
			return ErrDuplicateTown
		}
		return fmt.Errorf("creating town: %w", err)
	}
	return nil
}

// GetTown fetches a town by id.
func (s *Store) GetTown(ctx context.Context, id string) (*Town, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, name, created_at, config_overrides FROM towns WHERE id = ?`, id)
	return scanTown(row)
}

// GetTownByPath fetches a town by its canonical path.
func (s *Store) GetTownByPath(ctx context.Context, path string) (*Town, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, name, created_at, config_overrides FROM towns WHERE path = ?`, path)
	return scanTown(row)
}

// GetTownByName fetches a town by its human-readable name. Name is not a
// uniqueness key, so this returns the first match.
func (s *Store) GetTownByName(ctx context.Context, name string) (*Town, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, path, name, created_at, config_overrides FROM towns WHERE name = ? LIMIT 1`, name)
	return scanTown(row)
}

func scanTown(row *sql.Row) (*Town, error) {
	var t Town
	var created string
	if err := row.Scan(&t.ID, &t.Path, &t.Name, &created, &t.ConfigOverrides); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTownNotFound
		}
		return nil, fmt.Errorf("scanning town: %w", err)
	}
	if ts, ok := parseTime(created); ok {
		t.CreatedAt = ts
	}
	return &t, nil
}

// ListTowns returns all towns.
func (s *Store) ListTowns(ctx context.Context) ([]*Town, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, name, created_at, config_overrides FROM towns ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing towns: %w", err)
	}
	defer rows.Close()

	var out []*Town
	for rows.Next() {
		var t Town
		var created string
		if err := rows.Scan(&t.ID, &t.Path, &t.Name, &created, &t.ConfigOverrides); err != nil {
			return nil, fmt.Errorf("scanning town row: %w", err)
		}
		if ts, ok := parseTime(created); ok {
			t.CreatedAt = ts
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// CountNonTerminalWorkers returns how many non-terminal workers exist for
// the given town, used to enforce max_workers_per_town.
func (s *Store) CountNonTerminalWorkers(ctx context.Context, townID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE town_id = ? AND status IN ('STARTING','RUNNING','STOPPING')`,
		townID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting workers: %w", err)
	}
	return n, nil
}

// DeleteTown removes a town together with its worker records. Unless
// force is true, it refuses when any non-terminal worker still exists in
// that town.
func (s *Store) DeleteTown(ctx context.Context, id string, force bool) error {
	if !force {
		n, err := s.CountNonTerminalWorkers(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrTownHasLiveWorkers
		}
	}

	_, err := withRetry(ctx, func() (sql.Result, error) {
		// workers.town_id references towns(id), so the town's worker rows
		// go first.
		if _, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE town_id = ?`, id); err != nil {
			return nil, err
		}
		return s.db.ExecContext(ctx, `DELETE FROM towns WHERE id = ?`, id)
	})
	if err != nil {
		return fmt.Errorf("deleting town: %w", err)
	}
	return nil
}

// UpdateTownConfig replaces a town's config_overrides document.
func (s *Store) UpdateTownConfig(ctx context.Context, id, configOverrides string) error {
	_, err := withRetry(ctx, func() (sql.Result, error) {
		return s.db.ExecContext(ctx, `UPDATE towns SET config_overrides = ? WHERE id = ?`, configOverrides, id)
	})
	if err != nil {
		return fmt.Errorf("updating town config: %w", err)
	}
	return nil
}

func isUniqueConstraint(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "constraint failed")
}
