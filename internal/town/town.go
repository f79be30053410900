// Package town implements the town registry: towns are identified
// by canonical absolute path, created explicitly or implicitly on first
// spawn, and may not be deleted while live workers remain unless forced.
package town

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/steveyegge/mabd/internal/store"
)

// Canonicalize resolves path to an absolute, symlink-free form so two
// different spellings of the same project always collide on the same
// town.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("invalid_path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// The path may not exist yet (e.g. town.create before first
			// use); canonicalize what we can without requiring it exist.
			return abs, nil
		}
		return "", fmt.Errorf("invalid_path: %w", err)
	}
	return resolved, nil
}

// Registry wraps the store for town-specific operations.
type Registry struct {
	st *store.Store
}

// New constructs a Registry over st.
func New(st *store.Store) *Registry {
	return &Registry{st: st}
}

// Create registers a new town at path with the given name. Returns
// store.ErrDuplicateTown if the canonical path is already registered.
func (r *Registry) Create(ctx context.Context, name, path string, configOverrides string) (*store.Town, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return nil, err
	}

	t := &store.Town{
		ID:              store.NewTownID(),
		Path:            canonical,
		Name:            name,
		CreatedAt:       time.Now(),
		ConfigOverrides: configOverrides,
	}
	if err := r.st.CreateTown(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// EnsureForSpawn implements "auto-create on first spawn into an unknown
// path": if auto_create_town is true and no town exists at path,
// one is created with name = the last path segment.
func (r *Registry) EnsureForSpawn(ctx context.Context, path string, autoCreate bool) (*store.Town, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return nil, err
	}

	existing, err := r.st.GetTownByPath(ctx, canonical)
	if err == nil {
		return existing, nil
	}
	if err != store.ErrTownNotFound {
		return nil, err
	}
	if !autoCreate {
		return nil, store.ErrTownNotFound
	}

	name := filepath.Base(canonical)
	return r.Create(ctx, name, canonical, "")
}

// Resolve looks up a town by id, by canonical path, or by name, in that
// order — matching the RPC contract's "town_id_or_name" parameters.
func (r *Registry) Resolve(ctx context.Context, idOrNameOrPath string) (*store.Town, error) {
	if t, err := r.st.GetTown(ctx, idOrNameOrPath); err == nil {
		return t, nil
	}
	if canonical, err := Canonicalize(idOrNameOrPath); err == nil {
		if t, err := r.st.GetTownByPath(ctx, canonical); err == nil {
			return t, nil
		}
	}
	return r.st.GetTownByName(ctx, idOrNameOrPath)
}

// Delete removes a town, refusing unless force is set when live workers remain.
func (r *Registry) Delete(ctx context.Context, id string, force bool) error {
	return r.st.DeleteTown(ctx, id, force)
}

// UpdateConfig replaces a town's per-project config override document.
func (r *Registry) UpdateConfig(ctx context.Context, id, configOverrides string) error {
	return r.st.UpdateTownConfig(ctx, id, configOverrides)
}

// List returns every registered town.
func (r *Registry) List(ctx context.Context) ([]*store.Town, error) {
	return r.st.ListTowns(ctx)
}
