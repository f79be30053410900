package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/spawn"
	"github.com/steveyegge/mabd/internal/store"
)

// SpawnRequest describes a worker.spawn call.
type SpawnRequest struct {
	TownIDOrPath string
	Role         string
	Instance     int // 0 means "pick the next free instance"
	AutoRestart  bool
}

// SpawnWorker validates, persists, and launches a new worker. The store
// write (STARTING) always lands before the subprocess is started; if the
// launch itself fails the record is left FAILED with a diagnostic.
func (c *Coordinator) SpawnWorker(ctx context.Context, req SpawnRequest) (*store.Worker, error) {
	if c.draining.Load() {
		return nil, ErrShuttingDown
	}
	if !config.IsValidRole(req.Role) {
		return nil, ErrInvalidRole
	}

	if req.TownIDOrPath == "" {
		return nil, ErrUnknownTown
	}
	t, err := c.resolveOrCreateTown(ctx, req.TownIDOrPath)
	if err != nil {
		if err == store.ErrTownNotFound {
			return nil, ErrUnknownTown
		}
		return nil, err
	}

	var result *store.Worker
	var opErr error
	if err := c.submit(ctx, func() {
		result, opErr = c.spawnLocked(ctx, t, req.Role, req.Instance, req.AutoRestart, "", 0)
	}); err != nil {
		return nil, err
	}
	return result, opErr
}

// resolveOrCreateTown accepts the worker.spawn "town" parameter, which
// may name an existing town by id or name, or a filesystem
// path that should be auto-created on first use.
func (c *Coordinator) resolveOrCreateTown(ctx context.Context, townIDOrPath string) (*store.Town, error) {
	if t, err := c.towns.Resolve(ctx, townIDOrPath); err == nil {
		return t, nil
	}
	return c.towns.EnsureForSpawn(ctx, townIDOrPath, c.cfg.AutoCreateTown)
}

// spawnLocked performs capacity checks, persistence, and process launch.
// Must only run on the actor goroutine.
func (c *Coordinator) spawnLocked(ctx context.Context, t *store.Town, role string, instance int, autoRestart bool, predecessor string, restartCount int) (*store.Worker, error) {
	n, err := c.st.CountNonTerminalWorkers(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if n >= c.cfg.MaxWorkersPerTown {
		return nil, ErrCapacity
	}

	if instance == 0 {
		instance, err = c.nextInstance(ctx, t.ID, role)
		if err != nil {
			return nil, err
		}
	}

	id := store.NewWorkerID(role)
	w := &store.Worker{
		ID:            id,
		TownID:        t.ID,
		Role:          role,
		Instance:      instance,
		Status:        store.StatusStarting,
		RestartCount:  restartCount,
		AutoRestart:   autoRestart,
		LogPath:       logPathFor(t.Path, id),
		HeartbeatPath: heartbeatPathFor(t.Path, id),
		Predecessor:   predecessor,
	}
	if err := c.st.CreateWorker(ctx, w); err != nil {
		return nil, err
	}

	handle, err := c.spawner.Spawn(spawn.Request{
		Command:       c.cfg.WorkerCommand,
		Role:          role,
		WorkerID:      id,
		TownPath:      t.Path,
		LogPath:       w.LogPath,
		HeartbeatPath: w.HeartbeatPath,
	})
	c.metrics.RecordSpawn(ctx, role, err == nil)
	if err != nil {
		now := time.Now()
		w.Status = store.StatusFailed
		w.StoppedAt = &now
		w.ErrorMessage = err.Error()
		if uerr := c.st.UpdateWorker(ctx, w); uerr != nil {
			c.log.Error().Err(uerr).Str("worker_id", id).Msg("persisting failed spawn failed")
		}
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	w.PID = handle.PID()
	started := time.Now()
	w.StartedAt = &started
	if err := c.st.UpdateWorker(ctx, w); err != nil {
		c.log.Error().Err(err).Str("worker_id", id).Msg("persisting pid failed")
	}

	return w, nil
}

// respawnLocked creates the successor record in a restart chain. Must
// only run on the actor goroutine.
func (c *Coordinator) respawnLocked(ctx context.Context, townID, role string, instance int, autoRestart bool, predecessor string, restartCount int) (*store.Worker, error) {
	t, err := c.st.GetTown(ctx, townID)
	if err != nil {
		return nil, err
	}
	return c.spawnLocked(ctx, t, role, instance, autoRestart, predecessor, restartCount)
}

// nextInstance picks the smallest positive instance number not currently
// occupied by a non-terminal worker in (town, role).
func (c *Coordinator) nextInstance(ctx context.Context, townID, role string) (int, error) {
	workers, err := c.st.ListWorkers(ctx, store.WorkerFilter{TownID: townID, Role: role})
	if err != nil {
		return 0, err
	}
	taken := make(map[int]bool, len(workers))
	for _, w := range workers {
		if w.Status.IsNonTerminal() {
			taken[w.Instance] = true
		}
	}
	for i := 1; ; i++ {
		if !taken[i] {
			return i, nil
		}
	}
}
