package lifecycle

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/steveyegge/mabd/internal/restart"
	"github.com/steveyegge/mabd/internal/store"
)

// ErrShuttingDown is returned for mutating calls received after shutdown
// has begun draining.
var ErrShuttingDown = errors.New("shutting_down")

// GetWorker is a direct read; reads don't need to serialize behind the
// single-writer actor.
func (c *Coordinator) GetWorker(ctx context.Context, workerID string) (*store.Worker, error) {
	w, err := c.st.GetWorker(ctx, workerID)
	if errors.Is(err, store.ErrWorkerNotFound) {
		return nil, ErrNotFound
	}
	return w, err
}

// ListWorkers is a direct read.
func (c *Coordinator) ListWorkers(ctx context.Context, filter store.WorkerFilter) ([]*store.Worker, error) {
	return c.st.ListWorkers(ctx, filter)
}

// StopOptions configures how StopWorker waits for a worker to exit.
// Graceful (default true) sends SIGTERM and waits up to Timeout before
// escalating to SIGKILL; a non-graceful stop skips SIGTERM and kills
// immediately. A zero Timeout uses the configured worker_grace_seconds.
type StopOptions struct {
	Graceful bool
	Timeout  time.Duration
}

// StopWorker transitions a worker to STOPPING and returns immediately;
// the actual SIGTERM/grace/SIGKILL sequence runs asynchronously and
// finalizes the record to STOPPED or FAILED.
func (c *Coordinator) StopWorker(ctx context.Context, workerID string, opts StopOptions) (*store.Worker, error) {
	var w *store.Worker
	var opErr error
	if err := c.submit(ctx, func() {
		cur, err := c.st.GetWorker(ctx, workerID)
		if err != nil {
			opErr = ErrNotFound
			return
		}
		if cur.Status.IsTerminal() {
			w, opErr = cur, ErrAlreadyTerminal
			return
		}
		cur.Status = store.StatusStopping
		if err := c.st.UpdateWorker(ctx, cur); err != nil {
			c.log.Error().Err(err).Str("worker_id", workerID).Msg("persisting stopping status failed")
		}
		w = cur
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return w, opErr
	}

	pid := w.PID
	grace := c.cfg.Shutdown.WorkerGrace()
	if opts.Timeout > 0 {
		grace = opts.Timeout
	}
	if !opts.Graceful {
		grace = 0
	}
	forceKill := c.cfg.Shutdown.ForceKillTimeout()
	go func() {
		if opts.Graceful {
			_ = signalProcess(pid, syscall.SIGTERM)
		}
		forced := c.awaitTermination(pid, grace, forceKill)
		bg := context.Background()
		_ = c.submit(bg, func() { c.finalizeStop(bg, workerID, forced) })
	}()

	return w, nil
}

// RestartWorker stops the current record (if still live) and spawns a
// fresh successor, resetting the restart-supervisor's backoff history
// per the manual-restart semantics.
func (c *Coordinator) RestartWorker(ctx context.Context, workerID string) (*store.Worker, error) {
	var cur *store.Worker
	var opErr error
	if err := c.submit(ctx, func() {
		cur, opErr = c.st.GetWorker(ctx, workerID)
	}); err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, ErrNotFound
	}

	key := restart.SlotKey{TownID: cur.TownID, Role: cur.Role, Instance: cur.Instance}

	if cur.Status.IsTerminal() {
		var nw *store.Worker
		var serr error
		if err := c.submit(ctx, func() {
			c.restarts.Reset(key)
			nw, serr = c.respawnLocked(ctx, cur.TownID, cur.Role, cur.Instance, cur.AutoRestart, cur.ID, 0)
		}); err != nil {
			return nil, err
		}
		return nw, serr
	}

	if err := c.submit(ctx, func() {
		cur.Status = store.StatusStopping
		if err := c.st.UpdateWorker(ctx, cur); err != nil {
			c.log.Error().Err(err).Str("worker_id", cur.ID).Msg("persisting stopping status failed")
		}
	}); err != nil {
		return nil, err
	}
	_ = signalProcess(cur.PID, syscall.SIGTERM)

	grace, forceKill := c.cfg.Shutdown.WorkerGrace(), c.cfg.Shutdown.ForceKillTimeout()
	forced := c.awaitTermination(cur.PID, grace, forceKill)

	var nw *store.Worker
	var serr error
	if err := c.submit(ctx, func() {
		c.finalizeStop(ctx, cur.ID, forced)
		c.restarts.Reset(key)
		nw, serr = c.respawnLocked(ctx, cur.TownID, cur.Role, cur.Instance, cur.AutoRestart, cur.ID, 0)
	}); err != nil {
		return nil, err
	}
	return nw, serr
}

// finalizeStop marks a worker STOPPED (cooperative exit) or FAILED with
// "force killed on shutdown" (SIGKILL was required). Must only run on
// the actor goroutine.
func (c *Coordinator) finalizeStop(ctx context.Context, workerID string, forced bool) {
	w, err := c.st.GetWorker(ctx, workerID)
	if err != nil || w.Status.IsTerminal() {
		return
	}
	now := time.Now()
	w.StoppedAt = &now
	if forced {
		w.Status = store.StatusFailed
		w.ErrorMessage = "force killed on shutdown"
	} else {
		w.Status = store.StatusStopped
	}
	if err := c.st.UpdateWorker(ctx, w); err != nil {
		c.log.Error().Err(err).Str("worker_id", workerID).Msg("persisting stop finalization failed")
	}
}

// awaitTermination polls pid for exit, escalating to SIGKILL after grace
// elapses. Returns true if a forced kill was required.
func (c *Coordinator) awaitTermination(pid int, grace, forceKillTimeout time.Duration) (forced bool) {
	if pid == 0 {
		return false
	}
	const pollInterval = 150 * time.Millisecond

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return false
		}
		time.Sleep(pollInterval)
	}
	if !processAlive(pid) {
		return false
	}

	_ = signalProcess(pid, syscall.SIGKILL)
	killDeadline := time.Now().Add(forceKillTimeout)
	for time.Now().Before(killDeadline) {
		time.Sleep(pollInterval)
	}
	return true
}

// Shutdown drains the coordinator: stop accepting new spawns, cancel
// pending respawns, then signal every live worker and wait (with grace
// and force-kill escalation) before returning.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.draining.Store(true)
	c.restarts.CancelAll()

	var workers []*store.Worker
	if err := c.submit(ctx, func() {
		workers, _ = c.st.ListWorkers(ctx, store.WorkerFilter{})
	}); err != nil {
		return err
	}

	grace, forceKill := c.cfg.Shutdown.WorkerGrace(), c.cfg.Shutdown.ForceKillTimeout()
	var wg sync.WaitGroup
	for _, w := range workers {
		if !w.Status.IsNonTerminal() {
			continue
		}
		wg.Add(1)
		go func(w *store.Worker) {
			defer wg.Done()
			_ = c.submit(ctx, func() {
				w.Status = store.StatusStopping
				_ = c.st.UpdateWorker(ctx, w)
			})
			_ = signalProcess(w.PID, syscall.SIGTERM)
			forced := c.awaitTermination(w.PID, grace, forceKill)
			bg := context.Background()
			_ = c.submit(bg, func() { c.finalizeStop(bg, w.ID, forced) })
		}(w)
	}
	wg.Wait()
	return nil
}

// Draining reports whether the coordinator has begun shutdown.
func (c *Coordinator) Draining() bool {
	return c.draining.Load()
}
