// Package lifecycle owns the worker state machine: it is the
// single writer to the worker-state store, serialising every spawn,
// stop, restart, and health-driven transition through one actor
// goroutine so that persistence always precedes any externally visible
// side effect.
package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/health"
	"github.com/steveyegge/mabd/internal/metrics"
	"github.com/steveyegge/mabd/internal/restart"
	"github.com/steveyegge/mabd/internal/spawn"
	"github.com/steveyegge/mabd/internal/store"
	"github.com/steveyegge/mabd/internal/town"
)

// Error kinds surfaced to the RPC layer, distinct from store's
// internal sentinels so the coordinator can attach the stable taxonomy
// strings without the store package knowing about RPC concerns.
var (
	ErrInvalidRole     = errors.New("invalid_role")
	ErrCapacity        = errors.New("capacity")
	ErrUnknownTown     = errors.New("unknown_town")
	ErrNotFound        = errors.New("not_found")
	ErrAlreadyTerminal = errors.New("already_terminal")
	ErrSpawnFailed     = errors.New("spawn_failed")
)

// Coordinator is the single writer to the worker-state store.
type Coordinator struct {
	st       *store.Store
	towns    *town.Registry
	spawner  *spawn.Spawner
	restarts *restart.Tracker
	metrics  *metrics.Daemon
	cfg      *config.Config
	log      zerolog.Logger

	tasks chan func()

	draining atomic.Bool
}

// New constructs a Coordinator. Run must be called to start processing.
func New(st *store.Store, towns *town.Registry, spawner *spawn.Spawner, restarts *restart.Tracker, m *metrics.Daemon, cfg *config.Config, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		st:       st,
		towns:    towns,
		spawner:  spawner,
		restarts: restarts,
		metrics:  m,
		cfg:      cfg,
		log:      log,
		tasks:    make(chan func(), 64),
	}
}

// Run processes submitted tasks one at a time until ctx is cancelled.
// This is the single-writer actor: every store mutation happens here.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-c.tasks:
			t()
		}
	}
}

// submit runs fn on the actor goroutine and waits for it to complete.
func (c *Coordinator) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		close(done)
	}
	select {
	case c.tasks <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthMonitor builds a health.Monitor wired to this coordinator's
// fail/heartbeat callbacks.
func (c *Coordinator) HealthMonitor() *health.Monitor {
	return health.New(c.st, c.cfg.HealthCheck, c.onHealthFail, c.onHeartbeat, c.log)
}

func (c *Coordinator) onHeartbeat(ctx context.Context, workerID string, observedAt time.Time) {
	_ = c.submit(ctx, func() {
		w, err := c.st.GetWorker(ctx, workerID)
		if err != nil {
			return
		}
		if w.Status == store.StatusStarting {
			w.Status = store.StatusRunning
		}
		t := observedAt
		w.LastHeartbeat = &t
		if err := c.st.UpdateWorker(ctx, w); err != nil {
			c.log.Warn().Err(err).Str("worker_id", workerID).Msg("persisting heartbeat failed")
		}
	})
}

func (c *Coordinator) onHealthFail(ctx context.Context, workerID string, reason string, exitCode *int) {
	_ = c.submit(ctx, func() {
		c.failWorkerLocked(ctx, workerID, reason, exitCode)
	})
}

// failWorkerLocked transitions a worker to FAILED and, if policy allows,
// schedules a respawn. Must only be called from the actor goroutine.
func (c *Coordinator) failWorkerLocked(ctx context.Context, workerID string, reason string, exitCode *int) {
	w, err := c.st.GetWorker(ctx, workerID)
	if err != nil {
		return
	}
	if w.Status.IsTerminal() {
		return
	}

	now := time.Now()
	w.Status = store.StatusFailed
	w.StoppedAt = &now
	w.ErrorMessage = reason
	w.ExitCode = exitCode
	if err := c.st.UpdateWorker(ctx, w); err != nil {
		c.log.Error().Err(err).Str("worker_id", workerID).Msg("persisting failure failed")
		return
	}
	c.log.Warn().Str("worker_id", workerID).Str("reason", reason).Msg("worker failed")

	if c.draining.Load() || !w.AutoRestart {
		return
	}

	key := restart.SlotKey{TownID: w.TownID, Role: w.Role, Instance: w.Instance}
	decision := c.restarts.Evaluate(key, w.RestartCount, now)
	if !decision.Allowed {
		c.log.Info().Str("worker_id", workerID).Str("reason", decision.Reason).Msg("restart not scheduled")
		return
	}

	failedID := w.ID
	role, townID, instance, autoRestart := w.Role, w.TownID, w.Instance, w.AutoRestart
	c.restarts.Schedule(key, decision.Delay, func() {
		bgCtx := context.Background()
		_ = c.submit(bgCtx, func() {
			if c.draining.Load() {
				return
			}
			nw, err := c.respawnLocked(bgCtx, townID, role, instance, autoRestart, failedID, decision.RestartCount)
			if err != nil {
				c.log.Error().Err(err).Str("predecessor", failedID).Msg("respawn failed")
				return
			}
			c.metrics.RecordRestart(bgCtx, role)
			c.log.Info().Str("worker_id", nw.ID).Str("predecessor", failedID).Msg("respawned")
		})
	})
}

// logPathFor and heartbeatPathFor implement the bit-exact per-town layout
// <town_path>/.mab/logs/<worker_id>.log and
// <town_path>/.mab/heartbeat/<worker_id>.
func logPathFor(townPath, workerID string) string {
	return filepath.Join(townPath, ".mab", "logs", workerID+".log")
}

func heartbeatPathFor(townPath, workerID string) string {
	return filepath.Join(townPath, ".mab", "heartbeat", workerID)
}

func signalProcess(pid int, sig syscall.Signal) error {
	if pid == 0 {
		return nil
	}
	return syscall.Kill(pid, sig)
}

func processAlive(pid int) bool {
	if pid == 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
