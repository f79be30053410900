// Package health implements the periodic heartbeat and liveness monitor
//: for every STARTING/RUNNING worker it checks process existence
// and heartbeat-file freshness, and reports failures to the lifecycle
// coordinator.
package health

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/store"
)

// StartupTimeout is the fixed 30-second window a STARTING
// worker has to either heartbeat or exit before being failed for
// "startup timeout".
const StartupTimeout = 30 * time.Second

// Reason values passed to FailFunc.
const (
	ReasonProcessExited  = "process exited"
	ReasonHeartbeatLost  = "heartbeat lost"
	ReasonStartupTimeout = "startup timeout"
)

// FailFunc is invoked when the monitor determines a worker must
// transition to FAILED; the lifecycle coordinator supplies this so all
// actual state mutation stays single-writer.
type FailFunc func(ctx context.Context, workerID string, reason string, exitCode *int)

// HeartbeatFunc is invoked when a fresh heartbeat is observed, so the
// coordinator can update last_heartbeat and reset the miss counter.
type HeartbeatFunc func(ctx context.Context, workerID string, observedAt time.Time)

// Monitor periodically polls every STARTING/RUNNING worker in the store.
type Monitor struct {
	st   *store.Store
	cfg  config.HealthCheck
	fail FailFunc
	beat HeartbeatFunc
	log  zerolog.Logger

	mu          sync.Mutex
	misses      map[string]int
	startedSeen map[string]time.Time
}

// New constructs a Monitor.
func New(st *store.Store, cfg config.HealthCheck, fail FailFunc, beat HeartbeatFunc, log zerolog.Logger) *Monitor {
	return &Monitor{
		st:          st,
		cfg:         cfg,
		fail:        fail,
		beat:        beat,
		log:         log,
		misses:      make(map[string]int),
		startedSeen: make(map[string]time.Time),
	}
}

// Run polls once immediately, then on every interval tick, until ctx is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval())
	defer ticker.Stop()

	m.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	workers, err := m.st.ListWorkers(ctx, store.WorkerFilter{})
	if err != nil {
		m.log.Warn().Err(err).Msg("health monitor: listing workers failed")
		return
	}

	for _, w := range workers {
		if w.Status != store.StatusStarting && w.Status != store.StatusRunning {
			continue
		}
		m.checkWorker(ctx, w)
	}
}

func (m *Monitor) checkWorker(ctx context.Context, w *store.Worker) {
	if w.Status == store.StatusStarting {
		m.mu.Lock()
		first, seen := m.startedSeen[w.ID]
		if !seen {
			m.startedSeen[w.ID] = time.Now()
			first = m.startedSeen[w.ID]
		}
		m.mu.Unlock()

		if !processAlive(w.PID) {
			m.clearTracking(w.ID)
			m.fail(ctx, w.ID, ReasonProcessExited, exitCodeOf(w.PID))
			return
		}
		if w.LastHeartbeat == nil {
			if fresh, age := m.heartbeatFreshness(w); fresh {
				m.resetMisses(w.ID)
				m.beat(ctx, w.ID, time.Now().Add(-age))
				return
			}
			if time.Since(first) > StartupTimeout {
				m.clearTracking(w.ID)
				m.fail(ctx, w.ID, ReasonStartupTimeout, nil)
			}
			// Still within the startup grace window and no heartbeat yet;
			// the periodic miss counter below must not engage until the
			// first heartbeat arrives.
			return
		}
	}

	if !processAlive(w.PID) {
		m.clearTracking(w.ID)
		m.fail(ctx, w.ID, ReasonProcessExited, nil)
		return
	}

	fresh, age := m.heartbeatFreshness(w)
	if fresh {
		m.resetMisses(w.ID)
		m.beat(ctx, w.ID, time.Now().Add(-age))
		return
	}

	misses := m.incrementMisses(w.ID)
	if misses >= m.cfg.UnhealthyThreshold {
		m.clearTracking(w.ID)
		m.fail(ctx, w.ID, ReasonHeartbeatLost, nil)
	}
}

// heartbeatFreshness stats heartbeat_path and reports whether its age is
// within heartbeat_timeout_seconds. Exactly-equal ages count as fresh
// (strict '>' boundary).
func (m *Monitor) heartbeatFreshness(w *store.Worker) (fresh bool, age time.Duration) {
	fi, err := os.Stat(w.HeartbeatPath)
	if err != nil {
		return false, 0
	}
	age = time.Since(fi.ModTime())
	return age <= m.cfg.HeartbeatTimeout(), age
}

func (m *Monitor) incrementMisses(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[id]++
	return m.misses[id]
}

func (m *Monitor) resetMisses(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.misses, id)
}

func (m *Monitor) clearTracking(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.misses, id)
	delete(m.startedSeen, id)
}

// processAlive reports whether pid refers to a live process, using
// signal 0 (no-op, existence-only) as is idiomatic on POSIX systems.
func processAlive(pid int) bool {
	if pid == 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// exitCodeOf best-effort looks up an exit code for a process that has
// already exited; the OS rarely makes this available post-hoc for a
// non-child, non-waited process, so this conservatively returns nil.
func exitCodeOf(pid int) *int {
	return nil
}
