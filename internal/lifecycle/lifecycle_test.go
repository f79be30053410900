package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/metrics"
	"github.com/steveyegge/mabd/internal/restart"
	"github.com/steveyegge/mabd/internal/spawn"
	"github.com/steveyegge/mabd/internal/store"
	"github.com/steveyegge/mabd/internal/town"
)

// longRunningScript writes an executable script that runs forever and,
// once started, continuously touches its heartbeat file so health
// checks see it as alive.
func longRunningScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.sh")
	script := "#!/bin/sh\nwhile true; do touch \"$WORKER_HEARTBEAT_PATH\"; sleep 0.05; done\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

// sigtermHonoringScript writes an executable script that traps SIGTERM
// and exits cleanly, for distinguishing a cooperative stop from a
// force-killed one.
func sigtermHonoringScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.sh")
	script := "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do touch \"$WORKER_HEARTBEAT_PATH\"; sleep 0.05; done\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

// sigtermIgnoringScript writes an executable script that ignores SIGTERM,
// so only SIGKILL can stop it.
func sigtermIgnoringScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.sh")
	script := "#!/bin/sh\ntrap '' TERM\nwhile true; do touch \"$WORKER_HEARTBEAT_PATH\"; sleep 0.05; done\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	return path
}

func newTestCoordinator(t *testing.T, cfg config.Config) (*Coordinator, context.Context) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "workers.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	registry := town.New(st)
	sp := spawn.New()
	rt := restart.New(cfg.RestartPolicy)
	m, err := metrics.New(context.Background())
	if err != nil {
		t.Fatalf("metrics.New: %v", err)
	}

	c := New(st, registry, sp, rt, m, &cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)

	return c, ctx
}

func TestSpawnWorkerPersistsBeforeLaunch(t *testing.T) {
	cfg := config.Default()
	cfg.WorkerCommand = longRunningScript(t)
	c, ctx := newTestCoordinator(t, cfg)

	townDir := t.TempDir()
	w, err := c.SpawnWorker(ctx, SpawnRequest{TownIDOrPath: townDir, Role: "developer"})
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}
	if w.Status != store.StatusStarting {
		t.Errorf("status = %s, want STARTING", w.Status)
	}
	if !w.HasPID() {
		t.Error("expected a pid to be recorded")
	}

	fetched, err := c.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if fetched.ID != w.ID {
		t.Errorf("GetWorker returned wrong worker")
	}
}

func TestSpawnWorkerRejectsUnknownRole(t *testing.T) {
	cfg := config.Default()
	c, ctx := newTestCoordinator(t, cfg)

	if _, err := c.SpawnWorker(ctx, SpawnRequest{TownIDOrPath: t.TempDir(), Role: "bogus"}); err != ErrInvalidRole {
		t.Fatalf("err = %v, want ErrInvalidRole", err)
	}
}

func TestSpawnWorkerEnforcesCapacity(t *testing.T) {
	cfg := config.Default()
	cfg.MaxWorkersPerTown = 1
	cfg.WorkerCommand = longRunningScript(t)
	c, ctx := newTestCoordinator(t, cfg)

	townDir := t.TempDir()
	if _, err := c.SpawnWorker(ctx, SpawnRequest{TownIDOrPath: townDir, Role: "developer"}); err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	if _, err := c.SpawnWorker(ctx, SpawnRequest{TownIDOrPath: townDir, Role: "qa"}); err != ErrCapacity {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
}

func TestStopWorkerGracefulEscalatesToForceKill(t *testing.T) {
	cfg := config.Default()
	cfg.Shutdown.WorkerGraceSeconds = 2
	cfg.Shutdown.ForceKillTimeoutSeconds = 1
	cfg.WorkerCommand = sigtermIgnoringScript(t)
	c, ctx := newTestCoordinator(t, cfg)

	w, err := c.SpawnWorker(ctx, SpawnRequest{TownIDOrPath: t.TempDir(), Role: "developer"})
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	if _, err := c.StopWorker(ctx, w.ID, StopOptions{Graceful: true}); err != nil {
		t.Fatalf("StopWorker: %v", err)
	}

	// The script ignores SIGTERM (trap '' TERM), so this stop should escalate
	// to SIGKILL and finalize as FAILED with the force-kill reason.
	deadline := time.Now().Add(5 * time.Second)
	var final *store.Worker
	for time.Now().Before(deadline) {
		final, err = c.GetWorker(ctx, w.ID)
		if err != nil {
			t.Fatalf("GetWorker: %v", err)
		}
		if final.Status.IsTerminal() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !final.Status.IsTerminal() {
		t.Fatalf("worker did not reach a terminal state in time, status=%s", final.Status)
	}
	if final.Status != store.StatusFailed || final.ErrorMessage != "force killed on shutdown" {
		t.Errorf("status=%s message=%q, want FAILED/force killed on shutdown", final.Status, final.ErrorMessage)
	}
}

func TestStopWorkerGracefulHonorsSIGTERM(t *testing.T) {
	cfg := config.Default()
	cfg.Shutdown.WorkerGraceSeconds = 5
	cfg.Shutdown.ForceKillTimeoutSeconds = 1
	cfg.WorkerCommand = sigtermHonoringScript(t)
	c, ctx := newTestCoordinator(t, cfg)

	w, err := c.SpawnWorker(ctx, SpawnRequest{TownIDOrPath: t.TempDir(), Role: "developer"})
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	if _, err := c.StopWorker(ctx, w.ID, StopOptions{Graceful: true}); err != nil {
		t.Fatalf("StopWorker: %v", err)
	}

	// A well-behaved worker honoring SIGTERM should exit cooperatively,
	// well within the 5s grace window, and finalize as STOPPED rather
	// than FAILED.
	deadline := time.Now().Add(2 * time.Second)
	var final *store.Worker
	for time.Now().Before(deadline) {
		final, err = c.GetWorker(ctx, w.ID)
		if err != nil {
			t.Fatalf("GetWorker: %v", err)
		}
		if final.Status.IsTerminal() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !final.Status.IsTerminal() {
		t.Fatalf("worker did not reach a terminal state in time, status=%s", final.Status)
	}
	if final.Status != store.StatusStopped {
		t.Errorf("status=%s, want STOPPED (SIGTERM should have been sent)", final.Status)
	}
}

func TestStopWorkerNonGracefulSkipsSIGTERM(t *testing.T) {
	cfg := config.Default()
	cfg.Shutdown.WorkerGraceSeconds = 30
	cfg.Shutdown.ForceKillTimeoutSeconds = 1
	cfg.WorkerCommand = longRunningScript(t)
	c, ctx := newTestCoordinator(t, cfg)

	w, err := c.SpawnWorker(ctx, SpawnRequest{TownIDOrPath: t.TempDir(), Role: "developer"})
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	if _, err := c.StopWorker(ctx, w.ID, StopOptions{Graceful: false}); err != nil {
		t.Fatalf("StopWorker: %v", err)
	}

	// With Graceful=false the 30s configured grace is bypassed entirely;
	// the worker should be force-killed almost immediately rather than
	// waiting out the grace window.
	deadline := time.Now().Add(3 * time.Second)
	var final *store.Worker
	for time.Now().Before(deadline) {
		final, err = c.GetWorker(ctx, w.ID)
		if err != nil {
			t.Fatalf("GetWorker: %v", err)
		}
		if final.Status.IsTerminal() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !final.Status.IsTerminal() {
		t.Fatalf("worker did not reach a terminal state within 3s; non-graceful stop should not wait out the 30s grace")
	}
	if final.Status != store.StatusFailed {
		t.Errorf("status=%s, want FAILED (force killed)", final.Status)
	}
}

func TestStopWorkerAlreadyTerminalIsIdempotent(t *testing.T) {
	cfg := config.Default()
	c, ctx := newTestCoordinator(t, cfg)

	townDir := t.TempDir()
	tw, err := c.towns.Create(ctx, "t", townDir, "")
	if err != nil {
		t.Fatalf("towns.Create: %v", err)
	}
	w := &store.Worker{
		ID:     store.NewWorkerID("developer"),
		TownID: tw.ID,
		Role:   "developer",
		Status: store.StatusStopped,
	}
	if err := c.st.CreateWorker(ctx, w); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	if _, err := c.StopWorker(ctx, w.ID, StopOptions{Graceful: true}); err != ErrAlreadyTerminal {
		t.Fatalf("err = %v, want ErrAlreadyTerminal", err)
	}
}

func TestRestartWorkerOnTerminalSpawnsFreshRecord(t *testing.T) {
	cfg := config.Default()
	cfg.WorkerCommand = longRunningScript(t)
	c, ctx := newTestCoordinator(t, cfg)

	townDir := t.TempDir()
	tw, err := c.towns.Create(ctx, "t", townDir, "")
	if err != nil {
		t.Fatalf("towns.Create: %v", err)
	}
	old := &store.Worker{
		ID:       store.NewWorkerID("developer"),
		TownID:   tw.ID,
		Role:     "developer",
		Instance: 1,
		Status:   store.StatusFailed,
	}
	if err := c.st.CreateWorker(ctx, old); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	nw, err := c.RestartWorker(ctx, old.ID)
	if err != nil {
		t.Fatalf("RestartWorker: %v", err)
	}
	if nw.ID == old.ID {
		t.Error("expected a new worker id")
	}
	if nw.Predecessor != old.ID {
		t.Errorf("predecessor = %q, want %q", nw.Predecessor, old.ID)
	}
	if nw.RestartCount != 0 {
		t.Errorf("RestartCount = %d, want 0 (manual restart resets)", nw.RestartCount)
	}
}

func TestShutdownDrainsLiveWorkers(t *testing.T) {
	cfg := config.Default()
	cfg.Shutdown.WorkerGraceSeconds = 1
	cfg.Shutdown.ForceKillTimeoutSeconds = 1
	cfg.WorkerCommand = longRunningScript(t)
	c, ctx := newTestCoordinator(t, cfg)

	w, err := c.SpawnWorker(ctx, SpawnRequest{TownIDOrPath: t.TempDir(), Role: "developer"})
	if err != nil {
		t.Fatalf("SpawnWorker: %v", err)
	}

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	final, err := c.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if !final.Status.IsTerminal() {
		t.Errorf("status = %s, want terminal after Shutdown", final.Status)
	}

	if !c.Draining() {
		t.Error("expected Draining() to report true after Shutdown")
	}
	if _, err := c.SpawnWorker(ctx, SpawnRequest{TownIDOrPath: t.TempDir(), Role: "developer"}); err != ErrShuttingDown {
		t.Errorf("err = %v, want ErrShuttingDown", err)
	}
}
