// Package daemon implements the bootstrap sequence and graceful
// shutdown coordination for the mabd supervisor process: lock
// acquisition, pid file management, store/RPC wiring, signal handling,
// and the network-filesystem guard.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/steveyegge/mabd/internal/config"
	"github.com/steveyegge/mabd/internal/health"
	"github.com/steveyegge/mabd/internal/lifecycle"
	"github.com/steveyegge/mabd/internal/metrics"
	"github.com/steveyegge/mabd/internal/restart"
	"github.com/steveyegge/mabd/internal/rpc"
	"github.com/steveyegge/mabd/internal/spawn"
	"github.com/steveyegge/mabd/internal/store"
	"github.com/steveyegge/mabd/internal/town"
)

// ErrAlreadyRunning is returned when the daemon lock is held by another
// process.
var ErrAlreadyRunning = errors.New("already_running: daemon lock held by another process")

// Paths resolves the bit-exact filenames under <mab_home>.
type Paths struct {
	Home string
}

func (p Paths) LockFile() string { return filepath.Join(p.Home, "daemon.lock") }
func (p Paths) PidFile() string  { return filepath.Join(p.Home, "daemon.pid") }
func (p Paths) LogFile() string  { return filepath.Join(p.Home, "daemon.log") }
func (p Paths) Socket() string   { return filepath.Join(p.Home, "mab.sock") }
func (p Paths) DBFile() string   { return filepath.Join(p.Home, "workers.db") }
func (p Paths) ConfigFile() string { return filepath.Join(p.Home, "config.yaml") }

// Daemon owns every cross-call resource (lock, pid file, store, RPC
// socket) for one mab_home and releases them in reverse order on any
// exit path.
type Daemon struct {
	paths Paths
	cfg   *config.Config
	log   zerolog.Logger

	lock    *flock.Flock
	st      *store.Store
	towns   *town.Registry
	coord   *lifecycle.Coordinator
	health  *health.Monitor
	server  *rpc.Server
	metrics *metrics.Daemon

	startedAt time.Time

	shutdownOnce sync.Once
	done         chan struct{}
}

// New opens (but does not yet run) a daemon rooted at mabHome.
func New(mabHome string, cfg *config.Config, log zerolog.Logger) (*Daemon, error) {
	paths := Paths{Home: mabHome}
	if err := os.MkdirAll(mabHome, 0700); err != nil {
		return nil, fmt.Errorf("creating mab_home: %w", err)
	}

	warnIfNetworkFilesystem(mabHome, log)

	lockFile := flock.New(paths.LockFile())
	locked, err := lockFile.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, ErrAlreadyRunning
	}

	d := &Daemon{
		paths: paths,
		cfg:   cfg,
		log:   log,
		lock:  lockFile,
		done:  make(chan struct{}),
	}

	if err := d.writePidFile(); err != nil {
		_ = lockFile.Unlock()
		return nil, err
	}

	st, err := store.Open(paths.DBFile())
	if err != nil {
		d.releaseLockAndPid()
		return nil, fmt.Errorf("opening store: %w", err)
	}
	d.st = st

	d.towns = town.New(st)
	sp := spawn.New()
	rt := restart.New(cfg.RestartPolicy)
	m, err := metrics.New(context.Background())
	if err != nil {
		d.releaseLockAndPid()
		_ = st.Close()
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	d.metrics = m
	d.coord = lifecycle.New(st, d.towns, sp, rt, m, cfg, log)
	d.health = d.coord.HealthMonitor()

	return d, nil
}

func (d *Daemon) writePidFile() error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(d.paths.PidFile(), []byte(pid), 0644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

func (d *Daemon) releaseLockAndPid() {
	_ = os.Remove(d.paths.PidFile())
	_ = d.lock.Unlock()
}

// Run performs startup reconciliation, binds the RPC socket, starts the
// health monitor and restart supervisor, installs signal handlers, and
// serves RPC until a shutdown signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.releaseLockAndPid()
	defer d.st.Close()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metrics.Shutdown(shutdownCtx); err != nil {
			d.log.Warn().Err(err).Msg("metrics provider shutdown")
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); d.coord.Run(runCtx) }()

	if err := d.coord.Reconcile(runCtx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	server, err := rpc.NewServer(d.paths.Socket(), d.cfg.RPCPoolSize(), d.log)
	if err != nil {
		return fmt.Errorf("binding rpc socket: %w", err)
	}
	d.server = server
	defer d.server.Close()

	d.startedAt = time.Now()
	rpc.RegisterMethods(server, d.coord, d.towns, d.startedAt, func() { d.initiateShutdown(runCtx) })

	wg.Add(2)
	go func() { defer wg.Done(); d.health.Run(runCtx) }()
	go func() {
		defer wg.Done()
		if err := server.Serve(runCtx); err != nil {
			d.log.Error().Err(err).Msg("rpc accept loop exited")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		d.initiateShutdown(runCtx)
	case <-runCtx.Done():
	case <-d.done:
	}

	<-d.done
	cancel()
	wg.Wait()
	return nil
}

// initiateShutdown runs the graceful-shutdown sequence exactly once:
// stop accepting connections, drain the lifecycle coordinator, then
// unblock Run to release resources.
func (d *Daemon) initiateShutdown(ctx context.Context) {
	d.shutdownOnce.Do(func() {
		d.log.Info().Msg("shutdown: draining")
		if d.server != nil {
			_ = d.server.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			d.cfg.Shutdown.WorkerGrace()+d.cfg.Shutdown.ForceKillTimeout()+5*time.Second)
		defer cancel()
		if err := d.coord.Shutdown(shutdownCtx); err != nil {
			d.log.Error().Err(err).Msg("coordinator shutdown")
		}
		close(d.done)
	})
}

// networkFSTypes maps statfs f_type magic numbers to names for the
// network-filesystem warning. Values from linux/magic.h.
var networkFSTypes = map[int64]string{
	0x6969:     "nfs",
	0xFF534D42: "cifs",
	0x65735546: "fuse/sshfs",
}

func warnIfNetworkFilesystem(path string, log zerolog.Logger) {
	var statfs unix.Statfs_t
	if err := unix.Statfs(path, &statfs); err != nil {
		return
	}
	if name, ok := networkFSTypes[int64(statfs.Type)]; ok {
		log.Warn().Str("path", path).Str("fstype", name).
			Msg("mab_home is on a network filesystem; advisory locking across hosts is unreliable")
	}
}

// IsRunning reports whether a daemon is currently running at mabHome,
// based on the pid file and a liveness signal (not the lock, since
// flock semantics vary across process-table states).
func IsRunning(mabHome string) (bool, int, error) {
	paths := Paths{Home: mabHome}
	data, err := os.ReadFile(paths.PidFile())
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		_ = os.Remove(paths.PidFile())
		return false, 0, nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = os.Remove(paths.PidFile())
		return false, 0, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		_ = os.Remove(paths.PidFile())
		return false, 0, nil
	}
	return true, pid, nil
}

// StopDaemon signals a running daemon to shut down gracefully, escalating
// to SIGKILL if it doesn't exit within a bounded window.
func StopDaemon(mabHome string) error {
	running, pid, err := IsRunning(mabHome)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("not_found: no daemon running at %s", mabHome)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			_ = os.Remove(Paths{Home: mabHome}.PidFile())
			return nil
		}
		time.Sleep(150 * time.Millisecond)
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sending SIGKILL: %w", err)
	}
	_ = os.Remove(Paths{Home: mabHome}.PidFile())
	return nil
}
