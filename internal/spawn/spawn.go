// Package spawn launches worker subprocesses: it sets the child's
// working directory, redirects its standard streams to the per-worker log
// file, and injects the environment variables the worker contract
// requires.
package spawn

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrBinaryNotFound is returned when the configured worker_command cannot
// be located on PATH or as an absolute/relative executable.
var ErrBinaryNotFound = errors.New("spawn_failed: worker binary not found")

// ErrPermissionDenied is returned when the worker binary exists but is not executable by the daemon.
var ErrPermissionDenied = errors.New("spawn_failed: permission denied")

// ErrInvalidCwd is returned when the town path is not a usable working directory.
var ErrInvalidCwd = errors.New("spawn_failed: invalid working directory")

// Request describes one subprocess launch.
type Request struct {
	Command       string // worker_command, e.g. "mab-agent"
	Role          string
	WorkerID      string
	TownPath      string
	LogPath       string
	HeartbeatPath string
}

// Handle is a live subprocess the caller can wait on or signal.
type Handle struct {
	Cmd *exec.Cmd
}

// PID returns the OS process id of the running child.
func (h *Handle) PID() int {
	if h.Cmd.Process == nil {
		return 0
	}
	return h.Cmd.Process.Pid
}

// Spawner launches worker subprocesses per Request.
type Spawner struct{}

// New constructs a Spawner.
func New() *Spawner {
	return &Spawner{}
}

// Spawn launches the worker described by req. The child's cwd is
// req.TownPath; stdout/stderr are appended to req.LogPath; the
// environment carries WORKER_ID, WORKER_ROLE, WORKER_TOWN, and
// WORKER_HEARTBEAT_PATH on top of the daemon's own environment.
func (s *Spawner) Spawn(req Request) (*Handle, error) {
	if fi, err := os.Stat(req.TownPath); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCwd, req.TownPath)
	}

	if err := os.MkdirAll(filepath.Dir(req.LogPath), 0755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if req.HeartbeatPath != "" {
		if err := os.MkdirAll(filepath.Dir(req.HeartbeatPath), 0755); err != nil {
			return nil, fmt.Errorf("creating heartbeat directory: %w", err)
		}
	}
	logFile, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening worker log: %w", err)
	}

	cmd := exec.Command(req.Command) //nolint:gosec // command is operator-configured, not request-controlled
	cmd.Dir = req.TownPath
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = buildEnv(req)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, classifyStartError(err)
	}

	// The child owns the log file descriptor from here; reap it in the
	// background so we don't leak it for the process's whole lifetime.
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()

	return &Handle{Cmd: cmd}, nil
}

func buildEnv(req Request) []string {
	env := os.Environ()
	env = append(env,
		"WORKER_ID="+req.WorkerID,
		"WORKER_ROLE="+req.Role,
		"WORKER_TOWN="+req.TownPath,
		"WORKER_HEARTBEAT_PATH="+req.HeartbeatPath,
	)
	return env
}

func classifyStartError(err error) error {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		if errors.Is(pathErr.Err, os.ErrPermission) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		if errors.Is(pathErr.Err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrBinaryNotFound, err)
		}
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrBinaryNotFound, err)
	}
	return fmt.Errorf("spawn_failed: %w", err)
}

// Signal sends sig to the running child.
func (h *Handle) Signal(sig os.Signal) error {
	if h.Cmd.Process == nil {
		return nil
	}
	return h.Cmd.Process.Signal(sig)
}
