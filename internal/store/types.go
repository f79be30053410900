package store

import "time"

// WorkerStatus is one of the five lifecycle states.
type WorkerStatus string

const (
	StatusStarting WorkerStatus = "STARTING"
	StatusRunning  WorkerStatus = "RUNNING"
	StatusStopping WorkerStatus = "STOPPING"
	StatusStopped  WorkerStatus = "STOPPED"
	StatusFailed   WorkerStatus = "FAILED"
)

// IsTerminal reports whether status is a final state for a Worker record.
func (s WorkerStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// IsNonTerminal reports whether status counts against capacity.
func (s WorkerStatus) IsNonTerminal() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// Town is an isolated project context identified by an absolute path.
type Town struct {
	ID              string
	Path            string
	Name            string
	CreatedAt       time.Time
	ConfigOverrides string // raw YAML/JSON override document, opaque to the store
}

// Worker is one supervised agent subprocess record.
type Worker struct {
	ID            string
	TownID        string
	Role          string
	Instance      int
	PID           int  // 0 when absent
	Status        WorkerStatus
	StartedAt     *time.Time
	StoppedAt     *time.Time
	LastHeartbeat *time.Time
	ExitCode      *int
	ErrorMessage  string
	RestartCount  int
	AutoRestart   bool
	LogPath       string
	HeartbeatPath string
	Predecessor   string // id of the record this one succeeded, if any
}

// HasPID reports whether the worker has a recorded OS process id.
func (w *Worker) HasPID() bool {
	return w.PID != 0
}
