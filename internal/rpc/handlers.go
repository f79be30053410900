package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/steveyegge/mabd/internal/lifecycle"
	"github.com/steveyegge/mabd/internal/store"
	"github.com/steveyegge/mabd/internal/town"
	"github.com/steveyegge/mabd/internal/version"
)

// ShutdownFunc triggers an asynchronous full-daemon shutdown; daemon.go
// supplies the concrete implementation at bootstrap time.
type ShutdownFunc func()

// RegisterMethods wires the 11 spec'd methods plus the two supplemental
// ones (worker.logs_tail, town.update_config) into s.
func RegisterMethods(s *Server, coord *lifecycle.Coordinator, towns *town.Registry, startedAt time.Time, shutdown ShutdownFunc) {
	s.Register("worker.spawn", handleWorkerSpawn(coord))
	s.Register("worker.stop", handleWorkerStop(coord))
	s.Register("worker.restart", handleWorkerRestart(coord))
	s.Register("worker.list", handleWorkerList(coord))
	s.Register("worker.get", handleWorkerGet(coord))
	s.Register("worker.logs_tail", handleWorkerLogsTail(coord))

	s.Register("town.create", handleTownCreate(towns))
	s.Register("town.list", handleTownList(towns))
	s.Register("town.get", handleTownGet(towns))
	s.Register("town.delete", handleTownDelete(towns))
	s.Register("town.update_config", handleTownUpdateConfig(towns))

	s.Register("daemon.status", handleDaemonStatus(coord, towns, startedAt))
	s.Register("daemon.shutdown", handleDaemonShutdown(shutdown))
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}

type workerSpawnParams struct {
	Town        string `json:"town"`
	Role        string `json:"role"`
	Instance    int    `json:"instance"`
	AutoRestart bool   `json:"auto_restart"`
}

func handleWorkerSpawn(coord *lifecycle.Coordinator) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p workerSpawnParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", KindInvalidParams, err)
		}
		w, err := coord.SpawnWorker(ctx, lifecycle.SpawnRequest{
			TownIDOrPath: p.Town,
			Role:         p.Role,
			Instance:     p.Instance,
			AutoRestart:  p.AutoRestart,
		})
		if err != nil {
			return nil, err
		}
		return workerResult(w), nil
	}
}

type workerIDParams struct {
	WorkerID string `json:"worker_id"`
}

type workerStopParams struct {
	WorkerID       string `json:"worker_id"`
	Graceful       *bool  `json:"graceful"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func handleWorkerStop(coord *lifecycle.Coordinator) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p workerStopParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", KindInvalidParams, err)
		}
		opts := lifecycle.StopOptions{Graceful: true}
		if p.Graceful != nil {
			opts.Graceful = *p.Graceful
		}
		if p.TimeoutSeconds > 0 {
			opts.Timeout = time.Duration(p.TimeoutSeconds) * time.Second
		}
		w, err := coord.StopWorker(ctx, p.WorkerID, opts)
		if err != nil {
			return nil, err
		}
		return workerResult(w), nil
	}
}

func handleWorkerRestart(coord *lifecycle.Coordinator) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p workerIDParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", KindInvalidParams, err)
		}
		w, err := coord.RestartWorker(ctx, p.WorkerID)
		if err != nil {
			return nil, err
		}
		return workerResult(w), nil
	}
}

type workerListParams struct {
	Town   string `json:"town"`
	Role   string `json:"role"`
	Status string `json:"status"`
}

func handleWorkerList(coord *lifecycle.Coordinator) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p workerListParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", KindInvalidParams, err)
		}
		workers, err := coord.ListWorkers(ctx, store.WorkerFilter{
			TownID: p.Town,
			Role:   p.Role,
			Status: store.WorkerStatus(p.Status),
		})
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(workers))
		for _, w := range workers {
			out = append(out, workerResult(w))
		}
		return map[string]any{"workers": out}, nil
	}
}

func handleWorkerGet(coord *lifecycle.Coordinator) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p workerIDParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", KindInvalidParams, err)
		}
		w, err := coord.GetWorker(ctx, p.WorkerID)
		if err != nil {
			return nil, err
		}
		return workerResult(w), nil
	}
}

type workerLogsTailParams struct {
	WorkerID string `json:"worker_id"`
	Lines    int    `json:"lines"`
}

// handleWorkerLogsTail is a SPEC_FULL.md supplement: it reads the tail
// of a worker's log file rather than its lifecycle state.
func handleWorkerLogsTail(coord *lifecycle.Coordinator) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p workerLogsTailParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", KindInvalidParams, err)
		}
		w, err := coord.GetWorker(ctx, p.WorkerID)
		if err != nil {
			return nil, err
		}
		lines := p.Lines
		if lines <= 0 {
			lines = 100
		}
		tail, err := tailFile(w.LogPath, lines)
		if err != nil {
			return nil, err
		}
		return map[string]any{"lines": tail}, nil
	}
}

func workerResult(w *store.Worker) map[string]any {
	m := map[string]any{
		"worker_id":     w.ID,
		"town_id":       w.TownID,
		"role":          w.Role,
		"instance":      w.Instance,
		"status":        w.Status,
		"restart_count": w.RestartCount,
		"auto_restart":  w.AutoRestart,
		"predecessor":   w.Predecessor,
	}
	if w.HasPID() {
		m["pid"] = w.PID
	}
	if w.ErrorMessage != "" {
		m["error_message"] = w.ErrorMessage
	}
	if w.ExitCode != nil {
		m["exit_code"] = *w.ExitCode
	}
	return m
}

type townCreateParams struct {
	Name            string `json:"name"`
	Path            string `json:"path"`
	ConfigOverrides string `json:"config_overrides"`
}

func handleTownCreate(towns *town.Registry) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p townCreateParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", KindInvalidParams, err)
		}
		if p.Path == "" {
			return nil, fmt.Errorf("%s: path is required", KindInvalidParams)
		}
		t, err := towns.Create(ctx, p.Name, p.Path, p.ConfigOverrides)
		if err != nil {
			return nil, err
		}
		return townResult(t), nil
	}
}

func handleTownList(towns *town.Registry) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		list, err := towns.List(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(list))
		for _, t := range list {
			out = append(out, townResult(t))
		}
		return map[string]any{"towns": out}, nil
	}
}

type townIDParams struct {
	Town string `json:"town"`
}

func handleTownGet(towns *town.Registry) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p townIDParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", KindInvalidParams, err)
		}
		t, err := towns.Resolve(ctx, p.Town)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KindNotFound, err)
		}
		return townResult(t), nil
	}
}

type townDeleteParams struct {
	Town  string `json:"town"`
	Force bool   `json:"force"`
}

func handleTownDelete(towns *town.Registry) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p townDeleteParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", KindInvalidParams, err)
		}
		t, err := towns.Resolve(ctx, p.Town)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KindNotFound, err)
		}
		if err := towns.Delete(ctx, t.ID, p.Force); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil
	}
}

type townUpdateConfigParams struct {
	Town            string `json:"town"`
	ConfigOverrides string `json:"config_overrides"`
}

// handleTownUpdateConfig is a SPEC_FULL.md supplement covering the
// per-project config override document.
func handleTownUpdateConfig(towns *town.Registry) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p townUpdateConfigParams
		if err := decodeParams(params, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", KindInvalidParams, err)
		}
		t, err := towns.Resolve(ctx, p.Town)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", KindNotFound, err)
		}
		if err := towns.UpdateConfig(ctx, t.ID, p.ConfigOverrides); err != nil {
			return nil, err
		}
		return map[string]any{"updated": true}, nil
	}
}

func townResult(t *store.Town) map[string]any {
	return map[string]any{
		"town_id":    t.ID,
		"name":       t.Name,
		"path":       t.Path,
		"created_at": t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func handleDaemonStatus(coord *lifecycle.Coordinator, towns *town.Registry, startedAt time.Time) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		workers, err := coord.ListWorkers(ctx, store.WorkerFilter{})
		if err != nil {
			return nil, err
		}
		byStatus := map[string]int{}
		for _, w := range workers {
			byStatus[string(w.Status)]++
		}
		townList, err := towns.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"uptime_seconds":    int(time.Since(startedAt).Seconds()),
			"workers_by_status": byStatus,
			"town_count":        len(townList),
			"draining":          coord.Draining(),
			"version":           version.Version,
		}, nil
	}
}

func handleDaemonShutdown(shutdown ShutdownFunc) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		go shutdown()
		return map[string]any{"accepted": true}, nil
	}
}
