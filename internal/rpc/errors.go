package rpc

import (
	"errors"
	"strings"

	"github.com/steveyegge/mabd/internal/lifecycle"
	"github.com/steveyegge/mabd/internal/store"
)

// Error kind strings. Stable across releases; numeric codes are
// derived from this table and are opaque to clients.
const (
	KindAlreadyRunning  = "already_running"
	KindInvalidRole     = "invalid_role"
	KindUnknownTown     = "unknown_town"
	KindDuplicate       = "duplicate"
	KindInvalidPath     = "invalid_path"
	KindInvalidParams   = "invalid_params"
	KindMethodNotFound  = "method_not_found"
	KindCapacity        = "capacity"
	KindNotFound        = "not_found"
	KindAlreadyTerminal = "already_terminal"
	KindHasLiveWorkers  = "has_live_workers"
	KindSpawnFailed     = "spawn_failed"
	KindShuttingDown    = "shutting_down"
	KindStoreCorrupt    = "store_corrupt"
	KindProtocolError   = "protocol_error"
	KindInternal        = "internal"
)

// kindOrder fixes the numeric code assigned to each kind; codes are
// stable within a release but callers must treat them as opaque.
var kindOrder = []string{
	KindAlreadyRunning,
	KindInvalidRole,
	KindUnknownTown,
	KindDuplicate,
	KindInvalidPath,
	KindInvalidParams,
	KindMethodNotFound,
	KindCapacity,
	KindNotFound,
	KindAlreadyTerminal,
	KindHasLiveWorkers,
	KindSpawnFailed,
	KindShuttingDown,
	KindStoreCorrupt,
	KindProtocolError,
	KindInternal,
}

var kindCode = func() map[string]int {
	m := make(map[string]int, len(kindOrder))
	for i, k := range kindOrder {
		m[k] = i + 1
	}
	return m
}()

func codeForKind(kind string) int {
	if c, ok := kindCode[kind]; ok {
		return c
	}
	return kindCode[KindInternal]
}

// classify maps an internal error from lifecycle/store/town into the
// wire kind and a human-readable message.
func classify(err error) (kind string, message string) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidRole):
		return KindInvalidRole, err.Error()
	case errors.Is(err, lifecycle.ErrCapacity):
		return KindCapacity, err.Error()
	case errors.Is(err, lifecycle.ErrUnknownTown):
		return KindUnknownTown, err.Error()
	case errors.Is(err, lifecycle.ErrNotFound):
		return KindNotFound, err.Error()
	case errors.Is(err, lifecycle.ErrAlreadyTerminal):
		return KindAlreadyTerminal, err.Error()
	case errors.Is(err, lifecycle.ErrSpawnFailed):
		return KindSpawnFailed, err.Error()
	case errors.Is(err, lifecycle.ErrShuttingDown):
		return KindShuttingDown, err.Error()
	case errors.Is(err, store.ErrTownNotFound):
		return KindNotFound, err.Error()
	case errors.Is(err, store.ErrDuplicateTown):
		return KindDuplicate, err.Error()
	case errors.Is(err, store.ErrTownHasLiveWorkers):
		return KindHasLiveWorkers, err.Error()
	case errors.Is(err, store.ErrWorkerNotFound):
		return KindNotFound, err.Error()
	case errors.Is(err, store.ErrCorrupt):
		return KindStoreCorrupt, err.Error()
	case errors.Is(err, ErrAlreadyRunning):
		return KindAlreadyRunning, err.Error()
	case strings.HasPrefix(err.Error(), KindInvalidParams+":"):
		return KindInvalidParams, err.Error()
	case strings.HasPrefix(err.Error(), KindInvalidPath+":"):
		return KindInvalidPath, err.Error()
	default:
		return KindInternal, err.Error()
	}
}
