package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewWorkerID generates an id of the form worker-<role>-<short-random>
// an opaque identifier, not meant to be parsed by clients.
func NewWorkerID(role string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("worker-%s-%s", role, suffix)
}

// NewTownID generates an opaque town identifier.
func NewTownID() string {
	return "town-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
