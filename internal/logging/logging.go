// Package logging configures the daemon's structured logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Config controls where and how verbosely the daemon logs.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Output io.Writer
}

// New builds a zerolog.Logger writing one JSON record per line, matching
// the bit-exact "daemon-level structured log, one record per line"
// requirement for daemon.log.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// WithWorker returns a child logger tagged with a worker and town id.
func WithWorker(l zerolog.Logger, workerID, townID string) zerolog.Logger {
	return l.With().Str("worker_id", workerID).Str("town_id", townID).Logger()
}
