// Package logging configures the zerolog loggers shared by every component.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string

	// Pretty switches from JSON lines to console output.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Output: os.Stderr,
	}
}

// Setup configures the global level and the global zerolog logger and
// returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger returns a child of the global logger tagged with component.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log level guidelines:
//
// Debug: per-event decisions
//   - duplicate completions ignored
//   - work orders polled, completed, abandoned
//
// Info: lifecycle
//   - process started, batch dispatched, process completed and archived
//   - node startup, recovery summary, shutdown
//
// Warn: inbound events that were discarded
//   - unknown process, out-of-range or never-dispatched work order
//   - duplicate StartProcessing with a different work count
//   - worker retries
//
// Error: failures that need attention
//   - invariant violations (re-dispatch of completed work)
//   - store, journal and transport failures
//
// Context fields:
//   - component: saga, bus, worker, controller, server, store
//   - process_id, work_order, batch_first, batch_last, batch_size
//   - completed, total, elapsed
