// Package logging configures the process-wide zerolog logger for bulkfetch runs.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs per-attempt detail and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs run lifecycle and progress and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs retries and per-entity failures and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs configuration and output failures only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts a LogLevel to a zerolog.Level. Unknown values map to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
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

// NewLogger creates a child of the global logger tagged with a component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: per-request detail
//   - each HTTP attempt (url path, status, duration)
//   - cache hits and stores
//   - worker start/stop
//
// Info: run lifecycle
//   - configuration summary, id count, effective concurrency
//   - progress every N completed entities
//   - output files written, run summary
//
// Warn: recoverable conditions
//   - retry scheduled (attempt, backoff, error_class)
//   - entity failed or invalid
//   - cache errors (request falls through to the API)
//
// Error: conditions that end the run
//   - unreadable input, unwritable output
//
// Context Fields:
//   - run_id: identifier of one invocation
//   - entity_id: identifier being processed
//   - status_code, error_class, attempt, backoff
//   - completed, total, succeeded, failed
