// Package logging configures zerolog for the extractor: one global logger,
// JSON by default, with per-component and per-run child loggers.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
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

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ValidLevel reports whether s names a known level.
func ValidLevel(s string) bool {
	switch strings.ToLower(s) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithRun tags every event of logger with the run id and connection.
func WithRun(logger zerolog.Logger, runID uuid.UUID, connectionID string) zerolog.Logger {
	return logger.With().
		Str("run_id", runID.String()).
		Str("connection_id", connectionID).
		Logger()
}

// Log Level Guidelines:
//
// Debug: request flow and cache internals
//   - Cache hit/miss, key, TTL
//   - Conditional requests, ETags
//   - Query strings sent to DHIS2
//
// Info: one line per pipeline stage
//   - Variables, periods and administrative level to extract
//   - Successful GET with byte count
//   - Shape of the long table received
//   - Path of the CSV written
//
// Warn: the run continues
//   - Non-2xx body accepted in permissive mode
//   - Retry attempts
//   - Cache or history errors (the extraction still proceeds)
//
// Error: the run fails
//   - Requests failed after retries
//   - Reshape or write errors
//   - Configuration errors
//
// Context Fields:
//   - run_id: uuid of the pipeline run
//   - connection_id: workspace connection identifier
//   - endpoint: DHIS2 API resource, e.g. "analytics"
//   - status: HTTP status code
//   - error_class: client, auth, server, rate_limit, network
//   - etag: ETag value for conditional requests
//   - ttl: Cache entry TTL
