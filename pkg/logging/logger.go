// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

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

	// LevelDisabled turns logging off.
	LevelDisabled LogLevel = "disabled"
)

// Redacted replaces secrets in log output.
const Redacted = "[REDACTED]"

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	// Stdout is reserved for records, so logs never go there by default.
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
	level := ParseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel converts LogLevel to zerolog.Level. Unknown values fall back to info.
func ParseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// ValidLevel reports whether level is one ParseLevel knows. Empty is valid (info).
func ValidLevel(level LogLevel) bool {
	switch strings.ToLower(string(level)) {
	case "", "debug", "info", "warn", "warning", "error", "disabled", "off":
		return true
	default:
		return false
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Secret is a string that never shows up in logs or formatted output.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return Redacted
}

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string {
	return s.String()
}

// MarshalText keeps JSON and text encoders from leaking the value.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reveal returns the raw value. Only the transport layer should call it.
func (s Secret) Reveal() string {
	return string(s)
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Request flow (method, path, params, request_id)
//   - Per-page pagination events
//   - Stream decoder progress
//
// Info: Normal operation events
//   - Session creation (base URL, proxy host)
//   - Pagination progress ("fetched page N of M")
//   - Export completion (records streamed)
//
// Warn: Warning conditions that don't prevent operation
//   - HTTP 429 and local cooldown blocks
//   - Caller-level retry attempts
//   - Config file problems that fall back to defaults
//
// Error: Error conditions requiring attention
//   - Failed runs (after retries, if any)
//   - Transport failures
//
// Context Fields:
//   - component: emitting package (transport, onyphe, pagination, ...)
//   - feature: API feature (search, export, user, ...)
//   - request_id: per-request correlation id
//   - status: HTTP status code
//   - page, max_page: pagination cursor
//   - index: export record index
