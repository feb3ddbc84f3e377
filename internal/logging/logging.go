// Package logging builds the zerolog logger shared by the daemon.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing human-readable lines in development and JSON otherwise.
func New(environment, level string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if environment == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return NewWithWriter(out, level)
}

// NewWithWriter returns a logger writing to out at the given level.
func NewWithWriter(out io.Writer, level string) zerolog.Logger {
	return zerolog.New(out).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("service", "mailsync").
		Logger()
}

// ParseLevel maps trace|debug|info|warn|error to a zerolog level. Unknown values mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// ForAccount returns a child logger tagged with the account id.
func ForAccount(log zerolog.Logger, accountID string) zerolog.Logger {
	return log.With().Str("account", accountID).Logger()
}
