// Package logging builds the structured JSON logger used by workers, the API
// server and the orchestrator, plus canonical attribute helpers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a JSON logger at the given level (debug, info, warn, error).
// A nil writer logs to stderr so CLI output on stdout stays parseable.
func NewLogger(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	lvl := ParseLevel(level)
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func WithComponent(l *slog.Logger, component string) *slog.Logger {
	return OrDefault(l).With(KeyComponent, component)
}

func WithJob(l *slog.Logger, jobID string) *slog.Logger {
	return OrDefault(l).With(KeyJobID, jobID)
}

func WithStage(l *slog.Logger, jobID, stage string) *slog.Logger {
	return OrDefault(l).With(KeyJobID, jobID, KeyStage, stage)
}
