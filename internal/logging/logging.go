// Package logging builds the agent's JSON [log/slog] logger. Durations are
// rendered as Go duration strings ("1.5s") rather than nanosecond integers
// so sync, flush, and request timings read the same in every component.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ComponentKey is the attribute naming the subsystem that emitted a record.
const ComponentKey = "component"

// New returns a logger writing to stderr at level.
func New(level string) *slog.Logger {
	return NewWithWriter(level, os.Stderr)
}

// NewWithWriter returns a logger writing JSON records to w. Unknown levels
// fall back to info.
func NewWithWriter(level string, w io.Writer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: replaceAttr,
	}))
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().String())
	}
	return a
}

// Component tags logger with the subsystem name. A nil logger means
// [slog.Default].
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(ComponentKey, name)
}

// ParseLevel maps debug, info, warn (or warning), and error to a level,
// ignoring case and surrounding space.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
