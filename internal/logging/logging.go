// Package logging builds the process logger: JSON lines in production,
// colored tint output for local development.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel maps debug, info, warn and error to a slog level. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// New returns a logger writing to w in the given format ("json" or "text").
func New(w io.Writer, format, level string) *slog.Logger {
	lvl := ParseLevel(level)
	if format == "text" {
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
			AddSource:  true,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Setup builds the logger and installs it as the slog default.
func Setup(w io.Writer, format, level string) *slog.Logger {
	l := New(w, format, level)
	slog.SetDefault(l)
	return l
}
