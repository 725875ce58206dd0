// Package logger provides structured logging using slog.
package logger

import (
	"log/slog"
	"os"
)

// New creates a new slog.Logger with the specified level and format.
func New(level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// Default creates a logger with default settings (INFO level, JSON format).
func Default() *slog.Logger {
	return New(slog.LevelInfo, true)
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
