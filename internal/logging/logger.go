package logging

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide JSON logger. slog keeps the standard
// library feel while emitting structured records the dispatch components
// attach trip and driver ids to.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(level),
		AddSource: true,
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func levelFromString(level string) slog.Leveler {
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
