// Package logging builds the process-wide slog logger for chat-sync.
package logging

import (
	"log/slog"
	"os"
)

// NewLogger returns a logger tuned for the given environment. Production
// emits JSON at info level for log shipping; anything else gets debug-level
// text output for local development.
func NewLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}
