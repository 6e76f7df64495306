package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithDatabase returns a logger with tenant database context attached.
// Use this for all logging within a per-database operation.
func WithDatabase(database string) *slog.Logger {
	return slog.With("database", database)
}

// WithTrigger returns a logger scoped to one scheduled trigger's run.
func WithTrigger(trigger, instanceID string) *slog.Logger {
	return slog.With(
		"trigger", trigger,
		"instance_id", instanceID,
	)
}
