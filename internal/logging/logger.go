package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler. LOG_LEVEL overrides the level.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	level := slog.LevelDebug
	if env == "production" {
		level = slog.LevelInfo
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		var parsed slog.Level
		if err := parsed.UnmarshalText([]byte(v)); err == nil {
			level = parsed
		}
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	slog.SetDefault(slog.New(handler))
}

// WithSync returns a logger with sync run fields attached.
// Use this for all logging within one phase run.
func WithSync(syncID, phase, clinicID string) *slog.Logger {
	return slog.With(
		"sync_id", syncID,
		"phase", phase,
		"clinic_id", clinicID,
	)
}

// WithItem returns a logger scoped to one work item within a run.
func WithItem(logger *slog.Logger, kind, id string) *slog.Logger {
	return logger.With(
		"item_kind", kind,
		"item_id", id,
	)
}
