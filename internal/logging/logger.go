package logging

import (
	"log/slog"
	"os"
)

// serviceName tags every record so aggregated logs from a gomuks
// deployment can be filtered down to this client.
const serviceName = "gomuks-client"

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format at info level, development uses
// human-readable text at debug level.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With(slog.String("service", serviceName))
}

// Component returns a child logger tagged with a subsystem name, so
// records from the session, correlator, timeline store and friends can
// be told apart in one shared stream.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String("component", name))
}
