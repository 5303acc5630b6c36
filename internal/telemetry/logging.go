// Package telemetry wires structured logging and OpenTelemetry the same
// way the core libs package this repo is grounded on does it: env-driven
// handler selection for logs, OTLP gRPC exporters for traces and metrics,
// both tolerant of a missing collector at startup.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// InitLogging installs a process-wide slog default logger for service,
// selecting JSON vs. text output and level from the environment.
func InitLogging(service string) *slog.Logger {
	jsonOut := true
	switch strings.ToLower(os.Getenv("SAGA_LOG_FORMAT")) {
	case "text", "console":
		jsonOut = false
	}

	level := levelFromEnv()
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if jsonOut {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", jsonOut, "level", level.Level())
	return logger
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("SAGA_LOG_LEVEL")) {
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

// redactedContextKeys lists execution-record context fields that must
// never be written to a log record verbatim.
var redactedContextKeys = map[string]bool{
	"signing_key":  true,
	"private_key":  true,
	"queue_secret": true,
}

// SafeContext returns a copy of an execution record's context map with
// sensitive keys replaced, suitable for passing to slog as a log attribute.
func SafeContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if redactedContextKeys[k] {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}
