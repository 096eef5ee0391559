// Package obs centralizes the Engine and Tester's ambient observability:
// structured logging and Prometheus metrics.
//
// Grounded on cmd/server/main.go's setupLogging (log/slog, a JSON or text
// handler, debug-gated source locations) and
// internal/metrics/collector.go's promauto-registered metric families,
// generalized from alert/notification/Kafka counters to cycle, rule, and
// scenario counters.
package obs

import (
	"log/slog"
	"os"

	"github.com/aegisshield/sentinel/internal/config"
)

const serviceName = "sentinel"

// NewLogger builds the slog.Logger for one process. cfg.Format "text"
// selects a text handler and any other value a JSON handler; environment
// is only attached as a log attribute and does not affect the choice.
func NewLogger(cfg config.LoggingConfig, environment string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: debug}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", serviceName, "environment", environment)
	slog.SetDefault(logger)
	return logger
}
