// Package logging provides structured logging for the simulated device
// provider.
//
// It wraps log/slog so every component — dispatcher, physics ticker, remote
// adapter — logs through one consistently-shaped sink. Since stdout carries
// the framed protocol, logs always go to stderr regardless of config.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/FEASTorg/anolis-provider-sim/internal/infrastructure/config"
)

// Logger wraps slog.Logger with provider-specific defaults.
//
// Thread Safety: all methods are safe for concurrent use from multiple
// goroutines (the physics ticker and the request thread both log through
// the same instance).
type Logger struct {
	*slog.Logger
}

// New creates a new Logger from the loaded LoggingConfig.
func New(cfg config.LoggingConfig, version string) *Logger {
	output := loggingOutput(cfg.Output)

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", "sim-device-provider"),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(handler)}
}

// loggingOutput resolves the configured output to a writer. Stdout is
// deliberately never returned: the framed protocol owns stdout and any log
// line written there would corrupt the frame stream.
func loggingOutput(output string) io.Writer {
	switch strings.ToLower(output) {
	case "", "stderr", "stdout":
		return os.Stderr
	default:
		return os.Stderr
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// With returns a new Logger with additional default attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Default creates a logger usable before configuration has loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stderr"}, "dev")
}
