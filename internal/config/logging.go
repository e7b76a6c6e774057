package config

import (
	"io"
	"log/slog"
)

// SetupLogging builds and installs the process-wide slog logger from the
// logging section. Returns the logger for callers that want to derive
// component loggers with preset attrs.
func SetupLogging(cfg LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch NormalizeLogLevel(cfg.Level) {
	case LogLevelDebug:
		level = slog.LevelDebug
	case LogLevelWarn:
		level = slog.LevelWarn
	case LogLevelError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if NormalizeLogFormat(cfg.Format) == LogFormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
