// Package telemetry configures structured logging for the retry core's
// binaries and examples.
package telemetry

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// LogLevel reads the logging level from the LOG_LEVEL environment
// variable. Accepted values: DEBUG, INFO, WARN, ERROR. Defaults to INFO.
func LogLevel() slog.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger initializes the process-wide logger.
//
// The output format is selected by LOG_FORMAT:
//   - "json" (default) for production
//   - "text" for a colorized human-readable development format
func SetupLogger() *slog.Logger {
	var handler slog.Handler

	level := LogLevel()

	if os.Getenv("LOG_FORMAT") == "text" {
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05.000",
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level:     level,
			AddSource: level == slog.LevelDebug,
		})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
