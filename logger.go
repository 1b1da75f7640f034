package annostore

import (
	"log/slog"
	"os"
	"strings"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging sets up the global default logger with a TextHandler on
// stderr and configures the log level from the ANNOSTORE_LOG_LEVEL environment
// variable. It defaults to Info level if not specified.
//
// Applications call this at startup if they want the default logging setup.
func ConfigureLogging() {
	logLevel.Set(ParseLogLevel(os.Getenv("ANNOSTORE_LOG_LEVEL")))

	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel sets the logging level for the logger configured by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}

// ParseLogLevel maps DEBUG/INFO/WARN/ERROR (any case) to a slog level, defaulting to Info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}
	return slog.LevelInfo
}
