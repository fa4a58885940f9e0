package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Every line carries the binary name in
// "service". LOG_LEVEL overrides the environment's default level.
func NewLogger(cfg *Config, service string) zerolog.Logger {
	return newLogger(os.Stdout, cfg.AppEnv, cfg.LogLevel, service)
}

func newLogger(out io.Writer, appEnv, level, service string) zerolog.Logger {
	lvl := zerolog.InfoLevel
	if appEnv == "development" {
		lvl = zerolog.DebugLevel
	}
	if level != "" {
		if parsed, err := zerolog.ParseLevel(level); err == nil {
			lvl = parsed
		}
	}

	if appEnv == "development" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Logger is the logging type passed between packages.
type Logger = zerolog.Logger
