package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance
var Log zerolog.Logger

func init() {
	Log = New(os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
}

// New builds a logger for the given environment and level name.
// Production gets JSON on stdout, everything else a console writer on stderr.
// Unknown or empty levels fall back to info.
func New(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	l := zerolog.New(os.Stdout).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	if env != "production" {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l
}

// Configure replaces the global logger, typically after config has been loaded.
func Configure(env, level string) {
	Log = New(env, level)
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}
