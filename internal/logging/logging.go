// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a console logger in development and a JSON logger tagged
// with the service and environment everywhere else. Unknown levels fall
// back to info.
func New(levelStr, environment, service string) zerolog.Logger {
	return NewWithWriter(os.Stdout, levelStr, environment, service)
}

func NewWithWriter(w io.Writer, levelStr, environment, service string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil || levelStr == "" {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Str("environment", environment).
		Logger()
}
