// Package log wraps zerolog so every component logs the same way.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Logger = zerolog.Logger

type Fields map[string]interface{}

// New returns a JSON logger, or a human-readable console logger in development.
func New(env string) Logger {
	return NewWithWriter(env, os.Stdout)
}

func NewWithWriter(env string, w io.Writer) Logger {
	level := zerolog.InfoLevel
	out := w
	if env == "development" || env == "local" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Nop discards everything; used by tests and optional collaborators.
func Nop() Logger { return zerolog.Nop() }

func With(logger Logger, fields Fields) Logger {
	ctx := logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return ctx.Logger()
}
