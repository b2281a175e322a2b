// Package log builds the process-wide zerolog logger.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger for environment. Production emits JSON at info level,
// everything else a console writer; debug forces debug level.
func New(environment string, debug bool) zerolog.Logger {
	return NewWithWriter(os.Stdout, environment, debug)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(out io.Writer, environment string, debug bool) zerolog.Logger {
	if environment != "production" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	level := zerolog.InfoLevel
	if debug || environment == "development" {
		level = zerolog.DebugLevel
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("env", environment).
		Logger()
}
