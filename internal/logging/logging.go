// Package logging builds the structured zerolog logger shared by
// every component of fanoutd.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger.
type Options struct {
	Level  zerolog.Level
	Pretty bool
}

// New builds a zerolog.Logger with JSON output by default, or a
// console writer when Pretty is set (local development).
func New(opts Options) zerolog.Logger {
	zerolog.SetGlobalLevel(opts.Level)

	var output io.Writer = os.Stdout
	if opts.Pretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", "fanoutd").
		Logger()
}
