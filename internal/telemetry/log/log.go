// Package log wraps zerolog with the conventions portfan's components
// share: a single process-wide logger built once at startup, forked per
// component via With().Str("component", ...) so every line is
// attributable, and a verbose flag that toggles debug-level output.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process-wide logger. verbose selects debug level;
// otherwise info level. Output goes to w (os.Stderr when w is nil) in a
// human-readable console format, matching what an operator watching a foreground proxy
// process expects to see.
func New(verbose bool, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(console).Level(level).With().Timestamp().Logger()
}

// Component forks logger with a "component" field, the convention every
// package in portfan uses to attribute its log lines.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
