// Package logging provides structured logging using zerolog.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide logger. Packages log through the helpers below
// or derive component loggers via Component.
var Logger zerolog.Logger

// Options configures the global logger.
type Options struct {
	// Level is the minimum level to emit. Defaults to "info".
	Level string
	// Pretty switches to human-readable console output.
	Pretty bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// Setup initializes the global logger.
func Setup(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = time.RFC3339
	Logger = zerolog.New(w).Level(parseLevel(opts.Level)).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Debug starts a debug-level log event.
func Debug() *zerolog.Event { return Logger.Debug() }

// Info starts an info-level log event.
func Info() *zerolog.Event { return Logger.Info() }

// Warn starts a warn-level log event.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error starts an error-level log event.
func Error() *zerolog.Event { return Logger.Error() }

// Fatal starts a fatal-level log event; Msg/Send will exit the process.
func Fatal() *zerolog.Event { return Logger.Fatal() }

func init() {
	Setup(Options{})
}
