// Package log is the process-wide structured logger. Call sites pass a message
// followed by alternating key/value pairs.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger = zerolog.Nop()

// Setup configures the global logger. Debug output is enabled when verbose is set.
func Setup(verbose bool) {
	SetOutput(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}, verbose)
}

// SetOutput configures the global logger to write to w.
func SetOutput(w io.Writer, verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func Debug(msg string, kv ...any) {
	logger.Debug().Fields(kv).Msg(msg)
}

func Info(msg string, kv ...any) {
	logger.Info().Fields(kv).Msg(msg)
}

func Warn(msg string, kv ...any) {
	logger.Warn().Fields(kv).Msg(msg)
}

func Error(msg string, kv ...any) {
	logger.Error().Fields(kv).Msg(msg)
}
