package log

import (
	"io"
	"os"

	"depthbook/internal/config"

	"github.com/rs/zerolog"
)

type Logger = zerolog.Logger

// NewLogger builds the process logger: JSON to stderr, or a console writer
// when logging.pretty is set. Unknown levels fall back to info.
func NewLogger(cfg config.Config) Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	var out io.Writer = os.Stderr
	if cfg.Logging.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "depthbook").Logger()
}

// Component returns a child logger tagged with the component name.
func Component(l Logger, name string) Logger {
	return l.With().Str("component", name).Logger()
}

// Nop discards everything; handy in tests.
func Nop() Logger { return zerolog.Nop() }
