package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// New builds the process logger. Terminals get a console writer, everything
// else gets one JSON object per line.
func New(level string) logr.Logger {
	return NewWithWriter(os.Stderr, level, isatty.IsTerminal(os.Stderr.Fd()))
}

func NewWithWriter(w io.Writer, level string, console bool) logr.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"
	// logr V(1) maps to zerolog debug.
	zerologr.SetMaxV(1)

	zl := zerolog.New(w)
	if console {
		zl = zl.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	zl = zl.Level(parseLevel(level)).With().Timestamp().Logger()
	return zerologr.New(&zl)
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "error":
		return zerolog.ErrorLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
