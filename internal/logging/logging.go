// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name stamped on every line
}

var (
	mu         sync.Mutex
	baseWriter io.Writer = os.Stderr
)

// Init configures zerolog globals and returns the baseline logger.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	writer := selectWriter(cfg.Format)
	ctx := zerolog.New(writer).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger
}

// SetGlobalLevel updates the global zerolog level at runtime.
func SetGlobalLevel(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "trace":
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

func selectWriter(format string) io.Writer {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return baseWriter
	case "console":
		return zerolog.ConsoleWriter{Out: baseWriter, TimeFormat: "15:04:05"}
	default:
		// auto: console when stderr is a terminal, json otherwise
		if f, ok := baseWriter.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			return zerolog.ConsoleWriter{Out: baseWriter, TimeFormat: "15:04:05"}
		}
		return baseWriter
	}
}
