// Package logging provides the one structured logger type threaded
// through every component of kvloop: a thin construction wrapper around
// github.com/joeycumines/logiface backed by
// github.com/joeycumines/izerolog (which itself wraps
// github.com/rs/zerolog).
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the concrete logger type passed around the server: every
// component (event loop, worker, background loop, dispatcher, database,
// command table) takes one of these rather than reaching for a package
// global.
type Logger = *logiface.Logger[logiface.Event]

// Config controls how New builds a Logger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Empty means "info".
	Level string
	// Format is "json" (default) or "console" (human-readable, for -v at a
	// terminal).
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New builds a Logger per cfg. It is called exactly once at process
// startup (cmd/kvloopd) and the result threaded explicitly through the
// server context; there is no package-level default logger.
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var zl zerolog.Logger
	if cfg.Format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: out})
	} else {
		zl = zerolog.New(out)
	}
	zl = zl.With().Timestamp().Logger()

	return izerolog.L.New(izerolog.L.WithZerolog(zl), logiface.WithLevel[*izerolog.Event](parseLevel(cfg.Level))).Logger()
}

func parseLevel(s string) logiface.Level {
	switch s {
	case "debug":
		return logiface.LevelDebug
	case "warn", "warning":
		return logiface.LevelWarning
	case "error":
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}

// Nop returns a Logger that discards everything, for tests that don't care
// about log output.
func Nop() Logger {
	return New(Config{Level: "error", Output: io.Discard})
}
