// Package logging provides the process-wide structured logger shared by the
// control-session state machines, plus the "conn_id"/"remote" tagging
// convention every per-session logger in this repo follows.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// L returns the current global logger, the default every Server/Client is
// constructed with before a WithLogger option overrides it.
func L() *slog.Logger { return logger.Load() }

// Set replaces the global logger; a nil argument is a no-op so callers can
// pass a possibly-unset override through without an extra branch.
func Set(l *slog.Logger) {
	if l != nil {
		logger.Store(l)
	}
}

// New builds a logger for one of the two subcommands. format selects the
// handler ("json" for machine-parseable deployment logs, anything else
// falls back to slog's text handler for local/interactive use). level below
// debug also turns on source file:line annotations, since that's the only
// tier where tracing a log line back to its call site earns its verbosity.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: levelEnablesSource(level)}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func levelEnablesSource(level slog.Leveler) bool {
	return level != nil && level.Level() <= slog.LevelDebug
}

// ForSession tags a logger with the identifiers every control-session log
// line in this repo carries, so tunserver and tunclient don't each hand-roll
// the same With() call at every connection's entry point.
func ForSession(base *slog.Logger, connID uint64, remote string) *slog.Logger {
	return base.With("conn_id", connID, "remote", remote)
}
