// Package logging holds the process-wide structured logger. Packages pull it
// through L() so the handler chosen at startup (format, level, sink) applies
// everywhere without threading a logger through every constructor.
package logging

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(New("text", slog.LevelInfo, nil))
}

// L returns the current global logger.
func L() *slog.Logger { return current.Load() }

// Set replaces the global logger. A nil logger is ignored.
func Set(l *slog.Logger) {
	if l != nil {
		current.Store(l)
	}
}

// Component returns the global logger tagged with a component attribute.
func Component(name string) *slog.Logger { return L().With("component", name) }

// New builds a logger writing to w (stderr when nil). format selects the
// slog handler, "json" or anything else for text.
func New(format string, level slog.Leveler, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
