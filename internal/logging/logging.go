package logging

import (
	"io"
	"log/slog"
)

// New returns an isolated logger writing to w. Format must be "text" or
// "json". A nil writer yields a logger that discards everything.
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	if w == nil {
		return slog.New(slog.DiscardHandler)
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Component returns l with a "component" attribute for module-scoped logging.
func Component(l *slog.Logger, name string) *slog.Logger {
	return l.With(slog.String("component", name))
}
