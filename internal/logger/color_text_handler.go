package logger

import (
	"context"
	"io"
	"log/slog"
)

// ColorTextHandler wraps slog.TextHandler to add ANSI color codes for different log levels
type ColorTextHandler struct {
	*slog.TextHandler
}

// NewColorTextHandler creates a new ColorTextHandler. When showTime is false the
// time attribute is dropped, which keeps terminal output short.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	o.ReplaceAttr = chainReplace(o.ReplaceAttr, func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && (a.Key == slog.LevelKey || (!showTime && a.Key == slog.TimeKey)) {
			return slog.Attr{}
		}
		return a
	})
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, &o)}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var colorCode string
	switch {
	case r.Level >= slog.LevelError:
		colorCode = "\033[31m" // Red
	case r.Level >= slog.LevelWarn:
		colorCode = "\033[33m" // Yellow
	case r.Level >= slog.LevelInfo:
		colorCode = "\033[32m" // Green
	default:
		colorCode = "\033[36m" // Cyan
	}
	r.Message = colorCode + r.Level.String() + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler)}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler)}
}

func chainReplace(first, second func([]string, slog.Attr) slog.Attr) func([]string, slog.Attr) slog.Attr {
	if first == nil {
		return second
	}
	return func(groups []string, a slog.Attr) slog.Attr {
		return second(groups, first(groups, a))
	}
}
