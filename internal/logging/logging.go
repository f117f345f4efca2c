// Package logging provides the structured logger used by every component
// of the daemon. It wraps log/slog with a context-scoped attribute handler
// so a job ID, script name or source IP attached to a context.Context
// automatically appears on every record logged through that context.
package logging

import (
	"context"
	"io"
	"log/slog"
)

type ctxKey struct{}

// ContextHandler injects attributes stashed on the context by With into
// every record it handles.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{Handler: handler}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs, ok := ctx.Value(ctxKey{}).([]slog.Attr); ok {
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

// With returns a context carrying the given attributes; loggers created
// with New will attach them to every record logged through that context.
func With(ctx context.Context, attrs ...slog.Attr) context.Context {
	existing, _ := ctx.Value(ctxKey{}).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(existing)+len(attrs))
	merged = append(merged, existing...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, ctxKey{}, merged)
}

// New builds the daemon's root logger. Output is line-delimited JSON on w;
// verbose raises the level from Info to Debug.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(NewContextHandler(base))
}
