// Package log provides the engine's single logging discipline: structured,
// leveled logging via log/slog, scoped per component the way execute.go
// scopes its debug logs under slog.Group("stage", ...).
package log

import (
	"context"
	"log/slog"
	"os"
)

var level = new(slog.LevelVar) // zero value is slog.LevelInfo

var base = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

// SetLevel adjusts the process-wide minimum log level.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// For returns a logger scoped to a named engine component, e.g.
// log.For("querymanager").
func For(component string) *slog.Logger {
	return base.With(slog.String("component", component))
}

// ctxKey is the context key under which request-scoped fields (query id, origin id) can
// ride along without threading a logger through every call.
type ctxKey struct{}

// WithFields returns a derived context carrying extra structured fields that
// FromContext will attach to any logger it returns.
func WithFields(ctx context.Context, args ...any) context.Context {
	existing, _ := ctx.Value(ctxKey{}).([]any)
	return context.WithValue(ctx, ctxKey{}, append(append([]any{}, existing...), args...))
}

// FromContext returns a component logger enriched with any fields attached
// via WithFields.
func FromContext(ctx context.Context, component string) *slog.Logger {
	l := For(component)
	if fields, ok := ctx.Value(ctxKey{}).([]any); ok {
		l = l.With(fields...)
	}
	return l
}
