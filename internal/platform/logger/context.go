package logger

import (
	"context"
	"log/slog"
)

// loggerKey is the context key under which a request- or task-scoped
// logger travels.
type loggerKey struct{}

// WithLogger returns a context carrying the given logger. Code lower in
// the call stack retrieves it with FromContext, so task- and request-scoped
// attributes follow the work they describe.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

// FromContext returns the logger carried by the context, or the process
// default logger when the context carries none.
func FromContext(ctx context.Context) *slog.Logger {
	if log, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	return slog.Default()
}

// FromContextOrDefault returns the logger carried by the context, or the
// given fallback when the context carries none. Components pass their own
// attributed logger as the fallback.
func FromContextOrDefault(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if log, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && log != nil {
		return log
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}
