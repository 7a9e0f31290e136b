// Package log carries a request-scoped slog.Logger through contexts.
// Handlers attach fields once and everything below them logs with those
// fields attached.
package log

import (
	"context"
	"log/slog"
)

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger stored in the context, or the process default
// logger when none was attached.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// With returns a new context carrying the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}
