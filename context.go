package jwtguard

import (
	"context"
	"log/slog"
)

type guardCtxKey struct{}

type loggerCtxKey struct{}

// WithGuard returns a copy of ctx carrying g.
func WithGuard(ctx context.Context, g *Guard) context.Context {
	return context.WithValue(ctx, guardCtxKey{}, g)
}

// GuardFromContext returns the guard the middleware stored in ctx.
func GuardFromContext(ctx context.Context) (*Guard, bool) {
	g, ok := ctx.Value(guardCtxKey{}).(*Guard)
	return g, ok && g != nil
}

// UserFromContext returns the authenticated user of the request ctx belongs
// to, or nil.
func UserFromContext(ctx context.Context) Authenticatable {
	g, ok := GuardFromContext(ctx)
	if !ok {
		return nil
	}
	return g.User(ctx)
}

// WithLogger returns a copy of ctx carrying logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// LoggerFromContext returns the logger stored in ctx, or fallback.
func LoggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}
