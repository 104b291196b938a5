// Package logging wraps log/slog with correlation-id injection, the same
// shape as the teacher's telemetry stack (_examples/99souls-ariadne/engine/
// telemetry/logging/logging.go), but correlating on session/tab identifiers
// instead of trace/span ids since this coordinator has no tracer.
package logging

import (
	"context"
	"log/slog"
	"os"
)

type sessionKey struct{}
type tabKey struct{}

// WithSession attaches a session id to ctx for later log correlation.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// WithTab attaches a tab id to ctx for later log correlation.
func WithTab(ctx context.Context, tabID int) context.Context {
	return context.WithValue(ctx, tabKey{}, tabID)
}

// Logger is a minimal correlation-aware wrapper over *slog.Logger.
type Logger interface {
	DebugCtx(ctx context.Context, msg string, attrs ...any)
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapping base (slog.Default() if nil).
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

// NewJSON builds a JSON-handler logger writing to os.Stdout at the given
// level.
func NewJSON(level slog.Level) Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return New(slog.New(h))
}

func (l *correlatedLogger) correlate(ctx context.Context, attrs []any) []any {
	if sid, ok := ctx.Value(sessionKey{}).(string); ok && sid != "" {
		attrs = append(attrs, slog.String("session_id", sid))
	}
	if tid, ok := ctx.Value(tabKey{}).(int); ok && tid != 0 {
		attrs = append(attrs, slog.Int("tab_id", tid))
	}
	return attrs
}

func (l *correlatedLogger) DebugCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.DebugContext(ctx, msg, l.correlate(ctx, attrs)...)
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, l.correlate(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, l.correlate(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, l.correlate(ctx, attrs)...)
}
