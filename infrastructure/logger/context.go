package logger

import (
	"context"
	"sync/atomic"
)

type ctxKey struct{}

var fallback atomic.Pointer[Logger]

// SetFallback installs the logger FromContext returns for contexts that carry
// none. Until it is called a no-op logger is used.
func SetFallback(l Logger) {
	if l == nil {
		l = NewNop()
	}
	fallback.Store(&l)
}

// WithContext returns a new context carrying l.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// WithFields derives a child of the context's logger and stores it in the
// returned context.
func WithFields(ctx context.Context, fields ...Field) (context.Context, Logger) {
	l := FromContext(ctx).With(fields...)
	return WithContext(ctx, l), l
}

// FromContext retrieves the logger stored by WithContext, or the fallback.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	if l := fallback.Load(); l != nil {
		return *l
	}
	return NewNop()
}
