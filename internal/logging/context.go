package logging

import "context"

type ctxKey struct{}

// scope is what a request context carries.
type scope struct {
	correlationID string
	logger        *Logger
}

func scopeOf(ctx context.Context) scope {
	s, _ := ctx.Value(ctxKey{}).(scope)
	return s
}

// WithLoggerCtx attaches l to ctx, keeping any correlation id already there.
func WithLoggerCtx(ctx context.Context, l *Logger) context.Context {
	s := scopeOf(ctx)
	s.logger = l
	return context.WithValue(ctx, ctxKey{}, s)
}

// CorrelationID returns the correlation id of the request ctx belongs to,
// or "".
func CorrelationID(ctx context.Context) string {
	return scopeOf(ctx).correlationID
}

// FromCtx returns the logger attached to ctx. Without one it falls back to
// the global logger, tagged with the context's correlation id.
func FromCtx(ctx context.Context) *Logger {
	s := scopeOf(ctx)
	if s.logger != nil {
		return s.logger
	}
	l := Global()
	if s.correlationID != "" {
		l = l.WithCorrelationID(s.correlationID)
	}
	return l
}

// RequestContext derives the context a routed request is handled in. It
// carries the correlation id and base, or the global logger when base is
// nil, tagged with it.
func RequestContext(ctx context.Context, base *Logger, correlationID string) context.Context {
	if base == nil {
		base = scopeOf(ctx).logger
	}
	if base == nil {
		base = Global()
	}
	return context.WithValue(ctx, ctxKey{}, scope{
		correlationID: correlationID,
		logger:        base.WithCorrelationID(correlationID),
	})
}
