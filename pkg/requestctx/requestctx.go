// Package requestctx carries the correlation identifier of a unit of work
// (an HTTP request, a consumed message, a command) through a context.Context.
//
// A value stored with WithRequestID is only visible to code that receives the
// derived context, so concurrent units of work never share a slot and nothing
// has to be cleared once the work returns.
package requestctx

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying id. An empty id leaves ctx unchanged.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID returns the correlation id stored in ctx, if any.
func RequestID(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(requestIDKey{}).(string)
	return id, ok && id != ""
}

// NewRequestID generates a fresh correlation id.
func NewRequestID() string {
	return uuid.NewString()
}

// Ensure returns ctx unchanged when it already carries a request id, otherwise
// a derived context with a newly generated one. The id in effect is returned too.
func Ensure(ctx context.Context) (context.Context, string) {
	if id, ok := RequestID(ctx); ok {
		return ctx, id
	}
	id := NewRequestID()
	return WithRequestID(ctx, id), id
}

// Logger returns logger with a request_id field when ctx carries one.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if id, ok := RequestID(ctx); ok {
		return logger.With().Str("request_id", id).Logger()
	}
	return logger
}
