// Package kit holds the transport-neutral endpoint shape shared by the
// feedpipe HTTP API and MCP tools: a typed request goes in, a JSON-encodable
// response comes out.
package kit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Endpoint handles one decoded request.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares so the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

type contextKey string

const (
	transportKey contextKey = "kit_transport"
	traceIDKey   contextKey = "kit_trace_id"
)

// WithTransport tags ctx with the transport that carried the request ("http", "mcp").
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey, t)
}

// GetTransport returns the transport tag, "http" when unset.
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey).(string); ok {
		return v
	}
	return "http"
}

// WithTraceID tags ctx with a correlation ID, the run ID for pipeline runs.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// GetTraceID returns the correlation ID, "" when unset.
func GetTraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// Tracing gives each call a trace ID unless the caller already set one.
func Tracing() Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if GetTraceID(ctx) == "" {
				ctx = WithTraceID(ctx, uuid.NewString())
			}
			return next(ctx, req)
		}
	}
}

// Logging logs every call of the wrapped endpoint at debug level, and
// failures at warn.
func Logging(logger *slog.Logger, name string) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			log := logger.With("endpoint", name, "transport", GetTransport(ctx),
				"trace_id", GetTraceID(ctx), "duration", time.Since(start))
			if err != nil {
				log.Warn("kit: endpoint failed", "error", err)
			} else {
				log.Debug("kit: endpoint served")
			}
			return resp, err
		}
	}
}
