package rpc

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tronlabs/tron/internal/observability"
)

// Recovery converts handler panics into INTERNAL_ERROR responses so one
// bad method cannot take down the connection.
func Recovery(logger *observability.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					if logger != nil {
						logger.Error(ctx, "rpc handler panicked",
							"method", req.Method, "panic", r)
					}
					result = nil
					err = NewError(CodeInternalError, "internal error in %s", req.Method)
				}
			}()
			return next(ctx, req)
		}
	}
}

// Logging records one line per dispatched request: debug on success, warn
// on failure with the mapped code.
func Logging(logger *observability.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			elapsed := time.Since(start)
			if logger == nil {
				return result, err
			}
			if err != nil {
				logger.Warn(ctx, "rpc request failed",
					"method", req.Method,
					"code", string(FromError(err).Code),
					"duration_ms", elapsed.Milliseconds(),
					"error", err)
			} else {
				logger.Debug(ctx, "rpc request",
					"method", req.Method,
					"duration_ms", elapsed.Milliseconds())
			}
			return result, err
		}
	}
}

// Metrics counts requests by method and result code and observes dispatch
// latency. Successful requests count under code "OK".
func Metrics(m *observability.Metrics) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			if m != nil {
				code := "OK"
				if err != nil {
					code = string(FromError(err).Code)
				}
				m.RPCRequests.WithLabelValues(req.Method, code).Inc()
				m.RPCDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
			}
			return result, err
		}
	}
}

// Tracing opens one span per request, named after the method, with the
// request id attached. Errors mark the span failed.
func Tracing(tracer *observability.Tracer) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			if tracer == nil {
				return next(ctx, req)
			}
			ctx, span := tracer.Start(ctx, "rpc."+req.Method,
				attribute.String("rpc.method", req.Method),
				attribute.String("rpc.request_id", req.ID))
			defer span.End()
			result, err := next(ctx, req)
			if err != nil {
				observability.RecordError(span, err)
			}
			return result, err
		}
	}
}
