package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// traceContext carries W3C trace headers across process boundaries. One
// instance is enough; the propagator is stateless.
var traceContext = propagation.TraceContext{}

// instrumented captures the status code a handler writes. A handler that
// never calls WriteHeader implicitly answered 200.
type instrumented struct {
	http.ResponseWriter
	status int
}

func (w *instrumented) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware wraps a handler with the per-request observability the rest of
// the service relies on. It continues the trace a caller sends via
// traceparent (or opens a fresh one), answers with an X-Correlation-ID header
// so clients can quote the trace in support requests, and once the handler
// returns records latency to [Metrics.HTTPRequestDuration] along with a
// trace-correlated completion log line.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := traceContext.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			if cid := CorrelationID(ctx); cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			traceContext.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			iw := &instrumented{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(iw, r.WithContext(ctx))
			elapsed := time.Since(start)

			span.SetAttributes(semconv.HTTPResponseStatusCode(iw.status))
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("path", r.URL.Path),
				),
			)
			Logger(ctx).LogAttrs(ctx, slog.LevelInfo, "request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", iw.status),
				slog.Duration("elapsed", elapsed),
			)
		})
	}
}
