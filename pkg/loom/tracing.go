package loom

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "loom")
	TracerName string
	// TracerProvider creates the tracer (default: the global provider)
	TracerProvider trace.TracerProvider
	// SkipPaths lists paths to skip tracing (e.g., health checks)
	SkipPaths []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "loom",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a middleware that adds OpenTelemetry tracing to HTTP requests.
// It uses default configuration settings and skips tracing for health and metrics endpoints.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a middleware that adds OpenTelemetry tracing with custom configuration.
// It creates a server span per request, continuing the trace found in the
// request headers, and hands handlers a context carrying the span.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "loom"
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	tracer := config.TracerProvider.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(w *ResponseWriter, r *Request) error {
			if skipMap[r.Path()] {
				return next.ServeHTTP1(w, r)
			}

			parentCtx := config.Propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			spanCtx, span := tracer.Start(
				parentCtx,
				r.Method+" "+r.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.RequestURI),
				attribute.String("http.host", r.Host),
				attribute.String("http.flavor", r.Proto),
				attribute.Int64("http.request_content_length", int64(len(r.Body()))),
			)
			if id, ok := RequestIDFromContext(r.Context()); ok {
				span.SetAttributes(attribute.String("http.request_id", id))
			}

			err := next.ServeHTTP1(w, r.WithContext(spanCtx))

			status := responseStatus(w, err)
			span.SetAttributes(attribute.Int("http.status_code", status))

			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case status >= 500:
				span.SetStatus(codes.Error, "HTTP error")
			default:
				span.SetStatus(codes.Ok, "")
			}

			return err
		})
	}
}
