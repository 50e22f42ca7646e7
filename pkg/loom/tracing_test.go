package loom

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecorder() (*tracetest.SpanRecorder, TracingConfig) {
	sr := tracetest.NewSpanRecorder()
	cfg := DefaultTracingConfig()
	cfg.TracerProvider = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, cfg
}

func attr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracing_Middleware(t *testing.T) {
	sr, cfg := newRecorder()

	var inHandler trace.SpanContext
	h := TracingWithConfig(cfg)(HandlerFunc(func(w *ResponseWriter, r *Request) error {
		inHandler = trace.SpanContextFromContext(r.Context())
		return okHandler(w, r)
	}))

	if _, _, err := serve(t, h, getTest); err != nil {
		t.Fatalf("ServeHTTP1() error = %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "GET /test" {
		t.Errorf("Expected span name %q, got %q", "GET /test", span.Name())
	}
	if span.SpanKind() != trace.SpanKindServer {
		t.Errorf("Expected server span, got %v", span.SpanKind())
	}
	if v, ok := attr(span, "http.status_code"); !ok || v.AsInt64() != 200 {
		t.Errorf("Expected http.status_code 200, got %v", v.Emit())
	}
	if span.Status().Code != codes.Ok {
		t.Errorf("Expected status Ok, got %v", span.Status().Code)
	}
	if inHandler.SpanID() != span.SpanContext().SpanID() {
		t.Error("Expected handler context to carry the request span")
	}
}

func TestTracing_PropagatesParent(t *testing.T) {
	sr, cfg := newRecorder()
	h := TracingWithConfig(cfg)(HandlerFunc(okHandler))

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	raw := "GET /test HTTP/1.1\r\nHost: x\r\n" +
		"Traceparent: 00-" + traceID + "-00f067aa0ba902b7-01\r\n\r\n"
	if _, _, err := serve(t, h, raw); err != nil {
		t.Fatalf("ServeHTTP1() error = %v", err)
	}

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != traceID {
		t.Errorf("Expected trace ID %s, got %s", traceID, got)
	}
	if got := spans[0].Parent().SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("Expected parent span 00f067aa0ba902b7, got %s", got)
	}
}

func TestTracing_RecordsError(t *testing.T) {
	sr, cfg := newRecorder()
	h := TracingWithConfig(cfg)(HandlerFunc(func(*ResponseWriter, *Request) error {
		return errors.New("boom")
	}))

	_, _, _ = serve(t, h, getTest)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("Expected 1 span, got %d", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("Expected status Error, got %v", spans[0].Status().Code)
	}
	if v, _ := attr(spans[0], "http.status_code"); v.AsInt64() != 500 {
		t.Errorf("Expected http.status_code 500, got %v", v.Emit())
	}
	if len(spans[0].Events()) == 0 {
		t.Error("Expected the error to be recorded as an event")
	}
}

func TestTracingWithConfig_SkipPaths(t *testing.T) {
	sr, cfg := newRecorder()
	h := TracingWithConfig(cfg)(HandlerFunc(okHandler))

	if _, _, err := serve(t, h, "GET /health HTTP/1.1\r\nHost: x\r\n\r\n"); err != nil {
		t.Fatalf("ServeHTTP1() error = %v", err)
	}
	if n := len(sr.Ended()); n != 0 {
		t.Errorf("Expected no spans for skipped path, got %d", n)
	}
}
