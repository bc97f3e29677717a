package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	return recorder, provider.Tracer("test")
}

func attrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestStartStoreSpan(t *testing.T) {
	recorder, tracer := setupTestTracer(t)

	_, span := StartStoreSpan(context.Background(), tracer, "get",
		WithNamespace("test", "users"),
		WithKey("alice"),
		WithContextID("runtime-0"),
		WithEventLoop("store-1"),
		WithSystem("memory"),
	)
	End(span, nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	got := spans[0]
	if got.Name() != "kv.get" {
		t.Errorf("expected span name kv.get, got %q", got.Name())
	}
	if got.SpanKind() != trace.SpanKindClient {
		t.Errorf("expected client span, got %v", got.SpanKind())
	}
	if got.Status().Code != codes.Ok {
		t.Errorf("expected Ok status, got %v", got.Status().Code)
	}

	a := attrs(got)
	want := map[attribute.Key]string{
		AttrOperation: "get",
		AttrNamespace: "test",
		AttrSet:       "users",
		AttrKey:       "alice",
		AttrContextID: "runtime-0",
		AttrLoop:      "store-1",
		AttrSystem:    "memory",
	}
	for k, v := range want {
		if a[k].AsString() != v {
			t.Errorf("attribute %s: expected %q, got %q", k, v, a[k].AsString())
		}
	}
}

func TestStartStoreSpan_EmptySetOmitted(t *testing.T) {
	recorder, tracer := setupTestTracer(t)

	_, span := StartStoreSpan(context.Background(), tracer, "exists_batch",
		WithNamespace("test", ""),
		WithBatchSize(3),
	)
	span.End()

	a := attrs(recorder.Ended()[0])
	if _, ok := a[AttrSet]; ok {
		t.Error("expected no set attribute")
	}
	if a[AttrBatchSize].AsInt64() != 3 {
		t.Errorf("expected batch size 3, got %d", a[AttrBatchSize].AsInt64())
	}
}

func TestEnd_RecordsError(t *testing.T) {
	recorder, tracer := setupTestTracer(t)

	testErr := errors.New("test error")
	_, span := StartStoreSpan(context.Background(), tracer, "put")
	End(span, testErr)

	got := recorder.Ended()[0]
	if got.Status().Code != codes.Error {
		t.Errorf("expected Error status, got %v", got.Status().Code)
	}
	if got.Status().Description != testErr.Error() {
		t.Errorf("expected description %q, got %q", testErr.Error(), got.Status().Description)
	}
	events := got.Events()
	if len(events) != 1 || events[0].Name != "exception" {
		t.Fatalf("expected one exception event, got %v", events)
	}
}

func TestStartStoreSpan_NilTracerUsesGlobal(t *testing.T) {
	_, span := StartStoreSpan(context.Background(), nil, "get")
	if span == nil {
		t.Fatal("expected span")
	}
	span.End()
}
