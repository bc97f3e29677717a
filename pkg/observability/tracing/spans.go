package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer scope used by the store facade.
const InstrumentationName = "github.com/nimburion/kvbridge"

// Attribute keys set on store operation spans.
const (
	AttrOperation = attribute.Key("kv.operation")
	AttrNamespace = attribute.Key("kv.namespace")
	AttrSet       = attribute.Key("kv.set")
	AttrKey       = attribute.Key("kv.key")
	AttrBatchSize = attribute.Key("kv.batch_size")
	AttrContextID = attribute.Key("kv.context_id")
	AttrLoop      = attribute.Key("kv.event_loop")
	AttrSystem    = attribute.Key("db.system")
)

// StartStoreSpan starts a client span named "kv.<op>".
// A nil tracer falls back to the global provider.
func StartStoreSpan(ctx context.Context, tracer trace.Tracer, op string, opts ...StoreSpanOption) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = otel.Tracer(InstrumentationName)
	}

	spanOpts := &storeSpanOptions{
		attributes: []attribute.KeyValue{AttrOperation.String(op)},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	ctx, span := tracer.Start(ctx, "kv."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// StoreSpanOption configures a store span.
type StoreSpanOption func(*storeSpanOptions)

type storeSpanOptions struct {
	attributes []attribute.KeyValue
}

// WithNamespace sets the namespace and set of the addressed record.
func WithNamespace(namespace, set string) StoreSpanOption {
	return func(opts *storeSpanOptions) {
		opts.attributes = append(opts.attributes, AttrNamespace.String(namespace))
		if set != "" {
			opts.attributes = append(opts.attributes, AttrSet.String(set))
		}
	}
}

// WithKey sets the printable user key.
func WithKey(key string) StoreSpanOption {
	return func(opts *storeSpanOptions) {
		opts.attributes = append(opts.attributes, AttrKey.String(key))
	}
}

// WithBatchSize sets the number of keys in a batch call.
func WithBatchSize(n int) StoreSpanOption {
	return func(opts *storeSpanOptions) {
		opts.attributes = append(opts.attributes, AttrBatchSize.Int(n))
	}
}

// WithContextID sets the id of the caller's execution context.
func WithContextID(id string) StoreSpanOption {
	return func(opts *storeSpanOptions) {
		opts.attributes = append(opts.attributes, AttrContextID.String(id))
	}
}

// WithEventLoop sets the name of the store event loop serving the call.
func WithEventLoop(name string) StoreSpanOption {
	return func(opts *storeSpanOptions) {
		opts.attributes = append(opts.attributes, AttrLoop.String(name))
	}
}

// WithSystem sets the backing store system, e.g. "redis".
func WithSystem(system string) StoreSpanOption {
	return func(opts *storeSpanOptions) {
		opts.attributes = append(opts.attributes, AttrSystem.String(system))
	}
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// RecordError records an error in the span and sets its status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
