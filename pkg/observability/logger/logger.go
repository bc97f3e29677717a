// Package logger provides the structured logging contract used across kvbridge.
package logger

import (
	"context"
)

// Logger is the structured logger handed to every kvbridge component.
// Log methods take a message followed by alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that always emits the given key-value pairs.
	With(args ...any) Logger

	// WithContext returns a child logger annotated with the operation and
	// execution context ids carried by ctx, if any.
	WithContext(ctx context.Context) Logger
}

type contextKey int

const (
	operationIDKey contextKey = iota
	loopIDKey
)

// ContextWithOperationID stores the id of a pending store operation in ctx.
func ContextWithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey, id)
}

// ContextWithLoopID stores the id of the execution context an operation was issued from.
func ContextWithLoopID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, loopIDKey, id)
}

// OperationIDFromContext returns the operation id stored in ctx.
func OperationIDFromContext(ctx context.Context) string {
	return stringValue(ctx, operationIDKey)
}

// LoopIDFromContext returns the execution context id stored in ctx.
func LoopIDFromContext(ctx context.Context) string {
	return stringValue(ctx, loopIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// contextFields returns the log fields derived from ctx.
func contextFields(ctx context.Context) []any {
	var fields []any
	if id := OperationIDFromContext(ctx); id != "" {
		fields = append(fields, "operation_id", id)
	}
	if id := LoopIDFromContext(ctx); id != "" {
		fields = append(fields, "loop_id", id)
	}
	return fields
}

type nopLogger struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (n nopLogger) With(...any) Logger                 { return n }
func (n nopLogger) WithContext(context.Context) Logger { return n }
