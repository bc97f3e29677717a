package bridge

import "github.com/nimburion/kvbridge/pkg/observability/logger"

// Option configures wrapped handlers.
type Option func(*options)

type options struct {
	log        logger.Logger
	op         string
	onDefect   func(op string)
	onRejected func(op string)
}

// WithLogger sets the logger for repeated invocations and rejected tasks.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithOperation names the operation in logs and errors.
func WithOperation(op string) Option {
	return func(o *options) { o.op = op }
}

// WithDefectHook is called each time a handler is invoked after its terminal call.
func WithDefectHook(fn func(op string)) Option {
	return func(o *options) { o.onDefect = fn }
}

// WithRejectHook is called each time the context refuses a completion task.
func WithRejectHook(fn func(op string)) Option {
	return func(o *options) { o.onRejected = fn }
}

func newOptions(opts []Option) options {
	o := options{log: logger.Nop(), op: "unknown"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) defect(contextID string) {
	o.log.Error("completion handler invoked after its terminal call",
		"operation", o.op,
		"loop_id", contextID,
	)
	if o.onDefect != nil {
		o.onDefect(o.op)
	}
}

func (o options) rejected(contextID string, err error) {
	o.log.Warn("context rejected completion, failing operation",
		"operation", o.op,
		"loop_id", contextID,
		"error", err,
	)
	if o.onRejected != nil {
		o.onRejected(o.op)
	}
}
