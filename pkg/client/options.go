package client

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/observability/metrics"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger. Entries carry the operation id and the caller's context id.
func WithLogger(log logger.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithEventLoopSelector sets how store event loops are chosen per command.
func WithEventLoopSelector(s EventLoopSelector) Option {
	return func(c *Client) {
		if s != nil {
			c.selector = s
		}
	}
}

// WithTracer sets the tracer used for operation spans. The global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// WithMetrics records operation metrics into ops.
func WithMetrics(ops *metrics.Operations) Option {
	return func(c *Client) { c.metrics = ops }
}

// WithSystem names the backing store on spans, e.g. "redis".
func WithSystem(name string) Option {
	return func(c *Client) { c.system = name }
}
