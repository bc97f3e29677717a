package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/nimburion/kvbridge/pkg/bridge"
	"github.com/nimburion/kvbridge/pkg/future"
	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/loop"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
	"github.com/nimburion/kvbridge/pkg/observability/tracing"
)

// request describes one facade call for logs, spans and errors.
type request struct {
	op    string
	key   *kv.Key
	ns    string
	set   string
	batch int
}

func keyRequest(op string, key *kv.Key) request {
	r := request{op: op, key: key}
	if key != nil {
		r.ns, r.set = key.Namespace, key.SetName
	}
	return r
}

func batchRequest(op string, keys []*kv.Key) request {
	r := request{op: op, batch: len(keys)}
	if len(keys) > 0 && keys[0] != nil {
		r.ns, r.set = keys[0].Namespace, keys[0].SetName
	}
	return r
}

// pending is the bookkeeping of one issued operation: the derived context
// handed to the native client, its span, and the metric recorder. finish
// releases all of it once.
type pending struct {
	req    request
	ctx    context.Context
	cancel context.CancelFunc
	el     *loop.EventLoop
	log    logger.Logger
	span   trace.Span
	record func(error)
	once   sync.Once
}

func (c *Client) begin(ctx context.Context, ec loop.Context, req request) *pending {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logger.ContextWithOperationID(ctx, uuid.NewString())
	ctx = logger.ContextWithLoopID(ctx, ec.ID())

	el := c.selector.Select(ec)

	spanOpts := []tracing.StoreSpanOption{tracing.WithContextID(ec.ID())}
	if req.ns != "" {
		spanOpts = append(spanOpts, tracing.WithNamespace(req.ns, req.set))
	}
	if req.key != nil {
		spanOpts = append(spanOpts, tracing.WithKey(req.key.UserKeyString()))
	}
	if req.batch > 0 {
		spanOpts = append(spanOpts, tracing.WithBatchSize(req.batch))
	}
	if el != nil {
		spanOpts = append(spanOpts, tracing.WithEventLoop(el.ID()))
	}
	if c.system != "" {
		spanOpts = append(spanOpts, tracing.WithSystem(c.system))
	}
	ctx, span := tracing.StartStoreSpan(ctx, c.tracer, req.op, spanOpts...)
	opCtx, cancel := context.WithCancel(ctx)

	return &pending{
		req:    req,
		ctx:    opCtx,
		cancel: cancel,
		el:     el,
		log:    c.log.WithContext(ctx).With("operation", req.op),
		span:   span,
		record: c.metrics.Start(req.op),
	}
}

// finish wraps err into an *OpError and closes the span, the metric and the
// derived context.
func (p *pending) finish(err error) error {
	if err != nil {
		err = &OpError{Op: p.req.op, Key: p.req.key, Err: err}
	}
	p.once.Do(func() {
		p.cancel()
		tracing.End(p.span, err)
		p.record(err)
		if err != nil {
			p.log.Debug("operation failed", "error", err)
		}
	})
	return err
}

// invoke calls the native client, turning a panic into an error.
func (p *pending) invoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("native client panicked: %v", r)
		}
	}()
	if err = fn(); err != nil {
		p.log.Warn("native client rejected command", "error", err)
	}
	return err
}

func (c *Client) promiseOptions(p *pending) []future.Option {
	return []future.Option{
		future.WithLogger(p.log),
		future.WithName(p.req.op),
		future.WithDefectHook(func(error) { c.metrics.CompletionDefect(p.req.op) }),
	}
}

func (c *Client) bridgeOptions(p *pending) []bridge.Option {
	return []bridge.Option{
		bridge.WithLogger(p.log),
		bridge.WithOperation(p.req.op),
		bridge.WithDefectHook(c.metrics.CompletionDefect),
		bridge.WithRejectHook(c.metrics.RedispatchFailed),
	}
}

// call issues a single-outcome native command from ec and returns a future
// that resolves on ec.
func call[T any](c *Client, ctx context.Context, ec loop.Context, req request,
	issue func(ctx context.Context, el *loop.EventLoop, listener kv.Listener[T]) error,
) *future.Future[T] {
	loop.Require(ec)
	p := c.begin(ctx, ec, req)
	promise := future.NewPromise[T](ec, c.promiseOptions(p)...)
	promise.SetCanceller(p.cancel)

	handler := bridge.Wrap(ec, func(v T, err error) {
		promise.TryComplete(v, p.finish(err))
	}, c.bridgeOptions(p)...)

	if err := p.invoke(func() error { return issue(p.ctx, p.el, kv.Listener[T](handler)) }); err != nil {
		promise.Fail(p.finish(err))
	}
	return promise.Future()
}

// stream issues a scan or query from ec. onRecord runs on ec once per record
// in store order; returning false stops the scan. The future resolves on ec
// with the number of records delivered, which a failed future keeps too.
func stream(c *Client, ctx context.Context, ec loop.Context, req request, onRecord func(*kv.KeyRecord) bool,
	issue func(ctx context.Context, el *loop.EventLoop, seq kv.RecordSequence) error,
) *future.Future[int] {
	loop.Require(ec)
	if onRecord == nil {
		onRecord = func(*kv.KeyRecord) bool { return true }
	}
	p := c.begin(ctx, ec, req)
	promise := future.NewPromise[int](ec, c.promiseOptions(p)...)
	promise.SetCanceller(p.cancel)

	// Items run on ec while a rejected terminal call runs on the store loop.
	var (
		count   atomic.Int64
		stopped atomic.Bool
	)
	settle := func(err error) {
		if stopped.CompareAndSwap(false, true) {
			if err := p.finish(err); err != nil {
				promise.FailWithValue(int(count.Load()), err)
				return
			}
			promise.Complete(int(count.Load()))
		}
	}

	s := bridge.WrapStream(ec,
		func(rec *kv.KeyRecord) {
			if stopped.Load() || promise.Future().IsComplete() {
				return
			}
			count.Add(1)
			more, err := deliver(onRecord, rec)
			switch {
			case err != nil:
				settle(err)
			case !more:
				settle(nil)
			}
		},
		settle,
		c.bridgeOptions(p)...,
	)

	seq := kv.RecordSequence{Record: s.Item, Done: s.Done}
	if err := p.invoke(func() error { return issue(p.ctx, p.el, seq) }); err != nil {
		settle(err)
	}
	return promise.Future()
}

func deliver(fn func(*kv.KeyRecord) bool, rec *kv.KeyRecord) (more bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("record callback panicked: %v", r)
		}
	}()
	return fn(rec), nil
}
