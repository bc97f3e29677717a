package native

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/loop"
)

// errStop ends a scan early without reporting a failure.
var errStop = errors.New("stop scan")

// acquire registers an accepted command and resolves its event loop.
func (c *Client) acquire(el *loop.EventLoop) (*loop.EventLoop, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, kv.NewError(kv.ClientClosed, "client is closed")
	}
	if el == nil {
		el = c.group.Next()
	}
	c.inflight.Add(1)
	return el, nil
}

// perform runs work under the policy timeout and the circuit breaker and maps
// context errors and panics to native errors.
func (c *Client) perform(ctx context.Context, timeout time.Duration, work func(context.Context) error) (err error) {
	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			return kv.WrapError(kv.Throttled, err)
		}
		defer func() { c.breaker.Record(err) }()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("store command panicked", "panic", fmt.Sprint(r))
			err = kv.NewError(kv.ServerError, fmt.Sprintf("command panicked: %v", r))
		}
	}()
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	if err := work(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return contextError(err)
		}
		return err
	}
	return nil
}

// ServerFailure reports whether err says the server is unhealthy rather than
// describing the record or the request. Cancellation is neither.
func ServerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, errStop) {
		return false
	}
	switch kv.CodeOf(err) {
	case kv.Timeout, kv.ServerError:
		return true
	default:
		return false
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return kv.WrapError(kv.Timeout, err)
	}
	return err
}

// run executes a single-outcome command and fires listener exactly once from el.
func run[T any](c *Client, ctx context.Context, el *loop.EventLoop, timeout time.Duration,
	work func(context.Context) (T, error), listener kv.Listener[T],
) error {
	if listener == nil {
		return kv.NewError(kv.ParameterError, "listener is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	el, err := c.acquire(el)
	if err != nil {
		return err
	}

	exec := func() (T, error) {
		var v T
		err := c.perform(ctx, timeout, func(ctx context.Context) error {
			var err error
			v, err = work(ctx)
			return err
		})
		return v, err
	}

	if c.direct {
		submitErr := el.Execute(func() {
			defer c.inflight.Done()
			v, err := exec()
			listener(v, err)
		})
		if submitErr != nil {
			c.inflight.Done()
			return kv.WrapError(kv.ClientClosed, submitErr)
		}
		return nil
	}

	go func() {
		defer c.inflight.Done()
		v, err := exec()
		if submitErr := el.Execute(func() { listener(v, err) }); submitErr != nil {
			c.log.Warn("store event loop closed, completing on worker", "loop_id", el.ID(), "error", submitErr)
			var zero T
			listener(zero, kv.WrapError(kv.ClientClosed, submitErr))
		}
	}()
	return nil
}

// runStream produces records on a worker goroutine and delivers every record
// and the terminal call as separate tasks on el, in production order. The
// context is checked between records.
func runStream(c *Client, ctx context.Context, el *loop.EventLoop, timeout time.Duration,
	work func(ctx context.Context, emit func(*kv.KeyRecord) error) error, seq kv.RecordSequence,
) error {
	if seq.Record == nil || seq.Done == nil {
		return kv.NewError(kv.ParameterError, "record sequence callbacks are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	el, err := c.acquire(el)
	if err != nil {
		return err
	}

	go func() {
		defer c.inflight.Done()
		err := c.perform(ctx, timeout, func(ctx context.Context) error {
			return work(ctx, func(rec *kv.KeyRecord) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := el.Execute(func() { seq.Record(rec) }); err != nil {
					return kv.WrapError(kv.ClientClosed, err)
				}
				return nil
			})
		})
		if errors.Is(err, errStop) {
			err = nil
		}
		if submitErr := el.Execute(func() { seq.Done(err) }); submitErr != nil {
			if err == nil {
				err = kv.WrapError(kv.ClientClosed, submitErr)
			}
			seq.Done(err)
		}
	}()
	return nil
}
