// Package future implements single-resolution promises bound to a loop.Context.
//
// A Future is completed at most once. Every listener registered on it runs on
// the context the promise was created for, never on the goroutine that
// completed the promise, and never inline inside OnComplete.
package future

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nimburion/kvbridge/pkg/loop"
	"github.com/nimburion/kvbridge/pkg/observability/logger"
)

var (
	// ErrAlreadyCompleted reports a second completion attempt. The first outcome is kept.
	ErrAlreadyCompleted = errors.New("future already completed")
	// ErrCancelled is the outcome of a future cancelled before it completed.
	ErrCancelled = errors.New("future cancelled")
)

// Option configures a promise.
type Option func(*settings)

type settings struct {
	log      logger.Logger
	name     string
	onDefect func(error)
}

// WithLogger sets the logger used for completion defects and dropped listeners.
func WithLogger(log logger.Logger) Option {
	return func(s *settings) {
		if log != nil {
			s.log = log
		}
	}
}

// WithName labels the promise in log entries, typically with the operation name.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// WithDefectHook registers fn to be called on every rejected second completion.
func WithDefectHook(fn func(error)) Option {
	return func(s *settings) { s.onDefect = fn }
}

// Future is the read side of a Promise.
type Future[T any] struct {
	ec  loop.Context
	cfg settings

	mu        sync.Mutex
	completed bool
	value     T
	err       error
	listeners []func(T, error)
	canceller func()
	done      chan struct{}
}

// Promise is the write side of a Future.
type Promise[T any] struct {
	f *Future[T]
}

// NewPromise creates a promise whose listeners run on ec. It panics with
// loop.ErrNoContext when ec is nil.
func NewPromise[T any](ec loop.Context, opts ...Option) *Promise[T] {
	loop.Require(ec)
	cfg := settings{log: logger.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Promise[T]{f: &Future[T]{
		ec:   ec,
		cfg:  cfg,
		done: make(chan struct{}),
	}}
}

// Future returns the read side.
func (p *Promise[T]) Future() *Future[T] { return p.f }

// Complete resolves the future with v. It returns false if it was already completed.
func (p *Promise[T]) Complete(v T) bool { return p.f.tryComplete(v, nil) }

// Fail resolves the future with err. It returns false if it was already completed.
func (p *Promise[T]) Fail(err error) bool {
	if err == nil {
		err = errors.New("future failed with nil error")
	}
	var zero T
	return p.f.tryComplete(zero, err)
}

// FailWithValue fails the future with err but keeps v as its value, for
// outcomes that carry partial progress such as a stream's record count.
func (p *Promise[T]) FailWithValue(v T, err error) bool {
	if err == nil {
		err = errors.New("future failed with nil error")
	}
	return p.f.tryComplete(v, err)
}

// TryComplete resolves the future with (v, err); a non-nil err wins.
func (p *Promise[T]) TryComplete(v T, err error) bool {
	if err != nil {
		return p.Fail(err)
	}
	return p.Complete(v)
}

// SetCanceller registers fn to be called by Future.Cancel. It is how the
// facade forwards cancellation to the native operation.
func (p *Promise[T]) SetCanceller(fn func()) {
	p.f.mu.Lock()
	p.f.canceller = fn
	p.f.mu.Unlock()
}

func (f *Future[T]) tryComplete(v T, err error) bool {
	return f.complete(v, err, true)
}

func (f *Future[T]) complete(v T, err error, reportDefect bool) bool {
	f.mu.Lock()
	if f.completed {
		prevErr := f.err
		f.mu.Unlock()
		// A late outcome after Cancel is expected.
		if reportDefect && !errors.Is(prevErr, ErrCancelled) {
			f.reportDefect(err, prevErr)
		}
		return false
	}
	f.completed = true
	f.value = v
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	f.dispatch(listeners, v, err)
	return true
}

func (f *Future[T]) reportDefect(attempted, kept error) {
	defect := fmt.Errorf("%w: %s", ErrAlreadyCompleted, f.cfg.name)
	f.cfg.log.Error("ignoring repeated completion",
		"operation", f.cfg.name,
		"loop_id", f.ec.ID(),
		"attempted_error", errString(attempted),
		"kept_error", errString(kept),
	)
	if f.cfg.onDefect != nil {
		f.cfg.onDefect(defect)
	}
}

func (f *Future[T]) dispatch(listeners []func(T, error), v T, err error) {
	if len(listeners) == 0 {
		return
	}
	submitErr := f.ec.Execute(func() {
		for _, fn := range listeners {
			fn(v, err)
		}
	})
	if submitErr != nil {
		f.cfg.log.Error("dropping future listeners, context rejected task",
			"operation", f.cfg.name,
			"loop_id", f.ec.ID(),
			"listeners", len(listeners),
			"error", submitErr,
		)
	}
}

// Context returns the context listeners run on.
func (f *Future[T]) Context() loop.Context { return f.ec }

// OnComplete registers fn to run on the future's context once it completes.
// fn is scheduled through the context even when the future already completed.
func (f *Future[T]) OnComplete(fn func(T, error)) *Future[T] {
	f.mu.Lock()
	if !f.completed {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return f
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	f.dispatch([]func(T, error){fn}, v, err)
	return f
}

// OnSuccess registers fn for the success outcome only.
func (f *Future[T]) OnSuccess(fn func(T)) *Future[T] {
	return f.OnComplete(func(v T, err error) {
		if err == nil {
			fn(v)
		}
	})
}

// OnFailure registers fn for the failure outcome only.
func (f *Future[T]) OnFailure(fn func(error)) *Future[T] {
	return f.OnComplete(func(_ T, err error) {
		if err != nil {
			fn(err)
		}
	})
}

// Done is closed once the future completed.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// IsComplete reports whether the future has an outcome.
func (f *Future[T]) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome; ok is false while the future is pending.
func (f *Future[T]) Result() (v T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.completed
}

// Await blocks until the future completes or ctx is done. It is meant for
// callers outside any loop; calling it from the future's own context
// deadlocks that context.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, err, _ := f.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel fails a pending future with ErrCancelled and forwards the request to
// the registered canceller. Cancellation is best effort: a native call that
// ignores its context keeps running, only its result is no longer observed.
func (f *Future[T]) Cancel() bool {
	f.mu.Lock()
	cancel := f.canceller
	f.mu.Unlock()

	// Losing the race against the real outcome is expected here, not a defect.
	var zero T
	if !f.complete(zero, ErrCancelled, false) {
		return false
	}
	if cancel != nil {
		cancel()
	}
	return true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
