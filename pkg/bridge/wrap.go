package bridge

import (
	"fmt"
	"sync/atomic"

	"github.com/nimburion/kvbridge/pkg/loop"
)

// Handler is a two-argument completion continuation.
type Handler[T any] func(result T, err error)

// Wrap returns a handler that queues h on ec instead of running it inline.
//
// The returned handler is one-shot: later invocations are logged as defects
// and dropped before anything is scheduled. When ec refuses the task, h is
// called on the invoking goroutine with a *RedispatchError; ec no longer runs
// anything, so h cannot race with other work bound to it. Panics raised by h
// in that fallback are recovered so they never reach the store's goroutine.
//
// Wrap panics with loop.ErrNoContext when ec is nil.
func Wrap[T any](ec loop.Context, h Handler[T], opts ...Option) Handler[T] {
	loop.Require(ec)
	o := newOptions(opts)
	var fired atomic.Bool

	return func(result T, err error) {
		if !fired.CompareAndSwap(false, true) {
			o.defect(ec.ID())
			return
		}
		submitErr := ec.Execute(func() { h(result, err) })
		if submitErr == nil {
			return
		}
		o.rejected(ec.ID(), submitErr)
		var zero T
		runDetached(o, func() {
			h(zero, &RedispatchError{Op: o.op, ContextID: ec.ID(), Err: submitErr})
		})
	}
}

// Stream is the pair of callbacks a streaming native operation drives: Item
// once per element, Done exactly once at the end.
type Stream[R any] struct {
	Item func(R)
	Done func(error)
}

// WrapStream wraps the item and terminal callbacks of a streaming operation.
// Each event becomes its own task on ec, so the consumer observes events in
// the order the store produced them. Once ec refuses a task, later items are
// dropped and onDone receives the *RedispatchError exactly once. Items that
// arrive after the terminal call are dropped as defects.
func WrapStream[R any](ec loop.Context, onItem func(R), onDone func(error), opts ...Option) Stream[R] {
	loop.Require(ec)
	o := newOptions(opts)

	var (
		finished  atomic.Bool
		rejectErr atomic.Pointer[RedispatchError]
	)
	reject := func(err error) {
		rerr := &RedispatchError{Op: o.op, ContextID: ec.ID(), Err: err}
		if rejectErr.CompareAndSwap(nil, rerr) {
			o.rejected(ec.ID(), err)
		}
	}

	return Stream[R]{
		Item: func(item R) {
			if finished.Load() {
				o.defect(ec.ID())
				return
			}
			if rejectErr.Load() != nil {
				return
			}
			if err := ec.Execute(func() { onItem(item) }); err != nil {
				reject(err)
			}
		},
		Done: func(err error) {
			if !finished.CompareAndSwap(false, true) {
				o.defect(ec.ID())
				return
			}
			if rerr := rejectErr.Load(); rerr != nil {
				runDetached(o, func() { onDone(rerr) })
				return
			}
			if submitErr := ec.Execute(func() { onDone(err) }); submitErr != nil {
				reject(submitErr)
				rerr := rejectErr.Load()
				runDetached(o, func() { onDone(rerr) })
			}
		},
	}
}

func runDetached(o options, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("completion handler panicked outside its context",
				"operation", o.op,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	fn()
}
