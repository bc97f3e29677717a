package future

import (
	"fmt"

	"github.com/nimburion/kvbridge/pkg/loop"
)

// Succeeded returns a future already completed with v.
func Succeeded[T any](ec loop.Context, v T, opts ...Option) *Future[T] {
	p := NewPromise[T](ec, opts...)
	p.Complete(v)
	return p.Future()
}

// Failed returns a future already failed with err.
func Failed[T any](ec loop.Context, err error, opts ...Option) *Future[T] {
	p := NewPromise[T](ec, opts...)
	p.Fail(err)
	return p.Future()
}

// Map transforms the success value of f on f's context. A failure of f, an
// error from fn, or a panic in fn fails the result.
func Map[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	p := derive[T, U](f)
	f.OnComplete(func(v T, err error) {
		if err != nil {
			p.Fail(err)
			return
		}
		u, mapErr := guard(func() (U, error) { return fn(v) })
		p.TryComplete(u, mapErr)
	})
	return p.Future()
}

// Compose chains an asynchronous step after f succeeds. The result completes
// with the outcome of the future fn returns, observed back on f's context.
func Compose[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	p := derive[T, U](f)
	p.SetCanceller(func() { f.Cancel() })
	f.OnComplete(func(v T, err error) {
		if err != nil {
			p.Fail(err)
			return
		}
		next, composeErr := guard(func() (*Future[U], error) { return fn(v), nil })
		if composeErr != nil {
			p.Fail(composeErr)
			return
		}
		if next == nil {
			p.Fail(fmt.Errorf("compose step returned a nil future"))
			return
		}
		p.SetCanceller(func() { next.Cancel() })
		next.OnComplete(func(u U, err error) { p.TryComplete(u, err) })
	})
	return p.Future()
}

// Recover replaces a failure of f with the outcome of fn.
func Recover[T any](f *Future[T], fn func(error) (T, error)) *Future[T] {
	p := derive[T, T](f)
	f.OnComplete(func(v T, err error) {
		if err == nil {
			p.Complete(v)
			return
		}
		r, recoverErr := guard(func() (T, error) { return fn(err) })
		p.TryComplete(r, recoverErr)
	})
	return p.Future()
}

// All completes with every value in order once all futures succeed, or with
// the first failure observed. The result is bound to ec, and values are
// collected there; with no futures it completes immediately.
func All[T any](ec loop.Context, futures ...*Future[T]) *Future[[]T] {
	p := NewPromise[[]T](ec)
	if len(futures) == 0 {
		p.Complete([]T{})
		return p.Future()
	}

	values := make([]T, len(futures))
	remaining := len(futures)
	var zero []T
	for i, f := range futures {
		i := i
		f.OnComplete(func(v T, err error) {
			// Each listener runs on its own future's context; hop to ec so
			// values and remaining are only touched there.
			submitErr := ec.Execute(func() {
				if err != nil {
					p.f.complete(zero, err, false)
					return
				}
				values[i] = v
				remaining--
				if remaining == 0 {
					p.Complete(values)
				}
			})
			if submitErr != nil {
				p.f.complete(zero, submitErr, false)
			}
		})
	}
	return p.Future()
}

func derive[T, U any](f *Future[T]) *Promise[U] {
	return NewPromise[U](f.ec, WithLogger(f.cfg.log), WithName(f.cfg.name), WithDefectHook(f.cfg.onDefect))
}

func guard[V any](fn func() (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("continuation panicked: %v", r)
		}
	}()
	return fn()
}
