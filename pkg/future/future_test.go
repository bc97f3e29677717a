package future

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/kvbridge/pkg/loop"
	"github.com/nimburion/kvbridge/pkg/testutil"
)

func await[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := f.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("future did not complete in time")
	}
	return v, err
}

func TestPromise_ListenersRunOnBoundContext(t *testing.T) {
	l := loop.New()
	defer l.Close()
	want := testutil.ExecutorGoroutine(t, l)

	p := NewPromise[int](l)
	got := make(chan uint64, 2)
	p.Future().OnComplete(func(int, error) { got <- testutil.GoroutineID() })

	go p.Complete(42)

	if id := <-got; id != want {
		t.Fatalf("listener ran on goroutine %d, want loop goroutine %d", id, want)
	}

	// Registered after completion: still scheduled on the loop.
	p.Future().OnSuccess(func(int) { got <- testutil.GoroutineID() })
	if id := <-got; id != want {
		t.Fatalf("late listener ran on goroutine %d, want %d", id, want)
	}
}

func TestFuture_OnCompleteNeverRunsInline(t *testing.T) {
	l := loop.New()
	defer l.Close()

	f := Succeeded(l, "done")
	order := make(chan []string, 1)
	_ = l.Execute(func() {
		var trace []string
		f.OnComplete(func(string, error) {
			trace = append(trace, "listener")
			order <- trace
		})
		trace = append(trace, "registrar")
	})

	select {
	case trace := <-order:
		if strings.Join(trace, ",") != "registrar,listener" {
			t.Fatalf("listener ran inline: %v", trace)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never ran")
	}
}

func TestPromise_SecondCompletionIsIgnored(t *testing.T) {
	l := loop.New()
	defer l.Close()

	var defects atomic.Int32
	p := NewPromise[string](l, WithName("get"), WithDefectHook(func(err error) {
		if errors.Is(err, ErrAlreadyCompleted) {
			defects.Add(1)
		}
	}))

	if !p.Complete("first") {
		t.Fatal("first completion must win")
	}
	if p.Fail(errors.New("late")) {
		t.Fatal("second completion must be rejected")
	}
	if p.Complete("again") {
		t.Fatal("third completion must be rejected")
	}

	v, err := await(t, p.Future())
	if err != nil || v != "first" {
		t.Fatalf("expected first outcome, got %q %v", v, err)
	}
	if defects.Load() != 2 {
		t.Fatalf("expected 2 defects, got %d", defects.Load())
	}
}

func TestPromise_FailWithValueKeepsPartialResult(t *testing.T) {
	l := loop.New()
	defer l.Close()

	boom := errors.New("boom")
	p := NewPromise[int](l)
	if !p.FailWithValue(3, boom) {
		t.Fatal("first completion must win")
	}
	n, err := await(t, p.Future())
	if !errors.Is(err, boom) || n != 3 {
		t.Fatalf("expected (3, boom), got (%d, %v)", n, err)
	}

	q := NewPromise[int](l)
	q.TryComplete(5, boom)
	if n, _ := await(t, q.Future()); n != 0 {
		t.Fatalf("TryComplete must drop the value on failure, got %d", n)
	}
}

func TestFuture_CancelForwardsToCanceller(t *testing.T) {
	l := loop.New()
	defer l.Close()

	var cancelled atomic.Bool
	p := NewPromise[int](l)
	p.SetCanceller(func() { cancelled.Store(true) })

	if !p.Future().Cancel() {
		t.Fatal("expected cancel to win")
	}
	if !cancelled.Load() {
		t.Fatal("expected canceller to run")
	}
	if _, err := await(t, p.Future()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if p.Complete(1) {
		t.Fatal("completion after cancel must be rejected")
	}
}

func TestFuture_LateOutcomeAfterCancelIsNotADefect(t *testing.T) {
	l := loop.New()
	defer l.Close()

	var defects atomic.Int32
	p := NewPromise[int](l, WithDefectHook(func(error) { defects.Add(1) }))
	p.Future().Cancel()

	if p.Complete(1) {
		t.Fatal("completion after cancel must be rejected")
	}
	if defects.Load() != 0 {
		t.Fatalf("expected no defects, got %d", defects.Load())
	}
}

func TestFuture_CancelAfterCompletionIsNoop(t *testing.T) {
	l := loop.New()
	defer l.Close()

	var cancelled atomic.Bool
	p := NewPromise[int](l)
	p.SetCanceller(func() { cancelled.Store(true) })
	p.Complete(7)

	if p.Future().Cancel() {
		t.Fatal("cancel must lose against an existing outcome")
	}
	if cancelled.Load() {
		t.Fatal("canceller must not run after completion")
	}
}

func TestFuture_AwaitHonorsContext(t *testing.T) {
	l := loop.New()
	defer l.Close()

	p := NewPromise[int](l)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Future().Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if p.Future().IsComplete() {
		t.Fatal("future must still be pending")
	}
}

func TestFuture_ClosedContextStillResolves(t *testing.T) {
	l := loop.New()
	p := NewPromise[int](l)
	var ran atomic.Bool
	p.Future().OnComplete(func(int, error) { ran.Store(true) })
	l.Close()

	p.Complete(3)
	v, err := await(t, p.Future())
	if err != nil || v != 3 {
		t.Fatalf("expected 3, got %d %v", v, err)
	}
	if ran.Load() {
		t.Fatal("listener must not run once the context is closed")
	}
}

func TestNewPromise_PanicsWithoutContext(t *testing.T) {
	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, loop.ErrNoContext) {
			t.Fatalf("expected loop.ErrNoContext panic, got %v", r)
		}
	}()
	NewPromise[int](nil)
}

func TestMapComposeRecover(t *testing.T) {
	a := loop.New()
	b := loop.New()
	defer a.Close()
	defer b.Close()
	onA := testutil.ExecutorGoroutine(t, a)

	var mu sync.Mutex
	var ids []uint64
	record := func() {
		mu.Lock()
		ids = append(ids, testutil.GoroutineID())
		mu.Unlock()
	}

	start := Succeeded(a, 2)
	doubled := Map(start, func(v int) (int, error) {
		record()
		return v * 2, nil
	})
	composed := Compose(doubled, func(v int) *Future[string] {
		record()
		// The inner step lives on another context.
		return Succeeded(b, strconv.Itoa(v))
	})
	final := Map(composed, func(s string) (string, error) {
		record()
		return s + "!", nil
	})

	v, err := await(t, final)
	if err != nil || v != "4!" {
		t.Fatalf("expected 4!, got %q %v", v, err)
	}
	if final.Context() != a {
		t.Fatal("composed future must stay on the source context")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, id := range ids {
		if id != onA {
			t.Fatalf("continuation %d ran on %d, want %d", i, id, onA)
		}
	}

	failed := Failed[int](a, errors.New("boom"))
	recovered := Recover(Map(failed, func(v int) (int, error) {
		t.Error("map must not run on failure")
		return v, nil
	}), func(err error) (int, error) { return -1, nil })
	if v, err := await(t, recovered); err != nil || v != -1 {
		t.Fatalf("expected recovery to -1, got %d %v", v, err)
	}
}

func TestMap_PanicFailsFuture(t *testing.T) {
	l := loop.New()
	defer l.Close()
	f := Map(Succeeded(l, 1), func(int) (int, error) { panic("bad") })
	if _, err := await(t, f); err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestAll(t *testing.T) {
	a := loop.New()
	b := loop.New()
	defer a.Close()
	defer b.Close()

	pb := NewPromise[int](b)
	all := All(a, Succeeded(a, 1), pb.Future(), Succeeded(b, 3))
	go pb.Complete(2)

	v, err := await(t, all)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v) != 3 || v[0] != 1 || v[1] != 2 || v[2] != 3 {
		t.Fatalf("unexpected values %v", v)
	}

	failing := All(a, Failed[int](a, errors.New("x")), Failed[int](b, errors.New("y")))
	if _, err := await(t, failing); err == nil {
		t.Fatal("expected failure")
	}

	// Bound to the context passed in, not to the first future's.
	if mixed := All(a, Succeeded(b, 1)); mixed.Context() != loop.Context(a) {
		t.Fatal("expected All to be bound to its ec argument")
	}

	empty := All[int](a)
	if v, err := await(t, empty); err != nil || len(v) != 0 {
		t.Fatalf("expected empty success, got %v %v", v, err)
	}
}
