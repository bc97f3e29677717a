package loop

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/kvbridge/pkg/testutil"
)

func TestEventLoop_RunsTasksInOrderOnOneGoroutine(t *testing.T) {
	l := New(WithName("test"))
	defer l.Close()

	const n = 500
	var (
		mu    sync.Mutex
		order []int
		ids   = map[uint64]struct{}{}
	)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		if err := l.Execute(func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			ids[testutil.GoroutineID()] = struct{}{}
			mu.Unlock()
		}); err != nil {
			t.Fatalf("execute failed: %v", err)
		}
	}
	wg.Wait()

	for i, v := range order {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
	if len(ids) != 1 {
		t.Fatalf("expected one goroutine, got %d", len(ids))
	}
	if l.ID() != "test" || l.Index() != -1 {
		t.Fatalf("unexpected identity %q/%d", l.ID(), l.Index())
	}
}

func TestEventLoop_ExecuteFromLoopIsDeferred(t *testing.T) {
	l := New()
	defer l.Close()

	done := make(chan []string, 1)
	_ = l.Execute(func() {
		var trace []string
		_ = l.Execute(func() {
			trace = append(trace, "inner")
			done <- trace
		})
		trace = append(trace, "outer")
	})

	select {
	case trace := <-done:
		if strings.Join(trace, ",") != "outer,inner" {
			t.Fatalf("expected outer before inner, got %v", trace)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nested task never ran")
	}
}

func TestEventLoop_CloseDrainsAndRejects(t *testing.T) {
	l := New()
	ran := 0
	for i := 0; i < 10; i++ {
		_ = l.Execute(func() { ran++ })
	}
	l.Close()

	if ran != 10 {
		t.Fatalf("expected queued tasks to drain, ran %d", ran)
	}
	if !l.Closed() {
		t.Fatal("expected loop to report closed")
	}
	if err := l.Execute(func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if l.Executed() != 10 {
		t.Fatalf("expected 10 executed tasks, got %d", l.Executed())
	}
}

func TestEventLoop_SurvivesPanickingTask(t *testing.T) {
	l := New()
	defer l.Close()

	done := make(chan struct{})
	_ = l.Execute(func() { panic("boom") })
	_ = l.Execute(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop stopped after a panicking task")
	}
}

func TestEventLoop_InLoop(t *testing.T) {
	a := New(WithName("a"))
	defer a.Close()
	b := New(WithName("b"))
	defer b.Close()

	if a.InLoop() {
		t.Fatal("test goroutine reported as loop goroutine")
	}
	type probe struct{ onA, onB bool }
	ch := make(chan probe, 1)
	_ = a.Execute(func() { ch <- probe{onA: a.InLoop(), onB: b.InLoop()} })
	got := <-ch
	if !got.onA || got.onB {
		t.Fatalf("unexpected InLoop results %+v", got)
	}
}

func TestEventLoop_RejectsNilTask(t *testing.T) {
	l := New()
	defer l.Close()
	if err := l.Execute(nil); err == nil {
		t.Fatal("expected error for nil task")
	}
}

func TestGroup_NextAndOwner(t *testing.T) {
	g, err := NewGroup("ctx", 3, nil)
	if err != nil {
		t.Fatalf("NewGroup failed: %v", err)
	}
	defer g.Close()

	seen := []int{g.Next().Index(), g.Next().Index(), g.Next().Index(), g.Next().Index()}
	if seen[0] != 0 || seen[1] != 1 || seen[2] != 2 || seen[3] != 0 {
		t.Fatalf("unexpected round-robin order %v", seen)
	}

	owned, ok := g.Owner(g.Get(1))
	if !ok || owned != g.Get(1) {
		t.Fatal("expected group to own its loop")
	}

	other := New()
	defer other.Close()
	if _, ok := g.Owner(other); ok {
		t.Fatal("standalone loop must not belong to the group")
	}
	if g.Get(5) != nil || g.Get(-1) != nil {
		t.Fatal("expected nil for out-of-range index")
	}
	if g.Get(2).ID() != "ctx-2" {
		t.Fatalf("unexpected loop id %q", g.Get(2).ID())
	}
}

func TestNewGroup_RejectsEmptyGroup(t *testing.T) {
	if _, err := NewGroup("x", 0, nil); err == nil {
		t.Fatal("expected error for zero-size group")
	}
}

func TestRequire(t *testing.T) {
	for name, ctx := range map[string]Context{
		"nil interface":  nil,
		"typed nil loop": (*EventLoop)(nil),
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if r := recover(); r != ErrNoContext {
					t.Fatalf("expected ErrNoContext panic, got %v", r)
				}
			}()
			Require(ctx)
		})
	}

	l := New()
	defer l.Close()
	Require(l)
}
