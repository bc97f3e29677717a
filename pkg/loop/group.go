package loop

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/nimburion/kvbridge/pkg/observability/logger"
)

// Group is a fixed set of event loops.
type Group struct {
	name  string
	loops []*EventLoop
	next  atomic.Uint64
}

// NewGroup starts size loops named "<name>-<index>".
func NewGroup(name string, size int, log logger.Logger) (*Group, error) {
	if size <= 0 {
		return nil, errors.New("event loop group size must be positive")
	}
	if name == "" {
		name = "loop"
	}
	if log == nil {
		log = logger.Nop()
	}

	g := &Group{name: name, loops: make([]*EventLoop, size)}
	for i := range g.loops {
		id := fmt.Sprintf("%s-%d", name, i)
		l := newEventLoop(i, g, WithName(id), WithLogger(log.With("loop_id", id)))
		g.loops[i] = l
		go l.run()
	}
	return g, nil
}

// Name returns the group name.
func (g *Group) Name() string { return g.name }

// Size returns the number of loops.
func (g *Group) Size() int { return len(g.loops) }

// Get returns the loop at index i, or nil when i is out of range.
func (g *Group) Get(i int) *EventLoop {
	if i < 0 || i >= len(g.loops) {
		return nil
	}
	return g.loops[i]
}

// Next returns loops in round-robin order. Safe for concurrent use.
func (g *Group) Next() *EventLoop {
	n := g.next.Add(1) - 1
	return g.loops[n%uint64(len(g.loops))]
}

// Owner returns the group's loop that is ctx itself, if ctx belongs to g.
func (g *Group) Owner(ctx Context) (*EventLoop, bool) {
	l, ok := ctx.(*EventLoop)
	if !ok || l == nil || l.group != g {
		return nil, false
	}
	return l, true
}

// Loops returns a copy of the loop slice.
func (g *Group) Loops() []*EventLoop {
	return append([]*EventLoop(nil), g.loops...)
}

// Shutdown stops every loop from accepting new tasks.
func (g *Group) Shutdown() {
	for _, l := range g.loops {
		l.Shutdown()
	}
}

// Close shuts every loop down and waits for their queues to drain.
func (g *Group) Close() {
	g.Shutdown()
	for _, l := range g.loops {
		<-l.done
	}
}
