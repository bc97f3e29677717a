package loop

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nimburion/kvbridge/pkg/observability/logger"
)

var (
	// ErrClosed is returned by Execute once a loop stopped accepting tasks.
	ErrClosed = errors.New("event loop closed")
	// ErrNoContext is the usage error raised when an operation that must be
	// bound to a context is given none.
	ErrNoContext = errors.New("execution context is required")
)

// Context is an execution lane that runs submitted tasks serially.
type Context interface {
	// ID identifies the context in logs and metrics.
	ID() string
	// Execute queues task for later execution on the context. It never runs
	// task inline, even when called from the context itself. Tasks run in
	// submission order.
	Execute(task func()) error
}

// Option configures an EventLoop.
type Option func(*EventLoop)

// WithName sets the loop id.
func WithName(name string) Option {
	return func(l *EventLoop) {
		if name != "" {
			l.id = name
		}
	}
}

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(log logger.Logger) Option {
	return func(l *EventLoop) {
		if log != nil {
			l.log = log
		}
	}
}

// EventLoop runs tasks on a single dedicated goroutine.
type EventLoop struct {
	id    string
	index int
	group *Group
	log   logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	executed  atomic.Uint64
	goroutine atomic.Uint64
	done      chan struct{}
}

// New starts an event loop that is not part of any group.
func New(opts ...Option) *EventLoop {
	l := newEventLoop(-1, nil, opts...)
	go l.run()
	return l
}

func newEventLoop(index int, group *Group, opts ...Option) *EventLoop {
	l := &EventLoop{
		id:    "loop-" + uuid.NewString(),
		index: index,
		group: group,
		log:   logger.Nop(),
		done:  make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ID returns the loop id.
func (l *EventLoop) ID() string { return l.id }

// Index returns the loop position inside its group, or -1.
func (l *EventLoop) Index() int { return l.index }

// Execute appends task to the queue. It returns ErrClosed after Close or Shutdown.
func (l *EventLoop) Execute(task func()) error {
	if task == nil {
		return errors.New("task is required")
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrClosed, l.id)
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()
	l.cond.Signal()
	return nil
}

// InLoop reports whether the caller runs on the loop's own goroutine, that
// is inside one of its tasks.
func (l *EventLoop) InLoop() bool {
	return l.goroutine.Load() == goroutineID()
}

// Pending returns the number of queued tasks not yet started.
func (l *EventLoop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Executed returns the number of tasks the loop has run.
func (l *EventLoop) Executed() uint64 {
	return l.executed.Load()
}

// Closed reports whether the loop stopped accepting tasks.
func (l *EventLoop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Shutdown stops accepting tasks without waiting. Tasks already queued still run.
func (l *EventLoop) Shutdown() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Close stops accepting tasks and waits until the queue is drained.
// It must not be called from a task running on the same loop.
func (l *EventLoop) Close() {
	l.Shutdown()
	<-l.done
}

// Done is closed after the loop goroutine exits.
func (l *EventLoop) Done() <-chan struct{} { return l.done }

func (l *EventLoop) run() {
	l.goroutine.Store(goroutineID())
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, task := range batch {
			l.runTask(task)
		}
	}
}

func (l *EventLoop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("event loop task panicked",
				"loop_id", l.id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		l.executed.Add(1)
	}()
	task()
}

// Require panics with ErrNoContext when ctx is nil, including a typed nil
// *EventLoop. Operations that promise context affinity call it up front so a
// missing context fails at the call site instead of producing work that can
// never be delivered.
func Require(ctx Context) {
	if ctx == nil {
		panic(ErrNoContext)
	}
	if l, ok := ctx.(*EventLoop); ok && l == nil {
		panic(ErrNoContext)
	}
}
