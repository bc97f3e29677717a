package logger

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultAsyncQueueSize = 1024

// AsyncConfig configures the async logger wrapper.
type AsyncConfig struct {
	Enabled      bool
	QueueSize    int
	DropWhenFull bool
}

type asyncSink struct {
	entries      chan func()
	dropWhenFull bool
	dropped      atomic.Uint64
	mu           sync.RWMutex
	stopped      bool
	done         chan struct{}
}

// AsyncLogger hands entries to a single writer goroutine so event loops never
// block on log I/O. Entry order is preserved.
type AsyncLogger struct {
	base Logger
	sink *asyncSink
}

// WrapAsync wraps base with an async writer when cfg.Enabled is set.
func WrapAsync(base Logger, cfg AsyncConfig) Logger {
	if !cfg.Enabled {
		return base
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultAsyncQueueSize
	}

	sink := &asyncSink{
		entries:      make(chan func(), size),
		dropWhenFull: cfg.DropWhenFull,
		done:         make(chan struct{}),
	}
	go func() {
		defer close(sink.done)
		for write := range sink.entries {
			write()
		}
	}()

	return &AsyncLogger{base: base, sink: sink}
}

func (l *AsyncLogger) Debug(msg string, args ...any) {
	l.enqueue(func() { l.base.Debug(msg, args...) })
}

func (l *AsyncLogger) Info(msg string, args ...any) {
	l.enqueue(func() { l.base.Info(msg, args...) })
}

func (l *AsyncLogger) Warn(msg string, args ...any) {
	l.enqueue(func() { l.base.Warn(msg, args...) })
}

func (l *AsyncLogger) Error(msg string, args ...any) {
	l.enqueue(func() { l.base.Error(msg, args...) })
}

func (l *AsyncLogger) With(args ...any) Logger {
	return &AsyncLogger{base: l.base.With(args...), sink: l.sink}
}

func (l *AsyncLogger) WithContext(ctx context.Context) Logger {
	return &AsyncLogger{base: l.base.WithContext(ctx), sink: l.sink}
}

// Dropped reports how many entries were discarded because the queue was full.
func (l *AsyncLogger) Dropped() uint64 {
	return l.sink.dropped.Load()
}

// Close flushes queued entries and stops the writer. Later entries are
// written synchronously.
func (l *AsyncLogger) Close() {
	l.sink.mu.Lock()
	if l.sink.stopped {
		l.sink.mu.Unlock()
		return
	}
	l.sink.stopped = true
	close(l.sink.entries)
	l.sink.mu.Unlock()
	<-l.sink.done
}

func (l *AsyncLogger) enqueue(write func()) {
	l.sink.mu.RLock()
	defer l.sink.mu.RUnlock()
	if l.sink.stopped {
		write()
		return
	}
	if l.sink.dropWhenFull {
		select {
		case l.sink.entries <- write:
		default:
			l.sink.dropped.Add(1)
		}
		return
	}
	l.sink.entries <- write
}
