package testutil

import (
	"runtime"
	"strconv"
	"strings"
	"testing"
)

// GoroutineID returns the id of the calling goroutine. Tests use it to assert
// which event loop ran a callback; production code never relies on it.
func GoroutineID() uint64 {
	buf := make([]byte, 64)
	buf = buf[:runtime.Stack(buf, false)]
	field := strings.Fields(strings.TrimPrefix(string(buf), "goroutine "))[0]
	id, _ := strconv.ParseUint(field, 10, 64)
	return id
}

// Executor is anything that runs tasks on its own goroutine.
type Executor interface {
	Execute(task func()) error
}

// ExecutorGoroutine returns the goroutine id that runs tasks submitted to e.
func ExecutorGoroutine(t *testing.T, e Executor) uint64 {
	t.Helper()
	ch := make(chan uint64, 1)
	if err := e.Execute(func() { ch <- GoroutineID() }); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	return <-ch
}
