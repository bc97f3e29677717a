package bridge

import (
	"errors"
	"fmt"
)

// ErrRedispatch classifies completions that could not be handed back to
// their context, typically because the context shut down.
var ErrRedispatch = errors.New("completion redispatch failed")

// RedispatchError is delivered as the operation outcome when the captured
// context rejected the completion task.
type RedispatchError struct {
	Op        string
	ContextID string
	Err       error
}

func (e *RedispatchError) Error() string {
	return fmt.Sprintf("%s: op=%s context=%s: %v", ErrRedispatch, e.Op, e.ContextID, e.Err)
}

// Unwrap exposes both ErrRedispatch and the context's own error.
func (e *RedispatchError) Unwrap() []error {
	return []error{ErrRedispatch, e.Err}
}
