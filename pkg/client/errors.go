package client

import (
	"fmt"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/loop"
)

// ErrNoContext is the panic value of an operation called without an execution context.
var ErrNoContext = loop.ErrNoContext

// OpError is the failure outcome of a facade operation.
type OpError struct {
	Op  string
	Key *kv.Key
	Err error
}

func (e *OpError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("kvbridge: %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("kvbridge: %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
