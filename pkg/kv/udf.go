package kv

import (
	"errors"
	"fmt"
	"sync"
)

// UDF is a record function executed by Execute. It receives a copy of the
// current bins (nil when the record is missing) and returns the value to hand
// back, plus the new bins when it wants to write (nil leaves the record untouched).
type UDF func(bins map[string]any, args []any) (result any, newBins map[string]any, err error)

// UDFRegistry maps "<package>.<function>" to record functions.
// It is safe for concurrent use.
type UDFRegistry struct {
	mu   sync.RWMutex
	udfs map[string]UDF
}

// NewUDFRegistry creates an empty registry.
func NewUDFRegistry() *UDFRegistry {
	return &UDFRegistry{udfs: map[string]UDF{}}
}

// Register installs fn under packageName.functionName, replacing any previous one.
func (r *UDFRegistry) Register(packageName, functionName string, fn UDF) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.udfs[packageName+"."+functionName] = fn
}

// Lookup returns the function or a UDFNotFound error.
func (r *UDFRegistry) Lookup(packageName, functionName string) (UDF, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.udfs[packageName+"."+functionName]
	if !ok {
		return nil, NewError(UDFNotFound, fmt.Sprintf("%s.%s", packageName, functionName))
	}
	return fn, nil
}

// Run looks up and invokes a UDF, converting panics and plain errors into
// native UDF errors.
func (r *UDFRegistry) Run(packageName, functionName string, bins map[string]any, args []any) (result any, newBins map[string]any, err error) {
	fn, err := r.Lookup(packageName, functionName)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = NewError(UDFError, fmt.Sprintf("%s.%s panicked: %v", packageName, functionName, rec))
		}
	}()
	result, newBins, err = fn(bins, args)
	if err != nil {
		var native *Error
		if !errors.As(err, &native) {
			err = &Error{Code: UDFError, Message: err.Error(), Err: err}
		}
		return nil, nil, err
	}
	if newBins != nil {
		NormalizeBins(newBins)
	}
	return NormalizeValue(result), newBins, nil
}
