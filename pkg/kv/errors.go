package kv

import (
	"errors"
	"fmt"
)

// ResultCode classifies native store failures.
type ResultCode int

const (
	OK ResultCode = iota
	KeyNotFound
	KeyExists
	GenerationError
	BinTypeError
	ParameterError
	Timeout
	ServerError
	UDFNotFound
	UDFError
	IndexFound
	IndexNotFound
	Unsupported
	ClientClosed
	Throttled
)

var resultCodeNames = map[ResultCode]string{
	OK:              "ok",
	KeyNotFound:     "key not found",
	KeyExists:       "key exists",
	GenerationError: "generation error",
	BinTypeError:    "bin type error",
	ParameterError:  "parameter error",
	Timeout:         "timeout",
	ServerError:     "server error",
	UDFNotFound:     "udf not found",
	UDFError:        "udf error",
	IndexFound:      "index already exists",
	IndexNotFound:   "index not found",
	Unsupported:     "unsupported operation",
	ClientClosed:    "client closed",
	Throttled:       "throttled",
}

func (c ResultCode) String() string {
	if name, ok := resultCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("result code %d", int(c))
}

// Error is the native error reported by store backends.
type Error struct {
	Code    ResultCode
	Message string
	// InDoubt is set when a write may have been applied despite the failure.
	InDoubt bool
	Err     error
}

// NewError builds a native error.
func NewError(code ResultCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError builds a native error around a backend cause.
func WrapError(code ResultCode, err error) *Error {
	return &Error{Code: code, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrKeyNotFound   = NewError(KeyNotFound, "")
	ErrKeyExists     = NewError(KeyExists, "")
	ErrGeneration    = NewError(GenerationError, "")
	ErrBinType       = NewError(BinTypeError, "")
	ErrParameter     = NewError(ParameterError, "")
	ErrTimeout       = NewError(Timeout, "")
	ErrServer        = NewError(ServerError, "")
	ErrUDFNotFound   = NewError(UDFNotFound, "")
	ErrIndexFound    = NewError(IndexFound, "")
	ErrIndexNotFound = NewError(IndexNotFound, "")
	ErrUnsupported   = NewError(Unsupported, "")
	ErrClientClosed  = NewError(ClientClosed, "")
	ErrThrottled     = NewError(Throttled, "")
)

// CodeOf returns the result code carried by err, ServerError for foreign
// errors and OK for nil.
func CodeOf(err error) ResultCode {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ServerError
}
