package llm

import (
	"errors"
	"fmt"
)

// Sentinel error classes (spec.md §4.1's error taxonomy). Use errors.Is
// against these, not string comparison — every concrete error wraps one
// of them.
var (
	ErrConnection = errors.New("backend connection error")
	ErrTimeout    = errors.New("backend timeout")
	ErrModel      = errors.New("backend model error")
	ErrAuth       = errors.New("backend authentication error")
	ErrRateLimit  = errors.New("backend rate limited")
	ErrValidation = errors.New("backend validation error")
	ErrGeneric    = errors.New("backend error")
)

// Error is the concrete error type every backend returns. It always
// carries the backend name, the operation, and the original cause, per
// spec.md §4.1 ("every error carries the backend name, the operation,
// and the original cause") — translated from
// original_source/.../inference_backends/errors.py's BackendError shape.
type Error struct {
	Class      error // one of the sentinels above
	Backend    string
	Operation  string
	Cause      error
	RetryAfter int // seconds; only meaningful when Class == ErrRateLimit
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Backend, e.Operation, e.Class)
	if e.Cause != nil {
		msg += fmt.Sprintf(" (%v)", e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Class
}

// newErr builds an *Error, keeping construction call sites short.
func newErr(class error, backend, op string, cause error) *Error {
	return &Error{Class: class, Backend: backend, Operation: op, Cause: cause}
}

// IsRetryable reports whether the backend-level retry loop should retry
// this error class (spec.md §4.1: timeout/connection/5xx retried, 4xx
// except 429 is not).
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrConnection), errors.Is(err, ErrTimeout), errors.Is(err, ErrGeneric), errors.Is(err, ErrRateLimit):
		return true
	default:
		return false
	}
}
