package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrTimeout            = errors.New("execution timed out")
	ErrInvalidRequest     = errors.New("invalid execution request")
	ErrRuntimeUnavailable = errors.New("runtime unavailable")
	ErrClosed             = errors.New("backend closed")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsUnavailable returns true if the runtime could not be loaded or started.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrRuntimeUnavailable)
}
