package scheduler

import (
	"errors"
	"fmt"
)

// ErrStopTimeout is returned by Stop when the worker does not exit in time.
var ErrStopTimeout = errors.New("scheduler worker did not terminate")

// ExecutionError wraps the error returned by a command's work closure.
type ExecutionError struct {
	CommandID string
	Command   string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("command %s (%s) failed: %v", e.Command, e.CommandID, e.Err)
	}
	return fmt.Sprintf("command %s failed: %v", e.CommandID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// PanicError is the failure recorded for a work closure that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
