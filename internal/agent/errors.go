package agent

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	// KindNotFound means the agent executable could not be located or started.
	KindNotFound ErrorKind = "not_found"
	// KindTimeout means the process was killed after exceeding its budget.
	KindTimeout ErrorKind = "timeout"
	// KindCancelled means the invocation was cancelled by request id or context.
	KindCancelled ErrorKind = "cancelled"
	// KindProcessFailed means the process ran and exited non-zero.
	KindProcessFailed ErrorKind = "process_failed"
	KindUnknown       ErrorKind = "unknown"
)

// Error is returned by Supervisor.Execute and Locator.Resolve.
type Error struct {
	Kind     ErrorKind
	Message  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("agent %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the ErrorKind carried by err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}
