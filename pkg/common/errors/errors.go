package errors

import (
	"errors"
	"fmt"
)

// Common error types used across the coreloop library

var (
	// ErrClosed indicates that an operation was attempted on a closed resource
	ErrClosed = errors.New("resource is closed")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrCapacityExceeded indicates that a capacity limit was exceeded
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrConfiguration indicates an invalid or duplicate setup call.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnknownCategory indicates work submitted to a category that was never registered.
	ErrUnknownCategory = errors.New("unknown category")

	// ErrWorkItem indicates that a deferred function or a resumable task step failed.
	ErrWorkItem = errors.New("work item failure")

	// ErrLoopControl indicates a failure in the scheduler's own bookkeeping.
	ErrLoopControl = errors.New("loop control failure")
)

// ValidationError describes a rejected configuration value.
type ValidationError struct {
	Module string
	Field  string
	Value  interface{}
	Reason string
	Hint   string
}

// NewValidationError creates a ValidationError.
func NewValidationError(module, field string, value interface{}, reason string) *ValidationError {
	return &ValidationError{
		Module: module,
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// WithHint attaches a remediation hint and returns the same error for chaining.
func (e *ValidationError) WithHint(hint string) *ValidationError {
	e.Hint = hint
	return e
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: invalid %s=%v (%s)", e.Module, e.Field, e.Value, e.Reason)
	if e.Hint != "" {
		msg += " - " + e.Hint
	}
	return msg
}

// Unwrap makes every ValidationError match ErrConfiguration.
func (e *ValidationError) Unwrap() error {
	return ErrConfiguration
}

// Work item kinds reported by WorkItemError.
const (
	KindDeferred = "deferred"
	KindTask     = "task"
	KindEvent    = "event"
)

// WorkItemError is a failure raised by producer code at the drain or step boundary.
// It never stops the loop.
type WorkItemError struct {
	Kind     string // KindDeferred, KindTask or KindEvent
	Name     string // function identity or task description
	Category string // set for deferred items
	Handle   uint64 // set for resumable tasks
	Cause    error
	Stack    []byte // captured when the failure was a panic
}

func (e *WorkItemError) Error() string {
	switch e.Kind {
	case KindTask:
		return fmt.Sprintf("task %d (%s) failed: %v", e.Handle, e.Name, e.Cause)
	case KindEvent:
		return fmt.Sprintf("event handler %s failed: %v", e.Name, e.Cause)
	}
	return fmt.Sprintf("deferred %s from queue %s failed: %v", e.Name, e.Category, e.Cause)
}

// Unwrap exposes both ErrWorkItem and the underlying cause to errors.Is/As.
func (e *WorkItemError) Unwrap() []error {
	return []error{ErrWorkItem, e.Cause}
}

// LoopControlError is a failure inside the scheduler itself (queue bookkeeping,
// event pump). It is always fatal to the loop.
type LoopControlError struct {
	Op    string
	Cause error
}

// NewLoopControlError wraps cause as a fatal loop failure of op.
func NewLoopControlError(op string, cause error) *LoopControlError {
	return &LoopControlError{Op: op, Cause: cause}
}

func (e *LoopControlError) Error() string {
	return fmt.Sprintf("loop control: %s failed: %v", e.Op, e.Cause)
}

// Unwrap exposes both ErrLoopControl and the underlying cause to errors.Is/As.
func (e *LoopControlError) Unwrap() []error {
	return []error{ErrLoopControl, e.Cause}
}

// IsFatal returns true if the error must stop the loop: scheduler-internal
// failures and configuration errors. Work item failures are never fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrLoopControl) || errors.Is(err, ErrConfiguration)
}

// IsTemporary returns true if the error indicates a temporary condition
func IsTemporary(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrCapacityExceeded)
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
