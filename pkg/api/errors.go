package api

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"
)

func init() {
	gob.Register(&Failure{})
}

var (
	// ErrInstanceNotFound is returned for unknown workflow instance IDs.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists is returned when starting an instance whose ID is taken.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrWorkflowNotFound is returned when no workflow is registered under a name.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrActivityNotFound is returned when no activity is registered under a name.
	ErrActivityNotFound = errors.New("activity not found")

	// ErrInstanceTerminal is returned when a signal or cancellation targets an
	// instance that already reached a terminal state. The message is dropped.
	ErrInstanceTerminal = errors.New("instance is in a terminal state")

	// ErrQueryNotFound is returned when a workflow has no handler for a query name.
	ErrQueryNotFound = errors.New("query handler not found")

	// ErrNonDeterministic marks a replay that diverged from the recorded history.
	ErrNonDeterministic = errors.New("non-deterministic workflow")

	// ErrInvocationNotFound is returned by Heartbeat for unknown or finished attempts.
	ErrInvocationNotFound = errors.New("activity invocation not in flight")
)

// Category classifies a failure for retry and propagation decisions.
type Category string

const (
	// CategoryTransient covers network/service/database style failures.
	// Retryable by default.
	CategoryTransient Category = "Transient"
	// CategoryTimeout is a start-to-close or heartbeat breach.
	CategoryTimeout Category = "Timeout"
	// CategoryNonRetryable is an explicitly categorized business failure.
	CategoryNonRetryable Category = "NonRetryable"
	// CategoryChildFailure wraps the terminal failure of a child workflow.
	CategoryChildFailure Category = "ChildFailure"
	// CategoryEngineFault is history corruption or replay non-determinism.
	CategoryEngineFault Category = "EngineFault"
	// CategoryCancelled is reported for work abandoned after a cancel request.
	CategoryCancelled Category = "Cancelled"
)

// Failure is the structured error recorded in history and returned to
// workflow code and synchronous callers.
type Failure struct {
	Category Category
	// Type is an application-defined error type name, e.g. "PermanentError".
	Type    string
	Message string
	// Attempts is the number of attempts made before the failure became terminal.
	Attempts int
	Cause    *Failure
}

func (f *Failure) Error() string {
	if f == nil {
		return "<nil>"
	}
	msg := string(f.Category)
	if f.Type != "" {
		msg += "(" + f.Type + ")"
	}
	if f.Message != "" {
		msg += ": " + f.Message
	}
	if f.Cause != nil {
		msg += ": " + f.Cause.Error()
	}
	return msg
}

// Unwrap exposes the cause so errors.As can reach nested failures.
func (f *Failure) Unwrap() error {
	if f == nil || f.Cause == nil {
		return nil
	}
	return f.Cause
}

// Is matches sentinel errors by category, so
// errors.Is(err, &Failure{Category: CategoryTimeout}) works. A
// non-determinism fault also matches ErrNonDeterministic.
func (f *Failure) Is(target error) bool {
	if target == ErrNonDeterministic {
		return f != nil && f.Category == CategoryEngineFault && f.Type == "NonDeterministic"
	}
	t, ok := target.(*Failure)
	if !ok || f == nil || t == nil {
		return false
	}
	if t.Type != "" && t.Type != f.Type {
		return false
	}
	return t.Category == f.Category
}

// NewApplicationError creates a retryable failure with an application type.
func NewApplicationError(errType, format string, args ...any) *Failure {
	return &Failure{
		Category: CategoryTransient,
		Type:     errType,
		Message:  fmt.Sprintf(format, args...),
	}
}

// NewNonRetryableError creates a failure that is never retried.
func NewNonRetryableError(errType, format string, args ...any) *Failure {
	return &Failure{
		Category: CategoryNonRetryable,
		Type:     errType,
		Message:  fmt.Sprintf(format, args...),
	}
}

// NewTimeoutError creates a Timeout failure.
func NewTimeoutError(format string, args ...any) *Failure {
	return &Failure{
		Category: CategoryTimeout,
		Message:  fmt.Sprintf(format, args...),
	}
}

// NewCancelledError creates a Cancelled failure.
func NewCancelledError(format string, args ...any) *Failure {
	return &Failure{
		Category: CategoryCancelled,
		Message:  fmt.Sprintf(format, args...),
	}
}

// AsFailure classifies err into a *Failure. It returns nil for a nil error.
//
//   - *Failure values (possibly wrapped) are returned as-is.
//   - context.DeadlineExceeded becomes CategoryTimeout.
//   - context.Canceled becomes CategoryCancelled.
//   - anything else is CategoryTransient with the Go type name as Type.
func AsFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Failure{Category: CategoryTimeout, Type: "DeadlineExceeded", Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &Failure{Category: CategoryCancelled, Type: "Canceled", Message: err.Error()}
	case errors.Is(err, ErrNonDeterministic):
		return &Failure{Category: CategoryEngineFault, Type: "NonDeterministic", Message: err.Error()}
	}
	return &Failure{
		Category: CategoryTransient,
		Type:     typeName(err),
		Message:  err.Error(),
	}
}

// IsCategory reports whether err classifies as the given category.
func IsCategory(err error, c Category) bool {
	f := AsFailure(err)
	return f != nil && f.Category == c
}

func typeName(v any) string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

// SuspendedError is returned from blocking Context operations when the
// result they wait on is not yet in history. Workflow code should return it
// unchanged; the engine parks the instance and replays it once a new event
// arrives.
type SuspendedError struct {
	WaitingOn string
}

func (e *SuspendedError) Error() string {
	return "workflow suspended waiting on " + e.WaitingOn
}

// IsSuspended returns (waitingOn, true) if err signals a suspension.
func IsSuspended(err error) (string, bool) {
	var s *SuspendedError
	if errors.As(err, &s) {
		return s.WaitingOn, true
	}
	return "", false
}
