package api

import (
	"context"
	"time"
)

// StartOptions configure a new workflow instance.
type StartOptions struct {
	// ID of the instance. A random ID is generated when empty.
	ID string
	// TaskQueue overrides the workflow definition's queue.
	TaskQueue string
	// ExecutionTimeout overrides the definition's timeout. Zero keeps it.
	ExecutionTimeout time.Duration
}

// Engine is the high-level engine API.
type Engine interface {
	RegisterWorkflow(def WorkflowDefinition) error
	RegisterActivity(def ActivityDefinition) error

	// Start records a new instance and schedules its first workflow task.
	// It does not wait for any workflow code to run.
	Start(ctx context.Context, name string, input any, opts StartOptions) (*WorkflowInstance, error)

	// Execute starts an instance and waits for it to reach a terminal
	// state. For Failed, TimedOut and Cancelled instances the terminal
	// failure is returned together with the instance.
	Execute(ctx context.Context, name string, input any, opts StartOptions) (*WorkflowInstance, error)

	// Wait blocks until the instance is terminal or ctx is done.
	Wait(ctx context.Context, id string) (*WorkflowInstance, error)

	// GetInstance looks up a workflow instance by ID.
	// Returns ErrInstanceNotFound if the instance is not found.
	GetInstance(ctx context.Context, id string) (*WorkflowInstance, error)

	// ListInstances returns workflow instances matching the given options.
	// If options are zero-valued, all instances are returned.
	ListInstances(ctx context.Context, opts InstanceListOptions) ([]*WorkflowInstance, error)

	// History returns the instance's events in order.
	History(ctx context.Context, id string) ([]HistoryEvent, error)

	// Signal appends a signal to the instance history and schedules a
	// workflow task. It never waits for workflow code. Signals for
	// terminal instances are dropped with ErrInstanceTerminal.
	Signal(ctx context.Context, id string, name string, payload any) error

	// Query answers from replayed state without changing history.
	Query(ctx context.Context, id string, name string, arg any) (any, error)

	// Cancel requests cancellation of the instance and its running children.
	Cancel(ctx context.Context, id string) error

	// Heartbeat records liveness for an in-flight activity attempt.
	Heartbeat(ctx context.Context, instanceID string, invocationID int64, progress any) error

	// RecoverInFlight re-dispatches work that was recorded in history but
	// whose queue task may have been lost, e.g. after a crash. It returns
	// the number of tasks enqueued. Call it on process startup.
	RecoverInFlight(ctx context.Context) (int, error)
}
