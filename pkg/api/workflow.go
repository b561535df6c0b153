package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusRunning   Status = "RUNNING"
	StatusSuspended Status = "SUSPENDED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether s is a final state. Terminal states never change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Future is the handle to the eventual result of a command issued by
// workflow code (activity, timer or child workflow).
//
// Get returns the recorded result. If the result is not in history yet it
// returns a *SuspendedError, which workflow code must propagate.
type Future interface {
	Get() (any, error)
	IsReady() bool
}

// ChildFuture is the Future of a child workflow execution.
type ChildFuture interface {
	Future
	ChildID() string
}

// Context is the deterministic API available to workflow code. Every
// method is replay-safe: it either reads history or records a command.
type Context interface {
	InstanceID() string
	WorkflowName() string

	// Now returns the timestamp of the most recently replayed event.
	// Workflow code must use it instead of time.Now.
	Now() time.Time

	// IsReplaying reports whether the code is re-executing already
	// recorded history.
	IsReplaying() bool

	// Logger is silent while replaying so log lines are emitted once.
	Logger() *slog.Logger

	ExecuteActivity(name string, input any, opts ActivityOptions) Future
	NewTimer(d time.Duration) Future
	Sleep(d time.Duration) error
	StartChild(spec ChildSpec) ChildFuture

	// ReceiveSignal consumes the oldest buffered signal with the given name
	// that has no registered handler, suspending until one arrives.
	ReceiveSignal(name string) (any, error)

	// Await blocks until cond returns true or timeout elapses, whichever
	// comes first. It returns true if the condition was met. A zero timeout
	// waits without a deadline. cond is re-evaluated after every replayed
	// event, typically after signal handlers mutated the state.
	Await(timeout time.Duration, cond func() bool) (bool, error)

	// CancelRequested reports whether Engine.Cancel was called for this
	// instance (as of the current replay position).
	CancelRequested() bool
}

// SignalHandler mutates workflow state when a signal is replayed.
type SignalHandler func(state any, payload any) error

// QueryHandler answers a read-only query from the replayed state.
type QueryHandler func(state any, arg any) (any, error)

// WorkflowDefinition describes a workflow.
type WorkflowDefinition struct {
	Name string

	// TaskQueue routes the workflow's tasks. Empty means the engine default.
	TaskQueue string

	// NewState returns a fresh local state for each replay. May be nil for
	// stateless workflows, in which case Run receives a nil state.
	NewState func() any

	Run func(ctx Context, state any, input any) (any, error)

	Signals map[string]SignalHandler
	Queries map[string]QueryHandler

	// ExecutionTimeout applies when StartOptions does not set one.
	ExecutionTimeout time.Duration
}

// Validate checks that the definition can be registered.
func (d WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("workflow name must not be empty")
	}
	if d.Run == nil {
		return fmt.Errorf("workflow %q has no run function", d.Name)
	}
	if d.ExecutionTimeout < 0 {
		return fmt.Errorf("workflow %q has negative execution timeout", d.Name)
	}
	return nil
}

// WorkflowBuilder assembles a WorkflowDefinition around an explicit state
// struct S.
type WorkflowBuilder[S any] struct {
	def WorkflowDefinition
}

// NewWorkflow starts a definition whose local state is a *S.
func NewWorkflow[S any](name string, run func(ctx Context, state *S, input any) (any, error)) *WorkflowBuilder[S] {
	return &WorkflowBuilder[S]{def: WorkflowDefinition{
		Name:     name,
		NewState: func() any { return new(S) },
		Run: func(ctx Context, state any, input any) (any, error) {
			return run(ctx, state.(*S), input)
		},
		Signals: map[string]SignalHandler{},
		Queries: map[string]QueryHandler{},
	}}
}

// OnSignal registers a handler applied to the state when the signal is replayed.
func (b *WorkflowBuilder[S]) OnSignal(name string, h func(state *S, payload any) error) *WorkflowBuilder[S] {
	b.def.Signals[name] = func(state any, payload any) error {
		return h(state.(*S), payload)
	}
	return b
}

// OnQuery registers a read-only query handler.
func (b *WorkflowBuilder[S]) OnQuery(name string, h func(state *S, arg any) (any, error)) *WorkflowBuilder[S] {
	b.def.Queries[name] = func(state any, arg any) (any, error) {
		return h(state.(*S), arg)
	}
	return b
}

func (b *WorkflowBuilder[S]) TaskQueue(q string) *WorkflowBuilder[S] {
	b.def.TaskQueue = q
	return b
}

func (b *WorkflowBuilder[S]) ExecutionTimeout(d time.Duration) *WorkflowBuilder[S] {
	b.def.ExecutionTimeout = d
	return b
}

// Definition returns the assembled definition.
func (b *WorkflowBuilder[S]) Definition() WorkflowDefinition {
	return b.def
}

// WorkflowInstance is the current view of an instance, derived from its
// event history.
type WorkflowInstance struct {
	ID        string
	Name      string
	TaskQueue string
	Status    Status

	Input   any
	Output  any
	Failure *Failure

	// ParentID and ParentSeq link a child instance to the command that
	// started it. Empty for top-level instances.
	ParentID  string
	ParentSeq int64

	// WaitingOn describes the suspension point of a suspended instance.
	WaitingOn string

	CreatedAt     time.Time
	UpdatedAt     time.Time
	ClosedAt      time.Time
	HistoryLength int
}

// Err returns the terminal failure as an error, or nil.
func (i *WorkflowInstance) Err() error {
	if i == nil || i.Failure == nil {
		return nil
	}
	return i.Failure
}

// InstanceListOptions controls how instances are listed.
// Zero values mean "no filter" for that field.
type InstanceListOptions struct {
	// WorkflowName, if non-empty, limits results to instances of the given workflow.
	WorkflowName string

	// Status, if non-empty, limits results to instances with the given status.
	Status Status
}

// GetAs waits on f and asserts the result to T.
func GetAs[T any](f Future) (T, error) {
	var zero T
	v, err := f.Get()
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected result type %T, want %T", v, zero)
	}
	return t, nil
}
