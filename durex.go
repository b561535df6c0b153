package durex

import (
	"context"
	"database/sql"
	"encoding/gob"
	"log/slog"

	"github.com/petrijr/durex/internal/engine"
	"github.com/petrijr/durex/internal/persistence"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/api"
	"github.com/petrijr/durex/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	WorkflowDefinition   = api.WorkflowDefinition
	ActivityDefinition   = api.ActivityDefinition
	ActivityOptions      = api.ActivityOptions
	ActivityInfo         = api.ActivityInfo
	Context              = api.Context
	Future               = api.Future
	ChildFuture          = api.ChildFuture
	ChildSpec            = api.ChildSpec
	FanOutOptions        = api.FanOutOptions
	FanIn                = api.FanIn
	WorkflowInstance     = api.WorkflowInstance
	InstanceListOptions  = api.InstanceListOptions
	StartOptions         = api.StartOptions
	HistoryEvent         = api.HistoryEvent
	Status               = api.Status
	Failure              = api.Failure
	Category             = api.Category
	RetryPolicy          = api.RetryPolicy
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	Queue                = taskqueue.Queue
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewApplicationError  = api.NewApplicationError
	NewNonRetryableError = api.NewNonRetryableError
	StartChildren        = api.StartChildren
	RecordHeartbeat      = api.RecordHeartbeat
	ActivityInfoFrom     = api.ActivityInfoFrom
	DefaultRetryPolicy   = api.DefaultRetryPolicy
	NoRetry              = api.NoRetry
	IsCategory           = api.IsCategory
	AsFailure            = api.AsFailure
)

// Re-export sentinel errors.

var (
	ErrInstanceNotFound = api.ErrInstanceNotFound
	ErrInstanceExists   = api.ErrInstanceExists
	ErrInstanceTerminal = api.ErrInstanceTerminal
	ErrWorkflowNotFound = api.ErrWorkflowNotFound
	ErrActivityNotFound = api.ErrActivityNotFound
	ErrQueryNotFound    = api.ErrQueryNotFound
	ErrNonDeterministic = api.ErrNonDeterministic
)

// Re-export status values for convenience.

const (
	StatusScheduled = api.StatusScheduled
	StatusRunning   = api.StatusRunning
	StatusSuspended = api.StatusSuspended
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusTimedOut  = api.StatusTimedOut
	StatusCancelled = api.StatusCancelled
)

const (
	CategoryTransient    = api.CategoryTransient
	CategoryTimeout      = api.CategoryTimeout
	CategoryNonRetryable = api.CategoryNonRetryable
	CategoryChildFailure = api.CategoryChildFailure
	CategoryEngineFault  = api.CategoryEngineFault
	CategoryCancelled    = api.CategoryCancelled
)

const (
	ReportFailures = api.ReportFailures
	DropFailures   = api.DropFailures
)

// DefaultTaskQueue is the task queue used when none is configured.
const DefaultTaskQueue = taskqueue.DefaultQueue

// Engine is the workflow engine as seen by applications and workers: the
// api.Engine operations plus the task handler a Worker drives it with.
type Engine interface {
	api.Engine
	worker.TaskHandler

	// TaskQueues lists the task queues registered definitions route to.
	TaskQueues() []string

	// Queue is the task queue the engine dispatches to. Workers for this
	// engine must consume it.
	Queue() Queue
}

// RegisterType makes a custom type usable as workflow or activity input,
// output, signal payload or heartbeat detail. Values are persisted with
// encoding/gob, so every concrete type carried in an interface must be
// registered once, typically in an init function.
func RegisterType(values ...any) {
	for _, v := range values {
		gob.Register(v)
	}
}

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewEngine returns an Engine over the given event log and task queue.
// Backend packages (redis, postgres, mongo) use it to assemble engines.
func NewEngine(log persistence.EventLog, q Queue, obs Observer) Engine {
	return engine.New(engine.Config{
		Log:      log,
		Queue:    q,
		Observer: obs,
		Logger:   slog.Default(),
	})
}

// NewInMemoryQueue returns a process-local task queue.
func NewInMemoryQueue() Queue {
	return taskqueue.NewInMemoryQueue()
}

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return NewInMemoryEngineWithObserver(nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return NewEngine(persistence.NewMemoryEventLog(), taskqueue.NewInMemoryQueue(), obs)
}

// NewSQLiteEngine returns an Engine that keeps its event log and task queue
// in a SQLite database. Workflow definitions are kept in-memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	log, err := persistence.NewSQLiteEventLog(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return NewEngine(log, q, obs), nil
}

// Convenience helpers that just forward to the underlying Engine.

// Execute starts a registered workflow and waits until it is terminal.
// Some Worker (or LocalRunner) must be processing the engine's queue.
func Execute(ctx context.Context, eng Engine, name string, input any) (*WorkflowInstance, error) {
	return eng.Execute(ctx, name, input, StartOptions{})
}

// Start starts a registered workflow without waiting for it.
func Start(ctx context.Context, eng Engine, name string, input any, opts StartOptions) (*WorkflowInstance, error) {
	return eng.Start(ctx, name, input, opts)
}

// GetInstance fetches an instance by ID.
func GetInstance(ctx context.Context, eng Engine, id string) (*WorkflowInstance, error) {
	return eng.GetInstance(ctx, id)
}

// ListInstances lists workflow instances according to the given options.
func ListInstances(ctx context.Context, eng Engine, opts InstanceListOptions) ([]*WorkflowInstance, error) {
	return eng.ListInstances(ctx, opts)
}

// Signal delivers a signal to an instance.
func Signal(ctx context.Context, eng Engine, id string, name string, payload any) error {
	return eng.Signal(ctx, id, name, payload)
}

// Query asks a running or finished instance a read-only question.
func Query(ctx context.Context, eng Engine, id string, name string, arg any) (any, error) {
	return eng.Query(ctx, id, name, arg)
}

// Cancel requests cancellation of an instance and its children.
func Cancel(ctx context.Context, eng Engine, id string) error {
	return eng.Cancel(ctx, id)
}

// RecoverInFlight delegates to eng.RecoverInFlight.
//
// It is typically called on process startup before starting any workers:
//
//	count, err := durex.RecoverInFlight(ctx, engine)
func RecoverInFlight(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverInFlight(ctx)
}
