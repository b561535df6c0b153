// Package engine processes workflow, activity, timer and child tasks
// against an event log and a task queue.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/durex/internal/activity"
	"github.com/petrijr/durex/internal/history"
	"github.com/petrijr/durex/internal/persistence"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/api"
)

// errSkip aborts a history update without appending or failing.
var errSkip = errors.New("nothing to do")

const defaultPollInterval = 50 * time.Millisecond

// Config describes how to construct an Engine.
type Config struct {
	Log   persistence.EventLog
	Queue taskqueue.Queue

	Observer api.Observer
	Logger   *slog.Logger

	// DefaultTaskQueue routes definitions registered without a task queue.
	DefaultTaskQueue string

	// PollInterval bounds how long Wait sleeps between checks of instances
	// that complete in another process.
	PollInterval time.Duration

	// NewID generates instance IDs for Start calls without one.
	NewID func() string
}

// Engine implements api.Engine. It never runs workflow code on the caller's
// goroutine: Start and Signal append history and enqueue tasks, and
// HandleTask, called by workers, does the rest.
type Engine struct {
	writer     *history.Writer
	queue      taskqueue.Queue
	registry   *registry
	activities *activity.Manager

	observer     api.Observer
	logger       *slog.Logger
	pollInterval time.Duration
	newID        func() string

	mu      sync.Mutex
	running map[string]int
	waiters map[string]chan struct{}
}

var _ api.Engine = (*Engine)(nil)

// New creates an Engine from cfg. Log and Queue are required.
func New(cfg Config) *Engine {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queue := cfg.DefaultTaskQueue
	if queue == "" {
		queue = taskqueue.DefaultQueue
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	e := &Engine{
		writer:       history.NewWriter(cfg.Log),
		queue:        cfg.Queue,
		registry:     newRegistry(queue),
		observer:     obs,
		logger:       logger,
		pollInterval: poll,
		newID:        newID,
		running:      make(map[string]int),
		waiters:      make(map[string]chan struct{}),
	}
	e.activities = activity.NewManager(activity.Config{
		Writer:   e.writer,
		Queue:    cfg.Queue,
		Lookup:   e.registry.Activity,
		Observer: obs,
		Logger:   logger,
	})
	return e
}

// NewInMemory returns an Engine over an in-memory log and queue.
func NewInMemory() *Engine {
	return New(Config{
		Log:   persistence.NewMemoryEventLog(),
		Queue: taskqueue.NewInMemoryQueue(),
	})
}

// Queue returns the task queue the engine dispatches to.
func (e *Engine) Queue() taskqueue.Queue { return e.queue }

// TaskQueues lists the task queues registered definitions route to.
func (e *Engine) TaskQueues() []string { return e.registry.Queues() }

func (e *Engine) RegisterWorkflow(def api.WorkflowDefinition) error {
	return e.registry.RegisterWorkflow(def)
}

func (e *Engine) RegisterActivity(def api.ActivityDefinition) error {
	return e.registry.RegisterActivity(def)
}

func (e *Engine) Start(ctx context.Context, name string, input any, opts api.StartOptions) (*api.WorkflowInstance, error) {
	def, err := e.registry.Workflow(name)
	if err != nil {
		return nil, err
	}
	id := opts.ID
	if id == "" {
		id = e.newID()
	}
	queue := opts.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	timeout := opts.ExecutionTimeout
	if timeout <= 0 {
		timeout = def.ExecutionTimeout
	}

	started := api.HistoryEvent{
		Type:      api.EventWorkflowStarted,
		Name:      def.Name,
		TaskQueue: queue,
		Input:     input,
	}
	if timeout > 0 {
		started.FireAt = time.Now().UTC().Add(timeout)
	}
	events, err := e.create(ctx, id, started)
	if err != nil {
		return nil, err
	}
	return history.Fold(events)
}

// create appends the first event of a new instance and dispatches its
// first workflow task.
func (e *Engine) create(ctx context.Context, id string, started api.HistoryEvent) ([]api.HistoryEvent, error) {
	events, _, err := e.writer.Update(ctx, id, func(existing []api.HistoryEvent) ([]api.HistoryEvent, error) {
		if len(existing) > 0 {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceExists, id)
		}
		return []api.HistoryEvent{started}, nil
	})
	if err != nil {
		return nil, err
	}

	inst, err := history.Fold(events)
	if err != nil {
		return nil, err
	}
	e.observer.OnWorkflowStart(ctx, inst)
	e.logger.Debug("workflow started",
		slog.String("instance_id", id),
		slog.String("workflow", started.Name),
		slog.String("task_queue", started.TaskQueue))

	if err := e.enqueueWorkflowTask(ctx, id, started.TaskQueue); err != nil {
		return events, err
	}
	if !started.FireAt.IsZero() {
		err = e.queue.Enqueue(ctx, taskqueue.Task{
			Type:       taskqueue.TaskWorkflowTimeout,
			Queue:      started.TaskQueue,
			InstanceID: id,
			NotBefore:  started.FireAt,
		})
	}
	return events, err
}

func (e *Engine) Execute(ctx context.Context, name string, input any, opts api.StartOptions) (*api.WorkflowInstance, error) {
	inst, err := e.Start(ctx, name, input, opts)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, inst.ID)
}

func (e *Engine) Wait(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		done := e.subscribe(id)
		inst, err := e.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if inst.Status.IsTerminal() {
			return inst, inst.Err()
		}
		select {
		case <-ctx.Done():
			return inst, ctx.Err()
		case <-done:
		case <-ticker.C:
		}
	}
}

func (e *Engine) subscribe(id string) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.waiters[id]
	if !ok {
		ch = make(chan struct{})
		e.waiters[id] = ch
	}
	return ch
}

func (e *Engine) notify(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.waiters[id]; ok {
		close(ch)
		delete(e.waiters, id)
	}
}

func (e *Engine) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	events, err := e.writer.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	inst, err := history.Fold(events)
	if err != nil {
		return nil, err
	}
	e.overlay(inst)
	return inst, nil
}

// overlay marks instances whose workflow task is in progress as Running.
func (e *Engine) overlay(inst *api.WorkflowInstance) {
	if inst.Status.IsTerminal() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[inst.ID] > 0 {
		inst.Status = api.StatusRunning
	}
}

func (e *Engine) setRunning(id string, on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on {
		e.running[id]++
		return
	}
	if e.running[id]--; e.running[id] <= 0 {
		delete(e.running, id)
	}
}

func (e *Engine) ListInstances(ctx context.Context, opts api.InstanceListOptions) ([]*api.WorkflowInstance, error) {
	ids, err := e.writer.Log().ListInstanceIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*api.WorkflowInstance, 0, len(ids))
	for _, id := range ids {
		inst, err := e.GetInstance(ctx, id)
		if errors.Is(err, api.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if opts.WorkflowName != "" && inst.Name != opts.WorkflowName {
			continue
		}
		if opts.Status != "" && inst.Status != opts.Status {
			continue
		}
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b *api.WorkflowInstance) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (e *Engine) History(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	return e.writer.Load(ctx, id)
}

func (e *Engine) Heartbeat(ctx context.Context, instanceID string, invocationID int64, progress any) error {
	return e.activities.Heartbeat(instanceID, invocationID, progress)
}

// HandleTask processes one task leased from the queue. A nil error means
// the task is done and may be acked; handlers are idempotent, so
// redelivered tasks are safe.
func (e *Engine) HandleTask(ctx context.Context, t *taskqueue.Task) error {
	switch t.Type {
	case taskqueue.TaskWorkflow:
		return e.runWorkflowTask(ctx, t.InstanceID)
	case taskqueue.TaskActivity:
		return e.activities.HandleTask(ctx, t)
	case taskqueue.TaskTimer:
		return e.fireTimer(ctx, t)
	case taskqueue.TaskChildRetry:
		return e.retryChild(ctx, t)
	case taskqueue.TaskWorkflowTimeout:
		return e.timeoutWorkflow(ctx, t)
	case taskqueue.TaskStartWorkflow:
		_, err := e.Start(ctx, t.Name, t.Payload, api.StartOptions{ID: t.InstanceID})
		if errors.Is(err, api.ErrInstanceExists) {
			// Redelivered start task.
			return nil
		}
		return err
	case taskqueue.TaskSignal:
		err := e.Signal(ctx, t.InstanceID, t.Name, t.Payload)
		if errors.Is(err, api.ErrInstanceTerminal) {
			e.logger.Warn("signal dropped",
				slog.String("instance_id", t.InstanceID),
				slog.String("signal", t.Name),
				slog.Any("error", err))
			return nil
		}
		return err
	default:
		return fmt.Errorf("unknown task type: %s", t.Type)
	}
}

func (e *Engine) enqueueWorkflowTask(ctx context.Context, id, queue string) error {
	return e.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskWorkflow,
		Queue:      queue,
		InstanceID: id,
	})
}

// closed runs the follow-up of an instance that reached a terminal state.
func (e *Engine) closed(ctx context.Context, events []api.HistoryEvent) error {
	inst, err := history.Fold(events)
	if err != nil {
		return err
	}
	e.notify(inst.ID)

	log := e.logger.With(slog.String("instance_id", inst.ID), slog.String("workflow", inst.Name))
	if inst.Status == api.StatusCompleted {
		e.observer.OnWorkflowCompleted(ctx, inst)
		log.Debug("workflow completed")
	} else {
		e.observer.OnWorkflowFailed(ctx, inst, inst.Err())
		log.Info("workflow closed", slog.String("status", string(inst.Status)), slog.Any("error", inst.Err()))
	}

	if err := e.cancelChildren(ctx, events); err != nil {
		return err
	}
	if inst.ParentID != "" {
		return e.reportToParent(ctx, inst, events[0].Attempt)
	}
	return nil
}
