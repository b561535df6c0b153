// Package activity runs activity attempts: it records every attempt
// transition in history, enforces timeouts and applies retry policies.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/durex/internal/history"
	"github.com/petrijr/durex/internal/monitor"
	"github.com/petrijr/durex/internal/retry"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/api"
)

// errStale marks a task whose attempt is no longer current.
var errStale = errors.New("stale activity task")

// Config wires a Manager.
type Config struct {
	Writer *history.Writer
	Queue  taskqueue.Queue
	// Lookup resolves registered activities by name.
	Lookup   func(name string) (api.ActivityDefinition, bool)
	Observer api.Observer
	Logger   *slog.Logger
}

// Manager is the activity invocation manager.
type Manager struct {
	writer   *history.Writer
	queue    taskqueue.Queue
	lookup   func(name string) (api.ActivityDefinition, bool)
	observer api.Observer
	logger   *slog.Logger
	inflight *monitor.Registry
}

func NewManager(cfg Config) *Manager {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		writer:   cfg.Writer,
		queue:    cfg.Queue,
		lookup:   cfg.Lookup,
		observer: obs,
		logger:   logger,
		inflight: monitor.NewRegistry(),
	}
}

// Heartbeat records liveness and progress for an in-flight attempt.
func (m *Manager) Heartbeat(instanceID string, invocationID int64, progress any) error {
	if !m.inflight.Beat(monitor.Key{InstanceID: instanceID, InvocationID: invocationID}, progress) {
		return fmt.Errorf("%w: %s/%d", api.ErrInvocationNotFound, instanceID, invocationID)
	}
	return nil
}

// InFlight returns the number of attempts currently running.
func (m *Manager) InFlight() int {
	return m.inflight.Len()
}

// HandleTask runs exactly one attempt of one invocation. Tasks for
// terminal instances, terminal invocations or superseded attempts are
// dropped without error.
func (m *Manager) HandleTask(ctx context.Context, t *taskqueue.Task) error {
	log := m.logger.With(
		slog.String("instance_id", t.InstanceID),
		slog.Int64("invocation_id", t.Seq),
		slog.Int("attempt", t.Attempt),
	)

	var (
		inv      *history.Invocation
		workflow string
	)
	_, _, err := m.writer.Update(ctx, t.InstanceID, func(events []api.HistoryEvent) ([]api.HistoryEvent, error) {
		if len(events) == 0 {
			return nil, api.ErrInstanceNotFound
		}
		if history.IsTerminal(events) {
			return nil, errStale
		}
		inv = history.Invocations(events)[t.Seq]
		if inv == nil || inv.Terminal || inv.Attempt > t.Attempt || inv.FailedAttempt >= t.Attempt {
			return nil, errStale
		}
		workflow = events[0].Name
		return []api.HistoryEvent{{
			Type:    api.EventActivityAttemptStarted,
			Seq:     t.Seq,
			Name:    inv.Name,
			Attempt: t.Attempt,
		}}, nil
	})
	if errors.Is(err, errStale) {
		log.Debug("dropping stale activity task")
		return nil
	}
	if err != nil {
		return err
	}

	info := api.ActivityInfo{
		InstanceID:       t.InstanceID,
		WorkflowName:     workflow,
		InvocationID:     t.Seq,
		ActivityName:     inv.Name,
		TaskQueue:        t.Queue,
		Attempt:          t.Attempt,
		HeartbeatDetails: inv.HeartbeatDetails,
		StartedAt:        time.Now(),
	}
	attempt := monitor.NewAttempt(monitor.Limits{
		StartToClose: inv.StartToCloseTimeout,
		Heartbeat:    inv.HeartbeatTimeout,
	})

	m.observer.OnActivityStart(ctx, info)
	result, runErr := m.run(ctx, info, inv, attempt)
	if runErr != nil && ctx.Err() != nil && !api.IsCategory(runErr, api.CategoryTimeout) {
		// The worker is shutting down. The lease expires and the attempt
		// is delivered again.
		return ctx.Err()
	}
	m.observer.OnActivityCompleted(ctx, info, runErr, time.Since(info.StartedAt))

	return m.commit(ctx, t, inv, attempt, result, runErr, log)
}

// run executes the activity function racing the timeout monitor.
func (m *Manager) run(ctx context.Context, info api.ActivityInfo, inv *history.Invocation, attempt *monitor.Attempt) (any, error) {
	def, ok := m.lookup(inv.Name)
	if !ok {
		return nil, api.NewNonRetryableError("ActivityNotFound", "%v: %s", api.ErrActivityNotFound, inv.Name)
	}

	key := monitor.Key{InstanceID: info.InstanceID, InvocationID: info.InvocationID}
	m.inflight.Add(key, attempt)
	defer m.inflight.Remove(key, attempt)

	actx := api.WithActivityInfo(ctx, info, attempt.Beat)
	wctx, stop := monitor.Watch(actx, attempt)
	defer stop()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: api.NewApplicationError("Panic", "activity panicked: %v", r)}
			}
		}()
		v, err := def.Fn(wctx, inv.Input)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if v := monitor.Cause(wctx); v != monitor.Alive {
				return nil, timeoutFailure(v)
			}
		}
		return out.value, out.err
	case <-wctx.Done():
		if v := monitor.Cause(wctx); v != monitor.Alive {
			return nil, timeoutFailure(v)
		}
		return nil, ctx.Err()
	}
}

func timeoutFailure(v monitor.Verdict) *api.Failure {
	f := api.NewTimeoutError("%v", v.Err())
	switch v {
	case monitor.HeartbeatExceeded:
		f.Type = "HeartbeatTimeout"
	default:
		f.Type = "StartToCloseTimeout"
	}
	return f
}

// commit records the attempt outcome and dispatches what follows it.
func (m *Manager) commit(ctx context.Context, t *taskqueue.Task, inv *history.Invocation, attempt *monitor.Attempt, result any, runErr error, log *slog.Logger) error {
	var (
		next     *taskqueue.Task
		wakeup   bool
		wfQueue  string
		decision retry.Decision
	)
	_, _, err := m.writer.Update(ctx, t.InstanceID, func(events []api.HistoryEvent) ([]api.HistoryEvent, error) {
		next, wakeup = nil, false
		if len(events) == 0 {
			return nil, api.ErrInstanceNotFound
		}
		if history.IsTerminal(events) {
			return nil, errStale
		}
		cur := history.Invocations(events)[t.Seq]
		if cur == nil || cur.Terminal || cur.Attempt != t.Attempt || cur.FailedAttempt >= t.Attempt {
			return nil, errStale
		}
		wfQueue = events[0].TaskQueue

		if runErr == nil {
			wakeup = true
			return []api.HistoryEvent{{
				Type:    api.EventActivityCompleted,
				Seq:     t.Seq,
				Name:    inv.Name,
				Attempt: t.Attempt,
				Result:  result,
			}}, nil
		}

		f := *api.AsFailure(runErr)
		f.Attempts = t.Attempt
		failed := api.HistoryEvent{
			Type:    api.EventActivityAttemptFailed,
			Seq:     t.Seq,
			Name:    inv.Name,
			Attempt: t.Attempt,
			Failure: &f,
			Result:  attempt.Progress(),
		}

		decision = retry.NextDelay(cur.Retry, t.Attempt, &f)
		if decision.Retry {
			fireAt := time.Now().Add(decision.Delay)
			next = &taskqueue.Task{
				Type:       taskqueue.TaskActivity,
				Queue:      t.Queue,
				InstanceID: t.InstanceID,
				Seq:        t.Seq,
				Attempt:    t.Attempt + 1,
				NotBefore:  fireAt,
			}
			return []api.HistoryEvent{failed, {
				Type:    api.EventActivityRetryScheduled,
				Seq:     t.Seq,
				Name:    inv.Name,
				Attempt: t.Attempt + 1,
				Delay:   decision.Delay,
				FireAt:  fireAt,
			}}, nil
		}

		wakeup = true
		return []api.HistoryEvent{failed, {
			Type:    api.EventActivityFailed,
			Seq:     t.Seq,
			Name:    inv.Name,
			Attempt: t.Attempt,
			Failure: &f,
			Detail:  decision.Reason,
		}}, nil
	})
	if errors.Is(err, errStale) {
		log.Debug("activity outcome superseded", slog.Any("error", runErr))
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case next != nil:
		log.Info("activity attempt failed, retry scheduled",
			slog.String("activity", inv.Name),
			slog.Duration("delay", decision.Delay),
			slog.Any("error", runErr))
		return m.queue.Enqueue(ctx, *next)
	case runErr != nil:
		log.Warn("activity failed",
			slog.String("activity", inv.Name),
			slog.String("reason", decision.Reason),
			slog.Any("error", runErr))
	}
	if wakeup {
		return m.queue.Enqueue(ctx, taskqueue.Task{
			Type:       taskqueue.TaskWorkflow,
			Queue:      wfQueue,
			InstanceID: t.InstanceID,
		})
	}
	return nil
}
