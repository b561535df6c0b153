package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/petrijr/durex/internal/history"
	"github.com/petrijr/durex/internal/replay"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/api"
)

// runWorkflowTask replays an instance and commits what the replay produced:
// new commands plus workflow.task_completed, or a terminal event.
func (e *Engine) runWorkflowTask(ctx context.Context, id string) error {
	e.setRunning(id, true)
	defer e.setRunning(id, false)

	var (
		res   *replay.Result
		queue string
	)
	events, added, err := e.writer.Update(ctx, id, func(events []api.HistoryEvent) ([]api.HistoryEvent, error) {
		if len(events) == 0 {
			return nil, api.ErrInstanceNotFound
		}
		if history.IsTerminal(events) || !history.HasNewInput(events) {
			return nil, errSkip
		}
		def, err := e.registry.Workflow(events[0].Name)
		if err != nil {
			return nil, err
		}
		queue = events[0].TaskQueue

		res, err = replay.Execute(def, events, replay.Options{Logger: e.logger})
		if err != nil {
			return nil, err
		}
		return e.decide(res, queue), nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}

	if history.IsTerminal(events) {
		if res.Failure != nil && res.Failure.Category == api.CategoryEngineFault {
			e.logger.Error("workflow failed with engine fault",
				slog.String("instance_id", id),
				slog.String("error", res.Failure.Message))
		}
		return e.closed(ctx, events)
	}
	return e.dispatch(ctx, id, queue, added)
}

// decide turns a replay result into the events to append.
func (e *Engine) decide(res *replay.Result, queue string) []api.HistoryEvent {
	switch res.Status {
	case api.StatusCompleted:
		return []api.HistoryEvent{{Type: api.EventWorkflowCompleted, Result: res.Output}}
	case api.StatusFailed:
		return []api.HistoryEvent{{Type: api.EventWorkflowFailed, Failure: res.Failure}}
	case api.StatusCancelled:
		return []api.HistoryEvent{{Type: api.EventWorkflowCancelled, Failure: res.Failure}}
	}

	now := time.Now().UTC()
	out := make([]api.HistoryEvent, 0, len(res.Commands)+1)
	for _, cmd := range res.Commands {
		// Timers count from the commit, not from the replay clock.
		if cmd.Type == api.EventTimerStarted {
			cmd.FireAt = now.Add(cmd.Delay)
		}
		if cmd.Type == api.EventActivityScheduled {
			cmd.TaskQueue = e.registry.activityQueue(cmd.Name, cmd.TaskQueue, queue)
		}
		if cmd.Type == api.EventChildScheduled && cmd.TaskQueue == "" {
			if def, err := e.registry.Workflow(cmd.Name); err == nil {
				cmd.TaskQueue = def.TaskQueue
			}
		}
		out = append(out, cmd)
	}
	return append(out, api.HistoryEvent{Type: api.EventWorkflowTaskCompleted, Detail: res.WaitingOn})
}

// dispatch enqueues the work for commands that were just committed.
func (e *Engine) dispatch(ctx context.Context, id, queue string, added []api.HistoryEvent) error {
	for _, ev := range added {
		var err error
		switch ev.Type {
		case api.EventActivityScheduled:
			err = e.queue.Enqueue(ctx, taskqueue.Task{
				Type:       taskqueue.TaskActivity,
				Queue:      ev.TaskQueue,
				InstanceID: id,
				Seq:        ev.Seq,
				Attempt:    1,
			})
		case api.EventTimerStarted:
			err = e.queue.Enqueue(ctx, taskqueue.Task{
				Type:       taskqueue.TaskTimer,
				Queue:      queue,
				InstanceID: id,
				Seq:        ev.Seq,
				NotBefore:  ev.FireAt,
			})
		case api.EventChildScheduled:
			err = e.startChildRun(ctx, id, ev.Seq, 1)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// fireTimer records timer.fired once the timer's deadline passed.
func (e *Engine) fireTimer(ctx context.Context, t *taskqueue.Task) error {
	var queue string
	_, _, err := e.writer.Update(ctx, t.InstanceID, func(events []api.HistoryEvent) ([]api.HistoryEvent, error) {
		if len(events) == 0 || history.IsTerminal(events) {
			return nil, errSkip
		}
		timer := history.Timers(events)[t.Seq]
		if timer == nil || !timer.Pending() {
			return nil, errSkip
		}
		queue = events[0].TaskQueue
		return []api.HistoryEvent{{Type: api.EventTimerFired, Seq: t.Seq, FireAt: timer.FireAt}}, nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.enqueueWorkflowTask(ctx, t.InstanceID, queue)
}

// timeoutWorkflow closes an instance that is still open at its deadline.
func (e *Engine) timeoutWorkflow(ctx context.Context, t *taskqueue.Task) error {
	events, _, err := e.writer.Update(ctx, t.InstanceID, func(events []api.HistoryEvent) ([]api.HistoryEvent, error) {
		if len(events) == 0 || history.IsTerminal(events) {
			return nil, errSkip
		}
		deadline, ok := history.Deadline(events)
		if !ok {
			return nil, errSkip
		}
		f := api.NewTimeoutError("workflow exceeded its execution timeout at %s", deadline.Format("2006-01-02T15:04:05.000Z07:00"))
		f.Type = "WorkflowExecutionTimeout"
		return []api.HistoryEvent{{Type: api.EventWorkflowTimedOut, Failure: f}}, nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.closed(ctx, events)
}
