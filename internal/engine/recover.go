package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/petrijr/durex/internal/history"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/api"
)

// RecoverInFlight scans every instance and re-dispatches the work its
// history says is pending: unprocessed workflow input, activity attempts,
// timers, child runs and execution deadlines. Terminal children report to
// their parents again. Handlers drop duplicates, so tasks that were not
// lost are harmless.
func (e *Engine) RecoverInFlight(ctx context.Context) (int, error) {
	ids, err := e.writer.Log().ListInstanceIDs(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, id := range ids {
		events, err := e.writer.Load(ctx, id)
		if errors.Is(err, api.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		c, err := e.recoverInstance(ctx, events)
		n += c
		if err != nil {
			return n, err
		}
	}
	if n > 0 {
		e.logger.Info("recovered in-flight work", slog.Int("tasks", n))
	}
	return n, nil
}

func (e *Engine) recoverInstance(ctx context.Context, events []api.HistoryEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	first := events[0]
	id := first.InstanceID

	if history.IsTerminal(events) {
		if first.ParentID == "" {
			return 0, nil
		}
		inst, err := history.Fold(events)
		if err != nil {
			return 0, err
		}
		return 0, e.reportToParent(ctx, inst, first.Attempt)
	}

	var tasks []taskqueue.Task
	if history.HasNewInput(events) {
		tasks = append(tasks, taskqueue.Task{Type: taskqueue.TaskWorkflow, Queue: first.TaskQueue, InstanceID: id})
	}
	if deadline, ok := history.Deadline(events); ok {
		tasks = append(tasks, taskqueue.Task{Type: taskqueue.TaskWorkflowTimeout, Queue: first.TaskQueue, InstanceID: id, NotBefore: deadline})
	}
	for _, inv := range history.Invocations(events) {
		if inv.Terminal || inv.NextAttempt == 0 {
			continue
		}
		tasks = append(tasks, taskqueue.Task{
			Type:       taskqueue.TaskActivity,
			Queue:      inv.TaskQueue,
			InstanceID: id,
			Seq:        inv.Seq,
			Attempt:    inv.NextAttempt,
			NotBefore:  inv.NextAttemptAt,
		})
	}
	for _, t := range history.Timers(events) {
		if t.Pending() {
			tasks = append(tasks, taskqueue.Task{Type: taskqueue.TaskTimer, Queue: first.TaskQueue, InstanceID: id, Seq: t.Seq, NotBefore: t.FireAt})
		}
	}

	n := 0
	for _, c := range history.Children(events) {
		switch {
		case c.Terminal:
		case c.RetryAttempt > 0:
			tasks = append(tasks, taskqueue.Task{
				Type:       taskqueue.TaskChildRetry,
				Queue:      first.TaskQueue,
				InstanceID: id,
				Seq:        c.Seq,
				Attempt:    c.RetryAttempt,
				NotBefore:  c.RetryAt,
			})
		case c.Attempt == 0:
			if err := e.startChildRun(ctx, id, c.Seq, 1); err != nil {
				return n, err
			}
			n++
		}
	}

	for _, t := range tasks {
		if err := e.queue.Enqueue(ctx, t); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
