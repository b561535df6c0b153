package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/durex/internal/history"
	"github.com/petrijr/durex/internal/retry"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/api"
)

// startChildRun creates the instance of a child run and records
// child.started in the parent. Both steps are idempotent, so a crash
// between them is repaired by redelivery or RecoverInFlight.
func (e *Engine) startChildRun(ctx context.Context, parentID string, seq int64, attempt int) error {
	parent, err := e.writer.Load(ctx, parentID)
	if err != nil {
		return err
	}
	if history.IsTerminal(parent) {
		return nil
	}
	c := history.Children(parent)[seq]
	if c == nil || c.Terminal || c.Attempt >= attempt || c.RetryAttempt > attempt {
		return nil
	}
	if attempt > 1 && c.RetryAttempt != attempt {
		return nil
	}

	def, err := e.registry.Workflow(c.Workflow)
	if err != nil {
		return e.failChild(ctx, parentID, seq, api.NewNonRetryableError("WorkflowNotFound", "%v", err))
	}
	queue := c.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	timeout := c.ExecutionTimeout
	if timeout <= 0 {
		timeout = def.ExecutionTimeout
	}

	runID := history.RunID(c.ChildID, attempt)
	started := api.HistoryEvent{
		Type:      api.EventWorkflowStarted,
		Name:      def.Name,
		TaskQueue: queue,
		Input:     c.Input,
		ParentID:  parentID,
		ParentSeq: seq,
		Attempt:   attempt,
	}
	if timeout > 0 {
		started.FireAt = time.Now().UTC().Add(timeout)
	}

	_, err = e.create(ctx, runID, started)
	switch {
	case errors.Is(err, api.ErrInstanceExists):
		existing, lerr := e.writer.Load(ctx, runID)
		if lerr != nil {
			return lerr
		}
		if existing[0].ParentID != parentID || existing[0].ParentSeq != seq {
			return e.failChild(ctx, parentID, seq, api.NewNonRetryableError("ChildIDInUse", "%v", err))
		}
	case err != nil:
		return err
	}

	_, _, err = e.writer.Update(ctx, parentID, func(events []api.HistoryEvent) ([]api.HistoryEvent, error) {
		if history.IsTerminal(events) {
			return nil, errSkip
		}
		cur := history.Children(events)[seq]
		// A run that already failed and was superseded by a retry
		// stays unrecorded.
		if cur == nil || cur.Terminal || cur.Attempt >= attempt || cur.RetryAttempt > attempt {
			return nil, errSkip
		}
		return []api.HistoryEvent{{
			Type:    api.EventChildStarted,
			Seq:     seq,
			Name:    cur.Workflow,
			ChildID: cur.ChildID,
			Attempt: attempt,
			Detail:  runID,
		}}, nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	return err
}

// failChild closes a child command without a run, e.g. when its workflow
// is not registered.
func (e *Engine) failChild(ctx context.Context, parentID string, seq int64, f *api.Failure) error {
	var queue string
	_, _, err := e.writer.Update(ctx, parentID, func(events []api.HistoryEvent) ([]api.HistoryEvent, error) {
		if history.IsTerminal(events) {
			return nil, errSkip
		}
		c := history.Children(events)[seq]
		if c == nil || c.Terminal {
			return nil, errSkip
		}
		queue = events[0].TaskQueue
		return []api.HistoryEvent{{
			Type:    api.EventChildFailed,
			Seq:     seq,
			Name:    c.Workflow,
			ChildID: c.ChildID,
			Failure: f,
		}}, nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.enqueueWorkflowTask(ctx, parentID, queue)
}

// reportToParent records the terminal state of a child run in its parent.
// A failed run is retried under the child's retry policy unless the
// parent is being cancelled.
func (e *Engine) reportToParent(ctx context.Context, inst *api.WorkflowInstance, runAttempt int) error {
	if runAttempt < 1 {
		runAttempt = 1
	}
	var (
		queue     string
		retryTask *taskqueue.Task
		decision  retry.Decision
	)
	_, _, err := e.writer.Update(ctx, inst.ParentID, func(events []api.HistoryEvent) ([]api.HistoryEvent, error) {
		retryTask = nil
		if len(events) == 0 || history.IsTerminal(events) {
			return nil, errSkip
		}
		c := history.Children(events)[inst.ParentSeq]
		if c == nil || c.Terminal || currentAttempt(c) != runAttempt {
			return nil, errSkip
		}
		queue = events[0].TaskQueue

		if inst.Status == api.StatusCompleted {
			return []api.HistoryEvent{{
				Type:    api.EventChildCompleted,
				Seq:     c.Seq,
				Name:    c.Workflow,
				ChildID: c.ChildID,
				Attempt: runAttempt,
				Result:  inst.Output,
			}}, nil
		}

		f := api.Failure{Category: api.CategoryTransient, Message: fmt.Sprintf("child run %s ended %s", inst.ID, inst.Status)}
		if inst.Failure != nil {
			f = *inst.Failure
		}
		f.Attempts = runAttempt

		decision = retry.Decision{Reason: "parent cancel requested"}
		if !history.CancelRequested(events) {
			decision = retry.NextDelay(c.Retry, runAttempt, &f)
		}
		if decision.Retry {
			fireAt := time.Now().UTC().Add(decision.Delay)
			retryTask = &taskqueue.Task{
				Type:       taskqueue.TaskChildRetry,
				Queue:      queue,
				InstanceID: inst.ParentID,
				Seq:        c.Seq,
				Attempt:    runAttempt + 1,
				NotBefore:  fireAt,
			}
			return []api.HistoryEvent{{
				Type:    api.EventChildRetryScheduled,
				Seq:     c.Seq,
				Name:    c.Workflow,
				ChildID: c.ChildID,
				Attempt: runAttempt + 1,
				Delay:   decision.Delay,
				FireAt:  fireAt,
				Failure: &f,
			}}, nil
		}
		return []api.HistoryEvent{{
			Type:    api.EventChildFailed,
			Seq:     c.Seq,
			Name:    c.Workflow,
			ChildID: c.ChildID,
			Attempt: runAttempt,
			Failure: &f,
			Detail:  decision.Reason,
		}}, nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}

	if retryTask != nil {
		e.logger.Info("child run failed, retry scheduled",
			slog.String("instance_id", inst.ParentID),
			slog.String("child_id", inst.ID),
			slog.Duration("delay", decision.Delay))
		return e.queue.Enqueue(ctx, *retryTask)
	}
	return e.enqueueWorkflowTask(ctx, inst.ParentID, queue)
}

// currentAttempt is the child run the parent expects to report next.
func currentAttempt(c *history.Child) int {
	n := c.Attempt
	if c.RetryAttempt > n {
		n = c.RetryAttempt
	}
	if n == 0 {
		n = 1
	}
	return n
}

// retryChild starts the next run of a failed child.
func (e *Engine) retryChild(ctx context.Context, t *taskqueue.Task) error {
	parent, err := e.writer.Load(ctx, t.InstanceID)
	if err != nil {
		return err
	}
	if history.IsTerminal(parent) {
		return nil
	}
	c := history.Children(parent)[t.Seq]
	if c == nil || c.Terminal || c.RetryAttempt != t.Attempt {
		return nil
	}
	if history.CancelRequested(parent) {
		f := api.NewCancelledError("child %s not retried: parent cancelled", c.ChildID)
		f.Cause = c.LastFailure
		return e.failChild(ctx, t.InstanceID, t.Seq, f)
	}
	return e.startChildRun(ctx, t.InstanceID, t.Seq, t.Attempt)
}

// cancelChildren requests cancellation of every open child run.
func (e *Engine) cancelChildren(ctx context.Context, events []api.HistoryEvent) error {
	var errs []error
	for _, c := range history.Children(events) {
		if c.Terminal {
			continue
		}
		runID := history.RunID(c.ChildID, currentAttempt(c))
		err := e.Cancel(ctx, runID)
		if err != nil && !errors.Is(err, api.ErrInstanceNotFound) && !errors.Is(err, api.ErrInstanceTerminal) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
