package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/durex/internal/history"
	"github.com/petrijr/durex/internal/replay"
	"github.com/petrijr/durex/pkg/api"
)

// Signal appends signal.received and schedules a workflow task. Workflow
// code sees the signal on its next replay; Signal itself never waits.
func (e *Engine) Signal(ctx context.Context, id string, name string, payload any) error {
	if name == "" {
		return errors.New("signal name must not be empty")
	}
	var queue string
	_, _, err := e.writer.Update(ctx, id, func(events []api.HistoryEvent) ([]api.HistoryEvent, error) {
		if len(events) == 0 {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
		}
		if history.IsTerminal(events) {
			return nil, fmt.Errorf("signal %s: %w: %s", name, api.ErrInstanceTerminal, id)
		}
		queue = events[0].TaskQueue
		return []api.HistoryEvent{{Type: api.EventSignalReceived, Name: name, Input: payload}}, nil
	})
	if err != nil {
		return err
	}
	e.observer.OnSignal(ctx, id, name)
	return e.enqueueWorkflowTask(ctx, id, queue)
}

// Query replays the history without recording anything and answers from
// the resulting state.
func (e *Engine) Query(ctx context.Context, id string, name string, arg any) (any, error) {
	events, err := e.writer.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
	}
	def, err := e.registry.Workflow(events[0].Name)
	if err != nil {
		return nil, err
	}
	h, ok := def.Queries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s on workflow %s", api.ErrQueryNotFound, name, def.Name)
	}
	res, err := replay.Execute(def, events, replay.Options{Logger: e.logger, Query: true})
	if err != nil {
		return nil, err
	}
	return e.answer(id, name, h, res.State, arg)
}

// answer runs a query handler. A panicking handler fails the query, not
// the caller.
func (e *Engine) answer(id, name string, h api.QueryHandler, state, arg any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("query handler panicked",
				slog.String("instance_id", id),
				slog.String("query", name),
				slog.Any("panic", r))
			out, err = nil, &api.Failure{
				Category: api.CategoryNonRetryable,
				Type:     "Panic",
				Message:  fmt.Sprintf("query %s: %v", name, r),
			}
		}
	}()
	return h(state, arg)
}

// Cancel records a cancel request, wakes the workflow and forwards the
// request to running children. Repeated requests are no-ops.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	var queue string
	events, added, err := e.writer.Update(ctx, id, func(events []api.HistoryEvent) ([]api.HistoryEvent, error) {
		if len(events) == 0 {
			return nil, fmt.Errorf("%w: %s", api.ErrInstanceNotFound, id)
		}
		if history.IsTerminal(events) {
			return nil, fmt.Errorf("cancel: %w: %s", api.ErrInstanceTerminal, id)
		}
		if history.CancelRequested(events) {
			return nil, nil
		}
		queue = events[0].TaskQueue
		return []api.HistoryEvent{{Type: api.EventWorkflowCancelRequested}}, nil
	})
	if err != nil {
		return err
	}
	if len(added) > 0 {
		if err := e.enqueueWorkflowTask(ctx, id, queue); err != nil {
			return err
		}
	}
	return e.cancelChildren(ctx, events)
}
