// Package replay re-executes workflow code against a recorded history.
//
// Execute is deterministic: the same definition and the same history
// always yield the same commands, state and outcome. Workflow code only
// observes history through api.Context, so wall-clock time, randomness
// and I/O stay in activities.
package replay

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/petrijr/durex/internal/history"
	"github.com/petrijr/durex/pkg/api"
)

// Options control a replay.
type Options struct {
	Logger *slog.Logger
	// Query replays without recording new commands. Used to answer
	// queries from the current state.
	Query bool
}

// Result is the outcome of one replay.
type Result struct {
	// Status is Completed, Failed, Cancelled or Suspended.
	Status  api.Status
	Output  any
	Failure *api.Failure

	// WaitingOn describes the suspension point of a Suspended result.
	WaitingOn string

	// Commands are the command events issued beyond the recorded history,
	// in issue order. Empty in query mode.
	Commands []api.HistoryEvent

	// State is the workflow's local state after the replay.
	State any

	CancelRequested bool
}

// Execute replays def over events, which must start with workflow.started.
func Execute(def api.WorkflowDefinition, events []api.HistoryEvent, opts Options) (*Result, error) {
	if len(events) == 0 || events[0].Type != api.EventWorkflowStarted {
		return nil, fmt.Errorf("replay %s: %w", def.Name, history.ErrMalformed)
	}
	c := newContext(def, events, opts)
	if def.NewState != nil {
		c.state = def.NewState()
	}

	res, aborted := run(c, events[0].Input)
	res.State = c.state
	res.CancelRequested = c.cancelRequested
	if aborted {
		return res, nil
	}
	if f := c.unreissued(); f != nil {
		return &Result{Status: api.StatusFailed, Failure: f, State: c.state, CancelRequested: c.cancelRequested}, nil
	}
	res.Commands = c.commands
	return res, nil
}

// run calls the workflow function. aborted is set when it panicked or
// diverged from history.
func run(c *workflowContext, input any) (res *Result, aborted bool) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		aborted = true
		if nd, ok := r.(nonDeterminism); ok {
			res = &Result{Status: api.StatusFailed, Failure: nd.failure}
			return
		}
		res = &Result{Status: api.StatusFailed, Failure: &api.Failure{
			Category: api.CategoryNonRetryable,
			Type:     "Panic",
			Message:  fmt.Sprint(r),
		}}
		c.Logger().Error("workflow panicked", slog.Any("panic", r))
	}()

	out, err := c.def.Run(c, c.state, input)

	switch {
	case c.suspended:
		return &Result{Status: api.StatusSuspended, WaitingOn: c.waitingOn}, false
	case c.cancelRequested && err != nil:
		f := api.AsFailure(err)
		if f.Category != api.CategoryCancelled {
			f = &api.Failure{Category: api.CategoryCancelled, Type: "Cancelled", Message: "workflow cancelled", Cause: f}
		}
		return &Result{Status: api.StatusCancelled, Failure: f}, false
	case err != nil:
		return &Result{Status: api.StatusFailed, Failure: api.AsFailure(err)}, false
	default:
		return &Result{Status: api.StatusCompleted, Output: out}, false
	}
}

// unreissued reports recorded commands the workflow code did not issue
// again.
func (c *workflowContext) unreissued() *api.Failure {
	for _, seq := range slices.Sorted(maps.Keys(c.recorded)) {
		if !c.reissued[seq] {
			rec := c.recorded[seq]
			return nonDeterministic("command %d (%s %q) is in history but was not issued", seq, rec.Type, rec.Name)
		}
	}
	for _, seq := range slices.Sorted(maps.Keys(c.recordedCancels)) {
		if !c.reissuedCancels[seq] {
			return nonDeterministic("timer %d was cancelled in history but not by the workflow", seq)
		}
	}
	return nil
}

func nonDeterministic(format string, args ...any) *api.Failure {
	return &api.Failure{
		Category: api.CategoryEngineFault,
		Type:     "NonDeterministic",
		Message:  fmt.Sprintf("%v: %s", api.ErrNonDeterministic, fmt.Sprintf(format, args...)),
	}
}
