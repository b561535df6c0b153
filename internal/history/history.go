// Package history derives instance views from append-only event histories
// and serializes writers per instance.
package history

import (
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/durex/pkg/api"
)

// ErrMalformed is returned for histories that do not start with
// workflow.started.
var ErrMalformed = errors.New("malformed history")

// Fold derives the instance view from its history.
//
// An instance is Scheduled until its first workflow task completes and
// Suspended between workflow tasks. Running is never derived from history;
// the engine overlays it while a workflow task is in progress.
func Fold(events []api.HistoryEvent) (*api.WorkflowInstance, error) {
	if len(events) == 0 {
		return nil, api.ErrInstanceNotFound
	}
	first := events[0]
	if first.Type != api.EventWorkflowStarted {
		return nil, fmt.Errorf("%w: first event is %s", ErrMalformed, first.Type)
	}

	inst := &api.WorkflowInstance{
		ID:            first.InstanceID,
		Name:          first.Name,
		TaskQueue:     first.TaskQueue,
		Status:        api.StatusScheduled,
		Input:         first.Input,
		ParentID:      first.ParentID,
		ParentSeq:     first.ParentSeq,
		CreatedAt:     first.At,
		HistoryLength: len(events),
	}
	for _, ev := range events[1:] {
		switch ev.Type {
		case api.EventWorkflowTaskCompleted:
			inst.Status = api.StatusSuspended
			inst.WaitingOn = ev.Detail
		case api.EventWorkflowCompleted:
			inst.Status = api.StatusCompleted
			inst.Output = ev.Result
		case api.EventWorkflowFailed:
			inst.Status = api.StatusFailed
			inst.Failure = ev.Failure
		case api.EventWorkflowTimedOut:
			inst.Status = api.StatusTimedOut
			inst.Failure = ev.Failure
		case api.EventWorkflowCancelled:
			inst.Status = api.StatusCancelled
			inst.Failure = ev.Failure
		}
		if ev.Type.IsTerminal() {
			inst.WaitingOn = ""
			inst.ClosedAt = ev.At
			break
		}
	}
	inst.UpdatedAt = events[len(events)-1].At
	return inst, nil
}

// IsTerminal reports whether the history contains a terminal event.
func IsTerminal(events []api.HistoryEvent) bool {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type.IsTerminal() {
			return true
		}
	}
	return false
}

// CancelRequested reports whether cancellation was requested.
func CancelRequested(events []api.HistoryEvent) bool {
	for _, ev := range events {
		if ev.Type == api.EventWorkflowCancelRequested {
			return true
		}
	}
	return false
}

// Deadline returns the execution deadline recorded at start, if any.
func Deadline(events []api.HistoryEvent) (time.Time, bool) {
	if len(events) == 0 || events[0].FireAt.IsZero() {
		return time.Time{}, false
	}
	return events[0].FireAt, true
}

// HasNewInput reports whether an event that can unblock workflow code was
// appended after the last completed workflow task.
func HasNewInput(events []api.HistoryEvent) bool {
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Type {
		case api.EventWorkflowTaskCompleted:
			return false
		case api.EventWorkflowStarted,
			api.EventWorkflowCancelRequested,
			api.EventActivityCompleted,
			api.EventActivityFailed,
			api.EventTimerFired,
			api.EventSignalReceived,
			api.EventChildCompleted,
			api.EventChildFailed:
			return true
		}
	}
	return false
}

// Invocation is the engine-side view of one activity invocation.
type Invocation struct {
	Seq       int64
	Name      string
	TaskQueue string
	Input     any
	Retry     api.RetryPolicy

	StartToCloseTimeout time.Duration
	HeartbeatTimeout    time.Duration

	// Attempt is the last attempt started (0 if none).
	Attempt int
	// FailedAttempt is the last attempt with a recorded failure.
	FailedAttempt int
	// NextAttempt is the attempt to dispatch next and NextAttemptAt its
	// earliest start. Zero when the invocation is terminal.
	NextAttempt   int
	NextAttemptAt time.Time

	LastFailure      *api.Failure
	HeartbeatDetails any

	Terminal bool
	Result   any
	Failure  *api.Failure
}

// Invocations indexes the activity invocations of a history by Seq.
func Invocations(events []api.HistoryEvent) map[int64]*Invocation {
	out := make(map[int64]*Invocation)
	for _, ev := range events {
		if ev.Type == api.EventActivityScheduled {
			policy := api.DefaultRetryPolicy()
			if ev.Retry != nil {
				policy = ev.Retry.WithDefaults()
			}
			out[ev.Seq] = &Invocation{
				Seq:                 ev.Seq,
				Name:                ev.Name,
				TaskQueue:           ev.TaskQueue,
				Input:               ev.Input,
				Retry:               policy,
				StartToCloseTimeout: ev.StartToCloseTimeout,
				HeartbeatTimeout:    ev.HeartbeatTimeout,
				NextAttempt:         1,
				NextAttemptAt:       ev.At,
			}
			continue
		}
		inv := out[ev.Seq]
		if inv == nil {
			continue
		}
		switch ev.Type {
		case api.EventActivityAttemptStarted:
			if ev.Attempt > inv.Attempt {
				inv.Attempt = ev.Attempt
			}
		case api.EventActivityAttemptFailed:
			inv.FailedAttempt = ev.Attempt
			inv.LastFailure = ev.Failure
			if ev.Result != nil {
				inv.HeartbeatDetails = ev.Result
			}
		case api.EventActivityRetryScheduled:
			inv.NextAttempt = ev.Attempt
			inv.NextAttemptAt = ev.FireAt
		case api.EventActivityCompleted:
			inv.Terminal = true
			inv.Result = ev.Result
			inv.NextAttempt = 0
		case api.EventActivityFailed:
			inv.Terminal = true
			inv.Failure = ev.Failure
			inv.NextAttempt = 0
		}
	}
	return out
}

// Timer is the engine-side view of a durable timer.
type Timer struct {
	Seq       int64
	FireAt    time.Time
	Fired     bool
	Cancelled bool
}

// Pending reports whether the timer still has to fire.
func (t *Timer) Pending() bool { return !t.Fired && !t.Cancelled }

// Timers indexes the timers of a history by Seq.
func Timers(events []api.HistoryEvent) map[int64]*Timer {
	out := make(map[int64]*Timer)
	for _, ev := range events {
		switch ev.Type {
		case api.EventTimerStarted:
			out[ev.Seq] = &Timer{Seq: ev.Seq, FireAt: ev.FireAt}
		case api.EventTimerFired:
			if t := out[ev.Seq]; t != nil {
				t.Fired = true
			}
		case api.EventTimerCancelled:
			if t := out[ev.Seq]; t != nil {
				t.Cancelled = true
			}
		}
	}
	return out
}

// Child is the parent-side view of a child workflow command.
type Child struct {
	Seq       int64
	Workflow  string
	ChildID   string
	Input     any
	TaskQueue string
	Retry     api.RetryPolicy

	ExecutionTimeout time.Duration

	// Attempt is the current run (0 before the first run started).
	Attempt int
	// RetryAttempt and RetryAt describe a scheduled but not yet started run.
	RetryAttempt int
	RetryAt      time.Time

	LastFailure *api.Failure

	Terminal bool
	Result   any
	Failure  *api.Failure
}

// RunID returns the instance ID of the child's current run.
func (c *Child) RunID() string {
	return RunID(c.ChildID, c.Attempt)
}

// RunID names the instance of a child run. The first run uses the child
// ID itself; later runs append "#<attempt>".
func RunID(childID string, attempt int) string {
	if attempt <= 1 {
		return childID
	}
	return fmt.Sprintf("%s#%d", childID, attempt)
}

// Children indexes the child commands of a history by Seq.
func Children(events []api.HistoryEvent) map[int64]*Child {
	out := make(map[int64]*Child)
	for _, ev := range events {
		if ev.Type == api.EventChildScheduled {
			policy := api.NoRetry()
			if ev.Retry != nil {
				policy = ev.Retry.WithDefaults()
			}
			out[ev.Seq] = &Child{
				Seq:              ev.Seq,
				Workflow:         ev.Name,
				ChildID:          ev.ChildID,
				Input:            ev.Input,
				TaskQueue:        ev.TaskQueue,
				Retry:            policy,
				ExecutionTimeout: ev.StartToCloseTimeout,
			}
			continue
		}
		c := out[ev.Seq]
		if c == nil {
			continue
		}
		switch ev.Type {
		case api.EventChildStarted:
			c.Attempt = ev.Attempt
			c.RetryAttempt = 0
			c.RetryAt = time.Time{}
		case api.EventChildRetryScheduled:
			c.RetryAttempt = ev.Attempt
			c.RetryAt = ev.FireAt
			c.LastFailure = ev.Failure
		case api.EventChildCompleted:
			c.Terminal = true
			c.Result = ev.Result
		case api.EventChildFailed:
			c.Terminal = true
			c.Failure = ev.Failure
		}
	}
	return out
}
