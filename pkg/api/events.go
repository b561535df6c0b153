package api

import "time"

// EventType identifies a workflow history event.
type EventType string

const (
	EventWorkflowStarted         EventType = "workflow.started"
	EventWorkflowTaskCompleted   EventType = "workflow.task_completed"
	EventWorkflowCompleted       EventType = "workflow.completed"
	EventWorkflowFailed          EventType = "workflow.failed"
	EventWorkflowTimedOut        EventType = "workflow.timed_out"
	EventWorkflowCancelRequested EventType = "workflow.cancel_requested"
	EventWorkflowCancelled       EventType = "workflow.cancelled"

	EventActivityScheduled      EventType = "activity.scheduled"
	EventActivityAttemptStarted EventType = "activity.attempt_started"
	EventActivityAttemptFailed  EventType = "activity.attempt_failed"
	EventActivityRetryScheduled EventType = "activity.retry_scheduled"
	EventActivityCompleted      EventType = "activity.completed"
	EventActivityFailed         EventType = "activity.failed"

	EventTimerStarted   EventType = "timer.started"
	EventTimerFired     EventType = "timer.fired"
	EventTimerCancelled EventType = "timer.cancelled"

	EventSignalReceived EventType = "signal.received"

	EventChildScheduled      EventType = "child.scheduled"
	EventChildStarted        EventType = "child.started"
	EventChildRetryScheduled EventType = "child.retry_scheduled"
	EventChildCompleted      EventType = "child.completed"
	EventChildFailed         EventType = "child.failed"
)

// IsCommand reports whether events of this type are produced by workflow
// code and must be re-issued identically on replay.
func (t EventType) IsCommand() bool {
	switch t {
	case EventActivityScheduled, EventTimerStarted, EventTimerCancelled, EventChildScheduled:
		return true
	}
	return false
}

// IsTerminal reports whether the event closes the instance.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowTimedOut, EventWorkflowCancelled:
		return true
	}
	return false
}

// HistoryEvent is one record in an instance's append-only history.
// Which fields are set depends on Type.
type HistoryEvent struct {
	InstanceID string
	// Version is the 1-based position in the instance history.
	Version int64
	At      time.Time
	Type    EventType

	// Seq identifies the command (activity invocation, timer or child) the
	// event belongs to. Commands share one counter per instance.
	Seq int64

	// Name is the workflow, activity, signal or child workflow name.
	Name      string
	TaskQueue string
	Attempt   int

	Input   any
	Result  any
	Failure *Failure

	Retry               *RetryPolicy
	StartToCloseTimeout time.Duration
	HeartbeatTimeout    time.Duration

	// Delay is the requested timer duration; FireAt the absolute deadline.
	Delay  time.Duration
	FireAt time.Time

	ChildID   string
	ParentID  string
	ParentSeq int64

	// Detail is a short human-oriented note, e.g. a waiting-on description.
	Detail string
}
