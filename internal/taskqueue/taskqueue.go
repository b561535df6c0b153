// Package taskqueue provides at-least-once task queues with leases.
package taskqueue

import (
	"context"
	"errors"
	"time"
)

// TaskType identifies what the worker should do.
type TaskType string

const (
	// TaskWorkflow replays an instance and commits the commands it issues.
	TaskWorkflow TaskType = "workflow"
	// TaskActivity runs one attempt of an activity invocation.
	TaskActivity TaskType = "activity"
	// TaskTimer fires a durable timer (Seq) once NotBefore is reached.
	TaskTimer TaskType = "timer"
	// TaskChildRetry starts the next run of a failed child (Seq).
	TaskChildRetry TaskType = "child-retry"
	// TaskWorkflowTimeout times out an instance that is still open.
	TaskWorkflowTimeout TaskType = "workflow-timeout"
	// TaskStartWorkflow starts a new instance (queued Engine.Start).
	TaskStartWorkflow TaskType = "start-workflow"
	// TaskSignal delivers a signal (queued Engine.Signal).
	TaskSignal TaskType = "signal"
)

// DefaultQueue is the task queue name used when none is configured.
const DefaultQueue = "default"

var (
	// ErrLeaseLost is returned by Ack, Nack and RenewLease when the caller
	// no longer holds the task lease.
	ErrLeaseLost = errors.New("task lease not held")
)

// Task represents a unit of work for a worker.
type Task struct {
	ID   string
	Type TaskType

	// Queue is the task-queue name workers poll.
	Queue string

	InstanceID string
	// Seq is the command the task belongs to (activity invocation, timer
	// or child). Zero for instance-level tasks.
	Seq     int64
	Attempt int

	// Name is the workflow name (start-workflow) or signal name (signal).
	Name string

	// Payload is task-type specific: workflow input or signal payload.
	Payload any

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately".
	NotBefore time.Time

	// Attempts counts previous deliveries that were nacked.
	Attempts int
}

// Queue is an at-least-once task queue.
//
// Dequeue leases a task to owner for leaseTTL. A leased task is invisible
// to other consumers until it is acked, nacked or the lease expires, after
// which it is delivered again.
type Queue interface {
	// Enqueue adds a task to the queue. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next ready task of the named queue, blocking until
	// one is available or the context is cancelled.
	Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error)

	// Ack removes a leased task permanently.
	Ack(ctx context.Context, taskID, owner string) error

	// Nack releases a leased task for redelivery at notBefore and
	// increments its Attempts.
	Nack(ctx context.Context, taskID, owner string, notBefore time.Time) error

	// RenewLease extends a lease held by owner.
	RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error

	// Len returns the approximate number of tasks queued or leased.
	Len() int
}
