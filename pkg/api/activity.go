package api

import (
	"context"
	"errors"
	"time"
)

// ActivityFunc is the body of an activity. It runs outside the replay
// boundary, so it may do I/O, read the clock and fail.
type ActivityFunc func(ctx context.Context, input any) (any, error)

// ActivityDefinition registers an activity under a name.
type ActivityDefinition struct {
	Name string
	// TaskQueue routes attempts of this activity. Empty means the engine default.
	TaskQueue string
	Fn        ActivityFunc
}

// Validate checks that the definition can be registered.
func (d ActivityDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("activity name must not be empty")
	}
	if d.Fn == nil {
		return errors.New("activity " + d.Name + " has no function")
	}
	return nil
}

// ActivityOptions configure a single activity invocation.
type ActivityOptions struct {
	// TaskQueue overrides the queue of the registered activity.
	TaskQueue string

	// StartToCloseTimeout bounds one attempt. Zero means no limit.
	StartToCloseTimeout time.Duration

	// HeartbeatTimeout bounds the gap between heartbeats. Zero disables the check.
	HeartbeatTimeout time.Duration

	// Retry defaults to DefaultRetryPolicy when nil.
	Retry *RetryPolicy
}

// ActivityInfo describes the attempt an activity function is executing.
type ActivityInfo struct {
	InstanceID   string
	WorkflowName string
	InvocationID int64
	ActivityName string
	TaskQueue    string
	// Attempt is 1-based.
	Attempt int

	// HeartbeatDetails carries the progress recorded by the previous
	// attempt's last heartbeat, so a retried attempt can resume.
	HeartbeatDetails any
	StartedAt        time.Time
}

type activityInfoKey struct{}

type heartbeatKey struct{}

// WithActivityInfo returns a context carrying info and the heartbeat sink
// used by RecordHeartbeat.
func WithActivityInfo(ctx context.Context, info ActivityInfo, beat func(progress any)) context.Context {
	ctx = context.WithValue(ctx, activityInfoKey{}, info)
	if beat != nil {
		ctx = context.WithValue(ctx, heartbeatKey{}, beat)
	}
	return ctx
}

// ActivityInfoFrom returns the ActivityInfo stored in ctx by the engine.
func ActivityInfoFrom(ctx context.Context) (ActivityInfo, bool) {
	info, ok := ctx.Value(activityInfoKey{}).(ActivityInfo)
	return info, ok
}

// RecordHeartbeat reports liveness (and optional progress) for the current
// activity attempt. It is a no-op outside an activity.
func RecordHeartbeat(ctx context.Context, progress any) {
	if beat, ok := ctx.Value(heartbeatKey{}).(func(any)); ok {
		beat(progress)
	}
}
