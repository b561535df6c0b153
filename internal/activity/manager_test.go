package activity

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/durex/internal/history"
	"github.com/petrijr/durex/internal/persistence"
	"github.com/petrijr/durex/internal/retry"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/api"
)

type fixture struct {
	writer  *history.Writer
	queue   *taskqueue.InMemoryQueue
	mgr     *Manager
	metrics *api.BasicMetrics
	acts    map[string]api.ActivityFunc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		writer:  history.NewWriter(persistence.NewMemoryEventLog()),
		queue:   taskqueue.NewInMemoryQueue(),
		metrics: &api.BasicMetrics{},
		acts:    make(map[string]api.ActivityFunc),
	}
	f.mgr = NewManager(Config{
		Writer: f.writer,
		Queue:  f.queue,
		Lookup: func(name string) (api.ActivityDefinition, bool) {
			fn, ok := f.acts[name]
			return api.ActivityDefinition{Name: name, Fn: fn}, ok
		},
		Observer: f.metrics,
		Logger:   slog.New(slog.DiscardHandler),
	})
	return f
}

// schedule creates an instance whose first workflow task scheduled one
// activity invocation (Seq 1).
func (f *fixture) schedule(t *testing.T, id, activity string, input any, opts api.ActivityOptions) {
	t.Helper()
	_, _, err := f.writer.Update(context.Background(), id, func([]api.HistoryEvent) ([]api.HistoryEvent, error) {
		return []api.HistoryEvent{
			{Type: api.EventWorkflowStarted, Name: "wf", TaskQueue: "wfq"},
			{Type: api.EventActivityScheduled, Seq: 1, Name: activity, Input: input, Retry: opts.Retry,
				StartToCloseTimeout: opts.StartToCloseTimeout, HeartbeatTimeout: opts.HeartbeatTimeout},
			{Type: api.EventWorkflowTaskCompleted},
		}, nil
	})
	if err != nil {
		t.Fatalf("seed history: %v", err)
	}
}

func (f *fixture) events(t *testing.T, id string) []api.HistoryEvent {
	t.Helper()
	evs, err := f.writer.Load(context.Background(), id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return evs
}

// next leases the next task of queue, failing if none arrives in time.
func (f *fixture) next(t *testing.T, queue string) *taskqueue.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := f.queue.Dequeue(ctx, queue, "test", time.Minute)
	if err != nil {
		t.Fatalf("Dequeue(%s): %v", queue, err)
	}
	if err := f.queue.Ack(ctx, task.ID, "test"); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	return task
}

func firstTask(id string) *taskqueue.Task {
	return &taskqueue.Task{Type: taskqueue.TaskActivity, Queue: "acts", InstanceID: id, Seq: 1, Attempt: 1}
}

func types(evs []api.HistoryEvent) []api.EventType {
	out := make([]api.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestHandleTask_Success(t *testing.T) {
	f := newFixture(t)
	f.acts["compose_greeting"] = func(ctx context.Context, input any) (any, error) {
		info, ok := api.ActivityInfoFrom(ctx)
		if !ok || info.Attempt != 1 || info.WorkflowName != "wf" || info.ActivityName != "compose_greeting" {
			t.Errorf("unexpected activity info: %+v", info)
		}
		return "Hello, " + input.(string) + "!", nil
	}
	f.schedule(t, "wf-1", "compose_greeting", "World", api.ActivityOptions{})

	if err := f.mgr.HandleTask(context.Background(), firstTask("wf-1")); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}

	evs := f.events(t, "wf-1")
	tail := evs[3:]
	if len(tail) != 2 || tail[0].Type != api.EventActivityAttemptStarted || tail[1].Type != api.EventActivityCompleted {
		t.Fatalf("unexpected events: %v", types(tail))
	}
	if tail[1].Result != "Hello, World!" || tail[1].Attempt != 1 {
		t.Fatalf("unexpected completion: %+v", tail[1])
	}
	wake := f.next(t, "wfq")
	if wake.Type != taskqueue.TaskWorkflow || wake.InstanceID != "wf-1" {
		t.Fatalf("expected workflow task, got %+v", wake)
	}
	snap := f.metrics.Snapshot()
	if snap.ActivityAttempts != 1 || snap.ActivitiesCompleted != 1 || snap.ActivityFailures != 0 {
		t.Fatalf("unexpected metrics: %+v", snap)
	}
}

func TestHandleTask_RetriesUntilExhausted(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.acts["flaky"] = func(ctx context.Context, _ any) (any, error) {
		calls.Add(1)
		return nil, api.NewApplicationError("ServiceUnavailable", "try later")
	}
	policy := &api.RetryPolicy{InitialInterval: 10 * time.Millisecond, BackoffCoefficient: 2, MaximumAttempts: 3}
	f.schedule(t, "wf-r", "flaky", nil, api.ActivityOptions{Retry: policy})

	task := firstTask("wf-r")
	for attempt := 1; attempt <= 3; attempt++ {
		if task.Attempt != attempt {
			t.Fatalf("expected attempt %d, got %d", attempt, task.Attempt)
		}
		if err := f.mgr.HandleTask(context.Background(), task); err != nil {
			t.Fatalf("HandleTask: %v", err)
		}
		if attempt < 3 {
			task = f.next(t, "acts")
		}
	}

	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
	evs := f.events(t, "wf-r")
	var retries []api.HistoryEvent
	for _, ev := range evs {
		if ev.Type == api.EventActivityRetryScheduled {
			retries = append(retries, ev)
		}
	}
	if len(retries) != 2 || retries[0].Delay != 10*time.Millisecond || retries[1].Delay != 20*time.Millisecond {
		t.Fatalf("unexpected retry schedule: %+v", retries)
	}

	last := evs[len(evs)-1]
	if last.Type != api.EventActivityFailed || last.Failure.Attempts != 3 || last.Detail != retry.ReasonExhausted {
		t.Fatalf("unexpected final event: %+v", last)
	}
	if last.Failure.Type != "ServiceUnavailable" || last.Failure.Category != api.CategoryTransient {
		t.Fatalf("failure not preserved: %+v", last.Failure)
	}
	if wake := f.next(t, "wfq"); wake.Type != taskqueue.TaskWorkflow {
		t.Fatalf("expected workflow task, got %+v", wake)
	}
}

func TestHandleTask_NonRetryableFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.acts["validate"] = func(context.Context, any) (any, error) {
		return nil, api.NewNonRetryableError("InvalidInput", "bad order")
	}
	f.schedule(t, "wf-n", "validate", nil, api.ActivityOptions{})

	if err := f.mgr.HandleTask(context.Background(), firstTask("wf-n")); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	evs := f.events(t, "wf-n")
	last := evs[len(evs)-1]
	if last.Type != api.EventActivityFailed || last.Detail != retry.ReasonNonRetryable {
		t.Fatalf("expected immediate failure, got %v", types(evs))
	}
}

func TestHandleTask_DropsStaleTasks(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.acts["once"] = func(context.Context, any) (any, error) {
		calls.Add(1)
		return "ok", nil
	}
	f.schedule(t, "wf-s", "once", nil, api.ActivityOptions{})

	ctx := context.Background()
	if err := f.mgr.HandleTask(ctx, firstTask("wf-s")); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	before := len(f.events(t, "wf-s"))

	// Redelivered task for an invocation that already completed.
	if err := f.mgr.HandleTask(ctx, firstTask("wf-s")); err != nil {
		t.Fatalf("HandleTask (duplicate): %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("duplicate task ran the activity again")
	}
	if after := len(f.events(t, "wf-s")); after != before {
		t.Fatalf("duplicate task appended %d events", after-before)
	}

	if err := f.mgr.HandleTask(ctx, firstTask("missing")); !errors.Is(err, api.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
}

func TestHandleTask_StartToCloseTimeout(t *testing.T) {
	f := newFixture(t)
	f.acts["slow"] = func(ctx context.Context, _ any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.schedule(t, "wf-t", "slow", nil, api.ActivityOptions{
		StartToCloseTimeout: 50 * time.Millisecond,
		Retry:               &api.RetryPolicy{MaximumAttempts: 1},
	})

	if err := f.mgr.HandleTask(context.Background(), firstTask("wf-t")); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	evs := f.events(t, "wf-t")
	last := evs[len(evs)-1]
	if last.Type != api.EventActivityFailed || last.Failure.Category != api.CategoryTimeout || last.Failure.Type != "StartToCloseTimeout" {
		t.Fatalf("expected start-to-close timeout, got %+v", last)
	}
}

func TestHandleTask_HeartbeatTimeoutBeforeStartToClose(t *testing.T) {
	f := newFixture(t)
	f.acts["silent"] = func(ctx context.Context, _ any) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "too late", nil
		}
	}
	f.schedule(t, "wf-h", "silent", nil, api.ActivityOptions{
		StartToCloseTimeout: 5 * time.Second,
		HeartbeatTimeout:    50 * time.Millisecond,
		Retry:               &api.RetryPolicy{MaximumAttempts: 1},
	})

	start := time.Now()
	if err := f.mgr.HandleTask(context.Background(), firstTask("wf-h")); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("heartbeat timeout did not fire early")
	}
	evs := f.events(t, "wf-h")
	last := evs[len(evs)-1]
	if last.Failure == nil || last.Failure.Type != "HeartbeatTimeout" {
		t.Fatalf("expected heartbeat timeout, got %+v", last)
	}
}

func TestHandleTask_HeartbeatsKeepAttemptAlive(t *testing.T) {
	f := newFixture(t)
	f.acts["steady"] = func(ctx context.Context, _ any) (any, error) {
		for i := range 10 {
			api.RecordHeartbeat(ctx, i)
			time.Sleep(15 * time.Millisecond)
		}
		return "done", nil
	}
	f.schedule(t, "wf-k", "steady", nil, api.ActivityOptions{HeartbeatTimeout: 60 * time.Millisecond})

	if err := f.mgr.HandleTask(context.Background(), firstTask("wf-k")); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	evs := f.events(t, "wf-k")
	if last := evs[len(evs)-1]; last.Type != api.EventActivityCompleted {
		t.Fatalf("expected completion, got %v", types(evs))
	}
}

func TestHandleTask_HeartbeatDetailsReachNextAttempt(t *testing.T) {
	f := newFixture(t)
	var resumedFrom atomic.Value
	f.acts["resumable"] = func(ctx context.Context, _ any) (any, error) {
		info, _ := api.ActivityInfoFrom(ctx)
		if info.Attempt == 1 {
			api.RecordHeartbeat(ctx, 40)
			return nil, errors.New("crashed at 40%")
		}
		resumedFrom.Store(info.HeartbeatDetails)
		return "resumed", nil
	}
	f.schedule(t, "wf-d", "resumable", nil, api.ActivityOptions{
		Retry: &api.RetryPolicy{InitialInterval: time.Millisecond, MaximumAttempts: 2},
	})

	if err := f.mgr.HandleTask(context.Background(), firstTask("wf-d")); err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	if err := f.mgr.HandleTask(context.Background(), f.next(t, "acts")); err != nil {
		t.Fatalf("HandleTask (retry): %v", err)
	}
	if got := resumedFrom.Load(); got != 40 {
		t.Fatalf("expected heartbeat details 40, got %v", got)
	}
}

func TestManager_ExternalHeartbeat(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.acts["external"] = func(ctx context.Context, _ any) (any, error) {
		close(started)
		<-release
		return "ok", nil
	}
	f.schedule(t, "wf-e", "external", nil, api.ActivityOptions{HeartbeatTimeout: 80 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- f.mgr.HandleTask(context.Background(), firstTask("wf-e")) }()
	<-started

	for range 6 {
		if err := f.mgr.Heartbeat("wf-e", 1, "working"); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		time.Sleep(25 * time.Millisecond)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("HandleTask: %v", err)
	}
	evs := f.events(t, "wf-e")
	if last := evs[len(evs)-1]; last.Type != api.EventActivityCompleted {
		t.Fatalf("external heartbeats did not keep the attempt alive: %v", types(evs))
	}
	if err := f.mgr.Heartbeat("wf-e", 1, nil); !errors.Is(err, api.ErrInvocationNotFound) {
		t.Fatalf("expected ErrInvocationNotFound after completion, got %v", err)
	}
	if f.mgr.InFlight() != 0 {
		t.Fatalf("attempt still registered")
	}
}
