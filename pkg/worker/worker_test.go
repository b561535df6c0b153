package worker

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/petrijr/durex/internal/engine"
	"github.com/petrijr/durex/internal/persistence"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/api"
)

var discard = slog.New(slog.DiscardHandler)

type engineFactory func(t *testing.T, queue taskqueue.Queue) *engine.Engine

func inMemoryEngine(t *testing.T, queue taskqueue.Queue) *engine.Engine {
	t.Helper()
	return engine.New(engine.Config{
		Log:          persistence.NewMemoryEventLog(),
		Queue:        queue,
		Logger:       discard,
		PollInterval: 10 * time.Millisecond,
	})
}

func sqliteEngine(t *testing.T, queue taskqueue.Queue) *engine.Engine {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	log, err := persistence.NewSQLiteEventLog(db)
	if err != nil {
		t.Fatalf("NewSQLiteEventLog failed: %v", err)
	}
	return engine.New(engine.Config{
		Log:          log,
		Queue:        queue,
		Logger:       discard,
		PollInterval: 10 * time.Millisecond,
	})
}

// runInBackground runs w until the test ends.
func runInBackground(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run returned %v", err)
		}
	})
}

// waitFor waits until a worker created the instance from its queued start
// task and then until the instance is terminal.
func waitFor(t *testing.T, eng *engine.Engine, id string) *api.WorkflowInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, err := eng.GetInstance(ctx, id)
		if err == nil {
			break
		}
		if !errors.Is(err, api.ErrInstanceNotFound) {
			t.Fatalf("GetInstance(%s) failed: %v", id, err)
		}
		select {
		case <-ctx.Done():
			t.Fatalf("instance %s was never created", id)
		case <-time.After(5 * time.Millisecond):
		}
	}
	inst, err := eng.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) failed: %v", id, err)
	}
	return inst
}

type handlerFunc func(ctx context.Context, t *taskqueue.Task) error

func (f handlerFunc) HandleTask(ctx context.Context, t *taskqueue.Task) error { return f(ctx, t) }

func TestWorker_RunsEnqueuedWorkflows(t *testing.T) {
	factories := map[string]engineFactory{
		"in-memory": inMemoryEngine,
		"sqlite":    sqliteEngine,
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			queue := taskqueue.NewInMemoryQueue()
			eng := factory(t, queue)
			err := eng.RegisterActivity(api.ActivityDefinition{
				Name: "add-one",
				Fn: func(ctx context.Context, input any) (any, error) {
					return input.(int) + 1, nil
				},
			})
			if err != nil {
				t.Fatalf("RegisterActivity failed: %v", err)
			}
			err = eng.RegisterWorkflow(api.WorkflowDefinition{
				Name: "async-add",
				Run: func(ctx api.Context, _ any, input any) (any, error) {
					return ctx.ExecuteActivity("add-one", input, api.ActivityOptions{}).Get()
				},
			})
			if err != nil {
				t.Fatalf("RegisterWorkflow failed: %v", err)
			}

			w := New(eng, queue, Config{Concurrency: 2, Logger: discard})
			runInBackground(t, w)

			id, err := w.EnqueueStartWorkflow(context.Background(), "", "async-add", 41)
			if err != nil {
				t.Fatalf("EnqueueStartWorkflow failed: %v", err)
			}
			if id == "" {
				t.Fatalf("expected a generated instance ID")
			}

			inst := waitFor(t, eng, id)
			if inst.Status != api.StatusCompleted || inst.Output != 42 {
				t.Fatalf("unexpected instance: %s %v", inst.Status, inst.Output)
			}
		})
	}
}

type approvals struct {
	Approved []string
}

func TestWorker_DeliversEnqueuedSignals(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue()
	eng := inMemoryEngine(t, queue)
	err := eng.RegisterWorkflow(api.NewWorkflow("approval", func(ctx api.Context, s *approvals, _ any) (any, error) {
		if _, err := ctx.Await(0, func() bool { return len(s.Approved) > 0 }); err != nil {
			return nil, err
		}
		return s.Approved[0], nil
	}).OnSignal("approve", func(s *approvals, payload any) error {
		s.Approved = append(s.Approved, payload.(string))
		return nil
	}).Definition())
	if err != nil {
		t.Fatalf("RegisterWorkflow failed: %v", err)
	}

	w := New(eng, queue, Config{Logger: discard})
	ctx := context.Background()
	if _, err := w.EnqueueStartWorkflow(ctx, "approval-1", "approval", nil); err != nil {
		t.Fatalf("EnqueueStartWorkflow failed: %v", err)
	}
	// The signal may only be delivered after the instance exists.
	if err := w.EnqueueSignalAt(ctx, "approval-1", "approve", "alice", time.Now().Add(50*time.Millisecond)); err != nil {
		t.Fatalf("EnqueueSignalAt failed: %v", err)
	}
	runInBackground(t, w)

	inst := waitFor(t, eng, "approval-1")
	if inst.Output != "alice" {
		t.Fatalf("expected alice, got %v", inst.Output)
	}

	// Signals for closed instances are dropped and acked.
	if err := w.EnqueueSignal(ctx, "approval-1", "approve", "bob"); err != nil {
		t.Fatalf("EnqueueSignal failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := queue.Len(); n != 0 {
		t.Fatalf("expected the late signal to be dropped, %d tasks left", n)
	}
}

func TestWorker_RedeliversFailedTasks(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue()
	var seen []int
	h := handlerFunc(func(ctx context.Context, task *taskqueue.Task) error {
		seen = append(seen, task.Attempts)
		if task.Attempts < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	w := New(h, queue, Config{
		Logger:  discard,
		Backoff: api.RetryPolicy{InitialInterval: time.Millisecond},
	})
	ctx := context.Background()
	if err := queue.Enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskWorkflow, InstanceID: "x"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for i := range 3 {
		processed, err := w.ProcessOne(ctx)
		if !processed {
			t.Fatalf("delivery %d: nothing processed", i)
		}
		if wantErr := i < 2; (err != nil) != wantErr {
			t.Fatalf("delivery %d: unexpected error %v", i, err)
		}
	}
	if len(seen) != 3 || seen[0] != 0 || seen[1] != 1 || seen[2] != 2 {
		t.Fatalf("unexpected delivery attempts: %v", seen)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected the task to be acked")
	}
}

func TestWorker_DropsTaskAfterMaxAttempts(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue()
	var calls atomic.Int32
	h := handlerFunc(func(context.Context, *taskqueue.Task) error {
		calls.Add(1)
		return errors.New("always fails")
	})
	w := New(h, queue, Config{
		Logger:      discard,
		MaxAttempts: 2,
		Backoff:     api.RetryPolicy{InitialInterval: time.Millisecond},
	})
	ctx := context.Background()
	if err := queue.Enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskWorkflow, InstanceID: "x"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	for range 2 {
		if _, err := w.ProcessOne(ctx); err == nil {
			t.Fatalf("expected the handler error to be returned")
		}
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
	if queue.Len() != 0 {
		t.Fatalf("expected the task to be dropped after MaxAttempts")
	}
}

func TestWorker_RenewsLeaseOfSlowTasks(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue()
	started := make(chan struct{})
	h := handlerFunc(func(ctx context.Context, _ *taskqueue.Task) error {
		close(started)
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	w := New(h, queue, Config{
		WorkerID:          "slow",
		Logger:            discard,
		LeaseTTL:          50 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()
	if err := queue.Enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskWorkflow, InstanceID: "x"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var processErr error
	go func() {
		defer wg.Done()
		_, processErr = w.ProcessOne(ctx)
	}()
	<-started

	// Well past the original lease, the task is still held.
	stealCtx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
	defer cancel()
	if task, err := queue.Dequeue(stealCtx, taskqueue.DefaultQueue, "thief", time.Second); err == nil {
		t.Fatalf("task %s was leased twice", task.ID)
	}

	wg.Wait()
	if processErr != nil {
		t.Fatalf("ProcessOne failed: %v", processErr)
	}
	if queue.Len() != 0 {
		t.Fatalf("expected the task to be acked")
	}
}

// leaseLosingQueue refuses every lease renewal.
type leaseLosingQueue struct {
	*taskqueue.InMemoryQueue
}

func (leaseLosingQueue) RenewLease(context.Context, string, string, time.Duration) error {
	return taskqueue.ErrLeaseLost
}

func TestWorker_LostLeaseCancelsHandler(t *testing.T) {
	queue := leaseLosingQueue{taskqueue.NewInMemoryQueue()}
	h := handlerFunc(func(ctx context.Context, _ *taskqueue.Task) error {
		select {
		case <-time.After(5 * time.Second):
			return errors.New("handler was not cancelled")
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	w := New(h, queue, Config{
		Logger:            discard,
		HeartbeatInterval: 10 * time.Millisecond,
		Backoff:           api.RetryPolicy{InitialInterval: time.Millisecond},
	})
	ctx := context.Background()
	if err := queue.Enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskWorkflow, InstanceID: "x"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	processed, err := w.ProcessOne(ctx)
	if !processed || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected a cancelled handler, got processed=%v err=%v", processed, err)
	}
}

func TestWorker_RateLimit(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue()
	var calls atomic.Int32
	h := handlerFunc(func(context.Context, *taskqueue.Task) error {
		calls.Add(1)
		return nil
	})
	w := New(h, queue, Config{
		Logger:    discard,
		RateLimit: rate.NewLimiter(rate.Every(50*time.Millisecond), 1),
	})
	ctx := context.Background()
	for range 3 {
		if err := queue.Enqueue(ctx, taskqueue.Task{Type: taskqueue.TaskWorkflow, InstanceID: "x"}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	start := time.Now()
	for range 3 {
		if _, err := w.ProcessOne(ctx); err != nil {
			t.Fatalf("ProcessOne failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("3 tasks at 20/s took only %v", elapsed)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 calls, got %d", calls.Load())
	}
}

// flakyDequeueQueue fails its first Dequeue.
type flakyDequeueQueue struct {
	*taskqueue.InMemoryQueue
	failed atomic.Bool
}

func (q *flakyDequeueQueue) Dequeue(ctx context.Context, queue, owner string, ttl time.Duration) (*taskqueue.Task, error) {
	if q.failed.CompareAndSwap(false, true) {
		return nil, errors.New("connection reset")
	}
	return q.InMemoryQueue.Dequeue(ctx, queue, owner, ttl)
}

func TestWorker_RunSurvivesQueueErrors(t *testing.T) {
	queue := &flakyDequeueQueue{InMemoryQueue: taskqueue.NewInMemoryQueue()}
	done := make(chan struct{})
	h := handlerFunc(func(context.Context, *taskqueue.Task) error {
		close(done)
		return nil
	})
	w := New(h, queue, Config{
		Logger:  discard,
		Backoff: api.RetryPolicy{InitialInterval: time.Millisecond},
	})
	if err := queue.Enqueue(context.Background(), taskqueue.Task{Type: taskqueue.TaskWorkflow, InstanceID: "x"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	runInBackground(t, w)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker stopped polling after a queue error")
	}
}

func TestWorker_TaskQueuesFollowRegistrations(t *testing.T) {
	queue := taskqueue.NewInMemoryQueue()
	eng := inMemoryEngine(t, queue)
	w := New(eng, queue, Config{Logger: discard})

	err := eng.RegisterActivity(api.ActivityDefinition{
		Name:      "resize",
		TaskQueue: "images",
		Fn:        func(context.Context, any) (any, error) { return nil, nil },
	})
	if err != nil {
		t.Fatalf("RegisterActivity failed: %v", err)
	}
	got := w.TaskQueues()
	if len(got) != 2 || got[0] != taskqueue.DefaultQueue || got[1] != "images" {
		t.Fatalf("unexpected task queues: %v", got)
	}

	pinned := New(eng, queue, Config{TaskQueues: []string{"images"}, Logger: discard})
	if got := pinned.TaskQueues(); len(got) != 1 || got[0] != "images" {
		t.Fatalf("explicit task queues not kept: %v", got)
	}
	if got := New(handlerFunc(nil), queue, Config{}).TaskQueues(); len(got) != 1 || got[0] != taskqueue.DefaultQueue {
		t.Fatalf("expected the default queue, got %v", got)
	}
}
