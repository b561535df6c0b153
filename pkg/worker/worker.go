package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/petrijr/durex/internal/retry"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/api"
)

// TaskHandler processes one leased task. A nil error acks the task.
type TaskHandler interface {
	HandleTask(ctx context.Context, t *taskqueue.Task) error
}

// queueLister is implemented by handlers that know which task queues
// their registered definitions route to.
type queueLister interface {
	TaskQueues() []string
}

// Config controls a Worker. Zero values pick the defaults noted per field.
type Config struct {
	// TaskQueues the worker polls. When empty, the worker polls the queues
	// reported by the handler's TaskQueues method at Run time, falling back
	// to taskqueue.DefaultQueue.
	TaskQueues []string

	// WorkerID owns the leases this worker takes. Defaults to
	// "<hostname>-<random>".
	WorkerID string

	// Concurrency is the number of polling goroutines per task queue.
	// Defaults to 1.
	Concurrency int

	// LeaseTTL is how long a dequeued task stays invisible to other
	// workers. Defaults to 30s.
	LeaseTTL time.Duration

	// HeartbeatInterval is how often a running task's lease is renewed.
	// Defaults to LeaseTTL/3.
	HeartbeatInterval time.Duration

	// RateLimit, if set, bounds how fast tasks are dequeued.
	RateLimit *rate.Limiter

	// MaxAttempts drops a task after this many failed deliveries. Zero
	// means unlimited.
	MaxAttempts int

	// Backoff is the redelivery policy for failed tasks.
	// Defaults to 100ms doubling up to 10s.
	Backoff api.RetryPolicy

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.WorkerID == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		c.WorkerID = host + "-" + uuid.NewString()[:8]
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = c.LeaseTTL / 3
	}
	if c.Backoff.InitialInterval <= 0 {
		c.Backoff = api.RetryPolicy{
			InitialInterval:    100 * time.Millisecond,
			BackoffCoefficient: 2,
			MaximumInterval:    10 * time.Second,
		}
	}
	c.Backoff = c.Backoff.WithDefaults()
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Worker pulls tasks from a Queue and hands them to a TaskHandler.
type Worker struct {
	handler TaskHandler
	queue   taskqueue.Queue
	cfg     Config
	logger  *slog.Logger
}

// New creates a new Worker.
func New(handler TaskHandler, queue taskqueue.Queue, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		handler: handler,
		queue:   queue,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("worker_id", cfg.WorkerID)),
	}
}

// ID returns the lease owner name of this worker.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// TaskQueues returns the task queues the worker polls. The first one
// receives enqueued start and signal tasks.
func (w *Worker) TaskQueues() []string {
	if len(w.cfg.TaskQueues) > 0 {
		return w.cfg.TaskQueues
	}
	if l, ok := w.handler.(queueLister); ok {
		if qs := l.TaskQueues(); len(qs) > 0 {
			return qs
		}
	}
	return []string{taskqueue.DefaultQueue}
}

// EnqueueStartWorkflow enqueues a task to start a workflow asynchronously.
// It does NOT start the workflow itself; that is done by a worker. An
// empty id gets a generated one, which is returned.
func (w *Worker) EnqueueStartWorkflow(ctx context.Context, id, workflowName string, input any) (string, error) {
	return w.EnqueueStartWorkflowAt(ctx, id, workflowName, input, time.Time{})
}

// EnqueueStartWorkflowAt enqueues a task to start a workflow no earlier than
// the given time 'at'.
func (w *Worker) EnqueueStartWorkflowAt(ctx context.Context, id, workflowName string, input any, at time.Time) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	return id, w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskStartWorkflow,
		Queue:      w.TaskQueues()[0],
		InstanceID: id,
		Name:       workflowName,
		Payload:    input,
		NotBefore:  at,
	})
}

// EnqueueSignal enqueues a task to deliver a signal to a workflow
// instance. The signal is recorded asynchronously by a worker.
func (w *Worker) EnqueueSignal(ctx context.Context, instanceID string, name string, payload any) error {
	return w.EnqueueSignalAt(ctx, instanceID, name, payload, time.Time{})
}

// EnqueueSignalAt enqueues a signal task that will be delivered to the
// target instance no earlier than 'at'.
func (w *Worker) EnqueueSignalAt(ctx context.Context, instanceID string, name string, payload any, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.Task{
		Type:       taskqueue.TaskSignal,
		Queue:      w.TaskQueues()[0],
		InstanceID: instanceID,
		Name:       name,
		Payload:    payload,
		NotBefore:  at,
	})
}

// ProcessOne processes a single task of the worker's first task queue.
// See ProcessQueue.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	return w.ProcessQueue(ctx, w.TaskQueues()[0])
}

// ProcessQueue pulls a single task from the named queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained, err says why (usually ctx)
//   - processed == true: a task was processed; err is the handler's error
func (w *Worker) ProcessQueue(ctx context.Context, queue string) (bool, error) {
	if w.cfg.RateLimit != nil {
		if err := w.cfg.RateLimit.Wait(ctx); err != nil {
			return false, err
		}
	}
	task, err := w.queue.Dequeue(ctx, queue, w.cfg.WorkerID, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	log := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.Type)),
		slog.String("instance_id", task.InstanceID),
	)

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		w.renewLease(taskCtx, cancel, task, log)
	}()

	handleErr := w.handler.HandleTask(taskCtx, task)
	cancel()
	<-renewDone

	// Settle the task even when ctx is done so it is not redelivered
	// needlessly.
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer settleCancel()

	if handleErr == nil {
		if err := w.queue.Ack(settleCtx, task.ID, w.cfg.WorkerID); err != nil && !errors.Is(err, taskqueue.ErrLeaseLost) {
			return true, err
		}
		return true, nil
	}

	attempts := task.Attempts + 1
	if w.cfg.MaxAttempts > 0 && attempts >= w.cfg.MaxAttempts {
		log.Error("dropping task after repeated failures",
			slog.Int("attempts", attempts),
			slog.Any("error", handleErr))
		if err := w.queue.Ack(settleCtx, task.ID, w.cfg.WorkerID); err != nil && !errors.Is(err, taskqueue.ErrLeaseLost) {
			return true, errors.Join(handleErr, err)
		}
		return true, handleErr
	}

	delay := retry.Backoff(w.cfg.Backoff, attempts)
	log.Warn("task failed, redelivering",
		slog.Int("attempts", attempts),
		slog.Duration("delay", delay),
		slog.Any("error", handleErr))
	if err := w.queue.Nack(settleCtx, task.ID, w.cfg.WorkerID, time.Now().Add(delay)); err != nil && !errors.Is(err, taskqueue.ErrLeaseLost) {
		return true, errors.Join(handleErr, err)
	}
	return true, handleErr
}

// renewLease extends the task lease until ctx is done. Losing the lease
// cancels the handler; the task belongs to another worker now.
func (w *Worker) renewLease(ctx context.Context, cancel context.CancelFunc, task *taskqueue.Task, log *slog.Logger) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.queue.RenewLease(ctx, task.ID, w.cfg.WorkerID, w.cfg.LeaseTTL)
			switch {
			case errors.Is(err, taskqueue.ErrLeaseLost):
				log.Warn("task lease lost")
				cancel()
				return
			case err != nil && ctx.Err() == nil:
				log.Warn("lease renewal failed", slog.Any("error", err))
			}
		}
	}
}

// Run polls every configured task queue with Concurrency goroutines each
// until ctx is cancelled. Handler errors are logged and redelivered, and
// queue failures are retried with backoff.
func (w *Worker) Run(ctx context.Context) error {
	queues := w.TaskQueues()
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range queues {
		for range w.cfg.Concurrency {
			g.Go(func() error {
				return w.poll(ctx, q)
			})
		}
	}
	w.logger.Info("worker started",
		slog.Any("task_queues", queues),
		slog.Int("concurrency", w.cfg.Concurrency))
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) poll(ctx context.Context, queue string) error {
	failures := 0
	for {
		processed, err := w.ProcessQueue(ctx, queue)
		if ctx.Err() != nil {
			return nil
		}
		if processed || err == nil {
			failures = 0
			continue
		}
		// The queue itself failed; back off before polling again.
		failures++
		delay := retry.Backoff(w.cfg.Backoff, failures)
		w.logger.Warn("dequeue failed",
			slog.String("task_queue", queue),
			slog.Duration("retry_in", delay),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
