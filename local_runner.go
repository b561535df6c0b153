package durex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/durex/pkg/worker"
)

// LocalRunner bundles an in-memory Engine, its in-memory task queue, and a
// Worker to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := durex.NewLocalRunner()
//	flow := durex.New("my-flow").Step(...)
//	flow.MustRegister(runner.Engine)
//
//	_ = runner.StartWorkers(ctx, 2)
//	defer runner.Stop()
//
//	// Synchronous run:
//	inst, err := durex.Execute(ctx, runner.Engine, flow.Name(), input)
//
//	// Asynchronous run:
//	id, _ := runner.StartWorkflowAsync(ctx, flow.Name(), input)
type LocalRunner struct {
	// Engine is the in-memory workflow engine used by this runner.
	Engine Engine

	// Queue is the in-memory task queue used by the Worker.
	Queue Queue

	logger *slog.Logger

	mu      sync.Mutex
	worker  *worker.Worker
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine
// and queue.
//
// This is intended for local development, tests, and simple single-process
// deployments. Nothing survives the process.
func NewLocalRunner() *LocalRunner {
	return NewLocalRunnerWithEngine(NewInMemoryEngine())
}

// NewLocalRunnerWithEngine runs workers for an existing engine in-process.
func NewLocalRunnerWithEngine(eng Engine) *LocalRunner {
	logger := slog.Default()
	return &LocalRunner{
		Engine: eng,
		Queue:  eng.Queue(),
		logger: logger,
		worker: worker.New(eng, eng.Queue(), worker.Config{Logger: logger}),
	}
}

// Worker returns the worker currently used to enqueue and process tasks.
func (r *LocalRunner) Worker() *worker.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.worker
}

// StartWorkers starts 'concurrency' polling goroutines per registered task
// queue that run until Stop. Register workflows and activities before
// calling it. In-flight work found in the engine's log is re-dispatched
// first.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("durex: LocalRunner already started")
	}

	if n, err := r.Engine.RecoverInFlight(ctx); err != nil {
		return fmt.Errorf("recover in-flight work: %w", err)
	} else if n > 0 {
		r.logger.Info("re-dispatched in-flight work", slog.Int("tasks", n))
	}

	r.worker = worker.New(r.Engine, r.Queue, worker.Config{
		Concurrency: concurrency,
		Logger:      r.logger,
	})
	w := r.worker

	ctx, cancel := context.WithCancel(ctx)
	g := new(errgroup.Group)
	g.Go(func() error { return w.Run(ctx) })

	r.cancel = cancel
	r.group = g
	r.running = true
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, g := r.cancel, r.group
	r.running = false
	r.cancel, r.group = nil, nil
	r.mu.Unlock()

	cancel()
	if err := g.Wait(); err != nil {
		r.logger.Error("local runner worker stopped with error", slog.Any("error", err))
	}
}

// StartWorkflowAsync enqueues a task to start the given workflow
// asynchronously and returns the new instance ID. The workflow must
// already be registered on LocalRunner.Engine.
func (r *LocalRunner) StartWorkflowAsync(ctx context.Context, workflowName string, input any) (string, error) {
	return r.Worker().EnqueueStartWorkflow(ctx, "", workflowName, input)
}

// SignalAsync enqueues a task to deliver a signal to a workflow instance.
// The instance will process the signal when a worker picks up the task.
func (r *LocalRunner) SignalAsync(ctx context.Context, instanceID, name string, payload any) error {
	return r.Worker().EnqueueSignal(ctx, instanceID, name, payload)
}
