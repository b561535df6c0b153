// Package durex provides a small, embeddable durable-execution engine for Go.
//
// Workflow code is ordinary Go that runs against an append-only event
// history. When a workflow waits for an activity, a timer, a child workflow
// or a signal, the engine records the command, parks the instance and
// replays the code from the start once the awaited result is in history.
// Because replay re-derives all local state, workflows survive process
// restarts on any durable backend.
//
// # Core Concepts
//
// The durex programming model is intentionally small:
//
//  1. Engine
//  2. Worker
//  3. Activities and workflows
//  4. FlowBuilder
//  5. LocalRunner
//
// # Engine
//
// The Engine owns the event log and the task queue. It provides APIs to:
//   - start workflows and wait for them
//   - deliver signals and answer queries
//   - cancel instances (children are cancelled too)
//   - read instance state, list instances and read history
//   - re-dispatch in-flight work after a crash (RecoverInFlight)
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres (package postgres)
//   - Redis (package redis)
//   - MongoDB (package mongo)
//
// Each backend includes a matching task queue implementation so workers can
// reliably fetch work.
//
// # Worker
//
// A Worker leases tasks from the engine's queue and hands them to the
// engine: workflow tasks replay an instance, activity tasks run one attempt
// of an activity, timer and child tasks move waiting instances forward.
// Workers can be scaled horizontally; delivery is at-least-once and every
// task handler is idempotent.
//
// # Activities and workflows
//
// Activities are plain functions that may do I/O:
//
//	func charge(ctx context.Context, input any) (any, error)
//
// They are retried according to a RetryPolicy, bounded by start-to-close
// and heartbeat timeouts, and report progress with RecordHeartbeat.
//
// Workflows are deterministic functions of their input and history:
//
//	func(ctx durex.Context, state any, input any) (any, error)
//
// They call ctx.ExecuteActivity, ctx.Sleep, ctx.StartChild and
// ctx.ReceiveSignal instead of doing work directly, and use ctx.Now
// instead of time.Now. Signals mutate an explicit state value through
// registered handlers, and queries read it without changing history.
//
// # FlowBuilder
//
// FlowBuilder defines a sequential workflow whose steps run as activities.
// It supports common control-flow structures:
//
//   - Sequential steps, with or without retries
//   - Conditionals (If / Switch)
//   - Parallel execution (Parallel / ParallelMap)
//   - Loops (Loop / While)
//   - Durable timers (Sleep)
//   - Signals (WaitForSignal / WaitForAnySignal)
//
// Example:
//
//	durex.New("Example").
//	    Step("a", doA).
//	    StepWithRetry("b", doB, durex.Retry(3).Policy()).
//	    Parallel("c", work1, work2)
//
// # LocalRunner
//
// LocalRunner bundles an in-memory engine, queue, and worker into a single,
// process-local helper useful for development and unit testing.
//
// LocalRunner is intentionally not crash-durable. Use a WorkerBundle with a
// persistent backend for that.
package durex
