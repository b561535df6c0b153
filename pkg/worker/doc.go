// Package worker provides the background worker that drives durex workflow
// instances forward.
//
// A Worker leases tasks from a task queue and hands each one to a
// TaskHandler, normally the engine. It settles every task it leased:
// handled tasks are acked, failed ones are nacked for redelivery with
// exponential backoff, and tasks that keep failing past MaxAttempts are
// dropped with an error log.
//
// # Leases
//
// A dequeued task is invisible to other workers for LeaseTTL. While the
// handler runs, the worker renews the lease every HeartbeatInterval so that
// long activities are not redelivered to a second worker. If a renewal
// reports that the lease was lost, the handler's context is cancelled:
// another worker owns the task now.
//
// Delivery is at-least-once. The engine's task handlers check history
// before acting, so a redelivered task is harmless.
//
// # Configuration
//
// Config controls:
//
//   - the task queues polled and the goroutines per queue (Concurrency)
//   - lease TTL and renewal interval
//   - an optional rate limiter (golang.org/x/time/rate) bounding dequeues
//   - redelivery backoff and MaxAttempts
//
// # Enqueueing work
//
// EnqueueStartWorkflow and EnqueueSignal put start and signal requests on
// the queue instead of calling the engine directly. This is useful when
// the caller runs in a different process than the workers, or when a start
// should happen later (EnqueueStartWorkflowAt).
//
// # Usage
//
// Most applications run workers through the durex package (LocalRunner or
// a WorkerBundle), which wires the engine, queue and worker together. Use
// this package directly when embedding workers into an existing service.
package worker
