// Package api contains the types shared by the durex engine, its workers
// and application code: workflow and activity definitions, the
// deterministic workflow Context, failures, retry policies, fan-out
// helpers and the Observer hooks.
//
// Most users interact with the top-level durex package, which re-exports
// the types from this package together with engine constructors. Import
// api directly when writing workflow code against the Context interface
// or when implementing a custom Observer.
//
// # Workflows
//
// A WorkflowDefinition names a Run function and, optionally, a local state
// with signal and query handlers. NewWorkflow builds one around an
// explicit state struct:
//
//	def := api.NewWorkflow("order", func(ctx api.Context, s *orderState, input any) (any, error) {
//		if _, err := ctx.Await(time.Hour, func() bool { return s.Paid }); err != nil {
//			return nil, err
//		}
//		return ctx.ExecuteActivity("ship", input, api.ActivityOptions{}).Get()
//	}).
//		OnSignal("paid", func(s *orderState, _ any) error { s.Paid = true; return nil }).
//		OnQuery("paid", func(s *orderState, _ any) (any, error) { return s.Paid, nil }).
//		Definition()
//
// Run is re-executed from the start every time the instance makes
// progress. Everything it observes must come from the Context: the clock
// (Now), activity and child results (Future.Get), timers and signals.
// When a result is not recorded yet, Get returns a *SuspendedError that
// the workflow must return unchanged; IsSuspended detects it.
//
// # Activities
//
// Activities are plain functions that may do I/O. Each attempt is bounded
// by ActivityOptions.StartToCloseTimeout and, when HeartbeatTimeout is
// set, by the gap between RecordHeartbeat calls. Failed attempts are
// retried according to a RetryPolicy.
//
// # Failures
//
// Every error that leaves an activity, child or workflow is normalized to
// a *Failure carrying a Category. Transient and Timeout failures are
// retryable; NonRetryable, Cancelled and EngineFault failures are not.
//
// # Observability
//
// An Observer receives lifecycle callbacks. LoggingObserver writes them
// to a *slog.Logger, BasicMetrics counts them, and CompositeObserver fans
// out to several observers.
package api
