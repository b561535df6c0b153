package durex

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/petrijr/durex/pkg/api"
)

// StepFunc is the body of a flow step. Steps run as activities, so they may
// do I/O and are retried according to their policy.
type StepFunc = api.ActivityFunc

// ConditionFunc decides a branch or loop from the current step input. It
// runs inside workflow code and must be deterministic.
type ConditionFunc func(input any) bool

// SelectorFunc picks a Switch branch from the current step input. Like
// ConditionFunc it must be deterministic.
type SelectorFunc func(input any) string

// SignalPayload is the output of a WaitForAnySignal step.
type SignalPayload struct {
	Name string
	Data any
}

// TimeoutPayload is the output of a WaitForSignalWithTimeout step whose
// signal did not arrive in time.
type TimeoutPayload struct {
	Reason string
}

func init() {
	RegisterType(SignalPayload{}, TimeoutPayload{})
}

// Registrar is the part of an Engine FlowBuilder.Register needs.
type Registrar interface {
	RegisterWorkflow(def api.WorkflowDefinition) error
	RegisterActivity(def api.ActivityDefinition) error
}

// FlowBuilder provides a fluent API for defining sequential workflows.
// Each step's output is the next step's input; the last output is the
// workflow result.
//
//	flow := durex.New("OnboardUser").
//	    Step("createAccount", createAccount).
//	    Step("sendWelcomeEmail", sendWelcomeEmail).
//	    WaitForSignal("waitActivation", "activated")
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := durex.Execute(ctx, engine, flow.Name(), input)
//
// Step functions become activities named "<flow>.<step>". Branch and loop
// conditions are evaluated by the workflow itself and must only look at
// their input.
type FlowBuilder struct {
	name        string
	taskQueue   string
	timeout     time.Duration
	stepTimeout time.Duration

	steps      []flowStep
	activities []api.ActivityDefinition
	signals    []string
}

type flowStep struct {
	name string
	run  func(ctx api.Context, s *flowState, input any) (any, error)
}

// flowState buffers signals for the wait steps of a flow.
type flowState struct {
	received []receivedSignal
}

type receivedSignal struct {
	name    string
	payload any
	taken   bool
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{name: name}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.name
}

// TaskQueue routes the workflow and its step activities to queue.
func (b *FlowBuilder) TaskQueue(queue string) *FlowBuilder {
	b.taskQueue = queue
	return b
}

// ExecutionTimeout bounds the whole flow.
func (b *FlowBuilder) ExecutionTimeout(d time.Duration) *FlowBuilder {
	b.timeout = d
	return b
}

// StepTimeout bounds every attempt of every step.
func (b *FlowBuilder) StepTimeout(d time.Duration) *FlowBuilder {
	b.stepTimeout = d
	return b
}

func (b *FlowBuilder) activityName(parts ...string) string {
	name := b.name
	for _, p := range parts {
		name += "." + p
	}
	return name
}

func (b *FlowBuilder) addStep(name string, run func(ctx api.Context, s *flowState, input any) (any, error)) *FlowBuilder {
	if name == "" {
		panic("durex: step name must not be empty")
	}
	if slices.ContainsFunc(b.steps, func(s flowStep) bool { return s.name == name }) {
		panic(fmt.Sprintf("durex: duplicate step %q", name))
	}
	b.steps = append(b.steps, flowStep{name: name, run: run})
	return b
}

// addActivity records fn as an activity named after the step and parts,
// and returns that name.
func (b *FlowBuilder) addActivity(step string, fn StepFunc, parts ...string) string {
	if fn == nil {
		panic(fmt.Sprintf("durex: step %q has nil function", step))
	}
	name := b.activityName(append([]string{step}, parts...)...)
	b.activities = append(b.activities, api.ActivityDefinition{
		Name:      name,
		TaskQueue: b.taskQueue,
		Fn:        fn,
	})
	return name
}

func (b *FlowBuilder) call(ctx api.Context, activity string, input any, retry *api.RetryPolicy) api.Future {
	if retry == nil {
		p := api.NoRetry()
		retry = &p
	}
	return ctx.ExecuteActivity(activity, input, api.ActivityOptions{
		StartToCloseTimeout: b.stepTimeout,
		Retry:               retry,
	})
}

// Step appends a basic step to the workflow. It runs once; use
// StepWithRetry for retries.
func (b *FlowBuilder) Step(name string, fn StepFunc) *FlowBuilder {
	return b.step(name, fn, nil)
}

// StepWithRetry appends a step that uses the given retry policy.
func (b *FlowBuilder) StepWithRetry(name string, fn StepFunc, retry RetryPolicy) *FlowBuilder {
	// Copy so callers can mutate their RetryPolicy after the call.
	r := retry
	return b.step(name, fn, &r)
}

// StepWithRetryBuilder is StepWithRetry with a RetryBuilder.
func (b *FlowBuilder) StepWithRetryBuilder(name string, fn StepFunc, rb RetryBuilder) *FlowBuilder {
	return b.StepWithRetry(name, fn, rb.Policy())
}

func (b *FlowBuilder) step(name string, fn StepFunc, retry *api.RetryPolicy) *FlowBuilder {
	activity := b.addActivity(name, fn)
	return b.addStep(name, func(ctx api.Context, _ *flowState, input any) (any, error) {
		return b.call(ctx, activity, input, retry).Get()
	})
}

// Parallel runs every fn with the step input concurrently and returns
// their outputs as a []any in argument order.
func (b *FlowBuilder) Parallel(name string, fns ...StepFunc) *FlowBuilder {
	activities := make([]string, len(fns))
	for i, fn := range fns {
		activities[i] = b.addActivity(name, fn, fmt.Sprint(i))
	}
	return b.addStep(name, func(ctx api.Context, _ *flowState, input any) (any, error) {
		futures := make([]api.Future, len(activities))
		for i, a := range activities {
			futures[i] = b.call(ctx, a, input, nil)
		}
		return collect(futures)
	})
}

// ParallelMap runs mapper once per element of a slice input, concurrently,
// and returns the outputs as a []any in input order.
func (b *FlowBuilder) ParallelMap(name string, mapper StepFunc) *FlowBuilder {
	activity := b.addActivity(name, mapper)
	return b.addStep(name, func(ctx api.Context, _ *flowState, input any) (any, error) {
		v := reflect.ValueOf(input)
		if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
			return nil, api.NewNonRetryableError("InvalidInput", "step %s: expected a slice input, got %T", name, input)
		}
		futures := make([]api.Future, v.Len())
		for i := range v.Len() {
			futures[i] = b.call(ctx, activity, v.Index(i).Interface(), nil)
		}
		return collect(futures)
	})
}

// collect waits for every future, so all results are recorded before the
// first error is returned.
func collect(futures []api.Future) ([]any, error) {
	out := make([]any, len(futures))
	var firstErr error
	for i, f := range futures {
		v, err := f.Get()
		if err != nil {
			if _, ok := api.IsSuspended(err); ok {
				return nil, err
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out[i] = v
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// If adds a conditional step. A nil elseStep passes the input through.
func (b *FlowBuilder) If(name string, cond ConditionFunc, thenStep, elseStep StepFunc) *FlowBuilder {
	thenActivity := b.addActivity(name, thenStep, "then")
	var elseActivity string
	if elseStep != nil {
		elseActivity = b.addActivity(name, elseStep, "else")
	}
	return b.addStep(name, func(ctx api.Context, _ *flowState, input any) (any, error) {
		switch {
		case cond(input):
			return b.call(ctx, thenActivity, input, nil).Get()
		case elseActivity != "":
			return b.call(ctx, elseActivity, input, nil).Get()
		default:
			return input, nil
		}
	})
}

// Switch adds a multi-branch step. Inputs whose selector matches no branch
// run defaultStep, or pass through when it is nil.
func (b *FlowBuilder) Switch(name string, selector SelectorFunc, branches map[string]StepFunc, defaultStep StepFunc) *FlowBuilder {
	keys := make([]string, 0, len(branches))
	for k := range branches {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	activities := make(map[string]string, len(branches))
	for _, k := range keys {
		activities[k] = b.addActivity(name, branches[k], k)
	}
	var defaultActivity string
	if defaultStep != nil {
		defaultActivity = b.addActivity(name, defaultStep, "default")
	}
	return b.addStep(name, func(ctx api.Context, _ *flowState, input any) (any, error) {
		activity, ok := activities[selector(input)]
		if !ok {
			activity = defaultActivity
		}
		if activity == "" {
			return input, nil
		}
		return b.call(ctx, activity, input, nil).Get()
	})
}

// While runs body repeatedly while cond holds for its current input. Every
// iteration is a separate activity invocation, so a long loop survives
// restarts.
func (b *FlowBuilder) While(name string, cond ConditionFunc, body StepFunc) *FlowBuilder {
	activity := b.addActivity(name, body)
	return b.addStep(name, func(ctx api.Context, _ *flowState, input any) (any, error) {
		cur := input
		for cond(cur) {
			out, err := b.call(ctx, activity, cur, nil).Get()
			if err != nil {
				return nil, err
			}
			cur = out
		}
		return cur, nil
	})
}

// Loop runs body a fixed number of times, feeding each output into the
// next iteration.
func (b *FlowBuilder) Loop(name string, times int, body StepFunc) *FlowBuilder {
	activity := b.addActivity(name, body)
	return b.addStep(name, func(ctx api.Context, _ *flowState, input any) (any, error) {
		cur := input
		for range times {
			out, err := b.call(ctx, activity, cur, nil).Get()
			if err != nil {
				return nil, err
			}
			cur = out
		}
		return cur, nil
	})
}

// Sleep adds a durable timer. The input passes through.
func (b *FlowBuilder) Sleep(name string, d time.Duration) *FlowBuilder {
	return b.addStep(name, func(ctx api.Context, _ *flowState, input any) (any, error) {
		if err := ctx.Sleep(d); err != nil {
			return nil, err
		}
		return input, nil
	})
}

// WaitForSignal adds a step that waits for a named signal and outputs its
// payload.
func (b *FlowBuilder) WaitForSignal(stepName, signalName string) *FlowBuilder {
	b.listen(signalName)
	return b.addStep(stepName, func(ctx api.Context, s *flowState, _ any) (any, error) {
		sig, err := s.take(ctx, 0, signalName)
		if err != nil {
			return nil, err
		}
		return sig.payload, nil
	})
}

// WaitForSignalWithTimeout is WaitForSignal with a deadline. When the
// signal does not arrive in time the step outputs a TimeoutPayload.
func (b *FlowBuilder) WaitForSignalWithTimeout(stepName, signalName string, timeout time.Duration) *FlowBuilder {
	b.listen(signalName)
	return b.addStep(stepName, func(ctx api.Context, s *flowState, _ any) (any, error) {
		sig, err := s.take(ctx, timeout, signalName)
		if err != nil {
			return nil, err
		}
		if sig == nil {
			return TimeoutPayload{Reason: fmt.Sprintf("signal %q not received within %s", signalName, timeout)}, nil
		}
		return sig.payload, nil
	})
}

// WaitForAnySignal adds a step that waits for the first of the given
// signals and outputs a SignalPayload.
func (b *FlowBuilder) WaitForAnySignal(stepName string, names ...string) *FlowBuilder {
	if len(names) == 0 {
		panic(fmt.Sprintf("durex: step %q waits for no signals", stepName))
	}
	b.listen(names...)
	return b.addStep(stepName, func(ctx api.Context, s *flowState, _ any) (any, error) {
		sig, err := s.take(ctx, 0, names...)
		if err != nil {
			return nil, err
		}
		return SignalPayload{Name: sig.name, Data: sig.payload}, nil
	})
}

func (b *FlowBuilder) listen(names ...string) {
	for _, n := range names {
		if !slices.Contains(b.signals, n) {
			b.signals = append(b.signals, n)
		}
	}
}

// take consumes the oldest unconsumed signal with one of the names. It
// returns nil when timeout elapses first.
func (s *flowState) take(ctx api.Context, timeout time.Duration, names ...string) (*receivedSignal, error) {
	idx := -1
	ok, err := ctx.Await(timeout, func() bool {
		for i, sig := range s.received {
			if !sig.taken && slices.Contains(names, sig.name) {
				idx = i
				return true
			}
		}
		return false
	})
	if err != nil || !ok {
		return nil, err
	}
	s.received[idx].taken = true
	return &s.received[idx], nil
}

// Definition returns the WorkflowDefinition of the flow built so far.
func (b *FlowBuilder) Definition() WorkflowDefinition {
	steps := slices.Clone(b.steps)
	signals := make(map[string]api.SignalHandler, len(b.signals))
	for _, name := range b.signals {
		signals[name] = func(state any, payload any) error {
			s := state.(*flowState)
			s.received = append(s.received, receivedSignal{name: name, payload: payload})
			return nil
		}
	}
	return api.WorkflowDefinition{
		Name:             b.name,
		TaskQueue:        b.taskQueue,
		ExecutionTimeout: b.timeout,
		NewState:         func() any { return &flowState{} },
		Signals:          signals,
		Run: func(ctx api.Context, state any, input any) (any, error) {
			s := state.(*flowState)
			cur := input
			for _, st := range steps {
				out, err := st.run(ctx, s, cur)
				if err != nil {
					if _, ok := api.IsSuspended(err); ok {
						return nil, err
					}
					return nil, fmt.Errorf("step %s: %w", st.name, err)
				}
				cur = out
			}
			return cur, nil
		},
	}
}

// Activities returns the activity definitions backing the flow's steps.
func (b *FlowBuilder) Activities() []ActivityDefinition {
	return slices.Clone(b.activities)
}

// Register registers the flow's activities and workflow with the engine.
func (b *FlowBuilder) Register(eng Registrar) error {
	for _, a := range b.activities {
		if err := eng.RegisterActivity(a); err != nil {
			return fmt.Errorf("register %s: %w", a.Name, err)
		}
	}
	return eng.RegisterWorkflow(b.Definition())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Registrar) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
