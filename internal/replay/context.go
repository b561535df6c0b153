package replay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/petrijr/durex/pkg/api"
)

type outcome struct {
	value   any
	failure *api.Failure
}

func (o outcome) result() (any, error) {
	if o.failure != nil {
		return nil, o.failure
	}
	return o.value, nil
}

// nonDeterminism aborts workflow code that diverged from its history.
type nonDeterminism struct {
	failure *api.Failure
}

// workflowContext implements api.Context over one history. Workflow code
// runs synchronously; blocking calls pull events from the cursor until
// what they wait for is resolved or the history is exhausted.
type workflowContext struct {
	def    api.WorkflowDefinition
	events []api.HistoryEvent
	cursor int
	// replayUntil is the cursor position up to which events were already
	// seen by an earlier workflow task.
	replayUntil int

	id    string
	now   time.Time
	state any
	query bool

	logger *slog.Logger
	silent *slog.Logger

	seq             int64
	recorded        map[int64]api.HistoryEvent
	recordedCancels map[int64]bool
	reissued        map[int64]bool
	reissuedCancels map[int64]bool
	commands        []api.HistoryEvent

	results map[int64]outcome
	signals map[string][]any

	cancelRequested bool
	suspended       bool
	waitingOn       string
}

var _ api.Context = (*workflowContext)(nil)

func newContext(def api.WorkflowDefinition, events []api.HistoryEvent, opts Options) *workflowContext {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &workflowContext{
		def:             def,
		events:          events,
		cursor:          1,
		id:              events[0].InstanceID,
		now:             events[0].At,
		query:           opts.Query,
		logger:          logger.With(slog.String("instance_id", events[0].InstanceID), slog.String("workflow", def.Name)),
		silent:          slog.New(slog.DiscardHandler),
		recorded:        make(map[int64]api.HistoryEvent),
		recordedCancels: make(map[int64]bool),
		reissued:        make(map[int64]bool),
		reissuedCancels: make(map[int64]bool),
		results:         make(map[int64]outcome),
		signals:         make(map[string][]any),
	}
	for i, ev := range events {
		switch {
		case ev.Type == api.EventTimerCancelled:
			c.recordedCancels[ev.Seq] = true
		case ev.Type.IsCommand():
			c.recorded[ev.Seq] = ev
		case ev.Type == api.EventWorkflowTaskCompleted:
			c.replayUntil = i + 1
		}
	}
	return c
}

func (c *workflowContext) InstanceID() string   { return c.id }
func (c *workflowContext) WorkflowName() string { return c.def.Name }
func (c *workflowContext) Now() time.Time       { return c.now }
func (c *workflowContext) IsReplaying() bool    { return c.cursor < c.replayUntil }

func (c *workflowContext) Logger() *slog.Logger {
	if c.IsReplaying() || c.query {
		return c.silent
	}
	return c.logger
}

func (c *workflowContext) CancelRequested() bool { return c.cancelRequested }

// advance applies the next history event. It returns false when the
// history is exhausted.
func (c *workflowContext) advance() bool {
	if c.cursor >= len(c.events) {
		return false
	}
	ev := c.events[c.cursor]
	c.cursor++
	c.now = ev.At

	switch ev.Type {
	case api.EventActivityCompleted, api.EventChildCompleted:
		c.results[ev.Seq] = outcome{value: ev.Result}
	case api.EventActivityFailed:
		c.results[ev.Seq] = outcome{failure: ev.Failure}
	case api.EventChildFailed:
		c.results[ev.Seq] = outcome{failure: &api.Failure{
			Category: api.CategoryChildFailure,
			Type:     "ChildWorkflowFailed",
			Message:  fmt.Sprintf("child workflow %s failed", ev.ChildID),
			Cause:    ev.Failure,
		}}
	case api.EventTimerFired:
		c.results[ev.Seq] = outcome{}
	case api.EventWorkflowCancelRequested:
		c.cancelRequested = true
	case api.EventSignalReceived:
		c.applySignal(ev.Name, ev.Input)
	}
	return true
}

func (c *workflowContext) applySignal(name string, payload any) {
	h, ok := c.def.Signals[name]
	if !ok {
		c.signals[name] = append(c.signals[name], payload)
		return
	}
	if err := h(c.state, payload); err != nil {
		c.Logger().Warn("signal handler failed",
			slog.String("signal", name),
			slog.Any("error", err))
	}
}

func (c *workflowContext) suspend(waitingOn string) error {
	if !c.suspended {
		c.suspended = true
		c.waitingOn = waitingOn
	}
	return &api.SuspendedError{WaitingOn: c.waitingOn}
}

// await pulls events until seq is resolved.
func (c *workflowContext) await(seq int64, desc string) (any, error) {
	for {
		if o, ok := c.results[seq]; ok {
			return o.result()
		}
		if c.cancelRequested {
			return nil, api.NewCancelledError("%s cancelled", desc)
		}
		if c.suspended || !c.advance() {
			return nil, c.suspend(desc)
		}
	}
}

// command records ev under the next sequence number, or matches it
// against the command already recorded under that number. It returns
// false when the command is dropped because the workflow is suspended.
func (c *workflowContext) command(ev api.HistoryEvent) (int64, bool) {
	if c.suspended {
		return 0, false
	}
	c.seq++
	ev.Seq = c.seq
	if rec, ok := c.recorded[ev.Seq]; ok {
		if rec.Type != ev.Type || rec.Name != ev.Name {
			panic(nonDeterminism{failure: nonDeterministic("command %d is %s %q in history but workflow issued %s %q",
				ev.Seq, rec.Type, rec.Name, ev.Type, ev.Name)})
		}
		c.reissued[ev.Seq] = true
		return ev.Seq, true
	}
	if !c.query {
		c.commands = append(c.commands, ev)
	}
	return ev.Seq, true
}

func (c *workflowContext) cancelTimer(seq int64) {
	if c.recordedCancels[seq] {
		c.reissuedCancels[seq] = true
		return
	}
	if c.query || c.suspended {
		return
	}
	c.commands = append(c.commands, api.HistoryEvent{Type: api.EventTimerCancelled, Seq: seq})
}

func (c *workflowContext) ExecuteActivity(name string, input any, opts api.ActivityOptions) api.Future {
	if name == "" {
		return readyFuture{err: api.NewNonRetryableError("InvalidActivity", "activity name must not be empty")}
	}
	ev := api.HistoryEvent{
		Type:                api.EventActivityScheduled,
		Name:                name,
		TaskQueue:           opts.TaskQueue,
		Input:               input,
		StartToCloseTimeout: opts.StartToCloseTimeout,
		HeartbeatTimeout:    opts.HeartbeatTimeout,
	}
	if opts.Retry != nil {
		p := *opts.Retry
		ev.Retry = &p
	}
	seq, ok := c.command(ev)
	return &future{ctx: c, seq: seq, ok: ok, desc: "activity " + name}
}

func (c *workflowContext) NewTimer(d time.Duration) api.Future {
	if d <= 0 {
		return readyFuture{}
	}
	seq, ok := c.command(api.HistoryEvent{
		Type:   api.EventTimerStarted,
		Delay:  d,
		FireAt: c.now.Add(d),
	})
	return &future{ctx: c, seq: seq, ok: ok, desc: "timer " + d.String()}
}

func (c *workflowContext) Sleep(d time.Duration) error {
	_, err := c.NewTimer(d).Get()
	return err
}

func (c *workflowContext) StartChild(spec api.ChildSpec) api.ChildFuture {
	if spec.Workflow == "" {
		return &childFuture{future: readyFuture{err: api.NewNonRetryableError("InvalidChild", "child workflow name must not be empty")}, id: spec.ID}
	}
	id := spec.ID
	if id == "" {
		id = fmt.Sprintf("%s/child-%d", c.id, c.seq+1)
	}
	ev := api.HistoryEvent{
		Type:                api.EventChildScheduled,
		Name:                spec.Workflow,
		ChildID:             id,
		Input:               spec.Input,
		TaskQueue:           spec.TaskQueue,
		StartToCloseTimeout: spec.ExecutionTimeout,
	}
	if spec.Retry != nil {
		p := *spec.Retry
		ev.Retry = &p
	}
	seq, ok := c.command(ev)
	if rec, found := c.recorded[seq]; ok && found {
		id = rec.ChildID
	}
	return &childFuture{
		future: &future{ctx: c, seq: seq, ok: ok, desc: "child " + id},
		id:     id,
	}
}

func (c *workflowContext) ReceiveSignal(name string) (any, error) {
	for {
		if q := c.signals[name]; len(q) > 0 {
			c.signals[name] = q[1:]
			return q[0], nil
		}
		if c.cancelRequested {
			return nil, api.NewCancelledError("waiting for signal %s cancelled", name)
		}
		if c.suspended || !c.advance() {
			return nil, c.suspend("signal " + name)
		}
	}
}

func (c *workflowContext) Await(timeout time.Duration, cond func() bool) (bool, error) {
	if cond() {
		return true, nil
	}
	var (
		timerSeq int64
		hasTimer bool
	)
	if timeout > 0 {
		timerSeq, hasTimer = c.command(api.HistoryEvent{
			Type:   api.EventTimerStarted,
			Delay:  timeout,
			FireAt: c.now.Add(timeout),
		})
	}
	for {
		_, fired := c.results[timerSeq]
		fired = hasTimer && fired
		if cond() {
			if hasTimer && !fired {
				c.cancelTimer(timerSeq)
			}
			return true, nil
		}
		if fired {
			return false, nil
		}
		if c.cancelRequested {
			return false, api.NewCancelledError("await cancelled")
		}
		if c.suspended || !c.advance() {
			return false, c.suspend("condition")
		}
	}
}

type future struct {
	ctx  *workflowContext
	seq  int64
	ok   bool
	desc string
}

func (f *future) Get() (any, error) {
	if !f.ok {
		return nil, f.ctx.suspend(f.desc)
	}
	return f.ctx.await(f.seq, f.desc)
}

func (f *future) IsReady() bool {
	if !f.ok {
		return false
	}
	_, ok := f.ctx.results[f.seq]
	return ok
}

type readyFuture struct {
	value any
	err   error
}

func (f readyFuture) Get() (any, error) { return f.value, f.err }
func (f readyFuture) IsReady() bool     { return true }

type childFuture struct {
	future api.Future
	id     string
}

func (f *childFuture) Get() (any, error) { return f.future.Get() }
func (f *childFuture) IsReady() bool     { return f.future.IsReady() }
func (f *childFuture) ChildID() string   { return f.id }
