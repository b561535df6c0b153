// Package labs holds the tutorial workflows run by cmd/durexlab: a greeting,
// retry and timeout demos, a long-running counter, parent/child chains, a
// fan-out with partial failures and a signal-driven batch.
package labs

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/petrijr/durex"
)

// Config tunes the labs for the environment they run in.
type Config struct {
	// Unit scales every lab duration. One second reproduces the tutorial
	// timings; tests use milliseconds.
	Unit time.Duration

	// Roll returns a number in [0, 1) that simulated failures compare
	// against their failure rate. Defaults to math/rand/v2.Float64.
	Roll func() float64

	// TaskQueue routes every lab workflow and activity. Empty means the
	// engine default.
	TaskQueue string

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Unit <= 0 {
		c.Unit = time.Second
	}
	if c.Roll == nil {
		c.Roll = rand.Float64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type labs struct {
	cfg Config
}

func (l *labs) d(units float64) time.Duration {
	return time.Duration(units * float64(l.cfg.Unit))
}

// Register adds every lab workflow and activity to r.
func Register(r durex.Registrar, cfg Config) error {
	l := &labs{cfg: cfg.withDefaults()}

	activities := []durex.ActivityDefinition{
		{Name: SayHelloActivity, Fn: sayHello},
		{Name: ComposeGreetingActivity, Fn: composeGreeting},
		{Name: UnreliableGreetingActivity, Fn: l.unreliableGreeting},
		{Name: SlowProcessingActivity, Fn: l.slowProcessing},
	}
	for _, a := range activities {
		a.TaskQueue = l.cfg.TaskQueue
		if err := r.RegisterActivity(a); err != nil {
			return fmt.Errorf("register activity %s: %w", a.Name, err)
		}
	}

	workflows := []durex.WorkflowDefinition{
		l.helloWorkflow(),
		l.composeGreetingWorkflow(),
		l.retryAndTimeoutWorkflow(),
		l.counterWorkflow(),
		l.parentWorkflow(),
		l.childWorkflow(),
		l.nestedChildWorkflow(),
		l.fanOutParentWorkflow(),
		l.fanOutChildWorkflow(),
		l.cronWorkflow(),
	}
	for _, w := range workflows {
		w.TaskQueue = l.cfg.TaskQueue
		if err := r.RegisterWorkflow(w); err != nil {
			return fmt.Errorf("register workflow %s: %w", w.Name, err)
		}
	}
	return nil
}

// Lab describes one runnable lab for cmd/durexlab.
type Lab struct {
	Name        string
	Workflow    string
	Description string
	// Input builds the workflow input from command-line arguments.
	Input func(args []string) (any, error)
	// Signals lists the signals the lab reacts to, if any.
	Signals []string
}

// Catalog lists the labs in tutorial order.
func Catalog() []Lab {
	return []Lab{
		{
			Name: "hello", Workflow: HelloWorkflow,
			Description: "greets a name through one activity",
			Input:       firstArg("World"),
		},
		{
			Name: "compose", Workflow: ComposeGreetingWorkflow,
			Description: "activity fails three times before it succeeds",
			Input: func(args []string) (any, error) {
				name, _ := firstArg("World")(args)
				return ComposeGreetingInput{Greeting: "Hello", Name: name.(string)}, nil
			},
		},
		{
			Name: "retry", Workflow: RetryAndTimeoutWorkflow,
			Description: "retry, timeout and heartbeat scenarios: [name] [retry_demo|timeout_demo|heartbeat_demo|comprehensive]",
			Input: func(args []string) (any, error) {
				in := RetryDemoInput{Name: "World", Scenario: ScenarioRetry}
				if len(args) > 0 {
					in.Name = args[0]
				}
				if len(args) > 1 {
					in.Scenario = args[1]
				}
				return in, nil
			},
		},
		{
			Name: "counter", Workflow: CounterWorkflow,
			Description: "long-running counter; signal increment, query get_count",
			Input:       func([]string) (any, error) { return nil, nil },
			Signals:     []string{IncrementSignal},
		},
		{
			Name: "parent", Workflow: ParentWorkflow,
			Description: "parent -> child -> nested child computing (v+1)*2*3",
			Input:       intArg(5),
		},
		{
			Name: "fanout", Workflow: FanOutParentWorkflow,
			Description: "one child per value; even values fail",
			Input: func(args []string) (any, error) {
				if len(args) == 0 {
					return []int{1, 2, 3, 4, 5}, nil
				}
				values := make([]int, len(args))
				for i, a := range args {
					if _, err := fmt.Sscan(a, &values[i]); err != nil {
						return nil, fmt.Errorf("value %q: %w", a, err)
					}
				}
				return values, nil
			},
		},
		{
			Name: "cron", Workflow: CronWorkflow,
			Description: "collects add_message signals until stop_processing, 5 messages or a timeout",
			Input:       firstArg("daily-report"),
			Signals:     []string{AddMessageSignal, StopProcessingSignal},
		},
	}
}

// Find returns the catalog entry named name.
func Find(name string) (Lab, bool) {
	for _, l := range Catalog() {
		if l.Name == name {
			return l, true
		}
	}
	return Lab{}, false
}

func firstArg(def string) func([]string) (any, error) {
	return func(args []string) (any, error) {
		if len(args) > 0 {
			return args[0], nil
		}
		return def, nil
	}
}

func intArg(def int) func([]string) (any, error) {
	return func(args []string) (any, error) {
		if len(args) == 0 {
			return def, nil
		}
		var v int
		if _, err := fmt.Sscan(args[0], &v); err != nil {
			return nil, fmt.Errorf("value %q: %w", args[0], err)
		}
		return v, nil
	}
}
