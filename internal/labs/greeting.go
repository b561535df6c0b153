package labs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petrijr/durex"
	"github.com/petrijr/durex/pkg/api"
)

const (
	HelloWorkflow           = "HelloWorkflow"
	ComposeGreetingWorkflow = "ComposeGreetingWorkflow"
	RetryAndTimeoutWorkflow = "RetryAndTimeoutWorkflow"

	SayHelloActivity           = "say_hello"
	ComposeGreetingActivity    = "compose_greeting"
	UnreliableGreetingActivity = "unreliable_greeting"
	SlowProcessingActivity     = "slow_processing"
)

// Scenarios of RetryAndTimeoutWorkflow. Any other value runs the
// comprehensive demo.
const (
	ScenarioRetry     = "retry_demo"
	ScenarioTimeout   = "timeout_demo"
	ScenarioHeartbeat = "heartbeat_demo"
)

type ComposeGreetingInput struct {
	Greeting string
	Name     string
}

type RetryDemoInput struct {
	Name     string
	Scenario string
}

type UnreliableInput struct {
	Name        string
	FailureRate float64
}

type SlowInput struct {
	Data  string
	Steps int
}

func init() {
	durex.RegisterType(ComposeGreetingInput{}, RetryDemoInput{}, UnreliableInput{}, SlowInput{})
}

func sayHello(ctx context.Context, input any) (any, error) {
	name, _ := input.(string)
	return fmt.Sprintf("Hello, %s!", name), nil
}

func (l *labs) helloWorkflow() durex.WorkflowDefinition {
	return durex.WorkflowDefinition{
		Name: HelloWorkflow,
		Run: func(ctx durex.Context, _ any, input any) (any, error) {
			return ctx.ExecuteActivity(SayHelloActivity, input, durex.ActivityOptions{
				StartToCloseTimeout: l.d(5),
				Retry:               &durex.RetryPolicy{MaximumAttempts: 2},
			}).Get()
		},
	}
}

// composeGreeting fails its first three attempts.
func composeGreeting(ctx context.Context, input any) (any, error) {
	in, ok := input.(ComposeGreetingInput)
	if !ok {
		return nil, durex.NewNonRetryableError("InvalidInput", "expected ComposeGreetingInput, got %T", input)
	}
	info, _ := durex.ActivityInfoFrom(ctx)
	if info.Attempt < 4 {
		return nil, durex.NewApplicationError("IntentionalFailure", "intentional failure on attempt %d", info.Attempt)
	}
	return fmt.Sprintf("%s, %s!", in.Greeting, in.Name), nil
}

func (l *labs) composeGreetingWorkflow() durex.WorkflowDefinition {
	return durex.WorkflowDefinition{
		Name: ComposeGreetingWorkflow,
		Run: func(ctx durex.Context, _ any, input any) (any, error) {
			return ctx.ExecuteActivity(ComposeGreetingActivity, input, durex.ActivityOptions{
				StartToCloseTimeout: l.d(10),
				Retry: &durex.RetryPolicy{
					InitialInterval:    l.d(1),
					BackoffCoefficient: 2,
					MaximumInterval:    l.d(10),
					MaximumAttempts:    5,
				},
			}).Get()
		},
	}
}

var simulatedFailures = []string{
	"NetworkTimeoutError: Connection timed out",
	"ServiceUnavailableError: External service temporarily unavailable",
	"RateLimitError: Rate limit exceeded, please retry later",
	"DatabaseConnectionError: Temporary database connection issue",
}

// unreliableGreeting fails with probability FailureRate after a short
// simulated network delay.
func (l *labs) unreliableGreeting(ctx context.Context, input any) (any, error) {
	in, ok := input.(UnreliableInput)
	if !ok {
		return nil, durex.NewNonRetryableError("InvalidInput", "expected UnreliableInput, got %T", input)
	}
	info, _ := durex.ActivityInfoFrom(ctx)
	log := l.cfg.Logger.With(slog.String("name", in.Name), slog.Int("attempt", info.Attempt))

	if err := sleep(ctx, l.d(0.5+1.5*l.cfg.Roll())); err != nil {
		return nil, err
	}
	if l.cfg.Roll() < in.FailureRate {
		msg := simulatedFailures[(info.Attempt-1)%len(simulatedFailures)]
		errType, _, _ := strings.Cut(msg, ":")
		log.Warn("unreliable greeting failed", slog.String("error", msg))
		return nil, durex.NewApplicationError(errType, "Simulated failure: %s", msg)
	}
	log.Info("unreliable greeting succeeded")
	return fmt.Sprintf("Hello, %s! (Successful on attempt #%d)", in.Name, info.Attempt), nil
}

// slowProcessing works for Steps units and heartbeats after each one.
func (l *labs) slowProcessing(ctx context.Context, input any) (any, error) {
	in, ok := input.(SlowInput)
	if !ok {
		return nil, durex.NewNonRetryableError("InvalidInput", "expected SlowInput, got %T", input)
	}
	for i := range in.Steps {
		if err := sleep(ctx, l.cfg.Unit); err != nil {
			return nil, err
		}
		durex.RecordHeartbeat(ctx, fmt.Sprintf("Processing step %d/%d", i+1, in.Steps))
	}
	return fmt.Sprintf("Processed: %s (completed after %d steps)", in.Data, in.Steps), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

func (l *labs) retryAndTimeoutWorkflow() durex.WorkflowDefinition {
	return durex.WorkflowDefinition{
		Name: RetryAndTimeoutWorkflow,
		Run: func(ctx durex.Context, _ any, input any) (any, error) {
			in, ok := input.(RetryDemoInput)
			if !ok {
				return nil, durex.NewNonRetryableError("InvalidInput", "expected RetryDemoInput, got %T", input)
			}
			switch in.Scenario {
			case ScenarioRetry:
				return l.retryDemo(ctx, in.Name)
			case ScenarioTimeout:
				return l.timeoutDemo(ctx, in.Name)
			case ScenarioHeartbeat:
				return l.heartbeatDemo(ctx, in.Name)
			default:
				return l.comprehensiveDemo(ctx, in.Name)
			}
		},
	}
}

// outcome turns an activity result into a report line. Suspension is
// passed through so the workflow parks.
func outcome(res any, err error, success, failure string) (string, error) {
	if err != nil {
		if _, ok := api.IsSuspended(err); ok {
			return "", err
		}
		return fmt.Sprintf("%s: %v", failure, err), nil
	}
	return fmt.Sprintf("%s: %v", success, res), nil
}

func (l *labs) retryDemo(ctx durex.Context, name string) (any, error) {
	res, err := ctx.ExecuteActivity(UnreliableGreetingActivity, UnreliableInput{Name: name, FailureRate: 0.7}, durex.ActivityOptions{
		StartToCloseTimeout: l.d(30),
		Retry: &durex.RetryPolicy{
			InitialInterval:    l.d(1),
			BackoffCoefficient: 2,
			MaximumInterval:    l.d(10),
			MaximumAttempts:    5,
			NonRetryableErrors: []string{"PermanentError"},
		},
	}).Get()
	return outcome(res, err, "Retry Demo Success", "Retry Demo Failed after all attempts")
}

func (l *labs) timeoutDemo(ctx durex.Context, name string) (any, error) {
	res, err := ctx.ExecuteActivity(SlowProcessingActivity, SlowInput{Data: "data_for_" + name, Steps: 15}, durex.ActivityOptions{
		StartToCloseTimeout: l.d(8),
		Retry: &durex.RetryPolicy{
			InitialInterval: l.d(2),
			MaximumAttempts: 3,
		},
	}).Get()
	return outcome(res, err, "Timeout Demo Success", "Timeout Demo Failed")
}

func (l *labs) heartbeatDemo(ctx durex.Context, name string) (any, error) {
	res, err := ctx.ExecuteActivity(SlowProcessingActivity, SlowInput{Data: "heartbeat_data_" + name, Steps: 8}, durex.ActivityOptions{
		StartToCloseTimeout: l.d(20),
		HeartbeatTimeout:    l.d(3),
		Retry: &durex.RetryPolicy{
			InitialInterval: l.d(1),
			MaximumAttempts: 2,
		},
	}).Get()
	return outcome(res, err, "Heartbeat Demo Success", "Heartbeat Demo Failed")
}

func (l *labs) comprehensiveDemo(ctx durex.Context, name string) (any, error) {
	quick := ctx.ExecuteActivity(UnreliableGreetingActivity, UnreliableInput{Name: name + "_quick", FailureRate: 0.9}, durex.ActivityOptions{
		StartToCloseTimeout: l.d(10),
		Retry:               &durex.RetryPolicy{InitialInterval: l.d(1), MaximumAttempts: 3},
	})
	res, err := quick.Get()
	first, err := outcome(res, err, "Quick Retry", "Quick Retry Failed")
	if err != nil {
		return nil, err
	}

	conservative := ctx.ExecuteActivity(SlowProcessingActivity, SlowInput{Data: "conservative_" + name, Steps: 5}, durex.ActivityOptions{
		StartToCloseTimeout: l.d(15),
		Retry:               &durex.RetryPolicy{InitialInterval: l.d(2), BackoffCoefficient: 1.5, MaximumAttempts: 2},
	})
	res, err = conservative.Get()
	second, err := outcome(res, err, "Conservative", "Conservative Failed")
	if err != nil {
		return nil, err
	}
	return strings.Join([]string{first, second}, " | "), nil
}
