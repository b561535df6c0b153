package durex_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/petrijr/durex"
)

// Example_flowBuilder demonstrates defining and running a simple workflow
// using the high-level FlowBuilder API and a LocalRunner.
func Example_flowBuilder() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner := durex.NewLocalRunner()
	flow := durex.New("Greeting").
		Step("sayHello", sayHello).
		Step("decorateMessage", decorateMessage)

	if err := flow.Register(runner.Engine); err != nil {
		log.Fatal(err)
	}
	if err := runner.StartWorkers(ctx, 1); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	inst, err := durex.Execute(ctx, runner.Engine, flow.Name(), "Gopher")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("status %s, output %v\n", inst.Status, inst.Output)
	// Output: status COMPLETED, output *** hello, Gopher ***
}

// Example_signal demonstrates parking a workflow on a signal and resuming
// it from outside.
func Example_signal() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	runner := durex.NewLocalRunner()
	durex.New("Approval").
		WaitForAnySignal("decision", "approve", "reject").
		MustRegister(runner.Engine)
	if err := runner.StartWorkers(ctx, 1); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	if _, err := durex.Start(ctx, runner.Engine, "Approval", nil, durex.StartOptions{ID: "order-7"}); err != nil {
		log.Fatal(err)
	}
	if err := durex.Signal(ctx, runner.Engine, "order-7", "approve", "alice"); err != nil {
		log.Fatal(err)
	}

	inst, err := runner.Engine.Wait(ctx, "order-7")
	if err != nil {
		log.Fatal(err)
	}
	decision := inst.Output.(durex.SignalPayload)
	fmt.Println(decision.Name, decision.Data)
	// Output: approve alice
}

func sayHello(ctx context.Context, input any) (any, error) {
	name, ok := input.(string)
	if !ok {
		return nil, fmt.Errorf("sayHello: expected string input, got %T", input)
	}
	return fmt.Sprintf("hello, %s", name), nil
}

func decorateMessage(ctx context.Context, input any) (any, error) {
	msg, ok := input.(string)
	if !ok {
		return nil, fmt.Errorf("decorateMessage: expected string input, got %T", input)
	}
	return fmt.Sprintf("*** %s ***", msg), nil
}
