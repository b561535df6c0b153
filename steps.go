package durex

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// The helpers below compose StepFuncs inside a single activity. The
// composed step is one invocation: it is retried as a whole and records no
// history of its own. Use the FlowBuilder methods of the same name when
// each part should be durable on its own.

// SleepStep returns a step that sleeps for the given duration
// and passes the input through.
func SleepStep(d time.Duration) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return input, nil
		}
	}
}

// ParallelStep runs all provided step funcs concurrently with the same
// input and returns a []any of their outputs. The first error cancels the
// others.
func ParallelStep(steps ...StepFunc) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		out := make([]any, len(steps))
		g, ctx := errgroup.WithContext(ctx)
		for i, step := range steps {
			g.Go(func() error {
				v, err := step(ctx, input)
				if err != nil {
					return err
				}
				out[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// ParallelMapStep runs mapper over every element of a []any input
// concurrently, with at most limit calls in flight (limit <= 0 means no
// limit).
func ParallelMapStep(mapper StepFunc, limit int) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		items, ok := input.([]any)
		if !ok {
			return nil, NewNonRetryableError("InvalidInput", "expected []any input, got %T", input)
		}
		out := make([]any, len(items))
		g, ctx := errgroup.WithContext(ctx)
		if limit > 0 {
			g.SetLimit(limit)
		}
		for i, item := range items {
			g.Go(func() error {
				v, err := mapper(ctx, item)
				if err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
				out[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	}
}

// IfStep creates a conditional step composed of then/else branches. A nil
// elseStep passes the input through.
func IfStep(cond ConditionFunc, thenStep, elseStep StepFunc) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		if cond(input) {
			return thenStep(ctx, input)
		}
		if elseStep == nil {
			return input, nil
		}
		return elseStep(ctx, input)
	}
}

// SwitchStep dispatches to a branch based on a selector.
func SwitchStep(selector SelectorFunc, branches map[string]StepFunc, defaultStep StepFunc) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		if step, ok := branches[selector(input)]; ok {
			return step(ctx, input)
		}
		if defaultStep == nil {
			return input, nil
		}
		return defaultStep(ctx, input)
	}
}

// WhileStep returns a step that repeatedly executes body while cond(input)
// is true.
func WhileStep(cond ConditionFunc, body StepFunc) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		cur := input
		for cond(cur) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			next, err := body(ctx, cur)
			if err != nil {
				return nil, err
			}
			cur = next
		}
		return cur, nil
	}
}

// LoopStep returns a step that executes body a fixed number of times.
func LoopStep(times int, body StepFunc) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		cur := input
		for range times {
			next, err := body(ctx, cur)
			if err != nil {
				return nil, err
			}
			cur = next
		}
		return cur, nil
	}
}

// TypedStep wraps a strongly-typed function into a StepFunc.
// Example:
//
//	durex.TypedStep(func(ctx context.Context, s MyState) (MyState, error) { ... })
//
// I and O must be registered with RegisterType unless they are builtin.
func TypedStep[I, O any](fn func(context.Context, I) (O, error)) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		in, err := as[I](input)
		if err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

// TypedWhile returns a step that repeatedly executes a strongly-typed body
// while cond(input) is true.
func TypedWhile[I any](cond func(I) bool, body func(context.Context, I) (I, error)) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		cur, err := as[I](input)
		if err != nil {
			return nil, err
		}
		for cond(cur) {
			if cur, err = body(ctx, cur); err != nil {
				return nil, err
			}
		}
		return cur, nil
	}
}

// TypedLoop returns a step that executes a strongly-typed body a fixed number
// of times.
func TypedLoop[I any](times int, body func(context.Context, I) (I, error)) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		cur, err := as[I](input)
		if err != nil {
			return nil, err
		}
		for range times {
			if cur, err = body(ctx, cur); err != nil {
				return nil, err
			}
		}
		return cur, nil
	}
}

// as converts a step input to I. A nil input yields the zero value.
func as[I any](input any) (I, error) {
	var zero I
	if input == nil {
		return zero, nil
	}
	v, ok := input.(I)
	if !ok {
		return zero, NewNonRetryableError("InvalidInput", "expected %T input, got %T", zero, input)
	}
	return v, nil
}
