package labs

import (
	"fmt"
	"log/slog"

	"github.com/petrijr/durex"
	"github.com/petrijr/durex/pkg/api"
)

const (
	ParentWorkflow      = "ParentWorkflow"
	ChildWorkflow       = "ChildWorkflow"
	NestedChildWorkflow = "NestedChildWorkflow"

	FanOutParentWorkflow = "FanOutParentWorkflow"
	FanOutChildWorkflow  = "FanOutChildWorkflow"
)

func intInput(input any) (int, error) {
	v, ok := input.(int)
	if !ok {
		return 0, durex.NewNonRetryableError("InvalidInput", "expected int input, got %T", input)
	}
	return v, nil
}

// parentWorkflow returns (v+1)*2*3 by way of a child and a grandchild.
func (l *labs) parentWorkflow() durex.WorkflowDefinition {
	return durex.WorkflowDefinition{
		Name: ParentWorkflow,
		Run: func(ctx durex.Context, _ any, input any) (any, error) {
			v, err := intInput(input)
			if err != nil {
				return nil, err
			}
			res, err := ctx.StartChild(durex.ChildSpec{
				ID:        fmt.Sprintf("%s/child-%d", ctx.InstanceID(), v),
				Workflow:  ChildWorkflow,
				Input:     v,
				TaskQueue: l.cfg.TaskQueue,
			}).Get()
			if err != nil {
				return nil, err
			}
			return res.(int) * 3, nil
		},
	}
}

func (l *labs) childWorkflow() durex.WorkflowDefinition {
	return durex.WorkflowDefinition{
		Name: ChildWorkflow,
		Run: func(ctx durex.Context, _ any, input any) (any, error) {
			v, err := intInput(input)
			if err != nil {
				return nil, err
			}
			res, err := ctx.StartChild(durex.ChildSpec{
				ID:        fmt.Sprintf("%s/nested-%d", ctx.InstanceID(), v),
				Workflow:  NestedChildWorkflow,
				Input:     v,
				TaskQueue: l.cfg.TaskQueue,
			}).Get()
			if err != nil {
				return nil, err
			}
			return res.(int) * 2, nil
		},
	}
}

func (l *labs) nestedChildWorkflow() durex.WorkflowDefinition {
	return durex.WorkflowDefinition{
		Name: NestedChildWorkflow,
		Run: func(ctx durex.Context, _ any, input any) (any, error) {
			v, err := intInput(input)
			if err != nil {
				return nil, err
			}
			return v + 1, nil
		},
	}
}

// fanOutChildWorkflow doubles odd values and fails on even ones.
func (l *labs) fanOutChildWorkflow() durex.WorkflowDefinition {
	return durex.WorkflowDefinition{
		Name: FanOutChildWorkflow,
		Run: func(ctx durex.Context, _ any, input any) (any, error) {
			v, err := intInput(input)
			if err != nil {
				return nil, err
			}
			if v%2 == 0 {
				return nil, durex.NewApplicationError("ApplicationError", "Simulated failure for value %d", v)
			}
			ctx.Logger().Info("child processed value", slog.Int("value", v), slog.Int("result", v*2))
			return v * 2, nil
		},
	}
}

// fanOutParentWorkflow starts one child per value and reports every
// outcome. Failed children never fail the parent.
func (l *labs) fanOutParentWorkflow() durex.WorkflowDefinition {
	return durex.WorkflowDefinition{
		Name: FanOutParentWorkflow,
		Run: func(ctx durex.Context, _ any, input any) (any, error) {
			values, ok := input.([]int)
			if !ok {
				return nil, durex.NewNonRetryableError("InvalidInput", "expected []int input, got %T", input)
			}
			ctx.Logger().Info("fan-out starting", slog.Any("values", values))

			specs := make([]durex.ChildSpec, len(values))
			for i, v := range values {
				specs[i] = durex.ChildSpec{
					ID:        fmt.Sprintf("%s/child-%d", ctx.InstanceID(), v),
					Workflow:  FanOutChildWorkflow,
					Input:     v,
					TaskQueue: l.cfg.TaskQueue,
				}
			}
			agg, err := api.StartChildren(ctx, specs, api.FanOutOptions{Mode: api.ReportFailures}).WaitAll()
			if err != nil {
				return nil, err
			}
			return Report(agg), nil
		},
	}
}

// Report flattens a fan-in aggregate into the map the fan-out lab returns.
func Report(agg *durex.FanIn) map[string]any {
	succeeded := make([]map[string]any, 0, len(agg.Succeeded))
	for _, r := range agg.Succeeded {
		succeeded = append(succeeded, map[string]any{"value": r.Key, "result": r.Result})
	}
	failed := make([]map[string]any, 0, len(agg.Failed))
	for _, f := range agg.Failed {
		failed = append(failed, map[string]any{"value": f.Key, "error": f.Error, "type": f.Type})
	}
	return map[string]any{
		"total_children":     agg.Total,
		"successful_results": succeeded,
		"failed_children":    failed,
		"success_count":      agg.SuccessCount,
		"failure_count":      agg.FailureCount,
		"success_rate":       agg.SuccessRate,
	}
}
