package durex

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/durex/pkg/api"
)

type tally struct {
	Total int
	Done  bool
}

func tallyWorkflow() WorkflowDefinition {
	return api.NewWorkflow("tally", func(ctx Context, s *tally, input any) (any, error) {
		if _, err := ctx.Await(0, func() bool { return s.Done }); err != nil {
			return nil, err
		}
		return s.Total, nil
	}).
		OnSignal("add", func(s *tally, payload any) error {
			s.Total += payload.(int)
			return nil
		}).
		OnSignal("done", func(s *tally, _ any) error {
			s.Done = true
			return nil
		}).
		OnQuery("total", func(s *tally, _ any) (any, error) {
			return s.Total, nil
		}).
		Definition()
}

func TestEngine_SignalQueryAndMetrics(t *testing.T) {
	metrics := &BasicMetrics{}
	eng := NewInMemoryEngineWithObserver(metrics)
	require.NoError(t, eng.RegisterWorkflow(tallyWorkflow()))

	runner := NewLocalRunnerWithEngine(eng)
	ctx := context.Background()
	require.NoError(t, runner.StartWorkers(ctx, 1))
	defer runner.Stop()

	_, err := Start(ctx, eng, "tally", nil, StartOptions{ID: "tally-1"})
	require.NoError(t, err)
	waitStatus(t, eng, "tally-1", StatusSuspended)

	require.NoError(t, Signal(ctx, eng, "tally-1", "add", 2))
	require.NoError(t, Signal(ctx, eng, "tally-1", "add", 3))

	require.Eventually(t, func() bool {
		v, err := Query(ctx, eng, "tally-1", "total", nil)
		return err == nil && v == 5
	}, 5*time.Second, 5*time.Millisecond)

	_, err = Query(ctx, eng, "tally-1", "missing", nil)
	require.ErrorIs(t, err, ErrQueryNotFound)

	require.NoError(t, Signal(ctx, eng, "tally-1", "done", nil))
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	inst, err := eng.Wait(waitCtx, "tally-1")
	require.NoError(t, err)
	require.Equal(t, 5, inst.Output)

	require.ErrorIs(t, Signal(ctx, eng, "tally-1", "add", 1), ErrInstanceTerminal)

	snap := metrics.Snapshot()
	require.EqualValues(t, 1, snap.WorkflowsStarted)
	require.EqualValues(t, 1, snap.WorkflowsCompleted)
	require.EqualValues(t, 0, snap.PendingWorkflows)
	require.EqualValues(t, 3, snap.SignalsReceived)
}

func TestEngine_CancelSuspendedInstance(t *testing.T) {
	runner := NewLocalRunner()
	require.NoError(t, runner.Engine.RegisterWorkflow(tallyWorkflow()))
	ctx := context.Background()
	require.NoError(t, runner.StartWorkers(ctx, 1))
	defer runner.Stop()

	_, err := Start(ctx, runner.Engine, "tally", nil, StartOptions{ID: "tally-cancel"})
	require.NoError(t, err)
	waitStatus(t, runner.Engine, "tally-cancel", StatusSuspended)

	require.NoError(t, Cancel(ctx, runner.Engine, "tally-cancel"))
	waitStatus(t, runner.Engine, "tally-cancel", StatusCancelled)

	inst, err := GetInstance(ctx, runner.Engine, "tally-cancel")
	require.NoError(t, err)
	require.True(t, IsCategory(inst.Err(), CategoryCancelled))

	cancelled, err := ListInstances(ctx, runner.Engine, InstanceListOptions{Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
}

func TestEngine_UnknownWorkflow(t *testing.T) {
	eng := NewInMemoryEngine()
	_, err := Start(context.Background(), eng, "nope", nil, StartOptions{})
	require.ErrorIs(t, err, ErrWorkflowNotFound)

	n, err := RecoverInFlight(context.Background(), eng)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, []string{DefaultTaskQueue}, eng.TaskQueues())
}
