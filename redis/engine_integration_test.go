package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durex"
	"github.com/petrijr/durex/internal/testutil"
	"github.com/petrijr/durex/pkg/worker"
)

func newClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testutil.RedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisBundle_SignalAcrossEngines(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, client.FlushDB(ctx).Err())

	flow := func() *durex.FlowBuilder {
		return durex.New("redis-approval").
			Step("prepare", func(ctx context.Context, input any) (any, error) {
				return input.(int) * 10, nil
			}).
			WaitForSignal("approve", "approved")
	}

	bundle := NewRedisBundle(client, worker.Config{})
	require.NoError(t, flow().Register(bundle.Engine))

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- bundle.Run(runCtx) }()
	defer func() {
		stop()
		<-done
	}()

	_, err := bundle.Engine.Start(ctx, "redis-approval", 4, durex.StartOptions{ID: "redis-1"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		inst, err := bundle.Engine.GetInstance(ctx, "redis-1")
		return err == nil && inst.Status == durex.StatusSuspended
	}, 10*time.Second, 10*time.Millisecond)

	// Any process sharing the keyspace can deliver the signal.
	sender := NewRedisEngine(client)
	require.NoError(t, flow().Register(sender))
	require.NoError(t, sender.Signal(ctx, "redis-1", "approved", "yes"))

	inst, err := bundle.Engine.Wait(ctx, "redis-1")
	require.NoError(t, err)
	require.Equal(t, "yes", inst.Output)

	list, err := sender.ListInstances(ctx, durex.InstanceListOptions{WorkflowName: "redis-approval"})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestRedisEngine_PrefixesIsolate(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a := NewRedisEngineWithPrefix(client, "iso-a:", nil)
	b := NewRedisEngineWithPrefix(client, "iso-b:", nil)
	def := durex.New("noop").Step("s", func(ctx context.Context, input any) (any, error) { return input, nil })
	require.NoError(t, def.Register(a))

	_, err := a.Start(ctx, "noop", nil, durex.StartOptions{ID: "iso"})
	require.NoError(t, err)

	_, err = b.GetInstance(ctx, "iso")
	require.ErrorIs(t, err, durex.ErrInstanceNotFound)

	require.Equal(t, 1, NewRedisQueue(client, "iso-a:").Len())
	require.Zero(t, NewRedisQueue(client, "iso-b:").Len())
}
