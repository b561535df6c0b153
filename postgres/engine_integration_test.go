package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/durex"
	"github.com/petrijr/durex/internal/testutil"
	"github.com/petrijr/durex/pkg/worker"
)

func TestPostgresBundle_RetriesAndCompletes(t *testing.T) {
	db, err := sql.Open("pgx", testutil.PostgresDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	bundle, err := NewPostgresBundle(db, worker.Config{Concurrency: 2})
	require.NoError(t, err)

	flow := durex.New("pg-flaky").
		StepWithRetryBuilder("charge", func(ctx context.Context, input any) (any, error) {
			info, _ := durex.ActivityInfoFrom(ctx)
			if info.Attempt < 2 {
				return nil, errors.New("gateway busy")
			}
			return "charged", nil
		}, durex.Retry(3).WithConstantBackoff(10*time.Millisecond))
	require.NoError(t, flow.Register(bundle.Engine))

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- bundle.Run(runCtx) }()
	defer func() {
		stop()
		<-done
	}()

	inst, err := bundle.Engine.Execute(ctx, "pg-flaky", nil, durex.StartOptions{ID: "pg-1"})
	require.NoError(t, err)
	require.Equal(t, "charged", inst.Output)

	events, err := bundle.Engine.History(ctx, "pg-1")
	require.NoError(t, err)
	var failed int
	for _, ev := range events {
		if ev.Type == "activity.attempt_failed" {
			failed++
		}
	}
	require.Equal(t, 1, failed)

	// Tables already exist; constructing again must succeed.
	_, err = NewPostgresEngine(db)
	require.NoError(t, err)
}
