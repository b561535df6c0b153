package durex

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	workerpkg "github.com/petrijr/durex/pkg/worker"
)

// WorkerBundle wires together an Engine, the durable task queue it
// dispatches to, and a Worker that consumes tasks from that queue.
//
// The backend packages (redis, postgres, mongo) provide constructors for
// their stores; NewSQLiteBundle lives here because SQLite needs no
// external service.
type WorkerBundle struct {
	Engine Engine
	Queue  Queue
	Worker *workerpkg.Worker
}

// NewWorkerBundle pairs eng with a Worker consuming eng.Queue().
func NewWorkerBundle(eng Engine, cfg workerpkg.Config) *WorkerBundle {
	return &WorkerBundle{
		Engine: eng,
		Queue:  eng.Queue(),
		Worker: workerpkg.New(eng, eng.Queue(), cfg),
	}
}

// Run re-dispatches in-flight work recorded before the last shutdown and
// then processes tasks until ctx is cancelled. Register workflows and
// activities first: definitions live in memory only.
func (b *WorkerBundle) Run(ctx context.Context) error {
	n, err := b.Engine.RecoverInFlight(ctx)
	if err != nil {
		return fmt.Errorf("recover in-flight work: %w", err)
	}
	if n > 0 {
		slog.Default().Info("re-dispatched in-flight work", slog.Int("tasks", n))
	}
	return b.Worker.Run(ctx)
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database. History events and queued tasks are persisted
// in the provided *sql.DB.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:durex.db?_pragma=journal_mode(WAL)")
//	bundle, err := durex.NewSQLiteBundle(db, worker.Config{MaxAttempts: 3})
//	// register workflows on bundle.Engine
//	// then: bundle.Run(ctx)
func NewSQLiteBundle(db *sql.DB, cfg workerpkg.Config) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}
	return NewWorkerBundle(eng, cfg), nil
}
