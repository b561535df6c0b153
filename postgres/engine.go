// Package postgres provides a durex Engine whose history and task queue
// live in PostgreSQL. Open the *sql.DB with the pgx stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//
//	db, err := sql.Open("pgx", dsn)
package postgres

import (
	"database/sql"

	"github.com/petrijr/durex"
	"github.com/petrijr/durex/internal/persistence"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/worker"
)

// NewPostgresEngine returns an Engine that persists history and tasks in
// PostgreSQL. Tables are created on first use.
func NewPostgresEngine(db *sql.DB) (durex.Engine, error) {
	return NewPostgresEngineWithObserver(db, nil)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs durex.Observer) (durex.Engine, error) {
	log, err := persistence.NewPostgresEventLog(db)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	return durex.NewEngine(log, q, obs), nil
}

// NewPostgresQueue returns a standalone Postgres task queue.
func NewPostgresQueue(db *sql.DB) (durex.Queue, error) {
	return taskqueue.NewPostgresQueue(db)
}

// NewPostgresBundle constructs an Engine, its queue and a Worker sharing db.
func NewPostgresBundle(db *sql.DB, cfg worker.Config) (*durex.WorkerBundle, error) {
	eng, err := NewPostgresEngine(db)
	if err != nil {
		return nil, err
	}
	return durex.NewWorkerBundle(eng, cfg), nil
}
