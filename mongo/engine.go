// Package mongo provides a durex Engine whose history and task queue live
// in MongoDB.
package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/durex"
	"github.com/petrijr/durex/internal/persistence"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/worker"
)

// Options select where durex keeps its documents. Empty fields use the
// defaults "durex", "history_events" and "queue_tasks".
type Options struct {
	Database          string
	HistoryCollection string
	QueueCollection   string
	Observer          durex.Observer
}

// NewMongoEngine returns an Engine that persists history and tasks in
// MongoDB using the default database and collections. Indexes are created
// with ctx.
func NewMongoEngine(ctx context.Context, client *mongo.Client) (durex.Engine, error) {
	return NewMongoEngineWithOptions(ctx, client, Options{})
}

// NewMongoEngineWithObserver is NewMongoEngine with an Observer.
func NewMongoEngineWithObserver(ctx context.Context, client *mongo.Client, obs durex.Observer) (durex.Engine, error) {
	return NewMongoEngineWithOptions(ctx, client, Options{Observer: obs})
}

// NewMongoEngineWithOptions is the general Mongo-backed engine constructor.
func NewMongoEngineWithOptions(ctx context.Context, client *mongo.Client, opts Options) (durex.Engine, error) {
	log, err := persistence.NewMongoEventLog(ctx, client, opts.Database, opts.HistoryCollection)
	if err != nil {
		return nil, err
	}
	q, err := taskqueue.NewMongoQueue(ctx, client, opts.Database, opts.QueueCollection)
	if err != nil {
		return nil, err
	}
	return durex.NewEngine(log, q, opts.Observer), nil
}

// NewMongoQueue returns a standalone Mongo task queue.
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName, collName string) (durex.Queue, error) {
	return taskqueue.NewMongoQueue(ctx, client, dbName, collName)
}

// NewMongoBundle constructs an Engine, its queue and a Worker sharing client.
func NewMongoBundle(ctx context.Context, client *mongo.Client, opts Options, cfg worker.Config) (*durex.WorkerBundle, error) {
	eng, err := NewMongoEngineWithOptions(ctx, client, opts)
	if err != nil {
		return nil, err
	}
	return durex.NewWorkerBundle(eng, cfg), nil
}
