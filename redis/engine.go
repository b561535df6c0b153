// Package redis provides a durex Engine whose history and task queue live
// in Redis.
package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/petrijr/durex"
	"github.com/petrijr/durex/internal/persistence"
	"github.com/petrijr/durex/internal/taskqueue"
	"github.com/petrijr/durex/pkg/worker"
)

// DefaultPrefix namespaces every key durex writes.
const DefaultPrefix = "durex:"

// NewRedisEngine returns an Engine that persists history and tasks in Redis.
func NewRedisEngine(client *redis.Client) durex.Engine {
	return NewRedisEngineWithObserver(client, nil)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, obs durex.Observer) durex.Engine {
	return NewRedisEngineWithPrefix(client, DefaultPrefix, obs)
}

// NewRedisEngineWithPrefix keeps all keys under prefix, so several
// independent engines can share one Redis database.
func NewRedisEngineWithPrefix(client *redis.Client, prefix string, obs durex.Observer) durex.Engine {
	return durex.NewEngine(
		persistence.NewRedisEventLog(client, prefix),
		taskqueue.NewRedisQueue(client, prefix),
		obs,
	)
}

// NewRedisQueue returns a standalone Redis task queue.
func NewRedisQueue(client *redis.Client, prefix string) durex.Queue {
	return taskqueue.NewRedisQueue(client, prefix)
}

// NewRedisBundle constructs an Engine, its queue and a Worker sharing client.
func NewRedisBundle(client *redis.Client, cfg worker.Config) *durex.WorkerBundle {
	return durex.NewWorkerBundle(NewRedisEngine(client), cfg)
}
