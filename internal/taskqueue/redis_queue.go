package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis sorted sets.
//
// Keys:
//
//	<prefix>q:<queue>:ready     => ZSET task IDs scored by NotBefore (unix ms)
//	<prefix>q:<queue>:inflight  => ZSET task IDs scored by lease expiry (unix ms)
//	<prefix>task:<id>           => HASH payload, queue, owner, attempts
//	<prefix>tasks               => SET of all task IDs (for Len)
//
// Lease transitions run as Lua scripts so they are atomic.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue. prefix defaults to "durex:".
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "durex:"
	}
	return &RedisQueue{client: client, prefix: prefix, pollInterval: 25 * time.Millisecond}
}

var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) keyReady(queue string) string    { return q.prefix + "q:" + queue + ":ready" }
func (q *RedisQueue) keyInflight(queue string) string { return q.prefix + "q:" + queue + ":inflight" }
func (q *RedisQueue) keyTask(id string) string        { return q.prefix + "task:" + id }
func (q *RedisQueue) keyAll() string                  { return q.prefix + "tasks" }

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keyTask(t.ID), map[string]any{
			"payload":  data,
			"queue":    t.Queue,
			"owner":    "",
			"attempts": t.Attempts,
		})
		pipe.ZAdd(ctx, q.keyReady(t.Queue), redis.Z{Score: float64(t.NotBefore.UnixMilli()), Member: t.ID})
		pipe.SAdd(ctx, q.keyAll(), t.ID)
		return nil
	})
	return err
}

// KEYS[1]=ready KEYS[2]=inflight; ARGV: now, lease expiry, owner, task key prefix.
var dequeueScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', '(' .. ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
	redis.call('HSET', ARGV[4] .. id, 'owner', '')
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', ARGV[4] .. id, 'owner', ARGV[3])
local fields = redis.call('HMGET', ARGV[4] .. id, 'payload', 'attempts')
return {id, fields[1], fields[2]}
`)

func (q *RedisQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	for {
		now := time.Now()
		res, err := dequeueScript.Run(ctx, q.client,
			[]string{q.keyReady(queue), q.keyInflight(queue)},
			now.UnixMilli(), now.Add(leaseTTL).UnixMilli(), owner, q.prefix+"task:",
		).Slice()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if err == nil && len(res) == 3 {
			payload, _ := res[1].(string)
			t, err := DecodeTask([]byte(payload))
			if err != nil {
				return nil, err
			}
			if s, ok := res[2].(string); ok {
				t.Attempts, _ = strconv.Atoi(s)
			}
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// KEYS[1]=task; ARGV[1]=owner. Returns the task's queue or false.
var ownerScript = `
local owner = redis.call('HGET', KEYS[1], 'owner')
if owner ~= ARGV[1] then
	return false
end
`

var ackScript = redis.NewScript(ownerScript + `
local queue = redis.call('HGET', KEYS[1], 'queue')
redis.call('ZREM', ARGV[2] .. 'q:' .. queue .. ':inflight', ARGV[3])
redis.call('SREM', ARGV[2] .. 'tasks', ARGV[3])
redis.call('DEL', KEYS[1])
return 1
`)

var nackScript = redis.NewScript(ownerScript + `
local queue = redis.call('HGET', KEYS[1], 'queue')
redis.call('ZREM', ARGV[2] .. 'q:' .. queue .. ':inflight', ARGV[3])
redis.call('ZADD', ARGV[2] .. 'q:' .. queue .. ':ready', ARGV[4], ARGV[3])
redis.call('HSET', KEYS[1], 'owner', '')
redis.call('HINCRBY', KEYS[1], 'attempts', 1)
return 1
`)

var renewScript = redis.NewScript(ownerScript + `
local queue = redis.call('HGET', KEYS[1], 'queue')
redis.call('ZADD', ARGV[2] .. 'q:' .. queue .. ':inflight', 'XX', ARGV[4], ARGV[3])
return 1
`)

func (q *RedisQueue) runLease(ctx context.Context, s *redis.Script, taskID, owner string, extra int64) error {
	err := s.Run(ctx, q.client, []string{q.keyTask(taskID)}, owner, q.prefix, taskID, extra).Err()
	if errors.Is(err, redis.Nil) {
		return ErrLeaseLost
	}
	return err
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	return q.runLease(ctx, ackScript, taskID, owner, 0)
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time) error {
	return q.runLease(ctx, nackScript, taskID, owner, notBefore.UnixMilli())
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return q.runLease(ctx, renewScript, taskID, owner, time.Now().Add(leaseTTL).UnixMilli())
}

// Len returns the number of tasks queued or leased (SCARD).
func (q *RedisQueue) Len() int {
	n, err := q.client.SCard(context.Background(), q.keyAll()).Result()
	if err != nil {
		slog.Default().Warn("redis queue: len failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
