package persistence

import (
	"context"
	"errors"
	"slices"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/durex/pkg/api"
)

// RedisEventLog is an EventLog backed by Redis.
// It uses a simple key structure:
//
//	<prefix>hist:<id>   => LIST of gob-encoded events, index = version-1
//	<prefix>instances   => SET of all instance IDs
//
// Append runs under WATCH on the history list, so a concurrent append
// aborts the transaction and surfaces as ErrVersionConflict.
type RedisEventLog struct {
	client *redis.Client
	prefix string
}

var _ EventLog = (*RedisEventLog)(nil)

// NewRedisEventLog creates a RedisEventLog. prefix defaults to "durex:".
func NewRedisEventLog(client *redis.Client, prefix string) *RedisEventLog {
	if prefix == "" {
		prefix = "durex:"
	}
	return &RedisEventLog{client: client, prefix: prefix}
}

func (l *RedisEventLog) keyHistory(id string) string {
	return l.prefix + "hist:" + id
}

func (l *RedisEventLog) keyInstances() string {
	return l.prefix + "instances"
}

func (l *RedisEventLog) Append(ctx context.Context, instanceID string, expectedVersion int64, events []api.HistoryEvent) error {
	stamped := stamp(instanceID, expectedVersion, events)
	payloads := make([]any, len(stamped))
	for i, ev := range stamped {
		data, err := EncodeEvent(ev)
		if err != nil {
			return err
		}
		payloads[i] = data
	}

	key := l.keyHistory(instanceID)
	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.LLen(ctx, key).Result()
		if err != nil {
			return err
		}
		if n != expectedVersion {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, key, payloads...)
			pipe.SAdd(ctx, l.keyInstances(), instanceID)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

func (l *RedisEventLog) Load(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	raw, err := l.client.LRange(ctx, l.keyHistory(instanceID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, ErrInstanceNotFound
	}
	out := make([]api.HistoryEvent, 0, len(raw))
	for _, s := range raw {
		ev, err := DecodeEvent([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (l *RedisEventLog) ListInstanceIDs(ctx context.Context) ([]string, error) {
	ids, err := l.client.SMembers(ctx, l.keyInstances()).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	return ids, nil
}
