package taskqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoQueue implements Queue on top of MongoDB. Leases are taken with a
// single FindOneAndUpdate, so concurrent consumers never share a task.
type MongoQueue struct {
	coll         *mongo.Collection
	pollInterval time.Duration
}

// NewMongoQueue creates a Mongo-backed queue.
// dbName defaults to "durex", collName to "queue_tasks".
func NewMongoQueue(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoQueue, error) {
	if dbName == "" {
		dbName = "durex"
	}
	if collName == "" {
		collName = "queue_tasks"
	}
	coll := client.Database(dbName).Collection(collName)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "queue", Value: 1}, {Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return &MongoQueue{coll: coll, pollInterval: 50 * time.Millisecond}, nil
}

var _ Queue = (*MongoQueue)(nil)

type mongoQueueDoc struct {
	ID           string `bson:"_id"`
	Queue        string `bson:"queue"`
	Payload      []byte `bson:"payload"`
	NotBefore    int64  `bson:"not_before"`
	EnqueuedAt   int64  `bson:"enqueued_at"`
	Attempts     int    `bson:"attempts"`
	LeaseOwner   string `bson:"lease_owner"`
	LeaseExpires int64  `bson:"lease_expires_at"`
}

func (q *MongoQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.coll.InsertOne(ctx, mongoQueueDoc{
		ID:         t.ID,
		Queue:      t.Queue,
		Payload:    data,
		NotBefore:  t.NotBefore.UnixNano(),
		EnqueuedAt: t.EnqueuedAt.UnixNano(),
		Attempts:   t.Attempts,
	})
	return err
}

func (q *MongoQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	for {
		now := time.Now()
		filter := bson.M{
			"queue":      queue,
			"not_before": bson.M{"$lte": now.UnixNano()},
			"$or": bson.A{
				bson.M{"lease_owner": ""},
				bson.M{"lease_expires_at": bson.M{"$lt": now.UnixNano()}},
			},
		}
		update := bson.M{"$set": bson.M{
			"lease_owner":      owner,
			"lease_expires_at": now.Add(leaseTTL).UnixNano(),
		}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "not_before", Value: 1}, {Key: "enqueued_at", Value: 1}}).
			SetReturnDocument(options.After)

		var doc mongoQueueDoc
		err := q.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == nil {
			t, err := DecodeTask(doc.Payload)
			if err != nil {
				return nil, err
			}
			t.Attempts = doc.Attempts
			return t, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *MongoQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.coll.DeleteOne(ctx, bson.M{"_id": taskID, "lease_owner": owner})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *MongoQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time) error {
	return q.updateLeased(ctx, taskID, owner, bson.M{
		"$set": bson.M{"lease_owner": "", "lease_expires_at": int64(0), "not_before": notBefore.UnixNano()},
		"$inc": bson.M{"attempts": 1},
	})
}

func (q *MongoQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return q.updateLeased(ctx, taskID, owner, bson.M{
		"$set": bson.M{"lease_expires_at": time.Now().Add(leaseTTL).UnixNano()},
	})
}

func (q *MongoQueue) updateLeased(ctx context.Context, taskID, owner string, update bson.M) error {
	res, err := q.coll.UpdateOne(ctx, bson.M{"_id": taskID, "lease_owner": owner}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Len returns an approximate number of queued tasks.
func (q *MongoQueue) Len() int {
	n, err := q.coll.CountDocuments(context.Background(), bson.M{})
	if err != nil {
		slog.Default().Warn("mongo queue: len failed", slog.Any("error", err))
		return 0
	}
	return int(n)
}
