package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// testQueue runs the behaviors every Queue must share.
func testQueue(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("FIFOWithinQueue", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		base := time.Now().Add(-time.Second)
		for i, id := range []string{"a", "b", "c"} {
			err := q.Enqueue(ctx, Task{ID: id, Type: TaskWorkflow, InstanceID: "wf-" + id, NotBefore: base.Add(time.Duration(i) * time.Millisecond)})
			if err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
		}
		for _, want := range []string{"a", "b", "c"} {
			got := mustDequeue(t, q, DefaultQueue, "w1")
			if got.ID != want {
				t.Fatalf("expected %q, got %q", want, got.ID)
			}
			if got.InstanceID != "wf-"+want || got.Type != TaskWorkflow {
				t.Fatalf("task fields not preserved: %+v", got)
			}
			if err := q.Ack(ctx, got.ID, "w1"); err != nil {
				t.Fatalf("Ack: %v", err)
			}
		}
		if n := q.Len(); n != 0 {
			t.Fatalf("expected empty queue, got %d", n)
		}
	})

	t.Run("NotBeforeDelaysDelivery", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{ID: "later", Type: TaskTimer, NotBefore: time.Now().Add(300 * time.Millisecond)}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := q.Enqueue(ctx, Task{ID: "now", Type: TaskTimer}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		first := mustDequeue(t, q, DefaultQueue, "w1")
		if first.ID != "now" {
			t.Fatalf("expected ready task first, got %q", first.ID)
		}

		short, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		if got, err := q.Dequeue(short, DefaultQueue, "w1", time.Minute); err == nil {
			t.Fatalf("delayed task delivered early: %+v", got)
		}

		second := mustDequeue(t, q, DefaultQueue, "w1")
		if second.ID != "later" {
			t.Fatalf("expected delayed task, got %q", second.ID)
		}
	})

	t.Run("QueueNameRouting", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{ID: "img", Type: TaskActivity, Queue: "images"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		if err := q.Enqueue(ctx, Task{ID: "def", Type: TaskActivity}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		got := mustDequeue(t, q, "images", "w1")
		if got.ID != "img" || got.Queue != "images" {
			t.Fatalf("expected images task, got %+v", got)
		}
		got = mustDequeue(t, q, "", "w1")
		if got.ID != "def" || got.Queue != DefaultQueue {
			t.Fatalf("expected default task, got %+v", got)
		}
	})

	t.Run("LeaseHidesTaskUntilExpiry", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{ID: "t1", Type: TaskActivity}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		first := mustDequeue(t, q, DefaultQueue, "w1", 200*time.Millisecond)

		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if got, err := q.Dequeue(short, DefaultQueue, "w2", time.Minute); err == nil {
			t.Fatalf("leased task delivered twice: %+v", got)
		}

		// Lease expires; another worker picks it up and the first owner loses it.
		second := mustDequeue(t, q, DefaultQueue, "w2")
		if second.ID != first.ID {
			t.Fatalf("expected redelivery of %q, got %q", first.ID, second.ID)
		}
		if err := q.Ack(ctx, first.ID, "w1"); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost for stale owner, got %v", err)
		}
		if err := q.RenewLease(ctx, first.ID, "w1", time.Minute); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost on renew, got %v", err)
		}
		if err := q.Ack(ctx, second.ID, "w2"); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	})

	t.Run("RenewKeepsLease", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{ID: "t1", Type: TaskActivity}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got := mustDequeue(t, q, DefaultQueue, "w1", 150*time.Millisecond)
		if err := q.RenewLease(ctx, got.ID, "w1", 5*time.Second); err != nil {
			t.Fatalf("RenewLease: %v", err)
		}
		time.Sleep(250 * time.Millisecond)

		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if other, err := q.Dequeue(short, DefaultQueue, "w2", time.Minute); err == nil {
			t.Fatalf("renewed lease was taken over: %+v", other)
		}
		if err := q.Ack(ctx, got.ID, "w1"); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	})

	t.Run("NackRedeliversWithAttempts", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		if err := q.Enqueue(ctx, Task{ID: "t1", Type: TaskWorkflow, InstanceID: "wf"}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got := mustDequeue(t, q, DefaultQueue, "w1")
		if got.Attempts != 0 {
			t.Fatalf("expected 0 attempts, got %d", got.Attempts)
		}
		if err := q.Nack(ctx, got.ID, "w2", time.Now()); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost for wrong owner, got %v", err)
		}
		if err := q.Nack(ctx, got.ID, "w1", time.Now().Add(20*time.Millisecond)); err != nil {
			t.Fatalf("Nack: %v", err)
		}

		again := mustDequeue(t, q, DefaultQueue, "w1")
		if again.ID != "t1" || again.Attempts != 1 || again.InstanceID != "wf" {
			t.Fatalf("unexpected redelivery: %+v", again)
		}
	})

	t.Run("DequeueHonorsContext", func(t *testing.T) {
		q := newQueue(t)
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()
		_, err := q.Dequeue(ctx, DefaultQueue, "w1", time.Minute)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("PayloadRoundTrip", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		err := q.Enqueue(ctx, Task{
			Type:       TaskSignal,
			InstanceID: "wf-9",
			Name:       "add_message",
			Payload:    "hello",
		})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		got := mustDequeue(t, q, DefaultQueue, "w1")
		if got.ID == "" || got.EnqueuedAt.IsZero() {
			t.Fatalf("task not prepared: %+v", got)
		}
		if got.Name != "add_message" || got.Payload != "hello" {
			t.Fatalf("unexpected payload: %+v", got)
		}
	})
}

func mustDequeue(t *testing.T, q Queue, queue, owner string, lease ...time.Duration) *Task {
	t.Helper()
	ttl := time.Minute
	if len(lease) > 0 {
		ttl = lease[0]
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := q.Dequeue(ctx, queue, owner, ttl)
	if err != nil {
		t.Fatalf("Dequeue(%q): %v", queue, err)
	}
	return got
}

func TestInMemoryQueue(t *testing.T) {
	testQueue(t, func(t *testing.T) Queue { return NewInMemoryQueue() })
}

func TestSQLiteQueue(t *testing.T) {
	testQueue(t, func(t *testing.T) Queue {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })
		q, err := NewSQLiteQueue(db)
		if err != nil {
			t.Fatalf("NewSQLiteQueue: %v", err)
		}
		return q
	})
}

func TestEncodeTask_PreservesSchedule(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	data, err := EncodeTask(Task{ID: "x", Type: TaskChildRetry, Seq: 3, Attempt: 2, NotBefore: at})
	if err != nil {
		t.Fatalf("EncodeTask: %v", err)
	}
	got, err := DecodeTask(data)
	if err != nil {
		t.Fatalf("DecodeTask: %v", err)
	}
	if got.Seq != 3 || got.Attempt != 2 || !got.NotBefore.Equal(at) || got.Type != TaskChildRetry {
		t.Fatalf("unexpected task: %+v", got)
	}
}
