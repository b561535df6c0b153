package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory. It is safe for
// concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	tasks  []*memTask
	notify chan struct{}
}

type memTask struct {
	task         Task
	owner        string
	leaseExpires time.Time
}

// maxIdleWait bounds how long an idle Dequeue sleeps before re-checking
// for expired leases.
const maxIdleWait = 50 * time.Millisecond

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{notify: make(chan struct{})}
}

var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, &memTask{task: prepare(t)})
	q.wakeLocked()
	q.mu.Unlock()
	return nil
}

// wakeLocked releases every waiting Dequeue.
func (q *InMemoryQueue) wakeLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	for {
		q.mu.Lock()
		now := time.Now()
		var (
			picked *memTask
			next   time.Time
		)
		for _, mt := range q.tasks {
			if mt.task.Queue != queue {
				continue
			}
			if mt.owner != "" && now.Before(mt.leaseExpires) {
				continue
			}
			if mt.task.NotBefore.After(now) {
				if next.IsZero() || mt.task.NotBefore.Before(next) {
					next = mt.task.NotBefore
				}
				continue
			}
			if picked == nil || mt.task.NotBefore.Before(picked.task.NotBefore) {
				picked = mt
			}
		}
		if picked != nil {
			picked.owner = owner
			picked.leaseExpires = now.Add(leaseTTL)
			t := picked.task
			q.mu.Unlock()
			return &t, nil
		}
		wake := q.notify
		q.mu.Unlock()

		wait := maxIdleWait
		if !next.IsZero() && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *InMemoryQueue) find(taskID, owner string) (int, *memTask, error) {
	for i, mt := range q.tasks {
		if mt.task.ID == taskID {
			if mt.owner != owner {
				return i, nil, ErrLeaseLost
			}
			return i, mt, nil
		}
	}
	return -1, nil, ErrLeaseLost
}

func (q *InMemoryQueue) Ack(ctx context.Context, taskID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i, _, err := q.find(taskID, owner)
	if err != nil {
		return err
	}
	q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, mt, err := q.find(taskID, owner)
	if err != nil {
		return err
	}
	mt.owner = ""
	mt.leaseExpires = time.Time{}
	mt.task.NotBefore = notBefore
	mt.task.Attempts++
	q.wakeLocked()
	return nil
}

func (q *InMemoryQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, mt, err := q.find(taskID, owner)
	if err != nil {
		return err
	}
	mt.leaseExpires = time.Now().Add(leaseTTL)
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
