package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLiteQueue is a persistent task queue backed by SQLite. Tasks are
// ordered by NotBefore, then insertion order.
type SQLiteQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewSQLiteQueue initializes the queue table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLiteQueue, error) {
	q := &SQLiteQueue{
		db:           db,
		pollInterval: 20 * time.Millisecond,
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			pos INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			queue TEXT NOT NULL,
			payload BLOB NOT NULL,
			not_before INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_tasks_ready ON queue_tasks(queue, not_before, pos);
	`)
	return err
}

var _ Queue = (*SQLiteQueue)(nil)

func (q *SQLiteQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, queue, payload, not_before, attempts)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Queue, data, t.NotBefore.UnixNano(), t.Attempts,
	)
	return err
}

func (q *SQLiteQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	for {
		t, err := q.tryLease(ctx, queue, owner, leaseTTL)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLiteQueue) tryLease(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	now := time.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id       string
		payload  []byte
		attempts int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload, attempts
		FROM queue_tasks
		WHERE queue = ? AND not_before <= ? AND (lease_owner = '' OR lease_expires_at < ?)
		ORDER BY not_before, pos
		LIMIT 1`, queue, now.UnixNano(), now.UnixNano()).Scan(&id, &payload, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_tasks SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ?`, owner, now.Add(leaseTTL).UnixNano(), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t, err := DecodeTask(payload)
	if err != nil {
		return nil, err
	}
	t.Attempts = attempts
	return t, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE id = ? AND lease_owner = ?`, taskID, owner)
	return leaseResult(res, err)
}

func (q *SQLiteQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET lease_owner = '', lease_expires_at = 0, not_before = ?, attempts = attempts + 1
		WHERE id = ? AND lease_owner = ?`, notBefore.UnixNano(), taskID, owner)
	return leaseResult(res, err)
}

func (q *SQLiteQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET lease_expires_at = ?
		WHERE id = ? AND lease_owner = ?`, time.Now().Add(leaseTTL).UnixNano(), taskID, owner)
	return leaseResult(res, err)
}

func (q *SQLiteQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func leaseResult(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
