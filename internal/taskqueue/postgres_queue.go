package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PostgresQueue implements Queue using a PostgreSQL table. Concurrent
// consumers claim rows with SELECT ... FOR UPDATE SKIP LOCKED.
//
// It expects an *sql.DB opened with the pgx stdlib driver.
type PostgresQueue struct {
	db           *sql.DB
	pollInterval time.Duration
}

// NewPostgresQueue creates the required schema if needed and returns a Queue.
func NewPostgresQueue(db *sql.DB) (*PostgresQueue, error) {
	q := &PostgresQueue{db: db, pollInterval: 50 * time.Millisecond}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

var _ Queue = (*PostgresQueue)(nil)

func (q *PostgresQueue) initSchema() error {
	_, err := q.db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_tasks (
			pos              BIGSERIAL PRIMARY KEY,
			id               TEXT NOT NULL UNIQUE,
			queue            TEXT NOT NULL,
			payload          BYTEA NOT NULL,
			not_before       BIGINT NOT NULL,
			attempts         INTEGER NOT NULL DEFAULT 0,
			lease_owner      TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_tasks_ready ON queue_tasks(queue, not_before, pos);
	`)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t)
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_tasks (id, queue, payload, not_before, attempts)
		VALUES ($1, $2, $3, $4, $5)
	`, t.ID, t.Queue, data, t.NotBefore.UnixNano(), t.Attempts)
	return err
}

// Dequeue blocks (with polling) until a task is available or ctx is cancelled.
func (q *PostgresQueue) Dequeue(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	// Use a reusable timer to avoid allocating a new timer on every idle poll.
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	defer tmr.Stop()

	for {
		t, err := q.tryLease(ctx, queue, owner, leaseTTL)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		tmr.Reset(q.pollInterval)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tmr.C:
		}
	}
}

func (q *PostgresQueue) tryLease(ctx context.Context, queue, owner string, leaseTTL time.Duration) (*Task, error) {
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
		WHERE queue = $1 AND not_before <= $2 AND (lease_owner = '' OR lease_expires_at < $2)
		ORDER BY not_before, pos
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, queue, now.UnixNano()).Scan(&id, &payload, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_tasks SET lease_owner = $1, lease_expires_at = $2
		WHERE id = $3
	`, owner, now.Add(leaseTTL).UnixNano(), id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	t, err := DecodeTask(payload)
	if err != nil {
		return nil, fmt.Errorf("decode task %q failed: %w", id, err)
	}
	t.Attempts = attempts
	return t, nil
}

func (q *PostgresQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE id = $1 AND lease_owner = $2`, taskID, owner)
	return leaseResult(res, err)
}

func (q *PostgresQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks
		SET lease_owner = '', lease_expires_at = 0, not_before = $1, attempts = attempts + 1
		WHERE id = $2 AND lease_owner = $3
	`, notBefore.UnixNano(), taskID, owner)
	return leaseResult(res, err)
}

func (q *PostgresQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_tasks SET lease_expires_at = $1
		WHERE id = $2 AND lease_owner = $3
	`, time.Now().Add(leaseTTL).UnixNano(), taskID, owner)
	return leaseResult(res, err)
}

// Len returns an approximate number of queued tasks.
func (q *PostgresQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_tasks`).Scan(&n); err != nil {
		slog.Default().Warn("postgres queue: len failed", slog.Any("error", err))
		return 0
	}
	return n
}
