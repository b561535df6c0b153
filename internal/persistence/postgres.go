package persistence

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/petrijr/durex/pkg/api"
)

// PostgresEventLog is an EventLog backed by PostgreSQL.
//
// It expects an *sql.DB opened with the pgx stdlib driver:
//
//	import _ "github.com/jackc/pgx/v5/stdlib"
//	db, err := sql.Open("pgx", dsn)
type PostgresEventLog struct {
	db *sql.DB
}

var _ EventLog = (*PostgresEventLog)(nil)

// NewPostgresEventLog initializes the required schema in the given database.
func NewPostgresEventLog(db *sql.DB) (*PostgresEventLog, error) {
	l := &PostgresEventLog{db: db}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *PostgresEventLog) initSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			PRIMARY KEY (instance_id, version)
		);
	`)
	return err
}

// pgUniqueViolation is SQLSTATE unique_violation.
const pgUniqueViolation = "23505"

func (l *PostgresEventLog) Append(ctx context.Context, instanceID string, expectedVersion int64, events []api.HistoryEvent) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM history_events WHERE instance_id = $1`,
		instanceID,
	).Scan(&current); err != nil {
		return err
	}
	if current != expectedVersion {
		return ErrVersionConflict
	}

	for _, ev := range stamp(instanceID, expectedVersion, events) {
		payload, err := EncodeEvent(ev)
		if err != nil {
			return err
		}
		// A concurrent writer inserting the same version trips the primary key.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history_events (instance_id, version, at, type, payload)
			VALUES ($1, $2, $3, $4, $5)`,
			instanceID, ev.Version, ev.At.UnixNano(), string(ev.Type), payload,
		); err != nil {
			if isPgUniqueViolation(err) {
				return ErrVersionConflict
			}
			return err
		}
	}
	return tx.Commit()
}

func (l *PostgresEventLog) Load(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT payload, at
		FROM history_events
		WHERE instance_id = $1
		ORDER BY version ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrInstanceNotFound
	}
	return out, nil
}

func (l *PostgresEventLog) ListInstanceIDs(ctx context.Context) ([]string, error) {
	return listIDs(ctx, l.db, `SELECT DISTINCT instance_id FROM history_events ORDER BY instance_id`)
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
