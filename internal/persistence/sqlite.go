package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/durex/pkg/api"
)

// SQLiteEventLog is an EventLog backed by SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteEventLog struct {
	db *sql.DB
}

var _ EventLog = (*SQLiteEventLog)(nil)

// NewSQLiteEventLog initializes the required schema in the given database.
func NewSQLiteEventLog(db *sql.DB) (*SQLiteEventLog, error) {
	l := &SQLiteEventLog{db: db}
	if err := l.initSchema(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteEventLog) initSchema() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS history_events (
			instance_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			at INTEGER NOT NULL,
			type TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (instance_id, version)
		);
	`)
	return err
}

func (l *SQLiteEventLog) Append(ctx context.Context, instanceID string, expectedVersion int64, events []api.HistoryEvent) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM history_events WHERE instance_id = ?`,
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
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history_events (instance_id, version, at, type, payload)
			VALUES (?, ?, ?, ?, ?)`,
			instanceID, ev.Version, ev.At.UnixNano(), string(ev.Type), payload,
		); err != nil {
			if isSQLiteConstraint(err) {
				return ErrVersionConflict
			}
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		if isSQLiteConstraint(err) {
			return ErrVersionConflict
		}
		return err
	}
	return nil
}

func (l *SQLiteEventLog) Load(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT payload, at
		FROM history_events
		WHERE instance_id = ?
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

func (l *SQLiteEventLog) ListInstanceIDs(ctx context.Context) ([]string, error) {
	return listIDs(ctx, l.db, `SELECT DISTINCT instance_id FROM history_events ORDER BY instance_id`)
}

func scanEvents(rows *sql.Rows) ([]api.HistoryEvent, error) {
	var out []api.HistoryEvent
	for rows.Next() {
		var (
			payload []byte
			atN     int64
		)
		if err := rows.Scan(&payload, &atN); err != nil {
			return nil, err
		}
		ev, err := DecodeEvent(payload)
		if err != nil {
			return nil, err
		}
		// The column is authoritative; gob drops the monotonic reading anyway.
		ev.At = time.Unix(0, atN).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

func listIDs(ctx context.Context, db *sql.DB, query string) ([]string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isSQLiteConstraint(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	// modernc.org/sqlite reports SQLITE_CONSTRAINT (19) and its extended codes.
	if errors.As(err, &coder) && coder.Code()&0xff == 19 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
