// Package persistence stores append-only workflow histories.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/durex/pkg/api"
)

var (
	// ErrVersionConflict is returned by Append when the history changed
	// since the caller loaded it. The caller should reload and retry.
	ErrVersionConflict = errors.New("history version conflict")

	// ErrInstanceNotFound is returned by Load for instances without history.
	ErrInstanceNotFound = api.ErrInstanceNotFound
)

// EventLog is the append-only event history of all instances.
//
// Append writes events only if the instance history currently holds exactly
// expectedVersion events (0 creates a new instance). Appended events get
// consecutive versions starting at expectedVersion+1 and the InstanceID
// of the log entry. The check and the write are atomic.
type EventLog interface {
	Append(ctx context.Context, instanceID string, expectedVersion int64, events []api.HistoryEvent) error
	// Load returns the full history in version order.
	Load(ctx context.Context, instanceID string) ([]api.HistoryEvent, error)
	// ListInstanceIDs returns all instance IDs that have history.
	ListInstanceIDs(ctx context.Context) ([]string, error)
}

// stamp assigns versions, instance ID and a timestamp to new events.
func stamp(instanceID string, expectedVersion int64, events []api.HistoryEvent) []api.HistoryEvent {
	out := make([]api.HistoryEvent, len(events))
	now := time.Now().UTC()
	for i, ev := range events {
		ev.InstanceID = instanceID
		ev.Version = expectedVersion + int64(i) + 1
		if ev.At.IsZero() {
			ev.At = now
		}
		out[i] = ev
	}
	return out
}
