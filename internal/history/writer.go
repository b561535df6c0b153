package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/petrijr/durex/internal/persistence"
	"github.com/petrijr/durex/pkg/api"
)

// maxConflictRetries bounds how often Update reloads after losing an
// append race to another process.
const maxConflictRetries = 16

// UpdateFunc receives the current history (nil for a new instance) and
// returns the events to append. Returning no events leaves the history
// unchanged.
type UpdateFunc func(events []api.HistoryEvent) ([]api.HistoryEvent, error)

// Writer serializes appends per instance. In-process writers take a
// per-instance lock; writers in other processes are detected through the
// log's version check and retried.
type Writer struct {
	log persistence.EventLog

	mu    sync.Mutex
	locks map[string]*instanceLock
}

type instanceLock struct {
	mu   sync.Mutex
	refs int
}

func NewWriter(log persistence.EventLog) *Writer {
	return &Writer{log: log, locks: make(map[string]*instanceLock)}
}

// Log returns the underlying event log.
func (w *Writer) Log() persistence.EventLog { return w.log }

// Load returns the history of an instance.
func (w *Writer) Load(ctx context.Context, id string) ([]api.HistoryEvent, error) {
	return w.log.Load(ctx, id)
}

// Update loads the history of id, calls fn and appends what it returns.
// It returns the resulting history and the appended events.
func (w *Writer) Update(ctx context.Context, id string, fn UpdateFunc) ([]api.HistoryEvent, []api.HistoryEvent, error) {
	unlock := w.lock(id)
	defer unlock()

	for range maxConflictRetries {
		events, err := w.log.Load(ctx, id)
		if err != nil && !errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, nil, err
		}
		added, err := fn(events)
		if err != nil {
			return events, nil, err
		}
		if len(added) == 0 {
			return events, nil, nil
		}

		expected := int64(len(events))
		now := time.Now().UTC()
		for i := range added {
			added[i].InstanceID = id
			added[i].Version = expected + int64(i) + 1
			if added[i].At.IsZero() {
				added[i].At = now
			}
		}

		err = w.log.Append(ctx, id, expected, added)
		if errors.Is(err, persistence.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return events, nil, err
		}
		return append(events, added...), added, nil
	}
	return nil, nil, fmt.Errorf("instance %s: %w after %d attempts", id, persistence.ErrVersionConflict, maxConflictRetries)
}

func (w *Writer) lock(id string) func() {
	w.mu.Lock()
	l := w.locks[id]
	if l == nil {
		l = &instanceLock{}
		w.locks[id] = l
	}
	l.refs++
	w.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		w.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(w.locks, id)
		}
		w.mu.Unlock()
	}
}
