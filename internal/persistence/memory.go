package persistence

import (
	"context"
	"slices"
	"sync"

	"github.com/petrijr/durex/pkg/api"
)

// MemoryEventLog is a goroutine-safe EventLog backed by maps.
type MemoryEventLog struct {
	mu      sync.RWMutex
	history map[string][]api.HistoryEvent
}

var _ EventLog = (*MemoryEventLog)(nil)

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{history: make(map[string][]api.HistoryEvent)}
}

func (l *MemoryEventLog) Append(ctx context.Context, instanceID string, expectedVersion int64, events []api.HistoryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.history[instanceID]
	if int64(len(current)) != expectedVersion {
		return ErrVersionConflict
	}
	l.history[instanceID] = append(current, stamp(instanceID, expectedVersion, events)...)
	return nil
}

func (l *MemoryEventLog) Load(ctx context.Context, instanceID string) ([]api.HistoryEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h, ok := l.history[instanceID]
	if !ok || len(h) == 0 {
		return nil, ErrInstanceNotFound
	}
	return slices.Clone(h), nil
}

func (l *MemoryEventLog) ListInstanceIDs(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.history))
	for id := range l.history {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}
