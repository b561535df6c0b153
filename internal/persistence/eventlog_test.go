package persistence

import (
	"context"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/petrijr/durex/pkg/api"
)

type samplePayload struct {
	Msg string
	N   int
}

func init() {
	gob.Register(samplePayload{})
}

func started(id string) api.HistoryEvent {
	return api.HistoryEvent{
		Type:  api.EventWorkflowStarted,
		Name:  "hello",
		Input: samplePayload{Msg: "in", N: 1},
	}
}

// testEventLog runs the behaviors every EventLog must share.
func testEventLog(t *testing.T, newLog func(t *testing.T) EventLog) {
	t.Run("AppendAndLoad", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()

		if err := l.Append(ctx, "wf-1", 0, []api.HistoryEvent{started("wf-1")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		err := l.Append(ctx, "wf-1", 1, []api.HistoryEvent{
			{Type: api.EventActivityScheduled, Seq: 1, Name: "compose_greeting", Input: "World"},
			{Type: api.EventWorkflowTaskCompleted},
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}

		h, err := l.Load(ctx, "wf-1")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(h) != 3 {
			t.Fatalf("expected 3 events, got %d", len(h))
		}
		for i, ev := range h {
			if ev.Version != int64(i+1) || ev.InstanceID != "wf-1" {
				t.Fatalf("event %d: version=%d instance=%q", i, ev.Version, ev.InstanceID)
			}
			if ev.At.IsZero() {
				t.Fatalf("event %d has no timestamp", i)
			}
		}
		if p, ok := h[0].Input.(samplePayload); !ok || p.Msg != "in" || p.N != 1 {
			t.Fatalf("unexpected input: %#v", h[0].Input)
		}
		if h[1].Name != "compose_greeting" || h[1].Seq != 1 || h[1].Input != "World" {
			t.Fatalf("unexpected command event: %+v", h[1])
		}
	})

	t.Run("VersionConflict", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()

		if err := l.Append(ctx, "wf-2", 0, []api.HistoryEvent{started("wf-2")}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := l.Append(ctx, "wf-2", 0, []api.HistoryEvent{started("wf-2")}); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict for duplicate create, got %v", err)
		}
		if err := l.Append(ctx, "wf-2", 5, []api.HistoryEvent{{Type: api.EventWorkflowTaskCompleted}}); !errors.Is(err, ErrVersionConflict) {
			t.Fatalf("expected ErrVersionConflict for stale version, got %v", err)
		}
		h, err := l.Load(ctx, "wf-2")
		if err != nil || len(h) != 1 {
			t.Fatalf("history changed by rejected appends: %d events, %v", len(h), err)
		}
	})

	t.Run("LoadMissing", func(t *testing.T) {
		l := newLog(t)
		if _, err := l.Load(context.Background(), "missing"); !errors.Is(err, ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound, got %v", err)
		}
	})

	t.Run("ConcurrentAppendsSingleWinner", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		if err := l.Append(ctx, "wf-3", 0, []api.HistoryEvent{started("wf-3")}); err != nil {
			t.Fatalf("Append: %v", err)
		}

		const writers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := l.Append(ctx, "wf-3", 1, []api.HistoryEvent{
					{Type: api.EventSignalReceived, Name: fmt.Sprintf("sig-%d", i)},
				})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		if wins != 1 {
			t.Fatalf("expected exactly one winning append, got %d", wins)
		}
		h, err := l.Load(ctx, "wf-3")
		if err != nil || len(h) != 2 {
			t.Fatalf("expected 2 events, got %d (%v)", len(h), err)
		}
	})

	t.Run("ListInstanceIDs", func(t *testing.T) {
		l := newLog(t)
		ctx := context.Background()
		for _, id := range []string{"b", "a", "c"} {
			if err := l.Append(ctx, id, 0, []api.HistoryEvent{started(id)}); err != nil {
				t.Fatalf("Append %s: %v", id, err)
			}
		}
		ids, err := l.ListInstanceIDs(ctx)
		if err != nil {
			t.Fatalf("ListInstanceIDs: %v", err)
		}
		if fmt.Sprint(ids) != "[a b c]" {
			t.Fatalf("ids = %v", ids)
		}
	})
}

func TestMemoryEventLog(t *testing.T) {
	testEventLog(t, func(t *testing.T) EventLog { return NewMemoryEventLog() })
}

func newTestSQLiteDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open failed: %v", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestSQLiteEventLog(t *testing.T) {
	testEventLog(t, func(t *testing.T) EventLog {
		l, err := NewSQLiteEventLog(newTestSQLiteDB(t))
		if err != nil {
			t.Fatalf("NewSQLiteEventLog failed: %v", err)
		}
		return l
	})
}

func TestEncodeEvent_FailureAndRetryRoundTrip(t *testing.T) {
	ev := api.HistoryEvent{
		Type:    api.EventActivityFailed,
		Seq:     4,
		Attempt: 5,
		Failure: &api.Failure{
			Category: api.CategoryNonRetryable,
			Type:     "PermanentError",
			Message:  "bad input",
			Attempts: 5,
		},
		Retry:  &api.RetryPolicy{MaximumAttempts: 5, NonRetryableErrors: []string{"PermanentError"}},
		Result: map[string]any{"progress": []any{1, "two"}},
	}
	data, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if got.Failure == nil || got.Failure.Type != "PermanentError" || got.Failure.Attempts != 5 {
		t.Fatalf("failure lost: %+v", got.Failure)
	}
	if got.Retry == nil || got.Retry.NonRetryableErrors[0] != "PermanentError" {
		t.Fatalf("retry policy lost: %+v", got.Retry)
	}
	if m, ok := got.Result.(map[string]any); !ok || len(m["progress"].([]any)) != 2 {
		t.Fatalf("result lost: %#v", got.Result)
	}
}

func TestEncodeEvent_FanInRoundTrip(t *testing.T) {
	agg := &api.FanIn{
		Total:        2,
		Succeeded:    []api.ChildResult{{Key: 1, ChildID: "wf/child-1", Result: 2}},
		Failed:       []api.ChildFailureRecord{{Key: 2, ChildID: "wf/child-2", Error: "even", Type: "EvenValue", Category: api.CategoryTransient}},
		SuccessCount: 1,
		FailureCount: 1,
		SuccessRate:  0.5,
	}

	for name, result := range map[string]any{"pointer": agg, "value": *agg} {
		t.Run(name, func(t *testing.T) {
			data, err := EncodeEvent(api.HistoryEvent{Type: api.EventWorkflowCompleted, Result: result})
			if err != nil {
				t.Fatalf("EncodeEvent: %v", err)
			}
			got, err := DecodeEvent(data)
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			out, ok := got.Result.(*api.FanIn)
			if !ok {
				t.Fatalf("unexpected result type %T", got.Result)
			}
			if out.Total != 2 || out.SuccessRate != 0.5 || out.Succeeded[0].Result != 2 || out.Failed[0].Type != "EvenValue" {
				t.Fatalf("aggregate lost: %+v", out)
			}
		})
	}
}
