package governor

import (
	"context"
	"testing"
	"time"

	"github.com/quotaplane/quotaplane/store"
)

func TestJanitorSweep(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	j := NewJanitor(st, DefaultRetention(), time.Hour)
	j.now = func() time.Time { return now }

	ancient := now.Add(-40 * 24 * time.Hour)
	recent := now.Add(-time.Hour)

	st.RecordEvent(ctx, &store.Event{ID: "old", Wallet: "a", Timestamp: ancient})
	st.RecordEvent(ctx, &store.Event{ID: "new", Wallet: "a", Timestamp: recent})

	st.CreateWindow(ctx, &store.Window{ID: "rotated", Wallet: "a", Horizon: store.HorizonMinute, End: now.Add(-8 * 24 * time.Hour), Active: false})
	st.CreateWindow(ctx, &store.Window{ID: "current", Wallet: "a", Horizon: store.HorizonMinute, End: now.Add(time.Minute), Active: true})

	done := ancient
	st.Enqueue(ctx, &store.QueueEntry{ID: "finished", Wallet: "a", Status: store.QueueCompleted, QueuedAt: ancient, ProcessedAt: &done})
	st.Enqueue(ctx, &store.QueueEntry{ID: "pending", Wallet: "a", Status: store.QueuePending, QueuedAt: recent, MaxRetries: 3})

	st.UpsertPattern(ctx, &store.Pattern{ID: "weak-old", Wallet: "a", Confidence: 0.1, FirstDetected: ancient, LastObserved: ancient})
	st.UpsertPattern(ctx, &store.Pattern{ID: "strong-old", Wallet: "a", Confidence: 0.9, FirstDetected: ancient, LastObserved: ancient})

	j.Sweep(ctx)

	events, _ := st.ListEvents(ctx, "a", "", time.Time{}, 0)
	if len(events) != 1 || events[0].ID != "new" {
		t.Errorf("events after sweep = %v, want only the recent one", events)
	}
	if w, _ := st.GetCurrentWindow(ctx, "a", "", "", store.HorizonMinute); w == nil {
		t.Error("active window must survive the sweep")
	}
	if e, _ := st.GetQueueEntry(ctx, "finished"); e != nil {
		t.Error("aged terminal queue entry should be pruned")
	}
	if e, _ := st.GetQueueEntry(ctx, "pending"); e == nil {
		t.Error("pending queue entry must survive")
	}
	ps, _ := st.ListPatterns(ctx, "a", 10)
	if len(ps) != 1 || ps[0].ID != "strong-old" {
		t.Errorf("patterns after sweep = %v, want only the confident one", ps)
	}
}
