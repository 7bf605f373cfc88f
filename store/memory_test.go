package store

import (
	"context"
	"testing"
	"time"
)

func TestLimitConfigResolution(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// Provider-wide fallback row.
	fallback := &LimitConfig{
		Provider:          "anthropic",
		Tier:              TierPro,
		RequestsPerMinute: int64p(200),
	}
	if err := s.UpsertLimitConfig(ctx, fallback); err != nil {
		t.Fatalf("upsert fallback: %v", err)
	}

	// Exact model row.
	model := "claude-sonnet"
	exact := &LimitConfig{
		Provider:          "anthropic",
		Model:             &model,
		Tier:              TierPro,
		RequestsPerMinute: int64p(500),
	}
	if err := s.UpsertLimitConfig(ctx, exact); err != nil {
		t.Fatalf("upsert exact: %v", err)
	}

	got, err := s.GetLimitConfig(ctx, "anthropic", "claude-sonnet", TierPro)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || *got.RequestsPerMinute != 500 {
		t.Fatalf("exact row should win, got %+v", got)
	}

	got, err = s.GetLimitConfig(ctx, "anthropic", "claude-haiku", TierPro)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || *got.RequestsPerMinute != 200 {
		t.Fatalf("fallback row should match unlisted model, got %+v", got)
	}

	got, err = s.GetLimitConfig(ctx, "openai", "gpt-4o", TierPro)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("unconfigured provider should return nil, got %+v", got)
	}
}

func TestWindowLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	w := &Window{
		ID: "w1", Wallet: "alice", Provider: "anthropic", Model: "claude-sonnet",
		Horizon: HorizonMinute, Start: now, End: now.Add(time.Minute),
		RequestLimit: int64p(10), Active: true,
	}
	if err := s.CreateWindow(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetCurrentWindow(ctx, "alice", "anthropic", "claude-sonnet", HorizonMinute)
	if err != nil {
		t.Fatalf("get current: %v", err)
	}
	if got == nil || got.ID != "w1" {
		t.Fatalf("expected w1, got %+v", got)
	}

	if err := s.IncrementWindow(ctx, "w1", 500); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := s.AddWindowTokens(ctx, "w1", 250); err != nil {
		t.Fatalf("add tokens: %v", err)
	}
	got, _ = s.GetCurrentWindow(ctx, "alice", "anthropic", "claude-sonnet", HorizonMinute)
	if got.RequestCount != 1 || got.TokenCount != 750 {
		t.Fatalf("counts = (%d, %d), want (1, 750)", got.RequestCount, got.TokenCount)
	}

	if err := s.DeactivateWindow(ctx, "w1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, _ = s.GetCurrentWindow(ctx, "alice", "anthropic", "claude-sonnet", HorizonMinute)
	if got != nil {
		t.Fatalf("deactivated window still returned: %+v", got)
	}

	if err := s.IncrementWindow(ctx, "missing", 0); err != ErrNotFound {
		t.Fatalf("increment missing = %v, want ErrNotFound", err)
	}
}

func TestDequeueOrdering(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	add := func(id string, priority int, offset time.Duration) {
		t.Helper()
		err := s.Enqueue(ctx, &QueueEntry{
			ID: id, Wallet: "alice", Provider: "anthropic",
			Priority: priority, MaxRetries: DefaultMaxRetries,
			Status: QueuePending, QueuedAt: base.Add(offset),
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	add("low-early", 2, 0)
	add("high-late", 8, 2*time.Millisecond)
	add("high-early", 8, 1*time.Millisecond)
	add("mid", 5, 0)

	want := []string{"high-early", "high-late", "mid", "low-early"}
	for _, id := range want {
		e, err := s.DequeueOne(ctx, "alice")
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if e == nil || e.ID != id {
			t.Fatalf("dequeued %+v, want %s", e, id)
		}
		if e.Status != QueueProcessing {
			t.Fatalf("dequeued entry not marked processing: %s", e.Status)
		}
	}
	if e, _ := s.DequeueOne(ctx, "alice"); e != nil {
		t.Fatalf("expected empty queue, got %+v", e)
	}
}

func TestDequeueSkipsExhaustedRetries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	err := s.Enqueue(ctx, &QueueEntry{
		ID: "spent", Wallet: "alice", Priority: 9,
		RetryCount: 3, MaxRetries: 3,
		Status: QueuePending, QueuedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	err = s.Enqueue(ctx, &QueueEntry{
		ID: "fresh", Wallet: "alice", Priority: 1,
		MaxRetries: 3, Status: QueuePending, QueuedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	e, err := s.DequeueOne(ctx, "alice")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if e == nil || e.ID != "fresh" {
		t.Fatalf("dequeued %+v, want fresh (spent has no retries left)", e)
	}
}

func TestCompleteQueuedFailureIncrementsRetry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Enqueue(ctx, &QueueEntry{
		ID: "e1", Wallet: "alice", Priority: 5,
		MaxRetries: 3, Status: QueuePending, QueuedAt: time.Now(),
	})
	if err := s.CompleteQueued(ctx, "e1", false, "provider timeout"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	e, _ := s.GetQueueEntry(ctx, "e1")
	if e.Status != QueueFailed || e.RetryCount != 1 || e.Error != "provider timeout" {
		t.Fatalf("unexpected entry after failure: %+v", e)
	}
	if e.ProcessedAt == nil {
		t.Fatal("ProcessedAt not set")
	}
	// Terminal entries cannot be completed again.
	if err := s.CompleteQueued(ctx, "e1", true, ""); err != ErrNotFound {
		t.Fatalf("re-complete = %v, want ErrNotFound", err)
	}
}

func TestCancelOnlyPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.Enqueue(ctx, &QueueEntry{
		ID: "e1", Wallet: "alice", Priority: 5,
		MaxRetries: 3, Status: QueuePending, QueuedAt: time.Now(),
	})
	if _, err := s.DequeueOne(ctx, "alice"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := s.CancelQueued(ctx, "e1"); err != ErrNotFound {
		t.Fatalf("cancel processing entry = %v, want ErrNotFound", err)
	}

	s.Enqueue(ctx, &QueueEntry{
		ID: "e2", Wallet: "alice", Priority: 5,
		MaxRetries: 3, Status: QueuePending, QueuedAt: time.Now(),
	})
	if err := s.CancelQueued(ctx, "e2"); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	e, _ := s.GetQueueEntry(ctx, "e2")
	if e.Status != QueueFailed || e.Error != QueueReasonCancelled {
		t.Fatalf("cancelled entry = %+v", e)
	}
}

func TestQueuePosition(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	s.Enqueue(ctx, &QueueEntry{ID: "a", Wallet: "alice", Priority: 8, MaxRetries: 3, Status: QueuePending, QueuedAt: base})
	s.Enqueue(ctx, &QueueEntry{ID: "b", Wallet: "alice", Priority: 5, MaxRetries: 3, Status: QueuePending, QueuedAt: base})
	s.Enqueue(ctx, &QueueEntry{ID: "c", Wallet: "alice", Priority: 5, MaxRetries: 3, Status: QueuePending, QueuedAt: base.Add(time.Millisecond)})
	// Another tenant's entries do not affect alice's positions.
	s.Enqueue(ctx, &QueueEntry{ID: "z", Wallet: "bob", Priority: 10, MaxRetries: 3, Status: QueuePending, QueuedAt: base})

	for id, want := range map[string]int{"a": 0, "b": 1, "c": 2} {
		pos, err := s.QueuePosition(ctx, id)
		if err != nil {
			t.Fatalf("position %s: %v", id, err)
		}
		if pos != want {
			t.Errorf("position(%s) = %d, want %d", id, pos, want)
		}
	}
}

func TestListEventsFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, kind := range []EventKind{EventAllowed, EventBlocked, EventAllowed, EventQueued} {
		s.RecordEvent(ctx, &Event{
			ID: string(rune('a' + i)), Wallet: "alice", Kind: kind,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	s.RecordEvent(ctx, &Event{ID: "x", Wallet: "bob", Kind: EventAllowed, Timestamp: base})

	all, err := s.ListEvents(ctx, "alice", "", time.Time{}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len(all) = %d, want 4", len(all))
	}
	// Newest first.
	if !all[0].Timestamp.After(all[1].Timestamp) {
		t.Fatal("events not sorted newest first")
	}

	allowed, _ := s.ListEvents(ctx, "alice", EventAllowed, time.Time{}, 0)
	if len(allowed) != 2 {
		t.Fatalf("len(allowed) = %d, want 2", len(allowed))
	}

	recent, _ := s.ListEvents(ctx, "alice", "", base.Add(2*time.Second), 0)
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
}

func TestUpsertPatternPreservesFirstDetected(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first := time.Now().UTC().Add(-48 * time.Hour)

	s.UpsertPattern(ctx, &Pattern{
		ID: "p1", Wallet: "alice", Kind: PatternBurst,
		Confidence: 0.7, FirstDetected: first, LastObserved: first,
	})
	s.UpsertPattern(ctx, &Pattern{
		ID: "p1", Wallet: "alice", Kind: PatternBurst,
		Confidence: 0.9, FirstDetected: time.Now(), LastObserved: time.Now(),
	})

	ps, err := s.ListPatterns(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ps) != 1 {
		t.Fatalf("len = %d, want 1", len(ps))
	}
	if !ps[0].FirstDetected.Equal(first) {
		t.Errorf("FirstDetected = %v, want %v", ps[0].FirstDetected, first)
	}
	if ps[0].Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", ps[0].Confidence)
	}
}

func TestPruning(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)
	cutoff := time.Now().UTC().Add(-time.Hour)

	s.RecordEvent(ctx, &Event{ID: "old", Wallet: "alice", Timestamp: old})
	s.RecordEvent(ctx, &Event{ID: "new", Wallet: "alice", Timestamp: time.Now()})
	n, err := s.PruneEvents(ctx, cutoff)
	if err != nil || n != 1 {
		t.Fatalf("PruneEvents = (%d, %v), want (1, nil)", n, err)
	}

	s.CreateWindow(ctx, &Window{ID: "stale", Wallet: "alice", Horizon: HorizonMinute, End: old, Active: false})
	s.CreateWindow(ctx, &Window{ID: "live", Wallet: "alice", Horizon: HorizonHour, End: old, Active: true})
	n, err = s.PruneWindows(ctx, cutoff)
	if err != nil || n != 1 {
		t.Fatalf("PruneWindows = (%d, %v), want (1, nil): active windows must survive", n, err)
	}

	processed := old
	s.Enqueue(ctx, &QueueEntry{ID: "done", Wallet: "alice", Status: QueueCompleted, ProcessedAt: &processed, QueuedAt: old})
	s.Enqueue(ctx, &QueueEntry{ID: "waiting", Wallet: "alice", Status: QueuePending, QueuedAt: old, MaxRetries: 3})
	n, err = s.PruneQueueEntries(ctx, cutoff)
	if err != nil || n != 1 {
		t.Fatalf("PruneQueueEntries = (%d, %v), want (1, nil): pending entries must survive", n, err)
	}

	s.UpsertPattern(ctx, &Pattern{ID: "weak", Wallet: "alice", Confidence: 0.2, LastObserved: old, FirstDetected: old})
	s.UpsertPattern(ctx, &Pattern{ID: "strong", Wallet: "alice", Confidence: 0.8, LastObserved: old, FirstDetected: old})
	n, err = s.PrunePatterns(ctx, 0.3, cutoff)
	if err != nil || n != 1 {
		t.Fatalf("PrunePatterns = (%d, %v), want (1, nil): confident patterns must survive", n, err)
	}
}

func TestEffectiveTier(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	cases := []struct {
		name   string
		tenant *Tenant
		want   Tier
	}{
		{"nil tenant", nil, TierFree},
		{"free", &Tenant{Wallet: "a", Tier: TierFree}, TierFree},
		{"pro paid", &Tenant{Wallet: "a", Tier: TierPro, PaidUntil: &future}, TierPro},
		{"pro lapsed", &Tenant{Wallet: "a", Tier: TierPro, PaidUntil: &past}, TierFree},
		{"pro never paid", &Tenant{Wallet: "a", Tier: TierPro}, TierFree},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.tenant.EffectiveTier(now); got != tc.want {
				t.Errorf("EffectiveTier = %s, want %s", got, tc.want)
			}
		})
	}
}
