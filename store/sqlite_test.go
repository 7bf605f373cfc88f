package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "governor.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteLimitConfigPrecedence(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.UpsertLimitConfig(ctx, &LimitConfig{
		Provider: "anthropic", Tier: TierFree, RequestsPerMinute: int64p(30),
	}); err != nil {
		t.Fatalf("upsert fallback: %v", err)
	}
	model := "claude-sonnet"
	if err := s.UpsertLimitConfig(ctx, &LimitConfig{
		Provider: "anthropic", Model: &model, Tier: TierFree, RequestsPerMinute: int64p(90),
	}); err != nil {
		t.Fatalf("upsert exact: %v", err)
	}

	got, err := s.GetLimitConfig(ctx, "anthropic", "claude-sonnet", TierFree)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Model == nil || *got.RequestsPerMinute != 90 {
		t.Fatalf("exact row should win, got %+v", got)
	}

	got, err = s.GetLimitConfig(ctx, "anthropic", "other-model", TierFree)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.Model != nil || *got.RequestsPerMinute != 30 {
		t.Fatalf("fallback row should match, got %+v", got)
	}

	// Upsert over the same key updates in place.
	if err := s.UpsertLimitConfig(ctx, &LimitConfig{
		Provider: "anthropic", Tier: TierFree, RequestsPerMinute: int64p(45),
	}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ = s.GetLimitConfig(ctx, "anthropic", "other-model", TierFree)
	if *got.RequestsPerMinute != 45 {
		t.Fatalf("fallback not updated, got %+v", got)
	}
}

func TestSQLiteWindowRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	w := &Window{
		ID: "w1", Wallet: "alice", Provider: "anthropic", Model: "claude-sonnet",
		Horizon: HorizonMinute, Start: now, End: now.Add(time.Minute),
		RequestLimit: int64p(50), TokenLimit: int64p(40000), Active: true,
	}
	if err := s.CreateWindow(ctx, w); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.IncrementWindow(ctx, "w1", 1200); err != nil {
		t.Fatalf("increment: %v", err)
	}

	got, err := s.GetCurrentWindow(ctx, "alice", "anthropic", "claude-sonnet", HorizonMinute)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("window not found")
	}
	if !got.Start.Equal(now) || !got.End.Equal(now.Add(time.Minute)) {
		t.Errorf("bounds round-trip: got [%v, %v)", got.Start, got.End)
	}
	if got.RequestCount != 1 || got.TokenCount != 1200 {
		t.Errorf("counts = (%d, %d), want (1, 1200)", got.RequestCount, got.TokenCount)
	}
	if got.RequestLimit == nil || *got.RequestLimit != 50 {
		t.Errorf("request limit lost: %+v", got.RequestLimit)
	}

	if err := s.DeactivateWindow(ctx, "w1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	// The unique active index frees the key for a replacement.
	w2 := *w
	w2.ID = "w2"
	w2.Start = now.Add(time.Minute)
	w2.End = now.Add(2 * time.Minute)
	if err := s.CreateWindow(ctx, &w2); err != nil {
		t.Fatalf("create replacement: %v", err)
	}
	got, _ = s.GetCurrentWindow(ctx, "alice", "anthropic", "claude-sonnet", HorizonMinute)
	if got == nil || got.ID != "w2" {
		t.Fatalf("expected replacement window, got %+v", got)
	}
}

func TestSQLiteQueueOrdering(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	entries := []*QueueEntry{
		{ID: "low", Wallet: "alice", Priority: 2, MaxRetries: 3, Status: QueuePending, QueuedAt: base},
		{ID: "high-late", Wallet: "alice", Priority: 8, MaxRetries: 3, Status: QueuePending, QueuedAt: base.Add(5 * time.Millisecond)},
		{ID: "high-early", Wallet: "alice", Priority: 8, MaxRetries: 3, Status: QueuePending, QueuedAt: base.Add(time.Millisecond)},
	}
	for _, e := range entries {
		if err := s.Enqueue(ctx, e); err != nil {
			t.Fatalf("enqueue %s: %v", e.ID, err)
		}
	}

	for _, want := range []string{"high-early", "high-late", "low"} {
		e, err := s.DequeueOne(ctx, "alice")
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if e == nil || e.ID != want {
			t.Fatalf("dequeued %+v, want %s", e, want)
		}
	}
	if e, _ := s.DequeueOne(ctx, ""); e != nil {
		t.Fatalf("queue should be drained, got %+v", e)
	}
}

func TestSQLiteQueueStatsAndPrune(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	s.Enqueue(ctx, &QueueEntry{ID: "a", Wallet: "alice", Priority: 5, MaxRetries: 3, Status: QueuePending, QueuedAt: base})
	s.Enqueue(ctx, &QueueEntry{ID: "b", Wallet: "alice", Priority: 5, MaxRetries: 3, Status: QueuePending, QueuedAt: base})

	if _, err := s.DequeueOne(ctx, "alice"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := s.CompleteQueued(ctx, "a", true, ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	stats, err := s.QueueStats(ctx, "alice")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Pending != 1 || stats.Completed != 1 {
		t.Fatalf("stats = %+v, want 1 pending / 1 completed", stats)
	}

	n, err := s.PruneQueueEntries(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want only the completed entry", n)
	}
}

func TestSQLiteEventsAndTenants(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	paid := now.Add(30 * 24 * time.Hour)
	if err := s.UpsertTenant(ctx, &Tenant{
		Wallet: "alice", Tier: TierPro, BaseRPM: 100, PaidUntil: &paid,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("upsert tenant: %v", err)
	}
	tn, err := s.GetTenant(ctx, "alice")
	if err != nil {
		t.Fatalf("get tenant: %v", err)
	}
	if tn == nil || tn.Tier != TierPro || tn.PaidUntil == nil {
		t.Fatalf("tenant round-trip: %+v", tn)
	}
	if tn2, _ := s.GetTenant(ctx, "stranger"); tn2 != nil {
		t.Fatalf("unknown tenant should be nil, got %+v", tn2)
	}

	s.RecordEvent(ctx, &Event{ID: "e1", Wallet: "alice", Kind: EventAllowed, Timestamp: now, Horizon: HorizonMinute, CurrentCount: 3, Limit: 50, PercentUsed: 0.08})
	s.RecordEvent(ctx, &Event{ID: "e2", Wallet: "alice", Kind: EventBlocked, Timestamp: now.Add(time.Second), Horizon: HorizonMinute, CurrentCount: 50, Limit: 50, PercentUsed: 1})

	events, err := s.ListEvents(ctx, "alice", EventBlocked, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].ID != "e2" {
		t.Fatalf("blocked filter: %+v", events)
	}
	if events[0].CurrentCount != 50 || events[0].PercentUsed != 1 {
		t.Fatalf("event fields lost: %+v", events[0])
	}
}
