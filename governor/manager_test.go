package governor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/quotaplane/quotaplane/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestManager(t *testing.T, st store.Store) (*Manager, *fakeClock) {
	t.Helper()
	m := New(st, DefaultConfig())
	m.SetLogger(log.New(io.Discard, "", 0))
	clk := &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m.SetClock(clk.now)
	return m, clk
}

func int64p(v int64) *int64 { return &v }

func setLimit(t *testing.T, st store.Store, provider string, tier store.Tier, rpm int64) {
	t.Helper()
	err := st.UpsertLimitConfig(context.Background(), &store.LimitConfig{
		Provider: provider, Tier: tier, RequestsPerMinute: int64p(rpm),
	})
	if err != nil {
		t.Fatalf("upsert limit: %v", err)
	}
}

func makePro(t *testing.T, m *Manager, clk *fakeClock, wallet string) {
	t.Helper()
	paid := clk.t.Add(30 * 24 * time.Hour)
	err := m.SetTenant(context.Background(), &store.Tenant{
		Wallet: wallet, Tier: store.TierPro, BaseRPM: 100, PaidUntil: &paid,
	})
	if err != nil {
		t.Fatalf("set tenant: %v", err)
	}
}

func request(wallet string) map[string]any {
	return map[string]any{
		"wallet":   wallet,
		"provider": "test",
		"model":    "m",
	}
}

func TestPreCallRejectsMissingFields(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	ctx := context.Background()

	for _, req := range []map[string]any{
		{"provider": "test"},
		{"wallet": "alice"},
		{},
	} {
		if err := m.PreCall(ctx, req); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("PreCall(%v) = %v, want ErrInvalidInput", req, err)
		}
	}
}

func TestFreeTierBlockedAtCeiling(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()
	setLimit(t, st, "test", store.TierFree, 3)

	for i := 0; i < 3; i++ {
		if err := m.PreCall(ctx, request("alice")); err != nil {
			t.Fatalf("PreCall %d: %v", i, err)
		}
		clk.advance(time.Millisecond)
	}

	err := m.PreCall(ctx, request("alice"))
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("4th PreCall = %v, want BlockedError", err)
	}
	if blocked.Horizon != store.HorizonMinute || blocked.Current != 3 || blocked.Limit != 3 {
		t.Errorf("blocked detail = %+v", blocked)
	}
	if blocked.RetryAfter <= 0 || blocked.RetryAfter > time.Minute {
		t.Errorf("RetryAfter = %v, want within the minute window", blocked.RetryAfter)
	}

	// Audit log: the 3rd admit crossed 80% utilisation (3/3) and was logged
	// as warned; the refusal was logged as blocked.
	events, err := st.ListEvents(ctx, "alice", "", time.Time{}, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	kinds := map[store.EventKind]int{}
	for _, e := range events {
		kinds[e.Kind]++
	}
	if kinds[store.EventAllowed] != 2 || kinds[store.EventWarned] != 1 || kinds[store.EventBlocked] != 1 {
		t.Errorf("event kinds = %v, want 2 allowed / 1 warned / 1 blocked", kinds)
	}
}

func TestFreeTierRecoversAfterRotation(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()
	setLimit(t, st, "test", store.TierFree, 2)

	for i := 0; i < 2; i++ {
		if err := m.PreCall(ctx, request("alice")); err != nil {
			t.Fatalf("PreCall %d: %v", i, err)
		}
	}
	if err := m.PreCall(ctx, request("alice")); err == nil {
		t.Fatal("3rd PreCall should be blocked")
	}

	clk.advance(61 * time.Second)
	if err := m.PreCall(ctx, request("alice")); err != nil {
		t.Fatalf("PreCall after window rotation: %v", err)
	}
}

func TestProTierOverflowsToQueue(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()
	setLimit(t, st, "test", store.TierPro, 2)
	makePro(t, m, clk, "pro1")

	for i := 0; i < 2; i++ {
		if err := m.PreCall(ctx, request("pro1")); err != nil {
			t.Fatalf("PreCall %d: %v", i, err)
		}
		clk.advance(time.Millisecond)
	}

	err := m.PreCall(ctx, request("pro1"))
	var queued *QueuedError
	if !errors.As(err, &queued) {
		t.Fatalf("overflow PreCall = %v, want QueuedError", err)
	}
	if queued.Position != 0 || queued.Priority != store.DefaultPriority {
		t.Errorf("first queued entry = %+v, want position 0 at default priority", queued)
	}
	clk.advance(time.Millisecond)

	err = m.PreCall(ctx, request("pro1"))
	if !errors.As(err, &queued) {
		t.Fatalf("second overflow = %v, want QueuedError", err)
	}
	if queued.Position != 1 {
		t.Errorf("second queued entry position = %d, want 1", queued.Position)
	}

	stats, _ := st.QueueStats(ctx, "pro1")
	if stats.Pending != 2 {
		t.Errorf("pending = %d, want 2", stats.Pending)
	}
	queuedEvents, _ := st.ListEvents(ctx, "pro1", store.EventQueued, time.Time{}, 0)
	if len(queuedEvents) != 2 {
		t.Errorf("queued events = %d, want 2", len(queuedEvents))
	}
}

func TestRequestedPriorityHonored(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()
	setLimit(t, st, "test", store.TierPro, 1)
	makePro(t, m, clk, "pro1")

	if err := m.PreCall(ctx, request("pro1")); err != nil {
		t.Fatalf("PreCall: %v", err)
	}
	req := request("pro1")
	req["priority"] = 9
	err := m.PreCall(ctx, req)
	var queued *QueuedError
	if !errors.As(err, &queued) {
		t.Fatalf("PreCall = %v, want QueuedError", err)
	}
	if queued.Priority != 9 {
		t.Errorf("priority = %d, want 9", queued.Priority)
	}
}

func TestDrainAdmitsQueuedWork(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()
	setLimit(t, st, "test", store.TierPro, 2)
	makePro(t, m, clk, "pro1")

	// Fill the window, then queue three more.
	for i := 0; i < 2; i++ {
		if err := m.PreCall(ctx, request("pro1")); err != nil {
			t.Fatalf("PreCall %d: %v", i, err)
		}
		clk.advance(time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		var queued *QueuedError
		if err := m.PreCall(ctx, request("pro1")); !errors.As(err, &queued) {
			t.Fatalf("overflow %d = %v, want QueuedError", i, err)
		}
		clk.advance(time.Millisecond)
	}

	var drained []string
	m.OnDrain = func(e *store.QueueEntry) { drained = append(drained, e.ID) }

	// Nothing fits while the window is still full.
	if n := m.DrainOnce(ctx); n != 0 {
		t.Fatalf("drain against full window admitted %d", n)
	}

	// After rotation there is room for two; the third entry stays queued.
	clk.advance(61 * time.Second)
	if n := m.DrainOnce(ctx); n != 2 {
		t.Fatalf("drain after rotation admitted %d, want 2", n)
	}
	if len(drained) != 2 {
		t.Fatalf("OnDrain fired %d times, want 2", len(drained))
	}

	stats, _ := st.QueueStats(ctx, "pro1")
	if stats.Pending != 1 || stats.Completed != 2 {
		t.Fatalf("queue stats = %+v, want 1 pending / 2 completed", stats)
	}

	// Drained admissions are audited with their queue history.
	events, _ := st.ListEvents(ctx, "pro1", store.EventAllowed, time.Time{}, 0)
	withQueueTag := 0
	for _, e := range events {
		if e.WasQueued {
			withQueueTag++
			if e.QueueTimeMS <= 0 {
				t.Errorf("drained event missing queue time: %+v", e)
			}
		}
	}
	if withQueueTag != 2 {
		t.Errorf("was_queued events = %d, want 2", withQueueTag)
	}
}

func TestDrainBatchBound(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()
	setLimit(t, st, "test", store.TierPro, 100)
	makePro(t, m, clk, "pro1")

	// Queue 8 entries directly; the window has plenty of room.
	tenant, _ := st.GetTenant(ctx, "pro1")
	for i := 0; i < 8; i++ {
		if _, err := m.queue.Submit(ctx, tenant, "test", "m", nil, 0); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		clk.advance(time.Millisecond)
	}

	if n := m.DrainOnce(ctx); n != m.cfg.DrainBatch {
		t.Fatalf("drain admitted %d, want batch bound %d", n, m.cfg.DrainBatch)
	}
	if n := m.DrainOnce(ctx); n != 3 {
		t.Fatalf("second drain admitted %d, want remaining 3", n)
	}
}

func TestPostCallAttributesTokens(t *testing.T) {
	st := store.NewMemoryStore()
	m, _ := newTestManager(t, st)
	ctx := context.Background()

	req := request("alice")
	req["provider"] = "anthropic"
	if err := m.PreCall(ctx, req); err != nil {
		t.Fatalf("PreCall: %v", err)
	}
	if _, ok := req[decisionKey].(*Decision); !ok {
		t.Fatal("PreCall did not stash a decision")
	}

	m.PostCall(ctx, req, map[string]any{
		"usage": map[string]any{"total_tokens": 1234},
	})

	w, err := st.GetCurrentWindow(ctx, "alice", "anthropic", "m", store.HorizonMinute)
	if err != nil || w == nil {
		t.Fatalf("minute window: %v %v", w, err)
	}
	if w.TokenCount != 1234 {
		t.Errorf("minute window tokens = %d, want 1234", w.TokenCount)
	}
	day, _ := st.GetCurrentWindow(ctx, "alice", "anthropic", "m", store.HorizonDay)
	if day.TokenCount != 1234 {
		t.Errorf("day window tokens = %d, want 1234", day.TokenCount)
	}
}

func TestCostMetricsBlockWins(t *testing.T) {
	response := map[string]any{
		"_cost_metrics": map[string]any{"tokens_total": 900},
		"usage":         map[string]any{"total_tokens": 100},
	}
	if got := extractTokens(response); got != 900 {
		t.Errorf("extractTokens = %d, want normalised block to win with 900", got)
	}
	if got := extractTokens(map[string]any{"usage": map[string]any{"total_tokens": float64(70)}}); got != 70 {
		t.Errorf("extractTokens fallback = %d, want 70", got)
	}
	if got := extractTokens(nil); got != 0 {
		t.Errorf("extractTokens(nil) = %d, want 0", got)
	}
}

func TestPostCallDrainsQueuedWork(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()
	setLimit(t, st, "test", store.TierPro, 1)
	makePro(t, m, clk, "pro1")

	admitted := request("pro1")
	if err := m.PreCall(ctx, admitted); err != nil {
		t.Fatalf("PreCall: %v", err)
	}
	clk.advance(time.Millisecond)

	err := m.PreCall(ctx, request("pro1"))
	var queued *QueuedError
	if !errors.As(err, &queued) {
		t.Fatalf("overflow PreCall = %v, want QueuedError", err)
	}

	var drained []string
	m.OnDrain = func(e *store.QueueEntry) { drained = append(drained, e.ID) }

	// The provider call finishes after the minute turned over; its post-call
	// is what admits the waiting entry, no background loop involved.
	clk.advance(61 * time.Second)
	m.PostCall(ctx, admitted, map[string]any{
		"usage": map[string]any{"total_tokens": 42},
	})

	entry, err := st.GetQueueEntry(ctx, queued.EntryID)
	if err != nil || entry == nil {
		t.Fatalf("queue entry: %v %v", entry, err)
	}
	if entry.Status != store.QueueCompleted {
		t.Fatalf("entry status = %q, want completed after post-call drain", entry.Status)
	}
	if len(drained) != 1 || drained[0] != queued.EntryID {
		t.Errorf("OnDrain got %v, want the queued entry", drained)
	}

	events, _ := st.ListEvents(ctx, "pro1", store.EventAllowed, time.Time{}, 0)
	var waited int64
	for _, e := range events {
		if e.WasQueued {
			waited = e.QueueTimeMS
		}
	}
	if waited < 61_000 {
		t.Errorf("queue time = %dms, want >= the 61s the entry waited", waited)
	}
}

func TestTokenUsageBlocksNextAdmit(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()
	err := st.UpsertLimitConfig(ctx, &store.LimitConfig{
		Provider: "test", Tier: store.TierFree,
		RequestsPerMinute: int64p(100), TokensPerMinute: int64p(1000),
	})
	if err != nil {
		t.Fatalf("upsert limit: %v", err)
	}

	req := request("alice")
	if err := m.PreCall(ctx, req); err != nil {
		t.Fatalf("PreCall: %v", err)
	}
	// The call burns the whole minute token budget.
	m.PostCall(ctx, req, map[string]any{
		"usage": map[string]any{"total_tokens": 1000},
	})
	clk.advance(time.Second)

	err = m.PreCall(ctx, request("alice"))
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("PreCall with token budget spent = %v, want BlockedError", err)
	}
	if blocked.Horizon != store.HorizonMinute || blocked.Current != 1000 || blocked.Limit != 1000 {
		t.Errorf("blocked detail = %+v, want minute 1000/1000", blocked)
	}

	// The window turns over and admits again.
	clk.advance(61 * time.Second)
	if err := m.PreCall(ctx, request("alice")); err != nil {
		t.Fatalf("PreCall after rotation: %v", err)
	}
}

func TestPostCallWithoutDecisionIsNoop(t *testing.T) {
	m, _ := newTestManager(t, store.NewMemoryStore())
	// A request that was never admitted carries no decision; PostCall must
	// not panic or write anything.
	m.PostCall(context.Background(), request("alice"), map[string]any{
		"usage": map[string]any{"total_tokens": 50},
	})
}

type failingStore struct {
	store.Store
	failTenant bool
	failWindow bool
}

func (f *failingStore) GetTenant(ctx context.Context, wallet string) (*store.Tenant, error) {
	if f.failTenant {
		return nil, errors.New("connection refused")
	}
	return f.Store.GetTenant(ctx, wallet)
}

func (f *failingStore) GetCurrentWindow(ctx context.Context, wallet, provider, model string, h store.Horizon) (*store.Window, error) {
	if f.failWindow {
		return nil, errors.New("connection refused")
	}
	return f.Store.GetCurrentWindow(ctx, wallet, provider, model, h)
}

func TestAdmissionFailsClosed(t *testing.T) {
	fs := &failingStore{Store: store.NewMemoryStore(), failTenant: true}
	m, _ := newTestManager(t, fs)
	ctx := context.Background()

	// An unreadable store refuses like any other block, but the refusal
	// unwraps to the store failure so hosts can tell outage from quota.
	err := m.PreCall(ctx, request("alice"))
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("PreCall with dead store = %v, want BlockedError", err)
	}
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("fail-closed refusal %v should unwrap to StoreError", err)
	}

	fs.failTenant = false
	fs.failWindow = true
	err = m.PreCall(ctx, request("alice"))
	if !errors.As(err, &blocked) {
		t.Fatalf("PreCall with unreadable windows = %v, want BlockedError", err)
	}
	if !errors.As(err, &se) {
		t.Fatalf("refusal %v should unwrap to StoreError", err)
	}
}

func TestSessionSummaryAndCleanup(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()

	req := request("alice")
	req["session_id"] = "sess-1"
	for i := 0; i < 3; i++ {
		if err := m.PreCall(ctx, req); err != nil {
			t.Fatalf("PreCall %d: %v", i, err)
		}
		delete(req, decisionKey)
		clk.advance(time.Second)
	}

	m.mu.Lock()
	_, tracked := m.sessions["sess-1"]
	m.mu.Unlock()
	if !tracked {
		t.Fatal("session not tracked")
	}

	m.SessionEnd(ctx, "alice", "sess-1")
	m.mu.Lock()
	_, tracked = m.sessions["sess-1"]
	m.mu.Unlock()
	if tracked {
		t.Fatal("session not cleared after SessionEnd")
	}

	// Ending an unknown session is harmless.
	m.SessionEnd(ctx, "", "never-seen")
}

func TestBackstopLimitsFreeTraffic(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.BackstopRPM = 2
	m := New(st, cfg)
	m.SetLogger(log.New(io.Discard, "", 0))
	clk := &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	m.SetClock(clk.now)
	ctx := context.Background()
	// Per-window limits are generous; only the shared backstop can refuse.
	setLimit(t, st, "test", store.TierFree, 1000)

	if err := m.PreCall(ctx, request("alice")); err != nil {
		t.Fatalf("PreCall 1: %v", err)
	}
	if err := m.PreCall(ctx, request("bob")); err != nil {
		t.Fatalf("PreCall 2: %v", err)
	}
	// The budget is shared: a third free tenant is refused.
	err := m.PreCall(ctx, request("carol"))
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("PreCall 3 = %v, want BlockedError from backstop", err)
	}
	if blocked.Limit != 2 {
		t.Errorf("backstop limit = %d, want 2", blocked.Limit)
	}

	// The bucket refills on the injected clock, not the wall clock.
	clk.advance(time.Minute)
	if err := m.PreCall(ctx, request("carol")); err != nil {
		t.Fatalf("PreCall after refill: %v", err)
	}
}

func TestPredictRequiresPatternTier(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()

	if _, err := m.Predict(ctx, "alice", clk.t); !errors.Is(err, ErrTierRestricted) {
		t.Fatalf("Predict for unknown tenant = %v, want ErrTierRestricted", err)
	}
	if err := m.PreCall(ctx, request("alice")); err != nil {
		t.Fatalf("PreCall: %v", err)
	}
	if _, err := m.Predict(ctx, "alice", clk.t); !errors.Is(err, ErrTierRestricted) {
		t.Fatalf("Predict for free tenant = %v, want ErrTierRestricted", err)
	}

	makePro(t, m, clk, "alice")
	if _, err := m.Predict(ctx, "alice", clk.t); err != nil {
		t.Fatalf("Predict for pro tenant: %v", err)
	}
}

func TestSessionEndAnalyzesByWallet(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()
	makePro(t, m, clk, "pro1")

	// Morning-heavy history recorded outside any tracked session.
	for day := 1; day <= 3; day++ {
		base := clk.t.AddDate(0, 0, -day)
		base = time.Date(base.Year(), base.Month(), base.Day(), 9, 0, 0, 0, time.UTC)
		for i := 0; i < 10; i++ {
			err := st.RecordEvent(ctx, &store.Event{
				ID: fmt.Sprintf("e%d-%d", day, i), Wallet: "pro1",
				Provider: "test", Kind: store.EventAllowed,
				Timestamp: base.Add(time.Duration(i) * time.Minute),
			})
			if err != nil {
				t.Fatalf("record event: %v", err)
			}
		}
	}

	// The session was never registered by a pre-call; the wallet alone
	// carries the analysis.
	m.SessionEnd(ctx, "pro1", "untracked-session")

	ps, err := st.ListPatterns(ctx, "pro1", 10)
	if err != nil {
		t.Fatalf("list patterns: %v", err)
	}
	if len(ps) == 0 {
		t.Fatal("expected session-end analysis to persist patterns")
	}
}

func TestStatusAndTierGating(t *testing.T) {
	st := store.NewMemoryStore()
	m, clk := newTestManager(t, st)
	ctx := context.Background()

	if err := m.PreCall(ctx, request("alice")); err != nil {
		t.Fatalf("PreCall: %v", err)
	}

	status, err := m.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Tier != store.TierFree {
		t.Errorf("tier = %s, want free", status.Tier)
	}
	if len(status.Windows) != 3 {
		t.Errorf("windows = %d, want 3", len(status.Windows))
	}
	if status.Queue != nil || status.Patterns != nil {
		t.Error("free-tier status must not expose queue or patterns")
	}

	// Custom limits are pro-only.
	cfg := &store.LimitConfig{Provider: "test", Tier: store.TierFree, RequestsPerMinute: int64p(5)}
	if err := m.SetLimit(ctx, "alice", cfg); !errors.Is(err, ErrTierRestricted) {
		t.Fatalf("SetLimit for free tenant = %v, want ErrTierRestricted", err)
	}

	makePro(t, m, clk, "alice")
	if err := m.SetLimit(ctx, "alice", cfg); err != nil {
		t.Fatalf("SetLimit for pro tenant: %v", err)
	}

	status, err = m.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Tier != store.TierPro || status.Queue == nil {
		t.Errorf("pro status = %+v, want pro tier with queue stats", status)
	}
}
