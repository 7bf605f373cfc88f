// Package governor is the orchestration layer: it wraps provider calls with
// admission control, charges usage to sliding windows, defers pro-tier
// overflow to the queue and keeps the audit log.
package governor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quotaplane/quotaplane/observability"
	"github.com/quotaplane/quotaplane/patterns"
	"github.com/quotaplane/quotaplane/queue"
	"github.com/quotaplane/quotaplane/store"
	"github.com/quotaplane/quotaplane/tracker"
)

// Config tunes the manager's loops and thresholds.
type Config struct {
	// WarnThreshold is the projected utilisation at or above which an
	// admitted request is logged as warned instead of allowed.
	WarnThreshold float64
	// DrainBatch bounds admissions per drain pass so a deep queue cannot
	// monopolise fresh capacity.
	DrainBatch int
	// DrainInterval is how often the background drain pass runs.
	DrainInterval time.Duration
	// BackstopRPM is the shared free-tier request budget.
	BackstopRPM int
	// DefaultBaseRPM seeds lazily created tenants.
	DefaultBaseRPM int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WarnThreshold:  0.8,
		DrainBatch:     5,
		DrainInterval:  5 * time.Second,
		BackstopRPM:    store.FreeTierSharedRPM,
		DefaultBaseRPM: 100,
	}
}

// decisionKey is where PreCall stashes its outcome inside the request map so
// PostCall can attribute usage without re-deriving anything.
const decisionKey = "_quota_decision"

// Decision is the admission record carried from PreCall to PostCall.
type Decision struct {
	Wallet    string
	Provider  string
	Model     string
	Tier      store.Tier
	RequestID string
	WindowIDs []string
	Percent   float64
	At        time.Time
}

type sessionStats struct {
	wallet  string
	started time.Time
	allowed int
	warned  int
	blocked int
	queued  int
	tokens  int64
}

// Manager coordinates the tracker, queue and detector behind a small
// call-wrapping surface. Per-tenant mutexes serialise the check-then-charge
// sequence; everything else relies on store atomicity.
type Manager struct {
	cfg      Config
	store    store.Store
	tracker  *tracker.Tracker
	queue    *queue.Queue
	detector *patterns.Detector
	backstop *Backstop
	logger   *log.Logger
	now      func() time.Time

	// OnDrain, when set, is invoked with each queue entry admitted by the
	// drain loop so the host can execute the deferred request.
	OnDrain func(*store.QueueEntry)

	mu       sync.Mutex
	tenantMu map[string]*sync.Mutex
	sessions map[string]*sessionStats

	stop chan struct{}
	done sync.WaitGroup
}

// New wires a Manager over the given store with default components.
func New(st store.Store, cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    st,
		tracker:  tracker.New(st),
		queue:    queue.New(st),
		detector: patterns.New(st),
		backstop: NewBackstop(cfg.BackstopRPM),
		logger:   log.New(os.Stderr, "[governor] ", log.LstdFlags),
		now:      time.Now,
		tenantMu: make(map[string]*sync.Mutex),
		sessions: make(map[string]*sessionStats),
		stop:     make(chan struct{}),
	}
}

// SetClock overrides the time source on the manager and its components.
// Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
	m.tracker.SetClock(now)
	m.queue.SetClock(now)
	m.detector.SetClock(now)
}

// SetLogger replaces the default stderr logger.
func (m *Manager) SetLogger(l *log.Logger) { m.logger = l }

// Tracker exposes the window tracker for read paths.
func (m *Manager) Tracker() *tracker.Tracker { return m.tracker }

// Queue exposes the queue for host-side management calls.
func (m *Manager) Queue() *queue.Queue { return m.queue }

// Start launches the background drain loop. Stop with Stop.
func (m *Manager) Start() {
	m.done.Add(1)
	go m.drainLoop()
}

// Stop halts background loops and waits for them.
func (m *Manager) Stop() {
	close(m.stop)
	m.done.Wait()
}

func (m *Manager) tenantLock(wallet string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.tenantMu[wallet]
	if !ok {
		mu = &sync.Mutex{}
		m.tenantMu[wallet] = mu
	}
	return mu
}

// loadTenant fetches the tenant, creating a free-tier record on first sight.
func (m *Manager) loadTenant(ctx context.Context, wallet string) (*store.Tenant, error) {
	t, err := m.store.GetTenant(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if t != nil {
		return t, nil
	}
	now := m.now()
	t = &store.Tenant{
		Wallet:    wallet,
		Tier:      store.TierFree,
		BaseRPM:   m.cfg.DefaultBaseRPM,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.UpsertTenant(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func stringField(req map[string]any, key string) string {
	s, _ := req[key].(string)
	return s
}

func int64Field(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// extractTokens pulls total token usage out of a provider response. The
// normalised cost block wins; the raw provider usage block is the fallback.
func extractTokens(response map[string]any) int64 {
	if response == nil {
		return 0
	}
	if cost, ok := response["_cost_metrics"].(map[string]any); ok {
		if n := int64Field(cost, "tokens_total"); n > 0 {
			return n
		}
	}
	if usage, ok := response["usage"].(map[string]any); ok {
		if n := int64Field(usage, "total_tokens"); n > 0 {
			return n
		}
	}
	return 0
}

// failClosed converts a store failure on the admission path into a refusal.
// State that cannot be read must never admit; the returned BlockedError
// unwraps to a StoreError so hosts can still distinguish outage from quota.
func (m *Manager) failClosed(op, wallet, provider, model string, err error) error {
	m.logger.Printf("store failure during %s (wallet=%s): %v; refusing", op, wallet, err)
	return &BlockedError{
		Wallet: wallet, Provider: provider, Model: model,
		Cause: &StoreError{Op: op, Err: err},
	}
}

// PreCall gates one outbound provider request. A nil return means the call
// may proceed and has already been charged. Any non-nil return means the
// call must not proceed: *QueuedError for deferred requests, *BlockedError
// for refusals. When store state is unreadable, admission fails closed with
// a *BlockedError wrapping a *StoreError.
func (m *Manager) PreCall(ctx context.Context, request map[string]any) error {
	wallet := stringField(request, "wallet")
	provider := stringField(request, "provider")
	if wallet == "" || provider == "" {
		return ErrInvalidInput
	}
	model := stringField(request, "model")
	requestID := stringField(request, "request_id")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	lock := m.tenantLock(wallet)
	lock.Lock()
	defer lock.Unlock()

	tenant, err := m.loadTenant(ctx, wallet)
	if err != nil {
		return m.failClosed("load tenant", wallet, provider, model, err)
	}
	now := m.now()
	tier := tenant.EffectiveTier(now)

	if tier == store.TierFree && !m.backstop.Allow(now) {
		m.recordEvent(ctx, &store.Event{
			Wallet: wallet, Provider: provider, Model: model,
			Kind: store.EventBlocked, Horizon: store.HorizonMinute,
			Limit: int64(m.backstop.RPM()), PercentUsed: 1, RequestID: requestID,
		})
		m.bumpSession(request, store.EventBlocked, 0)
		observability.Decisions.WithLabelValues(string(store.EventBlocked), string(store.HorizonMinute)).Inc()
		return &BlockedError{
			Wallet: wallet, Provider: provider, Model: model,
			Horizon: store.HorizonMinute, Limit: int64(m.backstop.RPM()),
			RetryAfter: time.Minute,
		}
	}

	check, err := m.tracker.WouldExceed(ctx, wallet, provider, model, tier, int64Field(request, "estimated_tokens"))
	if err != nil {
		return m.failClosed("admission check", wallet, provider, model, err)
	}

	if !check.Exceeded {
		if err := m.tracker.Admit(ctx, check, 0); err != nil {
			return m.failClosed("charge windows", wallet, provider, model, err)
		}
		kind := store.EventAllowed
		if check.PercentUsed >= m.cfg.WarnThreshold {
			kind = store.EventWarned
		}
		m.recordEvent(ctx, &store.Event{
			Wallet: wallet, Provider: provider, Model: model,
			Kind: kind, Horizon: check.Horizon,
			CurrentCount: check.Current, Limit: check.Limit,
			PercentUsed: check.PercentUsed, RequestID: requestID,
		})
		m.bumpSession(request, kind, 0)
		observability.Decisions.WithLabelValues(string(kind), string(check.Horizon)).Inc()
		request[decisionKey] = &Decision{
			Wallet: wallet, Provider: provider, Model: model, Tier: tier,
			RequestID: requestID, WindowIDs: check.WindowIDs(),
			Percent: check.PercentUsed, At: now,
		}
		return nil
	}

	// Ceiling reached. Pro tenants overflow onto the queue; everyone else
	// is refused until the window turns over.
	caps := store.CapabilitiesFor(tier)
	if caps.MayQueue {
		payload, _ := json.Marshal(request)
		entry, qerr := m.queue.Submit(ctx, tenant, provider, model, payload, int(int64Field(request, "priority")))
		if qerr == nil {
			m.recordEvent(ctx, &store.Event{
				Wallet: wallet, Provider: provider, Model: model,
				Kind: store.EventQueued, Horizon: check.Horizon,
				CurrentCount: check.Current, Limit: check.Limit,
				PercentUsed: check.PercentUsed, RequestID: requestID,
			})
			m.bumpSession(request, store.EventQueued, 0)
			observability.Decisions.WithLabelValues(string(store.EventQueued), string(check.Horizon)).Inc()
			pos, _ := m.queue.Position(ctx, entry.ID)
			return &QueuedError{EntryID: entry.ID, Position: pos, Priority: entry.Priority}
		}
		if !errors.Is(qerr, queue.ErrFull) && !errors.Is(qerr, queue.ErrDisabled) {
			return m.failClosed("enqueue", wallet, provider, model, qerr)
		}
		// Queue full: fall through to a plain refusal carrying the queue
		// error as context.
		m.blockEvent(ctx, request, wallet, provider, model, requestID, check)
		return fmt.Errorf("%w: %v", qerr, m.blockedError(wallet, provider, model, check))
	}

	m.blockEvent(ctx, request, wallet, provider, model, requestID, check)
	return m.blockedError(wallet, provider, model, check)
}

func (m *Manager) blockedError(wallet, provider, model string, check *tracker.Check) *BlockedError {
	retry := time.Duration(0)
	if w, ok := check.Windows[check.Horizon]; ok {
		retry = w.End.Sub(m.now())
	}
	return &BlockedError{
		Wallet: wallet, Provider: provider, Model: model,
		Horizon: check.Horizon, Current: check.Current, Limit: check.Limit,
		RetryAfter: retry,
	}
}

func (m *Manager) blockEvent(ctx context.Context, request map[string]any, wallet, provider, model, requestID string, check *tracker.Check) {
	m.recordEvent(ctx, &store.Event{
		Wallet: wallet, Provider: provider, Model: model,
		Kind: store.EventBlocked, Horizon: check.Horizon,
		CurrentCount: check.Current, Limit: check.Limit,
		PercentUsed: check.PercentUsed, RequestID: requestID,
	})
	m.bumpSession(request, store.EventBlocked, 0)
	observability.Decisions.WithLabelValues(string(store.EventBlocked), string(check.Horizon)).Inc()
}

// recordEvent writes one audit row. Event write failures are logged and
// swallowed: the admission decision already stands and must not be reversed
// by audit trouble.
func (m *Manager) recordEvent(ctx context.Context, e *store.Event) {
	e.ID = uuid.NewString()
	e.Timestamp = m.now()
	if err := m.store.RecordEvent(ctx, e); err != nil {
		m.logger.Printf("event write failed (kind=%s wallet=%s): %v", e.Kind, e.Wallet, err)
	}
}

func (m *Manager) bumpSession(request map[string]any, kind store.EventKind, tokens int64) {
	sessionID := stringField(request, "session_id")
	if sessionID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &sessionStats{wallet: stringField(request, "wallet"), started: m.now()}
		m.sessions[sessionID] = s
	}
	switch kind {
	case store.EventAllowed:
		s.allowed++
	case store.EventWarned:
		s.warned++
	case store.EventBlocked:
		s.blocked++
	case store.EventQueued:
		s.queued++
	}
	s.tokens += tokens
}

// PostCall attributes actual token usage to the windows that admitted the
// request, then opportunistically drains the tenant's queued work now that
// counts are final. It never fails the caller: post-call accounting errors
// are logged and swallowed because the provider call already happened.
func (m *Manager) PostCall(ctx context.Context, request, response map[string]any) {
	d, _ := request[decisionKey].(*Decision)
	if d == nil {
		return
	}
	if tokens := extractTokens(response); tokens > 0 {
		lock := m.tenantLock(d.Wallet)
		lock.Lock()
		if err := m.tracker.AddTokens(ctx, d.WindowIDs, tokens); err != nil {
			m.logger.Printf("token attribution failed (wallet=%s tokens=%d): %v", d.Wallet, tokens, err)
		}
		lock.Unlock()
		m.bumpSession(request, "", tokens)
	}
	if store.CapabilitiesFor(d.Tier).MayQueue {
		if n := m.drain(ctx, d.Wallet); n > 0 {
			m.logger.Printf("post-call drained %d queued request(s) for %s", n, d.Wallet)
		}
	}
}

// SessionEnd closes out a host session: it logs the roster summary when the
// session was seen and, for pro tenants, runs pattern analysis over the fresh
// events. The wallet stands on its own so analysis still runs for sessions
// whose pre-calls never registered. All failures are logged and swallowed.
func (m *Manager) SessionEnd(ctx context.Context, wallet, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		if wallet == "" {
			wallet = s.wallet
		}
		m.logger.Printf("session %s ended: wallet=%s allowed=%d warned=%d blocked=%d queued=%d tokens=%d duration=%s",
			sessionID, s.wallet, s.allowed, s.warned, s.blocked, s.queued, s.tokens,
			m.now().Sub(s.started).Round(time.Second))
	}
	if wallet == "" {
		return
	}

	tenant, err := m.store.GetTenant(ctx, wallet)
	if err != nil {
		m.logger.Printf("session %s: tenant lookup failed: %v", sessionID, err)
		return
	}
	if tenant == nil || !store.CapabilitiesFor(tenant.EffectiveTier(m.now())).MayLearnPatterns {
		return
	}
	if _, err := m.detector.Analyze(ctx, wallet); err != nil {
		m.logger.Printf("session %s: pattern analysis failed: %v", sessionID, err)
	}
}

func (m *Manager) drainLoop() {
	defer m.done.Done()
	ticker := time.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			if n := m.DrainOnce(context.Background()); n > 0 {
				m.logger.Printf("drained %d queued request(s)", n)
			}
		}
	}
}

// DrainOnce sweeps the whole queue once, admitting up to DrainBatch entries.
// The background ticker runs this as a catch-all for tenants that went quiet;
// the primary drain path is per-tenant, on each post-call.
func (m *Manager) DrainOnce(ctx context.Context) int {
	return m.drain(ctx, "")
}

// drain admits up to DrainBatch queued entries (for one wallet, or any when
// wallet is empty) that now fit under their ceilings. An entry that still
// does not fit is put back and the pass stops; entries are ordered, so for a
// single tenant nothing behind it can be eligible sooner. Returns the number
// of entries admitted.
func (m *Manager) drain(ctx context.Context, wallet string) int {
	admitted := 0
	for admitted < m.cfg.DrainBatch {
		entry, err := m.queue.DequeueNext(ctx, wallet)
		if err != nil {
			m.logger.Printf("drain: dequeue failed: %v", err)
			return admitted
		}
		if entry == nil {
			return admitted
		}
		if !m.drainEntry(ctx, entry) {
			return admitted
		}
		admitted++
	}
	return admitted
}

func (m *Manager) drainEntry(ctx context.Context, entry *store.QueueEntry) bool {
	lock := m.tenantLock(entry.Wallet)
	lock.Lock()
	defer lock.Unlock()

	tenant, err := m.loadTenant(ctx, entry.Wallet)
	if err != nil {
		m.requeue(ctx, entry)
		return false
	}
	tier := tenant.EffectiveTier(m.now())
	check, err := m.tracker.WouldExceed(ctx, entry.Wallet, entry.Provider, entry.Model, tier, 0)
	if err != nil || check.Exceeded {
		m.requeue(ctx, entry)
		return false
	}
	if err := m.tracker.Admit(ctx, check, 0); err != nil {
		m.requeue(ctx, entry)
		return false
	}

	waited := m.now().Sub(entry.QueuedAt)
	m.recordEvent(ctx, &store.Event{
		Wallet: entry.Wallet, Provider: entry.Provider, Model: entry.Model,
		Kind: store.EventAllowed, Horizon: check.Horizon,
		CurrentCount: check.Current, Limit: check.Limit,
		PercentUsed: check.PercentUsed,
		WasQueued:   true, QueueTimeMS: waited.Milliseconds(),
	})
	observability.Decisions.WithLabelValues(string(store.EventAllowed), string(check.Horizon)).Inc()

	if err := m.queue.Complete(ctx, entry, true, ""); err != nil {
		m.logger.Printf("drain: complete failed (entry=%s): %v", entry.ID, err)
	}
	if m.OnDrain != nil {
		m.OnDrain(entry)
	}
	return true
}

func (m *Manager) requeue(ctx context.Context, entry *store.QueueEntry) {
	if err := m.queue.Requeue(ctx, entry.ID); err != nil {
		m.logger.Printf("drain: requeue failed (entry=%s): %v", entry.ID, err)
	}
}
