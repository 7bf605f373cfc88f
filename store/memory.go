package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds all governor state in process memory. It implements the
// Store interface and is the backend used by tests and by hosts that accept
// losing accounting state on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	configs  map[string]*LimitConfig
	windows  map[string]*Window
	queue    map[string]*QueueEntry
	events   []*Event
	tenants  map[string]*Tenant
	patterns map[string]*Pattern
}

// NewMemoryStore initialises an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:  make(map[string]*LimitConfig),
		windows:  make(map[string]*Window),
		queue:    make(map[string]*QueueEntry),
		tenants:  make(map[string]*Tenant),
		patterns: make(map[string]*Pattern),
	}
}

func configKey(provider string, model *string, tier Tier) string {
	m := ""
	if model != nil {
		m = *model
	}
	return provider + "|" + m + "|" + string(tier)
}

// --- Limit configs ---

func (s *MemoryStore) GetLimitConfig(ctx context.Context, provider, model string, tier Tier) (*LimitConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if model != "" {
		if cfg, ok := s.configs[provider+"|"+model+"|"+string(tier)]; ok {
			cp := *cfg
			return &cp, nil
		}
	}
	if cfg, ok := s.configs[provider+"||"+string(tier)]; ok {
		cp := *cfg
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) UpsertLimitConfig(ctx context.Context, cfg *LimitConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.configs[configKey(cfg.Provider, cfg.Model, cfg.Tier)] = &cp
	return nil
}

// --- Windows ---

func (s *MemoryStore) GetCurrentWindow(ctx context.Context, wallet, provider, model string, horizon Horizon) (*Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.windows {
		if w.Active && w.Wallet == wallet && w.Provider == provider && w.Model == model && w.Horizon == horizon {
			cp := *w
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateWindow(ctx context.Context, w *Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.windows[w.ID] = &cp
	return nil
}

func (s *MemoryStore) DeactivateWindow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return ErrNotFound
	}
	w.Active = false
	return nil
}

func (s *MemoryStore) IncrementWindow(ctx context.Context, id string, deltaTokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return ErrNotFound
	}
	w.RequestCount++
	w.TokenCount += deltaTokens
	return nil
}

func (s *MemoryStore) AddWindowTokens(ctx context.Context, id string, deltaTokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[id]
	if !ok {
		return ErrNotFound
	}
	w.TokenCount += deltaTokens
	return nil
}

func (s *MemoryStore) GetActiveWindows(ctx context.Context, wallet string) ([]*Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Window, 0)
	for _, w := range s.windows {
		if w.Active && w.Wallet == wallet {
			cp := *w
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Provider != result[j].Provider {
			return result[i].Provider < result[j].Provider
		}
		return result[i].Horizon.Duration() < result[j].Horizon.Duration()
	})
	return result, nil
}

// --- Queue ---

func (s *MemoryStore) Enqueue(ctx context.Context, e *QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.queue[e.ID] = &cp
	return nil
}

// ahead reports whether a precedes b under (priority desc, queued_at asc).
func ahead(a, b *QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.QueuedAt.Before(b.QueuedAt)
}

func (s *MemoryStore) DequeueOne(ctx context.Context, wallet string) (*QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *QueueEntry
	for _, e := range s.queue {
		if e.Status != QueuePending || e.RetryCount >= e.MaxRetries {
			continue
		}
		if wallet != "" && e.Wallet != wallet {
			continue
		}
		if best == nil || ahead(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = QueueProcessing
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) RequeueEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok || e.Status != QueueProcessing {
		return ErrNotFound
	}
	e.Status = QueuePending
	return nil
}

func (s *MemoryStore) CompleteQueued(ctx context.Context, id string, success bool, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok || e.Terminal() {
		return ErrNotFound
	}
	now := time.Now()
	e.ProcessedAt = &now
	if success {
		e.Status = QueueCompleted
		return nil
	}
	e.Status = QueueFailed
	e.RetryCount++
	e.Error = errMsg
	return nil
}

func (s *MemoryStore) CancelQueued(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok || e.Status != QueuePending {
		return ErrNotFound
	}
	now := time.Now()
	e.Status = QueueFailed
	e.Error = QueueReasonCancelled
	e.ProcessedAt = &now
	return nil
}

func (s *MemoryStore) UpdateQueuePriority(ctx context.Context, id string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok || e.Status != QueuePending {
		return ErrNotFound
	}
	e.Priority = priority
	return nil
}

func (s *MemoryStore) GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.queue[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) QueuePosition(ctx context.Context, id string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.queue[id]
	if !ok || target.Status != QueuePending {
		return 0, ErrNotFound
	}
	pos := 0
	for _, e := range s.queue {
		if e.ID == id || e.Status != QueuePending || e.Wallet != target.Wallet {
			continue
		}
		if ahead(e, target) {
			pos++
		}
	}
	return pos, nil
}

func (s *MemoryStore) CountPendingQueue(ctx context.Context, wallet string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.queue {
		if e.Status == QueuePending && e.Wallet == wallet {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListQueue(ctx context.Context, wallet string, limit int) ([]*QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*QueueEntry, 0)
	for _, e := range s.queue {
		if e.Wallet == wallet {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return ahead(result[i], result[j]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) QueueStats(ctx context.Context, wallet string) (*QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &QueueStats{}
	var waitSum float64
	var waitN int
	for _, e := range s.queue {
		if e.Wallet != wallet {
			continue
		}
		switch e.Status {
		case QueuePending:
			stats.Pending++
		case QueueProcessing:
			stats.Processing++
		case QueueCompleted:
			stats.Completed++
		case QueueFailed:
			stats.Failed++
		}
		if e.Terminal() && e.ProcessedAt != nil {
			waitSum += float64(e.ProcessedAt.Sub(e.QueuedAt).Milliseconds())
			waitN++
		}
	}
	if waitN > 0 {
		stats.AvgWaitMS = waitSum / float64(waitN)
	}
	return stats, nil
}

// --- Events ---

func (s *MemoryStore) RecordEvent(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, wallet string, kind EventKind, since time.Time, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Event, 0)
	for _, e := range s.events {
		if e.Wallet != wallet {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.After(result[j].Timestamp) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- Tenants ---

func (s *MemoryStore) GetTenant(ctx context.Context, wallet string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[wallet]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[strings.TrimSpace(t.Wallet)] = &cp
	return nil
}

// --- Patterns ---

func (s *MemoryStore) UpsertPattern(ctx context.Context, p *Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.patterns[p.ID]; ok && !existing.FirstDetected.IsZero() {
		p.FirstDetected = existing.FirstDetected
	}
	cp := *p
	s.patterns[p.ID] = &cp
	return nil
}

func (s *MemoryStore) ListPatterns(ctx context.Context, wallet string, limit int) ([]*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Pattern, 0)
	for _, p := range s.patterns {
		if p.Wallet == wallet {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Confidence > result[j].Confidence })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- Housekeeping ---

func (s *MemoryStore) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	var removed int64
	for _, e := range s.events {
		if e.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

func (s *MemoryStore) PruneQueueEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, e := range s.queue {
		if e.Terminal() && e.ProcessedAt != nil && e.ProcessedAt.Before(olderThan) {
			delete(s.queue, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) PruneWindows(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, w := range s.windows {
		if !w.Active && w.End.Before(olderThan) {
			delete(s.windows, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) PrunePatterns(ctx context.Context, maxConfidence float64, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, p := range s.patterns {
		if p.Confidence < maxConfidence && p.LastObserved.Before(olderThan) {
			delete(s.patterns, id)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
