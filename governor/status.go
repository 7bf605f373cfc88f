package governor

import (
	"context"
	"fmt"
	"time"

	"github.com/quotaplane/quotaplane/patterns"
	"github.com/quotaplane/quotaplane/store"
)

// WindowStatus is one active window with its utilisation.
type WindowStatus struct {
	Window      *store.Window `json:"window"`
	ReqPercent  float64       `json:"request_percent"`
	TokPercent  float64       `json:"token_percent"`
	TimeLeft    time.Duration `json:"time_left"`
	ExpiredOnly bool          `json:"expired"`
}

// TenantStatus is the read-side snapshot for one tenant.
type TenantStatus struct {
	Tenant       *store.Tenant          `json:"tenant"`
	Tier         store.Tier             `json:"tier"`
	Capabilities store.TierCapabilities `json:"capabilities"`
	Windows      []WindowStatus         `json:"windows"`
	Queue        *store.QueueStats      `json:"queue,omitempty"`
	Patterns     []*store.Pattern       `json:"patterns,omitempty"`
}

// Status assembles a tenant snapshot: effective tier, capabilities, active
// windows with utilisation, and for pro tenants the queue and patterns.
func (m *Manager) Status(ctx context.Context, wallet string) (*TenantStatus, error) {
	tenant, err := m.store.GetTenant(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("governor: status: %w", err)
	}
	if tenant == nil {
		return nil, fmt.Errorf("governor: status: %w", store.ErrNotFound)
	}
	now := m.now()
	tier := tenant.EffectiveTier(now)
	status := &TenantStatus{
		Tenant:       tenant,
		Tier:         tier,
		Capabilities: store.CapabilitiesFor(tier),
	}

	windows, err := m.tracker.ActiveWindows(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("governor: status: %w", err)
	}
	for _, w := range windows {
		ws := WindowStatus{Window: w, TimeLeft: w.End.Sub(now), ExpiredOnly: w.Stale(now)}
		if ws.TimeLeft < 0 {
			ws.TimeLeft = 0
		}
		if w.RequestLimit != nil && *w.RequestLimit > 0 {
			ws.ReqPercent = float64(w.RequestCount) / float64(*w.RequestLimit)
		}
		if w.TokenLimit != nil && *w.TokenLimit > 0 {
			ws.TokPercent = float64(w.TokenCount) / float64(*w.TokenLimit)
		}
		status.Windows = append(status.Windows, ws)
	}

	if status.Capabilities.MayQueue {
		qs, err := m.queue.Stats(ctx, wallet)
		if err != nil {
			return nil, fmt.Errorf("governor: status: %w", err)
		}
		status.Queue = qs
	}
	if status.Capabilities.MayLearnPatterns {
		ps, err := m.store.ListPatterns(ctx, wallet, 20)
		if err != nil {
			return nil, fmt.Errorf("governor: status: %w", err)
		}
		status.Patterns = ps
	}
	return status, nil
}

// ActiveWindows returns the tenant's active windows, ordered by provider
// then horizon.
func (m *Manager) ActiveWindows(ctx context.Context, wallet string) ([]*store.Window, error) {
	return m.tracker.ActiveWindows(ctx, wallet)
}

// QueueEntries lists a tenant's queue entries in dequeue order.
func (m *Manager) QueueEntries(ctx context.Context, wallet string, limit int) ([]*store.QueueEntry, error) {
	return m.queue.List(ctx, wallet, limit)
}

// QueueStats summarises a tenant's queue.
func (m *Manager) QueueStats(ctx context.Context, wallet string) (*store.QueueStats, error) {
	return m.queue.Stats(ctx, wallet)
}

// Events lists a tenant's audit events, newest first.
func (m *Manager) Events(ctx context.Context, wallet string, kind store.EventKind, since time.Time, limit int) ([]*store.Event, error) {
	return m.store.ListEvents(ctx, wallet, kind, since, limit)
}

// Patterns lists a tenant's persisted patterns.
func (m *Manager) Patterns(ctx context.Context, wallet string, limit int) ([]*store.Pattern, error) {
	return m.store.ListPatterns(ctx, wallet, limit)
}

// Predict forecasts the tenant's request rate at the given time. Forecasts
// ride on learned patterns, so the same tier capability gates both.
func (m *Manager) Predict(ctx context.Context, wallet string, at time.Time) (*patterns.Prediction, error) {
	tenant, err := m.store.GetTenant(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("governor: predict: %w", err)
	}
	if tenant == nil || !store.CapabilitiesFor(tenant.EffectiveTier(m.now())).MayLearnPatterns {
		return nil, ErrTierRestricted
	}
	return m.detector.Predict(ctx, wallet, at)
}

// SetLimit installs a custom ceiling row. Custom limits are a pro-tier
// capability; the row itself is keyed by provider/model/tier, so it shapes
// every tenant resolving through that key.
func (m *Manager) SetLimit(ctx context.Context, wallet string, cfg *store.LimitConfig) error {
	tenant, err := m.store.GetTenant(ctx, wallet)
	if err != nil {
		return fmt.Errorf("governor: set limit: %w", err)
	}
	if tenant == nil || !store.CapabilitiesFor(tenant.EffectiveTier(m.now())).MayUseCustomLimits {
		return ErrTierRestricted
	}
	if cfg.Provider == "" {
		return ErrInvalidInput
	}
	if cfg.Tier == "" {
		cfg.Tier = tenant.EffectiveTier(m.now())
	}
	if err := m.store.UpsertLimitConfig(ctx, cfg); err != nil {
		return fmt.Errorf("governor: set limit: %w", err)
	}
	return nil
}

// SetTenant upserts a tenant record. Hosts call this when a tenant's tier or
// paid-until changes; the governor never mutates tiers on its own.
func (m *Manager) SetTenant(ctx context.Context, t *store.Tenant) error {
	t.UpdatedAt = m.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = t.UpdatedAt
	}
	if err := m.store.UpsertTenant(ctx, t); err != nil {
		return fmt.Errorf("governor: set tenant: %w", err)
	}
	return nil
}
