// Package tracker maintains the sliding request/token windows and answers
// the one question admission control needs: would this request exceed any
// enforced ceiling right now.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quotaplane/quotaplane/observability"
	"github.com/quotaplane/quotaplane/store"
)

// Tracker rotates windows lazily, on the request path: a stale active window
// is deactivated and replaced by a fresh one anchored at the current request,
// not at a clock boundary. There is no background rotation.
type Tracker struct {
	store store.Store
	now   func() time.Time
}

// New returns a Tracker over the given store.
func New(st store.Store) *Tracker {
	return &Tracker{store: st, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Check is the outcome of an admission probe across all horizons.
type Check struct {
	// Exceeded is true when any enforced ceiling refuses the request.
	Exceeded bool
	// Horizon, Current and Limit describe the ceiling that tripped when
	// Exceeded, or the most utilised ceiling otherwise.
	Horizon store.Horizon
	Current int64
	Limit   int64
	// PercentUsed is the projected utilisation of the tightest ceiling if
	// this request were admitted, in [0, 1+].
	PercentUsed float64
	// Windows holds the active window consulted per horizon, post-rotation.
	Windows map[store.Horizon]*store.Window
}

// WindowIDs returns the consulted window ids so late token counts can be
// attributed to the windows that admitted the request.
func (c *Check) WindowIDs() []string {
	ids := make([]string, 0, len(c.Windows))
	for _, h := range store.Horizons() {
		if w, ok := c.Windows[h]; ok {
			ids = append(ids, w.ID)
		}
	}
	return ids
}

// ResolveConfig walks the ceiling resolution chain: exact (provider, model,
// tier) row, provider-wide fallback row, then the built-in default table.
func (t *Tracker) ResolveConfig(ctx context.Context, provider, model string, tier store.Tier) (*store.LimitConfig, error) {
	cfg, err := t.store.GetLimitConfig(ctx, provider, model, tier)
	if err != nil {
		return nil, err
	}
	if cfg != nil {
		return cfg, nil
	}
	return store.DefaultLimitConfig(provider, tier), nil
}

// currentWindow returns the active window for the key, rotating first if the
// one on record has run past its end. New windows are anchored at now and
// snapshot the resolved ceilings.
func (t *Tracker) currentWindow(ctx context.Context, wallet, provider, model string, h store.Horizon, cfg *store.LimitConfig) (*store.Window, error) {
	w, err := t.store.GetCurrentWindow(ctx, wallet, provider, model, h)
	if err != nil {
		return nil, err
	}
	now := t.now()
	if w != nil && !w.Stale(now) {
		return w, nil
	}
	if w != nil {
		if err := t.store.DeactivateWindow(ctx, w.ID); err != nil {
			return nil, fmt.Errorf("tracker: rotate %s window: %w", h, err)
		}
		observability.WindowRotations.WithLabelValues(string(h)).Inc()
	}
	reqLimit, tokLimit := cfg.LimitsForHorizon(h)
	fresh := &store.Window{
		ID:           uuid.NewString(),
		Wallet:       wallet,
		Provider:     provider,
		Model:        model,
		Horizon:      h,
		Start:        now,
		End:          now.Add(h.Duration()),
		RequestLimit: reqLimit,
		TokenLimit:   tokLimit,
		Active:       true,
	}
	if err := t.store.CreateWindow(ctx, fresh); err != nil {
		return nil, fmt.Errorf("tracker: create %s window: %w", h, err)
	}
	return fresh, nil
}

// WouldExceed probes every horizon in order (minute, hour, day) and reports
// the first ceiling that refuses. A token ceiling refuses once the window's
// recorded usage has reached it; estimatedTokens, when positive, additionally
// refuses requests that would push past it (actual usage is only known after
// the call, so zero estimate means no forward check).
func (t *Tracker) WouldExceed(ctx context.Context, wallet, provider, model string, tier store.Tier, estimatedTokens int64) (*Check, error) {
	cfg, err := t.ResolveConfig(ctx, provider, model, tier)
	if err != nil {
		return nil, err
	}

	check := &Check{Windows: make(map[store.Horizon]*store.Window, 3)}
	for _, h := range store.Horizons() {
		w, err := t.currentWindow(ctx, wallet, provider, model, h, cfg)
		if err != nil {
			return nil, err
		}
		check.Windows[h] = w

		if w.RequestLimit != nil {
			limit := *w.RequestLimit
			if w.RequestCount >= limit {
				check.Exceeded = true
				check.Horizon = h
				check.Current = w.RequestCount
				check.Limit = limit
				check.PercentUsed = 1
				return check, nil
			}
			if limit > 0 {
				if used := float64(w.RequestCount+1) / float64(limit); used > check.PercentUsed {
					check.PercentUsed = used
					check.Horizon = h
					check.Current = w.RequestCount
					check.Limit = limit
				}
			}
		}
		if w.TokenLimit != nil {
			limit := *w.TokenLimit
			if w.TokenCount >= limit || (estimatedTokens > 0 && w.TokenCount+estimatedTokens > limit) {
				check.Exceeded = true
				check.Horizon = h
				check.Current = w.TokenCount
				check.Limit = limit
				check.PercentUsed = 1
				return check, nil
			}
			if limit > 0 {
				if used := float64(w.TokenCount) / float64(limit); used > check.PercentUsed {
					check.PercentUsed = used
					check.Horizon = h
					check.Current = w.TokenCount
					check.Limit = limit
				}
			}
		}
	}
	return check, nil
}

// Admit charges one request (and any already-known tokens) to every window
// the check consulted. Admission charges up front; a request that later
// fails at the provider still consumed quota.
func (t *Tracker) Admit(ctx context.Context, check *Check, tokens int64) error {
	for _, h := range store.Horizons() {
		w, ok := check.Windows[h]
		if !ok {
			continue
		}
		if err := t.store.IncrementWindow(ctx, w.ID, tokens); err != nil {
			return fmt.Errorf("tracker: charge %s window: %w", h, err)
		}
	}
	return nil
}

// AddTokens attributes post-call token usage to the windows that admitted the
// request. The windows may have rotated to inactive in the meantime; the
// counts still belong to them.
func (t *Tracker) AddTokens(ctx context.Context, windowIDs []string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	for _, id := range windowIDs {
		if err := t.store.AddWindowTokens(ctx, id, tokens); err != nil {
			return fmt.Errorf("tracker: add tokens: %w", err)
		}
	}
	return nil
}

// ActiveWindows lists a tenant's active windows with no rotation side
// effects; stale rows appear as stored until the next admission touches them.
func (t *Tracker) ActiveWindows(ctx context.Context, wallet string) ([]*store.Window, error) {
	return t.store.GetActiveWindows(ctx, wallet)
}
