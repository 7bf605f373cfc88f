package store

import (
	"time"
)

// Tier is the per-tenant capability profile.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Horizon is the duration class of a sliding window.
type Horizon string

const (
	HorizonMinute Horizon = "minute"
	HorizonHour   Horizon = "hour"
	HorizonDay    Horizon = "day"
)

// Horizons lists the enforced horizons in check order (first refusal wins).
func Horizons() []Horizon {
	return []Horizon{HorizonMinute, HorizonHour, HorizonDay}
}

// Duration returns the wall-clock length of the horizon.
func (h Horizon) Duration() time.Duration {
	switch h {
	case HorizonMinute:
		return time.Minute
	case HorizonHour:
		return time.Hour
	case HorizonDay:
		return 24 * time.Hour
	}
	return 0
}

// Valid reports whether h is one of the three enforced horizons.
func (h Horizon) Valid() bool {
	return h == HorizonMinute || h == HorizonHour || h == HorizonDay
}

// TierCapabilities is the feature matrix derived from a tenant's tier.
type TierCapabilities struct {
	MayQueue           bool `json:"may_queue"`
	MaxQueueSize       int  `json:"max_queue_size"`
	MayLearnPatterns   bool `json:"may_learn_patterns"`
	MayUseCustomLimits bool `json:"may_use_custom_limits"`
	PriorityQueue      bool `json:"priority_queue_enabled"`
}

// CapabilitiesFor maps a tier to its capability flags.
func CapabilitiesFor(t Tier) TierCapabilities {
	if t == TierPro {
		return TierCapabilities{
			MayQueue:           true,
			MaxQueueSize:       100,
			MayLearnPatterns:   true,
			MayUseCustomLimits: true,
			PriorityQueue:      true,
		}
	}
	return TierCapabilities{}
}

// Tenant is the principal whose quota is enforced, identified by an opaque
// wallet string. A stored "pro" tier without a live paid_until is treated
// as free.
type Tenant struct {
	Wallet    string     `json:"wallet" db:"wallet"`
	Tier      Tier       `json:"tier" db:"tier"`
	BaseRPM   int        `json:"base_rpm" db:"base_rpm"`
	PaidUntil *time.Time `json:"paid_until,omitempty" db:"paid_until"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// EffectiveTier resolves the tier actually in force at now: pro only while
// paid_until is in the future.
func (t *Tenant) EffectiveTier(now time.Time) Tier {
	if t == nil {
		return TierFree
	}
	if t.Tier == TierPro && t.PaidUntil != nil && t.PaidUntil.After(now) {
		return TierPro
	}
	return TierFree
}

// LimitConfig maps (provider, model-or-wildcard, tier) to optional ceilings.
// A nil Model is the provider-wide fallback row. Nil ceilings are not
// enforced.
type LimitConfig struct {
	Provider          string  `json:"provider" db:"provider"`
	Model             *string `json:"model,omitempty" db:"model"`
	Tier              Tier    `json:"tier" db:"tier"`
	RequestsPerMinute *int64  `json:"requests_per_minute,omitempty" db:"requests_per_minute"`
	RequestsPerHour   *int64  `json:"requests_per_hour,omitempty" db:"requests_per_hour"`
	RequestsPerDay    *int64  `json:"requests_per_day,omitempty" db:"requests_per_day"`
	TokensPerMinute   *int64  `json:"tokens_per_minute,omitempty" db:"tokens_per_minute"`
	TokensPerDay      *int64  `json:"tokens_per_day,omitempty" db:"tokens_per_day"`
}

// LimitsForHorizon returns the (request, token) ceilings this config
// enforces on the given horizon. Token ceilings exist only on the minute and
// day horizons.
func (c *LimitConfig) LimitsForHorizon(h Horizon) (reqLimit, tokLimit *int64) {
	if c == nil {
		return nil, nil
	}
	switch h {
	case HorizonMinute:
		return c.RequestsPerMinute, c.TokensPerMinute
	case HorizonHour:
		return c.RequestsPerHour, nil
	case HorizonDay:
		return c.RequestsPerDay, c.TokensPerDay
	}
	return nil, nil
}

// Window is one accounting bucket for a (tenant, provider, model, horizon)
// key. At most one active window exists per key; counts are monotonic while
// the window is active.
type Window struct {
	ID           string    `json:"id" db:"id"`
	Wallet       string    `json:"wallet" db:"wallet"`
	Provider     string    `json:"provider" db:"provider"`
	Model        string    `json:"model" db:"model"`
	Horizon      Horizon   `json:"horizon" db:"horizon"`
	Start        time.Time `json:"start" db:"start_at"`
	End          time.Time `json:"end" db:"end_at"`
	RequestCount int64     `json:"request_count" db:"request_count"`
	TokenCount   int64     `json:"token_count" db:"token_count"`
	RequestLimit *int64    `json:"request_limit,omitempty" db:"request_limit"`
	TokenLimit   *int64    `json:"token_limit,omitempty" db:"token_limit"`
	Active       bool      `json:"active" db:"active"`
}

// Stale reports whether the window has run past its end at now.
func (w *Window) Stale(now time.Time) bool {
	return !now.Before(w.End)
}

// Queue entry statuses.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

// Queue failure reasons recorded in QueueEntry.Error.
const (
	QueueReasonExpired   = "expired"
	QueueReasonCancelled = "cancelled"
)

// Priority bounds for queue entries.
const (
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5
)

// DefaultMaxRetries bounds how often a failed entry stays dequeue-eligible.
const DefaultMaxRetries = 3

// QueueEntry is a deferred request awaiting capacity.
type QueueEntry struct {
	ID          string     `json:"id" db:"id"`
	Wallet      string     `json:"wallet" db:"wallet"`
	Provider    string     `json:"provider" db:"provider"`
	Model       string     `json:"model" db:"model"`
	Payload     []byte     `json:"payload,omitempty" db:"payload"`
	Priority    int        `json:"priority" db:"priority"`
	RetryCount  int        `json:"retry_count" db:"retry_count"`
	MaxRetries  int        `json:"max_retries" db:"max_retries"`
	Status      string     `json:"status" db:"status"`
	QueuedAt    time.Time  `json:"queued_at" db:"queued_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	Error       string     `json:"error,omitempty" db:"error"`
}

// Terminal reports whether the entry reached a final status.
func (e *QueueEntry) Terminal() bool {
	return e.Status == QueueCompleted || e.Status == QueueFailed
}

// QueueStats summarises a tenant's queue.
type QueueStats struct {
	Pending    int     `json:"pending"`
	Processing int     `json:"processing"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	AvgWaitMS  float64 `json:"avg_wait_ms"`
}

// EventKind classifies an admission decision in the audit log.
type EventKind string

const (
	EventAllowed EventKind = "allowed"
	EventWarned  EventKind = "warned"
	EventBlocked EventKind = "blocked"
	EventQueued  EventKind = "queued"
)

// Event is one append-only audit record of an admission decision.
type Event struct {
	ID           string    `json:"id" db:"id"`
	Wallet       string    `json:"wallet" db:"wallet"`
	Provider     string    `json:"provider" db:"provider"`
	Model        string    `json:"model" db:"model"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	Kind         EventKind `json:"kind" db:"kind"`
	Horizon      Horizon   `json:"horizon,omitempty" db:"horizon"`
	CurrentCount int64     `json:"current_count" db:"current_count"`
	Limit        int64     `json:"limit" db:"limit_value"`
	PercentUsed  float64   `json:"percent_used" db:"percent_used"`
	RequestID    string    `json:"request_id" db:"request_id"`
	WasQueued    bool      `json:"was_queued" db:"was_queued"`
	QueueTimeMS  int64     `json:"queue_time_ms" db:"queue_time_ms"`
	PatternTag   string    `json:"pattern_tag,omitempty" db:"pattern_tag"`
}

// PatternKind classifies a detected usage pattern.
type PatternKind string

const (
	PatternTimeOfDay PatternKind = "time-of-day"
	PatternDayOfWeek PatternKind = "day-of-week"
	PatternBurst     PatternKind = "burst"
)

// Pattern is a persisted statistical summary with advisory recommendations.
// Patterns never change limits by themselves.
type Pattern struct {
	ID                 string      `json:"id" db:"id"`
	Wallet             string      `json:"wallet" db:"wallet"`
	Kind               PatternKind `json:"kind" db:"kind"`
	WindowLabel        string      `json:"window_label" db:"window_label"`
	AvgRPM             float64     `json:"avg_rpm" db:"avg_rpm"`
	PeakRPM            float64     `json:"peak_rpm" db:"peak_rpm"`
	Confidence         float64     `json:"confidence" db:"confidence"`
	SuggestedLimit     *int64      `json:"suggested_limit,omitempty" db:"suggested_limit"`
	SuggestedQueueSize *int        `json:"suggested_queue_size,omitempty" db:"suggested_queue_size"`
	Observations       int         `json:"observations" db:"observations"`
	FirstDetected      time.Time   `json:"first_detected" db:"first_detected"`
	LastObserved       time.Time   `json:"last_observed" db:"last_observed"`
	Description        string      `json:"description" db:"description"`
}
