package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by targeted mutations whose subject row does not
// exist or is not in an eligible status.
var ErrNotFound = errors.New("store: not found")

// Store is the sole custodian of durable governor state. Every operation is
// individually atomic; composite invariants across calls are protected by
// the Manager's per-tenant mutex, not here. Implementations must be safe for
// concurrent use.
type Store interface {
	// Limit configs. GetLimitConfig returns the most specific matching row:
	// an exact model match beats the model=NULL provider fallback. It returns
	// (nil, nil) when neither is configured; the caller falls back to the
	// built-in default table.
	GetLimitConfig(ctx context.Context, provider, model string, tier Tier) (*LimitConfig, error)
	UpsertLimitConfig(ctx context.Context, cfg *LimitConfig) error

	// Windows. GetCurrentWindow returns the unique active window for the key
	// whether or not it has expired; the tracker decides staleness so it can
	// rotate the row it found. IncrementWindow adds exactly one request and
	// deltaTokens tokens; AddWindowTokens raises only the token count.
	GetCurrentWindow(ctx context.Context, wallet, provider, model string, horizon Horizon) (*Window, error)
	CreateWindow(ctx context.Context, w *Window) error
	DeactivateWindow(ctx context.Context, id string) error
	IncrementWindow(ctx context.Context, id string, deltaTokens int64) error
	AddWindowTokens(ctx context.Context, id string, deltaTokens int64) error
	GetActiveWindows(ctx context.Context, wallet string) ([]*Window, error)

	// Queue. DequeueOne selects the single highest-priority pending entry
	// (priority descending, queued_at ascending, millisecond precision) whose
	// retry_count is below max_retries, atomically marks it processing and
	// returns it; nil when nothing is eligible. An empty wallet selects
	// across all tenants. RequeueEntry moves processing back to pending
	// without touching retry_count.
	Enqueue(ctx context.Context, e *QueueEntry) error
	DequeueOne(ctx context.Context, wallet string) (*QueueEntry, error)
	RequeueEntry(ctx context.Context, id string) error
	CompleteQueued(ctx context.Context, id string, success bool, errMsg string) error
	CancelQueued(ctx context.Context, id string) error
	UpdateQueuePriority(ctx context.Context, id string, priority int) error
	GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error)
	QueuePosition(ctx context.Context, id string) (int, error)
	CountPendingQueue(ctx context.Context, wallet string) (int, error)
	ListQueue(ctx context.Context, wallet string, limit int) ([]*QueueEntry, error)
	QueueStats(ctx context.Context, wallet string) (*QueueStats, error)

	// Events. RecordEvent is append-only. ListEvents filters by kind when
	// kind is non-empty and by timestamp >= since when since is non-zero,
	// newest first.
	RecordEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, wallet string, kind EventKind, since time.Time, limit int) ([]*Event, error)

	// Tenants. GetTenant returns (nil, nil) when the wallet has never been
	// seen; lazy initialisation is the Manager's job.
	GetTenant(ctx context.Context, wallet string) (*Tenant, error)
	UpsertTenant(ctx context.Context, t *Tenant) error

	// Patterns. UpsertPattern replaces on the deterministic pattern id.
	UpsertPattern(ctx context.Context, p *Pattern) error
	ListPatterns(ctx context.Context, wallet string, limit int) ([]*Pattern, error)

	// Housekeeping. Prune operations return the number of rows removed.
	// PruneQueueEntries removes only terminal entries; PruneWindows only
	// deactivated windows; PrunePatterns only patterns whose confidence is
	// below maxConfidence.
	PruneEvents(ctx context.Context, olderThan time.Time) (int64, error)
	PruneQueueEntries(ctx context.Context, olderThan time.Time) (int64, error)
	PruneWindows(ctx context.Context, olderThan time.Time) (int64, error)
	PrunePatterns(ctx context.Context, maxConfidence float64, olderThan time.Time) (int64, error)

	Close() error
}
