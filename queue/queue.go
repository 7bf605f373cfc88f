// Package queue implements the deferred-request lane for tenants whose
// refusals should wait for capacity instead of failing outright.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quotaplane/quotaplane/observability"
	"github.com/quotaplane/quotaplane/store"
)

var (
	// ErrDisabled is returned when the tenant's tier does not include
	// queueing.
	ErrDisabled = errors.New("queue: not available on this tier")
	// ErrFull is returned when the tenant's pending backlog is at its cap.
	ErrFull = errors.New("queue: full")
	// ErrInvalidPriority is returned for priorities outside [1, 10].
	ErrInvalidPriority = errors.New("queue: priority out of range")
)

// DefaultMaxAge is how long an entry may wait before the next dequeue pass
// expires it instead of admitting it.
const DefaultMaxAge = 30 * time.Minute

// Queue enforces tier gating and entry lifecycle on top of the store's
// ordering guarantees (priority descending, then queued_at ascending).
type Queue struct {
	store  store.Store
	maxAge time.Duration
	now    func() time.Time
}

// New returns a Queue with the default max entry age.
func New(st store.Store) *Queue {
	return &Queue{store: st, maxAge: DefaultMaxAge, now: time.Now}
}

// SetClock overrides the time source. Tests only.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// SetMaxAge overrides how long entries may wait before expiring.
func (q *Queue) SetMaxAge(d time.Duration) { q.maxAge = d }

// Submit creates a pending entry for the tenant, subject to tier gating:
// free tenants cannot queue at all, and tenants without priority queueing
// have requested priorities coerced to the default. Priority 0 means
// unspecified.
func (q *Queue) Submit(ctx context.Context, tenant *store.Tenant, provider, model string, payload []byte, priority int) (*store.QueueEntry, error) {
	caps := store.CapabilitiesFor(tenant.EffectiveTier(q.now()))
	if !caps.MayQueue {
		return nil, ErrDisabled
	}
	if priority == 0 {
		priority = store.DefaultPriority
	}
	if priority < store.MinPriority || priority > store.MaxPriority {
		return nil, ErrInvalidPriority
	}
	if !caps.PriorityQueue {
		priority = store.DefaultPriority
	}

	pending, err := q.store.CountPendingQueue(ctx, tenant.Wallet)
	if err != nil {
		return nil, fmt.Errorf("queue: submit: %w", err)
	}
	if pending >= caps.MaxQueueSize {
		return nil, ErrFull
	}

	entry := &store.QueueEntry{
		ID:         uuid.NewString(),
		Wallet:     tenant.Wallet,
		Provider:   provider,
		Model:      model,
		Payload:    payload,
		Priority:   priority,
		MaxRetries: store.DefaultMaxRetries,
		Status:     store.QueuePending,
		QueuedAt:   q.now().Truncate(time.Millisecond),
	}
	if err := q.store.Enqueue(ctx, entry); err != nil {
		return nil, fmt.Errorf("queue: submit: %w", err)
	}
	observability.QueueDepth.Inc()
	return entry, nil
}

// DequeueNext claims the next eligible entry for the wallet (empty wallet
// means any tenant), expiring entries that waited past the max age along the
// way. Expired entries fail terminally; they are never admitted late.
func (q *Queue) DequeueNext(ctx context.Context, wallet string) (*store.QueueEntry, error) {
	for {
		entry, err := q.store.DequeueOne(ctx, wallet)
		if err != nil {
			return nil, fmt.Errorf("queue: dequeue: %w", err)
		}
		if entry == nil {
			return nil, nil
		}
		observability.QueueDepth.Dec()
		if q.now().Sub(entry.QueuedAt) > q.maxAge {
			if err := q.store.CompleteQueued(ctx, entry.ID, false, store.QueueReasonExpired); err != nil {
				return nil, fmt.Errorf("queue: expire entry: %w", err)
			}
			continue
		}
		return entry, nil
	}
}

// Requeue returns a claimed entry to pending, keeping its original position
// inputs (priority and queued_at) and its retry count.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.RequeueEntry(ctx, id); err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	observability.QueueDepth.Inc()
	return nil
}

// Complete moves a claimed entry to its terminal status and records the wait.
func (q *Queue) Complete(ctx context.Context, entry *store.QueueEntry, success bool, errMsg string) error {
	if err := q.store.CompleteQueued(ctx, entry.ID, success, errMsg); err != nil {
		return fmt.Errorf("queue: complete: %w", err)
	}
	observability.QueueWaitSeconds.Observe(q.now().Sub(entry.QueuedAt).Seconds())
	return nil
}

// Cancel fails a pending entry with reason "cancelled". Entries already
// claimed or finished are not cancellable.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if err := q.store.CancelQueued(ctx, id); err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	observability.QueueDepth.Dec()
	return nil
}

// SetPriority re-ranks a pending entry.
func (q *Queue) SetPriority(ctx context.Context, id string, priority int) error {
	if priority < store.MinPriority || priority > store.MaxPriority {
		return ErrInvalidPriority
	}
	if err := q.store.UpdateQueuePriority(ctx, id, priority); err != nil {
		return fmt.Errorf("queue: set priority: %w", err)
	}
	return nil
}

// Position reports how many same-tenant pending entries would be served
// before this one. Zero means next.
func (q *Queue) Position(ctx context.Context, id string) (int, error) {
	return q.store.QueuePosition(ctx, id)
}

// Entry fetches a single entry by id.
func (q *Queue) Entry(ctx context.Context, id string) (*store.QueueEntry, error) {
	return q.store.GetQueueEntry(ctx, id)
}

// List returns a tenant's entries in dequeue order.
func (q *Queue) List(ctx context.Context, wallet string, limit int) ([]*store.QueueEntry, error) {
	return q.store.ListQueue(ctx, wallet, limit)
}

// Stats summarises a tenant's queue.
func (q *Queue) Stats(ctx context.Context, wallet string) (*store.QueueStats, error) {
	return q.store.QueueStats(ctx, wallet)
}
