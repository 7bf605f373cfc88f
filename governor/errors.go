package governor

import (
	"errors"
	"fmt"
	"time"

	"github.com/quotaplane/quotaplane/store"
)

var (
	// ErrInvalidInput is returned when a request is missing its wallet or
	// provider.
	ErrInvalidInput = errors.New("governor: invalid request input")
	// ErrTierRestricted is returned when an operation requires a tier the
	// tenant does not hold.
	ErrTierRestricted = errors.New("governor: not available on this tier")
)

// BlockedError is the refusal returned when a request exceeds a ceiling and
// cannot (or may not) be queued. The caller must not forward the request.
type BlockedError struct {
	Wallet     string
	Provider   string
	Model      string
	Horizon    store.Horizon
	Current    int64
	Limit      int64
	RetryAfter time.Duration
	// Cause is set when the refusal is fail-closed over an unreadable store
	// rather than an observed ceiling.
	Cause error
}

func (e *BlockedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("governor: blocked (fail-closed): %v", e.Cause)
	}
	return fmt.Sprintf("governor: blocked: %s/%s %s limit reached (%d/%d), retry after %s",
		e.Provider, e.Model, e.Horizon, e.Current, e.Limit, e.RetryAfter.Round(time.Second))
}

func (e *BlockedError) Unwrap() error { return e.Cause }

// QueuedError signals that the request was not admitted now but was placed
// on the tenant's queue. It is an error because the provider call must not
// proceed; the entry id lets the caller track or cancel the deferred work.
type QueuedError struct {
	EntryID  string
	Position int
	Priority int
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("governor: request queued (entry %s, position %d)", e.EntryID, e.Position)
}

// StoreError wraps a store failure on the admission path. Admission fails
// closed: if state cannot be read, the request is refused.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("governor: store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
