// SQLite backend: the default durable store. A single local database file
// opened in WAL mode so the admission path (writer) and the dashboard reads
// can proceed without blocking each other. The connection pool is capped at
// one connection; SQLite allows a single writer and this serialises all
// statements through it, avoiding "database is locked" errors under
// concurrent hook invocations.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// SQLiteStore implements Store on a WAL-mode SQLite database. It is safe for
// concurrent use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path, enables WAL mode
// and applies the schema. ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL mode: %w", err)
	}
	// NORMAL synchronous survives application crashes, which is the
	// durability bar the governor needs (it never promises exactly-once
	// across OS crashes).
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set synchronous: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// ddl is the schema, idempotent so reopening an existing file is safe. The
// model column of limit_configs stores '' for the provider-wide fallback so
// the uniqueness key stays a plain column tuple. Timestamps are unix
// milliseconds; queue ordering relies on that precision.
const ddl = `
CREATE TABLE IF NOT EXISTS limit_configs (
    provider            TEXT    NOT NULL,
    model               TEXT    NOT NULL DEFAULT '',
    tier                TEXT    NOT NULL,
    requests_per_minute INTEGER,
    requests_per_hour   INTEGER,
    requests_per_day    INTEGER,
    tokens_per_minute   INTEGER,
    tokens_per_day      INTEGER,
    UNIQUE (provider, model, tier)
);

CREATE TABLE IF NOT EXISTS windows (
    id            TEXT    PRIMARY KEY,
    wallet        TEXT    NOT NULL,
    provider      TEXT    NOT NULL,
    model         TEXT    NOT NULL,
    horizon       TEXT    NOT NULL,
    start_ms      INTEGER NOT NULL,
    end_ms        INTEGER NOT NULL,
    request_count INTEGER NOT NULL DEFAULT 0,
    token_count   INTEGER NOT NULL DEFAULT 0,
    request_limit INTEGER,
    token_limit   INTEGER,
    active        INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_windows_tenant_active ON windows (wallet, active);
CREATE UNIQUE INDEX IF NOT EXISTS idx_windows_one_active
    ON windows (wallet, provider, model, horizon) WHERE active = 1;

CREATE TABLE IF NOT EXISTS queue_entries (
    id           TEXT    PRIMARY KEY,
    wallet       TEXT    NOT NULL,
    provider     TEXT    NOT NULL,
    model        TEXT    NOT NULL,
    payload      BLOB,
    priority     INTEGER NOT NULL DEFAULT 5,
    retry_count  INTEGER NOT NULL DEFAULT 0,
    max_retries  INTEGER NOT NULL DEFAULT 3,
    status       TEXT    NOT NULL DEFAULT 'pending',
    queued_ms    INTEGER NOT NULL,
    processed_ms INTEGER,
    error        TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_tenant_status ON queue_entries (wallet, status);
CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries (priority DESC, queued_ms ASC);

CREATE TABLE IF NOT EXISTS events (
    id            TEXT    PRIMARY KEY,
    wallet        TEXT    NOT NULL,
    provider      TEXT    NOT NULL,
    model         TEXT    NOT NULL,
    ts_ms         INTEGER NOT NULL,
    kind          TEXT    NOT NULL,
    horizon       TEXT    NOT NULL DEFAULT '',
    current_count INTEGER NOT NULL DEFAULT 0,
    limit_value   INTEGER NOT NULL DEFAULT 0,
    percent_used  REAL    NOT NULL DEFAULT 0,
    request_id    TEXT    NOT NULL DEFAULT '',
    was_queued    INTEGER NOT NULL DEFAULT 0,
    queue_time_ms INTEGER NOT NULL DEFAULT 0,
    pattern_tag   TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON events (wallet, ts_ms DESC);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events (kind);

CREATE TABLE IF NOT EXISTS tenants (
    wallet        TEXT    PRIMARY KEY,
    tier          TEXT    NOT NULL DEFAULT 'free',
    base_rpm      INTEGER NOT NULL DEFAULT 100,
    paid_until_ms INTEGER,
    created_ms    INTEGER NOT NULL,
    updated_ms    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS patterns (
    id                   TEXT    PRIMARY KEY,
    wallet               TEXT    NOT NULL,
    kind                 TEXT    NOT NULL,
    window_label         TEXT    NOT NULL DEFAULT '',
    avg_rpm              REAL    NOT NULL DEFAULT 0,
    peak_rpm             REAL    NOT NULL DEFAULT 0,
    confidence           REAL    NOT NULL DEFAULT 0,
    suggested_limit      INTEGER,
    suggested_queue_size INTEGER,
    observations         INTEGER NOT NULL DEFAULT 0,
    first_detected_ms    INTEGER NOT NULL,
    last_observed_ms     INTEGER NOT NULL,
    description          TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_patterns_tenant ON patterns (wallet);
`

func msOf(t time.Time) int64 { return t.UnixMilli() }

func timeOf(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func intPtr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// --- Limit configs ---

func (s *SQLiteStore) GetLimitConfig(ctx context.Context, provider, model string, tier Tier) (*LimitConfig, error) {
	// Exact model row first, then the provider-wide fallback ('').
	row := s.db.QueryRowContext(ctx, `
		SELECT provider, model, tier, requests_per_minute, requests_per_hour,
		       requests_per_day, tokens_per_minute, tokens_per_day
		FROM limit_configs
		WHERE provider = ? AND tier = ? AND model IN (?, '')
		ORDER BY model DESC
		LIMIT 1`, provider, string(tier), model)
	return scanLimitConfig(row)
}

func scanLimitConfig(row *sql.Row) (*LimitConfig, error) {
	var cfg LimitConfig
	var model string
	var tier string
	var rpm, rph, rpd, tpm, tpd sql.NullInt64
	err := row.Scan(&cfg.Provider, &model, &tier, &rpm, &rph, &rpd, &tpm, &tpd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get limit config: %w", err)
	}
	cfg.Tier = Tier(tier)
	if model != "" {
		cfg.Model = &model
	}
	cfg.RequestsPerMinute = intPtr(rpm)
	cfg.RequestsPerHour = intPtr(rph)
	cfg.RequestsPerDay = intPtr(rpd)
	cfg.TokensPerMinute = intPtr(tpm)
	cfg.TokensPerDay = intPtr(tpd)
	return &cfg, nil
}

func (s *SQLiteStore) UpsertLimitConfig(ctx context.Context, cfg *LimitConfig) error {
	model := ""
	if cfg.Model != nil {
		model = *cfg.Model
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO limit_configs (provider, model, tier, requests_per_minute,
		    requests_per_hour, requests_per_day, tokens_per_minute, tokens_per_day)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, model, tier) DO UPDATE SET
		    requests_per_minute = excluded.requests_per_minute,
		    requests_per_hour   = excluded.requests_per_hour,
		    requests_per_day    = excluded.requests_per_day,
		    tokens_per_minute   = excluded.tokens_per_minute,
		    tokens_per_day      = excluded.tokens_per_day`,
		cfg.Provider, model, string(cfg.Tier),
		nullInt(cfg.RequestsPerMinute), nullInt(cfg.RequestsPerHour),
		nullInt(cfg.RequestsPerDay), nullInt(cfg.TokensPerMinute), nullInt(cfg.TokensPerDay))
	if err != nil {
		return fmt.Errorf("store: upsert limit config: %w", err)
	}
	return nil
}

// --- Windows ---

const windowColumns = `id, wallet, provider, model, horizon, start_ms, end_ms,
	request_count, token_count, request_limit, token_limit, active`

func scanWindow(scan func(dest ...any) error) (*Window, error) {
	var w Window
	var startMS, endMS int64
	var reqLimit, tokLimit sql.NullInt64
	var horizon string
	err := scan(&w.ID, &w.Wallet, &w.Provider, &w.Model, &horizon, &startMS, &endMS,
		&w.RequestCount, &w.TokenCount, &reqLimit, &tokLimit, &w.Active)
	if err != nil {
		return nil, err
	}
	w.Horizon = Horizon(horizon)
	w.Start = timeOf(startMS)
	w.End = timeOf(endMS)
	w.RequestLimit = intPtr(reqLimit)
	w.TokenLimit = intPtr(tokLimit)
	return &w, nil
}

func (s *SQLiteStore) GetCurrentWindow(ctx context.Context, wallet, provider, model string, horizon Horizon) (*Window, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+windowColumns+`
		FROM windows
		WHERE wallet = ? AND provider = ? AND model = ? AND horizon = ? AND active = 1`,
		wallet, provider, model, string(horizon))
	w, err := scanWindow(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get current window: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) CreateWindow(ctx context.Context, w *Window) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO windows (id, wallet, provider, model, horizon, start_ms, end_ms,
		    request_count, token_count, request_limit, token_limit, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Wallet, w.Provider, w.Model, string(w.Horizon),
		msOf(w.Start), msOf(w.End), w.RequestCount, w.TokenCount,
		nullInt(w.RequestLimit), nullInt(w.TokenLimit), w.Active)
	if err != nil {
		return fmt.Errorf("store: create window: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeactivateWindow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE windows SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deactivate window: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) IncrementWindow(ctx context.Context, id string, deltaTokens int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE windows SET request_count = request_count + 1, token_count = token_count + ?
		WHERE id = ?`, deltaTokens, id)
	if err != nil {
		return fmt.Errorf("store: increment window: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AddWindowTokens(ctx context.Context, id string, deltaTokens int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE windows SET token_count = token_count + ? WHERE id = ?`, deltaTokens, id)
	if err != nil {
		return fmt.Errorf("store: add window tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetActiveWindows(ctx context.Context, wallet string) ([]*Window, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+windowColumns+`
		FROM windows
		WHERE wallet = ? AND active = 1
		ORDER BY provider, CASE horizon WHEN 'minute' THEN 0 WHEN 'hour' THEN 1 ELSE 2 END`,
		wallet)
	if err != nil {
		return nil, fmt.Errorf("store: active windows: %w", err)
	}
	defer rows.Close()

	var result []*Window
	for rows.Next() {
		w, err := scanWindow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan window: %w", err)
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// --- Queue ---

const queueColumns = `id, wallet, provider, model, payload, priority, retry_count,
	max_retries, status, queued_ms, processed_ms, error`

func scanQueueEntry(scan func(dest ...any) error) (*QueueEntry, error) {
	var e QueueEntry
	var queuedMS int64
	var processedMS sql.NullInt64
	err := scan(&e.ID, &e.Wallet, &e.Provider, &e.Model, &e.Payload, &e.Priority,
		&e.RetryCount, &e.MaxRetries, &e.Status, &queuedMS, &processedMS, &e.Error)
	if err != nil {
		return nil, err
	}
	e.QueuedAt = timeOf(queuedMS)
	if processedMS.Valid {
		t := timeOf(processedMS.Int64)
		e.ProcessedAt = &t
	}
	return &e, nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, e *QueueEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_entries (id, wallet, provider, model, payload, priority,
		    retry_count, max_retries, status, queued_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Wallet, e.Provider, e.Model, e.Payload, e.Priority,
		e.RetryCount, e.MaxRetries, e.Status, msOf(e.QueuedAt), e.Error)
	if err != nil {
		return fmt.Errorf("store: enqueue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DequeueOne(ctx context.Context, wallet string) (*QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: dequeue begin: %w", err)
	}
	defer tx.Rollback()

	query := `
		SELECT ` + queueColumns + `
		FROM queue_entries
		WHERE status = 'pending' AND retry_count < max_retries`
	args := []any{}
	if wallet != "" {
		query += ` AND wallet = ?`
		args = append(args, wallet)
	}
	query += ` ORDER BY priority DESC, queued_ms ASC LIMIT 1`

	e, err := scanQueueEntry(tx.QueryRowContext(ctx, query, args...).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: dequeue select: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_entries SET status = 'processing' WHERE id = ?`, e.ID); err != nil {
		return nil, fmt.Errorf("store: dequeue mark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: dequeue commit: %w", err)
	}
	e.Status = QueueProcessing
	return e, nil
}

func (s *SQLiteStore) RequeueEntry(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = 'pending' WHERE id = ? AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("store: requeue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CompleteQueued(ctx context.Context, id string, success bool, errMsg string) error {
	now := msOf(time.Now())
	var res sql.Result
	var err error
	if success {
		res, err = s.db.ExecContext(ctx, `
			UPDATE queue_entries SET status = 'completed', processed_ms = ?
			WHERE id = ? AND status IN ('pending', 'processing')`, now, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE queue_entries
			SET status = 'failed', processed_ms = ?, retry_count = retry_count + 1, error = ?
			WHERE id = ? AND status IN ('pending', 'processing')`, now, errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("store: complete queued: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CancelQueued(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'failed', processed_ms = ?, error = ?
		WHERE id = ? AND status = 'pending'`, msOf(time.Now()), QueueReasonCancelled, id)
	if err != nil {
		return fmt.Errorf("store: cancel queued: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateQueuePriority(ctx context.Context, id string, priority int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET priority = ? WHERE id = ? AND status = 'pending'`, priority, id)
	if err != nil {
		return fmt.Errorf("store: update priority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	e, err := scanQueueEntry(s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queue_entries WHERE id = ?`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get queue entry: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) QueuePosition(ctx context.Context, id string) (int, error) {
	e, err := s.GetQueueEntry(ctx, id)
	if err != nil {
		return 0, err
	}
	if e == nil || e.Status != QueuePending {
		return 0, ErrNotFound
	}
	var pos int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE status = 'pending' AND wallet = ? AND id != ?
		  AND (priority > ? OR (priority = ? AND queued_ms < ?))`,
		e.Wallet, e.ID, e.Priority, e.Priority, msOf(e.QueuedAt)).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("store: queue position: %w", err)
	}
	return pos, nil
}

func (s *SQLiteStore) CountPendingQueue(ctx context.Context, wallet string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE wallet = ? AND status = 'pending'`,
		wallet).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ListQueue(ctx context.Context, wallet string, limit int) ([]*QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+queueColumns+` FROM queue_entries
		WHERE wallet = ?
		ORDER BY priority DESC, queued_ms ASC
		LIMIT ?`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list queue: %w", err)
	}
	defer rows.Close()

	var result []*QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan queue entry: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) QueueStats(ctx context.Context, wallet string) (*QueueStats, error) {
	stats := &QueueStats{}
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_entries WHERE wallet = ? GROUP BY status`, wallet)
	if err != nil {
		return nil, fmt.Errorf("store: queue stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("store: queue stats scan: %w", err)
		}
		switch status {
		case QueuePending:
			stats.Pending = count
		case QueueProcessing:
			stats.Processing = count
		case QueueCompleted:
			stats.Completed = count
		case QueueFailed:
			stats.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `
		SELECT AVG(processed_ms - queued_ms) FROM queue_entries
		WHERE wallet = ? AND status IN ('completed', 'failed') AND processed_ms IS NOT NULL`,
		wallet).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("store: queue stats avg: %w", err)
	}
	if avg.Valid {
		stats.AvgWaitMS = avg.Float64
	}
	return stats, nil
}

// --- Events ---

func (s *SQLiteStore) RecordEvent(ctx context.Context, e *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, wallet, provider, model, ts_ms, kind, horizon,
		    current_count, limit_value, percent_used, request_id, was_queued,
		    queue_time_ms, pattern_tag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Wallet, e.Provider, e.Model, msOf(e.Timestamp), string(e.Kind),
		string(e.Horizon), e.CurrentCount, e.Limit, e.PercentUsed, e.RequestID,
		e.WasQueued, e.QueueTimeMS, e.PatternTag)
	if err != nil {
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, wallet string, kind EventKind, since time.Time, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, wallet, provider, model, ts_ms, kind, horizon, current_count,
		       limit_value, percent_used, request_id, was_queued, queue_time_ms, pattern_tag
		FROM events WHERE wallet = ?`
	args := []any{wallet}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	if !since.IsZero() {
		query += ` AND ts_ms >= ?`
		args = append(args, msOf(since))
	}
	query += ` ORDER BY ts_ms DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var result []*Event
	for rows.Next() {
		var e Event
		var tsMS int64
		var kindStr, horizonStr string
		if err := rows.Scan(&e.ID, &e.Wallet, &e.Provider, &e.Model, &tsMS, &kindStr,
			&horizonStr, &e.CurrentCount, &e.Limit, &e.PercentUsed, &e.RequestID,
			&e.WasQueued, &e.QueueTimeMS, &e.PatternTag); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.Timestamp = timeOf(tsMS)
		e.Kind = EventKind(kindStr)
		e.Horizon = Horizon(horizonStr)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// --- Tenants ---

func (s *SQLiteStore) GetTenant(ctx context.Context, wallet string) (*Tenant, error) {
	var t Tenant
	var tier string
	var paidMS sql.NullInt64
	var createdMS, updatedMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT wallet, tier, base_rpm, paid_until_ms, created_ms, updated_ms
		FROM tenants WHERE wallet = ?`, wallet).
		Scan(&t.Wallet, &tier, &t.BaseRPM, &paidMS, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tenant: %w", err)
	}
	t.Tier = Tier(tier)
	if paidMS.Valid {
		pt := timeOf(paidMS.Int64)
		t.PaidUntil = &pt
	}
	t.CreatedAt = timeOf(createdMS)
	t.UpdatedAt = timeOf(updatedMS)
	return &t, nil
}

func (s *SQLiteStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	var paidMS sql.NullInt64
	if t.PaidUntil != nil {
		paidMS = sql.NullInt64{Int64: msOf(*t.PaidUntil), Valid: true}
	}
	now := msOf(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (wallet, tier, base_rpm, paid_until_ms, created_ms, updated_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (wallet) DO UPDATE SET
		    tier = excluded.tier,
		    base_rpm = excluded.base_rpm,
		    paid_until_ms = excluded.paid_until_ms,
		    updated_ms = excluded.updated_ms`,
		t.Wallet, string(t.Tier), t.BaseRPM, paidMS, now, now)
	if err != nil {
		return fmt.Errorf("store: upsert tenant: %w", err)
	}
	return nil
}

// --- Patterns ---

func (s *SQLiteStore) UpsertPattern(ctx context.Context, p *Pattern) error {
	var suggLimit sql.NullInt64
	if p.SuggestedLimit != nil {
		suggLimit = sql.NullInt64{Int64: *p.SuggestedLimit, Valid: true}
	}
	var suggQueue sql.NullInt64
	if p.SuggestedQueueSize != nil {
		suggQueue = sql.NullInt64{Int64: int64(*p.SuggestedQueueSize), Valid: true}
	}
	// first_detected survives refreshes; everything else is replaced.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO patterns (id, wallet, kind, window_label, avg_rpm, peak_rpm,
		    confidence, suggested_limit, suggested_queue_size, observations,
		    first_detected_ms, last_observed_ms, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		    window_label = excluded.window_label,
		    avg_rpm = excluded.avg_rpm,
		    peak_rpm = excluded.peak_rpm,
		    confidence = excluded.confidence,
		    suggested_limit = excluded.suggested_limit,
		    suggested_queue_size = excluded.suggested_queue_size,
		    observations = excluded.observations,
		    last_observed_ms = excluded.last_observed_ms,
		    description = excluded.description`,
		p.ID, p.Wallet, string(p.Kind), p.WindowLabel, p.AvgRPM, p.PeakRPM,
		p.Confidence, suggLimit, suggQueue, p.Observations,
		msOf(p.FirstDetected), msOf(p.LastObserved), p.Description)
	if err != nil {
		return fmt.Errorf("store: upsert pattern: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPatterns(ctx context.Context, wallet string, limit int) ([]*Pattern, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet, kind, window_label, avg_rpm, peak_rpm, confidence,
		       suggested_limit, suggested_queue_size, observations,
		       first_detected_ms, last_observed_ms, description
		FROM patterns WHERE wallet = ?
		ORDER BY confidence DESC LIMIT ?`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list patterns: %w", err)
	}
	defer rows.Close()

	var result []*Pattern
	for rows.Next() {
		var p Pattern
		var kind string
		var suggLimit, suggQueue sql.NullInt64
		var firstMS, lastMS int64
		if err := rows.Scan(&p.ID, &p.Wallet, &kind, &p.WindowLabel, &p.AvgRPM,
			&p.PeakRPM, &p.Confidence, &suggLimit, &suggQueue, &p.Observations,
			&firstMS, &lastMS, &p.Description); err != nil {
			return nil, fmt.Errorf("store: scan pattern: %w", err)
		}
		p.Kind = PatternKind(kind)
		p.SuggestedLimit = intPtr(suggLimit)
		if suggQueue.Valid {
			v := int(suggQueue.Int64)
			p.SuggestedQueueSize = &v
		}
		p.FirstDetected = timeOf(firstMS)
		p.LastObserved = timeOf(lastMS)
		result = append(result, &p)
	}
	return result, rows.Err()
}

// --- Housekeeping ---

func (s *SQLiteStore) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts_ms < ?`, msOf(olderThan))
	if err != nil {
		return 0, fmt.Errorf("store: prune events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) PruneQueueEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_entries
		WHERE status IN ('completed', 'failed') AND processed_ms IS NOT NULL AND processed_ms < ?`,
		msOf(olderThan))
	if err != nil {
		return 0, fmt.Errorf("store: prune queue: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) PruneWindows(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM windows WHERE active = 0 AND end_ms < ?`, msOf(olderThan))
	if err != nil {
		return 0, fmt.Errorf("store: prune windows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *SQLiteStore) PrunePatterns(ctx context.Context, maxConfidence float64, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM patterns WHERE confidence < ? AND last_observed_ms < ?`,
		maxConfidence, msOf(olderThan))
	if err != nil {
		return 0, fmt.Errorf("store: prune patterns: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the underlying database. The store must not be used after
// Close returns.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
