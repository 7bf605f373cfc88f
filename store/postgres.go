package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL, for hosts that already run a
// shared database and prefer it over the local SQLite file. State is still
// per-host semantically; nothing coordinates governors across hosts.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initialises a connection pool and applies the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS limit_configs (
    provider            TEXT NOT NULL,
    model               TEXT NOT NULL DEFAULT '',
    tier                TEXT NOT NULL,
    requests_per_minute BIGINT,
    requests_per_hour   BIGINT,
    requests_per_day    BIGINT,
    tokens_per_minute   BIGINT,
    tokens_per_day      BIGINT,
    UNIQUE (provider, model, tier)
);

CREATE TABLE IF NOT EXISTS windows (
    id            TEXT PRIMARY KEY,
    wallet        TEXT NOT NULL,
    provider      TEXT NOT NULL,
    model         TEXT NOT NULL,
    horizon       TEXT NOT NULL,
    start_at      TIMESTAMPTZ NOT NULL,
    end_at        TIMESTAMPTZ NOT NULL,
    request_count BIGINT NOT NULL DEFAULT 0,
    token_count   BIGINT NOT NULL DEFAULT 0,
    request_limit BIGINT,
    token_limit   BIGINT,
    active        BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE INDEX IF NOT EXISTS idx_windows_tenant_active ON windows (wallet, active);
CREATE UNIQUE INDEX IF NOT EXISTS idx_windows_one_active
    ON windows (wallet, provider, model, horizon) WHERE active;

CREATE TABLE IF NOT EXISTS queue_entries (
    id           TEXT PRIMARY KEY,
    wallet       TEXT NOT NULL,
    provider     TEXT NOT NULL,
    model        TEXT NOT NULL,
    payload      BYTEA,
    priority     INT NOT NULL DEFAULT 5,
    retry_count  INT NOT NULL DEFAULT 0,
    max_retries  INT NOT NULL DEFAULT 3,
    status       TEXT NOT NULL DEFAULT 'pending',
    queued_at    TIMESTAMPTZ NOT NULL,
    processed_at TIMESTAMPTZ,
    error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_queue_tenant_status ON queue_entries (wallet, status);
CREATE INDEX IF NOT EXISTS idx_queue_order ON queue_entries (priority DESC, queued_at ASC);

CREATE TABLE IF NOT EXISTS events (
    id            TEXT PRIMARY KEY,
    wallet        TEXT NOT NULL,
    provider      TEXT NOT NULL,
    model         TEXT NOT NULL,
    ts            TIMESTAMPTZ NOT NULL,
    kind          TEXT NOT NULL,
    horizon       TEXT NOT NULL DEFAULT '',
    current_count BIGINT NOT NULL DEFAULT 0,
    limit_value   BIGINT NOT NULL DEFAULT 0,
    percent_used  DOUBLE PRECISION NOT NULL DEFAULT 0,
    request_id    TEXT NOT NULL DEFAULT '',
    was_queued    BOOLEAN NOT NULL DEFAULT FALSE,
    queue_time_ms BIGINT NOT NULL DEFAULT 0,
    pattern_tag   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON events (wallet, ts DESC);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events (kind);

CREATE TABLE IF NOT EXISTS tenants (
    wallet     TEXT PRIMARY KEY,
    tier       TEXT NOT NULL DEFAULT 'free',
    base_rpm   INT NOT NULL DEFAULT 100,
    paid_until TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS patterns (
    id                   TEXT PRIMARY KEY,
    wallet               TEXT NOT NULL,
    kind                 TEXT NOT NULL,
    window_label         TEXT NOT NULL DEFAULT '',
    avg_rpm              DOUBLE PRECISION NOT NULL DEFAULT 0,
    peak_rpm             DOUBLE PRECISION NOT NULL DEFAULT 0,
    confidence           DOUBLE PRECISION NOT NULL DEFAULT 0,
    suggested_limit      BIGINT,
    suggested_queue_size INT,
    observations         INT NOT NULL DEFAULT 0,
    first_detected       TIMESTAMPTZ NOT NULL,
    last_observed        TIMESTAMPTZ NOT NULL,
    description          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_patterns_tenant ON patterns (wallet);
`

// --- Limit configs ---

func (s *PostgresStore) GetLimitConfig(ctx context.Context, provider, model string, tier Tier) (*LimitConfig, error) {
	var cfg LimitConfig
	var m string
	var tr string
	err := s.pool.QueryRow(ctx, `
		SELECT provider, model, tier, requests_per_minute, requests_per_hour,
		       requests_per_day, tokens_per_minute, tokens_per_day
		FROM limit_configs
		WHERE provider = $1 AND tier = $2 AND model IN ($3, '')
		ORDER BY model DESC
		LIMIT 1`, provider, string(tier), model).Scan(
		&cfg.Provider, &m, &tr, &cfg.RequestsPerMinute, &cfg.RequestsPerHour,
		&cfg.RequestsPerDay, &cfg.TokensPerMinute, &cfg.TokensPerDay)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get limit config: %w", err)
	}
	cfg.Tier = Tier(tr)
	if m != "" {
		cfg.Model = &m
	}
	return &cfg, nil
}

func (s *PostgresStore) UpsertLimitConfig(ctx context.Context, cfg *LimitConfig) error {
	model := ""
	if cfg.Model != nil {
		model = *cfg.Model
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO limit_configs (provider, model, tier, requests_per_minute,
		    requests_per_hour, requests_per_day, tokens_per_minute, tokens_per_day)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider, model, tier) DO UPDATE SET
		    requests_per_minute = EXCLUDED.requests_per_minute,
		    requests_per_hour   = EXCLUDED.requests_per_hour,
		    requests_per_day    = EXCLUDED.requests_per_day,
		    tokens_per_minute   = EXCLUDED.tokens_per_minute,
		    tokens_per_day      = EXCLUDED.tokens_per_day`,
		cfg.Provider, model, string(cfg.Tier), cfg.RequestsPerMinute,
		cfg.RequestsPerHour, cfg.RequestsPerDay, cfg.TokensPerMinute, cfg.TokensPerDay)
	if err != nil {
		return fmt.Errorf("store: upsert limit config: %w", err)
	}
	return nil
}

// --- Windows ---

const pgWindowColumns = `id, wallet, provider, model, horizon, start_at, end_at,
	request_count, token_count, request_limit, token_limit, active`

func pgScanWindow(row pgx.Row) (*Window, error) {
	var w Window
	var horizon string
	err := row.Scan(&w.ID, &w.Wallet, &w.Provider, &w.Model, &horizon, &w.Start,
		&w.End, &w.RequestCount, &w.TokenCount, &w.RequestLimit, &w.TokenLimit, &w.Active)
	if err != nil {
		return nil, err
	}
	w.Horizon = Horizon(horizon)
	return &w, nil
}

func (s *PostgresStore) GetCurrentWindow(ctx context.Context, wallet, provider, model string, horizon Horizon) (*Window, error) {
	w, err := pgScanWindow(s.pool.QueryRow(ctx, `
		SELECT `+pgWindowColumns+` FROM windows
		WHERE wallet = $1 AND provider = $2 AND model = $3 AND horizon = $4 AND active`,
		wallet, provider, model, string(horizon)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get current window: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) CreateWindow(ctx context.Context, w *Window) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO windows (id, wallet, provider, model, horizon, start_at, end_at,
		    request_count, token_count, request_limit, token_limit, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		w.ID, w.Wallet, w.Provider, w.Model, string(w.Horizon), w.Start, w.End,
		w.RequestCount, w.TokenCount, w.RequestLimit, w.TokenLimit, w.Active)
	if err != nil {
		return fmt.Errorf("store: create window: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeactivateWindow(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE windows SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: deactivate window: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementWindow(ctx context.Context, id string, deltaTokens int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE windows SET request_count = request_count + 1, token_count = token_count + $1
		WHERE id = $2`, deltaTokens, id)
	if err != nil {
		return fmt.Errorf("store: increment window: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddWindowTokens(ctx context.Context, id string, deltaTokens int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE windows SET token_count = token_count + $1 WHERE id = $2`, deltaTokens, id)
	if err != nil {
		return fmt.Errorf("store: add window tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetActiveWindows(ctx context.Context, wallet string) ([]*Window, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgWindowColumns+` FROM windows
		WHERE wallet = $1 AND active
		ORDER BY provider, CASE horizon WHEN 'minute' THEN 0 WHEN 'hour' THEN 1 ELSE 2 END`,
		wallet)
	if err != nil {
		return nil, fmt.Errorf("store: active windows: %w", err)
	}
	defer rows.Close()

	var result []*Window
	for rows.Next() {
		w, err := pgScanWindow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan window: %w", err)
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

// --- Queue ---

const pgQueueColumns = `id, wallet, provider, model, payload, priority, retry_count,
	max_retries, status, queued_at, processed_at, error`

func pgScanQueueEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	err := row.Scan(&e.ID, &e.Wallet, &e.Provider, &e.Model, &e.Payload, &e.Priority,
		&e.RetryCount, &e.MaxRetries, &e.Status, &e.QueuedAt, &e.ProcessedAt, &e.Error)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, e *QueueEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_entries (id, wallet, provider, model, payload, priority,
		    retry_count, max_retries, status, queued_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Wallet, e.Provider, e.Model, e.Payload, e.Priority,
		e.RetryCount, e.MaxRetries, e.Status, e.QueuedAt, e.Error)
	if err != nil {
		return fmt.Errorf("store: enqueue: %w", err)
	}
	return nil
}

func (s *PostgresStore) DequeueOne(ctx context.Context, wallet string) (*QueueEntry, error) {
	// FOR UPDATE SKIP LOCKED keeps concurrent drain loops from claiming the
	// same entry.
	query := `
		UPDATE queue_entries SET status = 'processing'
		WHERE id = (
		    SELECT id FROM queue_entries
		    WHERE status = 'pending' AND retry_count < max_retries`
	args := []any{}
	if wallet != "" {
		query += ` AND wallet = $1`
		args = append(args, wallet)
	}
	query += `
		    ORDER BY priority DESC, queued_at ASC
		    LIMIT 1
		    FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + pgQueueColumns

	e, err := pgScanQueueEntry(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: dequeue: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) RequeueEntry(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_entries SET status = 'pending' WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return fmt.Errorf("store: requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CompleteQueued(ctx context.Context, id string, success bool, errMsg string) error {
	var tag interface{ RowsAffected() int64 }
	var err error
	if success {
		tag, err = s.pool.Exec(ctx, `
			UPDATE queue_entries SET status = 'completed', processed_at = NOW()
			WHERE id = $1 AND status IN ('pending', 'processing')`, id)
	} else {
		tag, err = s.pool.Exec(ctx, `
			UPDATE queue_entries
			SET status = 'failed', processed_at = NOW(), retry_count = retry_count + 1, error = $2
			WHERE id = $1 AND status IN ('pending', 'processing')`, id, errMsg)
	}
	if err != nil {
		return fmt.Errorf("store: complete queued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CancelQueued(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET status = 'failed', processed_at = NOW(), error = $2
		WHERE id = $1 AND status = 'pending'`, id, QueueReasonCancelled)
	if err != nil {
		return fmt.Errorf("store: cancel queued: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateQueuePriority(ctx context.Context, id string, priority int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_entries SET priority = $2 WHERE id = $1 AND status = 'pending'`, id, priority)
	if err != nil {
		return fmt.Errorf("store: update priority: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	e, err := pgScanQueueEntry(s.pool.QueryRow(ctx,
		`SELECT `+pgQueueColumns+` FROM queue_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get queue entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) QueuePosition(ctx context.Context, id string) (int, error) {
	e, err := s.GetQueueEntry(ctx, id)
	if err != nil {
		return 0, err
	}
	if e == nil || e.Status != QueuePending {
		return 0, ErrNotFound
	}
	var pos int
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE status = 'pending' AND wallet = $1 AND id != $2
		  AND (priority > $3 OR (priority = $3 AND queued_at < $4))`,
		e.Wallet, e.ID, e.Priority, e.QueuedAt).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("store: queue position: %w", err)
	}
	return pos, nil
}

func (s *PostgresStore) CountPendingQueue(ctx context.Context, wallet string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_entries WHERE wallet = $1 AND status = 'pending'`,
		wallet).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListQueue(ctx context.Context, wallet string, limit int) ([]*QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgQueueColumns+` FROM queue_entries
		WHERE wallet = $1
		ORDER BY priority DESC, queued_at ASC
		LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list queue: %w", err)
	}
	defer rows.Close()

	var result []*QueueEntry
	for rows.Next() {
		e, err := pgScanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan queue entry: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) QueueStats(ctx context.Context, wallet string) (*QueueStats, error) {
	stats := &QueueStats{}
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM queue_entries WHERE wallet = $1 GROUP BY status`, wallet)
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

	var avg *float64
	err = s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (processed_at - queued_at)) * 1000)
		FROM queue_entries
		WHERE wallet = $1 AND status IN ('completed', 'failed') AND processed_at IS NOT NULL`,
		wallet).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("store: queue stats avg: %w", err)
	}
	if avg != nil {
		stats.AvgWaitMS = *avg
	}
	return stats, nil
}

// --- Events ---

func (s *PostgresStore) RecordEvent(ctx context.Context, e *Event) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO events (id, wallet, provider, model, ts, kind, horizon,
		    current_count, limit_value, percent_used, request_id, was_queued,
		    queue_time_ms, pattern_tag)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.Wallet, e.Provider, e.Model, e.Timestamp, string(e.Kind),
		string(e.Horizon), e.CurrentCount, e.Limit, e.PercentUsed, e.RequestID,
		e.WasQueued, e.QueueTimeMS, e.PatternTag)
	if err != nil {
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, wallet string, kind EventKind, since time.Time, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, wallet, provider, model, ts, kind, horizon, current_count,
		       limit_value, percent_used, request_id, was_queued, queue_time_ms, pattern_tag
		FROM events WHERE wallet = $1`
	args := []any{wallet}
	if kind != "" {
		args = append(args, string(kind))
		query += fmt.Sprintf(` AND kind = $%d`, len(args))
	}
	if !since.IsZero() {
		args = append(args, since)
		query += fmt.Sprintf(` AND ts >= $%d`, len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY ts DESC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	var result []*Event
	for rows.Next() {
		var e Event
		var kindStr, horizonStr string
		if err := rows.Scan(&e.ID, &e.Wallet, &e.Provider, &e.Model, &e.Timestamp,
			&kindStr, &horizonStr, &e.CurrentCount, &e.Limit, &e.PercentUsed,
			&e.RequestID, &e.WasQueued, &e.QueueTimeMS, &e.PatternTag); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.Kind = EventKind(kindStr)
		e.Horizon = Horizon(horizonStr)
		result = append(result, &e)
	}
	return result, rows.Err()
}

// --- Tenants ---

func (s *PostgresStore) GetTenant(ctx context.Context, wallet string) (*Tenant, error) {
	var t Tenant
	var tier string
	err := s.pool.QueryRow(ctx, `
		SELECT wallet, tier, base_rpm, paid_until, created_at, updated_at
		FROM tenants WHERE wallet = $1`, wallet).
		Scan(&t.Wallet, &tier, &t.BaseRPM, &t.PaidUntil, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tenant: %w", err)
	}
	t.Tier = Tier(tier)
	return &t, nil
}

func (s *PostgresStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (wallet, tier, base_rpm, paid_until, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (wallet) DO UPDATE SET
		    tier = EXCLUDED.tier,
		    base_rpm = EXCLUDED.base_rpm,
		    paid_until = EXCLUDED.paid_until,
		    updated_at = NOW()`,
		t.Wallet, string(t.Tier), t.BaseRPM, t.PaidUntil)
	if err != nil {
		return fmt.Errorf("store: upsert tenant: %w", err)
	}
	return nil
}

// --- Patterns ---

func (s *PostgresStore) UpsertPattern(ctx context.Context, p *Pattern) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO patterns (id, wallet, kind, window_label, avg_rpm, peak_rpm,
		    confidence, suggested_limit, suggested_queue_size, observations,
		    first_detected, last_observed, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
		    window_label = EXCLUDED.window_label,
		    avg_rpm = EXCLUDED.avg_rpm,
		    peak_rpm = EXCLUDED.peak_rpm,
		    confidence = EXCLUDED.confidence,
		    suggested_limit = EXCLUDED.suggested_limit,
		    suggested_queue_size = EXCLUDED.suggested_queue_size,
		    observations = EXCLUDED.observations,
		    last_observed = EXCLUDED.last_observed,
		    description = EXCLUDED.description`,
		p.ID, p.Wallet, string(p.Kind), p.WindowLabel, p.AvgRPM, p.PeakRPM,
		p.Confidence, p.SuggestedLimit, p.SuggestedQueueSize, p.Observations,
		p.FirstDetected, p.LastObserved, p.Description)
	if err != nil {
		return fmt.Errorf("store: upsert pattern: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPatterns(ctx context.Context, wallet string, limit int) ([]*Pattern, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, wallet, kind, window_label, avg_rpm, peak_rpm, confidence,
		       suggested_limit, suggested_queue_size, observations,
		       first_detected, last_observed, description
		FROM patterns WHERE wallet = $1
		ORDER BY confidence DESC LIMIT $2`, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list patterns: %w", err)
	}
	defer rows.Close()

	var result []*Pattern
	for rows.Next() {
		var p Pattern
		var kind string
		if err := rows.Scan(&p.ID, &p.Wallet, &kind, &p.WindowLabel, &p.AvgRPM,
			&p.PeakRPM, &p.Confidence, &p.SuggestedLimit, &p.SuggestedQueueSize,
			&p.Observations, &p.FirstDetected, &p.LastObserved, &p.Description); err != nil {
			return nil, fmt.Errorf("store: scan pattern: %w", err)
		}
		p.Kind = PatternKind(kind)
		result = append(result, &p)
	}
	return result, rows.Err()
}

// --- Housekeeping ---

func (s *PostgresStore) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE ts < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: prune events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PruneQueueEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM queue_entries
		WHERE status IN ('completed', 'failed') AND processed_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: prune queue: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PruneWindows(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM windows WHERE NOT active AND end_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: prune windows: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) PrunePatterns(ctx context.Context, maxConfidence float64, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM patterns WHERE confidence < $1 AND last_observed < $2`,
		maxConfidence, olderThan)
	if err != nil {
		return 0, fmt.Errorf("store: prune patterns: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
