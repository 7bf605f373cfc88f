package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. It is the ephemeral option: state
// does not survive a FLUSHALL or instance loss, so it suits hosts that accept
// resetting quota accounting on restart in exchange for zero local files.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects and pings the instance.
func NewRedisStore(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Key layout. Wallets, providers and models are opaque strings joined with
// '|' inside one segment so a ':' in a wallet cannot split a key.
func cfgKey(provider, model string, tier Tier) string {
	return "qp:cfg:" + provider + "|" + model + "|" + string(tier)
}

func winKey(id string) string { return "qp:win:" + id }

func winCurKey(wallet, provider, model string, h Horizon) string {
	return "qp:wincur:" + wallet + "|" + provider + "|" + model + "|" + string(h)
}

func winSetKey(wallet string) string { return "qp:winset:" + wallet }

const winInactiveKey = "qp:win:inactive" // ZSET score = end unix ms

func queueEntryKey(id string) string { return "qp:q:entry:" + id }

const queuePendingKey = "qp:q:pending" // ZSET, all tenants

func queuePendingWalletKey(wallet string) string { return "qp:q:pending:" + wallet }

func queueWalletKey(wallet string) string { return "qp:q:wallet:" + wallet }

func eventsKey(wallet string) string { return "qp:ev:" + wallet }

func tenantKey(wallet string) string { return "qp:tenant:" + wallet }

func patternsKey(wallet string) string { return "qp:pat:" + wallet }

// queueScore orders pending entries so that ascending score = dequeue order:
// higher priority first, then earlier queued_at at millisecond precision.
func queueScore(priority int, queuedAt time.Time) float64 {
	return float64(MaxPriority-priority)*1e13 + float64(queuedAt.UnixMilli())
}

// --- Limit configs ---

func (s *RedisStore) GetLimitConfig(ctx context.Context, provider, model string, tier Tier) (*LimitConfig, error) {
	for _, key := range []string{cfgKey(provider, model, tier), cfgKey(provider, "", tier)} {
		raw, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: get limit config: %w", err)
		}
		var cfg LimitConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, fmt.Errorf("store: decode limit config: %w", err)
		}
		return &cfg, nil
	}
	return nil, nil
}

func (s *RedisStore) UpsertLimitConfig(ctx context.Context, cfg *LimitConfig) error {
	model := ""
	if cfg.Model != nil {
		model = *cfg.Model
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: encode limit config: %w", err)
	}
	if err := s.client.Set(ctx, cfgKey(cfg.Provider, model, cfg.Tier), raw, 0).Err(); err != nil {
		return fmt.Errorf("store: upsert limit config: %w", err)
	}
	return nil
}

// --- Windows ---

// Windows are hashes so request and token counts can grow with HINCRBY
// instead of read-modify-write.
func windowFields(w *Window) map[string]any {
	fields := map[string]any{
		"id":       w.ID,
		"wallet":   w.Wallet,
		"provider": w.Provider,
		"model":    w.Model,
		"horizon":  string(w.Horizon),
		"start_ms": w.Start.UnixMilli(),
		"end_ms":   w.End.UnixMilli(),
		"req":      w.RequestCount,
		"tok":      w.TokenCount,
		"active":   boolInt(w.Active),
	}
	if w.RequestLimit != nil {
		fields["req_limit"] = *w.RequestLimit
	}
	if w.TokenLimit != nil {
		fields["tok_limit"] = *w.TokenLimit
	}
	return fields
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func windowFromHash(m map[string]string) (*Window, error) {
	if len(m) == 0 {
		return nil, nil
	}
	w := &Window{
		ID:       m["id"],
		Wallet:   m["wallet"],
		Provider: m["provider"],
		Model:    m["model"],
		Horizon:  Horizon(m["horizon"]),
		Active:   m["active"] == "1",
	}
	startMS, err := strconv.ParseInt(m["start_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("store: window start: %w", err)
	}
	endMS, err := strconv.ParseInt(m["end_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("store: window end: %w", err)
	}
	w.Start = time.UnixMilli(startMS).UTC()
	w.End = time.UnixMilli(endMS).UTC()
	w.RequestCount, _ = strconv.ParseInt(m["req"], 10, 64)
	w.TokenCount, _ = strconv.ParseInt(m["tok"], 10, 64)
	if v, ok := m["req_limit"]; ok {
		n, _ := strconv.ParseInt(v, 10, 64)
		w.RequestLimit = &n
	}
	if v, ok := m["tok_limit"]; ok {
		n, _ := strconv.ParseInt(v, 10, 64)
		w.TokenLimit = &n
	}
	return w, nil
}

func (s *RedisStore) GetCurrentWindow(ctx context.Context, wallet, provider, model string, horizon Horizon) (*Window, error) {
	id, err := s.client.Get(ctx, winCurKey(wallet, provider, model, horizon)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: current window: %w", err)
	}
	m, err := s.client.HGetAll(ctx, winKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: current window: %w", err)
	}
	return windowFromHash(m)
}

func (s *RedisStore) CreateWindow(ctx context.Context, w *Window) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, winKey(w.ID), windowFields(w))
	if w.Active {
		pipe.Set(ctx, winCurKey(w.Wallet, w.Provider, w.Model, w.Horizon), w.ID, 0)
		pipe.SAdd(ctx, winSetKey(w.Wallet), w.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: create window: %w", err)
	}
	return nil
}

func (s *RedisStore) DeactivateWindow(ctx context.Context, id string) error {
	m, err := s.client.HGetAll(ctx, winKey(id)).Result()
	if err != nil {
		return fmt.Errorf("store: deactivate window: %w", err)
	}
	w, err := windowFromHash(m)
	if err != nil {
		return err
	}
	if w == nil {
		return ErrNotFound
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, winKey(id), "active", 0)
	pipe.SRem(ctx, winSetKey(w.Wallet), id)
	pipe.ZAdd(ctx, winInactiveKey, redis.Z{Score: float64(w.End.UnixMilli()), Member: id})
	if w.Active {
		// Drop the pointer only if it still points at this window.
		cur, err := s.client.Get(ctx, winCurKey(w.Wallet, w.Provider, w.Model, w.Horizon)).Result()
		if err == nil && cur == id {
			pipe.Del(ctx, winCurKey(w.Wallet, w.Provider, w.Model, w.Horizon))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: deactivate window: %w", err)
	}
	return nil
}

func (s *RedisStore) IncrementWindow(ctx context.Context, id string, deltaTokens int64) error {
	exists, err := s.client.Exists(ctx, winKey(id)).Result()
	if err != nil {
		return fmt.Errorf("store: increment window: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, winKey(id), "req", 1)
	pipe.HIncrBy(ctx, winKey(id), "tok", deltaTokens)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: increment window: %w", err)
	}
	return nil
}

func (s *RedisStore) AddWindowTokens(ctx context.Context, id string, deltaTokens int64) error {
	exists, err := s.client.Exists(ctx, winKey(id)).Result()
	if err != nil {
		return fmt.Errorf("store: add window tokens: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := s.client.HIncrBy(ctx, winKey(id), "tok", deltaTokens).Err(); err != nil {
		return fmt.Errorf("store: add window tokens: %w", err)
	}
	return nil
}

func (s *RedisStore) GetActiveWindows(ctx context.Context, wallet string) ([]*Window, error) {
	ids, err := s.client.SMembers(ctx, winSetKey(wallet)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: active windows: %w", err)
	}
	var result []*Window
	for _, id := range ids {
		m, err := s.client.HGetAll(ctx, winKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("store: active windows: %w", err)
		}
		w, err := windowFromHash(m)
		if err != nil {
			return nil, err
		}
		if w != nil && w.Active {
			result = append(result, w)
		}
	}
	return result, nil
}

// --- Queue ---

// Pending entries live in two sorted sets (global and per-tenant) whose score
// encodes the dequeue order; only dequeue-eligible entries are members, so a
// ZPOPMIN is both the selection and the claim.

func (s *RedisStore) setQueueEntry(ctx context.Context, e *QueueEntry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: encode queue entry: %w", err)
	}
	return s.client.Set(ctx, queueEntryKey(e.ID), raw, 0).Err()
}

func (s *RedisStore) getQueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	raw, err := s.client.Get(ctx, queueEntryKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e QueueEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("store: decode queue entry: %w", err)
	}
	return &e, nil
}

func (s *RedisStore) Enqueue(ctx context.Context, e *QueueEntry) error {
	if err := s.setQueueEntry(ctx, e); err != nil {
		return fmt.Errorf("store: enqueue: %w", err)
	}
	score := queueScore(e.Priority, e.QueuedAt)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, queuePendingKey, redis.Z{Score: score, Member: e.ID})
	pipe.ZAdd(ctx, queuePendingWalletKey(e.Wallet), redis.Z{Score: score, Member: e.ID})
	pipe.ZAdd(ctx, queueWalletKey(e.Wallet), redis.Z{Score: score, Member: e.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: enqueue: %w", err)
	}
	return nil
}

func (s *RedisStore) DequeueOne(ctx context.Context, wallet string) (*QueueEntry, error) {
	popKey := queuePendingKey
	if wallet != "" {
		popKey = queuePendingWalletKey(wallet)
	}
	zs, err := s.client.ZPopMin(ctx, popKey, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: dequeue: %w", err)
	}
	if len(zs) == 0 {
		return nil, nil
	}
	id := zs[0].Member.(string)
	e, err := s.getQueueEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("store: dequeue: %w", err)
	}
	if e == nil {
		return nil, nil
	}
	// Remove from the mirror set the pop did not touch.
	if wallet == "" {
		s.client.ZRem(ctx, queuePendingWalletKey(e.Wallet), id)
	} else {
		s.client.ZRem(ctx, queuePendingKey, id)
	}
	e.Status = QueueProcessing
	if err := s.setQueueEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("store: dequeue: %w", err)
	}
	return e, nil
}

func (s *RedisStore) RequeueEntry(ctx context.Context, id string) error {
	e, err := s.getQueueEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("store: requeue: %w", err)
	}
	if e == nil || e.Status != QueueProcessing {
		return ErrNotFound
	}
	e.Status = QueuePending
	if err := s.setQueueEntry(ctx, e); err != nil {
		return fmt.Errorf("store: requeue: %w", err)
	}
	if e.RetryCount < e.MaxRetries {
		score := queueScore(e.Priority, e.QueuedAt)
		pipe := s.client.TxPipeline()
		pipe.ZAdd(ctx, queuePendingKey, redis.Z{Score: score, Member: id})
		pipe.ZAdd(ctx, queuePendingWalletKey(e.Wallet), redis.Z{Score: score, Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("store: requeue: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) CompleteQueued(ctx context.Context, id string, success bool, errMsg string) error {
	e, err := s.getQueueEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("store: complete queued: %w", err)
	}
	if e == nil || e.Terminal() {
		return ErrNotFound
	}
	now := time.Now().UTC()
	e.ProcessedAt = &now
	if success {
		e.Status = QueueCompleted
	} else {
		e.Status = QueueFailed
		e.RetryCount++
		e.Error = errMsg
	}
	if err := s.setQueueEntry(ctx, e); err != nil {
		return fmt.Errorf("store: complete queued: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, queuePendingKey, id)
	pipe.ZRem(ctx, queuePendingWalletKey(e.Wallet), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: complete queued: %w", err)
	}
	return nil
}

func (s *RedisStore) CancelQueued(ctx context.Context, id string) error {
	e, err := s.getQueueEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("store: cancel queued: %w", err)
	}
	if e == nil || e.Status != QueuePending {
		return ErrNotFound
	}
	now := time.Now().UTC()
	e.Status = QueueFailed
	e.Error = QueueReasonCancelled
	e.ProcessedAt = &now
	if err := s.setQueueEntry(ctx, e); err != nil {
		return fmt.Errorf("store: cancel queued: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, queuePendingKey, id)
	pipe.ZRem(ctx, queuePendingWalletKey(e.Wallet), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: cancel queued: %w", err)
	}
	return nil
}

func (s *RedisStore) UpdateQueuePriority(ctx context.Context, id string, priority int) error {
	e, err := s.getQueueEntry(ctx, id)
	if err != nil {
		return fmt.Errorf("store: update priority: %w", err)
	}
	if e == nil || e.Status != QueuePending {
		return ErrNotFound
	}
	e.Priority = priority
	if err := s.setQueueEntry(ctx, e); err != nil {
		return fmt.Errorf("store: update priority: %w", err)
	}
	score := queueScore(priority, e.QueuedAt)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, queuePendingKey, redis.Z{Score: score, Member: id})
	pipe.ZAdd(ctx, queuePendingWalletKey(e.Wallet), redis.Z{Score: score, Member: id})
	pipe.ZAdd(ctx, queueWalletKey(e.Wallet), redis.Z{Score: score, Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: update priority: %w", err)
	}
	return nil
}

func (s *RedisStore) GetQueueEntry(ctx context.Context, id string) (*QueueEntry, error) {
	e, err := s.getQueueEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("store: get queue entry: %w", err)
	}
	return e, nil
}

func (s *RedisStore) QueuePosition(ctx context.Context, id string) (int, error) {
	e, err := s.getQueueEntry(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("store: queue position: %w", err)
	}
	if e == nil || e.Status != QueuePending {
		return 0, ErrNotFound
	}
	score := queueScore(e.Priority, e.QueuedAt)
	ahead, err := s.client.ZCount(ctx, queuePendingWalletKey(e.Wallet),
		"-inf", "("+strconv.FormatFloat(score, 'f', -1, 64)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: queue position: %w", err)
	}
	return int(ahead), nil
}

func (s *RedisStore) CountPendingQueue(ctx context.Context, wallet string) (int, error) {
	n, err := s.client.ZCard(ctx, queuePendingWalletKey(wallet)).Result()
	if err != nil {
		return 0, fmt.Errorf("store: count pending: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) ListQueue(ctx context.Context, wallet string, limit int) ([]*QueueEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRange(ctx, queueWalletKey(wallet), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list queue: %w", err)
	}
	var result []*QueueEntry
	for _, id := range ids {
		e, err := s.getQueueEntry(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("store: list queue: %w", err)
		}
		if e != nil {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *RedisStore) QueueStats(ctx context.Context, wallet string) (*QueueStats, error) {
	ids, err := s.client.ZRange(ctx, queueWalletKey(wallet), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("store: queue stats: %w", err)
	}
	stats := &QueueStats{}
	var waitSum float64
	var waitCount int
	for _, id := range ids {
		e, err := s.getQueueEntry(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("store: queue stats: %w", err)
		}
		if e == nil {
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
			waitCount++
		}
	}
	if waitCount > 0 {
		stats.AvgWaitMS = waitSum / float64(waitCount)
	}
	return stats, nil
}

// --- Events ---

const eventWalletsKey = "qp:ev:wallets"

func (s *RedisStore) RecordEvent(ctx context.Context, e *Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("store: encode event: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, eventsKey(e.Wallet), redis.Z{
		Score:  float64(e.Timestamp.UnixMilli()),
		Member: raw,
	})
	pipe.SAdd(ctx, eventWalletsKey, e.Wallet)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: record event: %w", err)
	}
	return nil
}

func (s *RedisStore) ListEvents(ctx context.Context, wallet string, kind EventKind, since time.Time, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	min := "-inf"
	if !since.IsZero() {
		min = strconv.FormatInt(since.UnixMilli(), 10)
	}
	raws, err := s.client.ZRevRangeByScore(ctx, eventsKey(wallet), &redis.ZRangeBy{
		Min: min, Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}
	var result []*Event
	for _, raw := range raws {
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("store: decode event: %w", err)
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		result = append(result, &e)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// --- Tenants ---

const tenantWalletsKey = "qp:tenants"

func (s *RedisStore) GetTenant(ctx context.Context, wallet string) (*Tenant, error) {
	raw, err := s.client.Get(ctx, tenantKey(wallet)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tenant: %w", err)
	}
	var t Tenant
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("store: decode tenant: %w", err)
	}
	return &t, nil
}

func (s *RedisStore) UpsertTenant(ctx context.Context, t *Tenant) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: encode tenant: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, tenantKey(t.Wallet), raw, 0)
	pipe.SAdd(ctx, tenantWalletsKey, t.Wallet)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: upsert tenant: %w", err)
	}
	return nil
}

// --- Patterns ---

func (s *RedisStore) UpsertPattern(ctx context.Context, p *Pattern) error {
	existing, err := s.client.HGet(ctx, patternsKey(p.Wallet), p.ID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store: upsert pattern: %w", err)
	}
	if err == nil {
		var old Pattern
		if json.Unmarshal([]byte(existing), &old) == nil && !old.FirstDetected.IsZero() {
			p.FirstDetected = old.FirstDetected
		}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("store: encode pattern: %w", err)
	}
	if err := s.client.HSet(ctx, patternsKey(p.Wallet), p.ID, raw).Err(); err != nil {
		return fmt.Errorf("store: upsert pattern: %w", err)
	}
	return nil
}

func (s *RedisStore) ListPatterns(ctx context.Context, wallet string, limit int) ([]*Pattern, error) {
	if limit <= 0 {
		limit = 50
	}
	m, err := s.client.HGetAll(ctx, patternsKey(wallet)).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list patterns: %w", err)
	}
	var result []*Pattern
	for _, raw := range m {
		var p Pattern
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("store: decode pattern: %w", err)
		}
		result = append(result, &p)
	}
	// Highest confidence first.
	for i := 1; i < len(result); i++ {
		for j := i; j > 0 && result[j].Confidence > result[j-1].Confidence; j-- {
			result[j], result[j-1] = result[j-1], result[j]
		}
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- Housekeeping ---

func (s *RedisStore) PruneEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	wallets, err := s.client.SMembers(ctx, eventWalletsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("store: prune events: %w", err)
	}
	max := "(" + strconv.FormatInt(olderThan.UnixMilli(), 10)
	var removed int64
	for _, w := range wallets {
		n, err := s.client.ZRemRangeByScore(ctx, eventsKey(w), "-inf", max).Result()
		if err != nil {
			return removed, fmt.Errorf("store: prune events: %w", err)
		}
		removed += n
	}
	return removed, nil
}

func (s *RedisStore) PruneQueueEntries(ctx context.Context, olderThan time.Time) (int64, error) {
	wallets, err := s.client.SMembers(ctx, tenantWalletsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("store: prune queue: %w", err)
	}
	var removed int64
	for _, w := range wallets {
		ids, err := s.client.ZRange(ctx, queueWalletKey(w), 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("store: prune queue: %w", err)
		}
		for _, id := range ids {
			e, err := s.getQueueEntry(ctx, id)
			if err != nil {
				return removed, fmt.Errorf("store: prune queue: %w", err)
			}
			if e == nil {
				s.client.ZRem(ctx, queueWalletKey(w), id)
				continue
			}
			if e.Terminal() && e.ProcessedAt != nil && e.ProcessedAt.Before(olderThan) {
				pipe := s.client.TxPipeline()
				pipe.Del(ctx, queueEntryKey(id))
				pipe.ZRem(ctx, queueWalletKey(w), id)
				if _, err := pipe.Exec(ctx); err != nil {
					return removed, fmt.Errorf("store: prune queue: %w", err)
				}
				removed++
			}
		}
	}
	return removed, nil
}

func (s *RedisStore) PruneWindows(ctx context.Context, olderThan time.Time) (int64, error) {
	max := "(" + strconv.FormatInt(olderThan.UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, winInactiveKey, &redis.ZRangeBy{
		Min: "-inf", Max: max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("store: prune windows: %w", err)
	}
	var removed int64
	for _, id := range ids {
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, winKey(id))
		pipe.ZRem(ctx, winInactiveKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("store: prune windows: %w", err)
		}
		removed++
	}
	return removed, nil
}

func (s *RedisStore) PrunePatterns(ctx context.Context, maxConfidence float64, olderThan time.Time) (int64, error) {
	wallets, err := s.client.SMembers(ctx, tenantWalletsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("store: prune patterns: %w", err)
	}
	var removed int64
	for _, w := range wallets {
		m, err := s.client.HGetAll(ctx, patternsKey(w)).Result()
		if err != nil {
			return removed, fmt.Errorf("store: prune patterns: %w", err)
		}
		for id, raw := range m {
			var p Pattern
			if json.Unmarshal([]byte(raw), &p) != nil {
				continue
			}
			if p.Confidence < maxConfidence && p.LastObserved.Before(olderThan) {
				if err := s.client.HDel(ctx, patternsKey(w), id).Err(); err != nil {
					return removed, fmt.Errorf("store: prune patterns: %w", err)
				}
				removed++
			}
		}
	}
	return removed, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
