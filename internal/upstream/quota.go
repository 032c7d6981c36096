// quota.go -- Day-scoped call counter plus time-boxed payload cache.
//
// Counter keys:  ledgersync:quota:<operation>:<YYYY-MM-DD>  (UTC day, 48h TTL)
// Cache keys:    ledgersync:cache:<operation>:<scope>
//
// A cache entry outlives its expiry by StaleRetention so a 429 can still be
// answered with the last good payload.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/metrics"
	"github.com/MGallo-Code/ledgersync/internal/store"
)

// DefaultMaxCacheBytes is the largest payload QuotaCache persists.
const DefaultMaxCacheBytes = 2 << 20

// StaleRetention is how long an expired entry is kept for degraded reads.
const StaleRetention = 7 * 24 * time.Hour

const counterTTL = 48 * time.Hour

// Policy is the per-operation caching and quota rule.
type Policy struct {
	TTL        time.Duration
	DailyLimit int64         // 0 = counted but unlimited
	Timeout    time.Duration // applied to Fetch
}

// Request describes one guarded read.
type Request struct {
	Operation string
	Scope     string
	Policy    Policy
	Force     bool
	Fetch     func(ctx context.Context) ([]byte, error)
	// Placeholder is served, flagged, when rate-limited with nothing cached.
	// nil means no placeholder exists and the rate-limit error is returned.
	Placeholder []byte
}

// Result is what a guarded read produced and where it came from.
type Result struct {
	Payload     []byte
	FromCache   bool
	Stale       bool
	Placeholder bool
	// Degraded is set whenever the payload is not a fresh or valid cached read.
	Degraded bool
	CachedAt time.Time
}

type cacheEntry struct {
	Payload   json.RawMessage `json:"payload"`
	CachedAt  time.Time       `json:"cached_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// QuotaCache guards expensive reads. Safe for concurrent use; all state
// lives in KV.
type QuotaCache struct {
	kv       KV
	maxBytes int
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewQuotaCache returns a QuotaCache. maxBytes <= 0 selects DefaultMaxCacheBytes.
// m may be nil.
func NewQuotaCache(kv KV, maxBytes int, m *metrics.Metrics) *QuotaCache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxCacheBytes
	}
	return &QuotaCache{kv: kv, maxBytes: maxBytes, metrics: m, now: time.Now}
}

func cacheKey(op, scope string) string {
	return "ledgersync:cache:" + op + ":" + scope
}

func (c *QuotaCache) counterKey(op string) string {
	return "ledgersync:quota:" + op + ":" + c.now().UTC().Format("2006-01-02")
}

// Usage returns how many real calls op has made today.
func (c *QuotaCache) Usage(ctx context.Context, op string) (int64, error) {
	return c.kv.Counter(ctx, c.counterKey(op))
}

// Get serves req from cache when valid, otherwise consumes one quota unit
// and calls Fetch. The counter moves only when Fetch is actually called.
func (c *QuotaCache) Get(ctx context.Context, req Request) (Result, error) {
	key := cacheKey(req.Operation, req.Scope)
	entry := c.load(ctx, key)

	if !req.Force && entry != nil && c.now().Before(entry.ExpiresAt) {
		c.metrics.CacheResult(req.Operation, "hit")
		return Result{Payload: entry.Payload, FromCache: true, CachedAt: entry.CachedAt}, nil
	}

	used, ok, err := c.kv.IncrBelow(ctx, c.counterKey(req.Operation), req.Policy.DailyLimit, counterTTL)
	if err != nil {
		return c.fallback(req, entry, fmt.Errorf("upstream %s: quota counter: %w", req.Operation, err))
	}
	c.metrics.QuotaUsed(req.Operation, used)
	if !ok {
		slog.Warn("daily quota exhausted",
			"operation", req.Operation, "scope", req.Scope, "used", used, "limit", req.Policy.DailyLimit)
		return c.degrade(req, entry, fmt.Errorf("upstream %s: daily quota of %d reached: %w",
			req.Operation, req.Policy.DailyLimit, ErrRateLimited))
	}

	fetchCtx := ctx
	if req.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, req.Policy.Timeout)
		defer cancel()
	}

	payload, err := req.Fetch(fetchCtx)
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			slog.Warn("upstream rate limited", "operation", req.Operation, "scope", req.Scope)
			return c.degrade(req, entry, err)
		}
		return c.fallback(req, entry, err)
	}

	c.metrics.CacheResult(req.Operation, "fetched")
	now := c.now()
	c.store(ctx, key, payload, now, req.Policy.TTL)
	return Result{Payload: payload, CachedAt: now}, nil
}

// degrade answers a rate limit: stale entry, else placeholder, else err.
func (c *QuotaCache) degrade(req Request, entry *cacheEntry, err error) (Result, error) {
	if entry != nil {
		c.metrics.CacheResult(req.Operation, "stale")
		return Result{Payload: entry.Payload, FromCache: true, Stale: true, Degraded: true, CachedAt: entry.CachedAt}, nil
	}
	if req.Placeholder != nil {
		c.metrics.CacheResult(req.Operation, "placeholder")
		slog.Warn("serving placeholder payload", "operation", req.Operation, "scope", req.Scope)
		return Result{Payload: req.Placeholder, Placeholder: true, Degraded: true}, nil
	}
	c.metrics.CacheResult(req.Operation, "error")
	return Result{}, err
}

// fallback answers any other failure: stale entry if one exists, else err.
func (c *QuotaCache) fallback(req Request, entry *cacheEntry, err error) (Result, error) {
	if entry != nil {
		c.metrics.CacheResult(req.Operation, "stale")
		slog.Warn("upstream read failed, serving cached payload",
			"operation", req.Operation, "scope", req.Scope, "error", err)
		return Result{Payload: entry.Payload, FromCache: true, Stale: true, Degraded: true, CachedAt: entry.CachedAt}, nil
	}
	c.metrics.CacheResult(req.Operation, "error")
	return Result{}, err
}

// load returns the entry at key, or nil on miss or any read/decode failure.
func (c *QuotaCache) load(ctx context.Context, key string) *cacheEntry {
	raw, err := c.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrCacheMiss) {
			slog.Warn("cache read failed", "key", key, "error", err)
		}
		return nil
	}
	var e cacheEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		slog.Warn("cache entry corrupt", "key", key, "error", err)
		return nil
	}
	return &e
}

// store persists payload unless it exceeds maxBytes. Failures are logged;
// the caller already has the payload.
func (c *QuotaCache) store(ctx context.Context, key string, payload []byte, now time.Time, ttl time.Duration) {
	if len(payload) > c.maxBytes {
		slog.Warn("payload too large to cache", "key", key, "bytes", len(payload), "max", c.maxBytes)
		return
	}
	if !json.Valid(payload) {
		slog.Warn("payload is not JSON, not caching", "key", key)
		return
	}
	raw, err := json.Marshal(cacheEntry{Payload: payload, CachedAt: now, ExpiresAt: now.Add(ttl)})
	if err != nil {
		slog.Warn("cache entry encode failed", "key", key, "error", err)
		return
	}
	if err := c.kv.Set(ctx, key, raw, ttl+StaleRetention); err != nil {
		slog.Warn("cache write failed", "key", key, "error", err)
	}
}
