// kv.go -- Key-value abstraction for tokens, quota counters and payload caches.
package upstream

import (
	"context"
	"time"
)

// KV is the injectable store behind TokenManager and QuotaCache.
// store.RedisStore implements it; testutil.MemoryKV is the in-process fake.
// Get returns store.ErrCacheMiss when key is absent.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Counter(ctx context.Context, key string) (int64, error)
	IncrBelow(ctx context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error)
}
