// Package redisblob fronts an upstream snapshot blob store with a
// Redis read-through cache and a token-bucket-style fetch throttle
// (golang.org/x/time/rate), so a burst of clients reopening a popular
// database can't hammer the upstream blob store.
package redisblob

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/sandiprb/userbase/internal/store"
)

// cacheTTL controls how long a fetched bundle stays cached. Bundles
// are immutable once written (a given databaseId/bundleSeqNo never
// changes), so this is purely a memory-pressure knob, not a
// correctness one.
const cacheTTL = 10 * time.Minute

// Cache wraps an upstream store.SnapshotStore with Redis caching and
// fetch-rate limiting.
type Cache struct {
	rdb      *redis.Client
	upstream store.SnapshotStore
	limiter  *rate.Limiter
}

// New creates a Cache backed by rdb, limiting upstream fetches to
// ratePerSecond with the given burst.
func New(rdb *redis.Client, upstream store.SnapshotStore, ratePerSecond float64, burst int) *Cache {
	return &Cache{
		rdb:      rdb,
		upstream: upstream,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

func cacheKey(databaseID string, bundleSeqNo int64) string {
	return fmt.Sprintf("fanout:bundle:%s:%d", databaseID, bundleSeqNo)
}

// GetBundle implements store.SnapshotStore: check Redis first, then
// fall back to the upstream store under the fetch limiter, populating
// the cache on a miss.
func (c *Cache) GetBundle(ctx context.Context, databaseID string, bundleSeqNo int64) ([]byte, error) {
	key := cacheKey(databaseID, bundleSeqNo)

	cached, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		return cached, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("redisblob: cache get: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("redisblob: fetch throttled: %w", err)
	}

	blob, err := c.upstream.GetBundle(ctx, databaseID, bundleSeqNo)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, nil
	}

	if err := c.rdb.Set(ctx, key, blob, cacheTTL).Err(); err != nil {
		// Cache population failure never fails the read (§7 propagation
		// policy: a collaborator-side fault isolates to its own concern).
		return blob, nil
	}
	return blob, nil
}
