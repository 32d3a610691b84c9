package rollup

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storj.io/storj/shared/lrucache"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

// Cache holds rollup summaries in a bounded expiring LRU with an optional
// redis mirror. Writes are last-writer-wins; stale reads of a pending state
// are tolerated by callers.
type Cache struct {
	log    *zap.Logger
	db     meta.RollupDB
	state  *lrucache.ExpiringLRUOf[meta.Rollup]
	mirror *redis.Client
	ttl    time.Duration
}

// NewCache creates the cache. mirror may be nil.
func NewCache(log *zap.Logger, db meta.RollupDB, config Config, mirror *redis.Client) *Cache {
	return &Cache{
		log: log,
		db:  db,
		state: lrucache.NewOf[meta.Rollup](lrucache.Options{
			Name:       "rollup-cache",
			Capacity:   config.CacheMaxEntries,
			Expiration: config.CacheTTL,
		}),
		mirror: mirror,
		ttl:    config.CacheTTL,
	}
}

func cacheKey(nodeID int64) string {
	return "rollup:" + strconv.FormatInt(nodeID, 10)
}

// Get returns the summary for a node, falling back through the mirror to the
// metadata store.
func (cache *Cache) Get(ctx context.Context, nodeID int64) (meta.Rollup, error) {
	return cache.state.Get(ctx, cacheKey(nodeID), func() (meta.Rollup, error) {
		if cache.mirror != nil {
			if summary, ok := cache.mirrorGet(ctx, nodeID); ok {
				return summary, nil
			}
		}
		summary, err := cache.db.Get(ctx, nodeID)
		if err != nil {
			return meta.Rollup{}, err
		}
		cache.mirrorStore(ctx, summary)
		return summary, nil
	})
}

// Store writes a fresh summary.
func (cache *Cache) Store(ctx context.Context, summary meta.Rollup) {
	cache.state.Add(ctx, cacheKey(summary.NodeID), summary)
	cache.mirrorStore(ctx, summary)
}

// Invalidate drops the summary for a node.
func (cache *Cache) Invalidate(ctx context.Context, nodeID int64) {
	cache.state.Delete(ctx, cacheKey(nodeID))
	if cache.mirror != nil {
		if err := cache.mirror.Del(ctx, cacheKey(nodeID)).Err(); err != nil {
			cache.log.Debug("mirror invalidate failed", zap.Int64("node_id", nodeID), zap.Error(err))
		}
	}
}

func (cache *Cache) mirrorGet(ctx context.Context, nodeID int64) (meta.Rollup, bool) {
	raw, err := cache.mirror.Get(ctx, cacheKey(nodeID)).Bytes()
	if err != nil {
		return meta.Rollup{}, false
	}
	var summary meta.Rollup
	if err := json.Unmarshal(raw, &summary); err != nil {
		return meta.Rollup{}, false
	}
	return summary, true
}

func (cache *Cache) mirrorStore(ctx context.Context, summary meta.Rollup) {
	if cache.mirror == nil {
		return
	}
	raw, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := cache.mirror.Set(ctx, cacheKey(summary.NodeID), raw, cache.ttl).Err(); err != nil {
		cache.log.Debug("mirror store failed", zap.Int64("node_id", summary.NodeID), zap.Error(err))
	}
}
