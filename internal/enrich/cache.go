// Package enrich implements the background enrichment pipeline: the
// per-entity result cache, the idempotency lock, the concurrency-bounded
// dispatcher, and the job runner that ties them to the connection hub.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/okian/sidelink/internal/adapters/kv"
	"github.com/okian/sidelink/internal/domain/model"
	"github.com/okian/sidelink/pkg/logger"
	"github.com/okian/sidelink/pkg/metrics"
)

// Default cache configuration constants.
const (
	defaultCacheTTL = time.Hour
	defaultLockTTL  = 60 * time.Second

	entityKeyPrefix = "enrich:entity:"
	lockKeyPrefix   = "enrich:lock:"
)

// Entry is the cached resolution result for one entity.
type Entry struct {
	Status    model.ResolutionStatus `json:"status"`
	URL       string                 `json:"url,omitempty"`
	LayerUsed int                    `json:"layer_used"`
	Source    model.ResolutionSource `json:"source"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// LockOutcome is the result of an idempotency lock attempt.
type LockOutcome int

const (
	// LockAcquired means this caller owns the entity's resolution and
	// must eventually write a definitive cache entry.
	LockAcquired LockOutcome = iota
	// LockHeld means another worker (possibly on another node) owns it;
	// this caller must not enqueue a duplicate job.
	LockHeld
	// LockError means the backing store was unreachable; callers treat it
	// as an unconditional miss and proceed without cross-fleet dedupe.
	LockError
)

// Cache is the cache-aside store for resolution results paired with the
// idempotency lock that keeps concurrent resolutions per entity at one.
type Cache struct {
	store    kv.Store
	cacheTTL time.Duration
	lockTTL  time.Duration
	logger   logger.Logger
}

// CacheOption applies a configuration option to the Cache.
type CacheOption func(*Cache)

// WithCacheTTL bounds how long resolution results stay cached.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithLockTTL bounds how long an in-flight resolution holds its lock.
func WithLockTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.lockTTL = ttl
		}
	}
}

// WithCacheLogger sets a custom logger for the cache.
func WithCacheLogger(l logger.Logger) CacheOption {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCache creates an enrichment cache on top of the shared store.
func NewCache(store kv.Store, opts ...CacheOption) *Cache {
	c := &Cache{
		store:    store,
		cacheTTL: defaultCacheTTL,
		lockTTL:  defaultLockTTL,
		logger:   logger.Get().Named("enrich-cache"),
	}

	// Apply all options
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Lookup returns the cached entry for entityID. Store failures are logged
// and reported as a miss so storage unavailability never stalls callers.
func (c *Cache) Lookup(ctx context.Context, entityID string) (Entry, bool) {
	raw, err := c.store.Get(ctx, entityKeyPrefix+entityID)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			metrics.RecordKVError("get")
			c.logger.Warn(ctx, "cache lookup failed, treating as miss",
				logger.String("entityID", entityID),
				logger.Error(err),
			)
		}
		metrics.RecordCacheMiss()
		return Entry{}, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		metrics.RecordCacheMiss()
		c.logger.Warn(ctx, "cache entry corrupt, treating as miss",
			logger.String("entityID", entityID),
			logger.Error(err),
		)
		return Entry{}, false
	}

	metrics.RecordCacheHit()
	return e, true
}

// Write stores a definitive entry for entityID. The write supersedes the
// idempotency lock; failures are logged, never propagated.
func (c *Cache) Write(ctx context.Context, entityID string, e Entry) {
	raw, err := json.Marshal(e)
	if err != nil {
		metrics.RecordCacheWriteError()
		c.logger.Error(ctx, "cache entry marshal failed",
			logger.String("entityID", entityID),
			logger.Error(err),
		)
		return
	}

	if err := c.store.Set(ctx, entityKeyPrefix+entityID, raw, c.cacheTTL); err != nil {
		metrics.RecordKVError("set")
		metrics.RecordCacheWriteError()
		c.logger.Error(ctx, "cache write failed",
			logger.String("entityID", entityID),
			logger.Error(err),
		)
	}
}

// TryAcquireLock attempts the atomic set-if-absent that makes resolution
// idempotent across the fleet. The lock carries no payload.
func (c *Cache) TryAcquireLock(ctx context.Context, entityID string) LockOutcome {
	acquired, err := c.store.SetNX(ctx, lockKeyPrefix+entityID, []byte{1}, c.lockTTL)
	if err != nil {
		metrics.RecordKVError("setnx")
		metrics.RecordLockError()
		c.logger.Warn(ctx, "lock store unreachable, proceeding without dedupe",
			logger.String("entityID", entityID),
			logger.Error(err),
		)
		return LockError
	}
	if !acquired {
		metrics.RecordLockHeld()
		return LockHeld
	}
	metrics.RecordLockAcquired()
	return LockAcquired
}

// ReleaseLock drops the lock early once the definitive write landed.
// Best effort; the TTL is the real cleanup.
func (c *Cache) ReleaseLock(ctx context.Context, entityID string) {
	if err := c.store.Delete(ctx, lockKeyPrefix+entityID); err != nil {
		metrics.RecordKVError("delete")
	}
}
