package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apexrad/radsched/pkg/logging"
)

const defaultCacheTTL = 5 * time.Minute

// CachedStore fronts the registry with a Redis read-through cache. Tenant
// config is read on every webhook and every send, so cache misses are the
// exception. Redis being down degrades to the registry, never to an error.
type CachedStore struct {
	store     *Store
	redis     *redis.Client
	ttl       time.Duration
	defaultID string
	logger    *logging.Logger
}

func NewCachedStore(store *Store, redisClient *redis.Client, logger *logging.Logger) *CachedStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedStore{
		store:  store,
		redis:  redisClient,
		ttl:    defaultCacheTTL,
		logger: logger,
	}
}

// WithTTL overrides the cache TTL.
func (c *CachedStore) WithTTL(ttl time.Duration) *CachedStore {
	if ttl > 0 {
		c.ttl = ttl
	}
	return c
}

// WithDefaultID designates the development fallback tenant: a registry miss
// for exactly this id yields tenant.Default instead of ErrNotFound. The
// synthetic tenant is never cached; seeding the registry takes over cleanly.
func (c *CachedStore) WithDefaultID(id string) *CachedStore {
	c.defaultID = id
	return c
}

func (c *CachedStore) key(id string) string {
	return fmt.Sprintf("tenant:config:%s", id)
}

// Get returns the tenant, preferring the cache.
func (c *CachedStore) Get(ctx context.Context, id string) (*Tenant, error) {
	if c.redis != nil {
		data, err := c.redis.Get(ctx, c.key(id)).Bytes()
		switch {
		case err == nil:
			var t Tenant
			if jsonErr := json.Unmarshal(data, &t); jsonErr == nil {
				return &t, nil
			}
			// Corrupt cache entry: fall through to the registry and rewrite.
			c.logger.Warn("tenant cache entry corrupt, reloading", "tenant_id", id)
		case errors.Is(err, redis.Nil):
			// miss
		default:
			c.logger.Warn("tenant cache unavailable", "error", err)
		}
	}

	t, err := c.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) && id != "" && id == c.defaultID {
			return Default(id), nil
		}
		return nil, err
	}
	c.backfill(ctx, t)
	return t, nil
}

// LookupByFromNumber resolves a tenant from an inbound To number. The
// number→tenant binding is cached separately from the config blob.
func (c *CachedStore) LookupByFromNumber(ctx context.Context, number string) (*Tenant, error) {
	if c.redis != nil {
		id, err := c.redis.Get(ctx, "tenant:number:"+number).Result()
		if err == nil && id != "" {
			return c.Get(ctx, id)
		}
	}

	t, err := c.store.LookupByFromNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if c.redis != nil {
		if err := c.redis.Set(ctx, "tenant:number:"+number, t.ID, c.ttl).Err(); err != nil {
			c.logger.Warn("tenant number cache write failed", "error", err)
		}
	}
	c.backfill(ctx, t)
	return t, nil
}

// Invalidate drops the cached config for a tenant.
func (c *CachedStore) Invalidate(ctx context.Context, id string) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, c.key(id)).Err(); err != nil {
		c.logger.Warn("tenant cache invalidate failed", "tenant_id", id, "error", err)
	}
}

func (c *CachedStore) backfill(ctx context.Context, t *Tenant) {
	if c.redis == nil || t == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, c.key(t.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("tenant cache write failed", "tenant_id", t.ID, "error", err)
	}
}
