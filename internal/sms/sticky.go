package sms

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/apexrad/radsched/pkg/logging"
)

const stickyTTL = 30 * 24 * time.Hour

// ErrEmptyPool means the tenant has no from-numbers for the provider.
var ErrEmptyPool = errors.New("sms: from-number pool empty")

// StickyPool assigns each recipient a stable from-number so a patient keeps
// texting with the same sender for the life of their thread. The assignment
// is a pure function of the phone hash and pool, so losing the cache only
// costs a recompute. Redis backs the cache when available, otherwise an
// in-process map does.
type StickyPool struct {
	redis  *redis.Client
	logger *logging.Logger

	mu    sync.RWMutex
	local map[string]string
}

// NewStickyPool builds the sticky-sender cache. rdb may be nil.
func NewStickyPool(rdb *redis.Client, logger *logging.Logger) *StickyPool {
	if logger == nil {
		logger = logging.Default()
	}
	return &StickyPool{
		redis:  rdb,
		logger: logger,
		local:  make(map[string]string),
	}
}

// From picks the from-number for one recipient. Single-number pools skip
// the cache entirely. A cached number that has left the pool is recomputed
// and overwritten.
func (p *StickyPool) From(ctx context.Context, tenantID, provider, phoneHash string, pool []string) (string, error) {
	if len(pool) == 0 {
		return "", ErrEmptyPool
	}
	if len(pool) == 1 {
		return pool[0], nil
	}

	key := fmt.Sprintf("sticky:%s:%s:%s", tenantID, provider, phoneHash)
	if cached, ok := p.lookup(ctx, key); ok && slices.Contains(pool, cached) {
		return cached, nil
	}

	number := pool[stickyIndex(phoneHash, len(pool))]
	p.store(ctx, key, number)
	return number, nil
}

func stickyIndex(phoneHash string, n int) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(phoneHash))
	return int(h.Sum64() % uint64(n))
}

func (p *StickyPool) lookup(ctx context.Context, key string) (string, bool) {
	if p.redis != nil {
		val, err := p.redis.Get(ctx, key).Result()
		if err == nil && val != "" {
			return val, true
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			p.logger.Warn("sticky cache read failed, recomputing", "error", err)
		}
		return "", false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	val, ok := p.local[key]
	return val, ok
}

func (p *StickyPool) store(ctx context.Context, key, number string) {
	if p.redis != nil {
		if err := p.redis.Set(ctx, key, number, stickyTTL).Err(); err != nil {
			p.logger.Warn("sticky cache write failed", "error", err)
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.local[key] = number
}
