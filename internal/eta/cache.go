package eta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/example/campus-transit/internal/models"
)

// Cache stores duration texts keyed by route and traffic.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// MemoryCache is a tiny in-memory cache with a fixed TTL.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  string
	ts time.Time
}

// NewMemoryCache creates a cache with the provided TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{store: make(map[string]cacheEntry), ttl: ttl}
}

// Get returns cached value and true if present and not expired.
func (c *MemoryCache) Get(_ context.Context, k string) (string, bool, error) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return "", false, nil
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return "", false, nil
	}
	return e.v, true, nil
}

func (c *MemoryCache) Set(_ context.Context, k, v string) error {
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
	return nil
}

// KeyFor normalizes free-text locations so "Main Gate " and "main gate"
// share an entry.
func KeyFor(origin, destination string, traffic models.TrafficLevel) string {
	norm := func(s string) string { return strings.Join(strings.Fields(strings.ToLower(s)), " ") }
	sum := sha256.Sum256([]byte(norm(origin) + "\x00" + norm(destination) + "\x00" + string(traffic)))
	return hex.EncodeToString(sum[:16])
}

// CachedEstimator consults Cache before Next. Cache failures are treated
// as misses.
type CachedEstimator struct {
	Next  Estimator
	Cache Cache
}

func (c *CachedEstimator) Estimate(ctx context.Context, origin, destination string, traffic models.TrafficLevel) (Estimate, error) {
	key := KeyFor(origin, destination, traffic)
	if v, ok, err := c.Cache.Get(ctx, key); err == nil && ok {
		return Estimate{DurationText: v}, nil
	}
	est, err := c.Next.Estimate(ctx, origin, destination, traffic)
	if err != nil {
		return Estimate{}, err
	}
	_ = c.Cache.Set(ctx, key, est.DurationText)
	return est, nil
}
