package pages

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheStatus describes how a Cache.Get call was answered.
type CacheStatus string

const (
	CacheHit   CacheStatus = "HIT"
	CacheStale CacheStatus = "STALE"
	CacheMiss  CacheStatus = "MISS"
)

// RenderFunc produces the bytes cached under a key.
type RenderFunc func(ctx context.Context) ([]byte, error)

type cacheEntry struct {
	body      []byte
	generated time.Time
	ttl       time.Duration
	stale     bool
}

func (e *cacheEntry) expired(now time.Time) bool {
	if e.stale {
		return true
	}
	return e.ttl > 0 && now.Sub(e.generated) >= e.ttl
}

// Cache holds rendered output. A missing key is rendered while the caller
// waits; an expired key is served as is while it is regenerated in the
// background. Concurrent renders of the same key are collapsed into one.
// Failed renders are never cached and never replace a previous result.
type Cache struct {
	logger         *log.Logger
	now            func() time.Time
	refreshTimeout time.Duration

	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	refreshing map[string]bool

	group singleflight.Group
	wg    sync.WaitGroup
}

// NewCache creates an empty Cache.
func NewCache(logger *log.Logger) *Cache {
	if logger == nil {
		logger = log.Default()
	}
	return &Cache{
		logger:         logger,
		now:            time.Now,
		refreshTimeout: time.Minute,
		entries:        make(map[string]*cacheEntry),
		refreshing:     make(map[string]bool),
	}
}

// Get returns the bytes for key, rendering them with render when needed.
// ttl <= 0 keeps the entry until it is revalidated or purged.
func (c *Cache) Get(ctx context.Context, key string, ttl time.Duration, render RenderFunc) ([]byte, CacheStatus, error) {
	now := c.now()
	c.mu.RLock()
	var (
		cached  []byte
		expired bool
	)
	entry, ok := c.entries[key]
	if ok {
		cached, expired = entry.body, entry.expired(now)
	}
	c.mu.RUnlock()

	if ok {
		if !expired {
			return cached, CacheHit, nil
		}
		c.refreshInBackground(key, ttl, render)
		return cached, CacheStale, nil
	}

	body, err := c.render(ctx, key, ttl, render)
	if err != nil {
		return nil, CacheMiss, err
	}
	return body, CacheMiss, nil
}

// Revalidate renders key now and replaces the cached entry on success.
func (c *Cache) Revalidate(ctx context.Context, key string, ttl time.Duration, render RenderFunc) error {
	_, err := c.render(ctx, key, ttl, render)
	return err
}

// Invalidate marks every entry stale so the next request regenerates it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		entry.stale = true
	}
}

// Purge drops key from the cache.
func (c *Cache) Purge(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Keys returns the cached keys.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys
}

// Wait blocks until background regenerations started so far have finished.
func (c *Cache) Wait() {
	c.wg.Wait()
}

// render runs a shared render for key detached from the caller's
// cancellation, so one waiter giving up does not fail the others. Each caller
// still stops waiting when its own ctx is done.
func (c *Cache) render(ctx context.Context, key string, ttl time.Duration, render RenderFunc) ([]byte, error) {
	ch := c.group.DoChan(key, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		body, err := render(rctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = &cacheEntry{body: body, generated: c.now(), ttl: ttl}
		c.mu.Unlock()
		return body, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (c *Cache) refreshInBackground(key string, ttl time.Duration, render RenderFunc) {
	c.mu.Lock()
	if c.refreshing[key] {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()
		if _, err := c.render(ctx, key, ttl, render); err != nil {
			c.logger.Printf("regenerate %s failed, keeping previous version: %v", key, err)
		}
	}()
}
