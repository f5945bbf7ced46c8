package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/kyb-monitor/internal/model"
)

// Entry is a cached CheckResult. It is fresh until ExpiresAt and may be
// served as a stale fallback until KeepUntil.
type Entry struct {
	Result    model.CheckResult `json:"result"`
	StoredAt  time.Time         `json:"stored_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	KeepUntil time.Time         `json:"keep_until"`
}

// Fresh reports whether the entry is still within its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// Cache stores entries keyed by (source, normalized identifier).
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
}

// MemoryCache is an in-process Cache. Entries past KeepUntil are removed by
// Sweep; readers must check retention themselves.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	e.Result = e.Result.Clone()
	return e, true, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, e Entry) error {
	e.Result = e.Result.Clone()
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Sweep removes entries past their retention at now and returns how many were dropped.
func (c *MemoryCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if !now.Before(e.KeepUntil) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of retained entries.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Janitor sweeps the cache every interval until ctx is done.
func (c *MemoryCache) Janitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			c.Sweep(t)
		}
	}
}
