package journal

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
)

// Cached fronts another Journal with a ristretto read cache for History.
// Every finalized commit bumps a generation counter baked into the cache
// keys, so stale history pages simply stop being addressable.
type Cached struct {
	inner Journal
	cache *ristretto.Cache
	gen   atomic.Uint64
}

// CachedOption configures the underlying ristretto cache.
type CachedOption func(*ristretto.Config)

// WithCacheConfig applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithCacheConfig(cfg *ristretto.Config) CachedOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewCached wraps inner with a history read cache.
func NewCached(inner Journal, opts ...CachedOption) (*Cached, error) {
	cfg := &ristretto.Config{
		NumCounters: 1e4,     // number of keys to track frequency of (10k).
		MaxCost:     1 << 20, // maximum cost of cache (1MB by default).
		BufferItems: 64,      // number of keys per Get buffer.
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: build history cache: %w", err)
	}
	return &Cached{inner: inner, cache: rc}, nil
}

// Commit implements Journal.Commit. The generation only advances when the
// inner commit finalized, since aborted attempts leave history unchanged.
func (c *Cached) Commit(ctx context.Context, entry Entry, apply func(context.Context) error) (*AuditEvent, error) {
	ev, err := c.inner.Commit(ctx, entry, apply)
	if err == nil {
		c.gen.Add(1)
	}
	return ev, err
}

// History implements Journal.History.
func (c *Cached) History(ctx context.Context, resource string, limit int) ([]AuditEvent, error) {
	key := fmt.Sprintf("%d|%s|%d", c.gen.Load(), resource, limit)
	if v, ok := c.cache.Get(key); ok {
		if events, ok := v.([]AuditEvent); ok {
			return events, nil
		}
	}
	events, err := c.inner.History(ctx, resource, limit)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, events, int64(len(events)+1))
	return events, nil
}

// Wait blocks until pending cache writes are visible, mainly for tests.
func (c *Cached) Wait() {
	c.cache.Wait()
}
