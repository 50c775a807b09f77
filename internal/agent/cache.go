package agent

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"roomchat/internal/domain"
	"roomchat/internal/metrics"
)

const defaultCacheTTL = 5 * time.Minute

// contextBuilder is the part of ContextBuilder the cache depends on.
type contextBuilder interface {
	BuildContext(messages []domain.ChatMessage, opts BuildOptions) *domain.AIContext
}

type cacheEntry struct {
	ctx       *domain.AIContext
	createdAt time.Time
}

// ContextCache memoizes built contexts per caller-supplied key. Stale entries
// are never returned but stay in memory until CleanCache runs.
type ContextCache struct {
	mu      sync.Mutex
	builder contextBuilder
	entries map[string]cacheEntry
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

type ContextCacheConfig struct {
	Builder contextBuilder
	// TTL defaults to 5 minutes.
	TTL    time.Duration
	Now    func() time.Time
	Logger *slog.Logger
}

func NewContextCache(cfg ContextCacheConfig) *ContextCache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	lgr := cfg.Logger
	if lgr == nil {
		lgr = slog.Default()
	}
	return &ContextCache{
		builder: cfg.Builder,
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     now,
		logger:  lgr,
	}
}

// TTL returns the configured entry lifetime.
func (c *ContextCache) TTL() time.Duration { return c.ttl }

// GetOrBuildContext returns the cached context for key when it is younger than
// the TTL, otherwise builds, stores and returns a new one. Callers must not
// mutate the returned value; use Clone first.
func (c *ContextCache) GetOrBuildContext(key string, messages []domain.ChatMessage, opts BuildOptions) *domain.AIContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok && now.Sub(e.createdAt) < c.ttl {
		metrics.ContextCacheHits.Inc()
		return e.ctx
	}

	metrics.ContextCacheMisses.Inc()
	built := c.builder.BuildContext(messages, opts)
	c.entries[key] = cacheEntry{ctx: built, createdAt: now}
	metrics.ContextCacheSize.Set(int64(len(c.entries)))
	return built
}

// Invalidate drops the entry for key.
func (c *ContextCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	metrics.ContextCacheSize.Set(int64(len(c.entries)))
}

// InvalidatePrefix drops every entry whose key starts with prefix and reports
// how many were removed.
func (c *ContextCache) InvalidatePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			removed++
		}
	}
	metrics.ContextCacheSize.Set(int64(len(c.entries)))
	return removed
}

// InvalidateAll drops every entry.
func (c *ContextCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	metrics.ContextCacheSize.Set(0)
}

// CleanCache removes entries whose age reached the TTL and reports how many
// were removed. It does not schedule itself.
func (c *ContextCache) CleanCache() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if now.Sub(e.createdAt) >= c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	metrics.ContextCacheSize.Set(int64(len(c.entries)))
	if removed > 0 {
		c.logger.Debug("context cache cleaned", "removed", removed, "remaining", len(c.entries))
	}
	return removed
}

// Len reports the number of stored entries, stale ones included.
func (c *ContextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
