package db

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Lewis13H/pumpfun-superbot-v2-sub002/internal/metrics"
)

// CacheEntry is the hot-cache view of one mint: just enough to answer "is
// this token tracked and has it crossed the threshold" without a query.
type CacheEntry struct {
	MintAddress      string
	Tracked          bool
	FirstSeen        time.Time
	ThresholdCrossed bool
}

// cacheLoader fetches entries created since the given time; in production it
// is TokenRepo.RecentlyActive.
type cacheLoader func(ctx context.Context, since time.Time) ([]CacheEntry, error)

// TokenCache is the in-process hot cache in front of the token repository.
// It holds mints active within the window (2h) and refreshes from the store
// on a fixed cadence. Reads are concurrent; writes serialize on the mutex.
type TokenCache struct {
	window  time.Duration
	refresh time.Duration
	load    cacheLoader
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]CacheEntry
}

// NewTokenCache creates a cache refreshed via load.
func NewTokenCache(window, refresh time.Duration, load cacheLoader, m *metrics.Metrics, logger *slog.Logger) *TokenCache {
	if window <= 0 {
		window = 2 * time.Hour
	}
	if refresh <= 0 {
		refresh = time.Minute
	}
	return &TokenCache{
		window:  window,
		refresh: refresh,
		load:    load,
		metrics: m,
		logger:  logger.With("component", "token_cache"),
		entries: make(map[string]CacheEntry),
	}
}

// Lookup returns the cached entry for a mint. Entries older than the window
// are evicted and count as misses.
func (c *TokenCache) Lookup(mint string) (CacheEntry, bool) {
	c.mu.RLock()
	e, ok := c.entries[mint]
	c.mu.RUnlock()

	if ok && time.Since(e.FirstSeen) > c.window {
		c.mu.Lock()
		delete(c.entries, mint)
		c.mu.Unlock()
		ok = false
	}

	if ok {
		c.metrics.CacheHits.Inc()
		return e, true
	}
	c.metrics.CacheMisses.Inc()
	return CacheEntry{}, false
}

// Put stores an entry, typically right after the handler creates a token so
// the next trade for the same mint skips the repository.
func (c *TokenCache) Put(e CacheEntry) {
	c.mu.Lock()
	c.entries[e.MintAddress] = e
	c.mu.Unlock()
}

// MarkThresholdCrossed flips the flag without touching FirstSeen.
func (c *TokenCache) MarkThresholdCrossed(mint string) {
	c.mu.Lock()
	if e, ok := c.entries[mint]; ok {
		e.ThresholdCrossed = true
		c.entries[mint] = e
	}
	c.mu.Unlock()
}

// Run refreshes the cache until ctx is cancelled.
func (c *TokenCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()

	c.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// Refresh replaces the cache contents with the store's recent-activity view.
// A failed load keeps the current entries.
func (c *TokenCache) Refresh(ctx context.Context) {
	if c.load == nil {
		return
	}
	loaded, err := c.load(ctx, time.Now().Add(-c.window))
	if err != nil {
		c.logger.Warn("cache refresh failed, keeping stale entries", "error", err)
		return
	}

	fresh := make(map[string]CacheEntry, len(loaded))
	for _, e := range loaded {
		fresh[e.MintAddress] = e
	}

	c.mu.Lock()
	c.entries = fresh
	c.mu.Unlock()
	c.logger.Debug("cache refreshed", "entries", len(fresh))
}

// Len reports the current entry count.
func (c *TokenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
