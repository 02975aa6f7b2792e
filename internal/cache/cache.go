// Package cache implements the two-tier daily artifact cache with
// coalesced fetching.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/dailysolve/internal/domain"
	"github.com/ashureev/dailysolve/internal/shared"
)

const (
	defaultMaxEntries   = 64
	defaultFetchTimeout = 5 * time.Minute
	forcedJoinAttempts  = 3
)

// Source tells the caller where a result came from.
type Source string

// Result sources.
const (
	SourceCache Source = "cache"
	SourceFresh Source = "fresh"
)

// FetchFunc produces a fresh artifact for key.
type FetchFunc func(ctx context.Context, key string) (*domain.Artifact, error)

// Durable is the persistent tier. *store.SQLiteStore satisfies it.
type Durable interface {
	Get(ctx context.Context, key string) (*domain.CacheEntry, error)
	Put(ctx context.Context, entry *domain.CacheEntry) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Options modify a single GetOrFetch call.
type Options struct {
	ForceRefresh bool
}

// Result is the outcome of GetOrFetch.
type Result struct {
	Artifact *domain.Artifact
	Entry    *domain.CacheEntry
	Source   Source
}

// Config holds cache settings.
type Config struct {
	MaxEntries   int
	TTL          time.Duration // fixed TTL; zero means until the next rollover
	Rollover     Rollover
	FetchTimeout time.Duration
	Clock        shared.Clock
}

// Stats is a snapshot of cache counters.
type Stats struct {
	VolatileEntries int    `json:"volatile_entries"`
	VolatileHits    uint64 `json:"volatile_hits"`
	DurableHits     uint64 `json:"durable_hits"`
	Misses          uint64 `json:"misses"`
	Fetches         uint64 `json:"fetches"`
	FetchFailures   uint64 `json:"fetch_failures"`
	DurableErrors   uint64 `json:"durable_errors"`
}

// Cache is the ArtifactCache: a bounded in-memory tier in front of an
// optional durable tier, with at most one outstanding fetch per key.
type Cache struct {
	cfg     Config
	durable Durable
	logger  *slog.Logger
	group   singleflight.Group

	mu      sync.Mutex
	entries map[string]*domain.CacheEntry

	volatileHits  atomic.Uint64
	durableHits   atomic.Uint64
	misses        atomic.Uint64
	fetches       atomic.Uint64
	fetchFailures atomic.Uint64
	durableErrors atomic.Uint64
}

// New creates a Cache. durable may be nil.
func New(cfg Config, durable Durable, logger *slog.Logger) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = shared.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		cfg:     cfg,
		durable: durable,
		logger:  logger.With("component", "cache"),
		entries: make(map[string]*domain.CacheEntry),
	}
}

// DayKey returns the artifact key for the challenge day in effect now.
func (c *Cache) DayKey() string {
	return c.cfg.Rollover.DayKey(c.cfg.Clock.Now())
}

// GetOrFetch returns a fresh artifact for key. Lookups go volatile tier,
// then durable tier, then fetch. Concurrent misses for the same key share
// a single fetch whose result is written to both tiers before any waiter
// sees it. Fetch failures are returned to every waiter and never cached.
func (c *Cache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc, opts Options) (Result, error) {
	if fetch == nil {
		return Result{}, errors.New("cache: nil fetch function")
	}
	if !opts.ForceRefresh {
		if entry := c.lookup(ctx, key, true); entry != nil {
			return Result{Artifact: entry.Artifact, Entry: entry, Source: SourceCache}, nil
		}
	}

	var last Result
	for attempt := 0; attempt < forcedJoinAttempts; attempt++ {
		ch := c.group.DoChan(key, func() (any, error) {
			return c.fill(ctx, key, fetch, opts.ForceRefresh)
		})

		var r singleflight.Result
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case r = <-ch:
		}
		if r.Err != nil {
			return Result{}, r.Err
		}
		last = r.Val.(Result)
		// A forced caller that joined a flight which was satisfied from a
		// tier has not seen a fresh artifact yet.
		if !opts.ForceRefresh || last.Source == SourceFresh {
			return last, nil
		}
	}
	return last, nil
}

// fill runs inside the flight. The fetch is detached from the leader's
// cancellation so one departing caller cannot fail everyone else.
func (c *Cache) fill(ctx context.Context, key string, fetch FetchFunc, force bool) (Result, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
	defer cancel()

	if !force {
		if entry := c.lookup(fctx, key, false); entry != nil {
			return Result{Artifact: entry.Artifact, Entry: entry, Source: SourceCache}, nil
		}
		c.misses.Add(1)
	}

	c.fetches.Add(1)
	start := c.cfg.Clock.Now()
	artifact, err := fetch(fctx, key)
	if err == nil && artifact == nil {
		err = errors.New("generator returned no artifact")
	}
	if err != nil {
		c.fetchFailures.Add(1)
		c.logger.Warn("Artifact fetch failed", "key", key, "error", err)
		if _, ok := domain.KindOf(err); ok {
			return Result{}, err
		}
		return Result{}, domain.WrapError(domain.KindFetchError, err, "")
	}

	now := c.cfg.Clock.Now()
	if artifact.ChallengeKey == "" {
		artifact.ChallengeKey = key
	}
	if artifact.FetchedAt.IsZero() {
		artifact.FetchedAt = now
	}
	if artifact.FetchDuration == 0 {
		artifact.FetchDuration = now.Sub(start).Milliseconds()
	}
	entry := &domain.CacheEntry{
		Key:        key,
		Artifact:   artifact,
		InsertedAt: now,
		ExpiresAt:  now.Add(c.ttl(now)),
	}

	c.putVolatile(entry)
	if c.durable != nil {
		if err := c.durable.Put(fctx, entry); err != nil {
			c.durableErrors.Add(1)
			c.logger.Warn("Durable tier write failed, serving from memory", "key", key, "error", err)
		}
	}

	c.logger.Info("Artifact cached",
		"key", key,
		"expires_at", entry.ExpiresAt,
		"quality_score", artifact.QualityScore,
		"forced", force,
	)
	return Result{Artifact: artifact, Entry: entry, Source: SourceFresh}, nil
}

func (c *Cache) ttl(now time.Time) time.Duration {
	if c.cfg.TTL > 0 {
		return c.cfg.TTL
	}
	return c.cfg.Rollover.Until(now)
}

// lookup returns a non-expired entry from either tier, promoting durable
// hits into memory.
func (c *Cache) lookup(ctx context.Context, key string, count bool) *domain.CacheEntry {
	now := c.cfg.Clock.Now()

	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && entry.Expired(now) {
		delete(c.entries, key)
		entry = nil
	}
	c.mu.Unlock()
	if entry != nil {
		if count {
			c.volatileHits.Add(1)
		}
		return entry
	}

	if c.durable == nil {
		return nil
	}
	entry, err := c.durable.Get(ctx, key)
	if err != nil {
		c.durableErrors.Add(1)
		c.logger.Warn("Durable tier read failed", "key", key, "error", err)
		return nil
	}
	if entry == nil || entry.Artifact == nil || entry.Expired(now) {
		return nil
	}
	c.putVolatile(entry)
	if count {
		c.durableHits.Add(1)
	}
	return entry
}

// Peek returns the cached entry for key without fetching or touching counters.
func (c *Cache) Peek(ctx context.Context, key string) *domain.CacheEntry {
	return c.lookup(ctx, key, false)
}

func (c *Cache) putVolatile(entry *domain.CacheEntry) {
	now := c.cfg.Clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[entry.Key]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictLocked(now)
	}
	c.entries[entry.Key] = entry
}

// evictLocked drops expired entries, or the oldest one when none expired.
func (c *Cache) evictLocked(now time.Time) {
	var oldestKey string
	var oldest time.Time
	removed := false
	for k, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, k)
			removed = true
			continue
		}
		if oldestKey == "" || e.InsertedAt.Before(oldest) {
			oldestKey, oldest = k, e.InsertedAt
		}
	}
	if !removed && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Prune removes expired entries from both tiers and returns how many
// durable rows were deleted.
func (c *Cache) Prune(ctx context.Context) (int64, error) {
	now := c.cfg.Clock.Now()

	c.mu.Lock()
	for k, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	if c.durable == nil {
		return 0, nil
	}
	n, err := c.durable.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("prune durable tier: %w", err)
	}
	return n, nil
}

// Len returns the number of entries in the volatile tier.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// CheckVolatile verifies the volatile tier is within its bound.
func (c *Cache) CheckVolatile(context.Context) error {
	if n := c.Len(); n > c.cfg.MaxEntries {
		return fmt.Errorf("volatile tier holds %d entries, bound is %d", n, c.cfg.MaxEntries)
	}
	return nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		VolatileEntries: c.Len(),
		VolatileHits:    c.volatileHits.Load(),
		DurableHits:     c.durableHits.Load(),
		Misses:          c.misses.Load(),
		Fetches:         c.fetches.Load(),
		FetchFailures:   c.fetchFailures.Load(),
		DurableErrors:   c.durableErrors.Load(),
	}
}

// PingDurable checks the durable tier. A cache without one reports nil.
func (c *Cache) PingDurable(ctx context.Context) error {
	if c.durable == nil {
		return nil
	}
	return c.durable.Ping(ctx)
}

// DurableEntries returns the number of rows in the durable tier.
func (c *Cache) DurableEntries(ctx context.Context) (int64, error) {
	if c.durable == nil {
		return 0, nil
	}
	return c.durable.Count(ctx)
}

// Now returns the cache's current time.
func (c *Cache) Now() time.Time {
	return c.cfg.Clock.Now()
}
