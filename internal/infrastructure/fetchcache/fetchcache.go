package fetchcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/chronicle-archive/chronicle-backend/internal/domain/capture"
)

// Entry is one cached fetch-and-extract result.
type Entry struct {
	Status      int       `json:"status"`
	Mime        string    `json:"mime"`
	Body        []byte    `json:"body,omitempty"`
	Text        string    `json:"text,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
	TierUsed    string    `json:"tier_used"`
}

// Builder produces an entry on cache miss. Its context is detached from
// any single caller so a cancelled leader does not strand peer waiters;
// it is cancelled only once every waiter for the key has gone away.
type Builder func(ctx context.Context) (Entry, error)

// Config tunes the fetch cache.
type Config struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultConfig returns the fetch cache defaults.
func DefaultConfig() Config {
	return Config{
		MaxEntries: 10000,
		TTL:        6 * time.Hour,
	}
}

// KeyFor derives the cache key: SHA-256 over the capture identity plus
// the extractor version, so extractor upgrades invalidate naturally.
func KeyFor(c capture.Capture, extractorVersion string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s",
		c.OriginalURL, c.NormalizedTimestamp(), c.EffectiveSource(), extractorVersion)
	return hex.EncodeToString(h.Sum(nil))
}

// buildState tracks one in-flight build and the callers awaiting it.
type buildState struct {
	ctx    context.Context
	cancel context.CancelFunc
	refs   int
}

// Cache is a fingerprint-keyed cache of fetched/extracted payloads with
// at-most-one in-flight build per key. Concurrent callers on the same
// key coalesce onto a single builder invocation; builder failures are
// never cached.
type Cache struct {
	cfg    Config
	logger *zap.Logger

	lru   *expirable.LRU[string, Entry]
	group singleflight.Group

	mu     sync.Mutex
	builds map[string]*buildState

	hits     atomic.Int64
	misses   atomic.Int64
	inflight atomic.Int64
}

// New creates a fetch cache.
func New(cfg Config, logger *zap.Logger) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Cache{
		cfg:    cfg,
		logger: logger,
		lru:    expirable.NewLRU[string, Entry](cfg.MaxEntries, nil, cfg.TTL),
		builds: make(map[string]*buildState),
	}
}

// GetOrBuild returns the cached entry for key, or invokes builder once
// across all concurrent callers and returns its result. The boolean
// reports whether the value was served from cache.
func (c *Cache) GetOrBuild(ctx context.Context, key string, builder Builder) (Entry, bool, error) {
	if entry, ok := c.lru.Get(key); ok {
		c.hits.Add(1)
		return entry, true, nil
	}
	c.misses.Add(1)

	buildCtx := c.acquire(key)
	defer c.release(key)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		c.inflight.Add(1)
		defer c.inflight.Add(-1)

		entry, err := builder(buildCtx)
		if err != nil {
			// Failures are not cached; the next caller retries.
			return Entry{}, err
		}
		c.lru.Add(key, entry)
		return entry, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, false, res.Err
		}
		return res.Val.(Entry), false, nil
	case <-ctx.Done():
		// This caller gives up; the shared build keeps running as long
		// as any peer still waits for it.
		return Entry{}, false, ctx.Err()
	}
}

// Get returns the cached entry without triggering a build.
func (c *Cache) Get(key string) (Entry, bool) {
	entry, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return entry, ok
}

// Invalidate drops the entry for key.
func (c *Cache) Invalidate(key string) {
	c.lru.Remove(key)
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
	InFlight int64   `json:"in_flight"`
	Entries  int     `json:"entries"`
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	ratio := 0.0
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Stats{
		Hits:     hits,
		Misses:   misses,
		HitRatio: ratio,
		InFlight: c.inflight.Load(),
		Entries:  c.lru.Len(),
	}
}

// acquire registers this caller as a waiter on key's build and returns
// the shared build context, creating it on first use.
func (c *Cache) acquire(key string) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()

	bs, ok := c.builds[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		bs = &buildState{ctx: ctx, cancel: cancel}
		c.builds[key] = bs
	}
	bs.refs++
	return bs.ctx
}

// release drops this caller's interest in key's build. When the last
// waiter leaves, the build context is cancelled so an abandoned build
// does not run to completion for nobody.
func (c *Cache) release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bs, ok := c.builds[key]
	if !ok {
		return
	}
	bs.refs--
	if bs.refs <= 0 {
		bs.cancel()
		delete(c.builds, key)
		// Detach the dying flight so a caller arriving after this point
		// starts a fresh build instead of inheriting the cancellation.
		c.group.Forget(key)
	}
}
