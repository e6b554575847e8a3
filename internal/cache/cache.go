package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/aott-dev/aott/internal/registry"
)

// Compiler produces a fresh artifact for key when the cache misses at
// every level (§4.5 step 2: "the Compiler is invoked"). Implementations
// live in the tier package; Cache only calls through this seam to avoid
// an import cycle.
type Compiler func(ctx context.Context, key Key) (*registry.Artifact, error)

// Config bounds the three in-memory levels and names the persistent
// directory (§4.3).
type Config struct {
	L1, L2, L3 LevelConfig
	Dir        string // empty disables the persistent level
}

// DefaultConfig returns reasonable defaults: a small hot L1, progressively
// larger and cheaper-to-evict L2/L3.
func DefaultConfig() Config {
	return Config{
		L1: LevelConfig{MaxEntries: 256, Policy: LRU{}},
		L2: LevelConfig{MaxBytes: 64 << 20, Policy: LRU{}},
		L3: LevelConfig{MaxBytes: 512 << 20, Policy: CostBased{}},
	}
}

// Cache is the Code Cache (C3): multi-level lookup with promote-on-
// access, write-through inserts, spill-to-persistent eviction, and
// singleflight-deduplicated compilation on miss (§4.3, §4.5 step 2 "a
// compile-in-progress lock prevents duplicate concurrent compiles of
// the same (function, tier)").
type Cache struct {
	levels     *Levels
	persistent *Persistent
	group      singleflight.Group
	log        zerolog.Logger

	hits, misses int64 // hit-rate feed for the Adaptive eviction policy
}

// New builds a Cache. If cfg.Dir is empty, no persistent level is used
// and entries evicted from L3 are simply dropped.
func New(cfg Config, log zerolog.Logger) *Cache {
	c := &Cache{log: log.With().Str("component", "cache").Logger()}
	for _, lc := range []*LevelConfig{&cfg.L1, &cfg.L2, &cfg.L3} {
		if a, ok := lc.Policy.(Adaptive); ok && a.HitRate == nil {
			lc.Policy = Adaptive{HitRate: c.HitRate}
		}
	}
	var persistent *Persistent
	if cfg.Dir != "" {
		persistent = NewPersistent(cfg.Dir, log)
		c.persistent = persistent
	}
	c.levels = NewLevels(cfg.L1, cfg.L2, cfg.L3, func(key string, e *Entry) {
		if c.persistent == nil {
			return
		}
		if len(e.Artifact.CodeBytes) == 0 {
			return // interpreted/bytecode tiers have nothing opaque worth persisting
		}
		if err := c.persistent.Store(key, e.Artifact.CodeBytes); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("spill to persistent cache failed")
		}
	})
	return c
}

// HitRate reports the observed cache hit rate, wired into the Adaptive
// eviction policy.
func (c *Cache) HitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 1
	}
	return float64(c.hits) / float64(total)
}

// Lookup returns the cached entry for key if present at any level
// (§4.3 "reads are served from the lowest level that has the entry").
// It does not invoke the compiler; use GetOrCompile for the full
// miss-then-compile path.
func (c *Cache) Lookup(key Key) *Entry {
	if e := c.levels.Get(key.String()); e != nil && !e.Invalid() {
		c.hits++
		return e
	}
	c.misses++
	return nil
}

// GetOrCompile returns the cached entry for key, compiling it exactly
// once even under concurrent callers for the same key (§4.5 step 2).
func (c *Cache) GetOrCompile(ctx context.Context, key Key, compile Compiler) (*Entry, error) {
	if e := c.Lookup(key); e != nil {
		return e, nil
	}

	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		if e := c.Lookup(key); e != nil {
			return e, nil
		}
		start := time.Now()
		artifact, err := compile(ctx, key)
		if err != nil {
			return nil, err
		}
		cost := time.Since(start)
		e := newEntry(key, artifact, LevelL1, cost)
		c.levels.Put(key.String(), e)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Entry), nil
}

// Invalidate marks key invalid across every in-memory level and removes
// any persisted copy (§4.3/I3: hot-swap invalidation).
func (c *Cache) Invalidate(key Key) {
	c.levels.Invalidate(key.String())
	if c.persistent != nil {
		if err := c.persistent.Delete(key.String()); err != nil {
			c.log.Warn().Err(err).Str("key", key.String()).Msg("persistent invalidation delete failed")
		}
	}
}

// Remove drops key from every in-memory level without touching the
// persistent store (used once in-flight invocations have fully drained).
func (c *Cache) Remove(key Key) {
	c.levels.Remove(key.String())
}

// Stats reports current occupancy for EngineStats (§9).
func (c *Cache) Stats() Stats {
	return c.levels.Stats()
}
