package cache

import (
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/aott-dev/aott/internal/registry"
)

// Level is one of the four storage tiers (§4.3).
type Level uint8

const (
	LevelL1 Level = iota // hot: bounded by count
	LevelL2              // warm: bounded by byte size
	LevelL3              // cold: larger byte bound
	LevelPersistent
)

func (l Level) String() string {
	switch l {
	case LevelL1:
		return "L1"
	case LevelL2:
		return "L2"
	case LevelL3:
		return "L3"
	case LevelPersistent:
		return "Persistent"
	default:
		return "?"
	}
}

// AccessInfo is a CacheEntry's access_info (§3): recency and frequency,
// the raw material eviction policies score against.
type AccessInfo struct {
	lastAccessNanos atomic.Int64
	accessCount     atomic.Uint64
	installedAt     time.Time
	// compileCostNanos is how long this artifact took to (re)compile,
	// feeding the CompilationCost eviction policy (§4.3).
	compileCostNanos atomic.Int64
}

func newAccessInfo(compileCost time.Duration) *AccessInfo {
	ai := &AccessInfo{installedAt: time.Now()}
	ai.lastAccessNanos.Store(time.Now().UnixNano())
	ai.compileCostNanos.Store(int64(compileCost))
	return ai
}

// Touch records an access.
func (a *AccessInfo) Touch() {
	a.lastAccessNanos.Store(time.Now().UnixNano())
	a.accessCount.Add(1)
}

// LastAccess returns the last access time.
func (a *AccessInfo) LastAccess() time.Time { return time.Unix(0, a.lastAccessNanos.Load()) }

// AccessCount returns the cumulative access count.
func (a *AccessInfo) AccessCount() uint64 { return a.accessCount.Load() }

// CompileCost returns the recorded recompilation cost, used by the
// CompilationCost eviction policy to favor keeping expensive-to-rebuild
// high-tier artifacts (§4.3).
func (a *AccessInfo) CompileCost() time.Duration { return time.Duration(a.compileCostNanos.Load()) }

// Entry is a CacheEntry (§3): the key, its artifact, access info, and the
// directory-protocol bookkeeping of which levels currently hold a copy.
type Entry struct {
	Key      Key
	Artifact *registry.Artifact
	Access   *AccessInfo

	mu      sync.Mutex
	holders mapset.Set[Level] // directory: which levels have a copy (§4.3 "Coherency")
	invalid atomic.Bool       // set true on hot-swap invalidation (I3)
}

func newEntry(key Key, artifact *registry.Artifact, level Level, compileCost time.Duration) *Entry {
	return &Entry{
		Key:      key,
		Artifact: artifact,
		Access:   newAccessInfo(compileCost),
		holders:  mapset.NewSet(level),
	}
}

// Holders returns the set of levels currently holding a copy of this
// entry — the directory's per-key state (§4.3).
func (e *Entry) Holders() []Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holders.ToSlice()
}

// promoteTo records that level now also holds a copy, e.g. after serving
// a read from a lower level and promoting it (§4.3 "promoted on access").
func (e *Entry) promoteTo(level Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holders.Add(level)
}

// demoteFrom records that level no longer holds a copy (e.g. evicted from
// L1 but still resident in L2).
func (e *Entry) demoteFrom(level Level) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holders.Remove(level)
}

// HeldAt reports whether level currently holds a copy.
func (e *Entry) HeldAt(level Level) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holders.Contains(level)
}

// Invalidate marks the entry invalid (I3). Invalid entries are not served
// to new callers but linger until every in-flight invocation referencing
// the artifact drains (§4.3 "Invalidation is broadcast ... Invalid
// entries are not served but linger until drain completes").
func (e *Entry) Invalidate() { e.invalid.Store(true) }

// Invalid reports whether this entry has been invalidated.
func (e *Entry) Invalid() bool { return e.invalid.Load() }
