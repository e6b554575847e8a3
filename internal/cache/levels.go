package cache

import (
	"sync"
	"time"
)

// levelStore holds the entries resident at one storage level, with a
// capacity bound enforced by a Policy when Insert overflows it (§4.3:
// "L1 is bounded by count, L2/L3 by byte size").
type levelStore struct {
	mu       sync.Mutex
	level    Level
	byKey    map[string]*Entry
	capacity int // max entries at this level (0: no count bound); byte size is bounded by byteCap
	byteCap  int64
	bytes    int64
	policy   Policy
}

func newLevelStore(level Level, capacity int, byteCap int64, policy Policy) *levelStore {
	return &levelStore{
		level:    level,
		byKey:    make(map[string]*Entry),
		capacity: capacity,
		byteCap:  byteCap,
		policy:   policy,
	}
}

func (s *levelStore) get(key string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[key]
}

// insert adds or replaces an entry, evicting via policy if the level is
// over capacity afterward. Returns entries evicted as a result (for the
// caller to demote to the next level down rather than drop entirely).
func (s *levelStore) insert(key string, e *Entry, size int64) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byKey[key]; ok {
		s.bytes -= entrySize(old)
	}
	s.byKey[key] = e
	s.bytes += size
	e.promoteTo(s.level)

	var evicted []*Entry
	for s.overCapacityLocked() {
		victims := s.policy.Select(s.snapshotLocked())
		if len(victims) == 0 {
			break
		}
		v := victims[0]
		for k, ent := range s.byKey {
			if ent == v {
				delete(s.byKey, k)
				break
			}
		}
		s.bytes -= entrySize(v)
		v.demoteFrom(s.level)
		evicted = append(evicted, v)
	}
	return evicted
}

func (s *levelStore) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byKey[key]; ok {
		delete(s.byKey, key)
		s.bytes -= entrySize(e)
		e.demoteFrom(s.level)
	}
}

func (s *levelStore) overCapacityLocked() bool {
	if s.capacity > 0 && len(s.byKey) > s.capacity {
		return true
	}
	if s.byteCap > 0 && s.bytes > s.byteCap {
		return true
	}
	return false
}

func (s *levelStore) snapshotLocked() []*Entry {
	out := make([]*Entry, 0, len(s.byKey))
	for _, e := range s.byKey {
		out = append(out, e)
	}
	return out
}

func (s *levelStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func entrySize(e *Entry) int64 {
	if e.Artifact == nil {
		return 0
	}
	return int64(len(e.Artifact.CodeBytes)) + 64 // fixed overhead per entry
}

// Levels is the in-memory L1/L2/L3 hierarchy implementing the directory
// protocol of §4.3: a read is served from the lowest (hottest) level
// holding a copy and promoted on access; an insert write-through's from
// L1 down; an eviction from a level demotes into the next level down
// rather than vanishing, until it falls out of L3 onto Persistent.
type Levels struct {
	l1, l2, l3 *levelStore
	onSpill    func(key string, e *Entry) // called when an entry falls out of L3
}

// LevelConfig configures one in-memory level's capacity (§4.3).
type LevelConfig struct {
	MaxEntries int
	MaxBytes   int64
	Policy     Policy
}

// NewLevels builds the three in-memory levels. onSpill is invoked (if
// non-nil) whenever an entry is evicted out of L3, letting the caller
// write it through to Persistent.
func NewLevels(l1, l2, l3 LevelConfig, onSpill func(key string, e *Entry)) *Levels {
	if l1.Policy == nil {
		l1.Policy = LRU{}
	}
	if l2.Policy == nil {
		l2.Policy = LRU{}
	}
	if l3.Policy == nil {
		l3.Policy = CostBased{}
	}
	return &Levels{
		l1:      newLevelStore(LevelL1, l1.MaxEntries, l1.MaxBytes, l1.Policy),
		l2:      newLevelStore(LevelL2, l2.MaxEntries, l2.MaxBytes, l2.Policy),
		l3:      newLevelStore(LevelL3, l3.MaxEntries, l3.MaxBytes, l3.Policy),
		onSpill: onSpill,
	}
}

// Get looks up key, serving from the hottest level that holds it and
// promoting it toward L1 on the way out (§4.3 "promoted on access").
func (lv *Levels) Get(key string) *Entry {
	if e := lv.l1.get(key); e != nil {
		e.Access.Touch()
		return e
	}
	if e := lv.l2.get(key); e != nil {
		e.Access.Touch()
		lv.promote(key, e, LevelL1)
		return e
	}
	if e := lv.l3.get(key); e != nil {
		e.Access.Touch()
		lv.promote(key, e, LevelL1)
		return e
	}
	return nil
}

func (lv *Levels) promote(key string, e *Entry, target Level) {
	switch target {
	case LevelL1:
		lv.spillFrom(lv.l1, key, e, lv.l2)
	}
}

func (lv *Levels) spillFrom(dst *levelStore, key string, e *Entry, next *levelStore) {
	evicted := dst.insert(key, e, entrySize(e))
	for _, v := range evicted {
		lv.demoteInto(next, v)
	}
}

func (lv *Levels) demoteInto(store *levelStore, e *Entry) {
	if store == nil {
		if lv.onSpill != nil {
			lv.onSpill(e.Key.String(), e)
		}
		return
	}
	var nextDown *levelStore
	switch store.level {
	case LevelL2:
		nextDown = lv.l3
	case LevelL3:
		nextDown = nil
	}
	evicted := store.insert(e.Key.String(), e, entrySize(e))
	for _, v := range evicted {
		lv.demoteInto(nextDown, v)
	}
}

// Put write-throughs a freshly compiled entry into L1, cascading any
// resulting evictions down through L2/L3 (§4.3 "Writes are write-through
// for L1 -> L2").
func (lv *Levels) Put(key string, e *Entry) {
	lv.spillFrom(lv.l1, key, e, lv.l2)
}

// Invalidate marks an entry invalid across every level it's held at
// (I3), without removing it from the maps — callers drain it via the
// registry's refcount-based reaping, not by eagerly deleting here.
func (lv *Levels) Invalidate(key string) {
	for _, s := range []*levelStore{lv.l1, lv.l2, lv.l3} {
		if e := s.get(key); e != nil {
			e.Invalidate()
		}
	}
}

// Remove drops key from every in-memory level.
func (lv *Levels) Remove(key string) {
	lv.l1.remove(key)
	lv.l2.remove(key)
	lv.l3.remove(key)
}

// Stats reports occupancy, used by EngineStats (§9).
type Stats struct {
	L1Count, L2Count, L3Count int
	UpdatedAt                 time.Time
}

func (lv *Levels) Stats() Stats {
	return Stats{
		L1Count:   lv.l1.len(),
		L2Count:   lv.l2.len(),
		L3Count:   lv.l3.len(),
		UpdatedAt: time.Now(),
	}
}
