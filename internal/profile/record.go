// Package profile implements the Profile Store (C2): a sharded, mostly
// lock-free map from FunctionId to ProfileRecord, with sampled type/value
// histograms and windowed decay for phase-change detection (§4.2).
package profile

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aott-dev/aott/internal/bytecode"
)

// typeObservation is one entry in a call-site's bounded type histogram
// (§3 call_site_types[pc]).
type typeObservation struct {
	tag   bytecode.Tag
	count uint64
}

// callSiteHistogram is a bounded-size (≤4) LRU histogram of observed
// receiver types at one bytecode offset (§3). Evicts the least-recently
// observed entry when a 5th distinct type appears.
type callSiteHistogram struct {
	mu      sync.Mutex
	entries []typeObservation // index 0 is most-recently touched
}

// Observe records one sighting of tag at this call site, applying the
// LRU-eviction-on-5th-distinct-type policy (§3).
func (h *callSiteHistogram) Observe(tag bytecode.Tag) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.tag == tag {
			h.entries[i].count++
			h.touch(i)
			return
		}
	}
	if len(h.entries) >= 4 {
		// Evict the least-recently-touched entry (the last one, since
		// touch() moves hits to the front).
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append([]typeObservation{{tag: tag, count: 1}}, h.entries...)
}

// touch moves entries[i] to the front, marking it most-recently observed.
func (h *callSiteHistogram) touch(i int) {
	if i == 0 {
		return
	}
	e := h.entries[i]
	copy(h.entries[1:i+1], h.entries[0:i])
	h.entries[0] = e
}

// Snapshot returns a read-only copy of the observed types, most recent
// first.
func (h *callSiteHistogram) Snapshot() []bytecode.Tag {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]bytecode.Tag, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.tag
	}
	return out
}

// DistinctCount reports how many distinct types have been observed, the
// input to the PIC's Mono/Poly/Mega classification (§4.7).
func (h *callSiteHistogram) DistinctCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// targetObservation is one entry in a call site's bounded call-target
// histogram (§3, §4.6 T4 "Call-target speculation").
type targetObservation struct {
	target string
	count  uint64
}

// callTargetHistogram mirrors callSiteHistogram but keys observations by
// resolved callee identity instead of receiver type, feeding T4's
// call-target speculation candidates.
type callTargetHistogram struct {
	mu      sync.Mutex
	entries []targetObservation // index 0 is most-recently touched
}

func (h *callTargetHistogram) Observe(target string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, e := range h.entries {
		if e.target == target {
			h.entries[i].count++
			h.touch(i)
			return
		}
	}
	if len(h.entries) >= 4 {
		h.entries = h.entries[:len(h.entries)-1]
	}
	h.entries = append([]targetObservation{{target: target, count: 1}}, h.entries...)
}

func (h *callTargetHistogram) touch(i int) {
	if i == 0 {
		return
	}
	e := h.entries[i]
	copy(h.entries[1:i+1], h.entries[0:i])
	h.entries[0] = e
}

// Stability returns the most-observed target and the fraction of
// observations it accounts for, the input to T4's call-target
// speculation gate (§4.6).
func (h *callTargetHistogram) Stability() (target string, stability float64, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total, max uint64
	var dominant string
	for _, e := range h.entries {
		total += e.count
		if e.count > max {
			max = e.count
			dominant = e.target
		}
	}
	if total == 0 {
		return "", 0, false
	}
	return dominant, float64(max) / float64(total), true
}

// branchCounter is (taken_count, not_taken_count) for one branch site (§3).
type branchCounter struct {
	taken, notTaken atomic.Uint64
}

// Bias reports the fraction of observations that took the branch,
// the input to T3/T4's branch-predictability promotion gate (§4.6).
func (b *branchCounter) Bias() float64 {
	t, n := b.taken.Load(), b.notTaken.Load()
	total := t + n
	if total == 0 {
		return 0
	}
	return float64(t) / float64(total)
}

// valueSample is the dominant observed value at a specializable load site
// plus its count (§3 value_samples[pc]).
type valueSample struct {
	mu       sync.Mutex
	dominant bytecode.Value
	count    uint64
	set      bool
}

func (v *valueSample) Observe(val bytecode.Value) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.set {
		v.dominant, v.set = val, true
		v.count = 1
		return
	}
	if bytecode.Equal(v.dominant, val) {
		v.count++
	} else if v.count > 0 {
		v.count--
		if v.count == 0 {
			v.dominant, v.set = val, true
			v.count = 1
		}
	}
}

func (v *valueSample) Snapshot() (val bytecode.Value, count uint64, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dominant, v.count, v.set
}

// ProfileRecord is the per-FunctionId profiling state (§3). Counters are
// monotonic (I4); only the decay cycle run by the Tier Promoter resets
// windowed fields, under the per-record write lock.
type ProfileRecord struct {
	id bytecode.FunctionId

	callCount       atomic.Uint64
	totalExecNanos  atomic.Uint64

	mu             sync.RWMutex
	callSiteTypes  map[uint32]*callSiteHistogram
	valueSamples   map[uint32]*valueSample
	branchOutcomes map[uint32]*branchCounter
	callTargets    map[uint32]*callTargetHistogram

	tierAtLastSample atomic.Uint32 // bytecode.TierLevel
	lastUpdateNanos  atomic.Int64

	// windowedCallCount decays each Promoter cycle (EMA, α default 0.125)
	// to detect phase changes (§4.2 "Decay"); callCount itself never
	// decays (I4).
	windowedCallCount atomic.Uint64

	megamorphicSites sync.Map // uint32 pc -> struct{}: sampler disabled here (§4.2)
}

func newRecord(id bytecode.FunctionId) *ProfileRecord {
	return &ProfileRecord{
		id:             id,
		callSiteTypes:  make(map[uint32]*callSiteHistogram),
		valueSamples:   make(map[uint32]*valueSample),
		branchOutcomes: make(map[uint32]*branchCounter),
		callTargets:    make(map[uint32]*callTargetHistogram),
	}
}

// RecordCall is the cheap, unconditional per-invocation update (§4.2
// "updates are unconditional for cheap counters").
func (r *ProfileRecord) RecordCall(elapsed time.Duration) {
	r.callCount.Add(1)
	r.windowedCallCount.Add(1)
	r.totalExecNanos.Add(uint64(elapsed.Nanoseconds()))
	r.lastUpdateNanos.Store(time.Now().UnixNano())
}

// RecordBranch is the cheap, unconditional branch-outcome update (§4.2).
func (r *ProfileRecord) RecordBranch(pc uint32, taken bool) {
	r.mu.RLock()
	bc, ok := r.branchOutcomes[pc]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		bc, ok = r.branchOutcomes[pc]
		if !ok {
			bc = &branchCounter{}
			r.branchOutcomes[pc] = bc
		}
		r.mu.Unlock()
	}
	if taken {
		bc.taken.Add(1)
	} else {
		bc.notTaken.Add(1)
	}
}

// IsMegamorphic reports whether the sampler has permanently disabled
// sampling for this call site (§4.2 "The sampler is disabled once a site
// is declared megamorphic").
func (r *ProfileRecord) IsMegamorphic(pc uint32) bool {
	_, ok := r.megamorphicSites.Load(pc)
	return ok
}

// MarkMegamorphic disables future expensive sampling at pc.
func (r *ProfileRecord) MarkMegamorphic(pc uint32) {
	r.megamorphicSites.Store(pc, struct{}{})
}

// RecordType is the sampled, expensive type-histogram update (§4.2). The
// caller (the sampler) decides whether this invocation is sampled.
func (r *ProfileRecord) RecordType(pc uint32, tag bytecode.Tag) {
	if r.IsMegamorphic(pc) {
		return
	}
	r.mu.RLock()
	h, ok := r.callSiteTypes[pc]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		h, ok = r.callSiteTypes[pc]
		if !ok {
			h = &callSiteHistogram{}
			r.callSiteTypes[pc] = h
		}
		r.mu.Unlock()
	}
	prior := h.Snapshot()
	h.Observe(tag)
	// A type not among the 4 already held is the site's 5th distinct type:
	// Observe has evicted the least-recent entry and the site is megamorphic.
	if len(prior) < 4 {
		return
	}
	for _, t := range prior {
		if t == tag {
			return
		}
	}
	r.MarkMegamorphic(pc)
}

// RecordCallTarget is the sampled call-target histogram update for T4's
// call-target speculation candidates (§4.6). The caller (the sampler)
// decides whether this invocation is sampled.
func (r *ProfileRecord) RecordCallTarget(pc uint32, target string) {
	r.mu.RLock()
	h, ok := r.callTargets[pc]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		h, ok = r.callTargets[pc]
		if !ok {
			h = &callTargetHistogram{}
			r.callTargets[pc] = h
		}
		r.mu.Unlock()
	}
	h.Observe(target)
}

// RecordValue is the sampled value-histogram update for specializable
// loads (§3 value_samples[pc]).
func (r *ProfileRecord) RecordValue(pc uint32, v bytecode.Value) {
	r.mu.RLock()
	vs, ok := r.valueSamples[pc]
	r.mu.RUnlock()
	if !ok {
		r.mu.Lock()
		vs, ok = r.valueSamples[pc]
		if !ok {
			vs = &valueSample{}
			r.valueSamples[pc] = vs
		}
		r.mu.Unlock()
	}
	vs.Observe(v)
}

// CallCount returns the monotonic invocation count (I4).
func (r *ProfileRecord) CallCount() uint64 { return r.callCount.Load() }

// TotalExecNanos returns the monotonic cumulative execution time.
func (r *ProfileRecord) TotalExecNanos() uint64 { return r.totalExecNanos.Load() }

// TierAtLastSample returns the tier the function was running at when the
// Promoter last snapshotted it.
func (r *ProfileRecord) TierAtLastSample() bytecode.TierLevel {
	return bytecode.TierLevel(r.tierAtLastSample.Load())
}

func (r *ProfileRecord) setTierAtLastSample(t bytecode.TierLevel) {
	r.tierAtLastSample.Store(uint32(t))
}

// TypeStability returns, for a given pc, the fraction of observations
// that matched the single most-observed type — the input to T2→T3's
// ≥0.90 gate (§4.6).
func (r *ProfileRecord) TypeStability(pc uint32) float64 {
	r.mu.RLock()
	h, ok := r.callSiteTypes[pc]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var total, max uint64
	for _, e := range h.entries {
		total += e.count
		if e.count > max {
			max = e.count
		}
	}
	if total == 0 {
		return 0
	}
	return float64(max) / float64(total)
}

// BranchBias returns the Bias (§4.6 ≥0.85 gate) for a branch site, and
// ok=false if nothing has been observed there yet.
func (r *ProfileRecord) BranchBias(pc uint32) (bias float64, ok bool) {
	r.mu.RLock()
	bc, ok := r.branchOutcomes[pc]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return bc.Bias(), true
}

// ObservedTypes returns the snapshot of distinct types seen at pc, most
// recently observed first — consumed by the PIC (§4.7) when a site
// transitions.
func (r *ProfileRecord) ObservedTypes(pc uint32) []bytecode.Tag {
	r.mu.RLock()
	h, ok := r.callSiteTypes[pc]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return h.Snapshot()
}

// CallTargetStability returns the dominant callee observed at pc (its
// FunctionId.String() form) and the fraction of observations that
// matched it — T4's call-target speculation gate (§4.6).
func (r *ProfileRecord) CallTargetStability(pc uint32) (target string, stability float64, ok bool) {
	r.mu.RLock()
	h, ok := r.callTargets[pc]
	r.mu.RUnlock()
	if !ok {
		return "", 0, false
	}
	return h.Stability()
}

// DominantValue returns the value_samples[pc] dominant value, for T4's
// value-speculation candidates (§4.6).
func (r *ProfileRecord) DominantValue(pc uint32) (bytecode.Value, uint64, bool) {
	r.mu.RLock()
	vs, ok := r.valueSamples[pc]
	r.mu.RUnlock()
	if !ok {
		return bytecode.Value{}, 0, false
	}
	return vs.Snapshot()
}

// decay applies the exponential moving average to windowed counters
// (§4.2, α default 0.125). Only the Promoter calls this, and only under
// a conceptual "write lock on that ProfileRecord" — here that's r.mu,
// held for the whole decay pass so concurrent readers of windowed state
// see a consistent value.
func (r *ProfileRecord) decay(alpha float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.windowedCallCount.Load()
	next := uint64(float64(prev) * (1 - alpha))
	r.windowedCallCount.Store(next)
}

// WindowedCallCount returns the decayed call-rate estimate used for
// phase-change detection; unlike CallCount, this MAY decrease (§4.2).
func (r *ProfileRecord) WindowedCallCount() uint64 { return r.windowedCallCount.Load() }
