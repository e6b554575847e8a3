package cache

import (
	"sort"
	"time"
)

// Policy picks which entries to evict from a level to free capacity. It
// must not mutate entries; Select only ranks them, worst-to-survive
// first (§4.3 "pluggable policy").
type Policy interface {
	Name() string
	// Select ranks candidates by eviction priority, returning them ordered
	// most-evictable first.
	Select(candidates []*Entry) []*Entry
}

// LRU evicts the least-recently-accessed entry first.
type LRU struct{}

func (LRU) Name() string { return "LRU" }
func (LRU) Select(candidates []*Entry) []*Entry {
	out := append([]*Entry(nil), candidates...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Access.LastAccess().Before(out[j].Access.LastAccess())
	})
	return out
}

// LFU evicts the least-frequently-accessed entry first.
type LFU struct{}

func (LFU) Name() string { return "LFU" }
func (LFU) Select(candidates []*Entry) []*Entry {
	out := append([]*Entry(nil), candidates...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Access.AccessCount() < out[j].Access.AccessCount()
	})
	return out
}

// TTL evicts entries older than a fixed duration first, then falls back
// to LRU among the rest.
type TTL struct {
	Duration time.Duration
}

func (t TTL) Name() string { return "TTL" }
func (t TTL) Select(candidates []*Entry) []*Entry {
	now := time.Now()
	var expired, fresh []*Entry
	for _, e := range candidates {
		if now.Sub(e.Access.installedAt) > t.Duration {
			expired = append(expired, e)
		} else {
			fresh = append(fresh, e)
		}
	}
	expired = (LRU{}).Select(expired)
	fresh = (LRU{}).Select(fresh)
	return append(expired, fresh...)
}

// CostBased favors evicting entries that are cheap to recompile and
// cold, keeping expensive high-tier artifacts resident longer (§4.3
// "Cost-based weighting favors keeping high-tier artifacts whose
// recompilation cost ... is large"). Score = recency-weighted cost; low
// score evicts first.
type CostBased struct{}

func (CostBased) Name() string { return "CostBased" }
func (c CostBased) Select(candidates []*Entry) []*Entry {
	out := append([]*Entry(nil), candidates...)
	score := func(e *Entry) float64 {
		cost := float64(e.Access.CompileCost().Nanoseconds())
		tierWeight := float64(e.Artifact.Tier) + 1
		age := time.Since(e.Access.LastAccess()).Seconds() + 1
		return (cost * tierWeight) / age
	}
	sort.Slice(out, func(i, j int) bool { return score(out[i]) < score(out[j]) })
	return out
}

// Adaptive chooses among a fixed policy set based on observed hit-rate,
// re-evaluating each time it's asked to Select (§4.3 "An adaptive
// selector chooses among policies based on observed hit-rate"). It is a
// thin scoring wrapper, not a fifth independent algorithm: when the
// recent hit rate is healthy it defers to CostBased (protect expensive
// artifacts); when hit rate is poor it defers to LRU (churn is more
// likely workload drift than a one-off cold spot).
type Adaptive struct {
	HitRate func() float64 // returns the observed hit rate in [0,1]
}

func (a Adaptive) Name() string { return "Adaptive" }
func (a Adaptive) Select(candidates []*Entry) []*Entry {
	rate := 1.0
	if a.HitRate != nil {
		rate = a.HitRate()
	}
	if rate < 0.5 {
		return (LRU{}).Select(candidates)
	}
	return (CostBased{}).Select(candidates)
}
