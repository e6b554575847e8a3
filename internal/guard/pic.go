// Package guard implements the Speculation & Guard Manager (C7): the PIC
// state machine, guard installation and ordering, and failure accounting
// (§4.7).
package guard

import (
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

// PICState is one state of the per-site inline-cache state machine (§4.7).
type PICState uint8

const (
	Uninit PICState = iota
	Monomorphic
	Polymorphic
	Megamorphic
)

func (s PICState) String() string {
	switch s {
	case Uninit:
		return "Uninit"
	case Monomorphic:
		return "Monomorphic"
	case Polymorphic:
		return "Polymorphic"
	case Megamorphic:
		return "Megamorphic"
	default:
		return "?"
	}
}

// Observation identifies what a call site saw: a type tag, a call target,
// or any other comparable identity the speculating tier cares about.
type Observation uint64

// siteSnapshot is the immutable value a Site's atomic.Pointer holds; every
// transition allocates a new one and CASes it in; this is what gives the
// PIC per-site transitions their "atomic... Compare-And-Set" property
// (§4.7) without a per-site mutex.
type siteSnapshot struct {
	state   PICState
	targets mapset.Set[Observation] // observed set, up to polymorphismDegree
}

// Site is one inline-cache slot, embedded at a call site, property
// access, type check, or field access (§4.6 T1).
type Site struct {
	degree int // K, pic_polymorphism_degree (§6.4), default 4
	state  atomic.Pointer[siteSnapshot]
}

// NewSite creates a Site starting Uninit, with the configured
// polymorphism degree K (default 4, §6.4 pic_polymorphism_degree).
func NewSite(degree int) *Site {
	if degree <= 0 {
		degree = 4
	}
	s := &Site{degree: degree}
	s.state.Store(&siteSnapshot{state: Uninit})
	return s
}

// State returns the site's current PIC state.
func (s *Site) State() PICState {
	return s.state.Load().state
}

// Targets returns the snapshot of observed targets (empty once Megamorphic,
// since megamorphic sites fall back to generic dispatch and stop tracking).
func (s *Site) Targets() []Observation {
	snap := s.state.Load()
	if snap.targets == nil {
		return nil
	}
	return snap.targets.ToSlice()
}

// Observe feeds one runtime observation through the state machine (§4.7):
//
//	Uninit  --first--------> Mono(T)
//	Mono(T) --match--------> Mono(T)
//	Mono(T) --miss, k<4-----> Poly({T, new})
//	Poly(S) --match--------> Poly(S)
//	Poly(S) --miss, |S|=4--> Mega
//	Mega    --any-----------> Mega
//
// The transition is a lock-free CAS loop: under contention, a losing
// goroutine simply re-reads and retries against the observation it
// itself made (each call is independently idempotent with respect to
// the observed value).
func (s *Site) Observe(obs Observation) PICState {
	for {
		cur := s.state.Load()
		next := s.nextState(cur, obs)
		if next == cur {
			return cur.state
		}
		if s.state.CompareAndSwap(cur, next) {
			return next.state
		}
		// Lost the race; retry against whatever is there now.
	}
}

func (s *Site) nextState(cur *siteSnapshot, obs Observation) *siteSnapshot {
	switch cur.state {
	case Uninit:
		return &siteSnapshot{state: Monomorphic, targets: mapset.NewSet(obs)}
	case Monomorphic:
		if cur.targets.Contains(obs) {
			return cur // match: no-op, same pointer signals "no transition"
		}
		if cur.targets.Cardinality() >= s.degree {
			return &siteSnapshot{state: Megamorphic}
		}
		grown := cur.targets.Clone()
		grown.Add(obs)
		return &siteSnapshot{state: Polymorphic, targets: grown}
	case Polymorphic:
		if cur.targets.Contains(obs) {
			return cur
		}
		if cur.targets.Cardinality() >= s.degree {
			return &siteSnapshot{state: Megamorphic}
		}
		grown := cur.targets.Clone()
		grown.Add(obs)
		return &siteSnapshot{state: Polymorphic, targets: grown}
	case Megamorphic:
		return cur
	default:
		return cur
	}
}

// Reset clears a site back to Uninit. Used only when an artifact carrying
// this Site is retired and a fresh one is about to replace it —
// "Demotion of sites is only by full artifact replacement (no in-place
// shrinking)" (§4.7), so Reset is never called on a live, published
// artifact's sites.
func (s *Site) Reset() {
	s.state.Store(&siteSnapshot{state: Uninit})
}
