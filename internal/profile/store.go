package profile

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aott-dev/aott/internal/bytecode"
)

const shardCount = 32

type shard struct {
	mu      sync.RWMutex
	records map[bytecode.FunctionId]*ProfileRecord
}

// Store is the sharded, mostly lock-free Profile Store (C2). Writers
// (execution paths) look their record up under the shard's read lock and
// mutate counters via atomic fetch-add; the shard's write lock only
// guards inserting a brand-new ProfileRecord. Readers (the Tier
// Promoter) call Snapshot to reach a function's record.
type Store struct {
	shards      [shardCount]*shard
	sampleRate  float64
	logger      zerolog.Logger
	rngMu       sync.Mutex
	rng         *rand.Rand
}

// NewStore creates a Profile Store sampling expensive histogram updates
// at sampleRate (default 0.10, §6.4 profile_sample_rate).
func NewStore(sampleRate float64) *Store {
	s := &Store{
		sampleRate: sampleRate,
		logger:     log.With().Str("component", "profile").Logger(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[bytecode.FunctionId]*ProfileRecord)}
	}
	return s
}

func shardIndex(id bytecode.FunctionId) uint32 {
	h := fnv.New32a()
	h.Write([]byte(id.String()))
	return h.Sum32() % shardCount
}

// recordFor returns (creating if absent) the ProfileRecord for id.
func (s *Store) recordFor(id bytecode.FunctionId) *ProfileRecord {
	sh := s.shards[shardIndex(id)]
	sh.mu.RLock()
	r, ok := sh.records[id]
	sh.mu.RUnlock()
	if ok {
		return r
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if r, ok = sh.records[id]; ok {
		return r
	}
	r = newRecord(id)
	sh.records[id] = r
	return r
}

// shouldSample applies the Bernoulli schedule (§4.2 "a Bernoulli schedule
// to avoid periodic bias").
func (s *Store) shouldSample() bool {
	if s.sampleRate >= 1 {
		return true
	}
	if s.sampleRate <= 0 {
		return false
	}
	s.rngMu.Lock()
	v := s.rng.Float64()
	s.rngMu.Unlock()
	return v < s.sampleRate
}

// RecordCall is the unconditional per-invocation counter update.
func (s *Store) RecordCall(id bytecode.FunctionId, elapsed time.Duration) {
	s.recordFor(id).RecordCall(elapsed)
}

// RecordBranch is the unconditional branch-outcome update.
func (s *Store) RecordBranch(id bytecode.FunctionId, pc uint32, taken bool) {
	s.recordFor(id).RecordBranch(pc, taken)
}

// RecordType samples a type observation at the configured rate, skipping
// sites already declared megamorphic (§4.2).
func (s *Store) RecordType(id bytecode.FunctionId, pc uint32, tag bytecode.Tag) {
	if !s.shouldSample() {
		return
	}
	s.recordFor(id).RecordType(pc, tag)
}

// RecordValue samples a value observation at the configured rate.
func (s *Store) RecordValue(id bytecode.FunctionId, pc uint32, v bytecode.Value) {
	if !s.shouldSample() {
		return
	}
	s.recordFor(id).RecordValue(pc, v)
}

// RecordCallTarget samples a call-target observation at the configured
// rate, feeding T4's call-target speculation candidates (§4.6).
func (s *Store) RecordCallTarget(id bytecode.FunctionId, pc uint32, target string) {
	if !s.shouldSample() {
		return
	}
	s.recordFor(id).RecordCallTarget(pc, target)
}

// Snapshot returns the live ProfileRecord for id, creating it if absent.
// It does not copy the record: each counter and histogram read through
// it is individually consistent, but writes made after Snapshot returns
// are visible through the same reference.
func (s *Store) Snapshot(id bytecode.FunctionId) *ProfileRecord {
	return s.recordFor(id)
}

// AllIds returns every FunctionId currently tracked, for the Tier
// Promoter's sweep.
func (s *Store) AllIds() []bytecode.FunctionId {
	var out []bytecode.FunctionId
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id := range sh.records {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Decay applies the EMA decay (§4.2, α default 0.125) to every tracked
// record's windowed counters. Called once per Promoter cycle.
func (s *Store) Decay(alpha float64) {
	for _, id := range s.AllIds() {
		s.recordFor(id).decay(alpha)
	}
}

// NoteTier records the tier a record was sampled at, so the next
// Promoter pass can detect a stale decision.
func (s *Store) NoteTier(id bytecode.FunctionId, tier bytecode.TierLevel) {
	s.recordFor(id).setTierAtLastSample(tier)
}
