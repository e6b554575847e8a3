// Package registry implements the Tier Registry (C4): a concurrent map
// from FunctionId to the currently-installed CompiledArtifact, with
// wait-free reads and per-id locked writes (§4.4).
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/guard"
)

// Artifact is a compiled representation of a function at some tier (§3
// CompiledArtifact). Immutable once published to the Code Cache.
type Artifact struct {
	Tier         bytecode.TierLevel
	FunctionId   bytecode.FunctionId
	EntryPoint   EntryFunc
	CodeBytes    []byte // opaque machine code / handle, nil for interpreted tiers
	ConstantsRef []bytecode.Value
	Guards       []*guard.Metadata
	// DeoptPoints maps a native_offset (opaque to everything but the
	// NativeBackend) to the bytecode_offset deopt should resume at (§3).
	DeoptPoints     map[uint64]uint32
	SourceHash      uint64
	DependencyHashes map[string]struct{}
	InstalledAt     time.Time

	// refcount is decremented as in-flight invocations that already loaded
	// this Arc drop it; the artifact's code pages are only unmapped once
	// it both falls out of the registry and this reaches zero (§5 "Memory
	// reclamation").
	refcount atomic.Int64
}

// EntryFunc is a compiled artifact's callable entry point: args in, a
// Value out, or a GuardFailure signalling a deopt trampoline jump (§4.5
// step 5).
type EntryFunc func(args []bytecode.Value, ctx *VMContext) (bytecode.Value, *GuardFailure, error)

// GuardFailure is the dedicated return discriminant (§4.5 step 5) an
// artifact uses to signal a guard tripped, instead of a panic/trap.
type GuardFailure struct {
	GuardId uint64
	// NativeState is an opaque snapshot handle the Deoptimization Engine
	// uses to read every Location in the failed guard's live_state_map
	// (§4.8 step 2). Its shape is owned by the tier that produced it.
	NativeState any
	// PendingOperands are the values the guard site's own instruction had
	// already popped off the operand stack before the guard check ran
	// (§4.8 step 2 extended): liveMap only names source-level locals, so
	// these are threaded separately through to the reconstructed Frame
	// and pushed back in order before T0 resumes at the guard's PC.
	PendingOperands []bytecode.Value
}

// VMContext carries pointers to Profile Store update hooks and the
// guard-failure trampoline, threaded through every entry point (§4.5
// step 3). Concrete hook wiring lives in the dispatcher package; this
// type only declares the shape so tiers can depend on it without an
// import cycle back to dispatch.
type VMContext struct {
	OnBranch func(pc uint32, taken bool)
	OnType   func(pc uint32, tag bytecode.Tag)
	OnValue  func(pc uint32, v bytecode.Value)
	// OnCall reports a Call/CallMethod site's resolved callee identity,
	// feeding the Profile Store's call-target histogram that T4's
	// Call-target speculation reads (§4.6).
	OnCall func(pc uint32, target bytecode.FunctionId)

	// Call re-enters the Execution Dispatcher for a nested invocation
	// (§4.5 "Nested calls re-enter the dispatcher"), so a callee already
	// promoted to a higher tier is invoked at its current tier rather
	// than recursing directly within the caller's tier engine.
	Call func(id bytecode.FunctionId, args []bytecode.Value) (bytecode.Value, error)

	// Ctx is the host-supplied invocation context, polled by a tier's
	// interpreter loop at OpLoop and function entry (§5 "Cancellation &
	// timeouts"). Nil means no cancellation is wired (e.g. a standalone
	// engine test).
	Ctx context.Context
}

// Retain increments the artifact's reference count. Callers do this once
// per in-flight invocation that has loaded the Arc, before it may be
// swapped out from under them.
func (a *Artifact) Retain() { a.refcount.Add(1) }

// Release decrements the reference count, returning true if this was the
// last reference and the artifact's code pages are eligible to be freed
// (§5 "no artifact is freed while any execution references it").
func (a *Artifact) Release() bool {
	return a.refcount.Add(-1) == 0
}

// Entry is what the registry holds per FunctionId (§4.4 CurrentEntry).
type Entry struct {
	Artifact    *Artifact
	InstalledAt time.Time
}

type idLock struct {
	mu sync.Mutex
}

// Registry is the concurrent FunctionId -> *Entry map (§4.4). Reads are
// wait-free via atomic.Pointer; writes serialize per-FunctionId via a
// fine-grained lock to prevent torn updates to ancillary metadata (e.g.
// appending to a retained-entries list for drain tracking).
type Registry struct {
	mu      sync.RWMutex // guards the two maps' structure (new keys), not their values
	entries map[bytecode.FunctionId]*atomic.Pointer[Entry]
	locks   map[bytecode.FunctionId]*idLock

	// retired holds entries superseded by a swap but still referenced by
	// in-flight invocations, for the drain bookkeeping of §3's Lifecycles.
	retired map[bytecode.FunctionId][]*Artifact
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[bytecode.FunctionId]*atomic.Pointer[Entry]),
		locks:   make(map[bytecode.FunctionId]*idLock),
		retired: make(map[bytecode.FunctionId][]*Artifact),
	}
}

func (r *Registry) slot(id bytecode.FunctionId) *atomic.Pointer[Entry] {
	r.mu.RLock()
	p, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return p
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok = r.entries[id]; ok {
		return p
	}
	p = &atomic.Pointer[Entry]{}
	r.entries[id] = p
	r.locks[id] = &idLock{}
	return p
}

// Get returns the current Entry for id in O(1), or nil if no artifact has
// ever been installed (§4.4 "get(id) returns the Arc in O(1)").
func (r *Registry) Get(id bytecode.FunctionId) *Entry {
	return r.slot(id).Load()
}

// Swap atomically replaces the current Entry for id with next, returning
// the entry that was current before the swap (which may be nil). This is
// the release-on-publish / acquire-on-read pair (§5 "Ordering
// guarantees"): Swap's store happens-before any subsequent Get that
// observes it.
func (r *Registry) Swap(id bytecode.FunctionId, next *Entry) *Entry {
	lock := r.lockFor(id)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	slot := r.slot(id)
	prev := slot.Swap(next)
	if prev != nil && prev.Artifact != next.Artifact {
		r.mu.Lock()
		r.retired[id] = append(r.retired[id], prev.Artifact)
		r.mu.Unlock()
	}
	return prev
}

func (r *Registry) lockFor(id bytecode.FunctionId) *idLock {
	r.mu.RLock()
	l, ok := r.locks[id]
	r.mu.RUnlock()
	if ok {
		return l
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok = r.locks[id]; ok {
		return l
	}
	l = &idLock{}
	r.locks[id] = l
	return l
}

// InstallIfAbsent installs a fresh entry for id if none exists yet (§4.5
// step 1: "if absent, install a fresh T0 entry under lock"). Returns the
// entry that ends up current (either the one just installed, or one a
// concurrent caller installed first).
func (r *Registry) InstallIfAbsent(id bytecode.FunctionId, fresh *Entry) *Entry {
	lock := r.lockFor(id)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	slot := r.slot(id)
	if cur := slot.Load(); cur != nil {
		return cur
	}
	slot.Store(fresh)
	return fresh
}

// DrainCandidates returns the retired artifacts for id that are not yet
// freed, for a quiescent sweep to retire once their refcount reaches
// zero (§5 "Code-page unmap is deferred to a quiescent sweep").
func (r *Registry) DrainCandidates(id bytecode.FunctionId) []*Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Artifact(nil), r.retired[id]...)
}

// ReapDrained removes retired artifacts whose refcount has reached zero,
// returning how many were reaped.
func (r *Registry) ReapDrained(id bytecode.FunctionId) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining := r.retired[id][:0]
	reaped := 0
	for _, a := range r.retired[id] {
		if a.refcount.Load() == 0 {
			reaped++
			continue
		}
		remaining = append(remaining, a)
	}
	r.retired[id] = remaining
	return reaped
}

// CurrentTier returns the tier id is currently installed at, and false if
// nothing has been installed yet.
func (r *Registry) CurrentTier(id bytecode.FunctionId) (bytecode.TierLevel, bool) {
	e := r.Get(id)
	if e == nil {
		return 0, false
	}
	return e.Artifact.Tier, true
}
