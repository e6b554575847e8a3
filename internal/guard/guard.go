package guard

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/aott-dev/aott/internal/bytecode"
)

// Kind is the speculation a Guard enforces (§3).
type Kind uint8

const (
	KindType Kind = iota
	KindValue
	KindBranch
	KindNullCheck
	KindBounds
	KindCallTarget
	KindRange
	KindInvariant
)

func (k Kind) String() string {
	names := [...]string{"Type", "Value", "Branch", "NullCheck", "Bounds", "CallTarget", "Range", "Invariant"}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// LocationKind discriminates a Location variant (§3 VariableMap).
type LocationKind uint8

const (
	LocRegister LocationKind = iota
	LocStackSlot
	LocHeap
	LocConstant
	LocRematerialize
)

// Location is where the T0 interpreter can recover one live local's value
// at a guard site (§3 VariableMap, the deopt map).
type Location struct {
	Kind LocationKind

	// Register/StackSlot/Heap carry an id/offset/address into the native
	// frame the Deoptimization Engine has frozen.
	Slot uint32

	// Constant carries the literal value directly.
	Constant bytecode.Value

	// Rematerialize carries an expression tree over other already-resolved
	// locations, for values eliminated by DCE/constant-folding (§3).
	Remat *RematExpr
}

// RematOp is the operator a Rematerialize node applies.
type RematOp uint8

const (
	RematAdd RematOp = iota
	RematSub
	RematMul
	RematIdentity // wraps a single child, e.g. a sign/type coercion
)

// RematExpr is one node of a Rematerialize expression tree (§3). Cycles
// are forbidden by construction (§4.8 step 3); Depth reports the tree's
// depth so tests can exercise deep chains (§8 "depth 16").
type RematExpr struct {
	Op       RematOp
	Children []*RematExpr
	Leaf     *Location // non-nil at a leaf: read this Location's value directly
}

// Depth returns the expression tree's depth (a leaf has depth 1).
func (e *RematExpr) Depth() int {
	if e == nil || len(e.Children) == 0 {
		return 1
	}
	max := 0
	for _, c := range e.Children {
		if d := c.Depth(); d > max {
			max = d
		}
	}
	return max + 1
}

// VariableMap maps every source-level local live at a guard site to its
// Location (§3, I2: must cover every local the T0 interpreter would read
// from that offset forward until its next definition).
type VariableMap map[string]Location

// Metadata is the per-guard bookkeeping that lives with its artifact
// (§3 GuardMetadata).
type Metadata struct {
	GuardId  uint64
	Site     Site_
	Kind     Kind
	Expected bytecode.Value
	LiveMap  VariableMap

	failureCount atomic.Uint64
	successCount atomic.Uint64

	// dependsOn lists other guard ids within the same artifact this guard's
	// speculation is predicated on (§4.7 "guards ... have a topological
	// order determined by the dependence among the speculations").
	dependsOn []uint64
}

// Site_ names the bytecode point a guard's optimization depended on
// (named with a trailing underscore to avoid colliding with the PIC
// Site type in this package).
type Site_ struct {
	Function bytecode.FunctionId
	Offset   uint32
}

// RecordSuccess bumps the guard's success counter (relaxed atomic, §5).
func (m *Metadata) RecordSuccess() { m.successCount.Add(1) }

// RecordFailure bumps the guard's failure counter and returns the new
// total (§4.7 "Failure accounting").
func (m *Metadata) RecordFailure() uint64 { return m.failureCount.Add(1) }

// FailureRatio snapshots both numerator and denominator "under a single
// seq-cst fence" (§5) — here, both loads happen back-to-back with no
// intervening store from this goroutine, which is as close as a pure-Go
// relaxed-atomic model gets to that guarantee without a dedicated lock;
// the ratio is advisory (feeds a policy decision), never a correctness
// condition.
func (m *Metadata) FailureRatio() float64 {
	f, s := m.failureCount.Load(), m.successCount.Load()
	total := f + s
	if total == 0 {
		return 0
	}
	return float64(f) / float64(total)
}

// FailureCount/SuccessCount expose the raw counters.
func (m *Metadata) FailureCount() uint64 { return m.failureCount.Load() }
func (m *Metadata) SuccessCount() uint64 { return m.successCount.Load() }

// ErrGuardCycle is returned when a proposed guard's dependences would
// form a cycle (§4.7 "The manager refuses to emit guards whose
// dependences form a cycle").
var ErrGuardCycle = errors.New("guard: dependency cycle")

// Manager owns guard-id allocation and ordering for one artifact under
// construction, plus the live metadata for a published artifact.
type Manager struct {
	nextId  atomic.Uint64
	guards  map[uint64]*Metadata
	edges   map[uint64][]uint64 // guard id -> ids it depends on
}

// NewManager creates an empty guard Manager for one artifact compilation.
func NewManager() *Manager {
	return &Manager{guards: make(map[uint64]*Metadata), edges: make(map[uint64][]uint64)}
}

// Install allocates a stable guard_id and records Metadata (§4.7 "Guard
// installation protocol"). dependsOn lists guard ids (already installed
// in this Manager) whose speculations this one's code is predicated on.
// Installing a guard whose dependences would cycle is refused.
func (m *Manager) Install(site Site_, kind Kind, expected bytecode.Value, liveMap VariableMap, dependsOn ...uint64) (*Metadata, error) {
	id := m.nextId.Add(1)
	m.edges[id] = dependsOn
	if m.hasCycle() {
		delete(m.edges, id)
		return nil, errors.Wrapf(ErrGuardCycle, "guard %d", id)
	}
	g := &Metadata{GuardId: id, Site: site, Kind: kind, Expected: expected, LiveMap: liveMap, dependsOn: dependsOn}
	m.guards[id] = g
	return g, nil
}

// hasCycle runs a DFS cycle check over the dependency graph built so far.
func (m *Manager) hasCycle() bool {
	const (
		white = iota
		gray
		black
	)
	color := make(map[uint64]int, len(m.edges))
	var visit func(uint64) bool
	visit = func(n uint64) bool {
		color[n] = gray
		for _, dep := range m.edges[n] {
			switch color[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}
	for n := range m.edges {
		if color[n] == white {
			if visit(n) {
				return true
			}
		}
	}
	return false
}

// TopologicalOrder returns guard ids ordered so that every guard appears
// after the guards it depends on (§4.7 "topological order determined by
// the dependence among the speculations they enforce").
func (m *Manager) TopologicalOrder() ([]uint64, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[uint64]int, len(m.guards))
	var order []uint64
	var visit func(uint64) error
	visit = func(n uint64) error {
		color[n] = gray
		for _, dep := range m.edges[n] {
			switch color[dep] {
			case gray:
				return errors.Wrapf(ErrGuardCycle, "guard %d", n)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[n] = black
		order = append(order, n)
		return nil
	}
	for n := range m.guards {
		if color[n] == white {
			if err := visit(n); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// Get returns the Metadata for guard id, if installed.
func (m *Manager) Get(id uint64) (*Metadata, bool) {
	g, ok := m.guards[id]
	return g, ok
}

// All returns every installed guard's Metadata, unordered.
func (m *Manager) All() []*Metadata {
	out := make([]*Metadata, 0, len(m.guards))
	for _, g := range m.guards {
		out = append(out, g)
	}
	return out
}

// StableThreshold is the failure ratio below which a guard is eligible
// for strengthening (§4.7, default 0.1%).
const StableThreshold = 0.001

// IsStable reports whether g's failure ratio is low enough to promote
// the speculated property to an artifact-boundary assumption, eliminating
// the per-use guard (§4.7 "Guards whose failure rate is below a 'stable'
// threshold ... are eligible for strengthening").
func IsStable(g *Metadata) bool {
	total := g.FailureCount() + g.SuccessCount()
	return total > 0 && g.FailureRatio() < StableThreshold
}

// DemotionCeiling is the failure-cost tolerance default (§6.4
// deopt_rate_ceiling).
const DemotionCeiling = 0.20

// ShouldDemote reports whether g's failure ratio, within the sliding
// window represented by its current counters, exceeds ceiling — the
// signal the Manager uses to "emit a demotion request to the Tier
// Promoter" (§4.7).
func ShouldDemote(g *Metadata, ceiling float64) bool {
	total := g.FailureCount() + g.SuccessCount()
	return total > 0 && g.FailureRatio() > ceiling
}
