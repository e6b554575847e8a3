package tier

import (
	"sync"
	"time"

	"github.com/casbin/govaluate"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/guard"
	"github.com/aott-dev/aott/internal/profile"
	"github.com/aott-dev/aott/internal/registry"
)

// PromotionThresholds is the configurable gate set of §4.6/§6.4: the
// call-count floor for each rung of the ladder, plus the two stability
// gates (T2->T3, T3->T4) and the T4 demotion ceiling. The zero value is
// useless; always start from DefaultPromotionThresholds.
type PromotionThresholds struct {
	T0T1, T1T2, T2T3, T3T4 uint64
	TypeStabilityMin       float64
	BranchStabilityMin     float64
	DeoptRateCeiling       float64
}

// DefaultPromotionThresholds are the §4.6 fixed-threshold defaults. The
// two stability gates intentionally reuse the same constants T3's own
// devirtualization gate (devirtualizationStability) and T4's own
// speculation gates (speculationBranchBias) are defined against: the
// Promoter's "is this function ready" question and a tier's own "is this
// particular site ready" question are the same question asked at two
// granularities, and pinning them to one constant keeps a future config
// change from silently diverging the two.
func DefaultPromotionThresholds() PromotionThresholds {
	return PromotionThresholds{
		T0T1:               10,
		T1T2:               100,
		T2T3:               1000,
		T3T4:               10000,
		TypeStabilityMin:   devirtualizationStability,
		BranchStabilityMin: speculationBranchBias,
		DeoptRateCeiling:   guard.DemotionCeiling,
	}
}

// Compiler is the uniform compile operation every tier exposes to the
// Promoter: fn plus whatever profile snapshot is available (nil is
// valid — a fresh T1 compile needs none). Engine0/Engine1's Compile
// methods take no snapshot argument; AdaptCompile0/AdaptCompile1 close
// over them to present this signature.
type Compiler func(fn *bytecode.Function, snapshot *profile.ProfileRecord) (*registry.Artifact, error)

// AdaptCompile0 lifts an Engine0 to the Promoter's Compiler shape.
func AdaptCompile0(e *Engine0) Compiler {
	return func(fn *bytecode.Function, _ *profile.ProfileRecord) (*registry.Artifact, error) {
		return e.Compile(fn)
	}
}

// AdaptCompile1 lifts an Engine1 to the Promoter's Compiler shape.
func AdaptCompile1(e *Engine1) Compiler {
	return func(fn *bytecode.Function, _ *profile.ProfileRecord) (*registry.Artifact, error) {
		return e.Compile(fn)
	}
}

// FunctionResolver looks up the current Function body for a FunctionId,
// the way *bytecode.Module.FunctionByName does for a single Module. A
// host wiring hot-swap typically closes over "whichever Module is
// current" rather than handing the Promoter a single *bytecode.Module.
type FunctionResolver func(id bytecode.FunctionId) (*bytecode.Function, bool)

// ring1024 is the fixed 1,024-invocation deopt-frequency window behind
// T4's demotion rule (§4.6 "exceeds 20% within a window of 1,024
// invocations"). A plain ring buffer of outcomes, not an EMA: the spec
// names an exact window size, not a decay constant.
type ring1024 struct {
	mu     sync.Mutex
	outcomes [1024]bool
	pos    int
	filled int
	fails  int
}

// record appends one outcome (failed = this invocation deopted) and
// returns the window's current failure rate and whether the window has
// filled at least once (a partially-filled window never trips demotion:
// a handful of early failures on a just-promoted artifact isn't a storm).
func (r *ring1024) record(failed bool) (rate float64, full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.filled == len(r.outcomes) {
		if r.outcomes[r.pos] {
			r.fails--
		}
	} else {
		r.filled++
	}
	r.outcomes[r.pos] = failed
	if failed {
		r.fails++
	}
	r.pos = (r.pos + 1) % len(r.outcomes)
	if r.filled == 0 {
		return 0, false
	}
	return float64(r.fails) / float64(r.filled), r.filled == len(r.outcomes)
}

// Promoter is the promotion half of the Tier Engines component (§4.6
// "Promotion rules"). It has no goroutine or queue of its own: Consider
// runs on the caller's goroutine (the Dispatcher calls it after each
// successful invocation), and Sweep is the periodic pass a host may run
// instead. It reads Profile Store snapshots, applies
// either the fixed thresholds or a configured govaluate Policy
// expression (§10.3), and drives the TierRegistry through Compiler.
// It also owns the T4 demotion path: retaining the last T3 artifact per
// FunctionId so a deopt-frequency breach can fall back to it without a
// recompile.
type Promoter struct {
	registry   *registry.Registry
	profiles   *profile.Store
	resolve    FunctionResolver
	compilers  [int(bytecode.T4) + 1]Compiler
	thresholds PromotionThresholds
	policy     *govaluate.EvaluableExpression
	logger     zerolog.Logger

	mu          sync.Mutex
	savedT3     map[bytecode.FunctionId]*registry.Artifact
	deoptWindow map[bytecode.FunctionId]*ring1024
}

// NewPromoter builds a Promoter. policy, if non-empty, is a govaluate
// boolean expression evaluated in place of the fixed thresholds (§10.3);
// an invalid expression is a configuration error returned immediately
// rather than discovered on the first promotion attempt.
func NewPromoter(reg *registry.Registry, profiles *profile.Store, resolve FunctionResolver, compilers [int(bytecode.T4) + 1]Compiler, thresholds PromotionThresholds, policy string) (*Promoter, error) {
	p := &Promoter{
		registry:    reg,
		profiles:    profiles,
		resolve:     resolve,
		compilers:   compilers,
		thresholds:  thresholds,
		logger:      log.With().Str("component", "promoter").Logger(),
		savedT3:     make(map[bytecode.FunctionId]*registry.Artifact),
		deoptWindow: make(map[bytecode.FunctionId]*ring1024),
	}
	if policy != "" {
		expr, err := govaluate.NewEvaluableExpression(policy)
		if err != nil {
			return nil, errors.Wrap(err, "tier: invalid promotion policy expression")
		}
		p.policy = expr
	}
	return p, nil
}

// Consider evaluates one promotion step for id (§4.5 step 4 "enqueue the
// FunctionId for promotion consideration if thresholds crossed").
// Promotion advances at most one tier per call, mirroring the ladder's
// sequential structure: a function that has accumulated enough calls to
// qualify for T3 while still sitting at T0 moves to T1 first, and a
// subsequent threshold crossing carries it further. A FunctionId with no
// profile yet, or already at T4, is a no-op.
func (p *Promoter) Consider(id bytecode.FunctionId) error {
	entry := p.registry.Get(id)
	var current bytecode.TierLevel
	if entry != nil {
		current = entry.Artifact.Tier
	}
	if current >= bytecode.T4 {
		return nil
	}
	snap := p.profiles.Snapshot(id)
	if snap == nil {
		return nil
	}

	target := current + 1
	ready, err := p.ready(id, current, target, snap)
	if err != nil {
		return err
	}
	if !ready {
		return nil
	}
	return p.promote(id, target, snap)
}

// Sweep runs Decay (§4.2) then Considers every tracked FunctionId once.
// It is the backstop periodic pass behind the per-invocation Consider
// enqueue, for a host that would rather poll than wire the dispatcher's
// threshold-crossing signal. Returns every per-function error
// encountered rather than stopping at the first, since one function's
// compile failure must not block the sweep for the rest.
func (p *Promoter) Sweep(decayAlpha float64) []error {
	p.profiles.Decay(decayAlpha)
	var errs []error
	for _, id := range p.profiles.AllIds() {
		if err := p.Consider(id); err != nil {
			errs = append(errs, errors.Wrapf(err, "tier: considering %s", id))
		}
	}
	return errs
}

// ready decides whether id should advance from current to target,
// consulting the configured Policy expression if one is set and falling
// back to the fixed thresholds on policy failure (a malformed expression
// must degrade gracefully, not wedge every function at its current
// tier).
func (p *Promoter) ready(id bytecode.FunctionId, current, target bytecode.TierLevel, snap *profile.ProfileRecord) (bool, error) {
	fn, hasFn := p.resolve(id)
	if p.policy != nil {
		ok, err := p.evalPolicy(fn, hasFn, current, target, snap)
		if err == nil {
			return ok, nil
		}
		p.logger.Error().Err(err).Stringer("function", id).Msg("promotion policy evaluation failed, falling back to fixed thresholds")
	}
	if !hasFn {
		// Fixed thresholds for T2->T3/T3->T4 need the function body to
		// locate hot sites; without it only the call-count-only rungs
		// (T0->T1, T1->T2) can be judged.
		return p.meetsCallCountOnly(current, snap), nil
	}
	return p.meetsThreshold(fn, current, snap), nil
}

func (p *Promoter) meetsCallCountOnly(current bytecode.TierLevel, snap *profile.ProfileRecord) bool {
	calls := snap.CallCount()
	switch current {
	case bytecode.T0:
		return calls >= p.thresholds.T0T1
	case bytecode.T1:
		return calls >= p.thresholds.T1T2
	default:
		return false
	}
}

// meetsThreshold applies the fixed-threshold rule of §4.6 for the rung
// above current.
func (p *Promoter) meetsThreshold(fn *bytecode.Function, current bytecode.TierLevel, snap *profile.ProfileRecord) bool {
	calls := snap.CallCount()
	switch current {
	case bytecode.T0:
		return calls >= p.thresholds.T0T1
	case bytecode.T1:
		return calls >= p.thresholds.T1T2
	case bytecode.T2:
		return calls >= p.thresholds.T2T3 && hotTypeStability(fn, snap) >= p.thresholds.TypeStabilityMin
	case bytecode.T3:
		return calls >= p.thresholds.T3T4 && hotBranchPredictability(fn, snap) >= p.thresholds.BranchStabilityMin
	default:
		return false
	}
}

// hotTypeStability is "type-stability at hot call sites" (§4.6 T2->T3
// gate): the mean TypeStability across every arithmetic/comparison/
// dispatch site the profiler has sampled at least once. A function with
// no sampled sites is vacuously stable — it has no type-dependent work
// to destabilize, so it shouldn't be held at T2 waiting for data that
// will never arrive.
func hotTypeStability(fn *bytecode.Function, snap *profile.ProfileRecord) float64 {
	var sum float64
	var n int
	cur := bytecode.NewCursor(fn.Code)
	for !cur.Done() {
		in, err := cur.Next()
		if err != nil {
			break
		}
		switch in.Op {
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
			bytecode.OpEq, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe,
			bytecode.OpCall, bytecode.OpCallMethod, bytecode.OpGetProperty, bytecode.OpSetProperty:
			if len(snap.ObservedTypes(in.Offset)) == 0 {
				continue
			}
			sum += snap.TypeStability(in.Offset)
			n++
		}
	}
	if n == 0 {
		return 1
	}
	return sum / float64(n)
}

// hotBranchPredictability is "branch predictability" (§4.6 T3->T4 gate):
// the worst (lowest) predictability — max(bias, 1-bias) — among every
// observed branch site, since one wildly unpredictable branch undermines
// the benefit of speculating on the rest. A function with no observed
// branches is vacuously predictable.
func hotBranchPredictability(fn *bytecode.Function, snap *profile.ProfileRecord) float64 {
	min := 1.0
	var n int
	cur := bytecode.NewCursor(fn.Code)
	for !cur.Done() {
		in, err := cur.Next()
		if err != nil {
			break
		}
		if in.Op != bytecode.OpJumpIfTrue && in.Op != bytecode.OpJumpIfFalse {
			continue
		}
		bias, ok := snap.BranchBias(in.Offset)
		if !ok {
			continue
		}
		predictability := bias
		if predictability < 0.5 {
			predictability = 1 - predictability
		}
		if n == 0 || predictability < min {
			min = predictability
		}
		n++
	}
	if n == 0 {
		return 1
	}
	return min
}

// evalPolicy evaluates the configured Policy expression (§10.3) against
// the sampled profile features for id's transition from current to
// target. Mirrors the teacher pack's own govaluate caller in guarding
// against the evaluator panicking on a type mismatch inside the
// expression, converting that into an ordinary error.
func (p *Promoter) evalPolicy(fn *bytecode.Function, hasFn bool, current, target bytecode.TierLevel, snap *profile.ProfileRecord) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("tier: policy expression panicked: %v", r)
		}
	}()

	typeStability, branchPredictability := 1.0, 1.0
	if hasFn {
		typeStability = hotTypeStability(fn, snap)
		branchPredictability = hotBranchPredictability(fn, snap)
	}
	params := map[string]interface{}{
		"call_count":           float64(snap.CallCount()),
		"windowed_call_count":  float64(snap.WindowedCallCount()),
		"current_tier":         float64(current),
		"target_tier":          float64(target),
		"type_stability":       typeStability,
		"branch_predictability": branchPredictability,
	}
	result, evalErr := p.policy.Evaluate(params)
	if evalErr != nil {
		return false, errors.Wrap(evalErr, "tier: policy expression evaluation")
	}
	decision, isBool := result.(bool)
	if !isBool {
		return false, errors.Errorf("tier: policy expression must evaluate to bool, got %T", result)
	}
	return decision, nil
}

// promote compiles id at target and publishes it, stashing the
// outgoing T3 artifact (if any) for a later T4 demotion. It is a no-op
// if a concurrent path already advanced id past target, preserving P3
// (monotonic promotion).
func (p *Promoter) promote(id bytecode.FunctionId, target bytecode.TierLevel, snap *profile.ProfileRecord) error {
	fn, ok := p.resolve(id)
	if !ok {
		return errors.Errorf("tier: promotion requested for unresolved function %s", id)
	}
	compiler := p.compilers[target]
	if compiler == nil {
		return errors.Errorf("tier: no compiler registered for tier %s", target)
	}
	art, err := compiler(fn, snap)
	if err != nil {
		return errors.Wrapf(err, "tier: compiling %s at %s", id, target)
	}

	prev := p.registry.Get(id)
	if prev != nil && prev.Artifact.Tier >= target {
		return nil
	}
	if prev != nil && prev.Artifact.Tier == bytecode.T3 {
		p.mu.Lock()
		p.savedT3[id] = prev.Artifact
		p.mu.Unlock()
	}

	p.registry.Swap(id, &registry.Entry{Artifact: art, InstalledAt: time.Now()})
	p.profiles.NoteTier(id, target)
	p.logger.Info().Stringer("function", id).Stringer("tier", target).Msg("promoted")
	return nil
}

// RecordDeopt feeds one T4 invocation outcome into id's demotion window
// (§4.6 "observed deopt-frequency ... within a window of 1,024
// invocations"). The dispatcher calls this after every invocation of a
// T4 artifact, whether or not it deopted; once the window fills and its
// failure rate exceeds DeoptRateCeiling, the T4 artifact is replaced
// with the saved T3 artifact.
func (p *Promoter) RecordDeopt(id bytecode.FunctionId, failed bool) {
	p.mu.Lock()
	win, ok := p.deoptWindow[id]
	if !ok {
		win = &ring1024{}
		p.deoptWindow[id] = win
	}
	p.mu.Unlock()

	rate, full := win.record(failed)
	if !full || rate <= p.thresholds.DeoptRateCeiling {
		return
	}
	p.demote(id)
}

// demote replaces a T4 artifact exceeding the deopt-rate ceiling with
// its saved T3 predecessor. A no-op if the artifact currently installed
// isn't T4 — most commonly because a single guard failure already
// routed the Deoptimization Engine's own downgrade to T0 (§4.8 step 6)
// ahead of the window filling.
func (p *Promoter) demote(id bytecode.FunctionId) {
	entry := p.registry.Get(id)
	if entry == nil || entry.Artifact.Tier != bytecode.T4 {
		return
	}
	p.mu.Lock()
	saved, ok := p.savedT3[id]
	delete(p.savedT3, id)
	p.mu.Unlock()
	if !ok {
		p.logger.Error().Stringer("function", id).Msg("t4 demotion triggered but no saved t3 artifact is on hand")
		return
	}
	p.registry.Swap(id, &registry.Entry{Artifact: saved, InstalledAt: time.Now()})
	p.profiles.NoteTier(id, bytecode.T3)
	p.logger.Info().Stringer("function", id).Msg("demoted: t4 deopt rate exceeded ceiling, reverted to saved t3 artifact")
}
