// Package dispatch implements the Execution Dispatcher (C5): the single
// entry point every invocation passes through (§4.5). It carries no
// opcode semantics of its own — those live entirely in the Tier Engines
// — and instead wires the Tier Registry, Profile Store, Code Cache,
// Tier Promoter and Deoptimization Engine into one call protocol.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/aott-dev/aott/internal/backend"
	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/cache"
	"github.com/aott-dev/aott/internal/deopt"
	"github.com/aott-dev/aott/internal/profile"
	"github.com/aott-dev/aott/internal/registry"
	"github.com/aott-dev/aott/internal/tier"
)

// drainGracePeriod is how long a hot-swapped Module's superseded
// artifacts are allowed to keep running against the old Module before
// the host may assume every in-flight invocation has drained (§4.8
// "Hot-swap interaction").
const drainGracePeriod = 30 * time.Second

// Config bundles a Dispatcher's construction inputs.
type Config struct {
	Module       *bytecode.Module
	Backend      backend.NativeBackend
	Cache        cache.Config
	Thresholds   tier.PromotionThresholds
	Policy       string // §10.3 governing promotion policy expression; empty uses fixed thresholds
	TargetTriple string
	Logger       zerolog.Logger
	SelfCheck    bool
}

// Dispatcher is the Execution Dispatcher (C5).
type Dispatcher struct {
	mu      sync.RWMutex
	mod     *bytecode.Module
	backend backend.NativeBackend
	e0      *tier.Engine0
	e1      *tier.Engine1
	e2      *tier.Engine2
	e3      *tier.Engine3
	e4      *tier.Engine4

	reg         *registry.Registry
	profiles    *profile.Store
	cacheStore  *cache.Cache
	promoter    *tier.Promoter
	deoptEngine *deopt.Engine

	target string
	logger zerolog.Logger
}

// New builds a Dispatcher bound to cfg.Module, wiring every engine, the
// Code Cache, the Tier Promoter and the Deoptimization Engine against
// the same Registry and Profile Store.
func New(cfg Config) (*Dispatcher, error) {
	d := &Dispatcher{
		mod:        cfg.Module,
		backend:    cfg.Backend,
		reg:        registry.New(),
		profiles:   profile.NewStore(0.10),
		cacheStore: cache.New(cfg.Cache, cfg.Logger),
		target:     cfg.TargetTriple,
		logger:     cfg.Logger.With().Str("component", "dispatch").Logger(),
	}
	d.buildEngines(cfg.Module)

	compilers := [int(bytecode.T4) + 1]tier.Compiler{
		d.compilerFor(bytecode.T0),
		d.compilerFor(bytecode.T1),
		d.compilerFor(bytecode.T2),
		d.compilerFor(bytecode.T3),
		d.compilerFor(bytecode.T4),
	}
	promoter, err := tier.NewPromoter(d.reg, d.profiles, d.resolveFunction, compilers, cfg.Thresholds, cfg.Policy)
	if err != nil {
		return nil, errors.Wrap(err, "dispatch: building promoter")
	}
	d.promoter = promoter

	d.deoptEngine = deopt.New(deopt.Config{
		Registry:   d.reg,
		T0Provider: d.t0Entry,
		Recompile:  d.recompile,
		Logger:     cfg.Logger,
		SelfCheck:  cfg.SelfCheck,
	})

	return d, nil
}

func (d *Dispatcher) buildEngines(mod *bytecode.Module) {
	d.e0 = tier.NewEngine0(mod)
	d.e1 = tier.NewEngine1(mod, nil, d.profiles)
	d.e2 = tier.NewEngine2(mod, nil, d.profiles, d.backend)
	d.e3 = tier.NewEngine3(mod, nil, d.profiles, d.backend)
	d.e4 = tier.NewEngine4(mod, nil, d.profiles)
}

// currentModule returns the Module a lookup should resolve against,
// read under lock since HotSwap mutates it.
func (d *Dispatcher) currentModule() *bytecode.Module {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mod
}

func (d *Dispatcher) resolveFunction(id bytecode.FunctionId) (*bytecode.Function, bool) {
	return d.currentModule().FunctionByName(id.FunctionName)
}

// compileAt dispatches to the one tier engine's Compile method for tgt.
// Engine0/Engine1 take no ProfileSnapshot; snap is simply unused there.
func (d *Dispatcher) compileAt(tgt bytecode.TierLevel, fn *bytecode.Function, snap *profile.ProfileRecord) (*registry.Artifact, error) {
	switch tgt {
	case bytecode.T0:
		return d.e0.Compile(fn)
	case bytecode.T1:
		return d.e1.Compile(fn)
	case bytecode.T2:
		return d.e2.Compile(fn, snap)
	case bytecode.T3:
		return d.e3.Compile(fn, snap)
	case bytecode.T4:
		return d.e4.Compile(fn, snap)
	default:
		return nil, errors.Errorf("dispatch: unknown tier %s", tgt)
	}
}

// compilerFor lifts compileAt at a fixed tier into the tier.Compiler
// shape the Promoter drives, routing every compile through the Code
// Cache (§4.5 step 2 "a compile-in-progress lock prevents duplicate
// concurrent compiles of the same (function, tier)") rather than
// calling the tier engine directly — this is the one place content-
// addressing and singleflight dedup get wired in, deliberately kept out
// of the Promoter itself.
func (d *Dispatcher) compilerFor(tgt bytecode.TierLevel) tier.Compiler {
	return func(fn *bytecode.Function, snap *profile.ProfileRecord) (*registry.Artifact, error) {
		mod := d.currentModule()
		key := cache.Key{
			FunctionId:    fn.Id,
			Tier:          tgt,
			TargetTriple:  d.target,
			ConstantsHash: mod.SourceHash(),
			DepsHash:      mod.DepsHash(),
		}
		entry, err := d.cacheStore.GetOrCompile(context.Background(), key, func(ctx context.Context, _ cache.Key) (*registry.Artifact, error) {
			return d.compileAt(tgt, fn, snap)
		})
		if err != nil {
			return nil, err
		}
		return entry.Artifact, nil
	}
}

// t0Entry is the deopt Engine's T0Provider (§4.8 step 6): a fresh T0
// artifact bypasses the Code Cache entirely since T0 compilation is
// already the "zero-cost startup" tier — caching it would only add
// lookup overhead to the one path a failed speculation needs fastest.
func (d *Dispatcher) t0Entry(id bytecode.FunctionId) *registry.Entry {
	fn, ok := d.resolveFunction(id)
	if !ok {
		return nil
	}
	art, err := d.e0.Compile(fn)
	if err != nil {
		d.logger.Error().Err(err).Stringer("function", id).Msg("failed to compile fallback t0 entry for deopt")
		return nil
	}
	return &registry.Entry{Artifact: art, InstalledAt: time.Now()}
}

// recompile is the deopt Engine's Recompiler (§4.8 step 6): runs off the
// failing invocation's goroutine so the deopt path itself never blocks
// on a T3 compile.
func (d *Dispatcher) recompile(id bytecode.FunctionId, target bytecode.TierLevel) {
	go func() {
		fn, ok := d.resolveFunction(id)
		if !ok {
			return
		}
		snap := d.profiles.Snapshot(id)
		art, err := d.compilerFor(target)(fn, snap)
		if err != nil {
			d.logger.Error().Err(err).Stringer("function", id).Stringer("tier", target).Msg("deopt-triggered recompile failed")
			return
		}
		d.reg.Swap(id, &registry.Entry{Artifact: art, InstalledAt: time.Now()})
		d.profiles.NoteTier(id, target)
	}()
}

// Invoke is the Invocation API's synchronous call entry point (§6.2
// "invoke(module, function_name, args) -> Value | Error").
func (d *Dispatcher) Invoke(ctx context.Context, functionName string, args []bytecode.Value) (bytecode.Value, error) {
	fn, ok := d.currentModule().FunctionByName(functionName)
	if !ok {
		return bytecode.Value{}, errors.Errorf("dispatch: function %q not found", functionName)
	}
	return d.invoke(ctx, fn.Id, args)
}

// invoke implements the five-step protocol of §4.5 for one FunctionId,
// re-entered directly by VMContext.Call for nested invocations so a
// callee already promoted past its caller's tier still runs at its own
// current tier rather than being interpreted inline.
func (d *Dispatcher) invoke(ctx context.Context, id bytecode.FunctionId, args []bytecode.Value) (bytecode.Value, error) {
	entry := d.reg.Get(id)
	if entry == nil {
		fresh := d.t0Entry(id)
		if fresh == nil {
			return bytecode.Value{}, errors.Errorf("dispatch: function %s not found", id)
		}
		entry = d.reg.InstallIfAbsent(id, fresh)
	}

	artifact := entry.Artifact
	artifact.Retain()
	defer artifact.Release()

	vmctx := &registry.VMContext{
		OnBranch: func(pc uint32, taken bool) { d.profiles.RecordBranch(id, pc, taken) },
		OnType:   func(pc uint32, tag bytecode.Tag) { d.profiles.RecordType(id, pc, tag) },
		OnValue:  func(pc uint32, v bytecode.Value) { d.profiles.RecordValue(id, pc, v) },
		OnCall: func(pc uint32, target bytecode.FunctionId) {
			d.profiles.RecordCallTarget(id, pc, target.String())
		},
		Call: func(calleeId bytecode.FunctionId, callArgs []bytecode.Value) (bytecode.Value, error) {
			return d.invoke(ctx, calleeId, callArgs)
		},
		Ctx: ctx,
	}

	start := time.Now()
	v, gf, err := artifact.EntryPoint(args, vmctx)
	d.profiles.RecordCall(id, time.Since(start))

	if artifact.Tier == bytecode.T4 {
		d.promoter.RecordDeopt(id, gf != nil)
	}
	if err != nil {
		return bytecode.Value{}, err
	}
	if gf != nil {
		return d.handleGuardFailure(ctx, artifact, gf, vmctx)
	}

	if pErr := d.promoter.Consider(id); pErr != nil {
		d.logger.Error().Err(pErr).Stringer("function", id).Msg("promotion consideration failed")
	}
	return v, nil
}

// handleGuardFailure performs §4.8 step 7 on top of the Deoptimization
// Engine's steps 1-6: resuming the T0 interpreter with the reconstructed
// frame chain Result.Top describes.
func (d *Dispatcher) handleGuardFailure(ctx context.Context, artifact *registry.Artifact, gf *registry.GuardFailure, vmctx *registry.VMContext) (bytecode.Value, error) {
	result, err := d.deoptEngine.HandleGuardFailure(ctx, artifact, gf, nil)
	if err != nil {
		return bytecode.Value{}, errors.Wrap(err, "dispatch: deoptimization")
	}
	return d.e0.Resume(result.Top, vmctx)
}

// SwapReport is hot_swap's return value (§6.2): the FunctionIds whose
// cached artifacts were invalidated, and the deadline by which every
// invocation still running against the superseded Module is expected to
// have drained (§4.8 "Hot-swap interaction").
type SwapReport struct {
	Invalidated   []bytecode.FunctionId
	DrainDeadline time.Time
}

// HotSwap atomically replaces the Dispatcher's Module, invalidating the
// Code Cache and TierRegistry entries for every function of newMod that
// ChangedSymbols reports: a new or changed (name, signature_hash), or an
// unchanged one whose bytecode or constants differ (§6.2 "hot_swap").
// Engines bound to the
// superseded Module keep running against it via their retained Artifact
// references until drain; new invocations resolve against newMod.
//
// Tier engines are rebuilt against newMod rather than mutated in place,
// so a hot-swap also resets each engine's class/global table — a
// simplification accepted here since the source Value model only uses
// those for Module-lifetime bookkeeping, not cross-swap identity.
func (d *Dispatcher) HotSwap(newMod *bytecode.Module) (SwapReport, error) {
	d.mu.Lock()
	old := d.mod
	d.mod = newMod
	d.buildEngines(newMod)
	d.mu.Unlock()

	changed := bytecode.ChangedSymbols(old, newMod)
	var report SwapReport
	for i := range newMod.Functions {
		fn := &newMod.Functions[i]
		if _, ok := changed[fn.Id.FunctionName]; !ok {
			continue
		}
		for tgt := bytecode.T0; tgt <= bytecode.T4; tgt++ {
			d.cacheStore.Invalidate(cache.Key{
				FunctionId:    fn.Id,
				Tier:          tgt,
				TargetTriple:  d.target,
				ConstantsHash: old.SourceHash(),
				DepsHash:      old.DepsHash(),
			})
		}
		art, err := d.e0.Compile(fn)
		if err != nil {
			return report, errors.Wrapf(err, "dispatch: hot-swap compiling fresh t0 entry for %s", fn.Id)
		}
		d.reg.Swap(fn.Id, &registry.Entry{Artifact: art, InstalledAt: time.Now()})
		report.Invalidated = append(report.Invalidated, fn.Id)
	}
	report.DrainDeadline = time.Now().Add(drainGracePeriod)
	return report, nil
}

// Stats is the Invocation API's stats() result (§6.2): current tier
// distribution and cache hit rate. It carries no per-function deopt rate.
type Stats struct {
	TierDistribution map[bytecode.TierLevel]int
	CacheHitRate     float64
}

// Stats reports current engine-wide occupancy, for §9's EngineStats.
func (d *Dispatcher) Stats() Stats {
	dist := make(map[bytecode.TierLevel]int)
	for _, fn := range d.currentModule().Functions {
		if tierLevel, ok := d.reg.CurrentTier(fn.Id); ok {
			dist[tierLevel]++
		}
	}
	return Stats{TierDistribution: dist, CacheHitRate: d.cacheStore.HitRate()}
}
