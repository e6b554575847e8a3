package deopt

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/guard"
	"github.com/aott-dev/aott/internal/registry"
)

// ErrFatal wraps a reconstruction failure that the engine must abort on
// rather than paper over (§4.8 "Failure modes" — "Reconstruction failure
// ... is fatal: the engine must abort with diagnostic").
var ErrFatal = errors.New("deopt: fatal reconstruction failure")

// ErrGuardNotFound means the failing artifact carries no metadata for the
// guard id the native code reported — itself an I2 violation, so this is
// also fatal.
var ErrGuardNotFound = errors.New("deopt: guard id not found in artifact metadata")

// T0Provider returns the always-available Tier-0 registry entry for id,
// the artifact the engine swaps back to on deopt (§4.8 step 6). Supplied
// by whatever wires the engine together (the dispatcher), since deopt
// must not depend on the tier package that builds T0 artifacts.
type T0Provider func(id bytecode.FunctionId) *registry.Entry

// Recompiler schedules an asynchronous recompile at a target tier (§4.8
// step 6, "enqueue a recompile at T3, not T4, to avoid repeated failure
// at the same speculation").
type Recompiler func(id bytecode.FunctionId, target bytecode.TierLevel)

// Engine is the Deoptimization Engine (C8).
type Engine struct {
	registry   *registry.Registry
	t0Provider T0Provider
	recompile  Recompiler
	log        zerolog.Logger

	selfCheck bool // debug-build validation (§4.8 "Validation (self-check)")
}

// Config configures an Engine.
type Config struct {
	Registry   *registry.Registry
	T0Provider T0Provider
	Recompile  Recompiler
	Logger     zerolog.Logger
	// SelfCheck enables the debug-build comparison against a pure-T0
	// execution of the same input (§4.8 "Validation"); callers supply the
	// comparison via Engine.Validate, this only gates whether callers are
	// expected to invoke it.
	SelfCheck bool
}

// New builds a deoptimization Engine.
func New(cfg Config) *Engine {
	return &Engine{
		registry:   cfg.Registry,
		t0Provider: cfg.T0Provider,
		recompile:  cfg.Recompile,
		log:        cfg.Logger.With().Str("component", "deopt").Logger(),
		selfCheck:  cfg.SelfCheck,
	}
}

// Result is what HandleGuardFailure hands back to the dispatcher: the
// reconstructed interpreter frame chain to resume execution at.
type Result struct {
	Top  *Frame // the innermost reconstructed frame; walk .Caller outward
	Tier bytecode.TierLevel
}

// HandleGuardFailure executes §4.8 steps 1-6 for one guard failure:
// locate metadata, reconstruct the frame chain, publish the T0 downgrade,
// enqueue a recompile, and bump the failure counter. The dispatcher
// performs step 7 (actually jumping into T0 with Result.Top).
func (e *Engine) HandleGuardFailure(ctx context.Context, artifact *registry.Artifact, failure *registry.GuardFailure, callers []InlineFrame) (*Result, error) {
	meta, err := findGuard(artifact, failure.GuardId)
	if err != nil {
		return nil, errors.Wrapf(ErrFatal, "%v", err)
	}

	state, ok := failure.NativeState.(NativeStateReader)
	if !ok {
		return nil, errors.Wrapf(ErrFatal, "deopt: native state for guard %d does not implement NativeStateReader", failure.GuardId)
	}

	top, err := ReconstructChain(meta.Site.Function, meta.Site.Offset, meta.LiveMap, state, failure.PendingOperands, callers)
	if err != nil {
		return nil, errors.Wrap(ErrFatal, err.Error())
	}

	meta.RecordFailure()

	if e.t0Provider != nil && e.registry != nil {
		t0 := e.t0Provider(artifact.FunctionId)
		if t0 != nil {
			e.registry.Swap(artifact.FunctionId, t0)
		}
	}
	if e.recompile != nil {
		e.recompile(artifact.FunctionId, bytecode.T3) // not T4 (§4.8 step 6)
	}

	e.log.Info().
		Str("function", artifact.FunctionId.String()).
		Uint64("guard_id", failure.GuardId).
		Str("kind", meta.Kind.String()).
		Msg("guard failure handled, deopt to T0")

	return &Result{Top: top, Tier: bytecode.T0}, nil
}

func findGuard(artifact *registry.Artifact, guardId uint64) (*guard.Metadata, error) {
	for _, g := range artifact.Guards {
		if g.GuardId == guardId {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: guard %d in artifact for %s", ErrGuardNotFound, guardId, artifact.FunctionId)
}

// Validate implements the debug-build self-check (§4.8 "Validation"): it
// compares a reconstructed Frame's locals against the locals a reference
// T0 execution produces for the same function up to the same offset.
// referenceLocals is supplied by the caller (typically obtained by
// re-running T0 on the same inputs up to meta.Site.Offset, as described
// in §8's property test); Validate only does the comparison.
func (e *Engine) Validate(reconstructed *Frame, referenceLocals map[string]bytecode.Value) error {
	for name, want := range referenceLocals {
		got, ok := reconstructed.Locals[name]
		if !ok {
			return errors.Errorf("deopt: self-check: local %q missing from reconstruction", name)
		}
		if !bytecode.Equal(got, want) {
			return errors.Errorf("deopt: self-check: local %q reconstructed as %v, reference computed %v", name, got, want)
		}
	}
	return nil
}
