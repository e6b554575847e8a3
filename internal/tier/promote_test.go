package tier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/profile"
	"github.com/aott-dev/aott/internal/registry"
)

func testCompilers(_ int) [int(bytecode.T4) + 1]Compiler {
	var cs [int(bytecode.T4) + 1]Compiler
	for i := 0; i < len(cs); i++ {
		tier := bytecode.TierLevel(i)
		cs[i] = func(fn *bytecode.Function, _ *profile.ProfileRecord) (*registry.Artifact, error) {
			return &registry.Artifact{
				Tier:       tier,
				FunctionId: fn.Id,
				EntryPoint: func(args []bytecode.Value, ctx *registry.VMContext) (bytecode.Value, *registry.GuardFailure, error) {
					return bytecode.Null, nil, nil
				},
			}, nil
		}
	}
	return cs
}

func resolverFor(mod *bytecode.Module) FunctionResolver {
	return func(id bytecode.FunctionId) (*bytecode.Function, bool) {
		return mod.FunctionByName(id.FunctionName)
	}
}

func TestPromoter_AdvancesOneTierPerConsiderCall(t *testing.T) {
	mod, fn := buildBranchFunction()
	reg := registry.New()
	profiles := profile.NewStore(1.0)
	for i := uint64(0); i < DefaultPromotionThresholds().T0T1; i++ {
		profiles.RecordCall(fn.Id, time.Microsecond)
	}

	p, err := NewPromoter(reg, profiles, resolverFor(mod), testCompilers(5), DefaultPromotionThresholds(), "")
	require.NoError(t, err)

	require.NoError(t, p.Consider(fn.Id))
	entry := reg.Get(fn.Id)
	require.NotNil(t, entry)
	require.Equal(t, bytecode.T1, entry.Artifact.Tier)

	// A second Consider with no new calls recorded must not advance
	// further: the call count hasn't crossed T1->T2 yet.
	require.NoError(t, p.Consider(fn.Id))
	entry = reg.Get(fn.Id)
	require.Equal(t, bytecode.T1, entry.Artifact.Tier)
}

func TestPromoter_T2ToT3GatedOnTypeStability(t *testing.T) {
	mod, fn := buildBranchFunction()
	reg := registry.New()
	profiles := profile.NewStore(1.0)
	th := DefaultPromotionThresholds()
	for i := uint64(0); i < th.T2T3; i++ {
		profiles.RecordCall(fn.Id, time.Microsecond)
	}
	// No RecordType calls at all: hotTypeStability is vacuously 1.0, so
	// the gate still passes on a function with no sampled type sites.
	reg.Swap(fn.Id, &registry.Entry{Artifact: &registry.Artifact{Tier: bytecode.T2, FunctionId: fn.Id}})
	profiles.NoteTier(fn.Id, bytecode.T2)

	p, err := NewPromoter(reg, profiles, resolverFor(mod), testCompilers(5), th, "")
	require.NoError(t, err)
	require.NoError(t, p.Consider(fn.Id))
	require.Equal(t, bytecode.T3, reg.Get(fn.Id).Artifact.Tier)
}

func TestPromoter_NoProfileIsNoOp(t *testing.T) {
	mod, fn := buildBranchFunction()
	reg := registry.New()
	profiles := profile.NewStore(1.0)
	p, err := NewPromoter(reg, profiles, resolverFor(mod), testCompilers(5), DefaultPromotionThresholds(), "")
	require.NoError(t, err)

	// Snapshot always returns a non-nil *ProfileRecord (it creates one on
	// first access), so with zero calls recorded Consider must simply not
	// meet the T0->T1 threshold rather than panic or install anything.
	require.NoError(t, p.Consider(fn.Id))
	require.Nil(t, reg.Get(fn.Id))
}

func TestPromoter_AlreadyAtT4IsNoOp(t *testing.T) {
	mod, fn := buildBranchFunction()
	reg := registry.New()
	profiles := profile.NewStore(1.0)
	reg.Swap(fn.Id, &registry.Entry{Artifact: &registry.Artifact{Tier: bytecode.T4, FunctionId: fn.Id}})
	p, err := NewPromoter(reg, profiles, resolverFor(mod), testCompilers(5), DefaultPromotionThresholds(), "")
	require.NoError(t, err)
	require.NoError(t, p.Consider(fn.Id))
	require.Equal(t, bytecode.T4, reg.Get(fn.Id).Artifact.Tier)
}

func TestPromoter_PolicyOverridesFixedThresholds(t *testing.T) {
	mod, fn := buildBranchFunction()
	reg := registry.New()
	profiles := profile.NewStore(1.0)
	// Only one call recorded: far below the fixed T0->T1 floor of 10, but
	// the configured policy only cares about target_tier.
	profiles.RecordCall(fn.Id, time.Microsecond)

	p, err := NewPromoter(reg, profiles, resolverFor(mod), testCompilers(5), DefaultPromotionThresholds(), "target_tier <= 1")
	require.NoError(t, err)
	require.NoError(t, p.Consider(fn.Id))
	require.Equal(t, bytecode.T1, reg.Get(fn.Id).Artifact.Tier)
}

func TestPromoter_MalformedPolicyFallsBackToFixedThresholds(t *testing.T) {
	mod, fn := buildBranchFunction()
	reg := registry.New()
	profiles := profile.NewStore(1.0)
	for i := uint64(0); i < DefaultPromotionThresholds().T0T1; i++ {
		profiles.RecordCall(fn.Id, time.Microsecond)
	}

	// "nonexistent_variable" is never bound in the policy parameters;
	// govaluate errors evaluating an unresolved variable, which must fall
	// back to the fixed thresholds rather than freeze the function at T0.
	p, err := NewPromoter(reg, profiles, resolverFor(mod), testCompilers(5), DefaultPromotionThresholds(), "nonexistent_variable > 0")
	require.NoError(t, err)
	require.NoError(t, p.Consider(fn.Id))
	require.Equal(t, bytecode.T1, reg.Get(fn.Id).Artifact.Tier)
}

func TestPromoter_InvalidPolicyExpressionRejectedAtConstruction(t *testing.T) {
	mod, _ := buildBranchFunction()
	reg := registry.New()
	profiles := profile.NewStore(1.0)
	_, err := NewPromoter(reg, profiles, resolverFor(mod), testCompilers(5), DefaultPromotionThresholds(), "((( not valid")
	require.Error(t, err)
}

func TestPromoter_DemotesT4ToSavedT3AfterDeoptRateExceedsCeiling(t *testing.T) {
	mod, fn := buildBranchFunction()
	reg := registry.New()
	profiles := profile.NewStore(1.0)

	t3 := &registry.Artifact{Tier: bytecode.T3, FunctionId: fn.Id}
	reg.Swap(fn.Id, &registry.Entry{Artifact: t3})

	p, err := NewPromoter(reg, profiles, resolverFor(mod), testCompilers(5), DefaultPromotionThresholds(), "")
	require.NoError(t, err)

	// Promote T3->T4 directly through the unexported path so savedT3[id]
	// is populated the same way a real T3->T4 Consider call would.
	require.NoError(t, p.promote(fn.Id, bytecode.T4, profiles.Snapshot(fn.Id)))
	require.Equal(t, bytecode.T4, reg.Get(fn.Id).Artifact.Tier)

	ceiling := DefaultPromotionThresholds().DeoptRateCeiling
	failing := int(ceiling*1024) + 10
	for i := 0; i < 1024; i++ {
		p.RecordDeopt(fn.Id, i < failing)
	}

	entry := reg.Get(fn.Id)
	require.Equal(t, bytecode.T3, entry.Artifact.Tier)
}

func TestPromoter_DemotionIsNoOpWithoutAPriorT4Promotion(t *testing.T) {
	mod, fn := buildBranchFunction()
	reg := registry.New()
	profiles := profile.NewStore(1.0)
	p, err := NewPromoter(reg, profiles, resolverFor(mod), testCompilers(5), DefaultPromotionThresholds(), "")
	require.NoError(t, err)

	for i := 0; i < 1024; i++ {
		p.RecordDeopt(fn.Id, true)
	}
	require.Nil(t, reg.Get(fn.Id))
}

func TestHotTypeStability_VacuouslyStableWithNoSampledSites(t *testing.T) {
	_, fn := buildBranchFunction()
	store := profile.NewStore(1.0)
	snap := store.Snapshot(fn.Id)
	require.Equal(t, 1.0, hotTypeStability(fn, snap))
}

func TestHotBranchPredictability_WorstCaseAcrossObservedBranches(t *testing.T) {
	_, fn := buildBranchFunction()
	store := profile.NewStore(1.0)
	// buildBranchFunction's only branch (OpJumpIfFalse) at offset 6.
	for i := 0; i < 5; i++ {
		store.RecordBranch(fn.Id, 6, true)
	}
	for i := 0; i < 5; i++ {
		store.RecordBranch(fn.Id, 6, false)
	}
	snap := store.Snapshot(fn.Id)
	require.InDelta(t, 0.5, hotBranchPredictability(fn, snap), 0.01)
}
