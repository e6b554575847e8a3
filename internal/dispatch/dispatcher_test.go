package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/backend"
	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/cache"
	"github.com/aott-dev/aott/internal/tier"
)

func addOneModule() (*bytecode.Module, *bytecode.Function) {
	a := &asm{}
	a.op16(bytecode.OpLoadLocal, 0)
	a.op8(bytecode.OpLoadConst8, 0) // constant 1
	a.op0(bytecode.OpAdd)
	a.op0(bytecode.OpReturn)
	constants := []bytecode.Value{bytecode.Int(1)}
	fn := bytecode.Function{
		Id:         bytecode.FunctionId{ModuleName: "m", FunctionName: "addone"},
		Parameters: []string{"n"},
		Code:       a.code(),
		ConstHi:    uint32(len(constants)),
	}
	mod := bytecode.NewModule("m", []bytecode.Function{fn}, constants, nil)
	return mod, &mod.Functions[0]
}

func newTestDispatcher(t *testing.T, mod *bytecode.Module, th tier.PromotionThresholds) *Dispatcher {
	t.Helper()
	d, err := New(Config{
		Module:       mod,
		Backend:      backend.NewStub(),
		Cache:        cache.DefaultConfig(),
		Thresholds:   th,
		TargetTriple: "test",
		Logger:       log.Logger,
	})
	require.NoError(t, err)
	return d
}

func TestDispatcher_InvokeInstallsFreshT0OnFirstCall(t *testing.T) {
	mod, fn := addOneModule()
	d := newTestDispatcher(t, mod, tier.DefaultPromotionThresholds())

	v, err := d.Invoke(context.Background(), "addone", []bytecode.Value{bytecode.Int(4)})
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(5), v)

	tierLevel, ok := d.reg.CurrentTier(fn.Id)
	require.True(t, ok)
	require.Equal(t, bytecode.T0, tierLevel)
}

func TestDispatcher_NestedCallReentersDispatcherNotTheCallersTier(t *testing.T) {
	// outer(n) = addone(n) via OpCall, exercising VMContext.Call re-entry.
	callee := &asm{}
	callee.op16(bytecode.OpLoadLocal, 0)
	callee.op8(bytecode.OpLoadConst8, 0)
	callee.op0(bytecode.OpAdd)
	callee.op0(bytecode.OpReturn)
	calleeConsts := []bytecode.Value{bytecode.Int(1)}
	calleeFn := bytecode.Function{
		Id:         bytecode.FunctionId{ModuleName: "m", FunctionName: "addone"},
		Parameters: []string{"n"},
		Code:       callee.code(),
		ConstHi:    uint32(len(calleeConsts)),
	}

	outer := &asm{}
	outer.op8(bytecode.OpLoadConst8, 0) // closure constant for addone, pushed before its args
	outer.op16(bytecode.OpLoadLocal, 0)
	outer.op8(bytecode.OpCall, 1)
	outer.op0(bytecode.OpReturn)
	// calleeFn sits at index 1 in mod.Functions (outerFn is index 0).
	outerConsts := []bytecode.Value{{Tag: bytecode.TagClosure, Closure: &bytecode.Closure{FunctionIndex: 1}}}
	outerFn := bytecode.Function{
		Id:         bytecode.FunctionId{ModuleName: "m", FunctionName: "outer"},
		Parameters: []string{"n"},
		Code:       outer.code(),
		ConstLo:    0,
		ConstHi:    uint32(len(outerConsts)),
	}

	// Two independent constant pools, laid out back-to-back the way
	// NewModule expects per-function ConstLo/ConstHi ranges.
	allConsts := append(append([]bytecode.Value{}, outerConsts...), calleeConsts...)
	outerFn.ConstLo, outerFn.ConstHi = 0, uint32(len(outerConsts))
	calleeFn.ConstLo, calleeFn.ConstHi = uint32(len(outerConsts)), uint32(len(allConsts))
	mod := bytecode.NewModule("m", []bytecode.Function{outerFn, calleeFn}, allConsts, nil)

	d := newTestDispatcher(t, mod, tier.DefaultPromotionThresholds())
	v, err := d.Invoke(context.Background(), "outer", []bytecode.Value{bytecode.Int(4)})
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(5), v)
}

func TestDispatcher_PromoterClimbsLadderAsCallCountAndStabilityCross(t *testing.T) {
	mod, fn := addOneModule()
	th := tier.PromotionThresholds{
		T0T1: 1, T1T2: 2, T2T3: 3, T3T4: 4,
		TypeStabilityMin:   0.90,
		BranchStabilityMin: 0.85,
		DeoptRateCeiling:   0.20,
	}
	d := newTestDispatcher(t, mod, th)

	for i := uint64(0); i < th.T3T4; i++ {
		d.profiles.RecordCall(fn.Id, time.Microsecond)
		d.profiles.RecordType(fn.Id, 5, bytecode.TagInteger) // the Add's own offset: LoadLocal(3) + LoadConst8(2)
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, d.promoter.Consider(fn.Id))
	}

	tierLevel, ok := d.reg.CurrentTier(fn.Id)
	require.True(t, ok)
	require.Equal(t, bytecode.T4, tierLevel)
}

func TestDispatcher_HotSwapInvalidatesChangedFunctionAndInstallsFreshBehavior(t *testing.T) {
	mod, fn := addOneModule()
	d := newTestDispatcher(t, mod, tier.DefaultPromotionThresholds())

	v, err := d.Invoke(context.Background(), "addone", []bytecode.Value{bytecode.Int(4)})
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(5), v)

	// Replace addone's body with one that adds 2 instead of 1: same
	// (name, signature_hash) and same instructions, but a different
	// constant, so ChangedSymbols flags it for invalidation.
	a2 := &asm{}
	a2.op16(bytecode.OpLoadLocal, 0)
	a2.op8(bytecode.OpLoadConst8, 0)
	a2.op0(bytecode.OpAdd)
	a2.op0(bytecode.OpReturn)
	newConsts := []bytecode.Value{bytecode.Int(2)}
	newFn := bytecode.Function{Id: fn.Id, Parameters: []string{"n"}, Code: a2.code(), ConstHi: uint32(len(newConsts))}
	newMod := bytecode.NewModule("m", []bytecode.Function{newFn}, newConsts, nil)

	report, err := d.HotSwap(newMod)
	require.NoError(t, err)
	require.Contains(t, report.Invalidated, fn.Id)
	require.True(t, report.DrainDeadline.After(time.Now()))

	v, err = d.Invoke(context.Background(), "addone", []bytecode.Value{bytecode.Int(4)})
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(6), v)
}

func TestDispatcher_StatsReportsInstalledTierAndCacheHitRate(t *testing.T) {
	mod, fn := addOneModule()
	d := newTestDispatcher(t, mod, tier.DefaultPromotionThresholds())
	_, err := d.Invoke(context.Background(), "addone", []bytecode.Value{bytecode.Int(1)})
	require.NoError(t, err)

	stats := d.Stats()
	require.Equal(t, 1, stats.TierDistribution[bytecode.T0])
	require.GreaterOrEqual(t, stats.CacheHitRate, 0.0)
	_ = fn
}
