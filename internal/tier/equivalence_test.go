package tier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/backend"
	"github.com/aott-dev/aott/internal/bytecode"
)

// TestCrossTierEquivalence exercises §8's P1 universal invariant —
// "for every function F, every tier T, every input I: execute(T0,F,I) =
// execute(T,F,I)" — the way the teacher's own cross-engine test battery
// does it (tests/engine/adhoc_test.go: run the same fixtures through
// every engine and assert equal results), here run across T0-T4 instead
// of across jit/interpreter. T4 is compiled with no profile snapshot, so
// it installs no guards and never deopts mid-comparison; the dedicated
// deopt resume path has its own end-to-end test in t4_test.go.
func TestCrossTierEquivalence(t *testing.T) {
	mod, fn := buildBranchFunction()

	e0 := NewEngine0(mod)
	e1 := NewEngine1(mod, nil, nil)
	e2 := NewEngine2(mod, nil, nil, backend.NewStub())
	e3 := NewEngine3(mod, nil, nil, backend.NewStub())
	e4 := NewEngine4(mod, nil, nil)

	a0, err := e0.Compile(fn)
	require.NoError(t, err)
	a1, err := e1.Compile(fn)
	require.NoError(t, err)
	a2, err := e2.Compile(fn, nil)
	require.NoError(t, err)
	a3, err := e3.Compile(fn, nil)
	require.NoError(t, err)
	a4, err := e4.Compile(fn, nil)
	require.NoError(t, err)

	artifacts := map[bytecode.TierLevel]*struct {
		entry func(args []bytecode.Value) (bytecode.Value, error)
	}{
		bytecode.T0: {func(args []bytecode.Value) (bytecode.Value, error) {
			v, _, err := a0.EntryPoint(args, nil)
			return v, err
		}},
		bytecode.T1: {func(args []bytecode.Value) (bytecode.Value, error) {
			v, _, err := a1.EntryPoint(args, nil)
			return v, err
		}},
		bytecode.T2: {func(args []bytecode.Value) (bytecode.Value, error) {
			v, _, err := a2.EntryPoint(args, nil)
			return v, err
		}},
		bytecode.T3: {func(args []bytecode.Value) (bytecode.Value, error) {
			v, _, err := a3.EntryPoint(args, nil)
			return v, err
		}},
		bytecode.T4: {func(args []bytecode.Value) (bytecode.Value, error) {
			v, gf, err := a4.EntryPoint(args, nil)
			require.Nil(t, gf, "T4 must not speculate with no profile snapshot compiled in")
			return v, err
		}},
	}

	for _, n := range []int64{0, 1, 2, 5, 50} {
		want, err := artifacts[bytecode.T0].entry([]bytecode.Value{bytecode.Int(n)})
		require.NoError(t, err)
		for tier := bytecode.T1; tier <= bytecode.T4; tier++ {
			got, err := artifacts[tier].entry([]bytecode.Value{bytecode.Int(n)})
			require.NoErrorf(t, err, "tier %s, n=%d", tier, n)
			require.Equalf(t, want, got, "tier %s diverged from T0 at n=%d", tier, n)
		}
	}
}
