package tier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/backend"
	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/profile"
)

func TestEngine3_DevirtualizableSitesNeedsDispatchSites(t *testing.T) {
	mod, fn := buildBranchFunction()
	store := profile.NewStore(1.0)
	// buildBranchFunction has no Call/CallMethod/GetProperty/SetProperty
	// instructions, so nothing is ever devirtualizable regardless of
	// how stable the (nonexistent) sites would be.
	require.Empty(t, DevirtualizableSites(fn, mod, store.Snapshot(fn.Id)))
	require.Empty(t, DevirtualizableSites(fn, mod, nil))
}

func TestEngine3_DevirtualizesStablePropertySite(t *testing.T) {
	a := &asm{}
	a.op16(bytecode.OpClass, 0)
	a.op8(bytecode.OpNew, 0)
	a.op16(bytecode.OpGetProperty, 1)
	a.op0(bytecode.OpReturn)
	consts := []bytecode.Value{bytecode.StrVal("Point"), bytecode.StrVal("x")}
	fn := bytecode.Function{Id: bytecode.FunctionId{FunctionName: "p"}, Code: a.code(), ConstHi: uint32(len(consts))}
	mod := bytecode.NewModule("m", []bytecode.Function{fn}, consts, nil)

	getPropertyOffset := uint32(5) // after OpClass(3 bytes) + OpNew(2 bytes)
	store := profile.NewStore(1.0)
	for i := 0; i < 20; i++ {
		store.RecordType(fn.Id, getPropertyOffset, bytecode.TagObject)
	}
	snapshot := store.Snapshot(fn.Id)

	sites := DevirtualizableSites(&mod.Functions[0], mod, snapshot)
	require.Equal(t, []uint32{getPropertyOffset}, sites)
}

func TestEngine3_CompileProducesT3ArtifactMatchingT0(t *testing.T) {
	mod, fn := buildBranchFunction()
	e0 := NewEngine0(mod)
	e3 := NewEngine3(mod, nil, nil, backend.NewStub())

	a0, err := e0.Compile(fn)
	require.NoError(t, err)
	art, err := e3.Compile(fn, nil)
	require.NoError(t, err)
	require.Equal(t, bytecode.T3, art.Tier)
	require.NotEmpty(t, art.CodeBytes)

	for _, n := range []int64{1, 5} {
		v0, _, err := a0.EntryPoint([]bytecode.Value{bytecode.Int(n)}, nil)
		require.NoError(t, err)
		v3, _, err := art.EntryPoint([]bytecode.Value{bytecode.Int(n)}, nil)
		require.NoError(t, err)
		require.Equal(t, v0, v3)
	}
}
