package tier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/backend"
	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/profile"
)

func TestEngine2_ExercisesBackendAndMatchesT0(t *testing.T) {
	mod, fn := buildBranchFunction()
	e0 := NewEngine0(mod)
	e2 := NewEngine2(mod, nil, nil, backend.NewStub())

	a0, err := e0.Compile(fn)
	require.NoError(t, err)
	a2, err := e2.Compile(fn, nil)
	require.NoError(t, err)
	require.Equal(t, bytecode.T2, a2.Tier)
	require.NotEmpty(t, a2.CodeBytes)

	for _, n := range []int64{1, 5} {
		v0, _, err := a0.EntryPoint([]bytecode.Value{bytecode.Int(n)}, nil)
		require.NoError(t, err)
		v2, _, err := a2.EntryPoint([]bytecode.Value{bytecode.Int(n)}, nil)
		require.NoError(t, err)
		require.Equal(t, v0, v2)
	}
}

func TestEngine2_IRCarriesProfileHints(t *testing.T) {
	mod, fn := buildBranchFunction()
	store := profile.NewStore(1.0)
	store.RecordType(fn.Id, 5, bytecode.TagInteger)
	snapshot := store.Snapshot(fn.Id)

	ir := buildIR(fn, mod, snapshot)
	require.Contains(t, ir.hints, "type_stability")
}
