package deopt

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/guard"
	"github.com/aott-dev/aott/internal/registry"
)

type fakeState struct {
	registers map[uint32]bytecode.Value
	stack     map[uint32]bytecode.Value
	heap      map[uint32]bytecode.Value
}

func (f fakeState) ReadRegister(slot uint32) bytecode.Value { return f.registers[slot] }
func (f fakeState) ReadStack(slot uint32) bytecode.Value     { return f.stack[slot] }
func (f fakeState) ReadHeap(addr uint32) bytecode.Value      { return f.heap[addr] }

func TestReconstructFrame_ResolvesEveryLocationKind(t *testing.T) {
	state := fakeState{
		registers: map[uint32]bytecode.Value{0: bytecode.Int(7)},
		stack:     map[uint32]bytecode.Value{1: bytecode.StrVal("s")},
		heap:      map[uint32]bytecode.Value{2: bytecode.Bool(true)},
	}
	liveMap := guard.VariableMap{
		"reg":   {Kind: guard.LocRegister, Slot: 0},
		"stack": {Kind: guard.LocStackSlot, Slot: 1},
		"heap":  {Kind: guard.LocHeap, Slot: 2},
		"const": {Kind: guard.LocConstant, Constant: bytecode.Int(42)},
	}
	id := bytecode.FunctionId{FunctionName: "f"}
	frame, err := ReconstructFrame(id, 10, liveMap, state, nil)
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(7), frame.Locals["reg"])
	require.Equal(t, bytecode.StrVal("s"), frame.Locals["stack"])
	require.Equal(t, bytecode.Bool(true), frame.Locals["heap"])
	require.Equal(t, bytecode.Int(42), frame.Locals["const"])
}

func TestReconstructFrame_RematerializeDepth16(t *testing.T) {
	state := fakeState{registers: map[uint32]bytecode.Value{0: bytecode.Int(1)}}
	leaf := &guard.RematExpr{Leaf: &guard.Location{Kind: guard.LocRegister, Slot: 0}}
	expr := leaf
	for i := 0; i < 15; i++ {
		expr = &guard.RematExpr{Op: guard.RematAdd, Children: []*guard.RematExpr{expr, leaf}}
	}
	require.Equal(t, 16, expr.Depth())

	liveMap := guard.VariableMap{"v": {Kind: guard.LocRematerialize, Remat: expr}}
	frame, err := ReconstructFrame(bytecode.FunctionId{FunctionName: "f"}, 0, liveMap, state, nil)
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(16), frame.Locals["v"]) // 1 + 1*15
}

func TestReconstructChain_WiresCallerFramesOutward(t *testing.T) {
	state := fakeState{registers: map[uint32]bytecode.Value{0: bytecode.Int(1)}}
	innerId := bytecode.FunctionId{FunctionName: "c"}
	bId := bytecode.FunctionId{FunctionName: "b"}
	aId := bytecode.FunctionId{FunctionName: "a"}

	top, err := ReconstructChain(innerId, 5, guard.VariableMap{"x": {Kind: guard.LocRegister, Slot: 0}}, state, nil,
		[]InlineFrame{
			{FunctionId: bId, ResumeOffset: 20, LiveMap: guard.VariableMap{"y": {Kind: guard.LocRegister, Slot: 0}}, State: state},
			{FunctionId: aId, ResumeOffset: 30, LiveMap: guard.VariableMap{"z": {Kind: guard.LocRegister, Slot: 0}}, State: state},
		},
	)
	require.NoError(t, err)
	require.Equal(t, innerId, top.FunctionId)
	require.Equal(t, bId, top.Caller.FunctionId)
	require.Equal(t, uint32(20), top.Caller.PC)
	require.Equal(t, aId, top.Caller.Caller.FunctionId)
	require.Nil(t, top.Caller.Caller.Caller)
}

func TestEngine_HandleGuardFailure_SwapsToT0AndEnqueuesRecompile(t *testing.T) {
	reg := registry.New()
	fid := bytecode.FunctionId{FunctionName: "f"}
	t0Entry := &registry.Entry{Artifact: &registry.Artifact{Tier: bytecode.T0, FunctionId: fid}}

	meta := &guard.Metadata{
		GuardId: 1,
		Site:    guard.Site_{Function: fid, Offset: 7},
		Kind:    guard.KindType,
		LiveMap: guard.VariableMap{"x": {Kind: guard.LocConstant, Constant: bytecode.Int(9)}},
	}
	artifact := &registry.Artifact{Tier: bytecode.T4, FunctionId: fid, Guards: []*guard.Metadata{meta}}
	reg.InstallIfAbsent(fid, &registry.Entry{Artifact: artifact})

	var recompiledTo bytecode.TierLevel
	var recompiledId bytecode.FunctionId
	eng := New(Config{
		Registry:   reg,
		T0Provider: func(id bytecode.FunctionId) *registry.Entry { return t0Entry },
		Recompile: func(id bytecode.FunctionId, target bytecode.TierLevel) {
			recompiledId, recompiledTo = id, target
		},
		Logger: zerolog.Nop(),
	})

	failure := &registry.GuardFailure{GuardId: 1, NativeState: fakeState{}}
	result, err := eng.HandleGuardFailure(context.Background(), artifact, failure, nil)
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(9), result.Top.Locals["x"])
	require.Equal(t, bytecode.T0, result.Tier)

	require.Same(t, t0Entry, reg.Get(fid))
	require.Equal(t, fid, recompiledId)
	require.Equal(t, bytecode.T3, recompiledTo)
	require.Equal(t, uint64(1), meta.FailureCount())
}

func TestEngine_HandleGuardFailure_UnknownGuardIsFatal(t *testing.T) {
	eng := New(Config{Logger: zerolog.Nop()})
	artifact := &registry.Artifact{FunctionId: bytecode.FunctionId{FunctionName: "f"}}
	_, err := eng.HandleGuardFailure(context.Background(), artifact, &registry.GuardFailure{GuardId: 99}, nil)
	require.ErrorIs(t, err, ErrFatal)
}
