package tier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/guard"
)

func TestEngine1_ConstantFoldingProducesSameResultAsT0(t *testing.T) {
	mod, fn := buildBranchFunction()
	e0 := NewEngine0(mod)
	e1 := NewEngine1(mod, nil, nil)

	a0, err := e0.Compile(fn)
	require.NoError(t, err)
	a1, err := e1.Compile(fn)
	require.NoError(t, err)

	for _, n := range []int64{1, 5, 20} {
		v0, _, err := a0.EntryPoint([]bytecode.Value{bytecode.Int(n)}, nil)
		require.NoError(t, err)
		v1, _, err := a1.EntryPoint([]bytecode.Value{bytecode.Int(n)}, nil)
		require.NoError(t, err)
		require.Equal(t, v0, v1)
	}
}

func TestFoldConstants_CollapsesAdjacentLoadConstAdd(t *testing.T) {
	a := &asm{}
	a.op8(bytecode.OpLoadConst8, 0) // 2
	a.op8(bytecode.OpLoadConst8, 1) // 3
	a.op0(bytecode.OpAdd)
	a.op0(bytecode.OpReturn)
	constants := []bytecode.Value{bytecode.Int(2), bytecode.Int(3)}
	fn := bytecode.Function{Id: bytecode.FunctionId{FunctionName: "f"}, Code: a.code(), ConstHi: uint32(len(constants))}
	mod := bytecode.NewModule("m", []bytecode.Function{fn}, constants, nil)

	rewritten, newConsts := foldConstants(mod.Functions[0], mod)
	require.Greater(t, len(newConsts), len(constants), "folding should append a computed constant")

	e := NewEngine1(mod, nil, nil)
	artifact, err := e.Compile(&mod.Functions[0])
	require.NoError(t, err)
	v, _, err := artifact.EntryPoint(nil, nil)
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(5), v)

	// The rewritten code is the same length as the original (Nop-padded).
	require.Len(t, rewritten.Code, len(fn.Code))
}

func TestFoldConstants_SkipsWindowWithIncomingJumpTarget(t *testing.T) {
	a := &asm{}
	jmpPos := a.op16(bytecode.OpJump, 0)
	a.op8(bytecode.OpLoadConst8, 0) // a jump lands exactly at the 2nd instr of the fold window
	a.op8(bytecode.OpLoadConst8, 1)
	a.op0(bytecode.OpAdd)
	a.op0(bytecode.OpReturn)
	// patch jump to land on the second LoadConst8 (mid fold-window)
	secondLoadOffset := uint32(5) // after OpJump(3 bytes) + LoadConst8(2 bytes)
	a.patchDisplacement(jmpPos, secondLoadOffset)

	constants := []bytecode.Value{bytecode.Int(10), bytecode.Int(20)}
	fn := bytecode.Function{Id: bytecode.FunctionId{FunctionName: "j"}, Code: a.code(), ConstHi: uint32(len(constants))}
	mod := bytecode.NewModule("m", []bytecode.Function{fn}, constants, nil)

	rewritten, _ := foldConstants(mod.Functions[0], mod)
	require.Equal(t, fn.Code, rewritten.Code, "a jump landing mid-window must block folding")
}

func TestICTable_ObserveTransitionsMonoToPolyToMega(t *testing.T) {
	ics := newICTable()
	site := ics.at(42)
	require.Equal(t, guard.Uninit, site.State())

	site.Observe(guard.Observation(1))
	require.Equal(t, guard.Monomorphic, site.State())

	site.Observe(guard.Observation(2))
	require.Equal(t, guard.Polymorphic, site.State())

	site.Observe(guard.Observation(3))
	site.Observe(guard.Observation(4))
	site.Observe(guard.Observation(5))
	require.Equal(t, guard.Megamorphic, site.State())
}

func TestEngine1_CallSiteICObservesClosureFunctionIndex(t *testing.T) {
	// callee(x) = x, called once via a Closure value loaded from a
	// constant; exercises the Call IC path's Closure.FunctionIndex
	// observation without needing a Dispatcher.
	calleeAsm := &asm{}
	calleeAsm.op16(bytecode.OpLoadLocal, 0)
	calleeAsm.op0(bytecode.OpReturn)
	callee := bytecode.Function{Id: bytecode.FunctionId{FunctionName: "id"}, Parameters: []string{"x"}, Code: calleeAsm.code()}

	callerAsm := &asm{}
	callerAsm.op16(bytecode.OpLoadConst16, 0) // push Closure value for "id"
	callerAsm.op16(bytecode.OpLoadLocal, 0)   // push arg
	callerAsm.op8(bytecode.OpCall, 1)
	callerAsm.op0(bytecode.OpReturn)
	closureVal := bytecode.Value{Tag: bytecode.TagClosure, Closure: &bytecode.Closure{FunctionIndex: 0}}
	constants := []bytecode.Value{closureVal}
	caller := bytecode.Function{Id: bytecode.FunctionId{FunctionName: "caller"}, Parameters: []string{"x"}, Code: callerAsm.code(), ConstHi: uint32(len(constants))}

	mod := bytecode.NewModule("m", []bytecode.Function{callee, caller}, constants, nil)
	e := NewEngine1(mod, nil, nil)
	artifact, err := e.Compile(&mod.Functions[1])
	require.NoError(t, err)

	v, _, err := artifact.EntryPoint([]bytecode.Value{bytecode.Int(7)}, nil)
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(7), v)
}
