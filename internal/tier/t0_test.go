package tier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/deopt"
)

func buildBranchFunction() (*bytecode.Module, *bytecode.Function) {
	a := &asm{}
	a.op16(bytecode.OpLoadLocal, 0)
	a.op8(bytecode.OpLoadConst8, 0) // constant 2
	a.op0(bytecode.OpLt)
	jmpPos := a.op16(bytecode.OpJumpIfFalse, 0)
	a.op16(bytecode.OpLoadLocal, 0)
	a.op0(bytecode.OpReturn)
	elseLabel := a.off()
	a.op16(bytecode.OpLoadLocal, 0)
	a.op8(bytecode.OpLoadConst8, 1) // constant 100
	a.op0(bytecode.OpAdd)
	a.op0(bytecode.OpReturn)
	a.patchDisplacement(jmpPos, elseLabel)

	constants := []bytecode.Value{bytecode.Int(2), bytecode.Int(100)}
	fn := bytecode.Function{
		Id:         bytecode.FunctionId{FunctionName: "g"},
		Parameters: []string{"n"},
		Code:       a.code(),
		ConstLo:    0,
		ConstHi:    uint32(len(constants)),
	}
	mod := bytecode.NewModule("m", []bytecode.Function{fn}, constants, nil)
	return mod, &mod.Functions[0]
}

func TestEngine0_BranchAndArithmetic(t *testing.T) {
	mod, fn := buildBranchFunction()
	e := NewEngine0(mod)
	artifact, err := e.Compile(fn)
	require.NoError(t, err)

	v, gf, err := artifact.EntryPoint([]bytecode.Value{bytecode.Int(1)}, nil)
	require.NoError(t, err)
	require.Nil(t, gf)
	require.Equal(t, bytecode.Int(1), v)

	v, gf, err = artifact.EntryPoint([]bytecode.Value{bytecode.Int(5)}, nil)
	require.NoError(t, err)
	require.Nil(t, gf)
	require.Equal(t, bytecode.Int(105), v)
}

func TestEngine0_ThrowCaughtByHandler(t *testing.T) {
	a := &asm{}
	// OpCatch's operand is a constant-pool index holding the handler's
	// absolute bytecode offset, computed once we know where it starts.
	a.op16(bytecode.OpCatch, 0) // constant 0, filled in below
	a.op8(bytecode.OpLoadConst8, 1)
	a.op0(bytecode.OpThrow)
	handlerLabel := a.off()
	a.op0(bytecode.OpReturn) // returns whatever Throw pushed onto the stack (7)

	constants := []bytecode.Value{bytecode.Int(int64(handlerLabel)), bytecode.Int(7)}
	fn := bytecode.Function{
		Id:      bytecode.FunctionId{FunctionName: "h"},
		Code:    a.code(),
		ConstLo: 0,
		ConstHi: uint32(len(constants)),
	}
	mod := bytecode.NewModule("m", []bytecode.Function{fn}, constants, nil)
	e := NewEngine0(mod)
	artifact, err := e.Compile(&mod.Functions[0])
	require.NoError(t, err)

	v, gf, err := artifact.EntryPoint(nil, nil)
	require.NoError(t, err)
	require.Nil(t, gf)
	require.Equal(t, bytecode.Int(7), v)
}

func TestEngine0_UncaughtThrowSurfacesAsError(t *testing.T) {
	a := &asm{}
	a.op8(bytecode.OpLoadConst8, 0)
	a.op0(bytecode.OpThrow)
	constants := []bytecode.Value{bytecode.StrVal("boom")}
	fn := bytecode.Function{Id: bytecode.FunctionId{FunctionName: "h"}, Code: a.code(), ConstHi: uint32(len(constants))}
	mod := bytecode.NewModule("m", []bytecode.Function{fn}, constants, nil)
	e := NewEngine0(mod)
	artifact, err := e.Compile(&mod.Functions[0])
	require.NoError(t, err)

	_, _, err = artifact.EntryPoint(nil, nil)
	require.Error(t, err)
	var target *ErrUnhandledException
	require.ErrorAs(t, err, &target)
	require.Equal(t, bytecode.StrVal("boom"), target.Thrown)
}

func TestEngine0_MakeAggregates(t *testing.T) {
	a := &asm{}
	a.op8(bytecode.OpLoadConst8, 0)
	a.op8(bytecode.OpLoadConst8, 1)
	a.op16(bytecode.OpMakeList, 2)
	a.op0(bytecode.OpReturn)
	constants := []bytecode.Value{bytecode.Int(1), bytecode.Int(2)}
	fn := bytecode.Function{Id: bytecode.FunctionId{FunctionName: "l"}, Code: a.code(), ConstHi: uint32(len(constants))}
	mod := bytecode.NewModule("m", []bytecode.Function{fn}, constants, nil)
	e := NewEngine0(mod)
	artifact, err := e.Compile(&mod.Functions[0])
	require.NoError(t, err)

	v, _, err := artifact.EntryPoint(nil, nil)
	require.NoError(t, err)
	require.Equal(t, bytecode.TagList, v.Tag)
	require.Equal(t, []bytecode.Value{bytecode.Int(1), bytecode.Int(2)}, v.List)
}

func TestEngine0_ClassNewGetSetProperty(t *testing.T) {
	a := &asm{}
	a.op16(bytecode.OpClass, 0)       // push class descriptor, constant 0 = "Point"
	a.op8(bytecode.OpNew, 0)          // pop class, push a fresh instance
	a.op16(bytecode.OpStoreLocal, 0)  // locals[0] = instance
	a.op16(bytecode.OpLoadLocal, 0)   // push instance
	a.op16(bytecode.OpLoadConst16, 2) // push 42 (value to set)
	a.op16(bytecode.OpSetProperty, 1) // constant 1 = "x"; pops value, obj; pushes obj back
	a.op16(bytecode.OpGetProperty, 1) // pop obj, push obj.Fields["x"]
	a.op0(bytecode.OpReturn)

	consts := []bytecode.Value{bytecode.StrVal("Point"), bytecode.StrVal("x"), bytecode.Int(42)}
	fn := bytecode.Function{Id: bytecode.FunctionId{FunctionName: "p"}, Code: a.code(), ConstHi: uint32(len(consts))}
	mod := bytecode.NewModule("m", []bytecode.Function{fn}, consts, nil)
	e := NewEngine0(mod)
	artifact, err := e.Compile(&mod.Functions[0])
	require.NoError(t, err)

	v, _, err := artifact.EntryPoint(nil, nil)
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(42), v)
}

func TestEngine0_ResumeReentersMidFunctionFromLiveLocals(t *testing.T) {
	mod, fn := buildBranchFunction()
	e := NewEngine0(mod)

	// elseLabel: OpLoadLocal(0..2) OpLoadConst8(3..4) OpLt(5) OpJumpIfFalse(6..8)
	// OpLoadLocal(9..11) OpReturn(12) -> else branch starts at offset 13,
	// which puts OpAdd at offset 18, the type-profile offset t4_test.go uses.
	top := &deopt.Frame{FunctionId: fn.Id, PC: 13, Locals: map[string]bytecode.Value{"n": bytecode.Int(5)}}

	v, err := e.Resume(top, nil)
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(105), v)
}

func TestEngine0_ResumeFeedsReturnValueToCallerFrame(t *testing.T) {
	mod, fn := buildBranchFunction()
	outerAsm := &asm{}
	outerAsm.op0(bytecode.OpReturn) // returns whatever Resume pushes as the call's result
	outerFn := bytecode.Function{Id: bytecode.FunctionId{FunctionName: "outer"}, Code: outerAsm.code()}
	mod.Functions = append(mod.Functions, outerFn)
	e := NewEngine0(mod)

	top := &deopt.Frame{
		FunctionId: fn.Id,
		PC:         13,
		Locals:     map[string]bytecode.Value{"n": bytecode.Int(5)},
		Caller:     &deopt.Frame{FunctionId: outerFn.Id, PC: 0},
	}

	v, err := e.Resume(top, nil)
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(105), v)
}
