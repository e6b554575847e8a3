// Package deopt implements the Deoptimization Engine (C8): reconstructing
// a T0 interpreter frame chain from a failed guard's live_state_map and
// resuming execution there (§4.8).
package deopt

import (
	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/guard"
)

// Frame is a reconstructed T0 interpreter frame: one per inlining level
// unwound during a deopt (§4.8 step 5, "the chain of inline frames").
type Frame struct {
	FunctionId bytecode.FunctionId
	PC         uint32
	Locals     map[string]bytecode.Value
	// Operands are values the guard site's own instruction had already
	// popped off the operand stack before the guard check ran (e.g. an
	// arithmetic op's two operands, a conditional branch's condition, a
	// call's callee and arguments). liveMap only covers named locals, so
	// these are restored separately, in their original push order, before
	// resuming at PC (§4.8 step 2 extended to cover transient stack state
	// a Type/Branch/CallTarget guard's own instruction already consumed).
	Operands []bytecode.Value
	Caller   *Frame // the frame that called into this one, nil at the outermost
}

// NativeStateReader is the capability a tier's frozen native state must
// expose so the engine can resolve every Location in a live_state_map
// (§4.8 step 2, "capture the native register file and stack frame
// snapshot"). Tiers populate registry.GuardFailure.NativeState with a
// value satisfying this interface; its concrete shape is owned by
// whichever tier produced the guard.
type NativeStateReader interface {
	ReadRegister(slot uint32) bytecode.Value
	ReadStack(slot uint32) bytecode.Value
	ReadHeap(addr uint32) bytecode.Value
}

// InlineFrame is one level of an inlined call chain to unwind (§4.8 step
// 5): the guard's own live_state_map reconstructs the innermost frame;
// each entry here reconstructs one caller frame outward.
type InlineFrame struct {
	FunctionId bytecode.FunctionId
	// ResumeOffset is the bytecode offset in this (caller) frame from
	// which the inlined callee was originally invoked — the PC the
	// reconstructed frame resumes at once its callee returns (§4.8 step
	// 5, "re-enters `a` at the bytecode offset from which `b` was
	// originally called").
	ResumeOffset uint32
	LiveMap      guard.VariableMap
	State        NativeStateReader
}
