package tier

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/deopt"
	"github.com/aott-dev/aott/internal/registry"
)

// Engine0 is the T0 interpreter (§4.6 "zero-cost startup"). It is the
// canonical semantics and the reconstruction target for deoptimization:
// every opcode must execute faithfully here, with no optimization, since
// every higher tier's correctness is defined relative to this one (§8
// P1).
type Engine0 struct {
	mod     *bytecode.Module
	classes *classRegistry

	mu      sync.RWMutex
	globals map[string]bytecode.Value
}

// NewEngine0 builds a T0 engine bound to one loaded Module. Classes and
// DefineFunction globals are Module-wide state, so one Engine0 (and the
// classRegistry/globals it owns) is shared by every Function compiled
// from the same Module.
func NewEngine0(mod *bytecode.Module) *Engine0 {
	return &Engine0{mod: mod, classes: newClassRegistry(), globals: make(map[string]bytecode.Value)}
}

// Compile produces a T0 CompiledArtifact for fn: an EntryFunc that
// interprets fn's bytecode directly (§4.6 "compile(Function, Module,
// ProfileSnapshot?) -> CompiledArtifact"). T0 never takes a profile
// snapshot and never emits guards.
func (e *Engine0) Compile(fn *bytecode.Function) (*registry.Artifact, error) {
	entry := func(args []bytecode.Value, vmctx *registry.VMContext) (bytecode.Value, *registry.GuardFailure, error) {
		v, err := e.Execute(ctxFor(vmctx), fn, args, vmctx)
		return v, nil, err
	}
	return &registry.Artifact{
		Tier:       bytecode.T0,
		FunctionId: fn.Id,
		EntryPoint: entry,
		SourceHash: e.mod.SourceHash(),
	}, nil
}

// Execute interprets fn's bytecode from entry, the operation §4.6 names
// `execute(artifact, args, ctx) -> Value | GuardFailure` for T0 (which
// never produces a GuardFailure, only a Value or error).
func (e *Engine0) Execute(ctx context.Context, fn *bytecode.Function, args []bytecode.Value, vmctx *registry.VMContext) (bytecode.Value, error) {
	frame := newExecFrame(fn, e.mod, args, nil)
	return e.run(ctx, frame, vmctx)
}

// Resume re-enters the T0 interpreter from a reconstructed deopt frame
// chain (§4.8 step 7, "jump to the T0 interpreter with the reconstructed
// frame"): the innermost frame continues from its PC with locals
// restored from its live_state_map, and once it returns, that value is
// fed to its caller's operand stack exactly as an ordinary OpCall return
// would be, before that caller in turn resumes from its own PC. This
// walks outward until the outermost frame returns.
func (e *Engine0) Resume(top *deopt.Frame, vmctx *registry.VMContext) (bytecode.Value, error) {
	ctx := ctxFor(vmctx)
	v, err := e.resumeOne(ctx, top, nil, vmctx)
	for err == nil && top.Caller != nil {
		top = top.Caller
		v, err = e.resumeOne(ctx, top, &v, vmctx)
	}
	return v, err
}

// resumeOne resumes a single reconstructed frame, restoring any pending
// operand-stack values the guard site's own instruction had already
// popped (f.Operands, in their original push order), then pushing
// inbound (the callee's return value, if this frame just regained
// control from one) on top, before continuing (§4.8 step 7).
func (e *Engine0) resumeOne(ctx context.Context, f *deopt.Frame, inbound *bytecode.Value, vmctx *registry.VMContext) (bytecode.Value, error) {
	fn, ok := e.mod.FunctionByName(f.FunctionId.FunctionName)
	if !ok {
		return bytecode.Value{}, errors.Errorf("tier: resume target %s not found in module", f.FunctionId)
	}
	frame := newExecFrame(fn, e.mod, nil, nil)
	for name, v := range f.Locals {
		for i, param := range fn.Parameters {
			if param == name {
				frame.setLocal(uint16(i), v)
				break
			}
		}
	}
	for _, v := range f.Operands {
		frame.push(v)
	}
	if inbound != nil {
		frame.push(*inbound)
	}
	cursor := bytecode.NewCursor(fn2code(fn))
	cursor.Seek(f.PC)
	return e.runFrom(ctx, cursor, frame, vmctx)
}

func (e *Engine0) run(ctx context.Context, frame *execFrame, vmctx *registry.VMContext) (bytecode.Value, error) {
	return e.runFrom(ctx, bytecode.NewCursor(fn2code(frame.fn)), frame, vmctx)
}

// runFrom drives the interpreter loop from a caller-supplied cursor,
// letting Resume re-enter a function mid-bytecode instead of always
// starting at offset 0 (§4.8 step 7). ctx is polled once at entry and
// again at every IsPollPoint() instruction, per §5's "Loop opcode and
// function prologue are the polling points"; a tripped deadline unwinds
// as a plain error, never a GuardFailure, since resume is skipped.
func (e *Engine0) runFrom(ctx context.Context, cursor *bytecode.Cursor, frame *execFrame, vmctx *registry.VMContext) (bytecode.Value, error) {
	if err := checkPoll(ctx); err != nil {
		return bytecode.Value{}, err
	}
	for !cursor.Done() {
		in, err := cursor.Next()
		if err != nil {
			return bytecode.Value{}, errors.Wrapf(err, "tier: decoding %s at offset %d", frame.fn.Id, in.Offset)
		}
		if in.Op.IsPollPoint() {
			if err := checkPoll(ctx); err != nil {
				return bytecode.Value{}, err
			}
		}
		result, jumped, ret, retErr := e.step(in, cursor, frame, vmctx)
		if retErr != nil {
			if ex, ok := retErr.(*thrown); ok {
				handled, err := e.handleThrow(frame, cursor, ex.value)
				if err != nil {
					return bytecode.Value{}, err
				}
				if handled {
					continue
				}
				return bytecode.Value{}, &ErrUnhandledException{Thrown: ex.value}
			}
			return bytecode.Value{}, retErr
		}
		if ret {
			return result, nil
		}
		if jumped {
			continue
		}
	}
	return bytecode.Null, nil
}

// thrown is an internal sentinel carrying a bytecode Throw's payload up
// to the nearest handler (§9 "non-local returns walking the interpreter
// stack").
type thrown struct{ value bytecode.Value }

func (t *thrown) Error() string { return "tier: thrown " + t.value.String() }

func (e *Engine0) handleThrow(frame *execFrame, cursor *bytecode.Cursor, v bytecode.Value) (bool, error) {
	n := len(frame.handlers)
	if n == 0 {
		return false, nil
	}
	h := frame.handlers[n-1]
	frame.handlers = frame.handlers[:n-1]
	cursor.Seek(h.target)
	frame.push(v)
	return true, nil
}

// step executes one instruction. It returns (value, jumped, isReturn,
// err); exactly one of jumped/isReturn/err-non-nil is meaningful when no
// error occurred.
func (e *Engine0) step(in bytecode.Instruction, cursor *bytecode.Cursor, frame *execFrame, vmctx *registry.VMContext) (bytecode.Value, bool, bool, error) {
	switch in.Op {
	case bytecode.OpNop:
		return bytecode.Value{}, false, false, nil

	case bytecode.OpLoadLocal:
		v, err := frame.local(in.Operand16())
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil

	case bytecode.OpStoreLocal:
		v, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		return bytecode.Value{}, false, false, frame.setLocal(in.Operand16(), v)

	case bytecode.OpLoadUpvalue:
		idx := in.Operand16()
		if int(idx) >= len(frame.upvalues) || frame.upvalues[idx] == nil {
			return bytecode.Value{}, false, false, errors.Errorf("tier: upvalue %d out of range", idx)
		}
		frame.push(*frame.upvalues[idx])
		return bytecode.Value{}, false, false, nil

	case bytecode.OpStoreUpvalue:
		idx := in.Operand16()
		v, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if int(idx) >= len(frame.upvalues) || frame.upvalues[idx] == nil {
			return bytecode.Value{}, false, false, errors.Errorf("tier: upvalue %d out of range", idx)
		}
		*frame.upvalues[idx] = v
		return bytecode.Value{}, false, false, nil

	case bytecode.OpLoadConst8:
		v, err := frame.constant(uint32(in.Operand8()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil

	case bytecode.OpLoadConst16:
		v, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
		bytecode.OpEq, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		b, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		a, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if vmctx != nil && vmctx.OnType != nil {
			vmctx.OnType(in.Offset, a.Tag)
		}
		v, err := arith(in.Op, a, b)
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil

	case bytecode.OpNeg:
		a, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if a.Tag == bytecode.TagFloat {
			frame.push(bytecode.Flt(-a.Float))
		} else {
			frame.push(bytecode.Int(-a.Integer))
		}
		return bytecode.Value{}, false, false, nil

	case bytecode.OpNot:
		a, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		frame.push(bytecode.Bool(!truthy(a)))
		return bytecode.Value{}, false, false, nil

	case bytecode.OpAnd, bytecode.OpOr:
		b, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		a, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if in.Op == bytecode.OpAnd {
			frame.push(bytecode.Bool(truthy(a) && truthy(b)))
		} else {
			frame.push(bytecode.Bool(truthy(a) || truthy(b)))
		}
		return bytecode.Value{}, false, false, nil

	case bytecode.OpJump:
		target := uint32(int64(in.NextOffset()) + int64(in.SignedDisplacement()))
		if vmctx != nil && vmctx.OnBranch != nil {
			vmctx.OnBranch(in.Offset, true)
		}
		cursor.Seek(target)
		return bytecode.Value{}, true, false, nil

	case bytecode.OpJumpIfTrue, bytecode.OpJumpIfFalse:
		cond, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		take := truthy(cond) == (in.Op == bytecode.OpJumpIfTrue)
		if vmctx != nil && vmctx.OnBranch != nil {
			vmctx.OnBranch(in.Offset, take)
		}
		if take {
			target := uint32(int64(in.NextOffset()) + int64(in.SignedDisplacement()))
			cursor.Seek(target)
			return bytecode.Value{}, true, false, nil
		}
		return bytecode.Value{}, false, false, nil

	case bytecode.OpLoop:
		target := uint32(int64(in.NextOffset()) + int64(in.SignedDisplacement()))
		if vmctx != nil && vmctx.OnBranch != nil {
			vmctx.OnBranch(in.Offset, true)
		}
		cursor.Seek(target)
		return bytecode.Value{}, true, false, nil

	case bytecode.OpCall, bytecode.OpCallMethod:
		args, err := frame.popN(int(in.Operand8()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		callee, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		v, err := e.invoke(frame, callee, args, vmctx)
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil

	case bytecode.OpCallNative:
		args, err := frame.popN(int(in.Operand8()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		callee, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if callee.Tag != bytecode.TagNativeFunction || callee.Native == nil {
			return bytecode.Value{}, false, false, errors.Errorf("tier: call_native target is not a NativeFunction (tag %s)", callee.Tag)
		}
		v, err := callee.Native(args)
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil

	case bytecode.OpReturn:
		v, err := frame.pop()
		if err != nil {
			v = bytecode.Null
		}
		return v, false, true, nil

	case bytecode.OpMakeList:
		vs, err := frame.popN(int(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		frame.push(bytecode.Value{Tag: bytecode.TagList, List: vs})
		return bytecode.Value{}, false, false, nil

	case bytecode.OpMakeTuple:
		vs, err := frame.popN(int(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		frame.push(bytecode.Value{Tag: bytecode.TagTuple, Tuple: vs})
		return bytecode.Value{}, false, false, nil

	case bytecode.OpMakeSet:
		vs, err := frame.popN(int(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		frame.push(bytecode.Value{Tag: bytecode.TagSet, Set: vs})
		return bytecode.Value{}, false, false, nil

	case bytecode.OpMakeDict:
		count := int(in.Operand16())
		vs, err := frame.popN(count * 2)
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		entries := make([]bytecode.DictEntry, 0, count)
		for i := 0; i < len(vs); i += 2 {
			entries = append(entries, bytecode.DictEntry{Key: vs[i], Val: vs[i+1]})
		}
		frame.push(bytecode.Value{Tag: bytecode.TagDictionary, Dictionary: entries})
		return bytecode.Value{}, false, false, nil

	case bytecode.OpThrow:
		v, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		return bytecode.Value{}, false, false, &thrown{value: v}

	case bytecode.OpCatch:
		target, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		frame.handlers = append(frame.handlers, handlerFrame{target: uint32(target.Integer)})
		return bytecode.Value{}, false, false, nil

	case bytecode.OpClass:
		name, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		ref := e.classes.define(name.Str)
		frame.push(bytecode.Value{Tag: bytecode.TagObject, Class: ref})
		return bytecode.Value{}, false, false, nil

	case bytecode.OpNew:
		initArgs, err := frame.popN(int(in.Operand8()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		classVal, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		inst := bytecode.Value{Tag: bytecode.TagObject, Class: classVal.Class, Fields: make(map[string]bytecode.Value, len(initArgs))}
		if ci := e.classes.get(classVal.Class); ci != nil {
			if ctor, ok := ci.method("__init__"); ok {
				if _, err := e.invoke(frame, ctor, append([]bytecode.Value{inst}, initArgs...), vmctx); err != nil {
					return bytecode.Value{}, false, false, err
				}
			}
		}
		frame.push(inst)
		return bytecode.Value{}, false, false, nil

	case bytecode.OpGetProperty:
		name, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		obj, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if vmctx != nil && vmctx.OnType != nil {
			vmctx.OnType(in.Offset, obj.Tag)
		}
		if obj.Fields != nil {
			if v, ok := obj.Fields[name.Str]; ok {
				frame.push(v)
				return bytecode.Value{}, false, false, nil
			}
		}
		if ci := e.classes.get(obj.Class); ci != nil {
			if m, ok := ci.method(name.Str); ok {
				frame.push(m)
				return bytecode.Value{}, false, false, nil
			}
		}
		frame.push(bytecode.Null)
		return bytecode.Value{}, false, false, nil

	case bytecode.OpSetProperty:
		name, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		val, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		obj, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if obj.Fields == nil {
			obj.Fields = make(map[string]bytecode.Value)
		}
		obj.Fields[name.Str] = val
		frame.push(obj)
		return bytecode.Value{}, false, false, nil

	case bytecode.OpMethod:
		name, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		methodVal, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		classVal, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if ci := e.classes.get(classVal.Class); ci != nil {
			ci.setMethod(name.Str, methodVal)
		}
		frame.push(classVal)
		return bytecode.Value{}, false, false, nil

	case bytecode.OpClosure:
		n := int(in.Operand8())
		captured, err := frame.popN(n)
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		tmpl, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if tmpl.Tag != bytecode.TagClosure {
			return bytecode.Value{}, false, false, errors.Errorf("tier: closure template is not a Closure value (tag %s)", tmpl.Tag)
		}
		upvalues := make([]*bytecode.Value, n)
		for i, v := range captured {
			vv := v
			upvalues[i] = &vv
		}
		frame.push(bytecode.Value{Tag: bytecode.TagClosure, Closure: &bytecode.Closure{FunctionIndex: tmpl.Closure.FunctionIndex, Upvalues: upvalues}})
		return bytecode.Value{}, false, false, nil

	case bytecode.OpCloseUpvalue:
		return bytecode.Value{}, false, false, nil // upvalues are captured by value at OpClosure time; nothing to close

	case bytecode.OpDefineFunction:
		fnVal, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if fnVal.Tag != bytecode.TagClosure || fnVal.Closure == nil {
			return bytecode.Value{}, false, false, errors.Errorf("tier: define_function constant is not a Closure (tag %s)", fnVal.Tag)
		}
		id, err := functionIdFor(e.mod, fnVal.Closure)
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		e.mu.Lock()
		e.globals[id.FunctionName] = fnVal
		e.mu.Unlock()
		return bytecode.Value{}, false, false, nil

	default:
		return bytecode.Value{}, false, false, errors.Errorf("tier: unimplemented opcode %s", in.Op)
	}
}

// invoke dispatches a Call/CallMethod target: if the Dispatcher supplied
// a reentrant Call hook, route through it so a callee already promoted
// to a higher tier runs there (§4.5); otherwise fall back to interpreting
// the callee directly at T0 (used by tests that exercise the interpreter
// standalone).
func (e *Engine0) invoke(frame *execFrame, callee bytecode.Value, args []bytecode.Value, vmctx *registry.VMContext) (bytecode.Value, error) {
	if callee.Tag == bytecode.TagNativeFunction {
		return callTarget(callee, args)
	}
	if callee.Tag != bytecode.TagClosure || callee.Closure == nil {
		return bytecode.Value{}, errors.Errorf("tier: value of tag %s is not callable", callee.Tag)
	}
	id, err := functionIdFor(e.mod, callee.Closure)
	if err != nil {
		return bytecode.Value{}, err
	}
	if vmctx != nil && vmctx.Call != nil {
		return vmctx.Call(id, args)
	}
	callee2, ok := e.mod.FunctionByName(id.FunctionName)
	if !ok {
		return bytecode.Value{}, errors.Errorf("tier: function %s not found", id)
	}
	calleeFrame := newExecFrame(callee2, e.mod, args, callee.Closure.Upvalues)
	return e.run(ctxFor(vmctx), calleeFrame, vmctx)
}

func fn2code(fn *bytecode.Function) bytecode.Bytecode { return fn.Code }
