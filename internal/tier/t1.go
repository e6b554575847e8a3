package tier

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/guard"
	"github.com/aott-dev/aott/internal/profile"
	"github.com/aott-dev/aott/internal/registry"
)

// icTable holds one inline-cache Site per instrumented bytecode offset
// of a single T1 artifact: call sites, property accesses, and the
// implicit type checks arithmetic performs (§4.6 T1). Sites live for
// the artifact's lifetime; a demotion or hot-swap replaces the whole
// artifact rather than resetting individual sites in place, matching
// the PIC's "demotion ... is only by full artifact replacement" rule
// (§4.7).
type icTable struct {
	mu    sync.Mutex
	sites map[uint32]*guard.Site
}

func newICTable() *icTable { return &icTable{sites: make(map[uint32]*guard.Site)} }

func (t *icTable) at(pc uint32) *guard.Site {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sites[pc]
	if !ok {
		s = guard.NewSite(4)
		t.sites[pc] = s
	}
	return s
}

// Sites returns a snapshot of every installed site, keyed by bytecode
// offset.
func (t *icTable) Sites() map[uint32]*guard.Site {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[uint32]*guard.Site, len(t.sites))
	for k, v := range t.sites {
		out[k] = v
	}
	return out
}

// Engine1 is the T1 tier (§4.6): a still-stack-based interpreter over
// bytecode rewritten once at compile time (local constant folding),
// whose Call/CallMethod/GetProperty/SetProperty sites and arithmetic
// type checks record each observation in a per-offset PIC (inline
// cache). Lookups at every site, whatever its PIC state, take exactly
// T0's path; the PIC state is classification only.
type Engine1 struct {
	mod     *bytecode.Module
	classes *classRegistry
	profile *profile.Store
}

// NewEngine1 builds a T1 engine over classes, the class table to share
// (class definitions are Module-wide state, §9); a nil classes gives the
// engine a fresh table of its own. store is kept on the engine, and may
// be nil; T1's profile events reach the Profile Store through the
// VMContext hooks (§4.2).
func NewEngine1(mod *bytecode.Module, classes *classRegistry, store *profile.Store) *Engine1 {
	if classes == nil {
		classes = newClassRegistry()
	}
	return &Engine1{mod: mod, classes: classes, profile: store}
}

// Compile produces a T1 CompiledArtifact: fn's bytecode is rewritten
// once (constant folding) into a private Module copy, and an IC table
// is allocated for the rewritten function's call/property/type sites
// (§4.6 "embeds inline-cache slots").
func (e *Engine1) Compile(fn *bytecode.Function) (*registry.Artifact, error) {
	rewritten, constants := foldConstants(*fn, e.mod)
	privMod := &bytecode.Module{
		Name:      e.mod.Name,
		Functions: append([]bytecode.Function(nil), e.mod.Functions...),
		Constants: constants,
		Symbols:   e.mod.Symbols,
	}
	for i := range privMod.Functions {
		if privMod.Functions[i].Id == rewritten.Id {
			privMod.Functions[i] = rewritten
		}
	}
	ics := newICTable()

	entry := func(args []bytecode.Value, vmctx *registry.VMContext) (bytecode.Value, *registry.GuardFailure, error) {
		v, err := e.execute(ctxFor(vmctx), &rewritten, privMod, args, vmctx, ics)
		return v, nil, err
	}
	return &registry.Artifact{
		Tier:       bytecode.T1,
		FunctionId: fn.Id,
		EntryPoint: entry,
		SourceHash: e.mod.SourceHash(),
	}, nil
}

func (e *Engine1) execute(ctx context.Context, fn *bytecode.Function, mod *bytecode.Module, args []bytecode.Value, vmctx *registry.VMContext, ics *icTable) (bytecode.Value, error) {
	frame := newExecFrame(fn, mod, args, nil)
	return e.run(ctx, frame, vmctx, ics)
}

func (e *Engine1) run(ctx context.Context, frame *execFrame, vmctx *registry.VMContext, ics *icTable) (bytecode.Value, error) {
	if err := checkPoll(ctx); err != nil {
		return bytecode.Value{}, err
	}
	cursor := bytecode.NewCursor(fn2code(frame.fn))
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
		result, jumped, ret, retErr := e.step(in, cursor, frame, vmctx, ics)
		if retErr != nil {
			if ex, ok := retErr.(*thrown); ok {
				handled, herr := e.handleThrow(frame, cursor, ex.value)
				if herr != nil {
					return bytecode.Value{}, herr
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

func (e *Engine1) handleThrow(frame *execFrame, cursor *bytecode.Cursor, v bytecode.Value) (bool, error) {
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

// nativeObservation is the fixed call-target Observation bucket for
// every NativeFunction callee: there is exactly one native identity a
// PIC can usefully distinguish from Closure targets (it never varies
// per call, so the site trivially stays Monomorphic when only natives
// are observed there).
const nativeObservation guard.Observation = ^guard.Observation(0)

// step executes one instruction, consulting ics at the sites §4.6
// names (calls, property access, arithmetic's implicit type check).
// Everywhere else this mirrors Engine0.step exactly: T1 changes only
// dispatch cost at IC-bearing sites, never the result a faithful T0
// execution would produce (§8 P1).
func (e *Engine1) step(in bytecode.Instruction, cursor *bytecode.Cursor, frame *execFrame, vmctx *registry.VMContext, ics *icTable) (bytecode.Value, bool, bool, error) {
	switch in.Op {
	case bytecode.OpNop:
		return bytecode.Value{}, false, false, nil

	case bytecode.OpLoadLocal:
		v, err := frame.local(in.Operand16())
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if vmctx != nil && vmctx.OnValue != nil {
			vmctx.OnValue(in.Offset, v)
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
		site := ics.at(in.Offset)
		site.Observe(guard.Observation(a.Tag))
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
		site := ics.at(in.Offset)
		if callee.Tag == bytecode.TagClosure && callee.Closure != nil {
			site.Observe(guard.Observation(callee.Closure.FunctionIndex))
			if vmctx != nil && vmctx.OnCall != nil {
				if id, idErr := functionIdFor(frame.mod, callee.Closure); idErr == nil {
					vmctx.OnCall(in.Offset, id)
				}
			}
		} else {
			site.Observe(nativeObservation)
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
		ics.at(in.Offset).Observe(guard.Observation(obj.Class))
		if vmctx != nil && vmctx.OnType != nil {
			vmctx.OnType(in.Offset, obj.Tag)
		}
		// Monomorphic/Polymorphic hits still resolve through the real
		// Fields map and class table (there is no faster storage to
		// consult in this boxed representation); what the PIC buys here
		// is purely classification — a Megamorphic site is a signal the
		// Tier Promoter reads to withhold T3's devirtualization, not a
		// different code path at T1 itself.
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
		ics.at(in.Offset).Observe(guard.Observation(obj.Class))
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
		return bytecode.Value{}, false, false, nil

	case bytecode.OpDefineFunction:
		fnVal, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		if fnVal.Tag != bytecode.TagClosure || fnVal.Closure == nil {
			return bytecode.Value{}, false, false, errors.Errorf("tier: define_function constant is not a Closure (tag %s)", fnVal.Tag)
		}
		_, err = functionIdFor(frame.mod, fnVal.Closure)
		if err != nil {
			return bytecode.Value{}, false, false, err
		}
		return bytecode.Value{}, false, false, nil

	default:
		return bytecode.Value{}, false, false, errors.Errorf("tier: unimplemented opcode %s", in.Op)
	}
}

// invoke mirrors Engine0.invoke: native callees run directly, closures
// re-enter the Dispatcher when one is wired, else fall back to
// interpreting the callee inline (standalone tests).
func (e *Engine1) invoke(frame *execFrame, callee bytecode.Value, args []bytecode.Value, vmctx *registry.VMContext) (bytecode.Value, error) {
	if callee.Tag == bytecode.TagNativeFunction {
		return callTarget(callee, args)
	}
	if callee.Tag != bytecode.TagClosure || callee.Closure == nil {
		return bytecode.Value{}, errors.Errorf("tier: value of tag %s is not callable", callee.Tag)
	}
	id, err := functionIdFor(frame.mod, callee.Closure)
	if err != nil {
		return bytecode.Value{}, err
	}
	if vmctx != nil && vmctx.Call != nil {
		return vmctx.Call(id, args)
	}
	callee2, ok := frame.mod.FunctionByName(id.FunctionName)
	if !ok {
		return bytecode.Value{}, errors.Errorf("tier: function %s not found", id)
	}
	calleeFrame := newExecFrame(callee2, frame.mod, args, callee.Closure.Upvalues)
	return e.run(ctxFor(vmctx), calleeFrame, vmctx, newICTable())
}

// foldConstants applies T1's local constant folding (§4.6): a
// straight-line `LoadConst, LoadConst, <Add|Sub|Mul>` window with no
// incoming jump target folds to a single LoadConst16 of the computed
// value, appended to a private copy of the module's constant pool.
// The collapsed bytes are padded with Nop so every other instruction's
// offset — and therefore every branch displacement elsewhere in the
// function — is left unchanged.
func foldConstants(fn bytecode.Function, mod *bytecode.Module) (bytecode.Function, []bytecode.Value) {
	code := append(bytecode.Bytecode(nil), fn.Code...)
	constants := append([]bytecode.Value(nil), mod.Constants...)
	targets := branchTargets(code)

	constAt := func(idx uint32) (bytecode.Value, bool) {
		abs := fn.ConstLo + idx
		if abs >= fn.ConstHi || int(abs) >= len(constants) {
			return bytecode.Value{}, false
		}
		return constants[abs], true
	}

	foldableOps := map[bytecode.Opcode]bool{bytecode.OpAdd: true, bytecode.OpSub: true, bytecode.OpMul: true}

	var ins []bytecode.Instruction
	cur := bytecode.NewCursor(code)
	for !cur.Done() {
		in, err := cur.Next()
		if err != nil {
			break
		}
		ins = append(ins, in)
	}

	for i := 0; i+2 < len(ins); i++ {
		a, b, op := ins[i], ins[i+1], ins[i+2]
		if !isLoadConst(a.Op) || !isLoadConst(b.Op) || !foldableOps[op.Op] {
			continue
		}
		if targets[b.Offset] || targets[op.Offset] {
			continue // a jump lands mid-window; unsafe to collapse
		}
		av, ok1 := constAt(constIndex(a))
		bv, ok2 := constAt(constIndex(b))
		if !ok1 || !ok2 || (av.Tag != bytecode.TagInteger && av.Tag != bytecode.TagFloat) {
			continue
		}
		folded, ferr := arith(op.Op, av, bv)
		if ferr != nil {
			continue
		}
		absIdx := uint32(len(constants))
		constants = append(constants, folded)
		newIdx := absIdx - fn.ConstLo
		end := op.Offset + 1 + uint32(len(op.Operands))
		replaceWithConst16(code, a.Offset, end, newIdx)
		i += 2 // the two consumed instructions are now dead bytes
	}

	fn.Code = code
	if absHi := uint32(len(constants)); absHi > fn.ConstHi {
		fn.ConstHi = absHi
	}
	return fn, constants
}

func isLoadConst(op bytecode.Opcode) bool {
	return op == bytecode.OpLoadConst8 || op == bytecode.OpLoadConst16
}

func constIndex(in bytecode.Instruction) uint32 {
	if in.Op == bytecode.OpLoadConst8 {
		return uint32(in.Operand8())
	}
	return uint32(in.Operand16())
}

// replaceWithConst16 overwrites code[start:end) with a single
// LoadConst16 of idx, Nop-padding the remainder so every byte offset
// outside [start, end) is unaffected.
func replaceWithConst16(code bytecode.Bytecode, start, end uint32, idx uint32) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(idx))
	code[start] = byte(bytecode.OpLoadConst16)
	code[start+1] = b[0]
	code[start+2] = b[1]
	for i := start + 3; i < end; i++ {
		code[i] = byte(bytecode.OpNop)
	}
}

// branchTargets returns the set of offsets any Jump/JumpIfTrue/
// JumpIfFalse/Loop instruction in code targets, so foldConstants can
// refuse to collapse a window a branch lands inside of.
func branchTargets(code bytecode.Bytecode) map[uint32]bool {
	targets := make(map[uint32]bool)
	cur := bytecode.NewCursor(code)
	for !cur.Done() {
		in, err := cur.Next()
		if err != nil {
			break
		}
		if in.Op.IsBranch() {
			t := uint32(int64(in.NextOffset()) + int64(in.SignedDisplacement()))
			targets[t] = true
		}
	}
	return targets
}
