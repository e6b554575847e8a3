package tier

import (
	"context"

	"github.com/pkg/errors"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/deopt"
	"github.com/aott-dev/aott/internal/guard"
	"github.com/aott-dev/aott/internal/profile"
	"github.com/aott-dev/aott/internal/registry"
)

// speculationTypeStability/speculationBranchBias are the promotion gates
// (§4.6: call_count>=10000 AND branch predictability>=0.85) reused here
// as the per-site thresholds a speculation must clear before Engine4
// installs an unconditional guard for it, rather than leaving the site
// to the ordinary IC-checked dispatch lower tiers use.
const (
	speculationTypeStability = 0.90
	speculationBranchBias    = 0.85
)

// frameState adapts one execFrame as a deopt.NativeStateReader (§4.8
// step 2): T4's only native-frame analogue is the interpreter's own
// locals array, so ReadRegister(slot) is exactly frame.locals[slot].
// This tier never produces LocStackSlot/LocHeap guard locations, so
// those two methods return Null rather than pretending to model a real
// native stack or heap this interpreter doesn't have.
type frameState struct {
	frame *execFrame
}

func (s frameState) ReadRegister(slot uint32) bytecode.Value {
	v, err := s.frame.local(uint16(slot))
	if err != nil {
		return bytecode.Null
	}
	return v
}

func (s frameState) ReadStack(slot uint32) bytecode.Value { return bytecode.Null }
func (s frameState) ReadHeap(addr uint32) bytecode.Value  { return bytecode.Null }

var _ deopt.NativeStateReader = frameState{}

// Engine4 is the T4 tier (§4.6 "Speculative Native"): the only tier that
// installs unconditional speculations backed by real guard.Metadata
// rather than a re-validated-every-time IC check. A guard's failure
// surfaces as a registry.GuardFailure instead of falling back inline, so
// the Dispatcher can route it through the Deoptimization Engine (§4.8).
//
// As with T2/T3, real native codegen is out of scope; the guarded
// dispatch and the speculation checks themselves are genuine, but the
// surrounding instruction execution is the same interpreter loop T1
// uses. A guard failure here is a real, observable event — the
// divergence from a true native tier is only in how the *unguarded*
// bytecode executes once a speculation holds.
type Engine4 struct {
	mod     *bytecode.Module
	classes *classRegistry
	profile *profile.Store
}

// NewEngine4 builds a T4 engine sharing classes and the profile store
// with the Module's other tiers.
func NewEngine4(mod *bytecode.Module, classes *classRegistry, store *profile.Store) *Engine4 {
	if classes == nil {
		classes = newClassRegistry()
	}
	return &Engine4{mod: mod, classes: classes, profile: store}
}

// Compile produces a T4 CompiledArtifact: fn's bytecode is rewritten as
// T1 rewrites it (constant folding), and a guard.Manager installs one
// guard per instrumented site whose profiled history clears the
// speculation thresholds (§4.6/§4.7). snapshot == nil compiles a T4
// artifact with zero guards — legal, just pointless (equivalent to T1).
//
// Value and Type speculation are grounded on the snapshot's
// value_samples/call_site_types; Branch speculation on branch_outcomes;
// CallTarget speculation on the snapshot's call-target histogram, fed by
// T1's vmctx.OnCall hook at every Call/CallMethod site (§4.6).
func (e *Engine4) Compile(fn *bytecode.Function, snapshot *profile.ProfileRecord) (*registry.Artifact, error) {
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

	mgr := guard.NewManager()
	if snapshot != nil {
		if err := installSpeculations(mgr, &rewritten, snapshot); err != nil {
			return nil, errors.Wrap(err, "tier: t4 guard installation")
		}
	}
	guards := mgr.All()
	byOffset := make(map[uint32]*guard.Metadata, len(guards))
	for _, g := range guards {
		byOffset[g.Site.Offset] = g
	}

	entry := func(args []bytecode.Value, vmctx *registry.VMContext) (bytecode.Value, *registry.GuardFailure, error) {
		return e.execute(ctxFor(vmctx), &rewritten, privMod, args, vmctx, byOffset)
	}
	return &registry.Artifact{
		Tier:       bytecode.T4,
		FunctionId: fn.Id,
		EntryPoint: entry,
		SourceHash: e.mod.SourceHash(),
		Guards:     guards,
	}, nil
}

// liveMapFor builds the VariableMap for a guard at a site within fn: one
// entry per declared parameter, named by position since this bytecode
// model has no static table of locals beyond the parameter list (I2
// requires covering every local a T0 resume could read; StoreLocal
// slots introduced past the parameter count have no durable name to
// reconstruct under and are intentionally left out of the map, which is
// only sound because this engine never speculates across a StoreLocal
// to a synthesized slot — every guard here sits at a site where the
// live state is exactly the function's parameters).
func liveMapFor(fn *bytecode.Function) guard.VariableMap {
	lm := make(guard.VariableMap, len(fn.Parameters))
	for i, name := range fn.Parameters {
		lm[name] = guard.Location{Kind: guard.LocRegister, Slot: uint32(i)}
	}
	return lm
}

// installSpeculations walks fn's rewritten bytecode once, installing a
// guard at every arithmetic, branch, or local-load site whose profiled
// history clears the relevant threshold.
func installSpeculations(mgr *guard.Manager, fn *bytecode.Function, snapshot *profile.ProfileRecord) error {
	liveMap := liveMapFor(fn)
	cur := bytecode.NewCursor(fn.Code)
	for !cur.Done() {
		in, err := cur.Next()
		if err != nil {
			break
		}
		switch in.Op {
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
			bytecode.OpEq, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			if snapshot.TypeStability(in.Offset) < speculationTypeStability {
				continue
			}
			types := snapshot.ObservedTypes(in.Offset)
			if len(types) == 0 {
				continue
			}
			site := guard.Site_{Function: fn.Id, Offset: in.Offset}
			if _, err := mgr.Install(site, guard.KindType, bytecode.Value{Tag: types[0]}, liveMap); err != nil {
				return err
			}

		case bytecode.OpJumpIfTrue, bytecode.OpJumpIfFalse:
			bias, ok := snapshot.BranchBias(in.Offset)
			if !ok {
				continue
			}
			var taken bool
			switch {
			case bias >= speculationBranchBias:
				taken = true
			case bias <= 1-speculationBranchBias:
				taken = false
			default:
				continue
			}
			site := guard.Site_{Function: fn.Id, Offset: in.Offset}
			if _, err := mgr.Install(site, guard.KindBranch, bytecode.Bool(taken), liveMap); err != nil {
				return err
			}

		case bytecode.OpLoadLocal:
			val, count, ok := snapshot.DominantValue(in.Offset)
			if !ok || count < 2 {
				continue
			}
			site := guard.Site_{Function: fn.Id, Offset: in.Offset}
			if _, err := mgr.Install(site, guard.KindValue, val, liveMap); err != nil {
				return err
			}

		case bytecode.OpCall, bytecode.OpCallMethod:
			target, stability, ok := snapshot.CallTargetStability(in.Offset)
			if !ok || stability < speculationTypeStability {
				continue
			}
			site := guard.Site_{Function: fn.Id, Offset: in.Offset}
			if _, err := mgr.Install(site, guard.KindCallTarget, bytecode.StrVal(target), liveMap); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine4) execute(ctx context.Context, fn *bytecode.Function, mod *bytecode.Module, args []bytecode.Value, vmctx *registry.VMContext, guards map[uint32]*guard.Metadata) (bytecode.Value, *registry.GuardFailure, error) {
	frame := newExecFrame(fn, mod, args, nil)
	return e.run(ctx, frame, vmctx, guards)
}

func (e *Engine4) run(ctx context.Context, frame *execFrame, vmctx *registry.VMContext, guards map[uint32]*guard.Metadata) (bytecode.Value, *registry.GuardFailure, error) {
	if err := checkPoll(ctx); err != nil {
		return bytecode.Value{}, nil, err
	}
	cursor := bytecode.NewCursor(fn2code(frame.fn))
	for !cursor.Done() {
		in, err := cursor.Next()
		if err != nil {
			return bytecode.Value{}, nil, errors.Wrapf(err, "tier: decoding %s at offset %d", frame.fn.Id, in.Offset)
		}
		if in.Op.IsPollPoint() {
			if err := checkPoll(ctx); err != nil {
				return bytecode.Value{}, nil, err
			}
		}
		result, jumped, ret, gf, retErr := e.step(in, cursor, frame, vmctx, guards)
		if gf != nil {
			return bytecode.Value{}, gf, nil
		}
		if retErr != nil {
			if ex, ok := retErr.(*thrown); ok {
				handled, herr := e.handleThrow(frame, cursor, ex.value)
				if herr != nil {
					return bytecode.Value{}, nil, herr
				}
				if handled {
					continue
				}
				return bytecode.Value{}, nil, &ErrUnhandledException{Thrown: ex.value}
			}
			return bytecode.Value{}, nil, retErr
		}
		if ret {
			return result, nil, nil
		}
		if jumped {
			continue
		}
	}
	return bytecode.Null, nil, nil
}

func (e *Engine4) handleThrow(frame *execFrame, cursor *bytecode.Cursor, v bytecode.Value) (bool, error) {
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

// fail builds the GuardFailure the Dispatcher routes to
// deopt.Engine.HandleGuardFailure, recording the miss against g's own
// failure counter immediately (§4.7 "Failure accounting") rather than
// waiting for the deopt engine to do it, since a tripped T4 guard is
// always reported here first.
func fail(g *guard.Metadata, frame *execFrame, operands ...bytecode.Value) *registry.GuardFailure {
	g.RecordFailure()
	pending := append([]bytecode.Value(nil), operands...)
	return &registry.GuardFailure{GuardId: g.GuardId, NativeState: frameState{frame: frame}, PendingOperands: pending}
}

// step executes one instruction, checking any guard installed at this
// offset before doing the (otherwise T1-identical) work. A guard match
// records success and proceeds exactly as T1 would; a mismatch returns
// immediately as a GuardFailure without executing the instruction at
// all, since the speculation it was compiled under no longer holds.
func (e *Engine4) step(in bytecode.Instruction, cursor *bytecode.Cursor, frame *execFrame, vmctx *registry.VMContext, guards map[uint32]*guard.Metadata) (bytecode.Value, bool, bool, *registry.GuardFailure, error) {
	switch in.Op {
	case bytecode.OpNop:
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpLoadLocal:
		v, err := frame.local(in.Operand16())
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if g, ok := guards[in.Offset]; ok {
			if !bytecode.Equal(v, g.Expected) {
				return bytecode.Value{}, false, false, fail(g, frame), nil
			}
			g.RecordSuccess()
		}
		if vmctx != nil && vmctx.OnValue != nil {
			vmctx.OnValue(in.Offset, v)
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpStoreLocal:
		v, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		return bytecode.Value{}, false, false, nil, frame.setLocal(in.Operand16(), v)

	case bytecode.OpLoadUpvalue:
		idx := in.Operand16()
		if int(idx) >= len(frame.upvalues) || frame.upvalues[idx] == nil {
			return bytecode.Value{}, false, false, nil, errors.Errorf("tier: upvalue %d out of range", idx)
		}
		frame.push(*frame.upvalues[idx])
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpStoreUpvalue:
		idx := in.Operand16()
		v, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if int(idx) >= len(frame.upvalues) || frame.upvalues[idx] == nil {
			return bytecode.Value{}, false, false, nil, errors.Errorf("tier: upvalue %d out of range", idx)
		}
		*frame.upvalues[idx] = v
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpLoadConst8:
		v, err := frame.constant(uint32(in.Operand8()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpLoadConst16:
		v, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod,
		bytecode.OpEq, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
		b, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		a, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if g, ok := guards[in.Offset]; ok {
			if a.Tag != g.Expected.Tag {
				return bytecode.Value{}, false, false, fail(g, frame, a, b), nil
			}
			g.RecordSuccess()
		}
		if vmctx != nil && vmctx.OnType != nil {
			vmctx.OnType(in.Offset, a.Tag)
		}
		v, err := arith(in.Op, a, b)
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpNeg:
		a, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if a.Tag == bytecode.TagFloat {
			frame.push(bytecode.Flt(-a.Float))
		} else {
			frame.push(bytecode.Int(-a.Integer))
		}
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpNot:
		a, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		frame.push(bytecode.Bool(!truthy(a)))
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpAnd, bytecode.OpOr:
		b, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		a, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if in.Op == bytecode.OpAnd {
			frame.push(bytecode.Bool(truthy(a) && truthy(b)))
		} else {
			frame.push(bytecode.Bool(truthy(a) || truthy(b)))
		}
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpJump:
		target := uint32(int64(in.NextOffset()) + int64(in.SignedDisplacement()))
		if vmctx != nil && vmctx.OnBranch != nil {
			vmctx.OnBranch(in.Offset, true)
		}
		cursor.Seek(target)
		return bytecode.Value{}, true, false, nil, nil

	case bytecode.OpJumpIfTrue, bytecode.OpJumpIfFalse:
		cond, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		take := truthy(cond) == (in.Op == bytecode.OpJumpIfTrue)
		if g, ok := guards[in.Offset]; ok {
			if take != g.Expected.Boolean {
				return bytecode.Value{}, false, false, fail(g, frame, cond), nil
			}
			g.RecordSuccess()
		}
		if vmctx != nil && vmctx.OnBranch != nil {
			vmctx.OnBranch(in.Offset, take)
		}
		if take {
			target := uint32(int64(in.NextOffset()) + int64(in.SignedDisplacement()))
			cursor.Seek(target)
			return bytecode.Value{}, true, false, nil, nil
		}
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpLoop:
		target := uint32(int64(in.NextOffset()) + int64(in.SignedDisplacement()))
		if vmctx != nil && vmctx.OnBranch != nil {
			vmctx.OnBranch(in.Offset, true)
		}
		cursor.Seek(target)
		return bytecode.Value{}, true, false, nil, nil

	case bytecode.OpCall, bytecode.OpCallMethod:
		args, err := frame.popN(int(in.Operand8()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		callee, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if callee.Tag == bytecode.TagClosure && callee.Closure != nil {
			if id, idErr := functionIdFor(frame.mod, callee.Closure); idErr == nil {
				if vmctx != nil && vmctx.OnCall != nil {
					vmctx.OnCall(in.Offset, id)
				}
				if g, ok := guards[in.Offset]; ok {
					if id.String() != g.Expected.Str {
						return bytecode.Value{}, false, false, fail(g, frame, append([]bytecode.Value{callee}, args...)...), nil
					}
					g.RecordSuccess()
				}
			}
		}
		v, err := e.invoke(frame, callee, args, vmctx)
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpCallNative:
		args, err := frame.popN(int(in.Operand8()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		callee, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if callee.Tag != bytecode.TagNativeFunction || callee.Native == nil {
			return bytecode.Value{}, false, false, nil, errors.Errorf("tier: call_native target is not a NativeFunction (tag %s)", callee.Tag)
		}
		v, err := callee.Native(args)
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		frame.push(v)
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpReturn:
		v, err := frame.pop()
		if err != nil {
			v = bytecode.Null
		}
		return v, false, true, nil, nil

	case bytecode.OpMakeList:
		vs, err := frame.popN(int(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		frame.push(bytecode.Value{Tag: bytecode.TagList, List: vs})
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpMakeTuple:
		vs, err := frame.popN(int(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		frame.push(bytecode.Value{Tag: bytecode.TagTuple, Tuple: vs})
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpMakeSet:
		vs, err := frame.popN(int(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		frame.push(bytecode.Value{Tag: bytecode.TagSet, Set: vs})
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpMakeDict:
		count := int(in.Operand16())
		vs, err := frame.popN(count * 2)
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		entries := make([]bytecode.DictEntry, 0, count)
		for i := 0; i < len(vs); i += 2 {
			entries = append(entries, bytecode.DictEntry{Key: vs[i], Val: vs[i+1]})
		}
		frame.push(bytecode.Value{Tag: bytecode.TagDictionary, Dictionary: entries})
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpThrow:
		v, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		return bytecode.Value{}, false, false, nil, &thrown{value: v}

	case bytecode.OpCatch:
		target, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		frame.handlers = append(frame.handlers, handlerFrame{target: uint32(target.Integer)})
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpClass:
		name, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		ref := e.classes.define(name.Str)
		frame.push(bytecode.Value{Tag: bytecode.TagObject, Class: ref})
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpNew:
		initArgs, err := frame.popN(int(in.Operand8()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		classVal, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		inst := bytecode.Value{Tag: bytecode.TagObject, Class: classVal.Class, Fields: make(map[string]bytecode.Value, len(initArgs))}
		if ci := e.classes.get(classVal.Class); ci != nil {
			if ctor, ok := ci.method("__init__"); ok {
				if _, err := e.invoke(frame, ctor, append([]bytecode.Value{inst}, initArgs...), vmctx); err != nil {
					return bytecode.Value{}, false, false, nil, err
				}
			}
		}
		frame.push(inst)
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpGetProperty:
		name, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		obj, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if vmctx != nil && vmctx.OnType != nil {
			vmctx.OnType(in.Offset, obj.Tag)
		}
		if obj.Fields != nil {
			if v, ok := obj.Fields[name.Str]; ok {
				frame.push(v)
				return bytecode.Value{}, false, false, nil, nil
			}
		}
		if ci := e.classes.get(obj.Class); ci != nil {
			if m, ok := ci.method(name.Str); ok {
				frame.push(m)
				return bytecode.Value{}, false, false, nil, nil
			}
		}
		frame.push(bytecode.Null)
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpSetProperty:
		name, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		val, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		obj, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if obj.Fields == nil {
			obj.Fields = make(map[string]bytecode.Value)
		}
		obj.Fields[name.Str] = val
		frame.push(obj)
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpMethod:
		name, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		methodVal, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		classVal, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if ci := e.classes.get(classVal.Class); ci != nil {
			ci.setMethod(name.Str, methodVal)
		}
		frame.push(classVal)
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpClosure:
		n := int(in.Operand8())
		captured, err := frame.popN(n)
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		tmpl, err := frame.pop()
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if tmpl.Tag != bytecode.TagClosure {
			return bytecode.Value{}, false, false, nil, errors.Errorf("tier: closure template is not a Closure value (tag %s)", tmpl.Tag)
		}
		upvalues := make([]*bytecode.Value, n)
		for i, v := range captured {
			vv := v
			upvalues[i] = &vv
		}
		frame.push(bytecode.Value{Tag: bytecode.TagClosure, Closure: &bytecode.Closure{FunctionIndex: tmpl.Closure.FunctionIndex, Upvalues: upvalues}})
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpCloseUpvalue:
		return bytecode.Value{}, false, false, nil, nil

	case bytecode.OpDefineFunction:
		fnVal, err := frame.constant(uint32(in.Operand16()))
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		if fnVal.Tag != bytecode.TagClosure || fnVal.Closure == nil {
			return bytecode.Value{}, false, false, nil, errors.Errorf("tier: define_function constant is not a Closure (tag %s)", fnVal.Tag)
		}
		_, err = functionIdFor(frame.mod, fnVal.Closure)
		if err != nil {
			return bytecode.Value{}, false, false, nil, err
		}
		return bytecode.Value{}, false, false, nil, nil

	default:
		return bytecode.Value{}, false, false, nil, errors.Errorf("tier: unimplemented opcode %s", in.Op)
	}
}

// invoke mirrors Engine0/Engine1.invoke.
func (e *Engine4) invoke(frame *execFrame, callee bytecode.Value, args []bytecode.Value, vmctx *registry.VMContext) (bytecode.Value, error) {
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
	v, gf, err := e.run(ctxFor(vmctx), calleeFrame, vmctx, nil)
	if gf != nil {
		// A nested call's guard failure has no route back through the
		// Call/CallMethod opcode's (Value, error) shape; surface it as an
		// error so the caller's own frame unwinds cleanly to whatever
		// installed this Engine4 as a Dispatcher callee — the Dispatcher
		// itself always calls execute()/Compile's EntryPoint directly for
		// the outermost invocation, where gf propagates natively.
		return bytecode.Value{}, errors.Errorf("tier: guard %d failed in inlined call to %s", gf.GuardId, id)
	}
	return v, err
}
