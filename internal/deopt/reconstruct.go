package deopt

import (
	"github.com/pkg/errors"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/guard"
)

// ErrRematCycle guards against a malformed Rematerialize tree. The
// compiler is required to never produce one (§4.8 step 3, "cycles are
// forbidden by construction"); this is a defense against that invariant
// being violated, which reconstruction treats as fatal (§4.8 "Failure
// modes").
var ErrRematCycle = errors.New("deopt: rematerialize cycle")

// resolveLocation recovers one local's Value from its Location against
// frozen native state, evaluating Rematerialize expressions recursively
// (§4.8 step 3). depth bounds recursion as a cycle backstop independent
// of the compiler's own guarantee.
func resolveLocation(loc guard.Location, state NativeStateReader, depth int) (bytecode.Value, error) {
	if depth > 64 {
		return bytecode.Value{}, ErrRematCycle
	}
	switch loc.Kind {
	case guard.LocRegister:
		return state.ReadRegister(loc.Slot), nil
	case guard.LocStackSlot:
		return state.ReadStack(loc.Slot), nil
	case guard.LocHeap:
		return state.ReadHeap(loc.Slot), nil
	case guard.LocConstant:
		return loc.Constant, nil
	case guard.LocRematerialize:
		return evalRemat(loc.Remat, state, depth+1)
	default:
		return bytecode.Value{}, errors.Errorf("deopt: unknown location kind %d", loc.Kind)
	}
}

// evalRemat evaluates a Rematerialize expression tree over already-
// resolvable locations (§3, §4.8 step 3), for values eliminated by DCE
// or constant folding in higher tiers.
func evalRemat(expr *guard.RematExpr, state NativeStateReader, depth int) (bytecode.Value, error) {
	if expr == nil {
		return bytecode.Value{}, errors.New("deopt: nil rematerialize node")
	}
	if expr.Leaf != nil {
		return resolveLocation(*expr.Leaf, state, depth)
	}
	if expr.Op == guard.RematIdentity {
		if len(expr.Children) != 1 {
			return bytecode.Value{}, errors.New("deopt: identity remat requires exactly one child")
		}
		return evalRemat(expr.Children[0], state, depth+1)
	}
	if len(expr.Children) == 0 {
		return bytecode.Value{}, errors.New("deopt: remat node has no children and no leaf")
	}
	acc, err := evalRemat(expr.Children[0], state, depth+1)
	if err != nil {
		return bytecode.Value{}, err
	}
	for _, child := range expr.Children[1:] {
		v, err := evalRemat(child, state, depth+1)
		if err != nil {
			return bytecode.Value{}, err
		}
		acc, err = applyRematOp(expr.Op, acc, v)
		if err != nil {
			return bytecode.Value{}, err
		}
	}
	return acc, nil
}

func applyRematOp(op guard.RematOp, a, b bytecode.Value) (bytecode.Value, error) {
	if a.Tag == bytecode.TagFloat || b.Tag == bytecode.TagFloat {
		x, y := asFloat(a), asFloat(b)
		switch op {
		case guard.RematAdd:
			return bytecode.Flt(x + y), nil
		case guard.RematSub:
			return bytecode.Flt(x - y), nil
		case guard.RematMul:
			return bytecode.Flt(x * y), nil
		}
	}
	switch op {
	case guard.RematAdd:
		return bytecode.Int(a.Integer + b.Integer), nil
	case guard.RematSub:
		return bytecode.Int(a.Integer - b.Integer), nil
	case guard.RematMul:
		return bytecode.Int(a.Integer * b.Integer), nil
	}
	return bytecode.Value{}, errors.Errorf("deopt: unknown remat op %d", op)
}

func asFloat(v bytecode.Value) float64 {
	if v.Tag == bytecode.TagFloat {
		return v.Float
	}
	return float64(v.Integer)
}

// ReconstructFrame builds one T0 Frame by resolving every local named in
// liveMap against state (§4.8 steps 2-4). pc is the bytecode offset the
// reconstructed frame resumes at — the guard's own site for the
// innermost frame, or an InlineFrame's ResumeOffset for an outer one.
func ReconstructFrame(id bytecode.FunctionId, pc uint32, liveMap guard.VariableMap, state NativeStateReader, operands []bytecode.Value) (*Frame, error) {
	locals := make(map[string]bytecode.Value, len(liveMap))
	for name, loc := range liveMap {
		v, err := resolveLocation(loc, state, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "deopt: reconstructing local %q", name)
		}
		locals[name] = v
	}
	return &Frame{FunctionId: id, PC: pc, Locals: locals, Operands: operands}, nil
}

// ReconstructChain rebuilds the full inline-frame chain bottom-up (§4.8
// step 5): the innermost frame first (from the failing guard's own
// metadata), then each enclosing caller frame in callers order, where
// callers[0] is the immediate caller and each later entry is one frame
// further out. Caller pointers are wired so the returned innermost frame
// is the new interpreter top-of-stack.
func ReconstructChain(innerId bytecode.FunctionId, innerPC uint32, innerLiveMap guard.VariableMap, innerState NativeStateReader, innerOperands []bytecode.Value, callers []InlineFrame) (*Frame, error) {
	top, err := ReconstructFrame(innerId, innerPC, innerLiveMap, innerState, innerOperands)
	if err != nil {
		return nil, err
	}
	cur := top
	for _, caller := range callers {
		// A caller's ResumeOffset is always the point immediately after an
		// OpCall/OpCallMethod that already completed (the inlined callee
		// returned normally into it), never a guard site mid-instruction,
		// so it has no pending operands of its own to restore.
		f, err := ReconstructFrame(caller.FunctionId, caller.ResumeOffset, caller.LiveMap, caller.State, nil)
		if err != nil {
			return nil, err
		}
		cur.Caller = f
		cur = f
	}
	return top, nil
}
