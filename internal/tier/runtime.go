// Package tier implements the five Tier Engines T0-T4 (C6): each
// consumes a Function plus its owning Module (and, from T1 up, a
// profile snapshot) and produces a CompiledArtifact (§4.6).
package tier

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/registry"
)

// ErrUnhandledException is the Go error an uncaught bytecode Throw
// surfaces as once it unwinds past every frame with no matching Catch
// (§7 "Uncaught user exception ... Propagates to host if unhandled").
// It wraps the thrown Value so hosts can inspect it.
type ErrUnhandledException struct {
	Thrown bytecode.Value
}

func (e *ErrUnhandledException) Error() string {
	return "aott: unhandled exception: " + e.Thrown.String()
}

// ErrTimeout is the plain Go error a timed-out invocation unwinds as (§5
// "Cancellation & timeouts": "Timed-out invocations unwind as if a guard
// failed, but resume is skipped; the stack collapses to the host"). It
// is never routed through a GuardFailure/deopt since there is
// nothing to resume.
var ErrTimeout = errors.New("tier: invocation cancelled or timed out")

// ctxFor recovers the host-supplied invocation context an EntryFunc's
// vmctx carries, defaulting to context.Background() when none is wired
// (e.g. a standalone engine test invoking Compile's entry closure
// directly, with no Dispatcher in the loop to set VMContext.Ctx).
func ctxFor(vmctx *registry.VMContext) context.Context {
	if vmctx != nil && vmctx.Ctx != nil {
		return vmctx.Ctx
	}
	return context.Background()
}

// checkPoll returns ErrTimeout if ctx has been cancelled or its deadline
// has passed. Call at function entry and at every IsPollPoint()
// instruction (§5's two named polling points: "the Loop opcode and
// function prologue").
func checkPoll(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return errors.Wrap(ErrTimeout, ctx.Err().Error())
	default:
		return nil
	}
}

// classInfo is the runtime-side record for one class defined by an
// OpClass/OpMethod sequence: the source Value model re-architects
// inheritance/dispatch as a tagged union plus a capability table for
// method lookup (§9), which classRegistry implements.
type classInfo struct {
	mu      sync.RWMutex
	name    string
	methods map[string]bytecode.Value
}

// classRegistry is the per-Module capability table PIC dispatch and
// OpNew/OpMethod/OpGetProperty consult, scoped to one loaded Module
// since classes are a Module-wide construct, not a per-call one.
type classRegistry struct {
	mu      sync.Mutex
	classes map[bytecode.ClassRef]*classInfo
	next    uint32
}

func newClassRegistry() *classRegistry {
	return &classRegistry{classes: make(map[bytecode.ClassRef]*classInfo)}
}

func (r *classRegistry) define(name string) bytecode.ClassRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	ref := bytecode.ClassRef(r.next)
	r.classes[ref] = &classInfo{name: name, methods: make(map[string]bytecode.Value)}
	return ref
}

func (r *classRegistry) get(ref bytecode.ClassRef) *classInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.classes[ref]
}

func (c *classInfo) setMethod(name string, fn bytecode.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.methods[name] = fn
}

func (c *classInfo) method(name string) (bytecode.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.methods[name]
	return v, ok
}

// handlerFrame is one installed exception handler (§9: "expressed as
// non-local returns walking the interpreter stack").
type handlerFrame struct {
	target uint32
}

// execFrame is one T0/T1 activation: an operand stack, a local-variable
// array, closed-over upvalues, and a LIFO of installed exception
// handlers (§4.6 T0 "a stack of Values plus a frame-indexed local
// array").
type execFrame struct {
	fn       *bytecode.Function
	mod      *bytecode.Module
	locals   []bytecode.Value
	upvalues []*bytecode.Value
	operand  []bytecode.Value
	handlers []handlerFrame
}

func newExecFrame(fn *bytecode.Function, mod *bytecode.Module, args []bytecode.Value, upvalues []*bytecode.Value) *execFrame {
	locals := make([]bytecode.Value, len(fn.Parameters))
	copy(locals, args)
	return &execFrame{fn: fn, mod: mod, locals: locals, upvalues: upvalues}
}

func (f *execFrame) push(v bytecode.Value) { f.operand = append(f.operand, v) }

func (f *execFrame) pop() (bytecode.Value, error) {
	n := len(f.operand)
	if n == 0 {
		return bytecode.Value{}, errors.New("tier: operand stack underflow")
	}
	v := f.operand[n-1]
	f.operand = f.operand[:n-1]
	return v, nil
}

func (f *execFrame) popN(n int) ([]bytecode.Value, error) {
	if len(f.operand) < n {
		return nil, errors.New("tier: operand stack underflow")
	}
	out := make([]bytecode.Value, n)
	copy(out, f.operand[len(f.operand)-n:])
	f.operand = f.operand[:len(f.operand)-n]
	return out, nil
}

func (f *execFrame) local(idx uint16) (bytecode.Value, error) {
	if int(idx) >= len(f.locals) {
		return bytecode.Value{}, errors.Errorf("tier: local index %d out of range", idx)
	}
	return f.locals[idx], nil
}

func (f *execFrame) setLocal(idx uint16, v bytecode.Value) error {
	if int(idx) >= len(f.locals) {
		grown := make([]bytecode.Value, idx+1)
		copy(grown, f.locals)
		f.locals = grown
	}
	f.locals[idx] = v
	return nil
}

func (f *execFrame) constant(idx uint32) (bytecode.Value, error) {
	abs := f.fn.ConstLo + idx
	if abs >= f.fn.ConstHi || int(abs) >= len(f.mod.Constants) {
		return bytecode.Value{}, errors.Errorf("tier: constant index %d out of function's range", idx)
	}
	return f.mod.Constants[abs], nil
}

// arith applies a binary arithmetic/comparison opcode following T0's
// "faithful, no optimizations" mandate (§4.6): int+int stays integer,
// any float operand promotes to float, matching evalRemat's promotion
// rule in the deopt engine so reconstructed values agree with live ones.
func arith(op bytecode.Opcode, a, b bytecode.Value) (bytecode.Value, error) {
	numeric := a.Tag == bytecode.TagInteger || a.Tag == bytecode.TagFloat
	if numeric && (b.Tag == bytecode.TagInteger || b.Tag == bytecode.TagFloat) {
		if a.Tag == bytecode.TagFloat || b.Tag == bytecode.TagFloat {
			x, y := asFloat(a), asFloat(b)
			switch op {
			case bytecode.OpAdd:
				return bytecode.Flt(x + y), nil
			case bytecode.OpSub:
				return bytecode.Flt(x - y), nil
			case bytecode.OpMul:
				return bytecode.Flt(x * y), nil
			case bytecode.OpDiv:
				if y == 0 {
					return bytecode.Value{}, errors.New("tier: division by zero")
				}
				return bytecode.Flt(x / y), nil
			case bytecode.OpLt:
				return bytecode.Bool(x < y), nil
			case bytecode.OpLe:
				return bytecode.Bool(x <= y), nil
			case bytecode.OpGt:
				return bytecode.Bool(x > y), nil
			case bytecode.OpGe:
				return bytecode.Bool(x >= y), nil
			}
		}
		x, y := a.Integer, b.Integer
		switch op {
		case bytecode.OpAdd:
			return bytecode.Int(x + y), nil
		case bytecode.OpSub:
			return bytecode.Int(x - y), nil
		case bytecode.OpMul:
			return bytecode.Int(x * y), nil
		case bytecode.OpDiv:
			if y == 0 {
				return bytecode.Value{}, errors.New("tier: division by zero")
			}
			return bytecode.Int(x / y), nil
		case bytecode.OpMod:
			if y == 0 {
				return bytecode.Value{}, errors.New("tier: modulo by zero")
			}
			return bytecode.Int(x % y), nil
		case bytecode.OpLt:
			return bytecode.Bool(x < y), nil
		case bytecode.OpLe:
			return bytecode.Bool(x <= y), nil
		case bytecode.OpGt:
			return bytecode.Bool(x > y), nil
		case bytecode.OpGe:
			return bytecode.Bool(x >= y), nil
		}
	}
	if op == bytecode.OpEq {
		return bytecode.Bool(bytecode.Equal(a, b)), nil
	}
	return bytecode.Value{}, errors.Errorf("tier: operator %s not defined for %s and %s", op, a.Tag, b.Tag)
}

func asFloat(v bytecode.Value) float64 {
	if v.Tag == bytecode.TagFloat {
		return v.Float
	}
	return float64(v.Integer)
}

func truthy(v bytecode.Value) bool {
	switch v.Tag {
	case bytecode.TagNull:
		return false
	case bytecode.TagBoolean:
		return v.Boolean
	case bytecode.TagInteger:
		return v.Integer != 0
	default:
		return true
	}
}

// callTarget invokes a NativeFunction callee directly (the Call*
// family's shared convention, an Open Question this implementation
// resolves: the bytecode only carries an arg count, so the callee value
// itself — Closure or NativeFunction — must already sit on the operand
// stack, produced by a prior LoadConst/GetProperty/LoadLocal). Closure
// callees are resolved by the caller via Module lookup instead, since
// that path needs the Dispatcher's reentrant Call hook.
func callTarget(callee bytecode.Value, args []bytecode.Value) (bytecode.Value, error) {
	if callee.Tag != bytecode.TagNativeFunction || callee.Native == nil {
		return bytecode.Value{}, errors.Errorf("tier: value of tag %s is not callable", callee.Tag)
	}
	return callee.Native(args)
}

func functionIdFor(mod *bytecode.Module, closure *bytecode.Closure) (bytecode.FunctionId, error) {
	if int(closure.FunctionIndex) >= len(mod.Functions) {
		return bytecode.FunctionId{}, errors.Errorf("tier: closure references function index %d out of range", closure.FunctionIndex)
	}
	return mod.Functions[closure.FunctionIndex].Id, nil
}
