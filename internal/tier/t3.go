package tier

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/aott-dev/aott/internal/backend"
	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/profile"
	"github.com/aott-dev/aott/internal/registry"
)

// devirtualizationStability is the type-stability gate a call or
// property site must clear before T3 treats its dispatch as fixed for
// the lifetime of this artifact (§4.6 T2->T3 promotion gate, reused
// here as the devirtualization threshold since both ask the same
// question: "is this site's receiver type settled?").
const devirtualizationStability = 0.90

// Engine3 is the T3 tier (§4.6 "Heavily Optimized Native"): T2 plus
// profile-directed devirtualization. A Call/CallMethod/GetProperty/
// SetProperty site whose type stability clears devirtualizationStability
// is recorded as fixed in the compiled IR (so a real backend would emit
// a direct call/direct field offset instead of a virtual dispatch); the
// interpreter loop that actually executes the artifact still performs
// the ordinary IC-checked dispatch T1 does; a wrong-type dispatch is
// just an ordinary Megamorphic IC miss, never a guard failure, since T3
// makes no speculation it cannot cheaply re-validate inline (only T4
// trades that validation for unconditional speculation backed by a real
// guard, §4.7).
type Engine3 struct {
	t2  *Engine2
	mod *bytecode.Module
}

// NewEngine3 builds a T3 engine layered on a T2 engine sharing the same
// Module, classes, profile store, and backend.
func NewEngine3(mod *bytecode.Module, classes *classRegistry, store *profile.Store, nb backend.NativeBackend) *Engine3 {
	return &Engine3{t2: NewEngine2(mod, classes, store, nb), mod: mod}
}

// Compile produces a T3 CompiledArtifact. It reuses T2's interpreter
// rewrite and backend call, at a higher optimization level, and embeds
// the devirtualization decision for every site that clears the
// stability gate into the IR so the backend boundary sees it.
func (e *Engine3) Compile(fn *bytecode.Function, snapshot *profile.ProfileRecord) (*registry.Artifact, error) {
	art, err := e.t2.inner.Compile(fn)
	if err != nil {
		return nil, errors.Wrap(err, "tier: t3 interpreter rewrite")
	}

	sites := DevirtualizableSites(fn, e.mod, snapshot)
	ir := buildIR(fn, e.mod, snapshot)
	ir.hints += devirtualizationHints(sites)

	mc, err := e.t2.backend.CompileIR(context.Background(), ir, "generic-t3", 3)
	if err != nil {
		return nil, errors.Wrap(err, "tier: t3 backend CompileIR")
	}
	handle, err := e.t2.backend.Relocate(context.Background(), mc, 0)
	if err != nil {
		return nil, errors.Wrap(err, "tier: t3 backend Relocate")
	}

	art.Tier = bytecode.T3
	art.CodeBytes = handle.Bytes
	return art, nil
}

func devirtualizationHints(sites []uint32) string {
	out := ""
	for _, pc := range sites {
		out += fmt.Sprintf("; devirtualized @%04x\n", pc)
	}
	return out
}

// DevirtualizableSites returns the offsets of every Call/CallMethod/
// GetProperty/SetProperty instruction in fn whose profiled type
// stability at that offset clears devirtualizationStability — the set
// T3's compile step records as devirtualized in its IR.
// snapshot == nil yields no sites (nothing profiled yet).
func DevirtualizableSites(fn *bytecode.Function, mod *bytecode.Module, snapshot *profile.ProfileRecord) []uint32 {
	if snapshot == nil {
		return nil
	}
	var out []uint32
	cur := bytecode.NewCursor(fn.Code)
	for !cur.Done() {
		in, err := cur.Next()
		if err != nil {
			break
		}
		switch in.Op {
		case bytecode.OpCall, bytecode.OpCallMethod, bytecode.OpGetProperty, bytecode.OpSetProperty:
			if snapshot.TypeStability(in.Offset) >= devirtualizationStability {
				out = append(out, in.Offset)
			}
		}
	}
	return out
}
