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

// Engine2 is the T2 tier (§4.6 "Aggressive Native"): the first tier that
// actually crosses the NativeBackend boundary. It lowers a Function to a
// textual IR (its disassembly, with the profile snapshot's call-site
// type histograms appended as hints) and hands that to the configured
// NativeBackend for CompileIR/Relocate, so the artifact really does
// carry backend-produced CodeBytes rather than an opaque placeholder.
//
// Real machine-code execution is out of scope (Non-goal, §1), so the
// artifact's EntryPoint still runs fn via the same IC-aware interpreter
// loop T1 uses — T2's distinguishing behavior is the side channel it
// exercises at Compile time, not a different runtime execution path.
type Engine2 struct {
	inner   *Engine1
	mod     *bytecode.Module
	backend backend.NativeBackend
}

// NewEngine2 builds a T2 engine sharing classes and the profile store
// with the Module's other tiers, driving the supplied NativeBackend.
func NewEngine2(mod *bytecode.Module, classes *classRegistry, store *profile.Store, nb backend.NativeBackend) *Engine2 {
	if nb == nil {
		nb = backend.NewStub()
	}
	return &Engine2{inner: NewEngine1(mod, classes, store), mod: mod, backend: nb}
}

// Compile produces a T2 CompiledArtifact: fn is rewritten exactly as T1
// rewrites it (constant folding, IC table), then separately lowered to a
// disassembly-based IR and compiled/relocated through the NativeBackend
// so CodeBytes reflects genuine backend output. snapshot may be nil (no
// profile yet); when present, its per-offset type stability is recorded
// into the IR so a real backend would have something to act on.
func (e *Engine2) Compile(fn *bytecode.Function, snapshot *profile.ProfileRecord) (*registry.Artifact, error) {
	art, err := e.inner.Compile(fn)
	if err != nil {
		return nil, errors.Wrap(err, "tier: t2 interpreter rewrite")
	}

	ir := buildIR(fn, e.mod, snapshot)
	mc, err := e.backend.CompileIR(context.Background(), ir, "generic-t2", 2)
	if err != nil {
		return nil, errors.Wrap(err, "tier: t2 backend CompileIR")
	}
	handle, err := e.backend.Relocate(context.Background(), mc, 0)
	if err != nil {
		return nil, errors.Wrap(err, "tier: t2 backend Relocate")
	}

	art.Tier = bytecode.T2
	art.CodeBytes = handle.Bytes
	return art, nil
}

// textIR is the opaque IR value T2/T3 pass across the NativeBackend
// boundary (backend.IR is declared `any`; the core never inspects it
// beyond giving it a stable string form for the Stub backend's
// fingerprint).
type textIR struct {
	listing string
	hints   string
}

func (ir textIR) String() string { return ir.listing + "\n" + ir.hints }

// buildIR lowers fn to a textual listing via the bytecode disassembler,
// annotated with whatever type-stability hints the profile snapshot
// offers at each instrumented offset.
func buildIR(fn *bytecode.Function, mod *bytecode.Module, snapshot *profile.ProfileRecord) textIR {
	listing := bytecode.DisassembleText(*fn, mod.Constants)
	hints := ""
	if snapshot != nil {
		lines := bytecode.Disassemble(*fn, mod.Constants)
		for _, l := range lines {
			if stability := snapshot.TypeStability(l.Offset); stability > 0 {
				hints += fmt.Sprintf("; hint @%04x type_stability=%.3f\n", l.Offset, stability)
			}
			if bias, ok := snapshot.BranchBias(l.Offset); ok {
				hints += fmt.Sprintf("; hint @%04x branch_bias=%.3f\n", l.Offset, bias)
			}
		}
	}
	return textIR{listing: listing, hints: hints}
}
