// Package backend declares the NativeBackend capability set (§6.3): the
// boundary between the tiered execution runtime and whatever turns IR
// into machine code. The core holds no assumption about LLVM or any
// specific backend; any implementation satisfying NativeBackend suffices.
package backend

import "context"

// IR is the intermediate representation T2-T4 hand to a NativeBackend.
// Its shape is opaque to the core — a real backend would define its own
// concrete IR package; the core only ever threads the value through.
type IR any

// MachineCode is the opaque compiled output plus the symbol table a
// deopt trampoline needs to find its entry points (§6.3).
type MachineCode struct {
	Bytes   []byte
	Symbols map[string]uint64
}

// CodeHandle identifies machine code relocated and mapped executable at
// a base address (§6.3 Relocate).
type CodeHandle struct {
	BaseAddr uint64
	Bytes    []byte
}

// NativeBackend is the three-operation capability set the core commands
// to turn IR into runnable code (§6.3): CompileIR, Relocate, Free. The
// core never inspects IR, register allocation, instruction selection, or
// vectorization strategy — all of that is opaque to this boundary.
type NativeBackend interface {
	// CompileIR lowers ir to MachineCode at the given target triple and
	// optimization level.
	CompileIR(ctx context.Context, ir IR, target string, optLevel int) (MachineCode, error)
	// Relocate fixes up relocations and maps the code executable at
	// baseAddr, returning a handle tiers can install as an artifact's
	// entry point.
	Relocate(ctx context.Context, code MachineCode, baseAddr uint64) (CodeHandle, error)
	// Free unmaps previously relocated code.
	Free(ctx context.Context, handle CodeHandle) error
}
