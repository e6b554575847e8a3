package backend

import (
	"context"
	"fmt"
)

// Stub is a reference NativeBackend for tests and for hosts that have no
// real code generator wired in. It does not generate executable machine
// code — it synthesizes a deterministic placeholder so tiers exercising
// the NativeBackend boundary have something concrete to relocate and
// free, matching the contract's shape without requiring cgo or target-
// specific assembly the core explicitly does not own (§6.3).
type Stub struct {
	nextAddr uint64
}

// NewStub builds a Stub NativeBackend.
func NewStub() *Stub { return &Stub{nextAddr: 0x1000} }

// CompileIR synthesizes MachineCode whose Bytes are a stable fingerprint
// of ir's string form, and whose Symbols map contains a single "entry"
// symbol at offset zero.
func (s *Stub) CompileIR(ctx context.Context, ir IR, target string, optLevel int) (MachineCode, error) {
	fp := fmt.Sprintf("stub-backend:%s:%s:O%d", target, fmt.Sprint(ir), optLevel)
	return MachineCode{
		Bytes:   []byte(fp),
		Symbols: map[string]uint64{"entry": 0},
	}, nil
}

// Relocate uses baseAddr when it is non-zero; for a zero baseAddr it
// assigns code a monotonically increasing fake base address.
func (s *Stub) Relocate(ctx context.Context, code MachineCode, baseAddr uint64) (CodeHandle, error) {
	if baseAddr == 0 {
		baseAddr = s.nextAddr
		s.nextAddr += uint64(len(code.Bytes)) + 64
	}
	return CodeHandle{BaseAddr: baseAddr, Bytes: code.Bytes}, nil
}

// Free is a no-op for the stub; there are no real pages to unmap.
func (s *Stub) Free(ctx context.Context, handle CodeHandle) error { return nil }
