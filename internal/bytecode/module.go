package bytecode

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// TierLevel is one of the five execution strategies, totally ordered
// T0 < T1 < T2 < T3 < T4 (§3).
type TierLevel uint8

const (
	T0 TierLevel = iota
	T1
	T2
	T3
	T4
	tierCount
)

func (t TierLevel) String() string {
	names := [tierCount]string{"T0", "T1", "T2", "T3", "T4"}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("Tier(%d)", uint8(t))
}

// Less reports whether t comes before o in the tier order.
func (t TierLevel) Less(o TierLevel) bool { return t < o }

// FunctionId is the stable, structural identifier used as the primary key
// across every component (§3): (module_name, function_name, signature_hash).
type FunctionId struct {
	ModuleName    string
	FunctionName  string
	SignatureHash uint64
}

func (id FunctionId) String() string {
	return fmt.Sprintf("%s::%s#%x", id.ModuleName, id.FunctionName, id.SignatureHash)
}

// SignatureHash derives a stable signature hash from a parameter count and
// name; the real front-end would hash the full type signature, but the
// core only requires it be stable and collision-resistant for FunctionId
// equality (§3 "Equality is structural").
func SignatureHash(name string, paramCount int) uint64 {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s/%d", name, paramCount)))
	return binary.LittleEndian.Uint64(h[:8])
}

// Bytecode is a packed, read-only byte sequence with variable-length
// instructions (§3, §4.1). It never mutates once attached to a Function.
type Bytecode []byte

// Function is one function definition within a Module (§3).
type Function struct {
	Id         FunctionId
	Parameters []string
	Code       Bytecode
	// ConstLo/ConstHi bound the slice of the Module's constant pool this
	// function may reference (constants_index_range, §3).
	ConstLo, ConstHi uint32
}

// SymbolEntry is one exported name the Module makes addressable, e.g. for
// hot-swap's (name, signature_hash) matching (§6.2 hot_swap).
type SymbolEntry struct {
	Name          string
	SignatureHash uint64
	FunctionIndex int
}

// Module is the unit produced by the (external) front-end: an ordered
// sequence of Function definitions, a constant pool, and a symbol table
// (§3). Immutable once loaded; hot-swap replaces an entire Module
// atomically — never mutates one in place.
type Module struct {
	Name      string
	Functions []Function
	Constants []Value
	Symbols   []SymbolEntry

	// sourceHash and depsHash are recorded at load time and copied onto
	// every CacheEntry this Module's functions compile into (I3).
	sourceHash uint64
	depsHash   uint64
}

// NewModule builds a Module and computes its content hashes: the source
// hash from every function's id and bytecode, and the deps hash from the
// symbol table.
func NewModule(name string, functions []Function, constants []Value, symbols []SymbolEntry) *Module {
	m := &Module{Name: name, Functions: functions, Constants: constants, Symbols: symbols}
	m.sourceHash = hashFunctions(functions)
	m.depsHash = hashSymbols(symbols)
	return m
}

func hashFunctions(fs []Function) uint64 {
	h := sha256.New()
	for _, f := range fs {
		h.Write([]byte(f.Id.String()))
		h.Write(f.Code)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return binary.LittleEndian.Uint64(out[:8])
}

func hashSymbols(syms []SymbolEntry) uint64 {
	h := sha256.New()
	var buf [8]byte
	for _, s := range syms {
		h.Write([]byte(s.Name))
		binary.LittleEndian.PutUint64(buf[:], s.SignatureHash)
		h.Write(buf[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return binary.LittleEndian.Uint64(out[:8])
}

// SourceHash returns the content hash of this Module's function bodies,
// used by CacheKey (I3).
func (m *Module) SourceHash() uint64 { return m.sourceHash }

// DepsHash returns the content hash of this Module's symbol table.
func (m *Module) DepsHash() uint64 { return m.depsHash }

// FunctionByName resolves a function by name, mirroring how the Dispatcher
// resolves an invocation target (§4.5 step 1).
func (m *Module) FunctionByName(name string) (*Function, bool) {
	for i := range m.Functions {
		if m.Functions[i].Id.FunctionName == name {
			return &m.Functions[i], true
		}
	}
	return nil, false
}

// ChangedSymbols returns the set of names that changed between old and
// new — the input to Code Cache invalidation on hot-swap (§4.3
// "Invalidation is broadcast"): symbols added, removed or whose signature
// changed, plus every function of newMod that is absent from oldMod or
// whose bytecode or constant range differs from the same-named function.
func ChangedSymbols(oldMod, newMod *Module) map[string]struct{} {
	oldSigs := make(map[string]uint64, len(oldMod.Symbols))
	for _, s := range oldMod.Symbols {
		oldSigs[s.Name] = s.SignatureHash
	}
	changed := make(map[string]struct{})
	for _, s := range newMod.Symbols {
		if oldSig, ok := oldSigs[s.Name]; !ok || oldSig != s.SignatureHash {
			changed[s.Name] = struct{}{}
		}
	}
	for name := range oldSigs {
		found := false
		for _, s := range newMod.Symbols {
			if s.Name == name {
				found = true
				break
			}
		}
		if !found {
			changed[name] = struct{}{}
		}
	}
	for i := range newMod.Functions {
		nf := &newMod.Functions[i]
		of, ok := oldMod.FunctionByName(nf.Id.FunctionName)
		same := ok && string(of.Code) == string(nf.Code) && of.ConstHi-of.ConstLo == nf.ConstHi-nf.ConstLo
		for j := uint32(0); same && j < nf.ConstHi-nf.ConstLo; j++ {
			oi, ni := int(of.ConstLo+j), int(nf.ConstLo+j)
			same = oi < len(oldMod.Constants) && ni < len(newMod.Constants) && Equal(oldMod.Constants[oi], newMod.Constants[ni])
		}
		if !same {
			changed[nf.Id.FunctionName] = struct{}{}
		}
	}
	return changed
}
