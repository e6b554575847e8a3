package aott

import (
	"encoding/binary"

	"github.com/aott-dev/aott/internal/bytecode"
)

// asm is a minimal test-only bytecode assembler, mirroring the one each
// internal/tier and internal/dispatch test file defines for itself since
// it is unexported and can't be shared across packages.
type asm struct {
	buf []byte
}

func (a *asm) op0(op bytecode.Opcode) { a.buf = append(a.buf, byte(op)) }

func (a *asm) op8(op bytecode.Opcode, operand uint8) {
	a.buf = append(a.buf, byte(op), operand)
}

func (a *asm) op16(op bytecode.Opcode, operand uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], operand)
	a.buf = append(a.buf, byte(op), b[0], b[1])
}

func (a *asm) code() bytecode.Bytecode { return bytecode.Bytecode(a.buf) }

// addOneModule builds a trivial module with one function, addone(n) =
// n + 1, encoded and decoded through the real wire format so root-package
// tests exercise LoadModule end to end rather than constructing a Module
// value directly.
func addOneModuleBytes() []byte {
	a := &asm{}
	a.op16(bytecode.OpLoadLocal, 0)
	a.op8(bytecode.OpLoadConst8, 0)
	a.op0(bytecode.OpAdd)
	a.op0(bytecode.OpReturn)
	constants := []bytecode.Value{bytecode.Int(1)}
	fn := bytecode.Function{
		Id:         bytecode.FunctionId{ModuleName: "m", FunctionName: "addone"},
		Parameters: []string{"n"},
		Code:       a.code(),
		ConstHi:    uint32(len(constants)),
	}
	mod := bytecode.NewModule("m", []bytecode.Function{fn}, constants, nil)
	data, err := bytecode.EncodeToBytes(mod, bytecode.Header{Version: 1, TargetTriple: "test"})
	if err != nil {
		panic(err)
	}
	return data
}
