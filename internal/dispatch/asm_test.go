package dispatch

import (
	"encoding/binary"

	"github.com/aott-dev/aott/internal/bytecode"
)

// asm is a minimal test-only assembler mirroring the tier package's own
// test helper of the same name: append instructions; op16 returns the
// offset of its 2-byte operand. Unlike the tier helper it has no
// displacement-patching method.
type asm struct {
	buf []byte
}

func (a *asm) off() uint32 { return uint32(len(a.buf)) }

func (a *asm) op0(op bytecode.Opcode) { a.buf = append(a.buf, byte(op)) }

func (a *asm) op8(op bytecode.Opcode, operand uint8) {
	a.buf = append(a.buf, byte(op), operand)
}

func (a *asm) op16(op bytecode.Opcode, operand uint16) uint32 {
	pos := a.off()
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], operand)
	a.buf = append(a.buf, byte(op), b[0], b[1])
	return pos + 1
}

func (a *asm) code() bytecode.Bytecode { return bytecode.Bytecode(a.buf) }
