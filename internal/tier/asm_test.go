package tier

import (
	"encoding/binary"

	"github.com/aott-dev/aott/internal/bytecode"
)

// asm is a minimal test-only assembler: append instructions, then Patch
// backward/forward 16-bit displacement operands once offsets are known.
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
	return pos + 1 // offset of the 2-byte operand, for later patching
}

// patchDisplacement writes a signed displacement at operandPos relative
// to the instruction's NextOffset (operandPos+2, since all branch
// operands here are 2 bytes).
func (a *asm) patchDisplacement(operandPos uint32, target uint32) {
	next := operandPos + 2
	disp := int16(int64(target) - int64(next))
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], uint16(disp))
	a.buf[operandPos] = b[0]
	a.buf[operandPos+1] = b[1]
}

func (a *asm) code() bytecode.Bytecode { return bytecode.Bytecode(a.buf) }
