package bytecode

import "github.com/pkg/errors"

// ErrUnknownOpcode is returned (or, during disassembly, reported and
// skipped past) when a byte does not match any entry in opcodeTable.
var ErrUnknownOpcode = errors.New("bytecode: unknown opcode")

// ErrTruncated indicates an instruction's operand bytes run past the end
// of the chunk.
var ErrTruncated = errors.New("bytecode: truncated instruction")

// Instruction is one decoded (offset, opcode, operands) triple yielded by
// a Cursor (§4.1).
type Instruction struct {
	Offset   uint32
	Op       Opcode
	Operands []byte // raw operand bytes, length == Op.Size()
}

// Operand16 interprets the first two operand bytes as a little-endian
// unsigned 16-bit value.
func (in Instruction) Operand16() uint16 {
	if len(in.Operands) < 2 {
		return 0
	}
	return uint16(in.Operands[0]) | uint16(in.Operands[1])<<8
}

// Operand8 interprets the first operand byte.
func (in Instruction) Operand8() uint8 {
	if len(in.Operands) < 1 {
		return 0
	}
	return in.Operands[0]
}

// SignedDisplacement interprets the operand as a 16-bit signed
// displacement, for Jump/JumpIfTrue/JumpIfFalse/Loop (§4.1).
func (in Instruction) SignedDisplacement() int16 {
	return int16(in.Operand16())
}

// NextOffset is the offset of the instruction immediately following this
// one in straight-line order (ignoring branches).
func (in Instruction) NextOffset() uint32 {
	return in.Offset + 1 + uint32(len(in.Operands))
}

// Cursor yields (offset, opcode, operands) triples over a Bytecode and is
// rewindable to any previously recorded offset (§4.1). It is the one
// capability the bytecode model exposes to every tier: T0 uses it
// directly to execute; higher tiers use it during compilation and again
// during deopt re-materialization to recover the instruction at a
// bytecode_offset.
type Cursor struct {
	code Bytecode
	pos  uint32
}

// NewCursor creates a Cursor positioned at the start of code.
func NewCursor(code Bytecode) *Cursor {
	return &Cursor{code: code}
}

// Seek rewinds (or advances) the cursor to an arbitrary offset.
func (c *Cursor) Seek(offset uint32) {
	c.pos = offset
}

// Offset returns the cursor's current position.
func (c *Cursor) Offset() uint32 { return c.pos }

// Done reports whether the cursor has consumed the entire chunk.
func (c *Cursor) Done() bool { return int(c.pos) >= len(c.code) }

// Next decodes the instruction at the current position and advances past
// it. It returns ErrUnknownOpcode or ErrTruncated on malformed input; the
// caller decides whether that's fatal (load time, §6.1) or a soft,
// continuable error (disassembly, §4.1).
func (c *Cursor) Next() (Instruction, error) {
	if c.Done() {
		return Instruction{}, errors.New("bytecode: cursor at end")
	}
	start := c.pos
	op := Opcode(c.code[c.pos])
	size, ok := op.Size()
	if !ok {
		c.pos++ // advance past the one bad byte so iteration can continue
		return Instruction{Offset: start, Op: op}, ErrUnknownOpcode
	}
	opStart := c.pos + 1
	if int(opStart)+size > len(c.code) {
		c.pos = uint32(len(c.code))
		return Instruction{Offset: start, Op: op}, ErrTruncated
	}
	operands := c.code[opStart : opStart+uint32(size)]
	c.pos = opStart + uint32(size)
	return Instruction{Offset: start, Op: op, Operands: operands}, nil
}

// Each decodes every instruction from the cursor's current position to
// the end, invoking fn for each. Decode errors are soft: Each records them
// via the onError callback (nil is allowed, meaning "ignore") and
// continues, matching the disassembler's tolerance for bad bytes (§4.1).
func (c *Cursor) Each(fn func(Instruction), onError func(offset uint32, err error)) {
	for !c.Done() {
		in, err := c.Next()
		if err != nil {
			if onError != nil {
				onError(in.Offset, err)
			}
			continue
		}
		fn(in)
	}
}
