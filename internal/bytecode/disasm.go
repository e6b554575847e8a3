package bytecode

import (
	"fmt"
	"strings"
)

// DisassembledLine is one line of a textual listing: either a decoded
// instruction or a soft error recorded at a specific offset (§4.1
// "Unknown opcodes, operands past end-of-chunk, and invalid constant
// indices are soft errors that do not abort disassembly").
type DisassembledLine struct {
	Offset uint32
	Text   string
	Err    error
}

// Disassemble produces a textual listing of a Function's bytecode with
// resolved constants (§4.1, debug only). It never aborts on malformed
// input — the listing continues after the bad byte, one DisassembledLine
// per decode attempt.
func Disassemble(fn Function, constants []Value) []DisassembledLine {
	var lines []DisassembledLine
	c := NewCursor(fn.Code)
	for !c.Done() {
		in, err := c.Next()
		if err != nil {
			lines = append(lines, DisassembledLine{
				Offset: in.Offset,
				Text:   fmt.Sprintf("%04x  <bad byte %#02x: %v>", in.Offset, byte(in.Op), err),
				Err:    err,
			})
			continue
		}
		lines = append(lines, DisassembledLine{
			Offset: in.Offset,
			Text:   formatInstruction(in, fn, constants),
		})
	}
	return lines
}

func formatInstruction(in Instruction, fn Function, constants []Value) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%04x  %-16s", in.Offset, in.Op.String())

	switch in.Op {
	case OpLoadConst8:
		appendConstRef(&sb, fn, constants, uint32(in.Operand8()))
	case OpLoadConst16:
		appendConstRef(&sb, fn, constants, uint32(in.Operand16()))
	case OpJump, OpJumpIfTrue, OpJumpIfFalse, OpLoop:
		disp := in.SignedDisplacement()
		target := int64(in.NextOffset()) + int64(disp)
		fmt.Fprintf(&sb, "-> %04x", target)
	case OpCall, OpCallMethod, OpCallNative, OpNew:
		fmt.Fprintf(&sb, "argc=%d", in.Operand8())
	case OpLoadLocal, OpStoreLocal, OpLoadUpvalue, OpStoreUpvalue,
		OpGetProperty, OpSetProperty, OpMakeList, OpMakeDict, OpMakeSet,
		OpMakeTuple, OpCatch, OpClass, OpMethod, OpCloseUpvalue, OpDefineFunction:
		fmt.Fprintf(&sb, "%d", in.Operand16())
	case OpClosure:
		fmt.Fprintf(&sb, "upvalues=%d", in.Operand8())
	}
	return sb.String()
}

func appendConstRef(sb *strings.Builder, fn Function, constants []Value, idx uint32) {
	globalIdx := fn.ConstLo + idx
	if int(globalIdx) < len(constants) && globalIdx < fn.ConstHi {
		fmt.Fprintf(sb, "#%d ; %s", idx, constants[globalIdx].String())
		return
	}
	// Invalid constant index: a soft error for disassembly purposes only.
	fmt.Fprintf(sb, "#%d ; <invalid constant index>", idx)
}

// DisassembleText joins a Function's disassembly into a single listing,
// convenient for error messages (§4.1).
func DisassembleText(fn Function, constants []Value) string {
	lines := Disassemble(fn, constants)
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.Text
	}
	return strings.Join(parts, "\n")
}
