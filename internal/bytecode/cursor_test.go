package bytecode

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursor_DecodesStraightLine(t *testing.T) {
	code := Bytecode{
		byte(OpLoadConst8), 0x02,
		byte(OpLoadLocal), 0x01, 0x00,
		byte(OpAdd),
		byte(OpReturn),
	}
	c := NewCursor(code)

	var ops []Opcode
	c.Each(func(in Instruction) { ops = append(ops, in.Op) }, nil)

	require.Equal(t, []Opcode{OpLoadConst8, OpLoadLocal, OpAdd, OpReturn}, ops)
}

func TestCursor_SeekRewinds(t *testing.T) {
	code := Bytecode{byte(OpNop), byte(OpNop), byte(OpReturn)}
	c := NewCursor(code)
	_, err := c.Next()
	require.NoError(t, err)
	require.EqualValues(t, 1, c.Offset())

	c.Seek(0)
	in, err := c.Next()
	require.NoError(t, err)
	require.EqualValues(t, 0, in.Offset)
}

func TestCursor_UnknownOpcodeIsSoftDuringEach(t *testing.T) {
	code := Bytecode{0xFE, byte(OpReturn)}
	c := NewCursor(code)

	var errs []error
	var ops []Opcode
	c.Each(func(in Instruction) { ops = append(ops, in.Op) }, func(_ uint32, err error) { errs = append(errs, err) })

	require.Equal(t, []Opcode{OpReturn}, ops)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], ErrUnknownOpcode)
}

func TestCursor_TruncatedOperandIsSoft(t *testing.T) {
	code := Bytecode{byte(OpLoadConst16), 0x01} // needs 2 operand bytes, has 1
	c := NewCursor(code)

	_, err := c.Next()
	require.ErrorIs(t, err, ErrTruncated)
	require.True(t, c.Done())
}

func TestDecodeEncode_RoundTrips(t *testing.T) {
	m := NewModule("m", []Function{
		{Id: FunctionId{FunctionName: "f", SignatureHash: SignatureHash("f", 0)}, Code: Bytecode{byte(OpReturn)}},
	}, []Value{Int(42)}, []SymbolEntry{{Name: "f", SignatureHash: SignatureHash("f", 0), FunctionIndex: 0}})

	hdr := Header{Version: 1, TargetTriple: "x86_64-aott"}
	encoded, err := EncodeToBytes(m, hdr)
	require.NoError(t, err)

	decoded, decHdr, err := Decode(bytes.NewReader(encoded))
	require.NoError(t, err)
	require.Equal(t, hdr.Version, decHdr.Version)
	require.Equal(t, hdr.TargetTriple, decHdr.TargetTriple)
	require.Len(t, decoded.Functions, 1)
	require.Equal(t, "f", decoded.Functions[0].Id.FunctionName)
	require.Equal(t, m.Functions[0].Code, decoded.Functions[0].Code)

	reencoded, err := EncodeToBytes(decoded, *decHdr)
	require.NoError(t, err)
	require.Equal(t, encoded, reencoded)
}

func TestDecode_BadMagicIsHardError(t *testing.T) {
	_, _, err := Decode(bytes.NewReader([]byte{0, 0, 0, 0}))
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestDisassemble_ToleratesBadBytes(t *testing.T) {
	fn := Function{Code: Bytecode{byte(OpLoadConst8), 0x00, 0xFE, byte(OpReturn)}}
	lines := Disassemble(fn, []Value{Int(7)})
	require.Len(t, lines, 3) // load_const8, bad byte, return
	require.NotNil(t, lines[1].Err)
	require.Contains(t, lines[0].Text, "load_const8")
}

func TestDisassemble_ZeroInstructionFunction(t *testing.T) {
	fn := Function{Code: Bytecode{byte(OpReturn)}}
	lines := Disassemble(fn, nil)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0].Text, "return")
}
