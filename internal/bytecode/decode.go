package bytecode

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Magic is the fixed 4-byte header magic for a serialized Module (§6.1).
const Magic uint32 = 0x52554E41

// ErrBadMagic is returned when a serialized Module's header magic doesn't
// match Magic.
var ErrBadMagic = errors.New("bytecode: bad module magic")

// ErrUnknownValueTag is a hard load-time error (§6.1 "Unknown tags are a
// hard error at load time").
var ErrUnknownValueTag = errors.New("bytecode: unknown value tag")

// Header is the fixed preamble of a serialized Module (§6.1).
type Header struct {
	Version       uint32
	TargetTriple  string
}

// Decode parses a serialized Module per the wire format of §6.1: header,
// constant pool, function table, all integers little-endian. Any
// malformed input is a hard error — the Loader never partially installs a
// Module (§7 "Bytecode malformed").
func Decode(r io.Reader) (*Module, *Header, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, nil, errors.Wrap(err, "read magic")
	}
	if magic != Magic {
		return nil, nil, ErrBadMagic
	}

	var hdr Header
	if err := binary.Read(r, binary.LittleEndian, &hdr.Version); err != nil {
		return nil, nil, errors.Wrap(err, "read version")
	}
	var tripleLen uint16
	if err := binary.Read(r, binary.LittleEndian, &tripleLen); err != nil {
		return nil, nil, errors.Wrap(err, "read target_triple_len")
	}
	tripleBytes := make([]byte, tripleLen)
	if _, err := io.ReadFull(r, tripleBytes); err != nil {
		return nil, nil, errors.Wrap(err, "read target_triple")
	}
	hdr.TargetTriple = string(tripleBytes)

	constants, err := decodeConstantPool(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decode constant pool")
	}

	functions, symbols, err := decodeFunctionTable(r)
	if err != nil {
		return nil, nil, errors.Wrap(err, "decode function table")
	}
	// The wire format carries no per-function constant range, so every
	// decoded function may reference the whole constant pool.
	for i := range functions {
		functions[i].ConstHi = uint32(len(constants))
	}

	return NewModule("", functions, constants, symbols), &hdr, nil
}

func decodeConstantPool(r io.Reader) ([]Value, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	out := make([]Value, count)
	for i := range out {
		v, err := decodeTaggedValue(r)
		if err != nil {
			return nil, errors.Wrapf(err, "constant[%d]", i)
		}
		out[i] = v
	}
	return out, nil
}

// decodeTaggedValue reads a 1-byte discriminant followed by the variant's
// payload. Only the scalar variants round-trip through the wire format;
// compound values are constructed by bytecode at runtime (New, MakeList,
// ...) rather than serialized, matching how a constant pool typically
// holds literals, not heap graphs.
func decodeTaggedValue(r io.Reader) (Value, error) {
	var tag uint8
	if err := binary.Read(r, binary.LittleEndian, &tag); err != nil {
		return Value{}, err
	}
	switch Tag(tag) {
	case TagInteger:
		var v int64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return Value{}, err
		}
		return Int(v), nil
	case TagFloat:
		var v float64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return Value{}, err
		}
		return Flt(v), nil
	case TagBoolean:
		var v uint8
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return Value{}, err
		}
		return Bool(v != 0), nil
	case TagString:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return Value{}, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Value{}, err
		}
		return StrVal(string(buf)), nil
	case TagNull:
		return Null, nil
	default:
		return Value{}, errors.Wrapf(ErrUnknownValueTag, "tag=%d", tag)
	}
}

func decodeFunctionTable(r io.Reader) ([]Function, []SymbolEntry, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, nil, err
	}
	functions := make([]Function, count)
	symbols := make([]SymbolEntry, count)
	for i := range functions {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, nil, err
		}
		nameBytes := make([]byte, nameLen)
		if _, err := io.ReadFull(r, nameBytes); err != nil {
			return nil, nil, err
		}
		name := string(nameBytes)

		var paramCount uint16
		if err := binary.Read(r, binary.LittleEndian, &paramCount); err != nil {
			return nil, nil, err
		}

		var codeLen uint32
		if err := binary.Read(r, binary.LittleEndian, &codeLen); err != nil {
			return nil, nil, err
		}
		code := make([]byte, codeLen)
		if _, err := io.ReadFull(r, code); err != nil {
			return nil, nil, err
		}

		sig := SignatureHash(name, int(paramCount))
		params := make([]string, paramCount)
		functions[i] = Function{
			Id:         FunctionId{FunctionName: name, SignatureHash: sig},
			Parameters: params,
			Code:       code,
		}
		symbols[i] = SymbolEntry{Name: name, SignatureHash: sig, FunctionIndex: i}
	}
	return functions, symbols, nil
}
