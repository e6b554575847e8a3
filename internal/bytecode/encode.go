package bytecode

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Encode serializes a Module back to the wire format of §6.1. Paired with
// Decode, this is the round-trip property P (§8) "Bytecode disassembly
// round-trips structurally": Encode(Decode(b)) == b for any b Decode
// accepted, modulo the module/symbol Name fields the wire format does not
// carry per-function (names live only in the function table entries).
func Encode(w io.Writer, m *Module, hdr Header) error {
	if err := binary.Write(w, binary.LittleEndian, Magic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, hdr.Version); err != nil {
		return err
	}
	triple := []byte(hdr.TargetTriple)
	if err := binary.Write(w, binary.LittleEndian, uint16(len(triple))); err != nil {
		return err
	}
	if _, err := w.Write(triple); err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.Constants))); err != nil {
		return err
	}
	for _, c := range m.Constants {
		if err := encodeTaggedValue(w, c); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(m.Functions))); err != nil {
		return err
	}
	for _, f := range m.Functions {
		name := []byte(f.Id.FunctionName)
		if err := binary.Write(w, binary.LittleEndian, uint16(len(name))); err != nil {
			return err
		}
		if _, err := w.Write(name); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint16(len(f.Parameters))); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(f.Code))); err != nil {
			return err
		}
		if _, err := w.Write(f.Code); err != nil {
			return err
		}
	}
	return nil
}

func encodeTaggedValue(w io.Writer, v Value) error {
	if err := binary.Write(w, binary.LittleEndian, uint8(v.Tag)); err != nil {
		return err
	}
	switch v.Tag {
	case TagInteger:
		return binary.Write(w, binary.LittleEndian, v.Integer)
	case TagFloat:
		return binary.Write(w, binary.LittleEndian, v.Float)
	case TagBoolean:
		b := uint8(0)
		if v.Boolean {
			b = 1
		}
		return binary.Write(w, binary.LittleEndian, b)
	case TagString:
		s := []byte(v.Str)
		if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
			return err
		}
		_, err := w.Write(s)
		return err
	case TagNull:
		return nil
	default:
		return ErrUnknownValueTag
	}
}

// EncodeToBytes is a convenience wrapper returning the encoded bytes
// directly, used by the Code Cache's content-addressing and by tests.
func EncodeToBytes(m *Module, hdr Header) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, m, hdr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
