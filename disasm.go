package aott

import (
	"encoding/json"
	"io"
	"strconv"

	"github.com/aott-dev/aott/internal/bytecode"
)

// Disassemble parses a serialized Module and returns a human-readable
// disassembly of one function's bytecode, for the `aott disassemble`
// binary-host subcommand (§6.5).
func Disassemble(r io.Reader, functionName string) (string, error) {
	mod, _, err := bytecode.Decode(r)
	if err != nil {
		return "", newEngineError("Disassemble", ErrLoad, err)
	}
	fn, ok := mod.FunctionByName(functionName)
	if !ok {
		return "", newEngineError("Disassemble", ErrSemantic, errUnknownFunction(functionName))
	}
	return bytecode.DisassembleText(*fn, mod.Constants), nil
}

// ParseJSONValue decodes one CLI-supplied argument into a bytecode
// Value: a JSON number becomes an Integer if it has no fractional part
// and a Float otherwise, JSON true/false becomes a Boolean, and a JSON
// string becomes a String. This is a convenience for the `aott invoke`
// subcommand, not the wire TaggedValue format of §6.1.
func ParseJSONValue(s string) (Value, error) {
	var raw interface{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return Value{}, err
	}
	switch v := raw.(type) {
	case bool:
		return bytecode.Bool(v), nil
	case string:
		return bytecode.StrVal(v), nil
	case float64:
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return bytecode.Int(i), nil
		}
		return bytecode.Flt(v), nil
	default:
		return Value{}, errUnsupportedArgShape(s)
	}
}

// NewLoadError wraps err as a load-kind EngineError, for CLI call sites
// that fail before ever reaching LoadModule (e.g. os.Open).
func NewLoadError(err error) error { return newEngineError("Load", ErrLoad, err) }

// NewConfigurationError wraps err as a configuration-kind EngineError.
func NewConfigurationError(err error) error { return newEngineError("Configure", ErrConfiguration, err) }
