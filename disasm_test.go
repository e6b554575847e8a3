package aott

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisassembleListsAddOneInstructions(t *testing.T) {
	text, err := Disassemble(newByteReader(addOneModuleBytes()), "addone")
	require.NoError(t, err)
	require.Contains(t, text, "load_local")
	require.Contains(t, text, "add")
	require.Contains(t, text, "return")
}

func TestDisassembleUnknownFunctionIsSemanticError(t *testing.T) {
	_, err := Disassemble(newByteReader(addOneModuleBytes()), "nope")
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, ErrSemantic, ee.Kind)
}

func TestParseJSONValueHandlesBoolStringAndNumber(t *testing.T) {
	v, err := ParseJSONValue("true")
	require.NoError(t, err)
	require.Equal(t, true, v.Boolean)

	v, err = ParseJSONValue(`"hi"`)
	require.NoError(t, err)
	require.Equal(t, "hi", v.Str)

	v, err = ParseJSONValue("5")
	require.NoError(t, err)
	require.Equal(t, int64(5), v.Integer)

	v, err = ParseJSONValue("5.5")
	require.NoError(t, err)
	require.Equal(t, 5.5, v.Float)
}

func TestParseJSONValueRejectsUnsupportedShape(t *testing.T) {
	_, err := ParseJSONValue("[1,2,3]")
	require.Error(t, err)
}
