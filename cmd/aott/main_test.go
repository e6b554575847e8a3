package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/bytecode"
)

type asm struct{ buf []byte }

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

func writeAddOneModule(t *testing.T) string {
	t.Helper()
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
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "module.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadCmdAcceptsValidModule(t *testing.T) {
	path := writeAddOneModule(t)
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"load", path})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "ok")
}

func TestInvokeCmdPrintsResultValue(t *testing.T) {
	path := writeAddOneModule(t)
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"invoke", path, "addone", "4"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "5")
}

func TestLoadCmdMissingFileReturnsLoadExitCode(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"load", "/nonexistent/module.bin"})
	err := cmd.Execute()
	require.Error(t, err)
	require.Equal(t, 1, exitCodeFor(err))
}

func TestDisassembleCmdPrintsListing(t *testing.T) {
	path := writeAddOneModule(t)
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"disassemble", path, "addone"})
	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "load_local")
}
