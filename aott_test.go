package aott

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aott-dev/aott/internal/bytecode"
)

func TestLoadModuleAndInvoke(t *testing.T) {
	handle, err := LoadModuleBytes(addOneModuleBytes())
	require.NoError(t, err)

	v, err := handle.Invoke(context.Background(), "addone", []Value{bytecode.Int(4)})
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(5), v)
}

func TestLoadModuleRejectsMalformedBytes(t *testing.T) {
	_, err := LoadModuleBytes([]byte{0, 1, 2, 3})
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, ErrLoad, ee.Kind)
	require.Equal(t, 1, ee.Kind.ExitCode())
}

func TestInvokeUnknownFunctionSurfacesAsRuntimeError(t *testing.T) {
	handle, err := LoadModuleBytes(addOneModuleBytes())
	require.NoError(t, err)

	_, err = handle.Invoke(context.Background(), "nope", nil)
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, ErrRuntime, ee.Kind)
}

func TestHotSwapReplacesFunctionBehavior(t *testing.T) {
	handle, err := LoadModuleBytes(addOneModuleBytes())
	require.NoError(t, err)

	v, err := handle.Invoke(context.Background(), "addone", []Value{bytecode.Int(4)})
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(5), v)

	a2 := &asm{}
	a2.op16(bytecode.OpLoadLocal, 0)
	a2.op8(bytecode.OpLoadConst8, 0)
	a2.op0(bytecode.OpAdd)
	a2.op0(bytecode.OpReturn)
	newConsts := []bytecode.Value{bytecode.Int(2)}
	newFn := bytecode.Function{
		Id:         bytecode.FunctionId{ModuleName: "m", FunctionName: "addone"},
		Parameters: []string{"n"},
		Code:       a2.code(),
		ConstHi:    uint32(len(newConsts)),
	}
	newMod := bytecode.NewModule("m", []bytecode.Function{newFn}, newConsts, nil)
	data, err := bytecode.EncodeToBytes(newMod, bytecode.Header{Version: 1, TargetTriple: "test"})
	require.NoError(t, err)

	report, err := handle.HotSwap(newByteReader(data))
	require.NoError(t, err)
	require.NotEmpty(t, report.Invalidated)

	v, err = handle.Invoke(context.Background(), "addone", []Value{bytecode.Int(4)})
	require.NoError(t, err)
	require.Equal(t, bytecode.Int(6), v)
}

func TestStatsReportsTierDistributionAndHitRate(t *testing.T) {
	handle, err := LoadModuleBytes(addOneModuleBytes())
	require.NoError(t, err)

	_, err = handle.Invoke(context.Background(), "addone", []Value{bytecode.Int(1)})
	require.NoError(t, err)

	stats := handle.Stats()
	require.Equal(t, 1, stats.TierDistribution[bytecode.T0])
	require.GreaterOrEqual(t, stats.CacheHitRate, 0.0)
}

func TestConfigureRejectsPromotionThresholdChangeOnRunningHandle(t *testing.T) {
	handle, err := LoadModuleBytes(addOneModuleBytes())
	require.NoError(t, err)

	cfg := DefaultEngineConfig()
	cfg.PromotionThresholds.T0T1 = 999
	err = handle.Configure(cfg)
	require.Error(t, err)
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, ErrConfiguration, ee.Kind)
}

func TestConfigureAcceptsLoggerAndSelfCheckChange(t *testing.T) {
	handle, err := LoadModuleBytes(addOneModuleBytes())
	require.NoError(t, err)

	cfg := handle.cfg
	cfg.SelfCheck = true
	require.NoError(t, handle.Configure(cfg))
	require.True(t, handle.cfg.SelfCheck)
}
