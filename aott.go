// Package aott is the Invocation API (§6.2): load a bytecode Module,
// invoke its functions, hot-swap it in place, and read back tier and
// cache occupancy. It wires the Execution Dispatcher, the stub native
// backend, and a Prometheus-backed EngineStats view into one handle.
package aott

import (
	"context"
	"errors"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aott-dev/aott/internal/backend"
	"github.com/aott-dev/aott/internal/bytecode"
	"github.com/aott-dev/aott/internal/deopt"
	"github.com/aott-dev/aott/internal/dispatch"
)

// Value is the bytecode Value model exposed to callers.
type Value = bytecode.Value

// SwapReport is hot_swap's return value (§6.2).
type SwapReport = dispatch.SwapReport

// ModuleHandle is the handle load_module returns: an installed Module
// bound to its own Dispatcher, Tier Registry, Profile Store and Code
// Cache (§6.2 "load_module(bytes) -> ModuleHandle").
type ModuleHandle struct {
	cfg     EngineConfig
	metrics *metrics
	d       *dispatch.Dispatcher
}

// LoadModule parses and installs a serialized Module (§6.1 wire format)
// and returns a handle ready for Invoke, or a structured *EngineError.
func LoadModule(r io.Reader, opts ...ConfigOption) (*ModuleHandle, error) {
	cfg := NewEngineConfig(opts...)

	mod, _, err := bytecode.Decode(r)
	if err != nil {
		return nil, newEngineError("LoadModule", ErrLoad, err)
	}

	d, err := buildDispatcher(mod, cfg)
	if err != nil {
		return nil, newEngineError("LoadModule", ErrConfiguration, err)
	}

	return &ModuleHandle{cfg: cfg, metrics: newMetrics(), d: d}, nil
}

// LoadModuleBytes is a convenience wrapper taking an in-memory buffer.
func LoadModuleBytes(data []byte, opts ...ConfigOption) (*ModuleHandle, error) {
	return LoadModule(newByteReader(data), opts...)
}

func buildDispatcher(mod *bytecode.Module, cfg EngineConfig) (*dispatch.Dispatcher, error) {
	thresholds := cfg.PromotionThresholds
	return dispatch.New(dispatch.Config{
		Module:       mod,
		Backend:      backend.NewStub(),
		Cache:        cfg.cacheConfig(),
		Thresholds:   thresholds,
		Policy:       cfg.Policy,
		TargetTriple: cfg.TargetTriple,
		Logger:       cfg.Logger,
		SelfCheck:    cfg.SelfCheck,
	})
}

// Invoke synchronously runs function_name with args at its current tier
// (§6.2 "invoke(module, function_name, args) -> Value | Error"). A
// deopt's guard failure and resume are handled internally; callers only
// ever see the final Value or a surfaced runtime error.
func (h *ModuleHandle) Invoke(ctx context.Context, functionName string, args []Value) (Value, error) {
	v, err := h.d.Invoke(ctx, functionName, args)
	if err != nil {
		kind := ErrRuntime
		if errors.Is(err, deopt.ErrFatal) {
			kind = ErrFatalDeopt
		}
		return Value{}, newEngineError("Invoke", kind, err)
	}
	h.metrics.observeInvoke(functionName)
	return v, nil
}

// HotSwap atomically replaces functions with matching (name,
// signature_hash) (§6.2 "hot_swap").
func (h *ModuleHandle) HotSwap(r io.Reader) (SwapReport, error) {
	newMod, _, err := bytecode.Decode(r)
	if err != nil {
		return SwapReport{}, newEngineError("HotSwap", ErrLoad, err)
	}
	report, err := h.d.HotSwap(newMod)
	if err != nil {
		return SwapReport{}, newEngineError("HotSwap", ErrSemantic, err)
	}
	h.metrics.observeSwap(len(report.Invalidated))
	return report, nil
}

// EngineStats is stats()'s result (§6.2): current tier distribution and
// cache hit rate. It carries no per-function deopt rate.
type EngineStats struct {
	TierDistribution map[bytecode.TierLevel]int
	CacheHitRate     float64
}

// Stats reports current tier distribution and cache hit rate (§6.2
// "stats() -> EngineStats"), and pushes the same numbers through the
// Prometheus collectors registered for this handle.
func (h *ModuleHandle) Stats() EngineStats {
	s := h.d.Stats()
	stats := EngineStats{TierDistribution: s.TierDistribution, CacheHitRate: s.CacheHitRate}
	h.metrics.observeStats(stats)
	return stats
}

// Configure checks a new EngineConfig against a running handle (§6.2
// "configure(EngineConfig)"). A change to promotion thresholds, policy
// or cache topology returns a configuration error naming what changed;
// those take a fresh LoadModule. The other knobs (logger, self-check
// flag, profile sample rate, PIC polymorphism degree) are accepted and
// recorded on the handle's config only: the running Dispatcher keeps
// the values it was built with.
func (h *ModuleHandle) Configure(cfg EngineConfig) error {
	if cfg.PromotionThresholds != h.cfg.PromotionThresholds || cfg.Policy != h.cfg.Policy {
		return newEngineError("Configure", ErrConfiguration, errDynamicPromotionReconfig)
	}
	if cfg.CacheEvictionPolicy != h.cfg.CacheEvictionPolicy || cfg.CacheCapacity != h.cfg.CacheCapacity ||
		cfg.PersistentCachePath != h.cfg.PersistentCachePath {
		return newEngineError("Configure", ErrConfiguration, errDynamicCacheReconfig)
	}
	h.cfg.Logger = cfg.Logger
	h.cfg.SelfCheck = cfg.SelfCheck
	h.cfg.ProfileSampleRate = cfg.ProfileSampleRate
	h.cfg.PICPolymorphismDegree = cfg.PICPolymorphismDegree
	return nil
}

// Collectors exposes the handle's Prometheus collectors for a caller to
// register against their own registry, in place of the global default.
func (h *ModuleHandle) Collectors() []prometheus.Collector {
	return h.metrics.collectors()
}
