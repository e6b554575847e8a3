package aott

import (
	"fmt"
)

// ErrorKind classifies an EngineError by source and recoverability,
// mirroring the error taxonomy table (bytecode load, semantic, runtime,
// deopt-fatal, configuration).
type ErrorKind int

const (
	// ErrUnknown is never returned directly; it guards against a
	// zero-value ErrorKind leaking out of an incompletely-built error.
	ErrUnknown ErrorKind = iota
	// ErrLoad covers malformed bytecode rejected at load_module time.
	ErrLoad
	// ErrSemantic covers a load that parses but references something
	// the loader cannot resolve (e.g. an unknown opcode at compile time).
	ErrSemantic
	// ErrRuntime covers any failure surfaced from invoke() other than a
	// fatal deopt: an uncaught user exception (bytecode Throw with no
	// enclosing Catch), an unknown function name, or an execution error.
	ErrRuntime
	// ErrFatalDeopt covers a deopt reconstruction failure: the sole fatal
	// class, since it indicates a compiler bug the engine cannot paper
	// over by falling back to a lower tier.
	ErrFatalDeopt
	// ErrConfiguration covers a rejected EngineConfig, whether from an
	// invalid governing policy expression or an unsupported attempt to
	// reconfigure a running Engine.
	ErrConfiguration
)

func (k ErrorKind) String() string {
	switch k {
	case ErrLoad:
		return "load"
	case ErrSemantic:
		return "semantic"
	case ErrRuntime:
		return "runtime"
	case ErrFatalDeopt:
		return "fatal_deopt"
	case ErrConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// ExitCode maps an ErrorKind to the binary host's exit code (§6.5).
func (k ErrorKind) ExitCode() int {
	switch k {
	case ErrLoad:
		return 1
	case ErrSemantic:
		return 2
	case ErrRuntime:
		return 3
	case ErrFatalDeopt:
		return 4
	case ErrConfiguration:
		return 5
	default:
		return 1
	}
}

// EngineError wraps an underlying error with the Kind needed to route it
// to the right host-facing behavior (exit code, log level, retry).
type EngineError struct {
	Kind    ErrorKind
	Op      string // the API call that failed, e.g. "LoadModule", "Invoke"
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("aott: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("aott: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func newEngineError(op string, kind ErrorKind, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

func errUnknownFunction(name string) error {
	return fmt.Errorf("function %q not found in module", name)
}

func errUnsupportedArgShape(raw string) error {
	return fmt.Errorf("unsupported argument shape for %q: expected a JSON bool, string, or number", raw)
}
