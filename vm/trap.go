package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Trap codes
// ---------------------------------------------------------------------------

// TrapCode identifies a runtime fault. Trap codes are part of the
// program-visible contract: the interpreter and the compiled engines
// raise identical codes for identical faults.
type TrapCode byte

const (
	TrapOutOfBounds TrapCode = iota
	TrapInvalidTag
	TrapPermissionDenied
	TrapTaintedData
	TrapDivideByZero
	TrapInvalidOpcode
	TrapStackOverflow
	TrapUser
)

var trapNames = [...]string{
	TrapOutOfBounds:      "out of bounds",
	TrapInvalidTag:       "invalid tag",
	TrapPermissionDenied: "permission denied",
	TrapTaintedData:      "tainted data",
	TrapDivideByZero:     "divide by zero",
	TrapInvalidOpcode:    "invalid opcode",
	TrapStackOverflow:    "stack overflow",
	TrapUser:             "user trap",
}

// String implements fmt.Stringer.
func (t TrapCode) String() string {
	if int(t) < len(trapNames) {
		return trapNames[t]
	}
	return fmt.Sprintf("trap(%d)", byte(t))
}

// ---------------------------------------------------------------------------
// Run results
// ---------------------------------------------------------------------------

// RunStatus classifies how an execution ended.
type RunStatus byte

const (
	StatusHalted  RunStatus = iota // ran to completion
	StatusTrapped                  // raised a trap
	StatusFuelOut                  // exceeded the instruction limit
)

// RunResult is the outcome of executing a program on either engine.
type RunResult struct {
	Status RunStatus
	Value  uint64   // r0 at halt, valid when Status == StatusHalted
	Trap   TrapCode // valid when Status == StatusTrapped
	PC     uint64   // faulting instruction index, valid when trapped
}

// Halted reports whether execution completed normally.
func (r RunResult) Halted() bool { return r.Status == StatusHalted }

// String implements fmt.Stringer.
func (r RunResult) String() string {
	switch r.Status {
	case StatusHalted:
		return fmt.Sprintf("halted(%d)", r.Value)
	case StatusTrapped:
		return fmt.Sprintf("trapped(%s @ %d)", r.Trap, r.PC)
	default:
		return "instruction limit exceeded"
	}
}

// ---------------------------------------------------------------------------
// Error values
// ---------------------------------------------------------------------------

var (
	// ErrInvalidInstruction is returned when decoding or compiling
	// malformed instruction bytes.
	ErrInvalidInstruction = errors.New("invalid instruction")

	// ErrBadMagic is returned when a program image does not start with
	// the container magic.
	ErrBadMagic = errors.New("bad program magic")

	// ErrMissingStencil is returned by the compiler when the host CPU
	// lacks a template for an (opcode, mode) pair.
	ErrMissingStencil = errors.New("missing stencil")

	// ErrBufferAllocation is returned when no executable buffer can be
	// obtained.
	ErrBufferAllocation = errors.New("executable buffer allocation failed")

	// ErrProgramTooLarge is returned when compiled code exceeds the
	// buffer size.
	ErrProgramTooLarge = errors.New("program too large")

	// ErrJITUnavailable is returned on platforms without native code
	// generation support.
	ErrJITUnavailable = errors.New("jit unavailable on this platform")

	// ErrTooManyTasks is returned when the concurrency runtime is at
	// its task limit.
	ErrTooManyTasks = errors.New("too many tasks")

	// ErrRelocation is returned when an ahead-of-time blob references
	// an unknown relocation kind or an out-of-range site.
	ErrRelocation = errors.New("bad relocation")
)

// CompileError wraps a compilation failure with the instruction index it
// occurred at.
type CompileError struct {
	PC  int
	Err error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile at %d: %v", e.PC, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }
