package jit

import (
	"errors"
	"fmt"

	"github.com/chazu/tagjit/vm"
)

var (
	// ErrUnsupportedInstruction is returned for opcodes the translator
	// cannot lower.
	ErrUnsupportedInstruction = errors.New("unsupported instruction")

	// ErrUnsupportedCatchKind is returned for catch entries with no
	// defined handling, including ensure.
	ErrUnsupportedCatchKind = errors.New("unsupported catch kind")

	// ErrStackMismatch is returned when operand stack depths disagree:
	// at a merge point, or against a catch entry's recorded depth.
	ErrStackMismatch = errors.New("operand stack depth mismatch")

	// ErrMalformedRegion is returned for catch entries whose boundaries
	// are not instruction boundaries or that overlap partially.
	ErrMalformedRegion = errors.New("malformed catch region")

	// ErrNotCompilable is returned for bodies that are not instruction
	// sequences.
	ErrNotCompilable = errors.New("body is not an instruction sequence")

	// ErrSuperseded is returned when the method table no longer holds the
	// stub at install time.
	ErrSuperseded = errors.New("stub superseded")
)

// CompileError locates a translation failure in the bytecode.
type CompileError struct {
	Scope  Scope
	Offset int // -1 when the failure is not tied to an instruction
	Op     vm.Opcode
	Err    error
}

func (e *CompileError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("jit %s: %v", e.Scope, e.Err)
	}
	return fmt.Sprintf("jit %s at %04d (%s): %v", e.Scope, e.Offset, e.Op, e.Err)
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// PanicError wraps a panic recovered during translation.
type PanicError struct {
	Value any
	Frame string // function, file and line that panicked
}

func (e *PanicError) Error() string {
	if e.Frame == "" {
		return fmt.Sprintf("panic: %v", e.Value)
	}
	return fmt.Sprintf("panic: %v in %s", e.Value, e.Frame)
}
