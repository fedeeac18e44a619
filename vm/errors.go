package vm

import (
	"errors"
	"fmt"
	"runtime"
)

// ---------------------------------------------------------------------------
// Error kinds
// ---------------------------------------------------------------------------

var (
	ErrStackOverflow   = errors.New("stack overflow")
	ErrStackUnderflow  = errors.New("stack underflow")
	ErrTypeMismatch    = errors.New("type mismatch")
	ErrDivisionByZero  = errors.New("division by zero")
	ErrBadOpcode       = errors.New("bad opcode")
	ErrUndefinedOpcode = errors.New("undefined opcode")
	ErrSymbolNotFound  = errors.New("symbol not found")
	ErrSymbolConflict  = errors.New("symbol owned by another program")
	ErrTableFull       = errors.New("table full")
	ErrTooManyOpcodes  = errors.New("too many opcodes")
	ErrCorruptImage    = errors.New("corrupt program image")
	ErrChildExists     = errors.New("program already has a child process")
	ErrBadProcedure    = errors.New("bad procedure index")
	ErrBadAddress      = errors.New("address out of range")
	ErrHeapExhausted   = errors.New("string heap exhausted")
	ErrProgramLoad     = errors.New("cannot load program")
)

// ---------------------------------------------------------------------------
// FatalError: aborts one program's dispatch
// ---------------------------------------------------------------------------

// FatalError is raised (via panic) by opcode handlers and stack helpers when
// a program cannot continue. VM.Run recovers it, marks the program exited and
// errored, and logs it. It never crosses into another program's dispatch.
type FatalError struct {
	Program   string // name of the program that was executing
	Procedure string // best-effort procedure name
	Message   string
	Err       error // error kind, one of the Err* sentinels
}

func (e *FatalError) Error() string {
	if e.Procedure != "" {
		return fmt.Sprintf("%s (program %s, procedure %s)", e.Message, e.Program, e.Procedure)
	}
	if e.Program != "" {
		return fmt.Sprintf("%s (program %s)", e.Message, e.Program)
	}
	return e.Message
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatalf aborts the current dispatch of p. It must only be called while p is
// being run (from an opcode handler, a wait hook or a native callback).
func (p *Program) Fatalf(kind error, format string, args ...any) {
	panic(&FatalError{
		Program: p.name,
		Message: fmt.Sprintf(format, args...),
		Err:     kind,
	})
}

// asFatal converts a recovered panic value into a FatalError. Go runtime
// errors raised by malformed bytecode are treated as fatal for the program;
// anything else is not ours and is re-raised.
func asFatal(r any) *FatalError {
	switch e := r.(type) {
	case *FatalError:
		return e
	case runtime.Error:
		return &FatalError{Message: e.Error(), Err: ErrBadAddress}
	}
	panic(r)
}
