package vm

import (
	"strings"
)

// ---------------------------------------------------------------------------
// Control flow, calls and scheduling opcodes
// ---------------------------------------------------------------------------

func opJump(p *Program) {
	v := p.Pop()
	if v.Type&typeMask != TypeInt {
		p.Fatalf(ErrTypeMismatch, "Invalid type given to jmp, %x", uint16(v.Type))
	}
	p.ip = v.Int()
}

// opIf pops a condition and then a target address, jumping when the
// condition is false.
func opIf(p *Program) {
	cond := p.Pop()
	addr := p.Pop()
	if !cond.Truthy() {
		p.ip = addr.Int()
	}
}

// opWhile pops a condition. When it is false the loop exit address below
// it is popped and jumped to; otherwise the address stays for the next
// iteration.
func opWhile(p *Program) {
	if !p.Pop().Truthy() {
		p.ip = p.Pop().Int()
	}
}

func opExitProgram(p *Program) { p.flags |= FlagExited }
func opStopProgram(p *Program) { p.flags |= FlagStopped }

// opCall pops a procedure index and enters that procedure. The caller has
// already pushed its return address, the arguments and their count.
func (vm *VM) opCall(p *Program) {
	v := p.Pop()
	if v.Type&typeMask != TypeInt {
		p.Fatalf(ErrTypeMismatch, "Invalid address given to call")
	}
	i := p.checkProcedure(v.Int())
	flags := p.image.procFlags(i)
	if flags&ProcImported != 0 {
		vm.callImported(p, i)
		return
	}
	p.ip = p.image.procField(i, procBody)
	if flags&ProcCritical != 0 {
		p.flags |= FlagCritical
	}
}

// opCallAt pops a procedure index and a delay in seconds and schedules the
// procedure on the events pass.
func (vm *VM) opCallAt(p *Program) {
	v := p.Pop()
	if v.Type&typeMask != TypeInt {
		p.Fatalf(ErrTypeMismatch, "Invalid procedure type given to call")
	}
	secs := p.Pop()
	if secs.Type&typeMask != TypeInt {
		p.Fatalf(ErrTypeMismatch, "Invalid time given to call")
	}
	i := p.checkProcedure(v.Int())

	delay := 1000 * secs.Int()
	if !vm.suspendEvents {
		delay += vm.now()
	}
	p.image.setProcField(i, procTime, delay)
	p.image.setProcFlags(i, p.image.procFlags(i)|ProcTimed)
}

// opCallWhen pops a procedure index and the address of its condition code.
func opCallWhen(p *Program) {
	v := p.Pop()
	addr := p.Pop()
	if v.Type&typeMask != TypeInt {
		p.Fatalf(ErrTypeMismatch, "Invalid procedure type given to conditional call")
	}
	if addr.Type&typeMask != TypeInt {
		p.Fatalf(ErrTypeMismatch, "Invalid address given to conditional call")
	}
	i := p.checkProcedure(v.Int())
	p.image.setProcField(i, procCondition, addr.Int())
	p.image.setProcFlags(i, p.image.procFlags(i)|ProcConditional)
}

// opWait suspends the program for the popped number of milliseconds.
func (vm *VM) opWait(p *Program) {
	v := p.Pop()
	if v.Type&typeMask != TypeInt {
		p.Fatalf(ErrTypeMismatch, "Invalid type given to wait")
	}
	p.waitEnd = vm.now() + v.Int()
	p.Suspend(timerWait)
}

func cancelProcedure(im *Image, i int) {
	im.setProcFlags(i, im.procFlags(i)&^(ProcTimed|ProcConditional))
	im.setProcField(i, procTime, 0)
	im.setProcField(i, procCondition, 0)
}

func opCancel(p *Program) {
	v := p.Pop()
	if v.Type&typeMask != TypeInt {
		p.Fatalf(ErrTypeMismatch, "invalid type given to cancel")
	}
	if v.Int() < 0 || int(v.Int()) >= p.image.ProcedureCount() {
		p.Fatalf(ErrBadProcedure, "Invalid procedure offset given to cancel")
	}
	cancelProcedure(p.image, int(v.Int()))
}

func opCancelAll(p *Program) {
	for i := range p.image.ProcedureCount() {
		cancelProcedure(p.image, i)
	}
}

// opCheckArgCount pops the expected count and a procedure index.
func opCheckArgCount(p *Program) {
	want := p.PopInteger()
	i := p.checkProcedure(p.PopInteger())
	if p.image.procField(i, procArgCount) != want {
		p.Fatalf(ErrBadProcedure, "Wrong number of args to procedure %s", p.ProcedureName(i))
	}
}

// opLookupProcedureByName pushes the index of the procedure named by the
// popped string. Procedure 0 cannot be looked up.
func opLookupProcedureByName(p *Program) {
	v := p.Pop()
	if !v.IsString() {
		p.Fatalf(ErrTypeMismatch, "Wrong type given to lookup_string_proc")
	}
	name := p.StringOf(v)
	for i := 1; i < p.image.ProcedureCount(); i++ {
		if strings.EqualFold(p.ProcedureName(i), name) {
			p.PushInteger(int32(i))
			return
		}
	}
	p.Fatalf(ErrSymbolNotFound, "Couldn't find string procedure %s", name)
}

func opFetchProcedureAddress(p *Program) {
	v := p.Pop()
	if v.Type != TypeInt {
		p.Fatalf(ErrTypeMismatch, "Invalid type given to fetch_proc_address, %x", uint16(v.Type))
	}
	i := p.checkProcedure(v.Int())
	p.PushInteger(p.image.procField(i, procBody))
}

// ---------------------------------------------------------------------------
// Returns
// ---------------------------------------------------------------------------

func opPopReturn(p *Program) {
	p.returnTo(p.PopReturn().Int())
}

func opPopExit(p *Program) {
	p.returnTo(p.PopReturn().Int())
	p.flags |= FlagExitPass
}

func opPopAddress(p *Program) {
	p.PopReturn()
}

func opPopFlags(p *Program) {
	p.popFlags()
}

func opPopFlagsReturn(p *Program) {
	p.popFlags()
	p.returnTo(p.PopReturn().Int())
}

func opPopFlagsExit(p *Program) {
	p.popFlags()
	p.returnTo(p.PopReturn().Int())
	p.flags |= FlagExitPass
}

// opPopFlagsReturnValExit returns from an interrupt call leaving the
// procedure's result on the operand stack.
func opPopFlagsReturnValExit(p *Program) {
	v := p.Pop()
	p.popFlags()
	p.returnTo(p.PopReturn().Int())
	p.flags |= FlagExitPass
	p.Push(v)
}

// externReturn builds the returns of procedures entered through
// setupExternalCall. They restore the callee's own context, unblock the
// caller with its saved context and hand it the result, if any.
func externReturn(withValue, exit bool) OpcodeHandler {
	return func(p *Program) {
		var ret Value
		if withValue {
			ret = p.Pop()
		}
		p.popFlags()
		caller := p.popCaller()
		if withValue && !caller.freed {
			deliver(p, caller, ret)
			if !exit && caller.flags&FlagCritical != 0 {
				p.flags &^= FlagCritical
			}
		}
		p.returnTo(p.PopReturn().Int())
		if exit {
			p.flags |= FlagExitPass
		}
	}
}
