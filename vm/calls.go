package vm

// ---------------------------------------------------------------------------
// Calls initiated by the runtime and across programs
// ---------------------------------------------------------------------------

// waitValue wraps a wait hook for the stacks, keeping a nil hook a null
// pointer.
func waitValue(w *Wait) Value {
	if w == nil {
		return Pointer(nil)
	}
	return Pointer(w)
}

func waitOf(v Value) *Wait {
	w, _ := v.Ptr().(*Wait)
	return w
}

// setupCall prepares p to run the code at addr as an interrupt. The resume
// address and stub go on the return stack; the interrupted flags, wait hook
// and window go on the operand stack for POP_FLAGS to restore.
func (p *Program) setupCall(addr, stub int32) {
	p.PushReturn(Int(p.ip))
	p.PushReturn(Int(stub))

	p.Push(Int(int32(p.flags & savedFlagsMask)))
	p.Push(waitValue(p.wait))
	p.Push(Int(p.window))

	p.flags &^= savedFlagsMask
	p.ip = addr
	p.inStub = false
}

// setupExternalCall prepares callee to run the code at addr on behalf of
// caller. The callee's return stack records, bottom to top, its own resume
// address, the stub, and the caller's window, flags, wait hook and identity.
// The caller is blocked until the callee returns through one of the extern
// return opcodes.
func (vm *VM) setupExternalCall(caller, callee *Program, addr, stub int32) {
	callee.PushReturn(Int(callee.ip))
	callee.PushReturn(Int(stub))
	callee.PushReturn(Int(caller.window))
	callee.PushReturn(Int(int32(caller.flags & savedFlagsMask)))
	callee.PushReturn(waitValue(caller.wait))
	callee.PushReturn(Pointer(caller))

	callee.Push(Int(int32(callee.flags & savedFlagsMask)))
	callee.Push(waitValue(callee.wait))
	callee.Push(Int(callee.window))

	callee.flags &^= savedFlagsMask
	callee.window = caller.window
	callee.ip = addr
	callee.inStub = false

	caller.flags |= FlagChildSync
}

// popFlags restores the flags, wait hook and window saved by setupCall or
// setupExternalCall.
func (p *Program) popFlags() {
	window := p.Pop()
	wait := p.Pop()
	flags := p.Pop()
	p.window = window.Int()
	p.wait = waitOf(wait)
	p.flags = ProgramFlags(flags.Int()) & savedFlagsMask
}

// popCaller pops the caller record pushed by setupExternalCall and restores
// the caller's context, which unblocks it.
func (p *Program) popCaller() *Program {
	caller, _ := p.PopReturn().Ptr().(*Program)
	wait := p.PopReturn()
	flags := p.PopReturn()
	window := p.PopReturn()
	if caller == nil {
		p.Fatalf(ErrBadAddress, "No caller record on the return stack")
	}
	caller.wait = waitOf(wait)
	caller.flags = ProgramFlags(flags.Int()) & savedFlagsMask
	caller.window = window.Int()
	return caller
}

// deliver pushes v, owned by from, onto to's operand stack. Strings are
// copied into to's heap.
func deliver(from, to *Program, v Value) {
	if v.IsString() {
		to.PushString(from.StringOf(v))
		return
	}
	to.Push(v)
}

// callImported performs a script CALL of an imported procedure. The caller
// has pushed its return address, the arguments and their count; the
// arguments move to the exporting program and the caller blocks until it
// returns.
func (vm *VM) callImported(p *Program, idx int) {
	name := p.ProcedureName(idx)
	e, ok := vm.procs.lookup(name)
	if !ok {
		p.Fatalf(ErrSymbolNotFound, "External procedure %s not found", name)
	}
	argc := p.PopInteger()
	if argc != e.argc {
		p.Fatalf(ErrBadProcedure, "Wrong number of args to external procedure %s", name)
	}

	args := make([]Value, argc)
	strs := make([]string, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = p.Pop()
		if args[i].IsString() {
			strs[i] = p.StringOf(args[i])
		}
	}
	p.returnTo(p.PopReturn().Int())

	callee := e.program
	vm.setupExternalCall(p, callee, e.address, callee.image.stubResume)
	for i, a := range args {
		if a.IsString() {
			callee.PushString(strs[i])
		} else {
			callee.Push(a)
		}
	}
	callee.Push(Int(argc))

	vm.enterCritical(callee, name)
}

// enterCritical drives callee through the critical region of the named
// procedure if it is critical-flagged.
func (vm *VM) enterCritical(callee *Program, name string) {
	i := callee.FindProcedure(name)
	if i < 0 || callee.image.procFlags(i)&ProcCritical == 0 {
		return
	}
	callee.flags |= FlagCritical
	vm.Run(callee, 0)
}

// executeProc starts procedure i of p as an interrupt: it runs on p's next
// dispatch and returns to wherever p was. Imported procedures run in their
// exporting program; lookup failures are logged and the call is skipped.
func (vm *VM) executeProc(p *Program, i int) {
	i = p.checkProcedure(int32(i))
	flags := p.image.procFlags(i)
	if flags&ProcImported == 0 {
		p.setupCall(p.image.procField(i, procBody), p.image.stubResume)
		p.Push(Int(0))
		if flags&ProcCritical != 0 {
			p.flags |= FlagCritical
			vm.Run(p, 0)
		}
		return
	}

	name := p.ProcedureName(i)
	e, ok := vm.procs.lookup(name)
	if !ok {
		vm.Log.Debugf("External procedure %s not found", name)
		return
	}
	if e.argc != 0 {
		vm.Log.Debugf("External procedure %s cannot take arguments in interrupt context", name)
		return
	}
	vm.setupExternalCall(p, e.program, e.address, e.program.image.stubResume)
	e.program.Push(Int(0))
	vm.enterCritical(e.program, name)
}

// ExecuteProc starts procedure i of p as an interrupt call without running
// it. The program picks it up on its next dispatch.
func (vm *VM) ExecuteProc(p *Program, i int) {
	vm.protect(p, func() { vm.executeProc(p, i) })
}

// ExecuteProcedure runs procedure i of p to completion before returning.
// Imported procedures run in their exporting program.
func (vm *VM) ExecuteProcedure(p *Program, i int) {
	vm.protect(p, func() {
		i = p.checkProcedure(int32(i))
		flags := p.image.procFlags(i)
		target := p
		if flags&ProcImported != 0 {
			name := p.ProcedureName(i)
			e, ok := vm.procs.lookup(name)
			if !ok {
				vm.Log.Debugf("External procedure %s not found", name)
				return
			}
			if e.argc != 0 {
				vm.Log.Debugf("External procedure %s cannot take arguments in interrupt context", name)
				return
			}
			target = e.program
			vm.setupExternalCall(p, target, e.address, target.image.stubExit)
		} else {
			p.setupCall(p.image.procField(i, procBody), p.image.stubExit)
		}
		target.Push(Int(0))
		vm.Run(target, Unbounded)
	})
}
