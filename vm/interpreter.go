package vm

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

// Unbounded is the budget that runs a program until something stops it.
const Unbounded = -1

// criticalBudget is the least a critical program may be given.
const criticalBudget = 3

// Run dispatches up to budget instructions of p. A positive budget counts
// instructions, zero runs nothing, and a negative budget runs until a stop
// flag is raised. Instructions executed inside a critical section are not
// counted.
//
// A fatal error inside p marks it exited and errored and is logged; it never
// propagates to the caller of Run.
func (vm *VM) Run(p *Program, budget int) {
	if !vm.enabled || vm.busy || p.purged || p.freed {
		return
	}
	if p.flags&(FlagChildSync|FlagChildSpawned) != 0 {
		return
	}
	if p.startTime == -1 {
		p.startTime = vm.now()
	}

	prev := vm.current
	vm.current = p
	defer func() { vm.current = prev }()

	if !vm.dispatch(p, budget) {
		return
	}

	if p.flags&FlagExited != 0 && p.parent != nil && p.parent.flags&FlagChildSync != 0 {
		p.parent.flags &^= FlagChildSync
		p.parent.child = nil
		p.parent = nil
	}
	p.flags &^= FlagExitPass
	if p.heap != nil {
		p.heap.MarkAndCompact()
	}
}

// dispatch runs the instruction loop and reports false if it was aborted
// by a fatal error.
func (vm *VM) dispatch(p *Program, budget int) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			vm.busy = false
			vm.fail(p, asFatal(r))
			ok = false
		}
	}()

	if p.flags&FlagCritical != 0 && budget < criticalBudget {
		budget = criticalBudget
	}

	for {
		if p.atTrampoline() {
			vm.step(p)
			continue
		}
		if p.flags&FlagCritical == 0 {
			if budget == 0 {
				break
			}
			if budget > 0 {
				budget--
			}
		}
		if p.flags&stopFlags != 0 || p.purged {
			break
		}

		if p.flags&FlagWaiting != 0 {
			ready := true
			if p.wait != nil {
				vm.busy = true
				ready = p.wait.Ready(p)
				vm.busy = false
			}
			if !ready {
				break
			}
			p.wait = nil
			p.flags &^= FlagWaiting
		}

		vm.step(p)
	}
	return true
}

// step executes the instruction at p's instruction pointer.
func (vm *VM) step(p *Program) {
	word, ok := p.image.word(p.ip)
	if !ok {
		p.Fatalf(ErrBadAddress, "Instruction pointer %d out of range", p.ip)
	}
	p.ip += 2
	p.inStub = false

	op := Opcode(word)
	p.opcode = op
	if !op.Valid() {
		p.Fatalf(ErrBadOpcode, "Bad opcode %x %c %d.", word, rune(word), word)
	}
	var h OpcodeHandler
	if op.Index() < OpcodeTableSize {
		h = vm.handlers[op.Index()]
	}
	if h == nil {
		p.Fatalf(ErrUndefinedOpcode, "Undefined opcode %x.", word)
	}
	h(p)
}

// fail records a fatal error against p.
func (vm *VM) fail(p *Program, fe *FatalError) {
	if fe.Program == "" {
		fe.Program = p.name
	}
	if fe.Procedure == "" {
		fe.Procedure = p.currentProcedure()
	}
	p.flags |= FlagExited | FlagErrored
	p.err = fe
	vm.Log.Errorf("Error during execution: %s", fe.Message)
	vm.Log.Errorf("Current script: %s, procedure %s", fe.Program, fe.Procedure)
}

// protect runs fn, which sets up a call on p from outside any dispatch, and
// turns a fatal error raised by it into a failure of p.
func (vm *VM) protect(p *Program, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			vm.busy = false
			vm.fail(p, asFatal(r))
		}
	}()
	fn()
}
