package vm

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Tick advances every live program by one pass of at most budget
// instructions, then runs the events pass and delivers pending named
// events. Programs registered during the pass first run on the next tick.
func (vm *VM) Tick(budget int) {
	for _, p := range vm.Programs() {
		if p.freed {
			continue
		}
		vm.Run(p, budget)
		if p.Exited() {
			vm.free(p)
		}
	}
	vm.doEvents()
	vm.events.deliver(vm)
}

// Update is one host frame: a Tick with the configured burst size.
func (vm *VM) Update() {
	vm.Tick(vm.opts.BurstSize)
}

// SuspendEvents pauses or resumes the events pass. While paused, pending
// deadlines are held as time remaining and CALL_AT stores plain delays, so
// timed procedures keep their distance from now across the pause.
func (vm *VM) SuspendEvents(suspend bool) {
	if suspend == vm.suspendEvents {
		return
	}
	now := vm.now()
	shift := now
	if suspend {
		shift = -now
	}
	for _, p := range vm.programs {
		if p.freed {
			continue
		}
		for i := range p.image.ProcedureCount() {
			if p.image.procFlags(i)&ProcTimed != 0 {
				p.image.setProcField(i, procTime, p.image.procField(i, procTime)+shift)
			}
		}
	}
	vm.suspendEvents = suspend
}

// EventsSuspended reports whether the events pass is paused.
func (vm *VM) EventsSuspended() bool {
	return vm.suspendEvents
}

// doEvents fires the conditional and timed procedures that are due.
func (vm *VM) doEvents() {
	if vm.suspendEvents || !vm.enabled {
		return
	}
	for _, p := range vm.Programs() {
		if p.Exited() || p.freed {
			continue
		}
		for i := range p.image.ProcedureCount() {
			flags := p.image.procFlags(i)
			if flags&ProcConditional != 0 && vm.checkCondition(p, i) {
				p.image.setProcFlags(i, p.image.procFlags(i)&^ProcConditional)
				vm.ExecuteProc(p, i)
			}
			if p.Exited() {
				break
			}
			flags = p.image.procFlags(i)
			if flags&ProcTimed != 0 && p.image.procField(i, procTime) <= vm.now() {
				p.image.setProcFlags(i, flags&^ProcTimed)
				vm.ExecuteProc(p, i)
			}
		}
	}
}

// checkCondition runs the condition code of procedure i to completion in
// a fresh context and reports its result. p's flags and instruction
// pointer are restored afterwards unless the condition failed.
func (vm *VM) checkCondition(p *Program, i int) (ok bool) {
	flags, ip, inStub := p.flags, p.ip, p.inStub
	p.flags = 0
	p.ip = p.image.procField(i, procCondition)

	vm.Run(p, Unbounded)
	if p.flags&FlagErrored != 0 {
		return false
	}
	vm.protect(p, func() {
		ok = p.Pop().Truthy()
	})
	if p.flags&FlagErrored != 0 {
		return false
	}
	p.flags = flags
	p.ip = ip
	p.inStub = inStub
	return ok
}
