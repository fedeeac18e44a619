package vm

// ---------------------------------------------------------------------------
// Process opcodes
// ---------------------------------------------------------------------------

// childStartBudget is the budget a new child gets as soon as it starts.
const childStartBudget = 24

// popScriptName pops the name of a script to start.
func popScriptName(p *Program, what string) string {
	v := p.Pop()
	if !v.IsString() {
		p.Fatalf(ErrTypeMismatch, "Invalid type given to %s", what)
	}
	return p.StringOf(v)
}

// startChild loads the named script as p's child. The link is in place
// before the child's first run, so a child that exits immediately unblocks
// its parent in the same pass.
func (vm *VM) startChild(p *Program, what string, block ProgramFlags) *Program {
	if p.child != nil {
		p.Fatalf(ErrChildExists, "Error, already have a child process")
	}
	name := popScriptName(p, what)
	p.flags |= block
	child := vm.spawn(p, name)
	p.child = child
	child.parent = p
	child.window = p.window
	vm.Run(child, childStartBudget)
	return child
}

// opCallStart runs a child and blocks until it exits.
func (vm *VM) opCallStart(p *Program) {
	vm.startChild(p, "callstart", FlagChildSync)
}

// opSpawn runs a child that releases its parent when it exits or detaches.
// A child spawned from a critical section is driven through its own
// critical prologue at once.
func (vm *VM) opSpawn(p *Program) {
	child := vm.startChild(p, "spawn", FlagChildSpawned)
	if p.flags&FlagCritical != 0 {
		child.flags |= FlagCritical
		vm.Run(child, Unbounded)
	}
}

// fork starts an unrelated program.
func (vm *VM) fork(p *Program) *Program {
	name := popScriptName(p, "fork")
	forked := vm.spawn(p, name)
	forked.window = p.window
	vm.Run(forked, childStartBudget)
	return forked
}

func (vm *VM) opFork(p *Program) {
	vm.fork(p)
}

// opExec replaces p with a new program, which takes over p's place under
// its parent. A child of p is not transferred.
func (vm *VM) opExec(p *Program) {
	parent := p.parent
	forked := vm.fork(p)
	if parent != nil {
		forked.parent = parent
		parent.child = forked
	}
	forked.child = nil

	p.parent = nil
	p.flags |= FlagExited
	vm.purge(p)
}

// opExit ends p and unlinks it from its parent, which may then start
// another child straight away.
func (vm *VM) opExit(p *Program) {
	p.flags |= FlagExited
	vm.detach(p)
	vm.purge(p)
}

func (vm *VM) opDetach(p *Program) {
	vm.detach(p)
}
