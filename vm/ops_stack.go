package vm

// ---------------------------------------------------------------------------
// Stack, frame and variable opcodes
// ---------------------------------------------------------------------------

// opPush pushes the 4-byte operand tagged with the instruction word.
func opPush(p *Program) {
	bits, ok := p.image.operand(p.ip)
	if !ok {
		p.Fatalf(ErrBadAddress, "PUSH operand at %d out of range", p.ip)
	}
	p.ip += 4
	p.Push(fromRaw(Type(p.opcode), bits))
}

func opEnterCritical(p *Program) { p.flags |= FlagCritical }
func opLeaveCritical(p *Program) { p.flags &^= FlagCritical }

func opAToD(p *Program) {
	p.Push(p.PopReturn())
}

func opDToA(p *Program) {
	p.PushReturn(p.Pop())
}

func opSwap(p *Program) {
	a := p.Pop()
	b := p.Pop()
	p.Push(a)
	p.Push(b)
}

func opSwapA(p *Program) {
	a := p.PopReturn()
	b := p.PopReturn()
	p.PushReturn(a)
	p.PushReturn(b)
}

func opPop(p *Program) {
	p.Pop()
}

func opDup(p *Program) {
	v := p.Pop()
	p.Push(v)
	p.Push(v)
}

// opDump pops a count and then that many values, logging each.
func (vm *VM) opDump(p *Program) {
	v := p.Pop()
	if v.Type != TypeInt {
		p.Fatalf(ErrTypeMismatch, "Invalid type given to dump, %x", uint16(v.Type))
	}
	for range v.Int() {
		d := p.Pop()
		if d.IsString() {
			vm.Log.Debugf("%s: dump %q", p.name, p.StringOf(d))
		} else {
			vm.Log.Debugf("%s: dump %s", p.name, d)
		}
	}
}

// opPushBase pops an argument count n, saves the frame pointer on the
// return stack and starts a frame whose first n slots are the arguments.
func opPushBase(p *Program) {
	n := int(p.PopInteger())
	p.PushReturn(Int(int32(p.fp)))
	p.fp = len(p.stack) - n
	if p.fp < 0 {
		p.Fatalf(ErrStackUnderflow, "Frame of %d arguments on a stack of %d", n, len(p.stack))
	}
}

func opPopBase(p *Program) {
	v := p.PopReturn()
	if v.Type != TypeInt {
		p.Fatalf(ErrTypeMismatch, "Invalid type given to pop_base: %x", uint16(v.Type))
	}
	p.fp = int(v.Int())
}

func opPopToBase(p *Program) {
	for len(p.stack) > p.fp && len(p.stack) > 0 {
		p.Pop()
	}
}

func opSetGlobal(p *Program) {
	p.base = len(p.stack)
}

func opFetch(p *Program) {
	v := p.Pop()
	if v.Type != TypeInt {
		p.Fatalf(ErrTypeMismatch, "Invalid type given to fetch, %x", uint16(v.Type))
	}
	p.Push(p.slot(p.fp + int(v.Int())))
}

// opStore pops a slot index and then the value to store in it.
func opStore(p *Program) {
	i := p.Pop()
	v := p.Pop()
	p.setSlot(p.fp+int(i.Int()), v)
}

func opFetchGlobal(p *Program) {
	i := p.PopInteger()
	p.Push(p.slot(p.base + int(i)))
}

func opStoreGlobal(p *Program) {
	i := p.Pop()
	v := p.Pop()
	p.setSlot(p.base+int(i.Int()), v)
}
