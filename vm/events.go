package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Named-event bus
// ---------------------------------------------------------------------------

const (
	namedEventSlots   = 40
	maxNamedEventName = 31
)

// NamedEventKind says what happens to a slot after delivery.
type NamedEventKind int

const (
	// NamedEvent slots fire once and clear themselves when their last
	// pending hit is delivered.
	NamedEvent NamedEventKind = iota
	// NamedHandler slots persist across signals.
	NamedHandler
)

func (k NamedEventKind) String() string {
	if k == NamedHandler {
		return "handler"
	}
	return "event"
}

type namedEvent struct {
	used     bool
	name     string
	program  *Program
	proc     int
	callback func()
	kind     NamedEventKind
	hits     int
	busy     bool
}

// bound reports whether signalling the slot can reach anything.
func (e *namedEvent) bound() bool {
	return e.used && ((e.program != nil && e.proc != 0) || e.callback != nil)
}

type namedEventTable struct {
	slots   [namedEventSlots]namedEvent
	anyHits int
}

func (t *namedEventTable) find(name string) *namedEvent {
	for i := range t.slots {
		if t.slots[i].used && strings.EqualFold(t.slots[i].name, name) {
			return &t.slots[i]
		}
	}
	return nil
}

func (t *namedEventTable) alloc() *namedEvent {
	for i := range t.slots {
		if !t.slots[i].used {
			t.slots[i] = namedEvent{}
			return &t.slots[i]
		}
	}
	return nil
}

// add binds name, reusing its slot if it already has one.
func (t *namedEventTable) add(name string, p *Program, proc int, fn func(), kind NamedEventKind) error {
	if len(name) > maxNamedEventName {
		name = name[:maxNamedEventName]
	}
	e := t.find(name)
	if e == nil {
		e = t.alloc()
	}
	if e == nil {
		return fmt.Errorf("%w: named event %s", ErrTableFull, name)
	}
	*e = namedEvent{
		used:     true,
		name:     name,
		program:  p,
		proc:     proc,
		callback: fn,
		kind:     kind,
	}
	return nil
}

func (t *namedEventTable) clear(name string) bool {
	e := t.find(name)
	if e == nil {
		return false
	}
	t.dropHits(e)
	*e = namedEvent{}
	return true
}

func (t *namedEventTable) signal(name string) error {
	e := t.find(name)
	switch {
	case e == nil:
		return fmt.Errorf("%w: named event %s", ErrSymbolNotFound, name)
	case !e.bound():
		return fmt.Errorf("named event %s is not bound", name)
	case e.busy:
		return fmt.Errorf("named event %s is being delivered", name)
	}
	e.hits++
	t.anyHits++
	return nil
}

// deliver fires each signalled slot once. Further hits on the same slot
// wait for the next call.
func (t *namedEventTable) deliver(vm *VM) {
	if t.anyHits == 0 {
		return
	}
	vm.Log.Debugf("delivering named events, %d hits pending", t.anyHits)
	t.anyHits = 0

	for i := range t.slots {
		e := &t.slots[i]
		if !e.bound() || e.busy || e.hits <= 0 {
			continue
		}
		e.busy = true
		e.hits--
		t.anyHits += e.hits
		p, proc, fn := e.program, e.proc, e.callback

		if fn != nil {
			fn()
		} else {
			vm.ExecuteProc(p, proc)
		}

		// The delivery may have cleared or rebound the slot.
		if e.program != p || e.proc != proc || !e.used {
			continue
		}
		e.busy = false
		if e.kind == NamedEvent && e.hits == 0 {
			*e = namedEvent{}
		}
	}
}

func (t *namedEventTable) removeProgram(p *Program) {
	for i := range t.slots {
		if t.slots[i].used && t.slots[i].program == p {
			t.dropHits(&t.slots[i])
			t.slots[i] = namedEvent{}
		}
	}
}

// dropHits removes the pending hits of e from the global count.
func (t *namedEventTable) dropHits(e *namedEvent) {
	t.anyHits -= e.hits
	if t.anyHits < 0 {
		t.anyHits = 0
	}
}

func (t *namedEventTable) clearAll() {
	*t = namedEventTable{}
}

// AddNamedEvent binds name to procedure proc of p. The binding is dropped
// after the event is delivered.
func (vm *VM) AddNamedEvent(name string, p *Program, proc int) error {
	return vm.events.add(name, p, proc, nil, NamedEvent)
}

// AddNamedHandler binds name to procedure proc of p until it is cleared or
// p is purged.
func (vm *VM) AddNamedHandler(name string, p *Program, proc int) error {
	return vm.events.add(name, p, proc, nil, NamedHandler)
}

// AddNamedCallback binds name to a host function.
func (vm *VM) AddNamedCallback(name string, kind NamedEventKind, fn func()) error {
	return vm.events.add(name, nil, 0, fn, kind)
}

// SignalNamed records a hit on name, delivered at the end of the next tick.
func (vm *VM) SignalNamed(name string) error {
	return vm.events.signal(name)
}

// ClearNamed drops the binding of name along with any pending hits.
func (vm *VM) ClearNamed(name string) bool {
	return vm.events.clear(name)
}

// PendingNamedEvents returns the number of hits waiting for delivery.
func (vm *VM) PendingNamedEvents() int {
	return vm.events.anyHits
}

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

// addNamed pops a procedure index and then the event name.
func (vm *VM) addNamed(kind NamedEventKind) OpcodeHandler {
	return func(p *Program) {
		proc := p.PopInteger()
		name := p.PopString()
		if err := vm.events.add(name, p, int(proc), nil, kind); err != nil {
			vm.Log.Debugf("%s: %v", p.name, err)
		}
	}
}

func (vm *VM) opClearNamed(p *Program) {
	name := p.PopString()
	vm.Log.Debugf("%s: clear named %q", p.name, name)
	vm.events.clear(name)
}

func (vm *VM) opSignalNamed(p *Program) {
	name := p.PopString()
	if err := vm.events.signal(name); err != nil {
		vm.Log.Debugf("%s: signal named: %v", p.name, err)
	}
}

// registerLibraryOpcodes installs the runtime library block that follows
// the core set.
func (vm *VM) registerLibraryOpcodes() {
	for op, h := range map[Opcode]OpcodeHandler{
		OpAddNamedEvent:   vm.addNamed(NamedEvent),
		OpAddNamedHandler: vm.addNamed(NamedHandler),
		OpClearNamed:      vm.opClearNamed,
		OpSignalNamed:     vm.opSignalNamed,
		OpAddKey:          vm.opAddKey,
		OpDeleteKey:       vm.opDeleteKey,
	} {
		vm.mustRegister(op, h)
	}
}
