package vm

import "fmt"

// ---------------------------------------------------------------------------
// Key handler hooks
// ---------------------------------------------------------------------------

const (
	keyHandlerSlots = 256

	// AnyKey binds the handler that sees every key before the per-key ones.
	AnyKey = -1
)

type keyHandler struct {
	program *Program
	proc    int
}

type keyTable struct {
	keys [keyHandlerSlots]keyHandler
	any  keyHandler
}

func (t *keyTable) init() {
	*t = keyTable{}
}

func (t *keyTable) slot(key int) *keyHandler {
	if key == AnyKey {
		return &t.any
	}
	if key < 0 || key >= keyHandlerSlots {
		return nil
	}
	return &t.keys[key]
}

func (t *keyTable) removeProgram(p *Program) {
	for i := range t.keys {
		if t.keys[i].program == p {
			t.keys[i] = keyHandler{}
		}
	}
	if t.any.program == p {
		t.any = keyHandler{}
	}
}

// BindKey routes key (or AnyKey) to procedure proc of p. A nil program
// unbinds it.
func (vm *VM) BindKey(key int, p *Program, proc int) error {
	h := vm.keys.slot(key)
	if h == nil {
		return fmt.Errorf("key %d out of range", key)
	}
	if p == nil {
		proc = 0
	}
	*h = keyHandler{program: p, proc: proc}
	return nil
}

// DispatchKey offers key to the script handlers and reports whether one of
// them consumed it. An any-key handler consumes every key. A bound handler
// procedure starts as an interrupt call on its program's next dispatch;
// procedure 0 swallows the key without running anything.
func (vm *VM) DispatchKey(key int) bool {
	if key < 0 || key >= keyHandlerSlots {
		return false
	}
	h := vm.keys.any
	if h.program == nil {
		h = vm.keys.keys[key]
	}
	if h.program == nil {
		return false
	}
	if h.proc != 0 {
		vm.ExecuteProc(h.program, h.proc)
	}
	return true
}

// opAddKey pops a procedure index and then the key.
func (vm *VM) opAddKey(p *Program) {
	proc := p.PopInteger()
	key := p.PopInteger()
	h := vm.keys.slot(int(key))
	if h == nil {
		p.Fatalf(ErrBadAddress, "Key out of range")
	}
	*h = keyHandler{program: p, proc: int(proc)}
}

func (vm *VM) opDeleteKey(p *Program) {
	key := p.PopInteger()
	h := vm.keys.slot(int(key))
	if h == nil {
		p.Fatalf(ErrBadAddress, "Key out of range")
	}
	*h = keyHandler{}
}
