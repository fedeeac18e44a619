package vm

import (
	"strings"
)

// ---------------------------------------------------------------------------
// Program: one scheduled script instance
// ---------------------------------------------------------------------------

// ProgramFlags is the status word of a program. Only the low 16 bits are
// saved and restored across calls.
type ProgramFlags uint32

const (
	FlagExited       ProgramFlags = 0x01
	FlagListed       ProgramFlags = 0x02 // registered with the scheduler
	FlagErrored      ProgramFlags = 0x04
	FlagStopped      ProgramFlags = 0x08
	FlagWaiting      ProgramFlags = 0x10
	FlagChildSync    ProgramFlags = 0x20 // blocked on a synchronous child or an external call
	FlagExitPass     ProgramFlags = 0x40 // end the current dispatch pass
	FlagCritical     ProgramFlags = 0x80
	FlagChildSpawned ProgramFlags = 0x100

	savedFlagsMask ProgramFlags = 0xFFFF

	// stopFlags end a dispatch pass.
	stopFlags = FlagExited | FlagErrored | FlagStopped | FlagChildSync | FlagExitPass | FlagChildSpawned
)

// Wait is a suspension predicate. A waiting program is not dispatched
// until Ready reports true. Waits travel through the stacks as pointer
// values, so they are always handled by reference.
type Wait struct {
	Name  string
	Ready func(p *Program) bool
}

// timerWait is installed by the WAIT opcode.
var timerWait = &Wait{
	Name: "timer",
	Ready: func(p *Program) bool {
		return p.vm.now() >= p.waitEnd
	},
}

// Program is a loaded image with its own stacks and string heap.
type Program struct {
	vm    *VM
	name  string
	image *Image

	ip     int32
	opcode Opcode // instruction being executed
	inStub bool   // ip was set by a return into one of the call stubs
	flags  ProgramFlags

	stack    []Value
	rstack   []Value
	capacity int
	fp       int // frame pointer, index into stack
	base     int // global base pointer, index into stack

	wait      *Wait
	waitEnd   int32
	window    int32 // output window context, inherited by children and callees
	startTime int32

	heap *StringHeap

	parent *Program
	child  *Program

	purged bool // references removed from the shared tables
	freed  bool
	err    *FatalError
}

// newProgram creates a program that starts at the body of procedure 0. An
// image without procedures has nothing to run and starts exited.
func newProgram(vm *VM, name string, im *Image) *Program {
	p := &Program{
		vm:        vm,
		name:      name,
		image:     im,
		capacity:  vm.opts.StackCapacity,
		stack:     make([]Value, 0, 16),
		rstack:    make([]Value, 0, 16),
		fp:        -1,
		base:      -1,
		startTime: -1,
	}
	if im.ProcedureCount() == 0 {
		p.flags |= FlagExited
	} else {
		p.ip = im.procField(0, procBody)
	}
	return p
}

// atTrampoline reports whether p has just returned into one of its call
// stubs. The stub still runs when the restored flags end the pass, so the
// resume address it owns is never left on the return stack. Falling off
// the end of the code onto a stub address does not count.
func (p *Program) atTrampoline() bool {
	if !p.inStub || p.purged || p.flags&(FlagExited|FlagErrored) != 0 {
		return false
	}
	return p.isStub(p.ip)
}

func (p *Program) isStub(addr int32) bool {
	return addr == p.image.stubResume || addr == p.image.stubExit
}

// returnTo jumps to an address popped from the return stack. Only a return
// made outside the stubs enters one; the stub's own return lands on its
// resume address even when that is the end of the code.
func (p *Program) returnTo(addr int32) {
	from := p.ip - 2
	p.ip = addr
	p.inStub = !p.isStub(from) && p.isStub(addr)
}

// Name returns the path the program was loaded from.
func (p *Program) Name() string { return p.name }

// Flags returns the status word.
func (p *Program) Flags() ProgramFlags { return p.flags }

// IP returns the instruction pointer.
func (p *Program) IP() int32 { return p.ip }

// Opcode returns the instruction word most recently fetched.
func (p *Program) Opcode() Opcode { return p.opcode }

// Image returns the program's image.
func (p *Program) Image() *Image { return p.image }

// VM returns the owning machine.
func (p *Program) VM() *VM { return p.vm }

func (p *Program) Parent() *Program { return p.parent }
func (p *Program) Child() *Program  { return p.child }

// Window returns the output window context.
func (p *Program) Window() int32 { return p.window }

// SetWindow sets the output window context. Host window bindings use it.
func (p *Program) SetWindow(w int32) { p.window = w }

// Exited reports whether the program has exited or been purged.
func (p *Program) Exited() bool {
	return p.flags&FlagExited != 0 || p.purged
}

// Purged reports whether the program's shared-table references are gone.
func (p *Program) Purged() bool { return p.purged }

// Freed reports whether the program has been removed from the VM.
func (p *Program) Freed() bool { return p.freed }

// Err returns the fatal error that stopped the program, if any.
func (p *Program) Err() error {
	if p.err == nil {
		return nil
	}
	return p.err
}

// Heap returns the string heap, or nil if no dynamic string was ever made.
func (p *Program) Heap() *StringHeap { return p.heap }

// Suspend makes the program wait until w reports ready. Host bindings use
// it for "until the movie finishes" style waits.
func (p *Program) Suspend(w *Wait) {
	p.wait = w
	p.flags |= FlagWaiting
}

// ---------------------------------------------------------------------------
// Stacks
// ---------------------------------------------------------------------------

func (p *Program) retain(v Value) {
	if v.Type == TypeDynamicString && p.heap != nil {
		p.heap.IncRef(v.Offset())
	}
}

func (p *Program) release(v Value) {
	if v.Type == TypeDynamicString && p.heap != nil {
		p.heap.DecRef(v.Offset())
	}
}

// Push pushes v onto the operand stack.
func (p *Program) Push(v Value) {
	if len(p.stack) >= p.capacity {
		p.Fatalf(ErrStackOverflow, "Stack overflow")
	}
	p.retain(v)
	p.stack = append(p.stack, v)
}

// Pop pops the top of the operand stack. A dynamic string stays readable
// until the heap is next compacted.
func (p *Program) Pop() Value {
	n := len(p.stack)
	if n == 0 {
		p.Fatalf(ErrStackUnderflow, "Stack underflow")
	}
	v := p.stack[n-1]
	p.stack = p.stack[:n-1]
	p.release(v)
	return v
}

// PushReturn pushes v onto the return stack.
func (p *Program) PushReturn(v Value) {
	if len(p.rstack) >= p.capacity {
		p.Fatalf(ErrStackOverflow, "Return stack overflow")
	}
	p.retain(v)
	p.rstack = append(p.rstack, v)
}

// PopReturn pops the top of the return stack.
func (p *Program) PopReturn() Value {
	n := len(p.rstack)
	if n == 0 {
		p.Fatalf(ErrStackUnderflow, "Return stack underflow")
	}
	v := p.rstack[n-1]
	p.rstack = p.rstack[:n-1]
	p.release(v)
	return v
}

// Depth returns the operand stack depth.
func (p *Program) Depth() int { return len(p.stack) }

// ReturnDepth returns the return stack depth.
func (p *Program) ReturnDepth() int { return len(p.rstack) }

// Stack returns a copy of the operand stack, bottom first.
func (p *Program) Stack() []Value {
	return append([]Value(nil), p.stack...)
}

// Top returns the top of the operand stack without popping it.
func (p *Program) Top() (Value, bool) {
	if len(p.stack) == 0 {
		return Value{}, false
	}
	return p.stack[len(p.stack)-1], true
}

func (p *Program) slot(i int) Value {
	if i < 0 || i >= len(p.stack) {
		p.Fatalf(ErrBadAddress, "Variable slot %d out of range", i)
	}
	return p.stack[i]
}

func (p *Program) setSlot(i int, v Value) {
	if i < 0 || i >= len(p.stack) {
		p.Fatalf(ErrBadAddress, "Variable slot %d out of range", i)
	}
	p.release(p.stack[i])
	p.retain(v)
	p.stack[i] = v
}

// ---------------------------------------------------------------------------
// Typed helpers for opcode handlers
// ---------------------------------------------------------------------------

// PopInteger pops an integer, failing the program on any other kind.
func (p *Program) PopInteger() int32 {
	v := p.Pop()
	if v.Type&typeMask != TypeInt {
		p.Fatalf(ErrTypeMismatch, "integer expected, got %s", v.Type)
	}
	return v.Int()
}

// PopFloat pops a float, failing the program on any other kind.
func (p *Program) PopFloat() float32 {
	v := p.Pop()
	if v.Type != TypeFloat {
		p.Fatalf(ErrTypeMismatch, "float expected, got %s", v.Type)
	}
	return v.Float()
}

// PopString pops a static or dynamic string and returns its contents.
func (p *Program) PopString() string {
	v := p.Pop()
	if !v.IsString() {
		p.Fatalf(ErrTypeMismatch, "string expected, got %s", v.Type)
	}
	return p.StringOf(v)
}

// PopPointer pops a pointer. Integer zero reads as the null pointer so
// that uninitialized object variables can be passed around.
func (p *Program) PopPointer() any {
	v := p.Pop()
	switch {
	case v.Type == TypePointer:
		return v.Ptr()
	case v.Type == TypeInt && v.Int() == 0:
		return nil
	}
	p.Fatalf(ErrTypeMismatch, "pointer expected, got %s", v.Type)
	return nil
}

// PushInteger pushes an integer.
func (p *Program) PushInteger(i int32) { p.Push(Int(i)) }

// PushFloat pushes a float.
func (p *Program) PushFloat(f float32) { p.Push(Float(f)) }

// PushPointer pushes an opaque host value.
func (p *Program) PushPointer(ptr any) { p.Push(Pointer(ptr)) }

// PushString stores s in the program's heap and pushes a reference to it.
func (p *Program) PushString(s string) {
	p.Push(p.newString(s))
}

// newString stores s in the heap without taking a reference.
func (p *Program) newString(s string) Value {
	if p.heap == nil {
		p.heap = NewStringHeap(p.vm.opts.HeapLimit)
		p.heap.Diagnostics = p.vm.Log.Debugf
	}
	off, err := p.heap.Push(s)
	if err != nil {
		p.Fatalf(ErrHeapExhausted, "%v", err)
	}
	return DynamicString(off)
}

// StringOf returns the contents of a string value owned by p.
func (p *Program) StringOf(v Value) string {
	switch v.Type {
	case TypeString:
		if s, ok := p.image.StaticString(v.Offset()); ok {
			return s
		}
	case TypeDynamicString:
		if p.heap != nil {
			if s, ok := p.heap.Get(v.Offset()); ok {
				return s
			}
		}
	default:
		p.Fatalf(ErrTypeMismatch, "string expected, got %s", v.Type)
	}
	p.Fatalf(ErrBadAddress, "bad string offset %d", v.Offset())
	return ""
}

// identifier resolves an identifier-table offset or fails the program.
func (p *Program) identifier(off int32) string {
	s, ok := p.image.Identifier(off)
	if !ok {
		p.Fatalf(ErrBadAddress, "bad identifier offset %d", off)
	}
	return s
}

// ---------------------------------------------------------------------------
// Procedures
// ---------------------------------------------------------------------------

func (p *Program) checkProcedure(i int32) int {
	if i < 0 || int(i) >= p.image.ProcedureCount() {
		p.Fatalf(ErrBadProcedure, "Invalid procedure index %d", i)
	}
	return int(i)
}

// FindProcedure returns the index of the named procedure, matching
// case-insensitively, or -1.
func (p *Program) FindProcedure(name string) int {
	for i := range p.image.ProcedureCount() {
		if n, _ := p.image.Identifier(p.image.procField(i, procName)); strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

// ProcedureName returns the name of procedure i.
func (p *Program) ProcedureName(i int) string {
	if i < 0 || i >= p.image.ProcedureCount() {
		return ""
	}
	n, _ := p.image.Identifier(p.image.procField(i, procName))
	return n
}

// Procedures decodes every procedure record.
func (p *Program) Procedures() []Procedure {
	procs := make([]Procedure, p.image.ProcedureCount())
	for i := range procs {
		procs[i] = p.image.Procedure(i)
	}
	return procs
}

// currentProcedure names the procedure whose body contains the
// instruction pointer.
func (p *Program) currentProcedure() string {
	best, bestBody := -1, int32(-1)
	for i := range p.image.ProcedureCount() {
		if p.image.procFlags(i)&ProcImported != 0 {
			continue
		}
		body := p.image.procField(i, procBody)
		if body <= p.ip && body > bestBody {
			best, bestBody = i, body
		}
	}
	if best < 0 {
		return "<couldn't find proc>"
	}
	return p.ProcedureName(best)
}
