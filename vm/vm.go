package vm

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: the scripting runtime
// ---------------------------------------------------------------------------

// OpcodeHandler executes one instruction. Handlers pop their own operands
// and push their own results; they fail the program with Program.Fatalf.
type OpcodeHandler func(p *Program)

// Options configures a VM. Zero fields take the defaults.
type Options struct {
	// StackCapacity bounds the operand and return stacks, in values.
	StackCapacity int

	// TicksPerSecond converts Clock readings to milliseconds.
	TicksPerSecond int

	// BurstSize is the per-program instruction budget of Update.
	BurstSize int

	// HeapLimit bounds each program's string heap in bytes (0 = unbounded).
	HeapLimit int

	// Clock returns the host tick count. Defaults to milliseconds since
	// the VM was created.
	Clock func() int64

	// Resolve maps a script name given to CALLSTART, SPAWN, FORK or EXEC to
	// the path that is loaded.
	Resolve func(name string) string

	// ReadFile reads a program image. Defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)
}

const (
	DefaultStackCapacity  = 682 // 4096 bytes of 6-byte slots
	DefaultTicksPerSecond = 1000
	DefaultBurstSize      = 10
)

// DefaultOptions returns the default configuration.
func DefaultOptions() Options {
	return Options{
		StackCapacity:  DefaultStackCapacity,
		TicksPerSecond: DefaultTicksPerSecond,
		BurstSize:      DefaultBurstSize,
	}
}

func (o Options) withDefaults() Options {
	if o.StackCapacity <= 0 {
		o.StackCapacity = DefaultStackCapacity
	}
	if o.TicksPerSecond <= 0 {
		o.TicksPerSecond = DefaultTicksPerSecond
	}
	if o.BurstSize <= 0 {
		o.BurstSize = DefaultBurstSize
	}
	if o.Clock == nil {
		start := time.Now()
		o.Clock = func() int64 { return time.Since(start).Milliseconds() }
	}
	if o.Resolve == nil {
		o.Resolve = func(name string) string { return name }
	}
	if o.ReadFile == nil {
		o.ReadFile = os.ReadFile
	}
	return o
}

// VM owns the handler table, the live program list and the shared
// registries. It is single-threaded: every method must be called from the
// goroutine that drives Update.
type VM struct {
	Log commonlog.Logger

	opts     Options
	handlers [OpcodeTableSize]OpcodeHandler

	programs []*Program
	current  *Program

	procs  procedureTable
	vars   variableTable
	events namedEventTable
	keys   keyTable

	purgeHooks []func(*Program)

	enabled       bool
	busy          bool // a wait hook is being evaluated
	suspendEvents bool
}

// NewVM creates a VM with the core and runtime library opcodes registered.
func NewVM(opts Options) *VM {
	vm := &VM{
		Log:     commonlog.GetLogger("tickvm.vm"),
		opts:    opts.withDefaults(),
		enabled: true,
	}
	vm.procs.init()
	vm.vars.init()
	vm.keys.init()
	vm.registerCoreOpcodes()
	vm.registerLibraryOpcodes()
	return vm
}

// Options returns the effective configuration.
func (vm *VM) Options() Options {
	return vm.opts
}

// RegisterOpcode installs the handler for op, replacing any previous one.
// A nil handler unregisters it.
func (vm *VM) RegisterOpcode(op Opcode, h OpcodeHandler) error {
	if !op.Valid() {
		return fmt.Errorf("%w: %#04x", ErrBadOpcode, uint16(op))
	}
	if op.Index() >= OpcodeTableSize {
		return fmt.Errorf("%w: %#04x", ErrTooManyOpcodes, uint16(op))
	}
	vm.handlers[op.Index()] = h
	return nil
}

func (vm *VM) mustRegister(op Opcode, h OpcodeHandler) {
	if err := vm.RegisterOpcode(op, h); err != nil {
		panic(err)
	}
}

// SetEnabled turns dispatch on or off. A disabled VM runs nothing.
func (vm *VM) SetEnabled(enabled bool) {
	vm.enabled = enabled
}

// Enabled reports whether dispatch is on.
func (vm *VM) Enabled() bool {
	return vm.enabled
}

// Now returns the current time in milliseconds as seen by scripts.
func (vm *VM) Now() int32 {
	return vm.now()
}

func (vm *VM) now() int32 {
	return int32(1000 * vm.opts.Clock() / int64(vm.opts.TicksPerSecond))
}

// Current returns the program being dispatched, or nil.
func (vm *VM) Current() *Program {
	return vm.current
}

// ---------------------------------------------------------------------------
// Program lifecycle
// ---------------------------------------------------------------------------

// NewProgram creates an inert program from image bytes. It runs once it
// is registered with Register.
func (vm *VM) NewProgram(name string, data []byte) (*Program, error) {
	im, err := ParseImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return newProgram(vm, name, im), nil
}

// Load reads and parses the image at path.
func (vm *VM) Load(path string) (*Program, error) {
	data, err := vm.opts.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProgramLoad, err)
	}
	p, err := vm.NewProgram(path, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProgramLoad, err)
	}
	vm.Log.Debugf("loaded %s (%d procedures)", path, p.image.ProcedureCount())
	return p, nil
}

// Register adds p to the live list. It is dispatched from the next Update.
func (vm *VM) Register(p *Program) {
	if p.flags&FlagListed != 0 {
		return
	}
	p.flags |= FlagListed
	vm.programs = append(vm.programs, p)
}

// Programs returns the live list in dispatch order.
func (vm *VM) Programs() []*Program {
	return slices.Clone(vm.programs)
}

// OnPurge registers fn to be called whenever a program is purged, so host
// subsystems can drop handles they keep for it.
func (vm *VM) OnPurge(fn func(*Program)) {
	vm.purgeHooks = append(vm.purgeHooks, fn)
}

// spawn loads the named script for p's process opcodes and registers it.
func (vm *VM) spawn(p *Program, name string) *Program {
	child, err := vm.Load(vm.opts.Resolve(name))
	if err != nil {
		vm.Log.Debugf("%v", err)
		p.Fatalf(ErrProgramLoad, "Error spawning child %s", name)
	}
	vm.Register(child)
	return child
}

// detach clears the link between p and its parent.
func (vm *VM) detach(p *Program) {
	parent := p.parent
	if parent == nil {
		return
	}
	parent.flags &^= FlagChildSync | FlagChildSpawned
	if parent.child == p {
		parent.child = nil
	}
	p.parent = nil
}

// purge removes every reference the shared tables hold to p. It runs at
// most once per program. Exported variables survive it.
func (vm *VM) purge(p *Program) {
	if p.purged {
		return
	}
	p.purged = true
	vm.procs.removeProgram(p)
	vm.events.removeProgram(p)
	vm.keys.removeProgram(p)

	// Callers still waiting on an external call into p would never be
	// resumed.
	for _, v := range p.rstack {
		if caller, ok := v.Ptr().(*Program); ok && v.IsPointer() && caller != nil {
			caller.flags &^= FlagChildSync
		}
	}

	for _, fn := range vm.purgeHooks {
		fn(p)
	}
	vm.Log.Debugf("purged %s", p.name)
}

// free purges p, orphans its children and releases its memory.
func (vm *VM) free(p *Program) {
	if p.freed {
		return
	}
	vm.detach(p)
	for c := p.child; c != nil; {
		vm.purge(c)
		c.parent = nil
		next := c.child
		c.child = nil
		c = next
	}
	p.child = nil
	vm.purge(p)

	p.freed = true
	p.stack = nil
	p.rstack = nil
	p.heap = nil
	p.wait = nil
	if i := slices.Index(vm.programs, p); i >= 0 {
		vm.programs = slices.Delete(vm.programs, i, i+1)
	}
	vm.Log.Debugf("freed %s", p.name)
}

// Free purges and releases p immediately.
func (vm *VM) Free(p *Program) {
	vm.free(p)
}

// Shutdown frees every program and clears the shared registries.
func (vm *VM) Shutdown() {
	for len(vm.programs) > 0 {
		vm.free(vm.programs[0])
	}
	vm.ClearExportedVariables()
	vm.procs.init()
	vm.events.clearAll()
	vm.keys.init()
}

// DumpHeaps writes heap statistics and cells for every live program.
func (vm *VM) DumpHeaps(w io.Writer) {
	for _, p := range vm.programs {
		if p.heap == nil {
			fmt.Fprintf(w, "%s: no heap\n", p.name)
			continue
		}
		st := p.heap.Stats()
		fmt.Fprintf(w, "%s: %d bytes, %d live (%d bytes), %d free (%d bytes)\n",
			p.name, st.Size, st.LiveCells, st.LiveBytes, st.FreeCells, st.FreeBytes)
		p.heap.Dump(w)
	}
}
