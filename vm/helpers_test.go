package vm

import (
	"fmt"
	"io/fs"
	"testing"
)

// ---------------------------------------------------------------------------
// Test harness: a VM with a settable clock and an in-memory script store
// ---------------------------------------------------------------------------

type testHost struct {
	vm    *VM
	clock int64 // milliseconds
	files map[string][]byte
}

func newTestHost(t *testing.T) *testHost {
	t.Helper()
	return newTestHostWith(t, Options{})
}

func newTestHostWith(t *testing.T, opts Options) *testHost {
	t.Helper()
	h := &testHost{files: make(map[string][]byte)}
	opts.Clock = func() int64 { return h.clock }
	opts.ReadFile = func(path string) ([]byte, error) {
		data, ok := h.files[path]
		if !ok {
			return nil, fmt.Errorf("open %s: %w", path, fs.ErrNotExist)
		}
		return data, nil
	}
	h.vm = NewVM(opts)
	t.Cleanup(h.vm.Shutdown)
	return h
}

func buildImage(t testing.TB, build func(b *ImageBuilder)) []byte {
	t.Helper()
	b := NewImageBuilder()
	build(b)
	data, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return data
}

// script stores an image under name for the spawn family of opcodes.
func (h *testHost) script(t *testing.T, name string, build func(b *ImageBuilder)) {
	t.Helper()
	h.files[name] = buildImage(t, build)
}

// start creates a program from build and registers it.
func (h *testHost) start(t *testing.T, name string, build func(b *ImageBuilder)) *Program {
	t.Helper()
	p, err := h.vm.NewProgram(name, buildImage(t, build))
	if err != nil {
		t.Fatalf("NewProgram(%s): %v", name, err)
	}
	h.vm.Register(p)
	return p
}

// program creates a program without registering it.
func (h *testHost) program(t *testing.T, build func(b *ImageBuilder)) *Program {
	t.Helper()
	p, err := h.vm.NewProgram("test.int", buildImage(t, build))
	if err != nil {
		t.Fatalf("NewProgram: %v", err)
	}
	return p
}

func (h *testHost) ticks(n int) {
	for range n {
		h.vm.Tick(Unbounded)
	}
}

// ---------------------------------------------------------------------------
// Code fragments following the calling conventions
// ---------------------------------------------------------------------------

// emitReturn ends a procedure entered by a runtime-initiated call.
func emitReturn(b *ImageBuilder) {
	b.Emit(OpPopToBase, OpPopBase, OpPopFlagsReturn)
}

// emitValueReturnExtern ends an exported procedure with the value on top
// of the operand stack as its result.
func emitValueReturnExtern(b *ImageBuilder) {
	b.Emit(OpDToA, OpSwapA, OpPopToBase, OpPopBase, OpAToD, OpPopFlagsReturnValExtern)
}

// emitStoreVar stores the value on top of the stack in an exported variable.
func emitStoreVar(b *ImageBuilder, name string) {
	b.EmitIdentifier(name)
	b.Emit(OpStoreExternal)
}

func emitFetchVar(b *ImageBuilder, name string) {
	b.EmitIdentifier(name)
	b.Emit(OpFetchExternal)
}

func emitExportVar(b *ImageBuilder, name string) {
	b.EmitIdentifier(name)
	b.Emit(OpExportVariable)
}

// emitIncrement adds one to an exported variable.
func emitIncrement(b *ImageBuilder, name string) {
	emitFetchVar(b, name)
	b.EmitInt(1)
	b.Emit(OpAdd)
	emitStoreVar(b, name)
}

// counterProc adds a procedure that increments an exported variable each
// time it is invoked as an interrupt.
func counterProc(b *ImageBuilder, proc, variable string) int {
	i := b.Procedure(proc, 0, 0)
	b.Emit(OpPushBase)
	emitIncrement(b, variable)
	emitReturn(b)
	return i
}

func wantVar(t *testing.T, vm *VM, name string, want any) {
	t.Helper()
	got, ok := vm.ExportedVariable(name)
	if !ok {
		t.Fatalf("exported variable %s missing", name)
	}
	if got != want {
		t.Errorf("%s = %v (%T), want %v (%T)", name, got, got, want, want)
	}
}

func wantStack(t *testing.T, p *Program, want ...Value) {
	t.Helper()
	got := p.Stack()
	if len(got) != len(want) {
		t.Fatalf("stack = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Errorf("stack[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
