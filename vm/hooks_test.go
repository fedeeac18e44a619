package vm

import (
	"errors"
	"testing"
)

func TestDispatchKey(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "keys.int", listener)
	host.ticks(1)

	if err := host.vm.BindKey('A', p, 1); err != nil {
		t.Fatalf("BindKey: %v", err)
	}
	if err := host.vm.BindKey(300, p, 1); err == nil {
		t.Error("BindKey(300) succeeded")
	}

	if !host.vm.DispatchKey('A') {
		t.Error("bound key not consumed")
	}
	if host.vm.DispatchKey('B') {
		t.Error("unbound key consumed")
	}
	if host.vm.DispatchKey(-5) || host.vm.DispatchKey(256) {
		t.Error("out-of-range key consumed")
	}

	host.ticks(1)
	wantVar(t, host.vm, "HITS", int32(1))

	host.vm.BindKey('A', nil, 1)
	if host.vm.DispatchKey('A') {
		t.Error("unbound key still consumed")
	}
}

func TestAnyKeyHandlerTakesPrecedence(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "keys.int", listener)
	host.ticks(1)
	host.vm.BindKey('A', p, 1)

	// Procedure 0 swallows keys without running anything.
	host.vm.BindKey(AnyKey, p, 0)
	if !host.vm.DispatchKey('A') || !host.vm.DispatchKey('Z') {
		t.Error("any-key handler did not consume keys")
	}
	if p.ReturnDepth() != 0 {
		t.Error("procedure 0 handler started a call")
	}
	host.ticks(1)
	wantVar(t, host.vm, "HITS", int32(0))

	host.vm.Free(p)
	if host.vm.DispatchKey('A') {
		t.Error("handlers survived purge")
	}
}

func TestKeyOpcodes(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "keys.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		emitExportVar(b, "HITS")
		b.EmitInt('Q')
		b.EmitInt(1)
		b.Emit(OpAddKey)
		b.EmitInt('W')
		b.EmitInt(1)
		b.Emit(OpAddKey)
		b.EmitInt('W')
		b.Emit(OpDeleteKey, OpStopProgram)
		counterProc(b, "pressed", "HITS")
		b.Procedure("bad", 0, 0)
		b.Emit(OpPushBase)
		b.EmitInt(256)
		b.EmitInt(1)
		b.Emit(OpAddKey)
		emitReturn(b)
	})
	host.ticks(1)

	if !host.vm.DispatchKey('Q') {
		t.Error("ADD_KEY binding missing")
	}
	if host.vm.DispatchKey('W') {
		t.Error("DELETE_KEY left the binding")
	}
	host.ticks(1)
	wantVar(t, host.vm, "HITS", int32(1))

	host.vm.ExecuteProcedure(p, 2)
	if !errors.Is(p.Err(), ErrBadAddress) {
		t.Errorf("ADD_KEY 256: Err() = %v, want ErrBadAddress", p.Err())
	}
}
