package vm

import (
	"errors"
	"fmt"
	"testing"
)

// listener exports HITS and has a "ring" procedure counting deliveries.
func listener(b *ImageBuilder) {
	b.Procedure("main", 0, 0)
	emitExportVar(b, "HITS")
	b.Emit(OpStopProgram)
	counterProc(b, "ring", "HITS")
}

func TestNamedHandlerDeliversOneHitPerTick(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "door.int", listener)
	host.ticks(1)

	if err := host.vm.AddNamedHandler("door", p, 1); err != nil {
		t.Fatalf("AddNamedHandler: %v", err)
	}
	for range 2 {
		if err := host.vm.SignalNamed("DOOR"); err != nil {
			t.Fatalf("SignalNamed: %v", err)
		}
	}
	if n := host.vm.PendingNamedEvents(); n != 2 {
		t.Errorf("pending = %d, want 2", n)
	}

	host.ticks(1)
	if n := host.vm.PendingNamedEvents(); n != 1 {
		t.Errorf("pending after one delivery = %d, want 1", n)
	}
	host.ticks(1)
	wantVar(t, host.vm, "HITS", int32(1))
	host.ticks(1)
	wantVar(t, host.vm, "HITS", int32(2))

	// Handlers persist.
	if err := host.vm.SignalNamed("door"); err != nil {
		t.Errorf("handler gone after delivery: %v", err)
	}
}

func TestNamedEventFiresOnce(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "bell.int", listener)
	host.ticks(1)

	if err := host.vm.AddNamedEvent("bell", p, 1); err != nil {
		t.Fatalf("AddNamedEvent: %v", err)
	}
	if err := host.vm.SignalNamed("bell"); err != nil {
		t.Fatalf("SignalNamed: %v", err)
	}
	host.ticks(2)
	wantVar(t, host.vm, "HITS", int32(1))

	if err := host.vm.SignalNamed("bell"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("one-shot event still bound: err = %v", err)
	}
}

func TestNamedEventOpcodes(t *testing.T) {
	host := newTestHost(t)
	host.start(t, "script.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		emitExportVar(b, "HITS")
		b.EmitString("door")
		b.EmitInt(1)
		b.Emit(OpAddNamedHandler)
		b.EmitString("door")
		b.Emit(OpSignalNamed)
		b.EmitString("nobody")
		b.Emit(OpSignalNamed) // logged, not fatal
		b.Emit(OpStopProgram)
		counterProc(b, "ring", "HITS")
		b.Procedure("quiet", 0, 0)
		b.Emit(OpPushBase)
		b.EmitString("door")
		b.Emit(OpClearNamed)
		emitReturn(b)
	})

	host.ticks(2)
	wantVar(t, host.vm, "HITS", int32(1))

	p := host.vm.Programs()[0]
	if p.Err() != nil {
		t.Fatalf("Err() = %v", p.Err())
	}
	host.vm.ExecuteProcedure(p, 2)
	if err := host.vm.SignalNamed("door"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("CLEAR_NAMED left the binding: err = %v", err)
	}
}

func TestNamedCallbackRejectsResignalDuringDelivery(t *testing.T) {
	host := newTestHost(t)
	var calls int
	var inner error
	err := host.vm.AddNamedCallback("loop", NamedHandler, func() {
		calls++
		inner = host.vm.SignalNamed("loop")
	})
	if err != nil {
		t.Fatalf("AddNamedCallback: %v", err)
	}

	host.vm.SignalNamed("loop")
	host.ticks(3)

	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
	if inner == nil {
		t.Error("re-signal during delivery succeeded")
	}
	if n := host.vm.PendingNamedEvents(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestNamedEventUnbound(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "script.int", listener)

	if err := host.vm.SignalNamed("missing"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("unknown name: err = %v, want ErrSymbolNotFound", err)
	}
	host.vm.AddNamedHandler("idle", p, 0)
	if err := host.vm.SignalNamed("idle"); err == nil {
		t.Error("signal of a slot bound to procedure 0 succeeded")
	}
	if host.vm.PendingNamedEvents() != 0 {
		t.Error("failed signals were counted")
	}
}

func TestPurgeDropsNamedEvents(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "script.int", listener)
	host.vm.AddNamedHandler("door", p, 1)
	host.vm.SignalNamed("door")

	host.vm.Free(p)

	if n := host.vm.PendingNamedEvents(); n != 0 {
		t.Errorf("pending = %d after purge, want 0", n)
	}
	if err := host.vm.SignalNamed("door"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("binding survived purge: err = %v", err)
	}
}

func TestNamedEventTableFull(t *testing.T) {
	host := newTestHost(t)
	for i := range namedEventSlots {
		if err := host.vm.AddNamedCallback(fmt.Sprintf("ev%d", i), NamedHandler, func() {}); err != nil {
			t.Fatalf("slot %d: %v", i, err)
		}
	}
	if err := host.vm.AddNamedCallback("one-more", NamedHandler, func() {}); !errors.Is(err, ErrTableFull) {
		t.Errorf("err = %v, want ErrTableFull", err)
	}
	// Rebinding an existing name needs no new slot.
	if err := host.vm.AddNamedCallback("EV3", NamedEvent, func() {}); err != nil {
		t.Errorf("rebind: %v", err)
	}
	if !host.vm.ClearNamed("ev3") {
		t.Error("ClearNamed(ev3) found nothing")
	}
	if err := host.vm.AddNamedCallback("one-more", NamedHandler, func() {}); err != nil {
		t.Errorf("add after clear: %v", err)
	}
}

func TestNamedEventKindString(t *testing.T) {
	if NamedEvent.String() != "event" || NamedHandler.String() != "handler" {
		t.Errorf("kinds = %s, %s", NamedEvent, NamedHandler)
	}
}
