package vm

import (
	"bytes"
	"fmt"
	"testing"
)

func TestSymbolHashIgnoresCase(t *testing.T) {
	if symbolHash("PlayerName") != symbolHash("playername") {
		t.Error("hash depends on case")
	}
	if h := symbolHash("x"); h < 0 || h >= symbolTableSize {
		t.Errorf("hash %d out of range", h)
	}
}

func TestSymbolNamesAreClipped(t *testing.T) {
	host := newTestHost(t)
	long := "a_very_long_variable_name_that_goes_on"
	if err := host.vm.DeclareVariable("host", long); err != nil {
		t.Fatal(err)
	}
	// Any name sharing the first 31 bytes refers to the same variable.
	wantVar(t, host.vm, long[:maxSymbolName]+"_else", int32(0))
}

func TestProcedureTableFull(t *testing.T) {
	host := newTestHost(t)
	p := host.program(t, func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.Emit(OpStopProgram)
	})
	for i := range symbolTableSize {
		if err := host.vm.procs.create(p, fmt.Sprintf("proc%d", i), 0, 0); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	if err := host.vm.procs.create(p, "overflow", 0, 0); err == nil {
		t.Error("create in a full table succeeded")
	}
	if _, ok := host.vm.procs.lookup("PROC500"); !ok {
		t.Error("lookup in a full table failed")
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	host := newTestHost(t)
	for name, v := range map[string]any{
		"level": int32(4),
		"speed": float32(2.5),
		"hero":  "Rincewind",
		"door":  &Wait{Name: "host object"},
	} {
		host.vm.DeclareVariable("game.int", name)
		host.vm.SetExportedVariable(name, v)
	}

	snap := host.vm.SnapshotVariables()
	if len(snap.Variables) != 3 {
		t.Fatalf("captured %d variables, want 3 (pointer skipped)", len(snap.Variables))
	}

	data, err := EncodeSnapshot(snap)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	decoded, err := DecodeSnapshot(data)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if decoded.ID != snap.ID || !decoded.Taken.Equal(snap.Taken) {
		t.Errorf("header = %s %v, want %s %v", decoded.ID, decoded.Taken, snap.ID, snap.Taken)
	}
	again, err := EncodeSnapshot(decoded)
	if err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("encoding is not canonical")
	}

	other := newTestHost(t)
	if err := other.vm.RestoreVariables(decoded); err != nil {
		t.Fatalf("RestoreVariables: %v", err)
	}
	wantVar(t, other.vm, "LEVEL", int32(4))
	wantVar(t, other.vm, "speed", float32(2.5))
	wantVar(t, other.vm, "hero", "Rincewind")
	if _, ok := other.vm.ExportedVariable("door"); ok {
		t.Error("pointer variable restored")
	}
	for _, v := range other.vm.ExportedVariables() {
		if v.Owner != "game.int" {
			t.Errorf("%s owner = %q, want game.int", v.Name, v.Owner)
		}
	}
}

func TestRestoreReplacesVariables(t *testing.T) {
	host := newTestHost(t)
	host.vm.DeclareVariable("old.int", "stale")

	snap := &Snapshot{Variables: []SnapshotVariable{
		{Name: "fresh", Owner: "new.int", Type: TypeInt, Int: 9},
	}}
	if err := host.vm.RestoreVariables(snap); err != nil {
		t.Fatalf("RestoreVariables: %v", err)
	}
	if _, ok := host.vm.ExportedVariable("stale"); ok {
		t.Error("restore kept variables missing from the snapshot")
	}
	wantVar(t, host.vm, "fresh", int32(9))

	bad := &Snapshot{Variables: []SnapshotVariable{{Name: "p", Owner: "x", Type: TypePointer}}}
	if err := host.vm.RestoreVariables(bad); err == nil {
		t.Error("restore of a pointer variable succeeded")
	}
}

func TestDecodeSnapshotRejectsGarbage(t *testing.T) {
	if _, err := DecodeSnapshot([]byte{0xff, 0x00}); err == nil {
		t.Error("DecodeSnapshot accepted garbage")
	}
}
