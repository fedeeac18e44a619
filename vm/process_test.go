package vm

import (
	"errors"
	"testing"
)

// parentScript starts script with op, then pushes 1 and stops.
func parentScript(op Opcode, script string) func(b *ImageBuilder) {
	return func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.EmitString(script)
		b.Emit(op)
		b.EmitInt(1)
		b.Emit(OpStopProgram)
	}
}

// waitThen waits ms milliseconds and then executes end.
func waitThen(ms int32, end Opcode) func(b *ImageBuilder) {
	return func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.EmitInt(ms)
		b.Emit(OpWait, end)
	}
}

func TestCallStartBlocksUntilChildExits(t *testing.T) {
	host := newTestHost(t)
	host.script(t, "child.int", waitThen(50, OpExitProgram))
	parent := host.start(t, "parent.int", parentScript(OpCallStart, "child.int"))

	host.ticks(1)
	child := parent.Child()
	if child == nil || child.Parent() != parent {
		t.Fatal("child not linked to its parent")
	}
	if parent.Flags()&FlagChildSync == 0 {
		t.Fatalf("parent flags = %#x, want blocked", parent.Flags())
	}

	host.clock = 50
	host.ticks(1)
	if !child.Freed() {
		t.Error("exited child was not freed")
	}
	if parent.Child() != nil || parent.Flags()&FlagChildSync != 0 {
		t.Error("parent still linked to its exited child")
	}
	if parent.Depth() != 0 {
		t.Fatal("parent resumed in the same tick as its child exited")
	}

	host.ticks(1)
	wantStack(t, parent, Int(1))
}

func TestCallStartChildExitsImmediately(t *testing.T) {
	host := newTestHost(t)
	host.script(t, "quick.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.Emit(OpExitProgram)
	})
	parent := host.start(t, "parent.int", parentScript(OpCallStart, "quick.int"))

	host.ticks(1)

	wantStack(t, parent, Int(1))
	if parent.Child() != nil {
		t.Error("parent still linked to its exited child")
	}
	host.ticks(1)
	if n := len(host.vm.Programs()); n != 1 {
		t.Errorf("%d programs listed, want the parent only", n)
	}
}

func TestSpawnReleasesParentOnExit(t *testing.T) {
	host := newTestHost(t)
	host.script(t, "kid.int", waitThen(50, OpExit))
	parent := host.start(t, "parent.int", parentScript(OpSpawn, "kid.int"))

	host.ticks(1)
	if parent.Flags()&FlagChildSpawned == 0 {
		t.Fatalf("parent flags = %#x, want child spawned", parent.Flags())
	}
	kid := parent.Child()

	host.clock = 50
	host.ticks(2)

	wantStack(t, parent, Int(1))
	if !kid.Freed() {
		t.Error("kid was not freed")
	}
}

func TestDetachUnblocksParent(t *testing.T) {
	host := newTestHost(t)
	host.script(t, "kid.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.Emit(OpDetach)
		b.EmitInt(50)
		b.Emit(OpWait, OpExitProgram)
	})
	parent := host.start(t, "parent.int", parentScript(OpSpawn, "kid.int"))

	host.ticks(1)

	wantStack(t, parent, Int(1))
	if parent.Child() != nil {
		t.Error("parent still linked after DETACH")
	}
	programs := host.vm.Programs()
	if len(programs) != 2 || programs[1].Parent() != nil {
		t.Error("detached kid should still run, unlinked")
	}
}

func TestForkIsUnrelated(t *testing.T) {
	host := newTestHost(t)
	host.script(t, "other.int", waitThen(50, OpExitProgram))
	parent := host.start(t, "parent.int", parentScript(OpFork, "other.int"))
	parent.SetWindow(3)

	host.ticks(1)

	wantStack(t, parent, Int(1))
	if parent.Child() != nil {
		t.Error("FORK linked a child")
	}
	programs := host.vm.Programs()
	if len(programs) != 2 {
		t.Fatalf("%d programs listed, want 2", len(programs))
	}
	forked := programs[1]
	if forked.Parent() != nil {
		t.Error("forked program has a parent")
	}
	if forked.Window() != 3 {
		t.Errorf("forked window = %d, want 3", forked.Window())
	}
}

func TestExecReplacesProgramUnderParent(t *testing.T) {
	host := newTestHost(t)
	host.script(t, "mid.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.EmitString("leaf.int")
		b.Emit(OpExec)
		b.EmitInt(99)
		b.Emit(OpStopProgram)
	})
	host.script(t, "leaf.int", waitThen(50, OpExitProgram))
	grand := host.start(t, "grand.int", parentScript(OpCallStart, "mid.int"))

	host.ticks(1)

	leaf := grand.Child()
	if leaf == nil || leaf.Name() != "leaf.int" {
		t.Fatalf("grandparent's child = %v, want leaf.int", leaf)
	}
	if leaf.Parent() != grand {
		t.Error("replacement not linked to the grandparent")
	}
	var mid *Program
	for _, p := range host.vm.Programs() {
		if p.Name() == "mid.int" {
			mid = p
		}
	}
	if mid == nil || !mid.Exited() || mid.Depth() != 0 {
		t.Error("EXEC did not end the replaced program")
	}

	host.clock = 50
	host.ticks(2)
	wantStack(t, grand, Int(1))
}

func TestSpawnMissingScript(t *testing.T) {
	host := newTestHost(t)
	parent := host.start(t, "parent.int", parentScript(OpCallStart, "nothing.int"))

	host.ticks(1)

	if !errors.Is(parent.Err(), ErrProgramLoad) {
		t.Errorf("Err() = %v, want ErrProgramLoad", parent.Err())
	}
}

func TestChildFailureDoesNotFailParent(t *testing.T) {
	host := newTestHost(t)
	host.script(t, "bad.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.EmitInt(1)
		b.EmitInt(0)
		b.Emit(OpDiv)
	})
	parent := host.start(t, "parent.int", parentScript(OpCallStart, "bad.int"))

	host.ticks(1)
	child := parent.Child()
	if child == nil || !errors.Is(child.Err(), ErrDivisionByZero) {
		t.Fatalf("child = %v, want a division failure", child)
	}

	host.ticks(2)

	if parent.Err() != nil {
		t.Errorf("parent Err() = %v", parent.Err())
	}
	wantStack(t, parent, Int(1))
}

func TestResolveMapsScriptNames(t *testing.T) {
	host := newTestHostWith(t, Options{Resolve: func(name string) string { return "scripts/" + name }})
	host.script(t, "scripts/child.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.Emit(OpExitProgram)
	})
	parent := host.start(t, "parent.int", parentScript(OpCallStart, "child.int"))

	host.ticks(1)

	if parent.Err() != nil {
		t.Fatalf("Err() = %v", parent.Err())
	}
	wantStack(t, parent, Int(1))
}

func TestOnPurgeHook(t *testing.T) {
	host := newTestHost(t)
	var purged []string
	host.vm.OnPurge(func(p *Program) { purged = append(purged, p.Name()) })
	host.start(t, "short.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.Emit(OpExit)
	})

	host.ticks(1)

	if len(purged) != 1 || purged[0] != "short.int" {
		t.Errorf("purge hook saw %v", purged)
	}
}

func TestProgramStoppedAtImageEndStaysAlive(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "resident.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.EmitInt(1)
		b.Emit(OpStopProgram)
	})

	host.ticks(4)

	if p.Err() != nil {
		t.Fatalf("Err() = %v", p.Err())
	}
	if p.Freed() || p.Exited() {
		t.Errorf("flags = %#x, want a stopped, live program", p.Flags())
	}
	wantStack(t, p, Int(1))
	if n := len(host.vm.Programs()); n != 1 {
		t.Errorf("%d programs listed, want 1", n)
	}
}

func TestTimedCallIntoProgramStoppedAtImageEnd(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "resident.int", func(b *ImageBuilder) {
		end := b.NewLabel()
		b.Procedure("main", 0, 0)
		emitExportVar(b, "FIRED")
		b.EmitInt(1)
		b.EmitInt(1)
		b.Emit(OpCallAt)
		b.EmitJump(end)
		counterProc(b, "alarm", "FIRED")
		b.Mark(end)
		b.Emit(OpStopProgram)
	})

	host.ticks(1)
	host.clock = 1000
	host.ticks(4)

	if p.Err() != nil {
		t.Fatalf("Err() = %v", p.Err())
	}
	wantVar(t, host.vm, "FIRED", int32(1))
	if p.ReturnDepth() != 0 || p.Depth() != 0 {
		t.Errorf("stacks = %v / %d, want both empty", p.Stack(), p.ReturnDepth())
	}
	if p.Flags()&FlagStopped == 0 {
		t.Errorf("flags = %#x, want stopped again after the call", p.Flags())
	}
}

func TestSpawnAgainAfterChildExitsImmediately(t *testing.T) {
	host := newTestHost(t)
	host.script(t, "quick.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.Emit(OpExit)
	})
	parent := host.start(t, "parent.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.EmitString("quick.int")
		b.Emit(OpSpawn)
		b.EmitString("quick.int")
		b.Emit(OpSpawn)
		b.EmitInt(1)
		b.Emit(OpStopProgram)
	})

	host.ticks(2)

	if parent.Err() != nil {
		t.Fatalf("parent Err() = %v", parent.Err())
	}
	wantStack(t, parent, Int(1))
	if parent.Child() != nil || parent.Flags()&FlagChildSpawned != 0 {
		t.Errorf("parent still linked: child %v, flags %#x", parent.Child(), parent.Flags())
	}
	if n := len(host.vm.Programs()); n != 1 {
		t.Errorf("%d programs listed, want the parent only", n)
	}
}

func TestCallStartWithChildAlreadyRunning(t *testing.T) {
	host := newTestHost(t)
	host.script(t, "kid.int", waitThen(50, OpExit))
	parent := host.start(t, "parent.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.EmitString("kid.int")
		b.Emit(OpSpawn)
		b.Emit(OpStopProgram)

		b.Procedure("again", 0, 0)
		b.Emit(OpPushBase)
		b.EmitString("kid.int")
		b.Emit(OpCallStart)
		emitReturn(b)
	})

	host.ticks(1)
	kid := parent.Child()
	if kid == nil {
		t.Fatal("kid not linked")
	}

	host.vm.ExecuteProcedure(parent, 1)

	if !errors.Is(parent.Err(), ErrChildExists) {
		t.Errorf("parent Err() = %v, want ErrChildExists", parent.Err())
	}
	if kid.Err() != nil || kid.Exited() {
		t.Errorf("kid disturbed: err %v, flags %#x", kid.Err(), kid.Flags())
	}
}
