package vm

import (
	"testing"
)

// timedScript schedules its "alarm" procedure secs seconds after it starts.
func timedScript(secs int32) func(b *ImageBuilder) {
	return func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		emitExportVar(b, "FIRED")
		b.EmitInt(secs)
		b.EmitInt(1)
		b.Emit(OpCallAt, OpStopProgram)
		counterProc(b, "alarm", "FIRED")
	}
}

func TestCallAtFiresAfterDeadline(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "timer.int", timedScript(2))

	host.ticks(1)
	alarm := p.Procedures()[1]
	if alarm.Flags&ProcTimed == 0 || alarm.Time != 2000 {
		t.Fatalf("alarm = %+v, want timed for 2000", alarm)
	}

	host.clock = 1999
	host.ticks(2)
	wantVar(t, host.vm, "FIRED", int32(0))

	host.clock = 2000
	host.ticks(1) // the events pass starts the call
	wantVar(t, host.vm, "FIRED", int32(0))
	host.ticks(1)
	wantVar(t, host.vm, "FIRED", int32(1))

	if p.Procedures()[1].Flags&ProcTimed != 0 {
		t.Error("timed flag not cleared after firing")
	}
	host.ticks(3)
	wantVar(t, host.vm, "FIRED", int32(1))
}

func TestCallWhenFiresOnceConditionHolds(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "cond.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		emitExportVar(b, "GO")
		emitExportVar(b, "FIRED")
		cond := b.NewLabel()
		b.EmitAddress(cond)
		b.EmitInt(1)
		b.Emit(OpCallWhen, OpStopProgram)
		b.Mark(cond)
		emitFetchVar(b, "GO")
		b.Emit(OpStopProgram)
		counterProc(b, "go", "FIRED")
	})

	host.ticks(3)
	wantVar(t, host.vm, "FIRED", int32(0))
	if p.Procedures()[1].Flags&ProcConditional == 0 {
		t.Fatal("conditional flag missing")
	}
	if p.Depth() != 0 || p.Flags()&FlagStopped == 0 {
		t.Errorf("condition checks disturbed the program: stack %v, flags %#x", p.Stack(), p.Flags())
	}

	host.vm.SetExportedVariable("GO", 1)
	host.ticks(2)
	wantVar(t, host.vm, "FIRED", int32(1))

	host.ticks(3)
	wantVar(t, host.vm, "FIRED", int32(1))
}

func TestCancelClearsSchedule(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "cancel.int", func(b *ImageBuilder) {
		timedScript(1)(b)
		b.Procedure("stop", 0, 0)
		b.Emit(OpPushBase)
		b.EmitInt(1)
		b.Emit(OpCancel)
		emitReturn(b)
	})
	host.ticks(1)

	host.vm.ExecuteProcedure(p, 2)

	alarm := p.Procedures()[1]
	if alarm.Flags&(ProcTimed|ProcConditional) != 0 || alarm.Time != 0 {
		t.Errorf("alarm = %+v, want unscheduled", alarm)
	}
	host.clock = 5000
	host.ticks(2)
	wantVar(t, host.vm, "FIRED", int32(0))
}

func TestSuspendEventsKeepsRemainingTime(t *testing.T) {
	host := newTestHost(t)
	host.clock = 1000
	p := host.start(t, "timer.int", timedScript(2))
	host.ticks(1) // due at 3000

	host.clock = 1500
	host.vm.SuspendEvents(true)
	if !host.vm.EventsSuspended() {
		t.Fatal("events not suspended")
	}
	if got := p.Procedures()[1].Time; got != 1500 {
		t.Errorf("remaining time while suspended = %d, want 1500", got)
	}

	host.clock = 5000
	host.ticks(2)
	wantVar(t, host.vm, "FIRED", int32(0))

	host.clock = 5500
	host.vm.SuspendEvents(false)
	if got := p.Procedures()[1].Time; got != 7000 {
		t.Errorf("deadline after resume = %d, want 7000", got)
	}

	host.clock = 6999
	host.ticks(2)
	wantVar(t, host.vm, "FIRED", int32(0))

	host.clock = 7000
	host.ticks(2)
	wantVar(t, host.vm, "FIRED", int32(1))
}

func TestTickFreesExitedPrograms(t *testing.T) {
	host := newTestHost(t)
	done := host.start(t, "done.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.Emit(OpExitProgram)
	})
	idle := host.start(t, "idle.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		b.Emit(OpStopProgram)
	})

	host.ticks(1)

	if !done.Freed() || idle.Freed() {
		t.Errorf("freed: done %v, idle %v", done.Freed(), idle.Freed())
	}
	if programs := host.vm.Programs(); len(programs) != 1 || programs[0] != idle {
		t.Error("live list should hold only idle.int")
	}
}

func TestUpdateUsesBurstSize(t *testing.T) {
	host := newTestHost(t)
	p := host.start(t, "burst.int", func(b *ImageBuilder) {
		b.Procedure("main", 0, 0)
		for range 12 {
			b.Emit(OpNoop)
		}
		b.Emit(OpStopProgram)
	})
	body := p.Procedures()[0].Body

	host.vm.Update()

	if p.IP() != body+2*DefaultBurstSize {
		t.Errorf("IP = %d, want %d", p.IP(), body+2*DefaultBurstSize)
	}
}
