package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chazu/tickvm/vm"
)

// newVM returns a VM running one program that ends with endOp.
func newVM(t *testing.T, endOp vm.Opcode) *vm.VM {
	t.Helper()
	b := vm.NewImageBuilder()
	b.Procedure("main", 0, 0)
	b.Emit(endOp)
	m := vm.NewVM(vm.Options{})
	t.Cleanup(m.Shutdown)
	p, err := m.NewProgram("main.int", b.MustBuild())
	if err != nil {
		t.Fatal(err)
	}
	m.Register(p)
	return m
}

func TestRunStopsAtLimit(t *testing.T) {
	w, err := NewWorker(newVM(t, vm.OpStopProgram), 1000)
	if err != nil {
		t.Fatal(err)
	}
	n, err := w.Run(context.Background(), 3)
	if err != nil || n != 3 {
		t.Errorf("Run = %d, %v, want 3, nil", n, err)
	}
}

func TestRunStopsWhenProgramsExit(t *testing.T) {
	w, err := NewWorker(newVM(t, vm.OpExitProgram), 1000)
	if err != nil {
		t.Fatal(err)
	}
	n, err := w.Run(context.Background(), 0)
	if err != nil || n != 1 {
		t.Errorf("Run = %d, %v, want 1, nil", n, err)
	}
	if _, err := w.Do(context.Background(), func(*vm.VM) any { return nil }); !errors.Is(err, ErrStopped) {
		t.Errorf("Do after Run = %v, want ErrStopped", err)
	}
}

func TestDoRunsBetweenFrames(t *testing.T) {
	w, err := NewWorker(newVM(t, vm.OpStopProgram), 1000)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.Run(ctx, 0)
		done <- err
	}()

	got, err := w.Do(ctx, func(v *vm.VM) any { return len(v.Programs()) })
	if err != nil || got != 1 {
		t.Errorf("Do = %v, %v, want 1, nil", got, err)
	}
	if _, err := w.Do(ctx, func(*vm.VM) any { panic("boom") }); err == nil {
		t.Error("panicking request returned no error")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewWorkerRejectsBadRate(t *testing.T) {
	if _, err := NewWorker(vm.NewVM(vm.Options{}), 0); err == nil {
		t.Error("NewWorker accepted 0 fps")
	}
}
