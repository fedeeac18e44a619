package asm

import (
	"errors"
	"strings"
	"testing"

	"github.com/chazu/tickvm/vm"
)

func run(t *testing.T, src string) *vm.Program {
	t.Helper()
	image, err := Assemble("test.star", []byte(src))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	m := vm.NewVM(vm.Options{Clock: func() int64 { return 0 }})
	t.Cleanup(m.Shutdown)
	p, err := m.NewProgram("test.int", image)
	if err != nil {
		t.Fatalf("NewProgram: %v", err)
	}
	m.Register(p)
	m.Run(p, vm.Unbounded)
	if err := p.Err(); err != nil {
		t.Fatalf("program failed: %v", err)
	}
	return p
}

func wantStack(t *testing.T, p *vm.Program, want ...vm.Value) {
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

func TestAssembleArithmetic(t *testing.T) {
	p := run(t, `
procedure("main")
push(2, 3)
op("add")
push(1.5)
op("stop_program")
`)
	wantStack(t, p, vm.Int(5), vm.Float(1.5))
}

func TestAssembleLocalCall(t *testing.T) {
	p := run(t, `
procedure("main")
call(1, 21)
op("stop_program")

procedure("double", args=1)
op("push_base")
push(0)
op("fetch")
push(0)
op("fetch", "add")
ret(kind="local", value=True)
`)
	wantStack(t, p, vm.Int(42))
}

func TestAssembleLoop(t *testing.T) {
	// Counts to five with a backward jump.
	p := run(t, `
procedure("main")
push(0)
top = label("top")
done = label("done")
mark(top)
op("dup")
push(5)
op("less")
push(done)
op("swap", "if")
push(1)
op("add")
jump(top)
mark(done)
op("stop_program")
`)
	wantStack(t, p, vm.Int(5))
}

func TestAssembleProcedureTable(t *testing.T) {
	image, err := Assemble("table.star", []byte(`
main = procedure("main")
op("stop_program")
alarm = procedure("alarm", critical=True)
ret()
cond = label()
mark(cond)
push(True)
op("pop_return")
timed(alarm, 3)
condition(alarm, cond)
lib = extern("double", args=1)
`))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	im, err := vm.ParseImage(image)
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if im.ProcedureCount() != 3 {
		t.Fatalf("procedures = %d, want 3", im.ProcedureCount())
	}
	alarm := im.Procedure(1)
	want := vm.ProcCritical | vm.ProcTimed | vm.ProcConditional
	if alarm.Name != "alarm" || alarm.Flags&want != want || alarm.Time != 3 || alarm.Condition == 0 {
		t.Errorf("alarm = %+v", alarm)
	}
	if lib := im.Procedure(2); lib.Flags&vm.ProcImported == 0 || lib.ArgCount != 1 {
		t.Errorf("double = %+v, want an imported procedure of one argument", lib)
	}
}

func TestAssembleErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown opcode", `procedure("m")` + "\n" + `op("frobnicate")`, "unknown opcode"},
		{"operand opcode", `procedure("m")` + "\n" + `op("push")`, "takes an operand"},
		{"unmarked label", `procedure("m")` + "\n" + `jump(label("nowhere"))`, "never marked"},
		{"marked twice", "l = label()\nmark(l)\nmark(l)", "already marked"},
		{"bad push", `push([1])`, "cannot push list"},
		{"too wide", `push(1 << 40)`, "32 bits"},
		{"missing procedure", `timed(3, 1)`, "no procedure 3"},
		{"interrupt value", `ret(value=True)`, "cannot return a value"},
		{"syntax", `procedure(`, "test.star"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Assemble("test.star", []byte(tc.src))
			if err == nil {
				t.Fatal("Assemble succeeded")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestAssembleErrorPosition(t *testing.T) {
	tests := []struct {
		name string
		src  string
		line int
	}{
		{"builtin", "procedure(\"m\")\n\npush([1])\n", 3},
		{"syntax", "procedure(\"m\")\nx = = 1\n", 2},
		{"label", "procedure(\"m\")\nl = label()\njump(l)\n", 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Assemble("pos.star", []byte(tc.src))
			var ae *Error
			if !errors.As(err, &ae) {
				t.Fatalf("err = %v, want *Error", err)
			}
			if ae.File != "pos.star" || ae.Line != tc.line {
				t.Errorf("error at %s:%d, want pos.star:%d", ae.File, ae.Line, tc.line)
			}
		})
	}
}

func TestBuiltinsArePredeclared(t *testing.T) {
	predeclared := newAssembler().predeclared()
	builtins := Builtins()
	if len(builtins) != len(predeclared) {
		t.Errorf("%d builtins documented, %d predeclared", len(builtins), len(predeclared))
	}
	for i, b := range builtins {
		if _, ok := predeclared[b.Name]; !ok {
			t.Errorf("%s is documented but not predeclared", b.Name)
		}
		if i > 0 && builtins[i-1].Name >= b.Name {
			t.Errorf("builtins out of order at %s", b.Name)
		}
	}
}
