// Package asm builds program images from Starlark assembly scripts.
//
// An assembly script drives a vm.ImageBuilder through a small set of
// builtins:
//
//	main = procedure("main")
//	push(2, 3)
//	op("add", "stop_program")
//
// Procedures start at the current code position. Labels are created with
// label() and placed with mark(); pushing a label pushes its address.
package asm

import (
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"

	"github.com/tliron/commonlog"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/chazu/tickvm/vm"
)

var log = commonlog.GetLogger("tickvm.asm")

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// AssembleFile assembles the script at path.
func AssembleFile(path string) ([]byte, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Assemble(path, src)
}

// Error is an assembly failure at a position in the source.
type Error struct {
	File      string
	Line, Col int // 1-based; zero when unknown
	Msg       string
}

func (e *Error) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Msg)
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Col, e.Msg)
}

func errorAt(file string, pos syntax.Position, msg string) *Error {
	return &Error{File: file, Line: int(pos.Line), Col: int(pos.Col), Msg: msg}
}

// Assemble runs the script in src and returns the image it built. Script
// failures are reported as *Error.
func Assemble(filename string, src []byte) ([]byte, error) {
	a := newAssembler()
	thread := &starlark.Thread{
		Name: "asm " + filename,
		Print: func(_ *starlark.Thread, msg string) {
			log.Infof("%s: %s", filename, msg)
		},
	}
	if _, err := starlark.ExecFileOptions(fileOptions, thread, filename, src, a.predeclared()); err != nil {
		return nil, scriptError(filename, err)
	}
	for _, l := range a.labels {
		if !l.marked && l.used {
			return nil, errorAt(filename, l.pos, fmt.Sprintf("label %s is used but never marked", l.name))
		}
	}
	image, err := a.b.Build()
	if err != nil {
		return nil, &Error{File: filename, Msg: err.Error()}
	}
	return image, nil
}

// scriptError positions err at the innermost frame in filename.
func scriptError(filename string, err error) error {
	var syntaxErr syntax.Error
	if errors.As(err, &syntaxErr) {
		return errorAt(filename, syntaxErr.Pos, syntaxErr.Msg)
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		for i := len(evalErr.CallStack) - 1; i >= 0; i-- {
			if pos := evalErr.CallStack[i].Pos; pos.Filename() == filename {
				return errorAt(filename, pos, evalErr.Msg)
			}
		}
		return &Error{File: filename, Msg: evalErr.Msg}
	}
	return err
}

type assembler struct {
	b      *vm.ImageBuilder
	procs  int
	labels []*label
}

func newAssembler() *assembler {
	return &assembler{b: vm.NewImageBuilder()}
}

func (a *assembler) predeclared() starlark.StringDict {
	d := starlark.StringDict{}
	for name, fn := range map[string]func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error){
		"procedure": a.procedure,
		"extern":    a.extern,
		"label":     a.label,
		"mark":      a.mark,
		"op":        a.op,
		"push":      a.push,
		"ident":     a.ident,
		"jump":      a.jump,
		"call":      a.call,
		"ret":       a.ret,
		"condition": a.condition,
		"timed":     a.timed,
	} {
		d[name] = starlark.NewBuiltin(name, fn)
	}
	return d
}

// ---------------------------------------------------------------------------
// Labels
// ---------------------------------------------------------------------------

type label struct {
	name   string
	l      *vm.Label
	pos    syntax.Position
	marked bool
	used   bool
}

var _ starlark.Value = (*label)(nil)

func (l *label) String() string        { return fmt.Sprintf("<label %s>", l.name) }
func (l *label) Type() string          { return "label" }
func (l *label) Freeze()               {}
func (l *label) Truth() starlark.Bool  { return starlark.True }
func (l *label) Hash() (uint32, error) { return starlark.String(l.name).Hash() }

func toLabel(b *starlark.Builtin, v starlark.Value) (*label, error) {
	l, ok := v.(*label)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want label", b.Name(), v.Type())
	}
	return l, nil
}

func (a *assembler) label(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	name := fmt.Sprintf("L%d", len(a.labels))
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name?", &name); err != nil {
		return nil, err
	}
	l := &label{name: name, l: a.b.NewLabel(), pos: thread.CallFrame(1).Pos}
	a.labels = append(a.labels, l)
	return l, nil
}

func (a *assembler) mark(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	l, err := toLabel(b, v)
	if err != nil {
		return nil, err
	}
	if l.marked {
		return nil, fmt.Errorf("mark: label %s already marked", l.name)
	}
	l.marked = true
	a.b.Mark(l.l)
	return starlark.None, nil
}

// ---------------------------------------------------------------------------
// Procedures
// ---------------------------------------------------------------------------

func (a *assembler) procedure(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name     string
		argc     int
		critical bool
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "args?", &argc, "critical?", &critical); err != nil {
		return nil, err
	}
	var flags vm.ProcedureFlags
	if critical {
		flags |= vm.ProcCritical
	}
	a.procs++
	return starlark.MakeInt(a.b.Procedure(name, argc, flags)), nil
}

func (a *assembler) extern(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		name string
		argc int
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "args?", &argc); err != nil {
		return nil, err
	}
	a.procs++
	return starlark.MakeInt(a.b.Import(name, argc)), nil
}

func (a *assembler) procIndex(b *starlark.Builtin, v starlark.Value) (int, error) {
	i, err := starlark.AsInt32(v)
	if err != nil {
		return 0, fmt.Errorf("%s: procedure index: %w", b.Name(), err)
	}
	if i < 0 || i >= a.procs {
		return 0, fmt.Errorf("%s: no procedure %d", b.Name(), i)
	}
	return i, nil
}

func (a *assembler) condition(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var proc, cond starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &proc, &cond); err != nil {
		return nil, err
	}
	i, err := a.procIndex(b, proc)
	if err != nil {
		return nil, err
	}
	l, err := toLabel(b, cond)
	if err != nil {
		return nil, err
	}
	l.used = true
	a.b.SetCondition(i, l.l)
	return starlark.None, nil
}

func (a *assembler) timed(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		proc starlark.Value
		at   int
	)
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 2, &proc, &at); err != nil {
		return nil, err
	}
	i, err := a.procIndex(b, proc)
	if err != nil {
		return nil, err
	}
	a.b.SetTime(i, int32(at))
	return starlark.None, nil
}

// ---------------------------------------------------------------------------
// Code
// ---------------------------------------------------------------------------

func (a *assembler) op(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("op: unexpected keyword arguments")
	}
	for _, v := range args {
		name, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("op: got %s, want opcode name", v.Type())
		}
		code, ok := vm.LookupOpcode(name)
		if !ok {
			return nil, fmt.Errorf("op: unknown opcode %q", name)
		}
		if code.Info().OperandBytes > 0 {
			return nil, fmt.Errorf("op: %s takes an operand, use push", strings.ToLower(code.Name()))
		}
		a.b.Emit(code)
	}
	return starlark.None, nil
}

// pushValue emits the push instruction for one Starlark value.
func (a *assembler) pushValue(b *starlark.Builtin, v starlark.Value) error {
	switch x := v.(type) {
	case starlark.Bool:
		if x {
			a.b.EmitInt(1)
		} else {
			a.b.EmitInt(0)
		}
	case starlark.Int:
		i, ok := x.Int64()
		if !ok || i < math.MinInt32 || i > math.MaxUint32 {
			return fmt.Errorf("%s: %s does not fit in 32 bits", b.Name(), x)
		}
		a.b.EmitInt(int32(i))
	case starlark.Float:
		a.b.EmitFloat(float32(x))
	case starlark.String:
		a.b.EmitString(string(x))
	case *label:
		x.used = true
		a.b.EmitAddress(x.l)
	default:
		return fmt.Errorf("%s: cannot push %s", b.Name(), v.Type())
	}
	return nil
}

func (a *assembler) push(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("push: unexpected keyword arguments")
	}
	for _, v := range args {
		if err := a.pushValue(b, v); err != nil {
			return nil, err
		}
	}
	return starlark.None, nil
}

func (a *assembler) ident(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &name); err != nil {
		return nil, err
	}
	a.b.EmitIdentifier(name)
	return starlark.None, nil
}

func (a *assembler) jump(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	l, err := toLabel(b, v)
	if err != nil {
		return nil, err
	}
	l.used = true
	a.b.EmitJump(l.l)
	return starlark.None, nil
}

// call emits a script call of procedure index proc with the given
// arguments; execution continues after the call once it returns.
func (a *assembler) call(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("call: unexpected keyword arguments")
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("call: missing procedure index")
	}
	// Procedures may be defined after the call site.
	proc, err := starlark.AsInt32(args[0])
	if err != nil || proc < 0 {
		return nil, fmt.Errorf("call: bad procedure index %s", args[0])
	}
	after := a.b.NewLabel()
	a.b.EmitAddress(after)
	a.b.Emit(vm.OpDToA)
	for _, v := range args[1:] {
		if err := a.pushValue(b, v); err != nil {
			return nil, err
		}
	}
	a.b.EmitInt(int32(len(args) - 1))
	a.b.EmitInt(int32(proc))
	a.b.Emit(vm.OpCall)
	a.b.Mark(after)
	return starlark.None, nil
}

// ret emits a procedure epilogue. kind names how the procedure was
// entered: "interrupt" for runtime-initiated calls, "local" for a CALL in
// the same program and "extern" for a CALL from an importing program. With
// value=True the top of the stack is returned to the caller.
func (a *assembler) ret(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	kind := "interrupt"
	var value bool
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "kind?", &kind, "value?", &value); err != nil {
		return nil, err
	}
	if value {
		a.b.Emit(vm.OpDToA, vm.OpSwapA)
	}
	a.b.Emit(vm.OpPopToBase, vm.OpPopBase)
	if value {
		a.b.Emit(vm.OpAToD)
	}
	switch {
	case kind == "interrupt" && !value:
		a.b.Emit(vm.OpPopFlagsReturn)
	case kind == "local":
		a.b.Emit(vm.OpPopReturn)
	case kind == "extern" && value:
		a.b.Emit(vm.OpPopFlagsReturnValExtern)
	case kind == "extern":
		a.b.Emit(vm.OpPopFlagsReturnExtern)
	case kind == "interrupt":
		return nil, fmt.Errorf("ret: interrupts cannot return a value")
	default:
		return nil, fmt.Errorf("ret: unknown kind %q", kind)
	}
	return starlark.None, nil
}

// ---------------------------------------------------------------------------
// Builtin reference
// ---------------------------------------------------------------------------

// Builtin describes an assembler builtin.
type Builtin struct {
	Name      string
	Signature string
	Doc       string
}

var builtins = []Builtin{
	{"call", "call(proc, *args)", "Calls procedure index proc with args and continues after the call once it returns."},
	{"condition", "condition(proc, label)", "Makes proc conditional on the code at label."},
	{"extern", "extern(name, args=0)", "Declares a procedure imported from another program and returns its index."},
	{"ident", "ident(name)", "Pushes the identifier operand for name, as used by the export and external variable opcodes."},
	{"jump", "jump(label)", "Jumps to label."},
	{"label", "label(name=None)", "Creates a code label. Place it with mark()."},
	{"mark", "mark(label)", "Places label at the current code position."},
	{"op", "op(*names)", "Emits instructions by opcode name."},
	{"procedure", "procedure(name, args=0, critical=False)", "Starts a procedure at the current code position and returns its index. Procedure 0 is the entry point."},
	{"push", "push(*values)", "Pushes ints, floats, strings and label addresses."},
	{"ret", `ret(kind="interrupt", value=False)`, `Emits a procedure epilogue. kind is "interrupt", "local" or "extern".`},
	{"timed", "timed(proc, time)", "Makes proc timed with the given wake time."},
}

// Builtins lists the assembler builtins in name order.
func Builtins() []Builtin {
	return slices.Clone(builtins)
}
