package vm

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// ---------------------------------------------------------------------------
// Exported procedure and variable registries
// ---------------------------------------------------------------------------
//
// Both tables are fixed-size and open addressed: a name hashes to a home
// slot and collisions step forward by a fixed stride. A slot is empty when
// its name is empty. Names compare case-insensitively and are clipped to
// maxSymbolName bytes.

const (
	symbolTableSize   = 1013
	symbolTableStride = 7
	maxSymbolName     = 31
)

func clipSymbol(name string) string {
	if len(name) > maxSymbolName {
		return name[:maxSymbolName]
	}
	return name
}

func lowerByte(c byte) uint32 {
	if 'A' <= c && c <= 'Z' {
		c += 'a' - 'A'
	}
	return uint32(c)
}

// symbolHash is the home slot of name.
func symbolHash(name string) int {
	var v uint32
	for i := 0; i < len(name); i++ {
		v += lowerByte(name[i]) + v*8 + v>>29
	}
	return int(v % symbolTableSize)
}

// probe calls fn for every slot index in probe order starting at name's
// home slot, stopping when fn returns true.
func probe(name string, fn func(i int) bool) {
	i := symbolHash(name)
	for range symbolTableSize {
		if fn(i) {
			return
		}
		i += symbolTableStride
		if i >= symbolTableSize {
			i -= symbolTableSize
		}
	}
}

// ---------------------------------------------------------------------------
// Procedures
// ---------------------------------------------------------------------------

type exportedProcedure struct {
	name    string
	program *Program
	address int32
	argc    int32
}

type procedureTable struct {
	slots []exportedProcedure
}

func (t *procedureTable) init() {
	t.slots = make([]exportedProcedure, symbolTableSize)
}

// find returns the live entry for name. Cleared slots are skipped rather
// than ending the search, since purges clear entries in the middle of
// probe chains.
func (t *procedureTable) find(name string) *exportedProcedure {
	name = clipSymbol(name)
	var found *exportedProcedure
	probe(name, func(i int) bool {
		e := &t.slots[i]
		if e.program != nil && strings.EqualFold(e.name, name) {
			found = e
			return true
		}
		return false
	})
	return found
}

func (t *procedureTable) free(name string) *exportedProcedure {
	var found *exportedProcedure
	probe(name, func(i int) bool {
		if t.slots[i].name == "" {
			found = &t.slots[i]
			return true
		}
		return false
	})
	return found
}

// create registers name for p. Re-exporting from the same program updates
// the entry.
func (t *procedureTable) create(p *Program, name string, address, argc int32) error {
	e := t.find(name)
	switch {
	case e != nil && e.program != p:
		return fmt.Errorf("%w: procedure %s belongs to %s", ErrSymbolConflict, name, e.program.name)
	case e == nil:
		if e = t.free(name); e == nil {
			return fmt.Errorf("%w: procedure %s", ErrTableFull, name)
		}
		e.name = clipSymbol(name)
	}
	e.program = p
	e.address = address
	e.argc = argc
	return nil
}

func (t *procedureTable) lookup(name string) (exportedProcedure, bool) {
	if e := t.find(name); e != nil {
		return *e, true
	}
	return exportedProcedure{}, false
}

func (t *procedureTable) removeProgram(p *Program) {
	for i := range t.slots {
		if t.slots[i].program == p {
			t.slots[i] = exportedProcedure{}
		}
	}
}

// ExportProcedure registers procedure i of p under its own name, the way
// the EXPORT_PROCEDURE opcode does.
func (vm *VM) ExportProcedure(p *Program, i int) error {
	if i < 0 || i >= p.image.ProcedureCount() {
		return fmt.Errorf("%w: %d", ErrBadProcedure, i)
	}
	return vm.procs.create(p, p.ProcedureName(i), p.image.procField(i, procBody), p.image.procField(i, procArgCount))
}

// ExportedProcedure reports which program exports name.
func (vm *VM) ExportedProcedure(name string) (*Program, bool) {
	e, ok := vm.procs.lookup(name)
	return e.program, ok
}

// ---------------------------------------------------------------------------
// Variables
// ---------------------------------------------------------------------------

// exportedVariable holds its value independently of any program. String
// values are kept as private copies in text, with value tagged as a
// dynamic string.
type exportedVariable struct {
	name  string
	owner string
	value Value
	text  string
}

type variableTable struct {
	slots []exportedVariable
}

func (t *variableTable) init() {
	t.slots = make([]exportedVariable, symbolTableSize)
}

// find stops at the first empty slot; variables are only ever removed all
// at once.
func (t *variableTable) find(name string) *exportedVariable {
	name = clipSymbol(name)
	var found *exportedVariable
	probe(name, func(i int) bool {
		e := &t.slots[i]
		if e.name == "" {
			return true
		}
		if strings.EqualFold(e.name, name) {
			found = e
			return true
		}
		return false
	})
	return found
}

func (t *variableTable) free(name string) *exportedVariable {
	var found *exportedVariable
	probe(name, func(i int) bool {
		if t.slots[i].name == "" {
			found = &t.slots[i]
			return true
		}
		return false
	})
	return found
}

// create declares name for the program called owner and resets it to
// Integer(0). Ownership is by program name, so a reloaded script can
// export its variables again.
func (t *variableTable) create(owner, name string) error {
	e := t.find(name)
	switch {
	case e != nil && !strings.EqualFold(e.owner, owner):
		return fmt.Errorf("%w: variable %s belongs to %s", ErrSymbolConflict, name, e.owner)
	case e == nil:
		if e = t.free(name); e == nil {
			return fmt.Errorf("%w: variable %s", ErrTableFull, name)
		}
		e.name = clipSymbol(name)
		e.owner = owner
	}
	e.value = Int(0)
	e.text = ""
	return nil
}

func (e *exportedVariable) setString(s string) {
	e.value = DynamicString(0)
	e.text = s
}

func (e *exportedVariable) set(v Value) {
	e.value = v
	e.text = ""
}

// clear empties every slot.
func (t *variableTable) clear() {
	for i := range t.slots {
		t.slots[i] = exportedVariable{}
	}
}

// ClearExportedVariables drops every exported variable. Hosts call it at a
// new-game or load-game boundary.
func (vm *VM) ClearExportedVariables() {
	vm.vars.clear()
}

// Variable is a host view of an exported variable. Value is an int32, a
// float32, a string, or the host value of a pointer.
type Variable struct {
	Name  string
	Owner string
	Value any
}

func (e *exportedVariable) hostValue() any {
	switch {
	case e.value.IsString():
		return e.text
	case e.value.Type == TypeFloat:
		return e.value.Float()
	case e.value.Type == TypePointer:
		return e.value.Ptr()
	}
	return e.value.Int()
}

func (e *exportedVariable) setHostValue(v any) error {
	switch x := v.(type) {
	case int32:
		e.set(Int(x))
	case int:
		e.set(Int(int32(x)))
	case int64:
		e.set(Int(int32(x)))
	case float32:
		e.set(Float(x))
	case float64:
		e.set(Float(float32(x)))
	case string:
		e.setString(x)
	case bool:
		e.set(Int(boolInt(x)))
	default:
		e.set(Pointer(x))
	}
	return nil
}

// ExportedVariable returns the current value of name.
func (vm *VM) ExportedVariable(name string) (any, bool) {
	e := vm.vars.find(name)
	if e == nil {
		return nil, false
	}
	return e.hostValue(), true
}

// SetExportedVariable assigns an existing exported variable.
func (vm *VM) SetExportedVariable(name string, v any) error {
	e := vm.vars.find(name)
	if e == nil {
		return fmt.Errorf("%w: variable %s", ErrSymbolNotFound, name)
	}
	return e.setHostValue(v)
}

// DeclareVariable creates name on behalf of the program called owner, as
// EXPORT_VARIABLE would.
func (vm *VM) DeclareVariable(owner, name string) error {
	return vm.vars.create(owner, name)
}

// ExportedVariables lists every exported variable sorted by name.
func (vm *VM) ExportedVariables() []Variable {
	var out []Variable
	for i := range vm.vars.slots {
		e := &vm.vars.slots[i]
		if e.name == "" {
			continue
		}
		out = append(out, Variable{Name: e.name, Owner: e.owner, Value: e.hostValue()})
	}
	slices.SortFunc(out, func(a, b Variable) int {
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return out
}

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

// popIdentifier pops an identifier-table offset and resolves it.
func popIdentifier(p *Program) string {
	return p.identifier(p.Pop().Int())
}

// opExportProcedure pops a procedure index and then its argument count.
func (vm *VM) opExportProcedure(p *Program) {
	i := p.checkProcedure(p.Pop().Int())
	argc := p.Pop().Int()
	name := p.ProcedureName(i)
	if err := vm.procs.create(p, name, p.image.procField(i, procBody), argc); err != nil {
		vm.Log.Debugf("%v", err)
		p.Fatalf(ErrSymbolConflict, "Error exporting procedure %s", name)
	}
}

func (vm *VM) opExportVariable(p *Program) {
	name := popIdentifier(p)
	if err := vm.vars.create(p.name, name); err != nil {
		vm.Log.Debugf("%v", err)
		p.Fatalf(ErrSymbolConflict, "External variable %s already exists", name)
	}
}

// opStoreExternal pops an identifier and then the value to store. Strings
// are copied out of the program's heap.
func (vm *VM) opStoreExternal(p *Program) {
	name := popIdentifier(p)
	v := p.Pop()
	e := vm.vars.find(name)
	if e == nil {
		p.Fatalf(ErrSymbolNotFound, "External variable %s does not exist", name)
	}
	if v.IsString() {
		e.setString(p.StringOf(v))
	} else {
		e.set(v)
	}
}

// opFetchExternal pops an identifier and pushes the variable's value.
// Strings are copied into the reading program's heap.
func (vm *VM) opFetchExternal(p *Program) {
	name := popIdentifier(p)
	e := vm.vars.find(name)
	if e == nil {
		p.Fatalf(ErrSymbolNotFound, "External variable %s does not exist", name)
	}
	if e.value.IsString() {
		p.PushString(e.text)
		return
	}
	p.Push(e.value)
}
