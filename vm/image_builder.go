package vm

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// ImageBuilder: assembles program images
// ---------------------------------------------------------------------------

// Label marks a code position. Addresses in an image are absolute, so label
// references are patched when the image is built and the size of the tables
// in front of the code is known.
type Label struct {
	resolved bool
	position int   // code-relative position once resolved
	refs     []int // code positions of 4-byte operands referring to this label
}

type builderProc struct {
	name  int32
	body  *Label
	cond  *Label
	argc  int32
	flags ProcedureFlags
	time  int32
}

// ImageBuilder constructs a program image: procedure records, identifier
// and string tables, and code.
type ImageBuilder struct {
	code   []byte
	procs  []builderProc
	labels []*Label

	idents     []byte
	identIndex map[string]int32
	strs       []byte
	strIndex   map[string]int32
}

// NewImageBuilder creates an empty builder.
func NewImageBuilder() *ImageBuilder {
	return &ImageBuilder{
		code:       make([]byte, 0, 64),
		identIndex: make(map[string]int32),
		strIndex:   make(map[string]int32),
	}
}

// Identifier interns name in the identifier table and returns its offset.
func (b *ImageBuilder) Identifier(name string) int32 {
	if off, ok := b.identIndex[name]; ok {
		return off
	}
	off := int32(len(b.idents))
	b.idents = append(append(b.idents, name...), 0)
	b.identIndex[name] = off
	return off
}

// String interns s in the static string table and returns its offset.
func (b *ImageBuilder) String(s string) int32 {
	if off, ok := b.strIndex[s]; ok {
		return off
	}
	off := int32(len(b.strs))
	b.strs = append(append(b.strs, s...), 0)
	b.strIndex[s] = off
	return off
}

// Procedure adds a procedure whose body starts at the current code position
// and returns its index.
func (b *ImageBuilder) Procedure(name string, argc int, flags ProcedureFlags) int {
	body := b.NewLabel()
	b.Mark(body)
	b.procs = append(b.procs, builderProc{
		name:  b.Identifier(name),
		body:  body,
		argc:  int32(argc),
		flags: flags,
	})
	return len(b.procs) - 1
}

// Import adds a procedure record that is resolved through the exported
// procedure table at call time.
func (b *ImageBuilder) Import(name string, argc int) int {
	b.procs = append(b.procs, builderProc{
		name:  b.Identifier(name),
		argc:  int32(argc),
		flags: ProcImported,
	})
	return len(b.procs) - 1
}

// SetCondition marks procedure idx conditional on the code at cond.
func (b *ImageBuilder) SetCondition(idx int, cond *Label) {
	b.procs[idx].cond = cond
	b.procs[idx].flags |= ProcConditional
}

// SetTime marks procedure idx timed with the given wake time.
func (b *ImageBuilder) SetTime(idx int, t int32) {
	b.procs[idx].time = t
	b.procs[idx].flags |= ProcTimed
}

// Len returns the current code length.
func (b *ImageBuilder) Len() int {
	return len(b.code)
}

// NewLabel creates an unresolved label.
func (b *ImageBuilder) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the current code position.
func (b *ImageBuilder) Mark(l *Label) {
	if l.resolved {
		panic("label already resolved")
	}
	l.resolved = true
	l.position = len(b.code)
}

// Emit appends an instruction word.
func (b *ImageBuilder) Emit(ops ...Opcode) {
	for _, op := range ops {
		b.code = binary.BigEndian.AppendUint16(b.code, uint16(op))
	}
}

func (b *ImageBuilder) emitPush(word Opcode, bits uint32) {
	b.code = binary.BigEndian.AppendUint16(b.code, uint16(word))
	b.code = binary.BigEndian.AppendUint32(b.code, bits)
}

// EmitInt pushes an integer.
func (b *ImageBuilder) EmitInt(i int32) {
	b.emitPush(OpPushInt, uint32(i))
}

// EmitFloat pushes a float.
func (b *ImageBuilder) EmitFloat(f float32) {
	b.emitPush(OpPushFloat, math.Float32bits(f))
}

// EmitString pushes a static string.
func (b *ImageBuilder) EmitString(s string) {
	b.emitPush(OpPushString, uint32(b.String(s)))
}

// EmitIdentifier pushes the identifier offset of name as an integer, the
// operand form used by the export and external variable opcodes.
func (b *ImageBuilder) EmitIdentifier(name string) {
	b.emitPush(OpPushInt, uint32(b.Identifier(name)))
}

// EmitAddress pushes the absolute address of l as an integer.
func (b *ImageBuilder) EmitAddress(l *Label) {
	b.code = binary.BigEndian.AppendUint16(b.code, uint16(OpPushInt))
	l.refs = append(l.refs, len(b.code))
	b.code = append(b.code, 0, 0, 0, 0)
}

// EmitJump emits an unconditional jump to l.
func (b *ImageBuilder) EmitJump(l *Label) {
	b.EmitAddress(l)
	b.Emit(OpJump)
}

// Build lays out the tables, patches label references to absolute
// addresses and returns the image bytes.
func (b *ImageBuilder) Build() ([]byte, error) {
	codeBase := procTableStart + len(b.procs)*procRecordSize +
		4 + len(b.idents) + 4 + len(b.strs)

	for _, l := range b.labels {
		if len(l.refs) > 0 && !l.resolved {
			return nil, fmt.Errorf("%w: unresolved label", ErrCorruptImage)
		}
	}

	out := make([]byte, 0, codeBase+len(b.code))
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.procs)))
	for i, p := range b.procs {
		var body, cond int32
		if p.body != nil {
			body = int32(codeBase + p.body.position)
		}
		if p.cond != nil {
			if !p.cond.resolved {
				return nil, fmt.Errorf("%w: procedure %d condition label unresolved", ErrCorruptImage, i)
			}
			cond = int32(codeBase + p.cond.position)
		}
		out = binary.BigEndian.AppendUint32(out, uint32(p.name))
		out = binary.BigEndian.AppendUint32(out, uint32(body))
		out = binary.BigEndian.AppendUint32(out, uint32(p.argc))
		out = binary.BigEndian.AppendUint32(out, uint32(p.flags))
		out = binary.BigEndian.AppendUint32(out, uint32(cond))
		out = binary.BigEndian.AppendUint32(out, uint32(p.time))
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.idents)))
	out = append(out, b.idents...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.strs)))
	out = append(out, b.strs...)

	code := append([]byte(nil), b.code...)
	for _, l := range b.labels {
		for _, ref := range l.refs {
			binary.BigEndian.PutUint32(code[ref:], uint32(codeBase+l.position))
		}
	}
	return append(out, code...), nil
}

// MustBuild is Build for images known to be well formed.
func (b *ImageBuilder) MustBuild() []byte {
	data, err := b.Build()
	if err != nil {
		panic(err)
	}
	return data
}
