package vm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Compiled program image
// ---------------------------------------------------------------------------
//
// All integers are big-endian.
//
//	[0,4)               procedure count N
//	[4, 4+24N)          procedure records
//	u32 + bytes         identifier table (NUL separated names)
//	u32 + bytes         static string table
//	...                 bytecode, addressed absolutely
//
// Each procedure record is six u32 fields, in this order.
const (
	procName      = 0
	procBody      = 4
	procArgCount  = 8
	procFlags     = 12
	procCondition = 16
	procTime      = 20

	procRecordSize = 24
	procTableStart = 4
)

// ProcedureFlags is the flags word of a procedure record.
type ProcedureFlags uint32

const (
	ProcTimed       ProcedureFlags = 0x01
	ProcConditional ProcedureFlags = 0x02
	ProcImported    ProcedureFlags = 0x04
	ProcExported    ProcedureFlags = 0x08
	ProcCritical    ProcedureFlags = 0x10
)

func (f ProcedureFlags) String() string {
	var b bytes.Buffer
	for _, e := range []struct {
		f    ProcedureFlags
		name string
	}{
		{ProcTimed, "timed"},
		{ProcConditional, "conditional"},
		{ProcImported, "imported"},
		{ProcExported, "exported"},
		{ProcCritical, "critical"},
	} {
		if f&e.f != 0 {
			if b.Len() > 0 {
				b.WriteByte('|')
			}
			b.WriteString(e.name)
		}
	}
	return b.String()
}

// Procedure is a decoded copy of one procedure record.
type Procedure struct {
	Index     int
	Name      string
	Body      int32
	ArgCount  int32
	Flags     ProcedureFlags
	Condition int32
	Time      int32
}

// Image is a parsed program image. The procedure table stays in the byte
// buffer and is updated in place by the scheduling opcodes.
type Image struct {
	data       []byte
	procCount  int
	identStart int
	identLen   int
	strStart   int
	strLen     int

	// Trampolines appended after the image bytes. Runtime-initiated calls
	// return through them.
	stubResume int32
	stubExit   int32
}

// ParseImage validates the table layout of b and returns an Image over a
// private copy of it.
func ParseImage(b []byte) (*Image, error) {
	if len(b) < procTableStart {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptImage, len(b))
	}
	n := int(binary.BigEndian.Uint32(b))
	if n < 0 || n > (len(b)-procTableStart)/procRecordSize {
		return nil, fmt.Errorf("%w: procedure count %d", ErrCorruptImage, n)
	}

	im := &Image{procCount: n}
	pos := procTableStart + n*procRecordSize

	var err error
	if im.identStart, im.identLen, err = readTable(b, pos, "identifier"); err != nil {
		return nil, err
	}
	pos = im.identStart + im.identLen
	if im.strStart, im.strLen, err = readTable(b, pos, "string"); err != nil {
		return nil, err
	}

	im.data = make([]byte, len(b), len(b)+4)
	copy(im.data, b)
	im.stubResume = int32(len(im.data))
	im.data = binary.BigEndian.AppendUint16(im.data, uint16(OpPopReturn))
	im.stubExit = int32(len(im.data))
	im.data = binary.BigEndian.AppendUint16(im.data, uint16(OpPopExit))

	for i := range n {
		off := im.procField(i, procName)
		if off < 0 || int(off) >= im.identLen {
			return nil, fmt.Errorf("%w: procedure %d name offset %d", ErrCorruptImage, i, off)
		}
	}
	return im, nil
}

func readTable(b []byte, pos int, what string) (start, length int, err error) {
	if pos+4 > len(b) {
		return 0, 0, fmt.Errorf("%w: missing %s table", ErrCorruptImage, what)
	}
	length = int(binary.BigEndian.Uint32(b[pos:]))
	start = pos + 4
	if length < 0 || start+length > len(b) {
		return 0, 0, fmt.Errorf("%w: %s table length %d", ErrCorruptImage, what, length)
	}
	return start, length, nil
}

// ProcedureCount returns the number of procedure records.
func (im *Image) ProcedureCount() int {
	return im.procCount
}

// Len returns the size of the image, trampolines included.
func (im *Image) Len() int {
	return len(im.data)
}

func (im *Image) procField(i, field int) int32 {
	return int32(binary.BigEndian.Uint32(im.data[procTableStart+i*procRecordSize+field:]))
}

func (im *Image) setProcField(i, field int, v int32) {
	binary.BigEndian.PutUint32(im.data[procTableStart+i*procRecordSize+field:], uint32(v))
}

func (im *Image) procFlags(i int) ProcedureFlags {
	return ProcedureFlags(im.procField(i, procFlags))
}

func (im *Image) setProcFlags(i int, f ProcedureFlags) {
	im.setProcField(i, procFlags, int32(f))
}

// Procedure decodes record i.
func (im *Image) Procedure(i int) Procedure {
	name, _ := im.Identifier(im.procField(i, procName))
	return Procedure{
		Index:     i,
		Name:      name,
		Body:      im.procField(i, procBody),
		ArgCount:  im.procField(i, procArgCount),
		Flags:     im.procFlags(i),
		Condition: im.procField(i, procCondition),
		Time:      im.procField(i, procTime),
	}
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Identifier returns the name at offset in the identifier table.
func (im *Image) Identifier(offset int32) (string, bool) {
	if offset < 0 || int(offset) >= im.identLen {
		return "", false
	}
	return cString(im.data[im.identStart+int(offset) : im.identStart+im.identLen]), true
}

// StaticString returns the string at offset in the static string table.
func (im *Image) StaticString(offset int32) (string, bool) {
	if offset < 0 || int(offset) >= im.strLen {
		return "", false
	}
	return cString(im.data[im.strStart+int(offset) : im.strStart+im.strLen]), true
}

// word reads the instruction word at addr.
func (im *Image) word(addr int32) (uint16, bool) {
	if addr < 0 || int(addr)+2 > len(im.data) {
		return 0, false
	}
	return binary.BigEndian.Uint16(im.data[addr:]), true
}

// operand reads the 32-bit operand at addr.
func (im *Image) operand(addr int32) (uint32, bool) {
	if addr < 0 || int(addr)+4 > len(im.data) {
		return 0, false
	}
	return binary.BigEndian.Uint32(im.data[addr:]), true
}
