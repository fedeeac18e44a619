package vm

import (
	"encoding/binary"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is a 16-bit instruction word. The high bit marks a valid
// instruction and the low 10 bits select the handler.
type Opcode uint16

// Core instruction set.
const (
	OpNoop                        Opcode = 0x8000
	OpPush                        Opcode = 0x8001 // pushes the 4-byte operand, tagged with the instruction word
	OpEnterCriticalSection        Opcode = 0x8002
	OpLeaveCriticalSection        Opcode = 0x8003
	OpJump                        Opcode = 0x8004
	OpCall                        Opcode = 0x8005
	OpCallAt                      Opcode = 0x8006
	OpCallWhen                    Opcode = 0x8007
	OpCallStart                   Opcode = 0x8008
	OpExec                        Opcode = 0x8009
	OpSpawn                       Opcode = 0x800A
	OpFork                        Opcode = 0x800B
	OpAToD                        Opcode = 0x800C
	OpDToA                        Opcode = 0x800D
	OpExit                        Opcode = 0x800E
	OpDetach                      Opcode = 0x800F
	OpExitProgram                 Opcode = 0x8010
	OpStopProgram                 Opcode = 0x8011
	OpFetchGlobal                 Opcode = 0x8012
	OpStoreGlobal                 Opcode = 0x8013
	OpFetchExternal               Opcode = 0x8014
	OpStoreExternal               Opcode = 0x8015
	OpExportVariable              Opcode = 0x8016
	OpExportProcedure             Opcode = 0x8017
	OpSwap                        Opcode = 0x8018
	OpSwapA                       Opcode = 0x8019
	OpPop                         Opcode = 0x801A
	OpDup                         Opcode = 0x801B
	OpPopReturn                   Opcode = 0x801C
	OpPopExit                     Opcode = 0x801D
	OpPopAddress                  Opcode = 0x801E
	OpPopFlags                    Opcode = 0x801F
	OpPopFlagsReturn              Opcode = 0x8020
	OpPopFlagsExit                Opcode = 0x8021
	OpPopFlagsReturnExtern        Opcode = 0x8022
	OpPopFlagsExitExtern          Opcode = 0x8023
	OpPopFlagsReturnValExtern     Opcode = 0x8024
	OpPopFlagsReturnValExit       Opcode = 0x8025
	OpPopFlagsReturnValExitExtern Opcode = 0x8026
	OpCheckArgCount               Opcode = 0x8027
	OpLookupProcedureByName       Opcode = 0x8028
	OpPopBase                     Opcode = 0x8029
	OpPopToBase                   Opcode = 0x802A
	OpPushBase                    Opcode = 0x802B
	OpSetGlobal                   Opcode = 0x802C
	OpFetchProcedureAddress       Opcode = 0x802D
	OpDump                        Opcode = 0x802E
	OpIf                          Opcode = 0x802F
	OpWhile                       Opcode = 0x8030
	OpStore                       Opcode = 0x8031
	OpFetch                       Opcode = 0x8032
	OpEqual                       Opcode = 0x8033
	OpNotEqual                    Opcode = 0x8034
	OpLessEqual                   Opcode = 0x8035
	OpGreaterEqual                Opcode = 0x8036
	OpLess                        Opcode = 0x8037
	OpGreater                     Opcode = 0x8038
	OpAdd                         Opcode = 0x8039
	OpSub                         Opcode = 0x803A
	OpMul                         Opcode = 0x803B
	OpDiv                         Opcode = 0x803C
	OpMod                         Opcode = 0x803D
	OpAnd                         Opcode = 0x803E
	OpOr                          Opcode = 0x803F
	OpBitwiseAnd                  Opcode = 0x8040
	OpBitwiseOr                   Opcode = 0x8041
	OpBitwiseXor                  Opcode = 0x8042
	OpBitwiseNot                  Opcode = 0x8043
	OpFloor                       Opcode = 0x8044
	OpNot                         Opcode = 0x8045
	OpNegate                      Opcode = 0x8046
	OpWait                        Opcode = 0x8047
	OpCancel                      Opcode = 0x8048
	OpCancelAll                   Opcode = 0x8049
	OpStartCritical               Opcode = 0x804A
	OpEndCritical                 Opcode = 0x804B
)

// Runtime library: named events and key hooks.
const (
	OpAddNamedEvent   Opcode = 0x804C
	OpAddNamedHandler Opcode = 0x804D
	OpClearNamed      Opcode = 0x804E
	OpSignalNamed     Opcode = 0x804F
	OpAddKey          Opcode = 0x8050
	OpDeleteKey       Opcode = 0x8051
)

// Typed push words. Each is OpPush with the value tag in place of the
// opcode bits.
const (
	OpPushInt    = Opcode(TypeInt)
	OpPushFloat  = Opcode(TypeFloat)
	OpPushString = Opcode(TypeString)
)

const (
	// OpcodeTableSize is the capacity of the handler table.
	OpcodeTableSize = 342

	opcodeIndexMask = 0x3FF
)

// Index returns the handler table index of the instruction word.
func (op Opcode) Index() int {
	return int(op & opcodeIndexMask)
}

// Valid reports whether the instruction word carries the opcode tag.
func (op Opcode) Valid() bool {
	return Type(op)&rawOpcode != 0
}

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // inline operand bytes after the word
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNoop:                        {"NOOP", 0},
	OpPush:                        {"PUSH", 4},
	OpEnterCriticalSection:        {"ENTER_CRITICAL_SECTION", 0},
	OpLeaveCriticalSection:        {"LEAVE_CRITICAL_SECTION", 0},
	OpJump:                        {"JUMP", 0},
	OpCall:                        {"CALL", 0},
	OpCallAt:                      {"CALL_AT", 0},
	OpCallWhen:                    {"CALL_WHEN", 0},
	OpCallStart:                   {"CALLSTART", 0},
	OpExec:                        {"EXEC", 0},
	OpSpawn:                       {"SPAWN", 0},
	OpFork:                        {"FORK", 0},
	OpAToD:                        {"A_TO_D", 0},
	OpDToA:                        {"D_TO_A", 0},
	OpExit:                        {"EXIT", 0},
	OpDetach:                      {"DETACH", 0},
	OpExitProgram:                 {"EXIT_PROGRAM", 0},
	OpStopProgram:                 {"STOP_PROGRAM", 0},
	OpFetchGlobal:                 {"FETCH_GLOBAL", 0},
	OpStoreGlobal:                 {"STORE_GLOBAL", 0},
	OpFetchExternal:               {"FETCH_EXTERNAL", 0},
	OpStoreExternal:               {"STORE_EXTERNAL", 0},
	OpExportVariable:              {"EXPORT_VARIABLE", 0},
	OpExportProcedure:             {"EXPORT_PROCEDURE", 0},
	OpSwap:                        {"SWAP", 0},
	OpSwapA:                       {"SWAPA", 0},
	OpPop:                         {"POP", 0},
	OpDup:                         {"DUP", 0},
	OpPopReturn:                   {"POP_RETURN", 0},
	OpPopExit:                     {"POP_EXIT", 0},
	OpPopAddress:                  {"POP_ADDRESS", 0},
	OpPopFlags:                    {"POP_FLAGS", 0},
	OpPopFlagsReturn:              {"POP_FLAGS_RETURN", 0},
	OpPopFlagsExit:                {"POP_FLAGS_EXIT", 0},
	OpPopFlagsReturnExtern:        {"POP_FLAGS_RETURN_EXTERN", 0},
	OpPopFlagsExitExtern:          {"POP_FLAGS_EXIT_EXTERN", 0},
	OpPopFlagsReturnValExtern:     {"POP_FLAGS_RETURN_VAL_EXTERN", 0},
	OpPopFlagsReturnValExit:       {"POP_FLAGS_RETURN_VAL_EXIT", 0},
	OpPopFlagsReturnValExitExtern: {"POP_FLAGS_RETURN_VAL_EXIT_EXTERN", 0},
	OpCheckArgCount:               {"CHECK_ARG_COUNT", 0},
	OpLookupProcedureByName:       {"LOOKUP_PROCEDURE_BY_NAME", 0},
	OpPopBase:                     {"POP_BASE", 0},
	OpPopToBase:                   {"POP_TO_BASE", 0},
	OpPushBase:                    {"PUSH_BASE", 0},
	OpSetGlobal:                   {"SET_GLOBAL", 0},
	OpFetchProcedureAddress:       {"FETCH_PROCEDURE_ADDRESS", 0},
	OpDump:                        {"DUMP", 0},
	OpIf:                          {"IF", 0},
	OpWhile:                       {"WHILE", 0},
	OpStore:                       {"STORE", 0},
	OpFetch:                       {"FETCH", 0},
	OpEqual:                       {"EQUAL", 0},
	OpNotEqual:                    {"NOT_EQUAL", 0},
	OpLessEqual:                   {"LESS_EQUAL", 0},
	OpGreaterEqual:                {"GREATER_EQUAL", 0},
	OpLess:                        {"LESS", 0},
	OpGreater:                     {"GREATER", 0},
	OpAdd:                         {"ADD", 0},
	OpSub:                         {"SUB", 0},
	OpMul:                         {"MUL", 0},
	OpDiv:                         {"DIV", 0},
	OpMod:                         {"MOD", 0},
	OpAnd:                         {"AND", 0},
	OpOr:                          {"OR", 0},
	OpBitwiseAnd:                  {"BITWISE_AND", 0},
	OpBitwiseOr:                   {"BITWISE_OR", 0},
	OpBitwiseXor:                  {"BITWISE_XOR", 0},
	OpBitwiseNot:                  {"BITWISE_NOT", 0},
	OpFloor:                       {"FLOOR", 0},
	OpNot:                         {"NOT", 0},
	OpNegate:                      {"NEGATE", 0},
	OpWait:                        {"WAIT", 0},
	OpCancel:                      {"CANCEL", 0},
	OpCancelAll:                   {"CANCEL_ALL", 0},
	OpStartCritical:               {"START_CRITICAL", 0},
	OpEndCritical:                 {"END_CRITICAL", 0},

	OpAddNamedEvent:   {"ADD_NAMED_EVENT", 0},
	OpAddNamedHandler: {"ADD_NAMED_HANDLER", 0},
	OpClearNamed:      {"CLEAR_NAMED", 0},
	OpSignalNamed:     {"SIGNAL_NAMED", 0},
	OpAddKey:          {"ADD_KEY", 0},
	OpDeleteKey:       {"DELETE_KEY", 0},
}

// opcodesByName maps lower-case opcode names back to opcodes, for the
// assembler.
var opcodesByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[strings.ToLower(info.Name)] = op
	}
	return m
}()

// LookupOpcode finds an opcode by its name, case-insensitively.
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodesByName[strings.ToLower(name)]
	return op, ok
}

// Opcodes returns every named opcode in numeric order.
func Opcodes() []Opcode {
	return slices.Sorted(maps.Keys(opcodeTable))
}

// Info returns the metadata for an opcode. Typed push words share PUSH's
// metadata.
func (op Opcode) Info() OpcodeInfo {
	if op.Valid() && op.Index() == OpPush.Index() {
		return opcodeTable[OpPush]
	}
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("OP_%04X", uint16(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly
// ---------------------------------------------------------------------------

// BytecodeReader walks instruction words in an image.
type BytecodeReader struct {
	bytes []byte
	pos   int
	end   int
}

// NewBytecodeReader creates a reader over bc[start:end].
func NewBytecodeReader(bc []byte, start, end int) *BytecodeReader {
	if end > len(bc) {
		end = len(bc)
	}
	return &BytecodeReader{bytes: bc, pos: start, end: end}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore reports whether a full instruction word remains.
func (r *BytecodeReader) HasMore() bool {
	return r.pos+2 <= r.end
}

// ReadOpcode reads the next instruction word.
func (r *BytecodeReader) ReadOpcode() Opcode {
	op := Opcode(binary.BigEndian.Uint16(r.bytes[r.pos:]))
	r.pos += 2
	return op
}

// ReadOperand reads a 32-bit operand, reporting false at the end of input.
func (r *BytecodeReader) ReadOperand() (uint32, bool) {
	if r.pos+4 > r.end {
		r.pos = r.end
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.bytes[r.pos:])
	r.pos += 4
	return v, true
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles the instruction at the reader's
// position and advances past it. Static strings are resolved through im
// when it is non-nil.
func DisassembleInstruction(r *BytecodeReader, im *Image) string {
	pos := r.Position()
	op := r.ReadOpcode()
	if !op.Valid() {
		return fmt.Sprintf("%04x  .word %#04x", pos, uint16(op))
	}
	if op.Index() != OpPush.Index() {
		return fmt.Sprintf("%04x  %s", pos, op.Name())
	}

	bits, ok := r.ReadOperand()
	if !ok {
		return fmt.Sprintf("%04x  PUSH <truncated>", pos)
	}
	switch t := Type(op); {
	case t&rawFloat != 0:
		return fmt.Sprintf("%04x  PUSH float %g", pos, math.Float32frombits(bits))
	case t&rawInt != 0:
		return fmt.Sprintf("%04x  PUSH int %d", pos, int32(bits))
	case t&rawStaticString != 0:
		if im != nil {
			if s, ok := im.StaticString(int32(bits)); ok {
				return fmt.Sprintf("%04x  PUSH string %q", pos, s)
			}
		}
		return fmt.Sprintf("%04x  PUSH string @%d", pos, bits)
	}
	return fmt.Sprintf("%04x  PUSH %#04x %d", pos, uint16(op), bits)
}

// Disassemble renders every procedure of an image: its record, then the
// instructions from its body up to the next body (or the end of the code).
func Disassemble(im *Image) string {
	var sb strings.Builder
	n := im.ProcedureCount()
	codeEnd := int(im.stubResume)
	for i := range n {
		proc := im.Procedure(i)
		fmt.Fprintf(&sb, "; procedure %d %s args=%d", i, proc.Name, proc.ArgCount)
		if proc.Flags != 0 {
			fmt.Fprintf(&sb, " flags=%s", proc.Flags)
		}
		sb.WriteByte('\n')
		if proc.Flags&ProcImported != 0 {
			continue
		}
		if proc.Body < 0 || int(proc.Body) >= codeEnd {
			fmt.Fprintf(&sb, "; body %d out of range\n", proc.Body)
			continue
		}
		end := codeEnd
		for j := range n {
			b := int(im.procField(j, procBody))
			if b > int(proc.Body) && b < end {
				end = b
			}
		}
		r := NewBytecodeReader(im.data, int(proc.Body), end)
		for r.HasMore() {
			sb.WriteString(DisassembleInstruction(r, im))
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
