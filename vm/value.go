package vm

import (
	"fmt"
	"math"
	"reflect"
)

// ---------------------------------------------------------------------------
// Value: tagged union of the five script value kinds
// ---------------------------------------------------------------------------

// Type is the 16-bit value tag. Tags double as instruction words: a PUSH
// instruction carries the tag of the value it pushes.
type Type uint16

const (
	TypeInt           Type = 0xC001
	TypeFloat         Type = 0xA001
	TypeString        Type = 0x9001 // static string, offset into the image string table
	TypeDynamicString Type = 0x9801 // offset into the owning program's string heap
	TypePointer       Type = 0xE001
)

// Raw tag bits.
const (
	rawOpcode        Type = 0x8000
	rawInt           Type = 0x4000
	rawFloat         Type = 0x2000
	rawStaticString  Type = 0x1000
	rawDynamicString Type = 0x0800

	// typeMask folds TypeDynamicString onto TypeString.
	typeMask Type = 0xF7FF
)

func (t Type) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeString:
		return "string"
	case TypeDynamicString:
		return "dstring"
	case TypePointer:
		return "pointer"
	}
	return fmt.Sprintf("type(%#04x)", uint16(t))
}

// Value is one stack slot. The payload is a 32-bit word (integer, float bits
// or string offset); pointers carry an opaque host value that the
// interpreter never owns.
type Value struct {
	Type Type
	bits uint32
	ptr  any
}

// Int creates an integer value.
func Int(i int32) Value {
	return Value{Type: TypeInt, bits: uint32(i)}
}

// Float creates a float value.
func Float(f float32) Value {
	return Value{Type: TypeFloat, bits: math.Float32bits(f)}
}

// StaticString references a string in the image's static string table.
func StaticString(offset int32) Value {
	return Value{Type: TypeString, bits: uint32(offset)}
}

// DynamicString references a string in a program's heap. It is only
// meaningful together with the heap that produced it.
func DynamicString(offset int32) Value {
	return Value{Type: TypeDynamicString, bits: uint32(offset)}
}

// Pointer wraps an opaque host value. Pointer(nil) is the null pointer.
func Pointer(p any) Value {
	return Value{Type: TypePointer, ptr: p}
}

// fromRaw rebuilds a value from an instruction word and a 32-bit payload.
func fromRaw(t Type, bits uint32) Value {
	return Value{Type: t, bits: bits}
}

func (v Value) Int() int32     { return int32(v.bits) }
func (v Value) Float() float32 { return math.Float32frombits(v.bits) }
func (v Value) Offset() int32  { return int32(v.bits) }
func (v Value) Ptr() any       { return v.ptr }

// Bits returns the raw 32-bit payload.
func (v Value) Bits() uint32 { return v.bits }

func (v Value) IsInt() bool           { return v.Type == TypeInt }
func (v Value) IsFloat() bool         { return v.Type == TypeFloat }
func (v Value) IsNumber() bool        { return v.Type == TypeInt || v.Type == TypeFloat }
func (v Value) IsString() bool        { return v.Type&typeMask == TypeString }
func (v Value) IsDynamicString() bool { return v.Type == TypeDynamicString }
func (v Value) IsPointer() bool       { return v.Type == TypePointer }

// Truthy reports the value's truth in conditional opcodes.
func (v Value) Truthy() bool {
	switch v.Type {
	case TypeInt:
		return v.Int() != 0
	case TypeFloat:
		return v.Float() != 0
	case TypePointer:
		return v.ptr != nil
	}
	return v.IsString()
}

// Equal compares tag and payload exactly (no coercion).
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	if v.Type == TypePointer {
		return samePointer(v.ptr, o.ptr)
	}
	return v.bits == o.bits
}

// samePointer compares two host payloads. Maps, slices and funcs are equal
// when they share their backing storage; other uncomparable payloads are
// never equal.
func samePointer(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() {
		return va.IsValid() == vb.IsValid()
	}
	if va.Type() != vb.Type() {
		return false
	}
	if va.Comparable() && vb.Comparable() {
		return a == b
	}
	switch va.Kind() {
	case reflect.Map, reflect.Func:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}
	return false
}

func (v Value) String() string {
	switch v.Type {
	case TypeInt:
		return fmt.Sprintf("%d", v.Int())
	case TypeFloat:
		return fmt.Sprintf("%.5f", v.Float())
	case TypeString:
		return fmt.Sprintf("string@%d", v.Offset())
	case TypeDynamicString:
		return fmt.Sprintf("dstring@%d", v.Offset())
	case TypePointer:
		if v.ptr == nil {
			return "pointer(nil)"
		}
		return fmt.Sprintf("pointer(%T)", v.ptr)
	}
	return fmt.Sprintf("%s:%#08x", v.Type, v.bits)
}
