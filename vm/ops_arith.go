package vm

import (
	"cmp"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Arithmetic, comparison and logic opcodes
// ---------------------------------------------------------------------------
//
// Binary operators pop the right operand first. Each operator switches on
// the pair of tags explicitly; there is no implicit promotion beyond what
// is written here.

// render converts a value to text for concatenation and string comparison.
func render(p *Program, v Value) string {
	switch v.Type {
	case TypeString, TypeDynamicString:
		return p.StringOf(v)
	case TypeFloat:
		return fmt.Sprintf("%.5f", v.Float())
	case TypeInt:
		return fmt.Sprintf("%d", v.Int())
	}
	p.Fatalf(ErrTypeMismatch, "Cannot convert %s to a string", v.Type)
	return ""
}

// asFloat widens a number to float.
func asFloat(p *Program, v Value) float32 {
	switch v.Type {
	case TypeFloat:
		return v.Float()
	case TypeInt:
		return float32(v.Int())
	}
	p.Fatalf(ErrTypeMismatch, "Number expected, got %s", v.Type)
	return 0
}

// asInt narrows a number to int, truncating floats.
func asInt(p *Program, v Value, what string) int32 {
	switch v.Type {
	case TypeInt:
		return v.Int()
	case TypeFloat:
		return int32(v.Float())
	}
	p.Fatalf(ErrTypeMismatch, "Invalid type given to %s, %x", what, uint16(v.Type))
	return 0
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func opAdd(p *Program) {
	b := p.Pop()
	a := p.Pop()

	switch {
	case a.IsString() || b.IsString():
		p.PushString(render(p, a) + render(p, b))
	case a.Type == TypeInt && b.Type == TypeInt:
		sum := int64(a.Int()) + int64(b.Int())
		if sum > math.MaxInt32 || sum < math.MinInt32 {
			p.PushFloat(float32(a.Int()) + float32(b.Int()))
		} else {
			p.PushInteger(int32(sum))
		}
	default:
		p.PushFloat(asFloat(p, a) + asFloat(p, b))
	}
}

// arithOp builds SUB and MUL, which accept numbers only.
func arithOp(name string) OpcodeHandler {
	return func(p *Program) {
		b := p.Pop()
		a := p.Pop()
		if !a.IsNumber() || !b.IsNumber() {
			p.Fatalf(ErrTypeMismatch, "Invalid types given to %s: %s, %s", name, a.Type, b.Type)
		}
		if a.Type == TypeInt && b.Type == TypeInt {
			if name == "SUB" {
				p.PushInteger(a.Int() - b.Int())
			} else {
				p.PushInteger(a.Int() * b.Int())
			}
			return
		}
		x, y := asFloat(p, a), asFloat(p, b)
		if name == "SUB" {
			p.PushFloat(x - y)
		} else {
			p.PushFloat(x * y)
		}
	}
}

func opDiv(p *Program) {
	b := p.Pop()
	a := p.Pop()
	if !a.IsNumber() || !b.IsNumber() {
		p.Fatalf(ErrTypeMismatch, "Invalid types given to DIV: %s, %s", a.Type, b.Type)
	}
	if a.Type == TypeInt && b.Type == TypeInt {
		if b.Int() == 0 {
			p.Fatalf(ErrDivisionByZero, "Division (DIV) by zero")
		}
		p.PushInteger(a.Int() / b.Int())
		return
	}
	divisor := asFloat(p, b)
	if divisor == 0 {
		p.Fatalf(ErrDivisionByZero, "Division (DIV) by zero")
	}
	p.PushFloat(asFloat(p, a) / divisor)
}

func opMod(p *Program) {
	b := p.Pop()
	a := p.Pop()
	switch {
	case a.Type == TypeFloat:
		p.Fatalf(ErrTypeMismatch, "Trying to MOD a float")
	case a.Type != TypeInt:
		p.Fatalf(ErrTypeMismatch, "Invalid type given to MOD, %x", uint16(a.Type))
	case b.Type == TypeFloat:
		p.Fatalf(ErrTypeMismatch, "Trying to MOD with a float")
	case b.Type != TypeInt:
		p.Fatalf(ErrTypeMismatch, "Invalid type given to MOD, %x", uint16(b.Type))
	case b.Int() == 0:
		p.Fatalf(ErrDivisionByZero, "Division (MOD) by zero")
	}
	p.PushInteger(a.Int() % b.Int())
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

type cmpKind int

const (
	cmpEqual cmpKind = iota
	cmpNotEqual
	cmpLess
	cmpLessEqual
	cmpGreater
	cmpGreaterEqual
)

func order[T cmp.Ordered](k cmpKind, x, y T) bool {
	switch k {
	case cmpEqual:
		return x == y
	case cmpNotEqual:
		return x != y
	case cmpLess:
		return x < y
	case cmpLessEqual:
		return x <= y
	case cmpGreater:
		return x > y
	}
	return x >= y
}

// pointerEqual compares pointer operands. A pointer compared with integer
// zero is a null test.
func pointerEqual(a, b Value) (eq, ok bool) {
	switch {
	case a.IsPointer() && b.IsPointer():
		return samePointer(a.Ptr(), b.Ptr()), true
	case a.IsPointer() && b.Type == TypeInt && b.Int() == 0:
		return a.Ptr() == nil, true
	case b.IsPointer() && a.Type == TypeInt && a.Int() == 0:
		return b.Ptr() == nil, true
	}
	return false, false
}

func compareValues(p *Program, k cmpKind, a, b Value) bool {
	if a.IsPointer() || b.IsPointer() {
		eq, ok := pointerEqual(a, b)
		if !ok || (k != cmpEqual && k != cmpNotEqual) {
			p.Fatalf(ErrTypeMismatch, "Invalid types for comparison: %s, %s", a.Type, b.Type)
		}
		return eq == (k == cmpEqual)
	}
	switch {
	case a.IsString() || b.IsString():
		return order(k, render(p, a), render(p, b))
	case a.Type == TypeFloat || b.Type == TypeFloat:
		return order(k, asFloat(p, a), asFloat(p, b))
	}
	return order(k, a.Int(), b.Int())
}

func compareOp(k cmpKind) OpcodeHandler {
	return func(p *Program) {
		b := p.Pop()
		a := p.Pop()
		p.PushInteger(boolInt(compareValues(p, k, a, b)))
	}
}

// ---------------------------------------------------------------------------
// Logic and bitwise
// ---------------------------------------------------------------------------

func opAnd(p *Program) {
	b := p.Pop()
	a := p.Pop()
	p.PushInteger(boolInt(a.Truthy() && b.Truthy()))
}

func opOr(p *Program) {
	b := p.Pop()
	a := p.Pop()
	p.PushInteger(boolInt(a.Truthy() || b.Truthy()))
}

func opNot(p *Program) {
	p.PushInteger(boolInt(!p.Pop().Truthy()))
}

func opNegate(p *Program) {
	v := p.Pop()
	switch v.Type {
	case TypeInt:
		p.PushInteger(-v.Int())
	case TypeFloat:
		p.PushFloat(-v.Float())
	default:
		p.Fatalf(ErrTypeMismatch, "Invalid type given to negate, %x", uint16(v.Type))
	}
}

// opFloor truncates a float to an integer. Integers pass through.
func opFloor(p *Program) {
	v := p.Pop()
	switch v.Type {
	case TypeInt:
		p.Push(v)
	case TypeFloat:
		p.PushInteger(int32(v.Float()))
	default:
		p.Fatalf(ErrTypeMismatch, "Invalid arg given to floor()")
	}
}

func bitwiseOp(f func(a, b int32) int32) OpcodeHandler {
	return func(p *Program) {
		b := p.Pop()
		a := p.Pop()
		p.PushInteger(f(asInt(p, a, "bitwise operator"), asInt(p, b, "bitwise operator")))
	}
}

func opBitwiseNot(p *Program) {
	p.PushInteger(^asInt(p, p.Pop(), "bwnot"))
}
