// Package value defines the VM's runtime value representation: the tagged
// Value union, its Closure payload, and the Address type used to reference
// heap-allocated data. Value is deliberately a flat struct rather than an
// interface hierarchy — the set of variants is closed and small, and the
// interpreter's hot loop switches on the tag far more often than it would
// ever benefit from dynamic dispatch.
package value

import (
	"fmt"

	"github.com/kristofer/arkvm/pkg/ark"
)

// Address is a heap slot index. It is defined here, not in the heap
// package, so that Value (which embeds an Address for its Object variant
// and for closure captures) does not import the heap package — the heap
// package imports value instead, keeping the dependency one-directional.
type Address int

func (a Address) String() string {
	return fmt.Sprintf("0x%x", int(a))
}

// Kind tags which variant of Value is populated.
type Kind uint8

const (
	KindNumber Kind = iota
	KindBool
	KindInternedString
	KindFunction
	KindObject
	KindNil
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindInternedString:
		return "interned string"
	case KindFunction:
		return "function"
	case KindObject:
		return "object"
	case KindNil:
		return "nil"
	default:
		return "unknown"
	}
}

// Closure pairs a function identifier with an optional heap address of a
// captures list. Captures is nil when the function captures nothing.
type Closure struct {
	Function ark.FuncId
	Captures *Address
}

func (c Closure) Equal(o Closure) bool {
	if c.Function != o.Function {
		return false
	}
	if (c.Captures == nil) != (o.Captures == nil) {
		return false
	}
	if c.Captures == nil {
		return true
	}
	return *c.Captures == *o.Captures
}

// Value is the VM's tagged runtime value. Only the field matching Kind is
// meaningful; the others are zero.
type Value struct {
	Kind     Kind
	Num      float64
	Bool     bool
	StrIndex int
	Closure  Closure
	Addr     Address
}

// Nil is the singleton nil value.
var Nil = Value{Kind: KindNil}

func Number(x float64) Value {
	return Value{Kind: KindNumber, Num: x}
}

func Bool(b bool) Value {
	return Value{Kind: KindBool, Bool: b}
}

func InternedString(index int) Value {
	return Value{Kind: KindInternedString, StrIndex: index}
}

func Function(c Closure) Value {
	return Value{Kind: KindFunction, Closure: c}
}

func Object(addr Address) Value {
	return Value{Kind: KindObject, Addr: addr}
}
