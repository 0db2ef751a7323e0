package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/kristofer/arkvm/pkg/heap"
	"github.com/kristofer/arkvm/pkg/value"
)

// Type is the semantic type of a Value as get_type reports it. Unlike
// value.Kind (the Value union's own tag), Type distinguishes what an
// Object heap address actually points at — a heap string, list, or
// object are three different Types even though they share Value's
// KindObject tag.
type Type uint8

const (
	TypeNumber Type = iota
	TypeBool
	TypeFunction
	TypeString
	TypeList
	TypeObject
	TypeNil
)

func (t Type) String() string {
	switch t {
	case TypeNumber:
		return "Number"
	case TypeBool:
		return "Bool"
	case TypeFunction:
		return "Function"
	case TypeString:
		return "String"
	case TypeList:
		return "List"
	case TypeObject:
		return "Object"
	case TypeNil:
		return "Nil"
	default:
		return "Unknown"
	}
}

// GetType returns v's semantic type, resolving through Box transparently
// and through a heap address for Object values.
func (vm *VM) GetType(v value.Value) (Type, *FormattedException) {
	switch v.Kind {
	case value.KindNumber:
		return TypeNumber, nil
	case value.KindBool:
		return TypeBool, nil
	case value.KindInternedString:
		return TypeString, nil
	case value.KindFunction:
		return TypeFunction, nil
	case value.KindNil:
		return TypeNil, nil
	case value.KindObject:
		hv, exc := vm.getHeapValue(v.Addr)
		if exc != nil {
			return 0, exc
		}
		switch hv.Kind {
		case heap.KindString:
			return TypeString, nil
		case heap.KindList:
			return TypeList, nil
		case heap.KindObject:
			return TypeObject, nil
		case heap.KindBox:
			return vm.GetType(hv.Box)
		}
	}
	return 0, vm.raise(errCustom(fmt.Sprintf("unreachable value kind %v", v.Kind)))
}

// TryGetString returns the underlying text if v is string-like (an
// interned string, a heap String, or a Box transparently wrapping either),
// or ("", false, nil) if it is not.
func (vm *VM) TryGetString(v value.Value) (string, bool, *FormattedException) {
	switch v.Kind {
	case value.KindInternedString:
		s, err := vm.stringAt(v.StrIndex)
		if err != nil {
			return "", false, vm.raise(err.(*Exception))
		}
		return s, true, nil
	case value.KindObject:
		hv, exc := vm.getHeapValue(v.Addr)
		if exc != nil {
			return "", false, exc
		}
		if hv.Kind == heap.KindBox {
			return vm.TryGetString(hv.Box)
		}
		if hv.Kind == heap.KindString {
			return hv.Str, true, nil
		}
		return "", false, nil
	default:
		return "", false, nil
	}
}

// visitedPair marks one (addrA, addrB) comparison already in progress, so
// cyclic Lists/Objects compare equal by structure without looping forever
// (the resolution to the open "cyclic equality" question: a visited-set
// keyed by address pairs, not a depth bound).
type visitedPair struct{ a, b value.Address }

// Equal reports whether a and b are structurally equal (§4.6).
func (vm *VM) Equal(a, b value.Value) (bool, *FormattedException) {
	return vm.equal(a, b, map[visitedPair]bool{})
}

func (vm *VM) equal(a, b value.Value, visited map[visitedPair]bool) (bool, *FormattedException) {
	aStr, aIsStr, exc := vm.TryGetString(a)
	if exc != nil {
		return false, exc
	}
	bStr, bIsStr, exc := vm.TryGetString(b)
	if exc != nil {
		return false, exc
	}
	if aIsStr && bIsStr {
		return aStr == bStr, nil
	}

	// Boxes are transparent at both ends (§4.6/P6), independent of which
	// side (if either) is actually boxed.
	if a.Kind == value.KindObject {
		hv, exc := vm.getHeapValue(a.Addr)
		if exc != nil {
			return false, exc
		}
		if hv.Kind == heap.KindBox {
			return vm.equal(hv.Box, b, visited)
		}
	}
	if b.Kind == value.KindObject {
		hv, exc := vm.getHeapValue(b.Addr)
		if exc != nil {
			return false, exc
		}
		if hv.Kind == heap.KindBox {
			return vm.equal(a, hv.Box, visited)
		}
	}

	if a.Kind != b.Kind {
		return false, nil
	}

	switch a.Kind {
	case value.KindNumber:
		return a.Num == b.Num, nil
	case value.KindBool:
		return a.Bool == b.Bool, nil
	case value.KindFunction:
		return a.Closure.Equal(b.Closure), nil
	case value.KindNil:
		return true, nil
	case value.KindObject:
		return vm.equalHeap(a.Addr, b.Addr, visited)
	default:
		return false, nil
	}
}

func (vm *VM) equalHeap(a, b value.Address, visited map[visitedPair]bool) (bool, *FormattedException) {
	pair := visitedPair{a, b}
	if visited[pair] {
		return true, nil
	}
	visited[pair] = true

	av, exc := vm.getHeapValue(a)
	if exc != nil {
		return false, exc
	}
	bv, exc := vm.getHeapValue(b)
	if exc != nil {
		return false, exc
	}

	// Box is handled one level up in equal, before either address reaches
	// here — av/bv are never KindBox at this point.
	if av.Kind != bv.Kind {
		return false, nil
	}

	switch av.Kind {
	case heap.KindString:
		return av.Str == bv.Str, nil
	case heap.KindList:
		if len(av.List) != len(bv.List) {
			return false, nil
		}
		for i := range av.List {
			ok, exc := vm.equal(av.List[i], bv.List[i], visited)
			if exc != nil {
				return false, exc
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case heap.KindObject:
		if len(av.Fields) != len(bv.Fields) {
			return false, nil
		}
		for name, fa := range av.Fields {
			fb, ok := bv.Fields[name]
			if !ok {
				return false, nil
			}
			eq, exc := vm.equal(fa.Value, fb.Value, visited)
			if exc != nil {
				return false, exc
			}
			if !eq {
				return false, nil
			}
		}
		return true, nil
	default:
		return false, nil
	}
}

// ToString renders v per §4.6: numbers via Go's default float formatting,
// bools as true/false, strings as their text, functions as their name,
// lists as "[e1, e2]", objects as '{ "f1": v1, "f2": v2 }' (ascending
// insertion order, "dyn " prefix when dynamic), nil as "()", and boxes
// transparently.
func (vm *VM) ToString(v value.Value) (string, *FormattedException) {
	switch v.Kind {
	case value.KindNumber:
		return formatFloat(v.Num), nil
	case value.KindBool:
		if v.Bool {
			return "true", nil
		}
		return "false", nil
	case value.KindInternedString:
		s, err := vm.stringAt(v.StrIndex)
		if err != nil {
			return "", vm.raise(err.(*Exception))
		}
		return s, nil
	case value.KindFunction:
		return vm.closureName(v.Closure)
	case value.KindNil:
		return "()", nil
	case value.KindObject:
		return vm.toStringHeap(v.Addr)
	default:
		return "", vm.raise(errCustom("cannot render value"))
	}
}

func (vm *VM) closureName(c value.Closure) (string, *FormattedException) {
	if c.Function.IsNative() {
		idx := c.Function.Decode()
		if nf, ok := vm.natives[idx]; ok {
			return nf.Name, nil
		}
		return nativeFrameLabel, nil
	}
	fn := vm.functionByID(c.Function)
	if fn == nil {
		return "", vm.raise(errInvalidUserFunction(c.Function.Decode()))
	}
	name, err := vm.stringAt(int(fn.NameIndex))
	if err != nil {
		return "", vm.raise(err.(*Exception))
	}
	return name, nil
}

func (vm *VM) toStringHeap(addr value.Address) (string, *FormattedException) {
	hv, exc := vm.getHeapValue(addr)
	if exc != nil {
		return "", exc
	}
	switch hv.Kind {
	case heap.KindString:
		return hv.Str, nil
	case heap.KindBox:
		return vm.ToString(hv.Box)
	case heap.KindList:
		parts := make([]string, len(hv.List))
		for i, elem := range hv.List {
			s, exc := vm.ToString(elem)
			if exc != nil {
				return "", exc
			}
			parts[i] = s
		}
		return "[" + strings.Join(parts, ", ") + "]", nil
	case heap.KindObject:
		names := hv.OrderedFieldNames()
		parts := make([]string, len(names))
		for i, name := range names {
			s, exc := vm.ToString(hv.Fields[name].Value)
			if exc != nil {
				return "", exc
			}
			parts[i] = fmt.Sprintf("%q: %s", name, s)
		}
		prefix := ""
		if hv.Dynamic {
			prefix = "dyn "
		}
		return prefix + "{ " + strings.Join(parts, ", ") + " }", nil
	default:
		return "", vm.raise(errCustom("cannot render heap value"))
	}
}

func formatFloat(x float64) string {
	return strconv.FormatFloat(x, 'g', -1, 64)
}

// CoerceToNumber implements the Number coercion matrix: Number identity,
// Bool -> 1/0, Nil -> 0, everything else fails.
func (vm *VM) CoerceToNumber(v value.Value) (float64, *FormattedException) {
	switch v.Kind {
	case value.KindNumber:
		return v.Num, nil
	case value.KindBool:
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	case value.KindNil:
		return 0, nil
	default:
		return 0, vm.coercionError(v, TypeNumber)
	}
}

// CoerceToBool implements the Bool coercion matrix: Bool identity, Nil ->
// false, everything else -> true.
func (vm *VM) CoerceToBool(v value.Value) (bool, *FormattedException) {
	switch v.Kind {
	case value.KindBool:
		return v.Bool, nil
	case value.KindNil:
		return false, nil
	default:
		return true, nil
	}
}

// CoerceToFunction accepts only Function values (identity coercion).
func (vm *VM) CoerceToFunction(v value.Value) (value.Closure, *FormattedException) {
	if v.Kind == value.KindFunction {
		return v.Closure, nil
	}
	return value.Closure{}, vm.coercionError(v, TypeFunction)
}

// CoerceToList accepts only Object values backed by a heap List (identity
// coercion) and returns its heap address for in-place mutation.
func (vm *VM) CoerceToList(v value.Value) (value.Address, *FormattedException) {
	if v.Kind == value.KindObject {
		hv, exc := vm.getHeapValue(v.Addr)
		if exc != nil {
			return 0, exc
		}
		if hv.Kind == heap.KindList {
			return v.Addr, nil
		}
	}
	return 0, vm.coercionError(v, TypeList)
}

// CoerceToObject accepts only Object values backed by a heap Object
// (identity coercion) and returns its heap address for field access.
func (vm *VM) CoerceToObject(v value.Value) (value.Address, *FormattedException) {
	if v.Kind == value.KindObject {
		hv, exc := vm.getHeapValue(v.Addr)
		if exc != nil {
			return 0, exc
		}
		if hv.Kind == heap.KindObject {
			return v.Addr, nil
		}
	}
	return 0, vm.coercionError(v, TypeObject)
}

func (vm *VM) coercionError(v value.Value, to Type) *FormattedException {
	return vm.raise(errCoercion(describeValue(vm, v), describeType(to)))
}

// FloatToIndex converts x to a signed integer index, per §4.6: NaN, ±Inf,
// and magnitudes beyond what an int can hold are rejected as
// InvalidIndex; otherwise it truncates toward zero. Bounds-checking
// against a concrete length is the caller's job (OutOfBoundsIndex).
func (vm *VM) FloatToIndex(x float64) (int, *FormattedException) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, vm.raise(errInvalidIndex(x))
	}
	truncated := math.Trunc(x)
	if truncated >= math.MaxInt64 || truncated < math.MinInt64 {
		return 0, vm.raise(errInvalidIndex(x))
	}
	return int(truncated), nil
}
