package vm

import (
	"fmt"
	"strings"
)

// ExceptionKind identifies one of the error taxonomy's abstract kinds.
// Kinds fall into two groups: those fatal to the VM (indicating a
// corrupt Ark file or a host-visible VM bug) and those produced by
// well-defined operations on ill-typed or out-of-range program values.
type ExceptionKind uint8

const (
	// VM-level kinds; IsFatal reports which of these are fatal to the VM.
	StackOverflow ExceptionKind = iota
	StackUnderflow
	Overrun
	UnknownOpcode
	InvalidUserFunction
	InvalidNativeFunction
	CallStackOverflow
	NoReturn
	OutOfBoundsHeapAddress
	FreedHeapAddress
	OutOfMemory
	CorruptArk

	// Program-level kinds.
	CoercionError
	InvalidVariable
	InvalidString
	BadArity
	BadArgumentType
	MissingField
	WriteToImmutableField
	InvalidIndex
	OutOfBoundsIndex
	NonUtf8
	Custom
)

// Exception is one raised error: its kind plus whatever parameters that
// kind's message template needs. Only the fields relevant to Kind are
// populated.
type Exception struct {
	Kind ExceptionKind

	Opcode byte // UnknownOpcode

	FuncID uint32 // InvalidUserFunction, InvalidNativeFunction

	From, To string // CoercionError

	Index int // InvalidVariable, InvalidString

	ArityExpected uint32 // BadArity
	ArityOrMore   bool
	ArityActual   uint32

	ArgParam, ArgFunction, ArgExpected, ArgActual string // BadArgumentType

	FieldName string // MissingField, WriteToImmutableField

	IndexValue float64 // InvalidIndex
	LenValue   int     // OutOfBoundsIndex
	RawIndex   int

	Text string // NonUtf8, Custom
}

func (e *Exception) Error() string {
	switch e.Kind {
	case StackOverflow:
		return "value stack overflow"
	case StackUnderflow:
		return "value stack underflow"
	case Overrun:
		return "execution ran past the end of a function"
	case UnknownOpcode:
		return fmt.Sprintf("unknown opcode 0x%02x", e.Opcode)
	case InvalidUserFunction:
		return fmt.Sprintf("invalid user function id %d", e.FuncID)
	case InvalidNativeFunction:
		return fmt.Sprintf("invalid native function id %d", e.FuncID)
	case CallStackOverflow:
		return "call stack overflow"
	case NoReturn:
		return "execution ended without returning a value"
	case OutOfBoundsHeapAddress:
		return "heap address is out of bounds"
	case FreedHeapAddress:
		return "heap address refers to freed memory"
	case OutOfMemory:
		return "out of heap memory"
	case CorruptArk:
		return fmt.Sprintf("corrupt ark file: %s", e.Text)
	case CoercionError:
		return fmt.Sprintf("cannot coerce %s into %s", e.From, e.To)
	case InvalidVariable:
		return fmt.Sprintf("invalid variable index %d", e.Index)
	case InvalidString:
		return fmt.Sprintf("invalid string index %d", e.Index)
	case BadArity:
		if e.ArityOrMore {
			return fmt.Sprintf("expected at least %d argument(s), got %d", e.ArityExpected, e.ArityActual)
		}
		return fmt.Sprintf("expected %d argument(s), got %d", e.ArityExpected, e.ArityActual)
	case BadArgumentType:
		return fmt.Sprintf("%s: argument %q expected %s, got %s", e.ArgFunction, e.ArgParam, e.ArgExpected, e.ArgActual)
	case MissingField:
		return fmt.Sprintf("missing field %q", e.FieldName)
	case WriteToImmutableField:
		return fmt.Sprintf("cannot write to immutable field %q", e.FieldName)
	case InvalidIndex:
		return fmt.Sprintf("invalid index %v", e.IndexValue)
	case OutOfBoundsIndex:
		return fmt.Sprintf("index %d is out of bounds for length %d", e.RawIndex, e.LenValue)
	case NonUtf8:
		return fmt.Sprintf("string is not valid UTF-8: %s", e.Text)
	case Custom:
		return e.Text
	default:
		return "unknown exception"
	}
}

// IsFatal reports whether this exception kind indicates the Ark producer
// or host-visible VM state is corrupt, as opposed to a well-defined
// program-level error.
func (e *Exception) IsFatal() bool {
	switch e.Kind {
	case StackOverflow, CallStackOverflow, Overrun, UnknownOpcode, CorruptArk,
		NoReturn, FreedHeapAddress, OutOfBoundsHeapAddress:
		return true
	default:
		return false
	}
}

// TraceFrame is one rendered line of a stack trace: a function name and,
// where applicable, the code address execution was at within it.
type TraceFrame struct {
	Function string
	Address  *uint32
}

// executionRootFrame is the sentinel frame appended to every trace,
// marking where native/host code originally invoked the VM.
const executionRootFrame = "<execution root>"

// nativeFrameLabel is the fixed label native frames render as: native
// function names are not part of a trace, only of internal bookkeeping
// and debugger display.
const nativeFrameLabel = "<native function>"

func (f TraceFrame) String() string {
	if f.Address != nil {
		return fmt.Sprintf("at %s @ 0x%x", f.Function, *f.Address)
	}
	return fmt.Sprintf("at %s", f.Function)
}

// FormattedException is an Exception plus the stack trace captured when it
// was raised. It is the value every fallible VM operation returns in place
// of a result.
type FormattedException struct {
	Exception  *Exception
	StackTrace []TraceFrame
}

func (e *FormattedException) Error() string {
	var b strings.Builder
	b.WriteString(e.Exception.Error())

	if len(e.StackTrace) > 0 {
		b.WriteString("\n\nStack trace:")
		for _, frame := range e.StackTrace {
			if frame.Address != nil {
				fmt.Fprintf(&b, "\n  at %s @ 0x%x", frame.Function, *frame.Address)
			} else {
				fmt.Fprintf(&b, "\n  at %s", frame.Function)
			}
		}
	}

	return b.String()
}

// Convenience constructors for the fatal-to-the-VM kinds, used throughout
// the interpreter and call engine.
var (
	errStackOverflow  = &Exception{Kind: StackOverflow}
	errStackUnderflow = &Exception{Kind: StackUnderflow}
	errOverrun        = &Exception{Kind: Overrun}
	errNoReturn       = &Exception{Kind: NoReturn}
	errOutOfMemory    = &Exception{Kind: OutOfMemory}
)

func errUnknownOpcode(op byte) *Exception {
	return &Exception{Kind: UnknownOpcode, Opcode: op}
}

func errInvalidUserFunction(id uint32) *Exception {
	return &Exception{Kind: InvalidUserFunction, FuncID: id}
}

func errInvalidNativeFunction(id uint32) *Exception {
	return &Exception{Kind: InvalidNativeFunction, FuncID: id}
}

func errCallStackOverflow() *Exception {
	return &Exception{Kind: CallStackOverflow}
}

func errOutOfBoundsHeapAddress() *Exception {
	return &Exception{Kind: OutOfBoundsHeapAddress}
}

func errFreedHeapAddress() *Exception {
	return &Exception{Kind: FreedHeapAddress}
}

func errInvalidVariable(i int) *Exception {
	return &Exception{Kind: InvalidVariable, Index: i}
}

func errInvalidString(i int) *Exception {
	return &Exception{Kind: InvalidString, Index: i}
}

func errCoercion(from, to string) *Exception {
	return &Exception{Kind: CoercionError, From: from, To: to}
}

func errBadArity(expected, actual uint32, orMore bool) *Exception {
	return &Exception{Kind: BadArity, ArityExpected: expected, ArityActual: actual, ArityOrMore: orMore}
}

func errBadArgumentType(function, param, expected, actual string) *Exception {
	return &Exception{Kind: BadArgumentType, ArgFunction: function, ArgParam: param, ArgExpected: expected, ArgActual: actual}
}

func errMissingField(name string) *Exception {
	return &Exception{Kind: MissingField, FieldName: name}
}

func errWriteToImmutableField(name string) *Exception {
	return &Exception{Kind: WriteToImmutableField, FieldName: name}
}

func errInvalidIndex(x float64) *Exception {
	return &Exception{Kind: InvalidIndex, IndexValue: x}
}

func errOutOfBoundsIndex(i, length int) *Exception {
	return &Exception{Kind: OutOfBoundsIndex, RawIndex: i, LenValue: length}
}

func errCustom(message string) *Exception {
	return &Exception{Kind: Custom, Text: message}
}

// CustomException raises a Custom exception with the captured call stack,
// for use by native functions that have no more specific kind to report
// (e.g. a host I/O failure).
func (vm *VM) CustomException(message string) *FormattedException {
	return vm.raise(errCustom(message))
}

// BadArityException raises BadArity, for a native function whose arg count
// didn't match what it expects.
func (vm *VM) BadArityException(expected, actual uint32, orMore bool) *FormattedException {
	return vm.raise(errBadArity(expected, actual, orMore))
}

// BadArgumentTypeException raises BadArgumentType, for a native function
// that received an argument of the wrong type.
func (vm *VM) BadArgumentTypeException(function, param, expected, actual string) *FormattedException {
	return vm.raise(errBadArgumentType(function, param, expected, actual))
}
