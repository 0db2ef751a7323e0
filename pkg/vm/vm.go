// Package vm implements the Ark bytecode virtual machine.
//
// The VM is a stack-based interpreter driving four pieces of state it
// exclusively owns: a value Stack, a managed Heap, a call stack of
// activation Frames, and an instruction pointer into the loaded code blob.
// It's the final stage in the execution pipeline:
//
//	Ark file -> ark.Load -> vm.New -> vm.CallRun
//
// Execution trace for a simple call:
//
//	call_run(main, [])
//	  -> call(main closure, 0 args)      push UserFunction frame, ip = main.address
//	  -> run_function loop
//	       interpret_instruction          fetch-decode-execute, one opcode at a time
//	       ...
//	       RET                            pop frame, backtrack stack, surface return value
//
// A native function invoked via CALL may itself call back into CallRun,
// recursing through the host stack; the VM has no concurrency of its own
// (see the concurrency notes in SPEC_FULL.md — single-threaded,
// synchronous, no preemption).
package vm

import (
	"bufio"
	"io"

	"github.com/kristofer/arkvm/pkg/ark"
	"github.com/kristofer/arkvm/pkg/heap"
	"github.com/kristofer/arkvm/pkg/value"
)

// NativeFunc is the signature every native (host-provided) function
// implements. The callee owns args; it is responsible for its own arity
// and type checking, reporting BadArity/BadArgumentType as appropriate.
type NativeFunc func(vm *VM, args []value.Value) (value.Value, *FormattedException)

// NativeFunction pairs a native function with a name. The registry is keyed
// by decoded index, not by this name; ToString renders a native closure as
// this name, while stack traces render native frames with the fixed
// "<native function>" label regardless of it.
type NativeFunction struct {
	Name string
	Func NativeFunc
}

// Input is the line-oriented read side of a VM's I/O streams. ReadLine
// returns one line with any trailing newline stripped.
type Input interface {
	ReadLine() (string, error)
}

// Output is the write side of a VM's I/O streams.
type Output interface {
	io.Writer
}

// lineInput adapts an io.Reader into the line-oriented Input a native
// readLine function expects.
type lineInput struct {
	scanner *bufio.Scanner
}

// NewLineInput wraps r as an Input that yields one line per ReadLine call.
func NewLineInput(r io.Reader) Input {
	return &lineInput{scanner: bufio.NewScanner(r)}
}

func (l *lineInput) ReadLine() (string, error) {
	if !l.scanner.Scan() {
		if err := l.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return l.scanner.Text(), nil
}

// Config bundles the capacities and host collaborators a VM is built
// with. There are no package-level globals or defaults hidden elsewhere —
// everything the VM depends on beyond the loaded Ark sections is named
// here explicitly.
type Config struct {
	StackCapacity     int
	CallStackCapacity int
	HeapCapacity      int
	Input             Input
	Output            Output
	Debugger          Debugger // nil disables debugging entirely
}

// VM is the execution engine for one loaded Ark program. It owns every
// piece of mutable state; nothing about execution is process-global.
type VM struct {
	functions       []ark.Function
	functionsByIdx  map[uint32]*ark.Function
	natives         map[uint32]NativeFunction
	strings         []string
	code            []byte

	stack     *Stack
	heap      *heap.Heap
	callStack []Frame

	callStackCapacity int

	ip      int
	traceIP int

	input    Input
	output   Output
	debugger Debugger
}

// New constructs a VM ready to run a's main function, with natives keyed
// by decoded native function index.
func New(a *ark.Ark, natives map[uint32]NativeFunction, config Config) *VM {
	if natives == nil {
		natives = map[uint32]NativeFunction{}
	}
	byIdx := make(map[uint32]*ark.Function, len(a.Functions))
	for i := range a.Functions {
		byIdx[a.Functions[i].ID.Decode()] = &a.Functions[i]
	}
	vm := &VM{
		functions:         a.Functions,
		functionsByIdx:    byIdx,
		natives:           natives,
		strings:           a.Strings,
		code:              a.Code,
		stack:             newStack(config.StackCapacity),
		heap:              heap.New(config.HeapCapacity),
		callStack:         make([]Frame, 0, config.CallStackCapacity),
		callStackCapacity: config.CallStackCapacity,
		input:             config.Input,
		output:            config.Output,
		debugger:          config.Debugger,
	}
	return vm
}

// Heap returns the VM's managed heap, for use by native functions
// (alloc_string/list/object are convenience wrappers below).
func (vm *VM) Heap() *heap.Heap { return vm.heap }

// Input returns the VM's configured input stream.
func (vm *VM) Input() Input { return vm.input }

// Output returns the VM's configured output stream.
func (vm *VM) Output() Output { return vm.output }

func (vm *VM) functionByID(id ark.FuncId) *ark.Function {
	return vm.functionsByIdx[id.Decode()]
}

func (vm *VM) stringAt(index int) (string, error) {
	if index < 0 || index >= len(vm.strings) {
		return "", errInvalidString(index)
	}
	return vm.strings[index], nil
}

// gcRoots returns every Value currently reachable directly from VM-owned
// storage, for use as mark-sweep roots. The call stack carries only
// indices and Frames, never Values, so the value stack is the entire root
// set (spec §4.2).
func (vm *VM) gcRoots() []value.Value {
	return vm.stack.Values()
}

// allocHeap allocates v on the heap, collecting and retrying once if the
// heap is full or has grown past its GC threshold.
func (vm *VM) allocHeap(v heap.Value) (value.Address, *FormattedException) {
	if vm.heap.NeedsCollect() {
		vm.heap.Collect(vm.gcRoots())
	}
	addr, err := vm.heap.Alloc(v)
	if err == heap.ErrNoFreeSlot {
		vm.heap.Collect(vm.gcRoots())
		addr, err = vm.heap.Alloc(v)
	}
	if err != nil {
		return 0, vm.raise(errOutOfMemory)
	}
	return addr, nil
}

// AllocString heap-allocates s and returns the resulting Object value.
func (vm *VM) AllocString(s string) (value.Value, *FormattedException) {
	addr, exc := vm.allocHeap(heap.NewString(s))
	if exc != nil {
		return value.Value{}, exc
	}
	return value.Object(addr), nil
}

// AllocList heap-allocates elems as a List and returns the resulting
// Object value.
func (vm *VM) AllocList(elems []value.Value) (value.Value, *FormattedException) {
	addr, exc := vm.allocHeap(heap.NewList(elems))
	if exc != nil {
		return value.Value{}, exc
	}
	return value.Object(addr), nil
}

// AllocObject heap-allocates a new, empty object and returns the
// resulting Object value.
func (vm *VM) AllocObject(dynamic bool) (value.Value, *FormattedException) {
	addr, exc := vm.allocHeap(heap.NewObject(dynamic))
	if exc != nil {
		return value.Value{}, exc
	}
	return value.Object(addr), nil
}

// getHeapValue resolves addr to its live heap.Value, translating heap
// package errors into the VM's own exception kinds.
func (vm *VM) getHeapValue(addr value.Address) (*heap.Value, *FormattedException) {
	hv, err := vm.heap.Get(addr)
	if err == nil {
		return hv, nil
	}
	getErr, ok := err.(*heap.GetError)
	if ok && getErr.Freed {
		return nil, vm.raise(errFreedHeapAddress())
	}
	return nil, vm.raise(errOutOfBoundsHeapAddress())
}

// raise builds a FormattedException from exc, capturing the current call
// stack as a trace. See call.go for constructStackTrace.
func (vm *VM) raise(exc *Exception) *FormattedException {
	return &FormattedException{
		Exception:  exc,
		StackTrace: vm.constructStackTrace(),
	}
}

// debugSnapshot builds the read-only Inspection passed to the debugger
// before each instruction.
func (vm *VM) debugSnapshot() Inspection {
	metas := make([]FunctionMeta, len(vm.functions))
	for i, f := range vm.functions {
		name := ""
		if s, err := vm.stringAt(int(f.NameIndex)); err == nil {
			name = s
		}
		metas[i] = FunctionMeta{Name: name, Arity: f.Arity, LocalsCount: f.LocalsCount, Address: f.Address}
	}
	return Inspection{
		Functions: metas,
		Strings:   vm.strings,
		Stack:     vm.stack.Values(),
		Heap:      vm.heap,
		CallStack: vm.callStack,
		IP:        vm.ip,
	}
}

// describeValue is a small helper used by coercion-error messages; it
// names a Value's apparent type without needing a full get_type call
// (which can itself fail on a bad heap address).
func describeValue(vm *VM, v value.Value) string {
	switch v.Kind {
	case value.KindNumber:
		return "a number"
	case value.KindBool:
		return "a boolean"
	case value.KindInternedString:
		return "a string"
	case value.KindFunction:
		return "a function"
	case value.KindNil:
		return "()"
	case value.KindObject:
		hv, exc := vm.getHeapValue(v.Addr)
		if exc != nil {
			return "an invalid heap address"
		}
		switch hv.Kind {
		case heap.KindString:
			return "a string"
		case heap.KindList:
			return "a list"
		case heap.KindObject:
			return "an object"
		case heap.KindBox:
			return describeValue(vm, hv.Box)
		}
	}
	return "an invalid heap address"
}

func describeType(t Type) string {
	switch t {
	case TypeNumber:
		return "a number"
	case TypeBool:
		return "a boolean"
	case TypeFunction:
		return "a function"
	case TypeString:
		return "a string"
	case TypeList:
		return "a list"
	case TypeObject:
		return "an object"
	case TypeNil:
		return "()"
	default:
		return "an invalid type"
	}
}
