package vm

import (
	"github.com/kristofer/arkvm/pkg/heap"
	"github.com/kristofer/arkvm/pkg/value"
)

// ControlFlow is returned by a Debugger's DebugBreak to tell the
// interpreter how to proceed. Continue is the only mode currently defined;
// the type exists so a richer debugger (step, pause-and-wait) has
// somewhere to grow without changing the interpreter's call site.
type ControlFlow uint8

const (
	Continue ControlFlow = iota
)

// FunctionMeta is the subset of ark.Function metadata useful for a
// debugger display: the name resolved from the string table rather than a
// raw name_index, plus the fields a disassembly or stack-frame display
// wants.
type FunctionMeta struct {
	Name        string
	Arity       uint32
	LocalsCount uint32
	Address     uint32
}

// HeapReader is the read-only view of the heap a debugger is allowed: it
// can resolve addresses to inspect their contents but cannot allocate or
// collect.
type HeapReader interface {
	Get(addr value.Address) (*heap.Value, error)
	Used() int
	Capacity() int
}

// Inspection is the read-only snapshot of VM state handed to a Debugger
// before every instruction. A Debugger must not mutate anything reachable
// through it; if an implementation wants to influence execution it can
// only do so through DebugBreak's ControlFlow return value, never by
// reaching back into VM-owned state.
type Inspection struct {
	Functions []FunctionMeta
	Strings   []string
	Stack     []value.Value
	Heap      HeapReader
	CallStack []Frame
	IP        int
}

// Debugger is the pluggable break-point callback (C10). DebugBreak is
// invoked before every instruction. Init/Exit bracket the debugging
// session around a whole CallRun.
type Debugger interface {
	Init()
	Exit()
	DebugBreak(snapshot Inspection) ControlFlow
}
