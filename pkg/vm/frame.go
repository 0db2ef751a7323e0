package vm

import "github.com/kristofer/arkvm/pkg/ark"

// FrameKind distinguishes the three shapes a call-stack Frame can take.
type FrameKind uint8

const (
	// UserFunction is an activation of an Ark-defined function.
	UserFunction FrameKind = iota
	// NativeFunction is pushed only for the duration of a host call.
	NativeFunction
	// Temp marks a restore point for break/continue inside expression-
	// valued loops; it does not correspond to a call at all.
	Temp
)

// Frame is one activation record on the call stack.
type Frame struct {
	Function ark.FuncId
	// StackStart is the value-stack index where this frame's arguments
	// (for UserFunction/NativeFunction) or restore point (for Temp)
	// begins.
	StackStart int
	// Ret is the code address to resume at on return. It is nil iff the
	// caller is a native function or the execution root.
	Ret  *uint32
	Kind FrameKind

	// ParentUserIndex is, for Temp frames only, the call-stack index of
	// the nearest non-Temp ancestor frame — every Temp frame has one.
	ParentUserIndex int
}
