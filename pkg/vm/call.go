package vm

import (
	"github.com/kristofer/arkvm/pkg/ark"
	"github.com/kristofer/arkvm/pkg/value"
)

// CallRun is the VM's host-facing entry point (§6): it pushes args, enters
// closure, and drives the interpreter loop until that invocation returns,
// surfacing the result as a Go value rather than leaving it on the stack.
// A native function may reenter the VM through CallRun recursively; this
// recursion rides the host's own call stack and is bounded by it.
func (vm *VM) CallRun(closure value.Closure, args []value.Value) (value.Value, *FormattedException) {
	if vm.debugger != nil {
		vm.debugger.Init()
		defer vm.debugger.Exit()
	}

	for _, a := range args {
		if err := vm.stack.Push(a); err != nil {
			return value.Value{}, vm.raise(err.(*Exception))
		}
	}
	if exc := vm.call(closure, len(args)); exc != nil {
		return value.Value{}, exc
	}
	if closure.Function.IsNative() {
		// callNative has already run the function and pushed its result.
		ret, err := vm.stack.Pop()
		if err != nil {
			return value.Value{}, vm.raise(err.(*Exception))
		}
		return ret, nil
	}
	return vm.runFunction()
}

// runFunction drives fetch-decode-execute until the invocation CallRun (or
// a CALL opcode) started has itself returned. depth counts CALLs entered
// during this particular drive of the loop: when a RET unwinds past depth
// 0, the value that started this drive has returned and is surfaced
// directly, rather than pushed back for a (nonexistent) caller instruction
// to consume.
func (vm *VM) runFunction() (value.Value, *FormattedException) {
	depth := 0
	for len(vm.callStack) > 0 {
		vm.traceIP = vm.ip

		if vm.debugger != nil {
			vm.debugger.DebugBreak(vm.debugSnapshot())
		}

		ctrl, exc := vm.interpretInstruction()
		if exc != nil {
			return value.Value{}, exc
		}

		switch ctrl.kind {
		case ctrlContinue:
			// nothing further to do this iteration

		case ctrlCall:
			if exc := vm.call(ctrl.closure, ctrl.argCount); exc != nil {
				return value.Value{}, exc
			}
			// A native call has already run to completion inside vm.call;
			// no RET will come back for it.
			if !ctrl.closure.Function.IsNative() {
				depth++
			}

		case ctrlReturn:
			ret, exc := vm.retUser()
			if exc != nil {
				return value.Value{}, exc
			}
			if depth == 0 {
				return ret, nil
			}
			if err := vm.stack.Push(ret); err != nil {
				return value.Value{}, vm.raise(err.(*Exception))
			}
			depth--
		}
	}
	return value.Value{}, vm.raise(errNoReturn)
}

// controlFlowKind is the outcome of interpreting a single instruction: most
// instructions merely mutate state (ctrlContinue); CALL and RET hand
// control back to runFunction because they change which frame is
// executing.
type controlFlowKind uint8

const (
	ctrlContinue controlFlowKind = iota
	ctrlCall
	ctrlReturn
)

type controlFlow struct {
	kind     controlFlowKind
	closure  value.Closure
	argCount int
}

// call dispatches to the native or user call path based on the closure's
// function id. Native closures never carry captures.
func (vm *VM) call(closure value.Closure, argCount int) *FormattedException {
	if closure.Function.IsNative() {
		return vm.callNative(closure.Function, argCount)
	}
	return vm.callUser(closure, argCount)
}

// callUser enters a user function. See spec.md §4.5 for the exact
// stack-layout contract this implements:
//
//	before: [ ..., arg1, .., argN ]                    (closure already read off the stack by the caller)
//	after:  [ ..., arg1, .., argArity, capture1, .., local1, .. ]
func (vm *VM) callUser(closure value.Closure, argCount int) *FormattedException {
	fn := vm.functionByID(closure.Function)
	if fn == nil {
		return vm.raise(errInvalidUserFunction(closure.Function.Decode()))
	}
	arity := int(fn.Arity)

	for argCount > arity {
		if _, err := vm.stack.Pop(); err != nil {
			return vm.raise(err.(*Exception))
		}
		argCount--
	}
	for argCount < arity {
		if err := vm.stack.Push(value.Nil); err != nil {
			return vm.raise(err.(*Exception))
		}
		argCount++
	}

	stackStart := vm.stack.Head() - arity

	if closure.Captures != nil {
		hv, exc := vm.getHeapValue(*closure.Captures)
		if exc != nil {
			return exc
		}
		for _, captured := range hv.List {
			if err := vm.stack.Push(captured); err != nil {
				return vm.raise(err.(*Exception))
			}
		}
	}

	for i := uint32(0); i < fn.LocalsCount; i++ {
		if err := vm.stack.Push(value.Nil); err != nil {
			return vm.raise(err.(*Exception))
		}
	}

	// The return address is the caller's resume point: present whenever
	// there is a caller frame at all (UserFunction or an open Temp inside
	// one), absent when the caller is native or this is the execution
	// root — those have no bytecode address to resume.
	var ret *uint32
	if top, ok := vm.topFrame(); ok && (top.Kind == UserFunction || top.Kind == Temp) {
		ip32 := uint32(vm.ip)
		ret = &ip32
	}

	if len(vm.callStack) >= vm.callStackCapacity {
		return vm.raise(errCallStackOverflow())
	}
	vm.callStack = append(vm.callStack, Frame{
		Function:   closure.Function,
		StackStart: stackStart,
		Ret:        ret,
		Kind:       UserFunction,
	})

	vm.ip = int(fn.Address)
	return nil
}

// callNative enters and fully executes a native function, popping its
// frame again before returning — a native call never suspends mid-call the
// way a user call does.
func (vm *VM) callNative(id ark.FuncId, argCount int) *FormattedException {
	idx := id.Decode()
	nf, ok := vm.natives[idx]
	if !ok {
		return vm.raise(errInvalidNativeFunction(idx))
	}

	stackStart := vm.stack.Head() - argCount
	if stackStart < 0 {
		stackStart = 0
	}
	args := vm.stack.SliceFromEnd(argCount)

	if len(vm.callStack) >= vm.callStackCapacity {
		return vm.raise(errCallStackOverflow())
	}
	vm.callStack = append(vm.callStack, Frame{
		Function:   id,
		StackStart: stackStart,
		Kind:       NativeFunction,
	})

	ret, exc := nf.Func(vm, args)

	// Pop the native frame regardless of outcome; a raised exception still
	// needs an accurate call stack for its own trace, captured before this
	// pop by vm.raise inside nf.Func — so popping here is safe either way.
	vm.callStack = vm.callStack[:len(vm.callStack)-1]

	if exc != nil {
		return exc
	}

	backtrack := vm.stackBacktrackIndex(stackStart)
	vm.stack.Shrink(backtrack)
	if err := vm.stack.Push(ret); err != nil {
		return vm.raise(err.(*Exception))
	}
	return nil
}

// retUser implements RET: it pops the return value, closes any Temp frames
// still open above the returning UserFunction frame (a `return` inside a
// loop body skips that loop's own EXIT_TEMP), pops the UserFunction frame
// itself, backtracks the value stack, and resumes at its caller's return
// address if there is one.
func (vm *VM) retUser() (value.Value, *FormattedException) {
	retVal, err := vm.stack.Pop()
	if err != nil {
		return value.Value{}, vm.raise(err.(*Exception))
	}

	for {
		f, ok := vm.topFrame()
		if !ok {
			return value.Value{}, vm.raise(errCustom("RET with empty call stack"))
		}
		if f.Kind != Temp {
			break
		}
		vm.callStack = vm.callStack[:len(vm.callStack)-1]
	}

	f, ok := vm.topFrame()
	if !ok || f.Kind != UserFunction {
		return value.Value{}, vm.raise(errCustom("RET outside a user function"))
	}
	stackStart := f.StackStart
	ret := f.Ret
	vm.callStack = vm.callStack[:len(vm.callStack)-1]

	backtrack := vm.stackBacktrackIndex(stackStart)
	vm.stack.Shrink(backtrack)

	if ret != nil {
		vm.ip = int(*ret)
	}
	return retVal, nil
}

// topFrame returns the call stack's top Frame, if any.
func (vm *VM) topFrame() (*Frame, bool) {
	if len(vm.callStack) == 0 {
		return nil, false
	}
	return &vm.callStack[len(vm.callStack)-1], true
}

// topNonTempFrame resolves through an open Temp frame to the nearest
// enclosing UserFunction or NativeFunction frame, using the index recorded
// at ENTER_TEMP time rather than scanning (a Temp frame's parent index
// already points past any further-nested Temps).
func (vm *VM) topNonTempFrame() (*Frame, int, bool) {
	f, ok := vm.topFrame()
	if !ok {
		return nil, -1, false
	}
	if f.Kind == Temp {
		idx := f.ParentUserIndex
		return &vm.callStack[idx], idx, true
	}
	return f, len(vm.callStack) - 1, true
}

// stackBacktrackIndex computes where the value stack should shrink to on
// return from a frame that started at stackStart: one slot lower than
// stackStart if the (new) top-of-call-stack is a UserFunction — that slot
// holds the closure a CALL opcode left sitting below its arguments — or
// exactly stackStart if the caller is native or this is the execution
// root, where no such leftover closure exists.
func (vm *VM) stackBacktrackIndex(stackStart int) int {
	if f, _, ok := vm.topNonTempFrame(); ok && f.Kind == UserFunction {
		return stackStart - 1
	}
	return stackStart
}

// enterTempFrame implements ENTER_TEMP: it records a restore point for a
// later EXIT_TEMP or an intervening RET to unwind back to.
func (vm *VM) enterTempFrame() *FormattedException {
	_, idx, ok := vm.topNonTempFrame()
	if !ok {
		return vm.raise(errCustom("ENTER_TEMP with no enclosing function frame"))
	}
	if len(vm.callStack) >= vm.callStackCapacity {
		return vm.raise(errCallStackOverflow())
	}
	vm.callStack = append(vm.callStack, Frame{
		StackStart:      vm.stack.Head(),
		Kind:            Temp,
		ParentUserIndex: idx,
	})
	return nil
}

// exitTempFrame implements EXIT_TEMP: it discards the matching Temp frame
// and restores the value stack to the point ENTER_TEMP recorded.
func (vm *VM) exitTempFrame() *FormattedException {
	f, ok := vm.topFrame()
	if !ok || f.Kind != Temp {
		return vm.raise(errCustom("EXIT_TEMP without matching ENTER_TEMP"))
	}
	start := f.StackStart
	vm.callStack = vm.callStack[:len(vm.callStack)-1]
	vm.stack.Shrink(start)
	return nil
}

// getVariableStackIndex resolves a variable slot index (argument, capture,
// or local — the Ark format does not distinguish them at the bytecode
// level) to an absolute value-stack index, relative to the nearest
// enclosing non-Temp frame.
func (vm *VM) getVariableStackIndex(i int) (int, *FormattedException) {
	f, _, ok := vm.topNonTempFrame()
	if !ok {
		return 0, vm.raise(errInvalidVariable(i))
	}
	return f.StackStart + i, nil
}

// readVariable implements LOAD_VAR.
func (vm *VM) readVariable(i int) (value.Value, *FormattedException) {
	idx, exc := vm.getVariableStackIndex(i)
	if exc != nil {
		return value.Value{}, exc
	}
	v, err := vm.stack.Get(idx)
	if err != nil {
		return value.Value{}, vm.raise(err.(*Exception))
	}
	return v, nil
}

// writeVariable implements STORE_VAR.
func (vm *VM) writeVariable(i int, v value.Value) *FormattedException {
	idx, exc := vm.getVariableStackIndex(i)
	if exc != nil {
		return exc
	}
	if err := vm.stack.Set(idx, v); err != nil {
		return vm.raise(err.(*Exception))
	}
	return nil
}

// constructStackTrace renders the current call stack into the ordered
// TraceFrame list a FormattedException carries (§4.7): Temp frames are
// skipped entirely, the innermost frame's address is the instruction
// pointer at the moment of the raise (nil if it's a native frame), every
// frame below that is addressed by the next frame up's recorded return
// address, and the trace always ends with the execution-root sentinel.
func (vm *VM) constructStackTrace() []TraceFrame {
	var trace []TraceFrame
	var callerRet *uint32
	innermost := true

	for i := len(vm.callStack) - 1; i >= 0; i-- {
		f := vm.callStack[i]
		if f.Kind == Temp {
			continue
		}

		var addr *uint32
		if innermost {
			if f.Kind == UserFunction {
				ip32 := uint32(vm.traceIP)
				addr = &ip32
			}
			innermost = false
		} else {
			addr = callerRet
		}

		trace = append(trace, TraceFrame{
			Function: vm.frameFunctionName(f),
			Address:  addr,
		})
		callerRet = f.Ret
	}

	trace = append(trace, TraceFrame{Function: executionRootFrame, Address: nil})
	return trace
}

func (vm *VM) frameFunctionName(f Frame) string {
	if f.Kind == NativeFunction {
		return nativeFrameLabel
	}
	fn := vm.functionByID(f.Function)
	if fn == nil {
		return "<invalid function index>"
	}
	name, err := vm.stringAt(int(fn.NameIndex))
	if err != nil {
		return "<invalid string index>"
	}
	return name
}
