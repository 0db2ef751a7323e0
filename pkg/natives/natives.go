// Package natives provides the VM's reference native function set: print
// and readLine, wired through a VM's configured Input/Output streams. Ark
// producers are free to register any native set keyed however they like;
// this package is a usable default, not part of the VM's own contract
// (spec.md names the host built-ins an external collaborator).
package natives

import (
	"io"

	"github.com/kristofer/arkvm/pkg/value"
	"github.com/kristofer/arkvm/pkg/vm"
)

// Registry returns the reference native set keyed by decoded native
// function index, ready to pass to vm.New. Callers that want a different
// or larger native set build their own map instead.
func Registry() map[uint32]vm.NativeFunction {
	return map[uint32]vm.NativeFunction{
		0: {Name: "print", Func: Print},
		1: {Name: "readLine", Func: ReadLine},
	}
}

// Print renders args[0] via ToString (empty text if absent) and writes it
// to the VM's output stream, followed by a newline unless args[1] coerces to
// false. Any further arguments are ignored.
func Print(v *vm.VM, args []value.Value) (value.Value, *vm.FormattedException) {
	text := ""
	appendNewline := true

	switch {
	case len(args) == 0:
		// defaults above apply
	case len(args) == 1:
		s, exc := v.ToString(args[0])
		if exc != nil {
			return value.Value{}, exc
		}
		text = s
	default:
		s, exc := v.ToString(args[0])
		if exc != nil {
			return value.Value{}, exc
		}
		text = s
		b, exc := v.CoerceToBool(args[1])
		if exc != nil {
			return value.Value{}, exc
		}
		appendNewline = b
	}

	out := v.Output()
	if out == nil {
		return value.Value{}, v.CustomException("failed to write to output")
	}
	if _, err := io.WriteString(out, text); err != nil {
		return value.Value{}, v.CustomException("failed to write to output")
	}
	if appendNewline {
		if _, err := io.WriteString(out, "\n"); err != nil {
			return value.Value{}, v.CustomException("failed to write to output")
		}
	}

	return value.Nil, nil
}

// ReadLine reads one line (newline stripped) from the VM's input stream and
// heap-allocates it as a String.
func ReadLine(v *vm.VM, _ []value.Value) (value.Value, *vm.FormattedException) {
	in := v.Input()
	if in == nil {
		return value.Value{}, v.CustomException("failed to read from input")
	}
	line, err := in.ReadLine()
	if err != nil && err != io.EOF {
		return value.Value{}, v.CustomException("failed to read from input")
	}
	return v.AllocString(line)
}
