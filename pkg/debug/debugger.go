// Package debug implements a concrete, interactive, line-oriented
// Debugger (vm.Debugger) for the Ark VM: a breakpoint/step REPL consuming
// the read-only Inspection snapshot the interpreter offers before every
// instruction.
package debug

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"

	"github.com/kristofer/arkvm/pkg/heap"
	"github.com/kristofer/arkvm/pkg/value"
	"github.com/kristofer/arkvm/pkg/vm"
)

// Debugger is a breakpoint/step REPL driving a vm.VM through its Debugger
// seam. It is inert until Enable is called, so installing one in Config
// costs nothing unless the host actually wants to break into it (the
// `--debug` CLI flag).
type Debugger struct {
	breakpoints map[int]bool
	stepMode    bool
	enabled     bool

	out  io.Writer
	line *liner.State
}

// New creates a Debugger that writes its prompt and inspection output to
// out (typically os.Stdout).
func New(out io.Writer) *Debugger {
	return &Debugger{
		breakpoints: make(map[int]bool),
		out:         out,
	}
}

// Enable activates the debugger; without this DebugBreak is a no-op, even
// though it's still called every instruction.
func (d *Debugger) Enable() { d.enabled = true }

// AddBreakpoint pauses execution the next time ip reaches addr.
func (d *Debugger) AddBreakpoint(addr int) { d.breakpoints[addr] = true }

// RemoveBreakpoint clears a previously set breakpoint.
func (d *Debugger) RemoveBreakpoint(addr int) { delete(d.breakpoints, addr) }

// Init brackets the debugging session: it opens the line-reading state
// used for the interactive prompt.
func (d *Debugger) Init() {
	d.line = liner.NewLiner()
	d.line.SetCtrlCAborts(true)
}

// Exit closes the line-reading state.
func (d *Debugger) Exit() {
	if d.line != nil {
		d.line.Close()
		d.line = nil
	}
}

// DebugBreak is called before every instruction. It pauses into an
// interactive prompt when step mode is on or the current address has a
// breakpoint; otherwise it returns immediately.
func (d *Debugger) DebugBreak(snapshot vm.Inspection) vm.ControlFlow {
	if !d.enabled {
		return vm.Continue
	}
	if !d.stepMode && !d.breakpoints[snapshot.IP] {
		return vm.Continue
	}

	header := color.New(color.FgYellow, color.Bold).Sprint("=== paused ===")
	fmt.Fprintln(d.out, header)
	d.showCurrentAddress(snapshot)

	for {
		prompt := color.CyanString("debug> ")
		line, err := d.line.Prompt(prompt)
		if err != nil {
			return vm.Continue
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		d.line.AppendHistory(line)

		parts := strings.Fields(line)
		switch parts[0] {
		case "help", "h", "?":
			d.printHelp()
		case "continue", "c":
			d.stepMode = false
			return vm.Continue
		case "step", "s", "next", "n":
			d.stepMode = true
			return vm.Continue
		case "stack", "st":
			d.showStack(snapshot)
		case "callstack", "cs":
			d.showCallStack(snapshot)
		case "locals", "l":
			d.showLocals(snapshot)
		case "functions", "fn":
			d.showFunctions(snapshot)
		case "breakpoint", "b":
			d.handleBreakpoint(parts, true)
		case "delete", "d":
			d.handleBreakpoint(parts, false)
		case "quit", "q":
			return vm.Continue
		default:
			fmt.Fprintf(d.out, "unknown command %q (type 'help')\n", parts[0])
		}
	}
}

func (d *Debugger) handleBreakpoint(parts []string, add bool) {
	if len(parts) < 2 {
		fmt.Fprintln(d.out, "usage: breakpoint <address>")
		return
	}
	addr, err := strconv.Atoi(parts[1])
	if err != nil {
		fmt.Fprintln(d.out, "invalid address")
		return
	}
	if add {
		d.AddBreakpoint(addr)
		fmt.Fprintf(d.out, "breakpoint set at 0x%x\n", addr)
	} else {
		d.RemoveBreakpoint(addr)
		fmt.Fprintf(d.out, "breakpoint cleared at 0x%x\n", addr)
	}
}

func (d *Debugger) showCurrentAddress(snapshot vm.Inspection) {
	fmt.Fprintf(d.out, "ip = 0x%x\n", snapshot.IP)
}

func (d *Debugger) printHelp() {
	fmt.Fprintln(d.out, "commands:")
	fmt.Fprintln(d.out, "  help, h, ?          show this help")
	fmt.Fprintln(d.out, "  continue, c         resume until the next breakpoint")
	fmt.Fprintln(d.out, "  step, s, next, n    execute one instruction and pause again")
	fmt.Fprintln(d.out, "  stack, st           show the value stack")
	fmt.Fprintln(d.out, "  callstack, cs       show the call stack")
	fmt.Fprintln(d.out, "  locals, l           show the innermost frame's variable slots")
	fmt.Fprintln(d.out, "  functions, fn       list loaded functions")
	fmt.Fprintln(d.out, "  breakpoint <addr>, b   set a breakpoint")
	fmt.Fprintln(d.out, "  delete <addr>, d       clear a breakpoint")
	fmt.Fprintln(d.out, "  quit, q             resume without pausing again this step")
}

func (d *Debugger) showStack(snapshot vm.Inspection) {
	table := tablewriter.NewWriter(d.out)
	table.SetHeader([]string{"index", "value"})
	for i := len(snapshot.Stack) - 1; i >= 0; i-- {
		table.Append([]string{strconv.Itoa(i), describeForDebugger(snapshot, snapshot.Stack[i])})
	}
	table.Render()
}

func (d *Debugger) showCallStack(snapshot vm.Inspection) {
	table := tablewriter.NewWriter(d.out)
	table.SetHeader([]string{"#", "kind", "function", "stack_start"})
	for i := len(snapshot.CallStack) - 1; i >= 0; i-- {
		f := snapshot.CallStack[i]
		table.Append([]string{
			strconv.Itoa(i),
			frameKindLabel(f.Kind),
			f.Function.String(),
			strconv.Itoa(f.StackStart),
		})
	}
	table.Render()
}

func (d *Debugger) showLocals(snapshot vm.Inspection) {
	if len(snapshot.CallStack) == 0 {
		fmt.Fprintln(d.out, "(no active frame)")
		return
	}
	f := snapshot.CallStack[len(snapshot.CallStack)-1]
	table := tablewriter.NewWriter(d.out)
	table.SetHeader([]string{"slot", "value"})
	for i := f.StackStart; i < len(snapshot.Stack); i++ {
		table.Append([]string{strconv.Itoa(i - f.StackStart), describeForDebugger(snapshot, snapshot.Stack[i])})
	}
	table.Render()
}

func (d *Debugger) showFunctions(snapshot vm.Inspection) {
	table := tablewriter.NewWriter(d.out)
	table.SetHeader([]string{"name", "arity", "locals", "address"})
	for _, fn := range snapshot.Functions {
		table.Append([]string{
			fn.Name,
			strconv.Itoa(int(fn.Arity)),
			strconv.Itoa(int(fn.LocalsCount)),
			fmt.Sprintf("0x%x", fn.Address),
		})
	}
	table.Render()
}

func frameKindLabel(k vm.FrameKind) string {
	switch k {
	case vm.UserFunction:
		return "user"
	case vm.NativeFunction:
		return "native"
	case vm.Temp:
		return "temp"
	default:
		return "?"
	}
}

// describeForDebugger renders a Value for display without calling back
// into the VM (the debugger only ever holds a read-only Inspection, never
// a *vm.VM): it inspects the heap directly through snapshot.Heap. It
// follows vm.ToString's layout for numbers, bools, nil, lists and objects,
// but quotes strings, shows boxes as box(...), names functions by their id
// rather than their name, and tolerates a bad address by naming it rather
// than failing.
func describeForDebugger(snapshot vm.Inspection, v value.Value) string {
	switch v.Kind {
	case value.KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case value.KindBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case value.KindInternedString:
		if v.StrIndex >= 0 && v.StrIndex < len(snapshot.Strings) {
			return strconv.Quote(snapshot.Strings[v.StrIndex])
		}
		return "<invalid string index>"
	case value.KindFunction:
		return v.Closure.Function.String()
	case value.KindNil:
		return "()"
	case value.KindObject:
		return describeHeapForDebugger(snapshot, v.Addr)
	default:
		return "<invalid value>"
	}
}

func describeHeapForDebugger(snapshot vm.Inspection, addr value.Address) string {
	hv, err := snapshot.Heap.Get(addr)
	if err != nil {
		return fmt.Sprintf("<bad heap address %s>", addr)
	}
	switch hv.Kind {
	case heap.KindString:
		return strconv.Quote(hv.Str)
	case heap.KindBox:
		return "box(" + describeForDebugger(snapshot, hv.Box) + ")"
	case heap.KindList:
		parts := make([]string, len(hv.List))
		for i, elem := range hv.List {
			parts[i] = describeForDebugger(snapshot, elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case heap.KindObject:
		names := hv.OrderedFieldNames()
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = fmt.Sprintf("%q: %s", name, describeForDebugger(snapshot, hv.Fields[name].Value))
		}
		prefix := ""
		if hv.Dynamic {
			prefix = "dyn "
		}
		return prefix + "{ " + strings.Join(parts, ", ") + " }"
	default:
		return "<unknown heap value>"
	}
}
