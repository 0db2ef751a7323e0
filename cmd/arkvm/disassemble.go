package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kristofer/arkvm/pkg/ark"
	"github.com/kristofer/arkvm/pkg/vm"
)

// Disassemble renders a's code section as one line per instruction,
// annotated with the function each address falls inside.
func Disassemble(a *ark.Ark) string {
	labels := make(map[uint32]string, len(a.Functions))
	for _, fn := range a.Functions {
		name := "<unnamed>"
		if int(fn.NameIndex) < len(a.Strings) {
			name = a.Strings[fn.NameIndex]
		}
		labels[fn.Address] = fmt.Sprintf("%s (arity=%d, locals=%d)", name, fn.Arity, fn.LocalsCount)
	}

	var b strings.Builder
	code := a.Code
	ip := 0
	for ip < len(code) {
		if label, ok := labels[uint32(ip)]; ok {
			fmt.Fprintf(&b, "\n%s:\n", label)
		}

		op := vm.Op(code[ip])
		fmt.Fprintf(&b, "  %6d: %-14s", ip, op.String())
		ip++

		n, operand := decodeOperand(op, code, ip)
		fmt.Fprint(&b, operand)
		ip += n

		b.WriteByte('\n')
	}
	return b.String()
}

// decodeOperand returns how many operand bytes op consumes starting at ip
// and a human-readable rendering of that operand, matching the encoding
// §4.4 defines for each opcode.
func decodeOperand(op vm.Op, code []byte, ip int) (int, string) {
	switch op {
	case vm.JUMP, vm.JUMP_IF:
		if ip+4 > len(code) {
			return 0, " <truncated>"
		}
		return 4, fmt.Sprintf(" 0x%x", binary.BigEndian.Uint32(code[ip:ip+4]))

	case vm.CALL, vm.PUSH_STRING, vm.STORE_VAR, vm.LOAD_VAR, vm.PUSH_FUNC:
		if ip+4 > len(code) {
			return 0, " <truncated>"
		}
		return 4, fmt.Sprintf(" %d", binary.BigEndian.Uint32(code[ip:ip+4]))

	case vm.PUSH_FLOAT:
		if ip+8 > len(code) {
			return 0, " <truncated>"
		}
		bits := binary.BigEndian.Uint64(code[ip : ip+8])
		return 8, fmt.Sprintf(" %v", math.Float64frombits(bits))

	case vm.PUSH_BOOL, vm.PUSH_OBJECT, vm.ADD_FIELD:
		if ip+1 > len(code) {
			return 0, " <truncated>"
		}
		return 1, fmt.Sprintf(" %d", code[ip])

	default:
		return 0, ""
	}
}

// functionAddresses returns a's function entry addresses in ascending
// order. Nothing in this package calls it.
func functionAddresses(a *ark.Ark) []uint32 {
	addrs := make([]uint32, len(a.Functions))
	for i, fn := range a.Functions {
		addrs[i] = fn.Address
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}
