package vm

import (
	"encoding/binary"
	"math"

	"github.com/kristofer/arkvm/pkg/ark"
	"github.com/kristofer/arkvm/pkg/heap"
	"github.com/kristofer/arkvm/pkg/value"
)

// readU8 reads one operand byte, advancing ip. A short read is Overrun —
// the same exception BOUNDARY itself raises for a runaway ip.
func (vm *VM) readU8() (byte, *FormattedException) {
	if vm.ip >= len(vm.code) {
		return 0, vm.raise(errOverrun)
	}
	b := vm.code[vm.ip]
	vm.ip++
	return b, nil
}

func (vm *VM) readU32() (uint32, *FormattedException) {
	if vm.ip+4 > len(vm.code) {
		return 0, vm.raise(errOverrun)
	}
	v := binary.BigEndian.Uint32(vm.code[vm.ip : vm.ip+4])
	vm.ip += 4
	return v, nil
}

func (vm *VM) readF64() (float64, *FormattedException) {
	if vm.ip+8 > len(vm.code) {
		return 0, vm.raise(errOverrun)
	}
	bits := binary.BigEndian.Uint64(vm.code[vm.ip : vm.ip+8])
	vm.ip += 8
	return math.Float64frombits(bits), nil
}

func (vm *VM) push(v value.Value) *FormattedException {
	if err := vm.stack.Push(v); err != nil {
		return vm.raise(err.(*Exception))
	}
	return nil
}

func (vm *VM) pop() (value.Value, *FormattedException) {
	v, err := vm.stack.Pop()
	if err != nil {
		return value.Value{}, vm.raise(err.(*Exception))
	}
	return v, nil
}

// pop2 pops the top two stack values and names them by the RHS/LHS
// convention the spec pins for non-commutative binary ops: the value that
// was on top (popped first) is the RHS, the one below it the LHS.
func (vm *VM) pop2() (lhs, rhs value.Value, exc *FormattedException) {
	r, err := vm.stack.Pop()
	if err != nil {
		return value.Value{}, value.Value{}, vm.raise(err.(*Exception))
	}
	l, err := vm.stack.Pop()
	if err != nil {
		return value.Value{}, value.Value{}, vm.raise(err.(*Exception))
	}
	return l, r, nil
}

var continueFlow = controlFlow{kind: ctrlContinue}

// interpretInstruction fetches, decodes, and executes exactly one
// instruction (§4.4 step c-e), returning how runFunction should proceed.
func (vm *VM) interpretInstruction() (controlFlow, *FormattedException) {
	opByte, exc := vm.readU8()
	if exc != nil {
		return controlFlow{}, exc
	}
	op := Op(opByte)

	switch op {
	case NO_OP:
		return continueFlow, nil

	case JUMP:
		addr, exc := vm.readU32()
		if exc != nil {
			return controlFlow{}, exc
		}
		vm.ip = int(addr)
		return continueFlow, nil

	case JUMP_IF:
		addr, exc := vm.readU32()
		if exc != nil {
			return controlFlow{}, exc
		}
		cond, exc := vm.pop()
		if exc != nil {
			return controlFlow{}, exc
		}
		b, exc := vm.CoerceToBool(cond)
		if exc != nil {
			return controlFlow{}, exc
		}
		if b {
			vm.ip = int(addr)
		}
		return continueFlow, nil

	case CALL:
		n, exc := vm.readU32()
		if exc != nil {
			return controlFlow{}, exc
		}
		argCount := int(n)
		head := vm.stack.Head()
		closureIdx := head - argCount - 1
		if closureIdx < 0 {
			return controlFlow{}, vm.raise(errStackUnderflow)
		}
		closureVal, err := vm.stack.Get(closureIdx)
		if err != nil {
			return controlFlow{}, vm.raise(err.(*Exception))
		}
		closure, exc := vm.CoerceToFunction(closureVal)
		if exc != nil {
			return controlFlow{}, exc
		}
		return controlFlow{kind: ctrlCall, closure: closure, argCount: argCount}, nil

	case RET:
		return controlFlow{kind: ctrlReturn}, nil

	case ENTER_TEMP:
		if exc := vm.enterTempFrame(); exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, nil

	case EXIT_TEMP:
		if exc := vm.exitTempFrame(); exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, nil

	case PUSH_FLOAT:
		x, exc := vm.readF64()
		if exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(value.Number(x))

	case PUSH_BOOL:
		b, exc := vm.readU8()
		if exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(value.Bool(b != 0))

	case PUSH_FUNC:
		return vm.pushFunc()

	case PUSH_NIL:
		return continueFlow, vm.push(value.Nil)

	case PUSH_STRING:
		idx, exc := vm.readU32()
		if exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(value.InternedString(int(idx)))

	case PUSH_OBJECT:
		dyn, exc := vm.readU8()
		if exc != nil {
			return controlFlow{}, exc
		}
		v, exc := vm.AllocObject(dyn != 0)
		if exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(v)

	case PUSH_LIST:
		v, exc := vm.AllocList(nil)
		if exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(v)

	case POP:
		_, exc := vm.pop()
		return continueFlow, exc

	case DUP:
		v, exc := vm.pop()
		if exc != nil {
			return controlFlow{}, exc
		}
		if exc := vm.push(v); exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(v)

	case SWAP:
		b, exc := vm.pop()
		if exc != nil {
			return controlFlow{}, exc
		}
		a, exc := vm.pop()
		if exc != nil {
			return controlFlow{}, exc
		}
		if exc := vm.push(b); exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(a)

	case STORE_VAR:
		i, exc := vm.readU32()
		if exc != nil {
			return controlFlow{}, exc
		}
		v, exc := vm.pop()
		if exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.writeVariable(int(i), v)

	case LOAD_VAR:
		i, exc := vm.readU32()
		if exc != nil {
			return controlFlow{}, exc
		}
		v, exc := vm.readVariable(int(i))
		if exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(v)

	case ADD, SUB, MULT, DIV:
		return vm.arith(op)

	case EQUAL:
		lhs, rhs, exc := vm.pop2()
		if exc != nil {
			return controlFlow{}, exc
		}
		eq, exc := vm.Equal(lhs, rhs)
		if exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(value.Bool(eq))

	case LESS_THAN, GREATER_THAN:
		lhs, rhs, exc := vm.pop2()
		if exc != nil {
			return controlFlow{}, exc
		}
		a, exc := vm.CoerceToNumber(lhs)
		if exc != nil {
			return controlFlow{}, exc
		}
		b, exc := vm.CoerceToNumber(rhs)
		if exc != nil {
			return controlFlow{}, exc
		}
		if op == LESS_THAN {
			return continueFlow, vm.push(value.Bool(a < b))
		}
		return continueFlow, vm.push(value.Bool(a > b))

	case NOT:
		v, exc := vm.pop()
		if exc != nil {
			return controlFlow{}, exc
		}
		b, exc := vm.CoerceToBool(v)
		if exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(value.Bool(!b))

	case AND, OR:
		lhs, rhs, exc := vm.pop2()
		if exc != nil {
			return controlFlow{}, exc
		}
		a, exc := vm.CoerceToBool(lhs)
		if exc != nil {
			return controlFlow{}, exc
		}
		b, exc := vm.CoerceToBool(rhs)
		if exc != nil {
			return controlFlow{}, exc
		}
		if op == AND {
			return continueFlow, vm.push(value.Bool(a && b))
		}
		return continueFlow, vm.push(value.Bool(a || b))

	case CONCAT:
		lhs, rhs, exc := vm.pop2()
		if exc != nil {
			return controlFlow{}, exc
		}
		lstr, exc := vm.ToString(lhs)
		if exc != nil {
			return controlFlow{}, exc
		}
		rstr, exc := vm.ToString(rhs)
		if exc != nil {
			return controlFlow{}, exc
		}
		v, exc := vm.AllocString(lstr + rstr)
		if exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(v)

	case TO_STRING:
		x, exc := vm.pop()
		if exc != nil {
			return controlFlow{}, exc
		}
		s, exc := vm.ToString(x)
		if exc != nil {
			return controlFlow{}, exc
		}
		v, exc := vm.AllocString(s)
		if exc != nil {
			return controlFlow{}, exc
		}
		return continueFlow, vm.push(v)

	case ADD_FIELD:
		return vm.addField()

	case WRITE_FIELD:
		return vm.writeField()

	case READ_FIELD:
		return vm.readField()

	case APPEND_ELEMENT:
		return vm.appendElement()

	case WRITE_ELEMENT:
		return vm.writeElement()

	case READ_ELEMENT:
		return vm.readElement()

	case BOX:
		return vm.box()

	case UNBOX:
		return vm.unbox()

	case BOUNDARY:
		return controlFlow{}, vm.raise(errOverrun)

	default:
		return controlFlow{}, vm.raise(errUnknownOpcode(opByte))
	}
}

func (vm *VM) arith(op Op) (controlFlow, *FormattedException) {
	lhs, rhs, exc := vm.pop2()
	if exc != nil {
		return controlFlow{}, exc
	}
	a, exc := vm.CoerceToNumber(lhs)
	if exc != nil {
		return controlFlow{}, exc
	}
	b, exc := vm.CoerceToNumber(rhs)
	if exc != nil {
		return controlFlow{}, exc
	}
	var r float64
	switch op {
	case ADD:
		r = a + b
	case SUB:
		r = a - b
	case MULT:
		r = a * b
	case DIV:
		if b == 0 {
			return controlFlow{}, vm.raise(errCustom("division by zero"))
		}
		r = a / b
	}
	return continueFlow, vm.push(value.Number(r))
}

// pushFunc implements PUSH_FUNC: build the closure, assembling a captures
// list when the target function's metadata names any (§4.5).
func (vm *VM) pushFunc() (controlFlow, *FormattedException) {
	fid, exc := vm.readU32()
	if exc != nil {
		return controlFlow{}, exc
	}
	funcID := ark.FuncId(fid)

	var captures *value.Address
	if !funcID.IsNative() {
		fn := vm.functionByID(funcID)
		if fn == nil {
			return controlFlow{}, vm.raise(errInvalidUserFunction(funcID.Decode()))
		}
		if len(fn.Captures) > 0 {
			vals := make([]value.Value, len(fn.Captures))
			for i, varIdx := range fn.Captures {
				v, exc := vm.readVariable(int(varIdx))
				if exc != nil {
					return controlFlow{}, exc
				}
				vals[i] = v
			}
			addr, exc := vm.allocHeap(heap.NewList(vals))
			if exc != nil {
				return controlFlow{}, exc
			}
			captures = &addr
		}
	}

	return continueFlow, vm.push(value.Function(value.Closure{Function: funcID, Captures: captures}))
}

func (vm *VM) addField() (controlFlow, *FormattedException) {
	mut, exc := vm.readU8()
	if exc != nil {
		return controlFlow{}, exc
	}
	val, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	nameVal, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	objVal, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	addr, exc := vm.CoerceToObject(objVal)
	if exc != nil {
		return controlFlow{}, exc
	}
	hv, exc := vm.getHeapValue(addr)
	if exc != nil {
		return controlFlow{}, exc
	}
	name, exc := vm.ToString(nameVal)
	if exc != nil {
		return controlFlow{}, exc
	}
	hv.Fields[name] = &heap.Field{Value: val, Mutable: mut != 0, InsertionIndex: uint32(len(hv.Fields))}
	return continueFlow, nil
}

func (vm *VM) writeField() (controlFlow, *FormattedException) {
	val, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	nameVal, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	objVal, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	addr, exc := vm.CoerceToObject(objVal)
	if exc != nil {
		return controlFlow{}, exc
	}
	hv, exc := vm.getHeapValue(addr)
	if exc != nil {
		return controlFlow{}, exc
	}
	name, exc := vm.ToString(nameVal)
	if exc != nil {
		return controlFlow{}, exc
	}
	if f, ok := hv.Fields[name]; ok {
		if !f.Mutable {
			return controlFlow{}, vm.raise(errWriteToImmutableField(name))
		}
		f.Value = val
		return continueFlow, nil
	}
	if !hv.Dynamic {
		return controlFlow{}, vm.raise(errMissingField(name))
	}
	hv.Fields[name] = &heap.Field{Value: val, Mutable: true, InsertionIndex: uint32(len(hv.Fields))}
	return continueFlow, nil
}

func (vm *VM) readField() (controlFlow, *FormattedException) {
	nameVal, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	objVal, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	addr, exc := vm.CoerceToObject(objVal)
	if exc != nil {
		return controlFlow{}, exc
	}
	hv, exc := vm.getHeapValue(addr)
	if exc != nil {
		return controlFlow{}, exc
	}
	name, exc := vm.ToString(nameVal)
	if exc != nil {
		return controlFlow{}, exc
	}
	f, ok := hv.Fields[name]
	if !ok {
		return controlFlow{}, vm.raise(errMissingField(name))
	}
	return continueFlow, vm.push(f.Value)
}

func (vm *VM) appendElement() (controlFlow, *FormattedException) {
	val, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	listVal, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	addr, exc := vm.CoerceToList(listVal)
	if exc != nil {
		return controlFlow{}, exc
	}
	hv, exc := vm.getHeapValue(addr)
	if exc != nil {
		return controlFlow{}, exc
	}
	hv.List = append(hv.List, val)
	return continueFlow, nil
}

func (vm *VM) writeElement() (controlFlow, *FormattedException) {
	val, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	iVal, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	listVal, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	addr, exc := vm.CoerceToList(listVal)
	if exc != nil {
		return controlFlow{}, exc
	}
	hv, exc := vm.getHeapValue(addr)
	if exc != nil {
		return controlFlow{}, exc
	}
	iNum, exc := vm.CoerceToNumber(iVal)
	if exc != nil {
		return controlFlow{}, exc
	}
	idx, exc := vm.FloatToIndex(iNum)
	if exc != nil {
		return controlFlow{}, exc
	}
	if idx < 0 || idx >= len(hv.List) {
		return controlFlow{}, vm.raise(errOutOfBoundsIndex(idx, len(hv.List)))
	}
	hv.List[idx] = val
	return continueFlow, nil
}

func (vm *VM) readElement() (controlFlow, *FormattedException) {
	iVal, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	listVal, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	addr, exc := vm.CoerceToList(listVal)
	if exc != nil {
		return controlFlow{}, exc
	}
	hv, exc := vm.getHeapValue(addr)
	if exc != nil {
		return controlFlow{}, exc
	}
	iNum, exc := vm.CoerceToNumber(iVal)
	if exc != nil {
		return controlFlow{}, exc
	}
	idx, exc := vm.FloatToIndex(iNum)
	if exc != nil {
		return controlFlow{}, exc
	}
	if idx < 0 || idx >= len(hv.List) {
		return controlFlow{}, vm.raise(errOutOfBoundsIndex(idx, len(hv.List)))
	}
	return continueFlow, vm.push(hv.List[idx])
}

// box implements BOX: Boxes never nest, so boxing an already-boxed value
// unwraps it first and boxes the inner value instead.
func (vm *VM) box() (controlFlow, *FormattedException) {
	v, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	inner := v
	if v.Kind == value.KindObject {
		hv, exc := vm.getHeapValue(v.Addr)
		if exc != nil {
			return controlFlow{}, exc
		}
		if hv.Kind == heap.KindBox {
			inner = hv.Box
		}
	}
	addr, exc := vm.allocHeap(heap.NewBox(inner))
	if exc != nil {
		return controlFlow{}, exc
	}
	return continueFlow, vm.push(value.Object(addr))
}

// unbox implements UNBOX: a Box is replaced by its inner Value; anything
// else passes through unchanged.
func (vm *VM) unbox() (controlFlow, *FormattedException) {
	v, exc := vm.pop()
	if exc != nil {
		return controlFlow{}, exc
	}
	if v.Kind == value.KindObject {
		hv, exc := vm.getHeapValue(v.Addr)
		if exc != nil {
			return controlFlow{}, exc
		}
		if hv.Kind == heap.KindBox {
			return continueFlow, vm.push(hv.Box)
		}
	}
	return continueFlow, vm.push(v)
}
