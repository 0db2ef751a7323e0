package vm

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kristofer/arkvm/pkg/ark"
	"github.com/kristofer/arkvm/pkg/value"
)

// asm is a tiny bytecode assembler used only by this package's tests: it
// builds a raw code blob the same way a real Ark producer would, one
// opcode at a time, tracking the byte offset of each emission so tests can
// compute jump targets and function start addresses.
type asm struct {
	buf bytes.Buffer
}

func (a *asm) pos() uint32 { return uint32(a.buf.Len()) }

func (a *asm) op(op Op)           { a.buf.WriteByte(byte(op)) }
func (a *asm) u8(b byte)          { a.buf.WriteByte(b) }
func (a *asm) u32(v uint32)       { binary.Write(&a.buf, binary.BigEndian, v) }
func (a *asm) f64(x float64)      { binary.Write(&a.buf, binary.BigEndian, math.Float64bits(x)) }
func (a *asm) bytes() []byte      { return a.buf.Bytes() }

func (a *asm) noOp()                 { a.op(NO_OP) }
func (a *asm) jump(addr uint32)       { a.op(JUMP); a.u32(addr) }
func (a *asm) jumpIf(addr uint32)     { a.op(JUMP_IF); a.u32(addr) }
func (a *asm) call(n uint32)         { a.op(CALL); a.u32(n) }
func (a *asm) ret()                  { a.op(RET) }
func (a *asm) enterTemp()            { a.op(ENTER_TEMP) }
func (a *asm) exitTemp()             { a.op(EXIT_TEMP) }
func (a *asm) pushFloat(x float64)   { a.op(PUSH_FLOAT); a.f64(x) }
func (a *asm) pushBool(b bool)       { a.op(PUSH_BOOL); if b { a.u8(1) } else { a.u8(0) } }
func (a *asm) pushFunc(id ark.FuncId) { a.op(PUSH_FUNC); a.u32(uint32(id)) }
func (a *asm) pushNil()              { a.op(PUSH_NIL) }
func (a *asm) pushString(idx uint32) { a.op(PUSH_STRING); a.u32(idx) }
func (a *asm) pushObject(dyn bool)   { a.op(PUSH_OBJECT); if dyn { a.u8(1) } else { a.u8(0) } }
func (a *asm) pushList()             { a.op(PUSH_LIST) }
func (a *asm) pop()                  { a.op(POP) }
func (a *asm) dup()                  { a.op(DUP) }
func (a *asm) swap()                 { a.op(SWAP) }
func (a *asm) storeVar(i uint32)     { a.op(STORE_VAR); a.u32(i) }
func (a *asm) loadVar(i uint32)      { a.op(LOAD_VAR); a.u32(i) }
func (a *asm) add()                  { a.op(ADD) }
func (a *asm) sub()                  { a.op(SUB) }
func (a *asm) mult()                 { a.op(MULT) }
func (a *asm) div()                  { a.op(DIV) }
func (a *asm) equal()                { a.op(EQUAL) }
func (a *asm) lessThan()             { a.op(LESS_THAN) }
func (a *asm) not()                  { a.op(NOT) }
func (a *asm) and()                  { a.op(AND) }
func (a *asm) or()                   { a.op(OR) }
func (a *asm) greaterThan()          { a.op(GREATER_THAN) }
func (a *asm) concat()               { a.op(CONCAT) }
func (a *asm) toString()             { a.op(TO_STRING) }
func (a *asm) addField(mut bool)     { a.op(ADD_FIELD); if mut { a.u8(1) } else { a.u8(0) } }
func (a *asm) writeField()           { a.op(WRITE_FIELD) }
func (a *asm) readField()            { a.op(READ_FIELD) }
func (a *asm) appendElement()        { a.op(APPEND_ELEMENT) }
func (a *asm) writeElement()         { a.op(WRITE_ELEMENT) }
func (a *asm) readElement()          { a.op(READ_ELEMENT) }
func (a *asm) box()                  { a.op(BOX) }
func (a *asm) unbox()                { a.op(UNBOX) }
func (a *asm) boundary()             { a.op(BOUNDARY) }

func testConfig() Config {
	return Config{StackCapacity: 256, CallStackCapacity: 64, HeapCapacity: 256}
}

func mustRun(t *testing.T, a *ark.Ark) value.Value {
	t.Helper()
	machine := New(a, nil, testConfig())
	result, exc := machine.CallRun(value.Closure{Function: a.Main}, nil)
	require.Nil(t, exc, "unexpected exception: %v", exc)
	return result
}

// TestArithmetic covers scenario S1: 3.0 + 4.0 returns 7.0.
func TestArithmetic(t *testing.T) {
	var c asm
	c.pushFloat(3)
	c.pushFloat(4)
	c.add()
	c.ret()
	c.boundary()

	mainID := ark.NewUserFuncId(0)
	a := &ark.Ark{
		Main:      mainID,
		Functions: []ark.Function{{ID: mainID, Arity: 0, LocalsCount: 0, Address: 0}},
		Code:      c.bytes(),
	}

	result := mustRun(t, a)
	require.Equal(t, value.Number(7), result)
}

// TestBranch covers scenario S2: a true condition takes the jump target,
// a false one falls through.
func TestBranch(t *testing.T) {
	for _, tc := range []struct {
		cond     bool
		expected float64
	}{
		{cond: true, expected: 1},
		{cond: false, expected: 2},
	} {
		var c asm
		c.pushBool(tc.cond)
		// placeholder address, patched below once the then-branch's
		// offset is known
		jumpAt := c.pos()
		c.jumpIf(0)
		c.pushFloat(2)
		c.ret()
		thenAddr := c.pos()
		c.pushFloat(1)
		c.ret()
		c.boundary()

		code := c.bytes()
		binary.BigEndian.PutUint32(code[jumpAt+1:jumpAt+5], thenAddr)

		mainID := ark.NewUserFuncId(0)
		a := &ark.Ark{
			Main:      mainID,
			Functions: []ark.Function{{ID: mainID, Arity: 0, LocalsCount: 0, Address: 0}},
			Code:      code,
		}

		result := mustRun(t, a)
		require.Equal(t, value.Number(tc.expected), result, "cond=%v", tc.cond)
	}
}

// TestCallArityMismatch covers scenario S3: extra arguments are trimmed,
// the callee returns its sole (first-pushed) parameter.
func TestCallArityMismatch(t *testing.T) {
	var callee asm
	callee.loadVar(0)
	callee.ret()
	callee.boundary()
	calleeID := ark.NewUserFuncId(1)

	var main asm
	main.pushFunc(calleeID)
	main.pushFloat(10)
	main.pushFloat(20)
	main.pushFloat(30)
	main.call(3)
	main.ret()
	main.boundary()
	mainID := ark.NewUserFuncId(0)

	mainCode := main.bytes()
	code := append(append([]byte{}, mainCode...), callee.bytes()...)

	a := &ark.Ark{
		Main: mainID,
		Functions: []ark.Function{
			{ID: mainID, Arity: 0, LocalsCount: 0, Address: 0},
			{ID: calleeID, Arity: 1, LocalsCount: 0, Address: uint32(len(mainCode))},
		},
		Code: code,
	}

	result := mustRun(t, a)
	require.Equal(t, value.Number(10), result)
}

// TestClosureCapture covers scenario S4: a closure capturing an outer
// local returns it correctly on invocation.
func TestClosureCapture(t *testing.T) {
	var inner asm
	inner.loadVar(0) // capture 0 sits where args would, since arity=0
	inner.ret()
	inner.boundary()
	innerID := ark.NewUserFuncId(2)

	var outer asm
	outer.pushFloat(5)
	outer.storeVar(0) // local x
	outer.pushFunc(innerID)
	outer.ret()
	outer.boundary()
	outerID := ark.NewUserFuncId(1)

	var main asm
	main.pushFunc(outerID)
	main.call(0)
	main.call(0)
	main.ret()
	main.boundary()
	mainID := ark.NewUserFuncId(0)

	mainCode := main.bytes()
	outerCode := outer.bytes()
	code := append(append(append([]byte{}, mainCode...), outerCode...), inner.bytes()...)

	a := &ark.Ark{
		Main: mainID,
		Functions: []ark.Function{
			{ID: mainID, Arity: 0, LocalsCount: 0, Address: 0},
			{ID: outerID, Arity: 0, LocalsCount: 1, Address: uint32(len(mainCode)), Captures: nil},
			{ID: innerID, Arity: 0, LocalsCount: 0, Address: uint32(len(mainCode) + len(outerCode)), Captures: []uint32{0}},
		},
		Code: code,
	}

	result := mustRun(t, a)
	require.Equal(t, value.Number(5), result)
}

// TestExceptionTrace covers scenario S5's shape (exception with a stack
// trace): the literal S5 bytes (DIV by a Bool) do not actually raise under
// this spec's coercion matrix, since Bool coerces to Number (true -> 1.0)
// per §4.6 — this substitutes an Object operand, which genuinely fails
// coercion, to exercise the same trace-construction path. See DESIGN.md's
// Open Question decisions.
func TestExceptionTrace(t *testing.T) {
	var c asm
	c.pushFloat(1)
	c.pushList() // a List value does not coerce to Number
	c.div()
	c.ret()
	c.boundary()

	mainID := ark.NewUserFuncId(0)
	a := &ark.Ark{
		Main:      mainID,
		Functions: []ark.Function{{ID: mainID, NameIndex: 0, Arity: 0, LocalsCount: 0, Address: 0}},
		Code:      c.bytes(),
		Strings:   []string{"main"},
	}

	machine := New(a, nil, testConfig())
	_, exc := machine.CallRun(value.Closure{Function: mainID}, nil)
	require.NotNil(t, exc)
	require.Equal(t, CoercionError, exc.Exception.Kind)
	require.Len(t, exc.StackTrace, 2)
	require.Equal(t, "main", exc.StackTrace[0].Function)
	require.Equal(t, executionRootFrame, exc.StackTrace[1].Function)
	require.Nil(t, exc.StackTrace[1].Address)
}

// TestObjectFieldLifecycle covers scenario S6: ADD_FIELD then a dynamic
// WRITE_FIELD insert, rendered back via TO_STRING.
func TestObjectFieldLifecycle(t *testing.T) {
	var c asm
	c.pushObject(true)
	c.dup()
	c.pushString(0) // "a"
	c.pushFloat(1)
	c.addField(true)
	c.dup()
	c.pushString(1) // "b"
	c.pushFloat(2)
	c.writeField()
	c.toString()
	c.ret()
	c.boundary()

	mainID := ark.NewUserFuncId(0)
	a := &ark.Ark{
		Main:      mainID,
		Functions: []ark.Function{{ID: mainID, Arity: 0, LocalsCount: 0, Address: 0}},
		Code:      c.bytes(),
		Strings:   []string{"a", "b"},
	}

	machine := New(a, nil, testConfig())
	result, exc := machine.CallRun(value.Closure{Function: mainID}, nil)
	require.Nil(t, exc)
	s, ok, exc := machine.TryGetString(result)
	require.Nil(t, exc)
	require.True(t, ok)
	require.Equal(t, `dyn { "a": 1, "b": 2 }`, s)
}

// TestOperandOrderSub covers P9: pushing a then b then SUB computes a - b,
// not b - a — the top of the stack is always the RHS.
func TestOperandOrderSub(t *testing.T) {
	var c asm
	c.pushFloat(10)
	c.pushFloat(3)
	c.sub()
	c.ret()
	c.boundary()

	mainID := ark.NewUserFuncId(0)
	a := &ark.Ark{
		Main:      mainID,
		Functions: []ark.Function{{ID: mainID, Arity: 0, LocalsCount: 0, Address: 0}},
		Code:      c.bytes(),
	}

	result := mustRun(t, a)
	require.Equal(t, value.Number(7), result)
}

// TestMissingFieldOnNonDynamicObject exercises READ_FIELD's MissingField
// path on a non-dynamic object.
func TestMissingFieldOnNonDynamicObject(t *testing.T) {
	var c asm
	c.pushObject(false)
	c.pushString(0) // "absent"
	c.readField()
	c.ret()
	c.boundary()

	mainID := ark.NewUserFuncId(0)
	a := &ark.Ark{
		Main:      mainID,
		Functions: []ark.Function{{ID: mainID, Arity: 0, LocalsCount: 0, Address: 0}},
		Code:      c.bytes(),
		Strings:   []string{"absent"},
	}

	machine := New(a, nil, testConfig())
	_, exc := machine.CallRun(value.Closure{Function: mainID}, nil)
	require.NotNil(t, exc)
	require.Equal(t, MissingField, exc.Exception.Kind)
}

// TestBoxTransparency covers P6: boxing a value preserves to_string,
// get_type, and equality against the unboxed original.
func TestBoxTransparency(t *testing.T) {
	var c asm
	c.pushFloat(42)
	c.box()
	c.ret()
	c.boundary()

	mainID := ark.NewUserFuncId(0)
	a := &ark.Ark{
		Main:      mainID,
		Functions: []ark.Function{{ID: mainID, Arity: 0, LocalsCount: 0, Address: 0}},
		Code:      c.bytes(),
	}

	machine := New(a, nil, testConfig())
	result, exc := machine.CallRun(value.Closure{Function: mainID}, nil)
	require.Nil(t, exc)

	unboxed := value.Number(42)
	eq, exc := machine.Equal(result, unboxed)
	require.Nil(t, exc)
	require.True(t, eq)

	s1, exc := machine.ToString(result)
	require.Nil(t, exc)
	s2, exc := machine.ToString(unboxed)
	require.Nil(t, exc)
	require.Equal(t, s2, s1)

	t1, exc := machine.GetType(result)
	require.Nil(t, exc)
	t2, exc := machine.GetType(unboxed)
	require.Nil(t, exc)
	require.Equal(t, t2, t1)
}

// TestAppendAndReadElement covers the list element opcodes together.
func TestAppendAndReadElement(t *testing.T) {
	var c asm
	c.pushList()
	c.dup()
	c.pushFloat(100)
	c.appendElement()
	c.dup()
	c.pushFloat(0)
	c.readElement()
	c.ret()
	c.boundary()

	mainID := ark.NewUserFuncId(0)
	a := &ark.Ark{
		Main:      mainID,
		Functions: []ark.Function{{ID: mainID, Arity: 0, LocalsCount: 0, Address: 0}},
		Code:      c.bytes(),
	}

	result := mustRun(t, a)
	require.Equal(t, value.Number(100), result)
}

// TestOutOfBoundsIndex covers READ_ELEMENT's bounds check.
func TestOutOfBoundsIndex(t *testing.T) {
	var c asm
	c.pushList()
	c.pushFloat(0)
	c.readElement()
	c.ret()
	c.boundary()

	mainID := ark.NewUserFuncId(0)
	a := &ark.Ark{
		Main:      mainID,
		Functions: []ark.Function{{ID: mainID, Arity: 0, LocalsCount: 0, Address: 0}},
		Code:      c.bytes(),
	}

	machine := New(a, nil, testConfig())
	_, exc := machine.CallRun(value.Closure{Function: mainID}, nil)
	require.NotNil(t, exc)
	require.Equal(t, OutOfBoundsIndex, exc.Exception.Kind)
}
