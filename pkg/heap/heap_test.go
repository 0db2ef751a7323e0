package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kristofer/arkvm/pkg/value"
)

func TestAllocGetRoundTrip(t *testing.T) {
	h := New(4)
	addr, err := h.Alloc(NewString("hello"))
	require.NoError(t, err)

	hv, err := h.Get(addr)
	require.NoError(t, err)
	require.Equal(t, "hello", hv.Str)
}

func TestAllocReturnsErrNoFreeSlotAtCapacity(t *testing.T) {
	h := New(2)
	_, err := h.Alloc(NewString("a"))
	require.NoError(t, err)
	_, err = h.Alloc(NewString("b"))
	require.NoError(t, err)
	_, err = h.Alloc(NewString("c"))
	require.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestGetOnFreedAddressReportsFreed(t *testing.T) {
	h := New(2)
	garbage, err := h.Alloc(NewString("garbage"))
	require.NoError(t, err)
	kept, err := h.Alloc(NewString("kept"))
	require.NoError(t, err)

	// Only the higher-indexed slot is reachable, so sweep's used-shrinking
	// can't also make the freed address look merely out-of-range: it must
	// still be inside [0, used) for its own sake, with filled=false.
	h.Collect([]value.Value{value.Object(kept)})

	_, err = h.Get(garbage)
	require.Error(t, err)
	getErr, ok := err.(*GetError)
	require.True(t, ok)
	require.True(t, getErr.Freed)
}

func TestGetOnOutOfRangeAddressReportsOutOfRange(t *testing.T) {
	h := New(2)
	_, err := h.Get(value.Address(5))
	require.Error(t, err)
	getErr, ok := err.(*GetError)
	require.True(t, ok)
	require.True(t, getErr.OutOfRange)
}

// TestCollectKeepsReachableValues covers P4: a value reachable from roots
// survives collection unchanged.
func TestCollectKeepsReachableValues(t *testing.T) {
	h := New(4)
	addr, err := h.Alloc(NewString("kept"))
	require.NoError(t, err)

	h.Collect([]value.Value{value.Object(addr)})

	hv, err := h.Get(addr)
	require.NoError(t, err)
	require.Equal(t, "kept", hv.Str)
}

// TestCollectFreesUnreachableValues covers P5: a value with no path from
// any root is freed and its slot is reusable.
func TestCollectFreesUnreachableValues(t *testing.T) {
	h := New(1)
	_, err := h.Alloc(NewString("garbage"))
	require.NoError(t, err)

	h.Collect(nil)

	// the freed slot must be reusable: a fresh Alloc must not return
	// ErrNoFreeSlot even though the heap's capacity is exactly 1.
	_, err = h.Alloc(NewString("reused"))
	require.NoError(t, err)
}

// TestCollectTracesThroughListsObjectsAndBoxes covers the mark phase's
// traversal rules: a root reaches a List, whose element reaches an Object,
// whose field reaches a Box, whose content is the actually-marked leaf.
func TestCollectTracesThroughListsObjectsAndBoxes(t *testing.T) {
	h := New(8)

	leafAddr, err := h.Alloc(NewString("leaf"))
	require.NoError(t, err)

	boxAddr, err := h.Alloc(NewBox(value.Object(leafAddr)))
	require.NoError(t, err)

	obj := NewObject(false)
	obj.Fields["f"] = &Field{Value: value.Object(boxAddr), Mutable: false, InsertionIndex: 0}
	objAddr, err := h.Alloc(obj)
	require.NoError(t, err)

	listAddr, err := h.Alloc(NewList([]value.Value{value.Object(objAddr)}))
	require.NoError(t, err)

	h.Collect([]value.Value{value.Object(listAddr)})

	for _, addr := range []value.Address{leafAddr, boxAddr, objAddr, listAddr} {
		_, err := h.Get(addr)
		require.NoError(t, err, "address %s should have survived collection", addr)
	}
}

// TestCollectTracesThroughFunctionCaptures covers the mark phase's other
// root kind: a Function value whose Captures address a heap List.
func TestCollectTracesThroughFunctionCaptures(t *testing.T) {
	h := New(4)

	capturedAddr, err := h.Alloc(NewString("captured"))
	require.NoError(t, err)
	capturesListAddr, err := h.Alloc(NewList([]value.Value{value.Object(capturedAddr)}))
	require.NoError(t, err)

	addr := capturesListAddr
	root := value.Function(value.Closure{Captures: &addr})

	h.Collect([]value.Value{root})

	_, err = h.Get(capturesListAddr)
	require.NoError(t, err)
	_, err = h.Get(capturedAddr)
	require.NoError(t, err)
}

// TestCollectIsCycleSafe covers the acknowledged cyclic-structure case: two
// list slots referencing each other must not hang the mark pass, and both
// survive since both are reachable from the root.
func TestCollectIsCycleSafe(t *testing.T) {
	h := New(4)

	addrA, err := h.Alloc(NewList(nil))
	require.NoError(t, err)
	addrB, err := h.Alloc(NewList([]value.Value{value.Object(addrA)}))
	require.NoError(t, err)

	aVal, err := h.Get(addrA)
	require.NoError(t, err)
	aVal.List = []value.Value{value.Object(addrB)} // close the cycle

	h.Collect([]value.Value{value.Object(addrA)})

	_, err = h.Get(addrA)
	require.NoError(t, err)
	_, err = h.Get(addrB)
	require.NoError(t, err)
}

func TestNeedsCollectReflectsThreshold(t *testing.T) {
	h := New(1 << 20)
	require.False(t, h.NeedsCollect())
}
