package heap

import "github.com/kristofer/arkvm/pkg/value"

// Collect runs a stop-the-world mark-sweep collection rooted at roots
// (the live value stack). After collection, every slot reachable from
// roots is still filled and unmarked; every other previously-filled slot
// has been freed. used shrinks to one past the highest surviving slot;
// freed slots below that are relinked into the free list in ascending
// order (the simplest free-list shape that satisfies the "next_free is
// strictly greater" invariant), while slots above it become reachable
// again only through Alloc extending used. next_gc_threshold is grown by
// growFactor from the post-collection allocated_bytes.
func (h *Heap) Collect(roots []value.Value) {
	h.mark(roots)
	h.sweep()
	h.nextGCThreshold = h.allocatedBytes * growFactor
	if h.nextGCThreshold < initialGCThreshold {
		h.nextGCThreshold = initialGCThreshold
	}
}

// mark walks, depth-first, from every root Value that can carry a heap
// address (Object, or Function with captures), marking every slot it
// reaches. It uses an explicit worklist rather than recursion so that deep
// or cyclic structures cannot blow the host stack, and skips slots already
// marked instead of aborting the whole pass — marking must be cycle-safe.
func (h *Heap) mark(roots []value.Value) {
	var worklist []value.Address

	push := func(addr value.Address) {
		idx := int(addr)
		if idx < 0 || idx >= h.used || !h.slots[idx].filled {
			return
		}
		if h.slots[idx].marked {
			return
		}
		h.slots[idx].marked = true
		worklist = append(worklist, addr)
	}

	pushValue := func(v value.Value) {
		switch v.Kind {
		case value.KindObject:
			push(v.Addr)
		case value.KindFunction:
			if v.Closure.Captures != nil {
				push(*v.Closure.Captures)
			}
		}
	}

	for _, root := range roots {
		pushValue(root)
	}

	for len(worklist) > 0 {
		addr := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]

		hv := &h.slots[int(addr)].value
		switch hv.Kind {
		case KindString:
			// no outgoing references
		case KindList:
			for _, elem := range hv.List {
				pushValue(elem)
			}
		case KindObject:
			for _, field := range hv.Fields {
				pushValue(field.Value)
			}
		case KindBox:
			pushValue(hv.Box)
		}
	}
}

// sweep performs the linear scan over [0, used) described by the heap's
// design: marked slots are unmarked and kept, unmarked filled slots are
// freed, used shrinks to one past the highest surviving index, and the
// free list is rebuilt in ascending order over exactly the slots that
// remain within the new used range.
func (h *Heap) sweep() {
	newUsed := 0
	for i := 0; i < h.used; i++ {
		if h.slots[i].filled && h.slots[i].marked {
			newUsed = i + 1
		}
	}

	h.allocatedBytes = 0
	h.firstFree = -1
	lastFree := -1

	for i := 0; i < newUsed; i++ {
		s := &h.slots[i]
		if s.filled && s.marked {
			s.marked = false
			h.allocatedBytes += approxSlotBytes
			continue
		}

		// Either already free, or a filled-but-unmarked slot being
		// reclaimed now: both become (or remain) free.
		s.filled = false
		s.marked = false
		s.nextFree = -1
		if lastFree == -1 {
			h.firstFree = i
		} else {
			h.slots[lastFree].nextFree = i
		}
		lastFree = i
	}

	h.used = newUsed
}
