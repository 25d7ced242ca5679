package vmm

import (
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
)

// heapFlags are the access rights of the program break area.
const heapFlags = SegRead | SegWrite

// InitHeap sets up an empty heap starting at begin that can grow up to
// limit.
func (as *AddressSpace) InitHeap(begin, limit uintptr) *kernel.Error {
	if _, err := checkRange(begin, limit-begin); err != nil || limit <= begin || limit&(mm.PageSize-1) != 0 {
		return ErrInvalidRange
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if len(as.intersecting(begin, limit)) != 0 {
		return ErrAlreadyExist
	}

	as.heapBegin, as.heap, as.heapEnd = begin, begin, limit
	return nil
}

// HeapBounds returns the heap start, the current break and the heap limit.
func (as *AddressSpace) HeapBounds() (begin, brk, limit uintptr) {
	as.lock.Acquire()
	defer as.lock.Release()

	return as.heapBegin, as.heap, as.heapEnd
}

// Brk moves the program break to newBrk, rounded up to a page, and returns
// the new break. Growing extends the heap segment; shrinking trims it and
// releases the large pages no longer touched by any segment.
func (as *AddressSpace) Brk(newBrk uintptr) (uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	if as.heapEnd == 0 {
		return 0, ErrVMANotFound
	}

	newBrk = mm.PageAlignUp(newBrk)
	if newBrk < as.heapBegin || newBrk > as.heapEnd {
		return as.heap, ErrInvalidRange
	}

	switch {
	case newBrk > as.heap:
		if len(as.intersecting(as.heap, newBrk)) != 0 {
			return as.heap, ErrAlreadyExist
		}
		as.resizeLocked(as.heap, newBrk, heapFlags)
	case newBrk < as.heap:
		as.unmapLocked(newBrk, as.heap, true)
	}

	as.heap = newBrk
	return as.heap, nil
}
