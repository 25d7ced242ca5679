// Package physmem provides the block of memory that plays the role of the
// machine's physical RAM. Physical address pa lives at offset pa inside the
// arena, which gives the rest of the memory manager a direct physical map:
// page tables, slab objects and heap blocks are all accessed through
// pointers into the arena.
package physmem

import (
	"unsafe"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
)

var (
	// ErrOutOfRange is returned when a physical address lies outside the arena.
	ErrOutOfRange = &kernel.Error{Module: "physmem", Message: "physical address outside of the arena"}

	errZeroSize = &kernel.Error{Module: "physmem", Message: "arena size must be non-zero"}
	errMapping  = &kernel.Error{Module: "physmem", Message: "unable to reserve memory for the arena"}

	// mapFn and unmapFn are overridden by tests.
	mapFn   = mapRegion
	unmapFn = unmapRegion
)

// Arena is a contiguous block of simulated physical memory.
type Arena struct {
	mem  []byte
	base uintptr
}

// New reserves an arena of at least size bytes. The size is rounded up to a
// large page so that every frame block the buddy allocator can hand out is
// backed.
func New(size mm.Size) (*Arena, *kernel.Error) {
	if size == 0 {
		return nil, errZeroSize
	}

	length := mm.LargePageAlignUp(uintptr(size))
	region, err := mapFn(length)
	if err != nil {
		return nil, errMapping
	}

	return &Arena{
		mem:  region,
		base: uintptr(unsafe.Pointer(&region[0])),
	}, nil
}

// Size returns the arena size in bytes.
func (a *Arena) Size() mm.Size {
	return mm.Size(len(a.mem))
}

// Frames returns the number of physical frames in the arena.
func (a *Arena) Frames() uint64 {
	return uint64(len(a.mem)) >> mm.PageShift
}

// Contains returns true if physAddr is backed by the arena.
func (a *Arena) Contains(physAddr uintptr) bool {
	return physAddr < uintptr(len(a.mem))
}

// Ptr returns a pointer to the byte at physical address physAddr.
func (a *Arena) Ptr(physAddr uintptr) unsafe.Pointer {
	if !a.Contains(physAddr) {
		return nil
	}

	return unsafe.Pointer(&a.mem[physAddr])
}

// FramePtr returns a pointer to the start of the supplied frame.
func (a *Arena) FramePtr(frame mm.Frame) unsafe.Pointer {
	return a.Ptr(frame.Address())
}

// Bytes returns a slice aliasing n bytes of the arena starting at physAddr.
func (a *Arena) Bytes(physAddr, n uintptr) ([]byte, *kernel.Error) {
	if !a.Contains(physAddr) || n > uintptr(len(a.mem))-physAddr {
		return nil, ErrOutOfRange
	}

	return a.mem[physAddr : physAddr+n : physAddr+n], nil
}

// PhysFor returns the physical address that ptr points to.
func (a *Arena) PhysFor(ptr unsafe.Pointer) (uintptr, *kernel.Error) {
	addr := uintptr(ptr)
	if addr < a.base || addr-a.base >= uintptr(len(a.mem)) {
		return 0, ErrOutOfRange
	}

	return addr - a.base, nil
}

// Close releases the memory backing the arena. Pointers obtained from the
// arena must not be used afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}

	err := unmapFn(a.mem)
	a.mem, a.base = nil, 0
	return err
}
