// Package kheap provides the general purpose kernel allocator. Small requests
// are served by a ladder of power-of-two slab caches; anything larger than
// the biggest cache is served directly by the frame allocator.
package kheap

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/physmem"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/pmm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/slab"
)

// Flag modifies the behavior of Kmalloc.
type Flag uintptr

const (
	// FlagZero zero-fills the returned memory.
	FlagZero Flag = 1 << iota
)

const (
	// MinShift and MaxShift bound the cache ladder: objects up to
	// 1<<MaxShift bytes must still leave room for the slab free list.
	MinShift = 3
	MaxShift = 11
)

var (
	// panicFn is overridden by tests.
	panicFn = kfmt.Panic

	errBadLadder = &kernel.Error{Module: "kheap", Message: "invalid kmalloc cache ladder"}
	errBadFree   = &kernel.Error{Module: "kheap", Message: "kfree of a pointer not returned by kmalloc"}

	log = kfmt.Logger("kheap")
)

// Heap is the kernel byte allocator.
type Heap struct {
	frames   *pmm.BuddyAllocator
	arena    *physmem.Arena
	registry *slab.Registry

	minShift uint
	caches   []*slab.Cache

	largeAllocs uint64
	largeFrames uint64
}

// Stats is a snapshot of the heap usage.
type Stats struct {
	Caches []slab.CacheStats

	// LargeAllocs and LargeFrames describe the live allocations that
	// bypass the cache ladder.
	LargeAllocs uint64
	LargeFrames uint64
}

// New creates a heap whose caches hold objects of 1<<minShift up to
// 1<<maxShift bytes.
func New(frames *pmm.BuddyAllocator, arena *physmem.Arena, registry *slab.Registry, minShift, maxShift uint) (*Heap, *kernel.Error) {
	if minShift < MinShift || maxShift > MaxShift || minShift > maxShift {
		return nil, errBadLadder
	}

	h := &Heap{
		frames:   frames,
		arena:    arena,
		registry: registry,
		minShift: minShift,
	}

	for shift := minShift; shift <= maxShift; shift++ {
		c, err := registry.Create(fmt.Sprintf("kmalloc-%d", 1<<shift), uintptr(1)<<shift, 0, nil, nil, 0)
		if err != nil {
			for _, created := range h.caches {
				created.Destroy()
			}
			return nil, err
		}
		h.caches = append(h.caches, c)
	}

	return h, nil
}

// MaxCachedSize returns the largest request served by the cache ladder.
func (h *Heap) MaxCachedSize() uintptr {
	return h.caches[len(h.caches)-1].ObjSize()
}

// Kmalloc allocates size bytes and returns a pointer to them, or nil if the
// request is empty or cannot be satisfied.
func (h *Heap) Kmalloc(size uintptr, flags Flag) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	if c := h.cacheFor(size); c != nil {
		obj, err := c.Alloc()
		if err != nil {
			return nil
		}

		if flags&FlagZero != 0 {
			kernel.Memset(obj, 0, c.ObjSize())
		}
		return obj
	}

	n := uint64(mm.Size(size).Frames())
	if n > uint64(1)<<pmm.MaxOrder {
		log.Warnf("kmalloc of %d bytes exceeds the largest frame block", size)
		return nil
	}

	var (
		frame mm.Frame
		err   *kernel.Error
	)
	if flags&FlagZero != 0 {
		frame, err = h.frames.AllocateZeroed(n)
	} else {
		frame, err = h.frames.Allocate(n)
	}
	if err != nil {
		return nil
	}

	page := h.frames.Page(frame)
	page.SetFlags(pmm.FlagCompound)
	page.SetCount(uint32(n))

	atomic.AddUint64(&h.largeAllocs, 1)
	atomic.AddUint64(&h.largeFrames, n)
	return h.arena.FramePtr(frame)
}

// Kfree releases memory obtained from Kmalloc. Passing nil is a no-op;
// passing any other pointer that Kmalloc did not return is fatal.
func (h *Heap) Kfree(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	frame, page := h.pageFor(ptr)
	switch {
	case page == nil:
		panicFn(errBadFree)
	case page.HasFlags(pmm.FlagSlab):
		c := h.registry.Lookup(ptr)
		if c == nil {
			panicFn(errBadFree)
			return
		}
		c.Free(ptr)
	case page.HasFlags(pmm.FlagCompound) && h.arena.FramePtr(frame) == ptr:
		n := uint64(page.Count())
		h.frames.Free(frame, n)
		atomic.AddUint64(&h.largeAllocs, ^uint64(0))
		atomic.AddUint64(&h.largeFrames, ^(n - 1))
	default:
		panicFn(errBadFree)
	}
}

// Ksize returns the number of usable bytes at ptr.
func (h *Heap) Ksize(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}

	_, page := h.pageFor(ptr)
	switch {
	case page == nil:
		return 0
	case page.HasFlags(pmm.FlagSlab):
		if c := h.registry.Lookup(ptr); c != nil {
			return c.ObjSize()
		}
	case page.HasFlags(pmm.FlagCompound):
		return uintptr(page.Count()) << mm.PageShift
	}

	return 0
}

// Stats returns a snapshot of the heap usage.
func (h *Heap) Stats() Stats {
	st := Stats{
		LargeAllocs: atomic.LoadUint64(&h.largeAllocs),
		LargeFrames: atomic.LoadUint64(&h.largeFrames),
	}
	for _, c := range h.caches {
		st.Caches = append(st.Caches, c.Stats())
	}

	return st
}

func (h *Heap) cacheFor(size uintptr) *slab.Cache {
	shift := uint(bits.Len64(uint64(size - 1)))
	if shift < h.minShift {
		shift = h.minShift
	}

	if idx := int(shift - h.minShift); idx < len(h.caches) {
		return h.caches[idx]
	}

	return nil
}

func (h *Heap) pageFor(ptr unsafe.Pointer) (mm.Frame, *pmm.Page) {
	pa, err := h.arena.PhysFor(ptr)
	if err != nil {
		return mm.InvalidFrame, nil
	}

	frame := mm.FrameFromAddress(pa)
	return frame, h.frames.Page(frame)
}
