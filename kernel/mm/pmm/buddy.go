// Package pmm implements the physical frame allocator: a frame table with one
// descriptor per physical frame and a buddy allocator that hands out
// power-of-two blocks of contiguous frames.
package pmm

import (
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/sync"
)

// MaxOrder is the largest block order tracked by the allocator. Blocks of
// order k span 2^k frames.
const MaxOrder = 10

var (
	// ErrMemoryAlloc is returned when no block large enough is available.
	ErrMemoryAlloc = kernel.ErrMemoryAlloc

	// panicFn is overridden by tests.
	panicFn = kfmt.Panic

	errNotReserved    = &kernel.Error{Module: "pmm", Message: "zone frames must be reserved before setup"}
	errZoneOverflow   = &kernel.Error{Module: "pmm", Message: "frame range does not belong to a single zone"}
	errTooManyZones   = &kernel.Error{Module: "pmm", Message: "zone table exhausted"}
	errFreeReserved   = &kernel.Error{Module: "pmm", Message: "attempt to free a reserved frame"}
	errDoubleFree     = &kernel.Error{Module: "pmm", Message: "attempt to free a frame that is already free"}
	errFreeReferenced = &kernel.Error{Module: "pmm", Message: "attempt to free a frame that is still referenced"}
	errRefUnderflow   = &kernel.Error{Module: "pmm", Message: "frame reference count underflow"}
	errOutOfTable     = &kernel.Error{Module: "pmm", Message: "frame outside of the frame table"}
)

type zone struct {
	id     uint16
	base   mm.Frame
	length uint64
}

type freeArea struct {
	head  mm.Frame
	count uint64
}

// FreeArea is a snapshot of one free area list.
type FreeArea struct {
	Order  uint8
	Blocks uint64
}

// Zone is a snapshot of one zone.
type Zone struct {
	ID     uint16
	Base   mm.Frame
	Length uint64
}

// BuddyAllocator manages free frames in power-of-two blocks. Free blocks are
// linked into per-order lists through their head frame descriptors.
type BuddyAllocator struct {
	lock sync.IRQLock

	table *FrameTable
	zones []zone
	areas [MaxOrder + 1]freeArea

	// base is the address of physical frame 0 when the frames are backed
	// by memory the allocator can touch; it is used for zero-filling.
	base unsafe.Pointer
}

// NewBuddyAllocator creates an allocator over the supplied frame table. No
// frames are available until SetupForBase registers a zone.
func NewBuddyAllocator(table *FrameTable) *BuddyAllocator {
	alloc := &BuddyAllocator{
		lock:  sync.IRQLock{Name: "pmm"},
		table: table,
	}
	for i := range alloc.areas {
		alloc.areas[i].head = mm.InvalidFrame
	}

	return alloc
}

// Table returns the frame table managed by the allocator.
func (alloc *BuddyAllocator) Table() *FrameTable {
	return alloc.table
}

// Page returns the descriptor of the supplied frame.
func (alloc *BuddyAllocator) Page(frame mm.Frame) *Page {
	return alloc.table.Page(frame)
}

// SetupForBase registers n contiguous reserved frames starting at base as a
// new zone and splits them into the largest possible zone-aligned blocks.
// It is a boot-time operation; handing it frames that are not reserved is a
// fatal error.
func (alloc *BuddyAllocator) SetupForBase(base mm.Frame, n uint64) {
	if n == 0 {
		return
	}

	if uint64(base)+n > alloc.table.Len() {
		panicFn(errOutOfTable)
		return
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for f := base; f < base+mm.Frame(n); f++ {
		if !alloc.table.Page(f).HasFlags(FlagReserved) {
			panicFn(errNotReserved, alloc)
			return
		}
	}

	if len(alloc.zones) > int(^uint16(0)) {
		panicFn(errTooManyZones)
		return
	}

	z := zone{id: uint16(len(alloc.zones)), base: base, length: n}
	alloc.zones = append(alloc.zones, z)

	for f := base; f < base+mm.Frame(n); f++ {
		page := alloc.table.Page(f)
		page.zoneID = z.id
		page.ClearFlags(FlagReserved)
		page.SetFlags(FlagFree)
	}

	for idx := uint64(0); idx < n; {
		order := blockOrder(idx, n-idx)
		alloc.pushFree(z.base+mm.Frame(idx), order)
		idx += uint64(1) << order
	}
}

// Allocate reserves n contiguous frames and returns the first one. The
// request is served from a block of order ceil(log2(n)); frames beyond n are
// returned to the free lists right away.
func (alloc *BuddyAllocator) Allocate(n uint64) (mm.Frame, *kernel.Error) {
	return alloc.allocate(n, false)
}

// AllocateZeroed behaves like Allocate but also zero-fills every returned
// frame that has been handed out before. Frames that were never used since
// boot are known to be clean and are left untouched.
func (alloc *BuddyAllocator) AllocateZeroed(n uint64) (mm.Frame, *kernel.Error) {
	return alloc.allocate(n, true)
}

func (alloc *BuddyAllocator) allocate(n uint64, zero bool) (mm.Frame, *kernel.Error) {
	if n == 0 || n > uint64(1)<<MaxOrder {
		return mm.InvalidFrame, kernel.ErrInvalidParam
	}

	order := orderFor(n)

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	found := order
	for ; found <= MaxOrder && alloc.areas[found].count == 0; found++ {
	}
	if found > MaxOrder {
		return mm.InvalidFrame, ErrMemoryAlloc
	}

	block := alloc.areas[found].head
	alloc.removeFree(block, found)

	// Split the excess halves back into the lower order lists.
	for found > order {
		found--
		alloc.pushFree(block+mm.Frame(1)<<found, found)
	}

	for f := block; f < block+mm.Frame(1)<<order; f++ {
		page := alloc.table.Page(f)
		page.ClearFlags(FlagFree)
		if f >= block+mm.Frame(n) {
			continue
		}

		if zero && page.HasFlags(FlagDirty) && alloc.base != nil {
			kernel.Memset(unsafe.Add(alloc.base, f.Address()), 0, mm.PageSize)
		}
		page.SetFlags(FlagDirty)
	}

	if tail := (uint64(1) << order) - n; tail != 0 {
		alloc.free(block+mm.Frame(n), tail)
	}

	return block, nil
}

// SetBacking records the address at which physical frame 0 can be accessed.
// AllocateZeroed only clears memory once a backing has been set.
func (alloc *BuddyAllocator) SetBacking(base unsafe.Pointer) {
	alloc.base = base
}

// Free returns n contiguous frames starting at base. The range is split into
// zone-aligned blocks which are merged with their buddies while possible.
func (alloc *BuddyAllocator) Free(base mm.Frame, n uint64) {
	if n == 0 {
		return
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.free(base, n)
}

func (alloc *BuddyAllocator) free(base mm.Frame, n uint64) {
	if uint64(base)+n > alloc.table.Len() {
		panicFn(errOutOfTable)
		return
	}

	if alloc.table.Page(base).HasFlags(FlagReserved) {
		panicFn(errFreeReserved, alloc)
		return
	}

	z := alloc.zones[alloc.table.Page(base).zoneID]
	if base < z.base || uint64(base-z.base)+n > z.length {
		panicFn(errZoneOverflow, alloc)
		return
	}

	for f := base; f < base+mm.Frame(n); f++ {
		page := alloc.table.Page(f)
		switch {
		case page.HasFlags(FlagReserved):
			panicFn(errFreeReserved, alloc)
			return
		case page.HasFlags(FlagFree):
			panicFn(errDoubleFree, alloc)
			return
		case page.RefCount() != 0:
			panicFn(errFreeReferenced, alloc)
			return
		}

		page.ClearFlags(FlagSlab | FlagCompound)
		page.SetFlags(FlagFree)
		page.owner, page.count, page.private = 0, 0, 0
	}

	for idx := uint64(base - z.base); n != 0; {
		order := blockOrder(idx, n)
		alloc.mergeAndPush(z, idx, order)
		idx += uint64(1) << order
		n -= uint64(1) << order
	}
}

// mergeAndPush inserts the block at zone index idx, merging it with its
// buddy for as long as the buddy is a free block of the same order.
func (alloc *BuddyAllocator) mergeAndPush(z zone, idx uint64, order uint8) {
	for order < MaxOrder {
		buddyIdx := idx ^ (uint64(1) << order)
		if buddyIdx+(uint64(1)<<order) > z.length {
			break
		}

		buddy := z.base + mm.Frame(buddyIdx)
		page := alloc.table.Page(buddy)
		if !page.HasFlags(FlagFreeHead) || page.HasFlags(FlagReserved) || page.order != order {
			break
		}

		alloc.removeFree(buddy, order)
		idx &= buddyIdx
		order++
	}

	alloc.pushFree(z.base+mm.Frame(idx), order)
}

// FreeCount returns the number of free frames.
func (alloc *BuddyAllocator) FreeCount() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var total uint64
	for order := range alloc.areas {
		total += alloc.areas[order].count << order
	}

	return total
}

// FreeAreas returns a snapshot of the free area lists.
func (alloc *BuddyAllocator) FreeAreas() []FreeArea {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	out := make([]FreeArea, len(alloc.areas))
	for order := range alloc.areas {
		out[order] = FreeArea{Order: uint8(order), Blocks: alloc.areas[order].count}
	}

	return out
}

// Zones returns a snapshot of the registered zones.
func (alloc *BuddyAllocator) Zones() []Zone {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	out := make([]Zone, 0, len(alloc.zones))
	for _, z := range alloc.zones {
		out = append(out, Zone{ID: z.id, Base: z.base, Length: z.length})
	}

	return out
}

// AllocFrames implements mm.FrameAllocator.
func (alloc *BuddyAllocator) AllocFrames(n uint64) (mm.Frame, *kernel.Error) {
	return alloc.Allocate(n)
}

// FreeFrames implements mm.FrameAllocator.
func (alloc *BuddyAllocator) FreeFrames(base mm.Frame, n uint64) {
	alloc.Free(base, n)
}

// IncRef increments the reference count of frame.
func (alloc *BuddyAllocator) IncRef(frame mm.Frame) uint32 {
	return atomic.AddUint32(&alloc.table.Page(frame).refCount, 1)
}

// DecRef decrements the reference count of frame. Dropping the count below
// zero is a fatal error.
func (alloc *BuddyAllocator) DecRef(frame mm.Frame) uint32 {
	page := alloc.table.Page(frame)
	for {
		cur := atomic.LoadUint32(&page.refCount)
		if cur == 0 {
			panicFn(errRefUnderflow)
			return 0
		}

		if atomic.CompareAndSwapUint32(&page.refCount, cur, cur-1) {
			return cur - 1
		}
	}
}

// RefCount returns the reference count of frame.
func (alloc *BuddyAllocator) RefCount(frame mm.Frame) uint32 {
	return alloc.table.Page(frame).RefCount()
}

func (alloc *BuddyAllocator) pushFree(block mm.Frame, order uint8) {
	page := alloc.table.Page(block)
	page.SetFlags(FlagFreeHead)
	page.order = order
	page.prev = mm.InvalidFrame
	page.next = alloc.areas[order].head

	if page.next != mm.InvalidFrame {
		alloc.table.Page(page.next).prev = block
	}

	alloc.areas[order].head = block
	alloc.areas[order].count++
}

func (alloc *BuddyAllocator) removeFree(block mm.Frame, order uint8) {
	page := alloc.table.Page(block)
	if page.prev != mm.InvalidFrame {
		alloc.table.Page(page.prev).next = page.next
	} else {
		alloc.areas[order].head = page.next
	}

	if page.next != mm.InvalidFrame {
		alloc.table.Page(page.next).prev = page.prev
	}

	page.ClearFlags(FlagFreeHead)
	page.prev, page.next, page.order = mm.InvalidFrame, mm.InvalidFrame, 0
	alloc.areas[order].count--
}

// orderFor returns ceil(log2(n)).
func orderFor(n uint64) uint8 {
	if n <= 1 {
		return 0
	}

	return uint8(bits.Len64(n - 1))
}

// blockOrder returns the order of the largest block that starts at zone
// index idx, is aligned to its own size and fits in the remaining frames.
func blockOrder(idx, remaining uint64) uint8 {
	order := uint8(bits.Len64(remaining) - 1)
	if idx != 0 {
		if align := uint8(bits.TrailingZeros64(idx)); align < order {
			order = align
		}
	}

	if order > MaxOrder {
		order = MaxOrder
	}

	return order
}
