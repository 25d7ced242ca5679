package vmm

import (
	"sync/atomic"

	"github.com/google/btree"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/sync"
)

const btreeDegree = 8

var (
	// ErrAlreadyExist is returned when a new segment would overlap an
	// existing one.
	ErrAlreadyExist = &kernel.Error{Module: "vmm", Message: "address range overlaps an existing segment"}

	// ErrVMANotFound is returned when no segment covers an address.
	ErrVMANotFound = &kernel.Error{Module: "vmm", Message: "no segment covers the address"}

	// ErrInvalidRange is returned for unaligned, empty or out-of-range
	// requests.
	ErrInvalidRange = &kernel.Error{Module: "vmm", Message: "invalid address range"}

	// panicFn is overridden by tests.
	panicFn = kfmt.Panic

	errSegmentOverlap = &kernel.Error{Module: "vmm", Message: "segment list corrupted: overlapping segments"}
	errBadSegment     = &kernel.Error{Module: "vmm", Message: "segment list corrupted: malformed segment"}

	nextSpaceID uint64

	log = kfmt.Logger("vmm")
)

// AddressSpace owns a page table and the sorted set of segments describing
// which parts of it may be accessed. Mappings are installed lazily when a
// page fault hits a segment, or eagerly through AllocBacking.
type AddressSpace struct {
	lock sync.IRQLock

	id       uint64
	pt       *PageTable
	frames   mm.PhysicalAllocator
	segments *btree.BTreeG[*Segment]

	heapBegin, heap, heapEnd uintptr

	faults uint64
}

// New creates an empty address space.
func New(frames mm.PhysicalAllocator, tables TableAllocator) (*AddressSpace, *kernel.Error) {
	pt, err := NewPageTable(tables, frames)
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		lock:     sync.IRQLock{Name: "addr-space"},
		id:       atomic.AddUint64(&nextSpaceID, 1),
		pt:       pt,
		frames:   frames,
		segments: btree.NewG[*Segment](btreeDegree, segmentLess),
	}, nil
}

// ID returns the identity used to order locks between address spaces.
func (as *AddressSpace) ID() uint64 {
	return as.id
}

// PageTable returns the page table of the address space.
func (as *AddressSpace) PageTable() *PageTable {
	return as.pt
}

// Activate loads the page table of the address space.
func (as *AddressSpace) Activate() {
	as.pt.Activate()
}

// Map creates a segment covering [addr, addr+length) with the supplied flags.
// The length is rounded up to the page size; addr must be page aligned and
// the range must lie in the user portion of the address space. Map returns
// ErrAlreadyExist if the range overlaps an existing segment. No memory is
// mapped until the segment is accessed.
func (as *AddressSpace) Map(addr, length uintptr, flags SegmentFlag) *kernel.Error {
	end, err := checkRange(addr, length)
	if err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if len(as.intersecting(addr, end)) != 0 {
		return ErrAlreadyExist
	}

	as.insert(&Segment{Start: addr, End: end, Flags: flags})
	return nil
}

// Unmap removes [addr, addr+length) from the address space. Segments that
// partially overlap the range are trimmed, and a segment strictly containing
// the range is split in two. Every large page overlapping a removed extent
// is cleared from the page table. Unmapping a range without segments is a
// no-op.
func (as *AddressSpace) Unmap(addr, length uintptr) *kernel.Error {
	end, err := checkRange(addr, length)
	if err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	as.unmapLocked(addr, end, false)
	return nil
}

// Resize makes [addr, addr+length) a region with the supplied flags. The
// range is first unmapped; then the segment ending at addr is extended if
// its flags match, otherwise a new segment is created. Large pages still
// touched by surviving segments keep their backing.
func (as *AddressSpace) Resize(addr, length uintptr, flags SegmentFlag) *kernel.Error {
	end, err := checkRange(addr, length)
	if err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	as.resizeLocked(addr, end, flags)
	return nil
}

// FindSegment returns a copy of the segment containing addr.
func (as *AddressSpace) FindSegment(addr uintptr) (Segment, bool) {
	as.lock.Acquire()
	defer as.lock.Release()

	if s := as.find(addr); s != nil {
		return *s, true
	}

	return Segment{}, false
}

// Segments returns a copy of the segments in address order.
func (as *AddressSpace) Segments() []Segment {
	as.lock.Acquire()
	defer as.lock.Release()

	out := make([]Segment, 0, as.segments.Len())
	as.segments.Ascend(func(s *Segment) bool {
		out = append(out, Segment{Start: s.Start, End: s.End, Flags: s.Flags})
		return true
	})

	return out
}

// SegmentCount returns the number of segments.
func (as *AddressSpace) SegmentCount() int {
	as.lock.Acquire()
	defer as.lock.Release()

	return as.segments.Len()
}

// Duplicate creates a new address space with a copy of every segment. The
// page table entries are copied so that both spaces share the same frames
// until one of them unmaps them.
func (as *AddressSpace) Duplicate() (*AddressSpace, *kernel.Error) {
	dup, err := New(as.frames, as.pt.tables)
	if err != nil {
		return nil, err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	as.segments.Ascend(func(s *Segment) bool {
		dup.segments.ReplaceOrInsert(&Segment{Start: s.Start, End: s.End, Flags: s.Flags, parent: dup})
		err = as.pt.CopyRange(dup.pt, s.Start, s.End, s.Start, FlagRW|FlagUserAccessible)
		return err == nil
	})

	if err != nil {
		dup.Destroy()
		return nil, err
	}

	dup.heapBegin, dup.heap, dup.heapEnd = as.heapBegin, as.heap, as.heapEnd
	return dup, nil
}

// AllocBacking eagerly backs every large page of [addr, addr+length) with
// fresh frames. The whole range must be covered by segments.
func (as *AddressSpace) AllocBacking(addr, length uintptr) *kernel.Error {
	end, err := checkRange(addr, length)
	if err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	if !as.covered(addr, end) {
		return ErrVMANotFound
	}

	for va := mm.LargePageAlignDown(addr); va < end; va += mm.LargePageSize {
		lo := va
		if lo < addr {
			lo = addr
		}

		if err := as.back(as.find(lo), va); err != nil {
			return err
		}
	}

	return nil
}

// Translate returns the physical address backing addr.
func (as *AddressSpace) Translate(addr uintptr) (uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	return as.pt.Translate(addr)
}

// ResolvedFaults returns the number of page faults that installed a mapping.
func (as *AddressSpace) ResolvedFaults() uint64 {
	return atomic.LoadUint64(&as.faults)
}

// Destroy unmaps everything, releases the page table and drops all segments.
func (as *AddressSpace) Destroy() {
	as.lock.Acquire()
	defer as.lock.Release()

	as.pt.Destroy()
	as.segments.Clear(false)
	as.heapBegin, as.heap, as.heapEnd = 0, 0, 0
}

// CheckInvariants verifies that the segments are well formed, sorted and
// non-overlapping. Violations are fatal.
func (as *AddressSpace) CheckInvariants() {
	as.lock.Acquire()
	defer as.lock.Release()

	var prev *Segment
	as.segments.Ascend(func(s *Segment) bool {
		if s.Start >= s.End || s.Start&(mm.PageSize-1) != 0 || s.End&(mm.PageSize-1) != 0 || s.parent != as {
			panicFn(errBadSegment, as)
			return false
		}

		if prev != nil && prev.End > s.Start {
			panicFn(errSegmentOverlap, as)
			return false
		}

		prev = s
		return true
	})
}

// Dump writes the segment list to w. It implements kfmt.Diagnoser and does
// not take the address space lock.
func (as *AddressSpace) Dump(w *kfmt.PrefixWriter) {
	kfmt.Fprintf(w, "address space %d: page table at 0x%x, %d segments\n", as.id, as.pt.root, as.segments.Len())
	as.segments.Ascend(func(s *Segment) bool {
		kfmt.Fprintf(w, "[0x%16x - 0x%16x] %s\n", s.Start, s.End, s.Flags)
		return true
	})
}

// checkRange validates a user range and returns its page-aligned end.
func checkRange(addr, length uintptr) (uintptr, *kernel.Error) {
	if addr&(mm.PageSize-1) != 0 || length == 0 {
		return 0, ErrInvalidRange
	}

	end := mm.PageAlignUp(addr + length)
	if addr < UserBase || end > UserTop || end <= addr {
		return 0, ErrInvalidRange
	}

	return end, nil
}

// find returns the segment containing addr.
func (as *AddressSpace) find(addr uintptr) *Segment {
	var found *Segment
	as.segments.DescendLessOrEqual(&Segment{Start: addr}, func(s *Segment) bool {
		if s.Contains(addr) {
			found = s
		}
		return false
	})

	return found
}

// intersecting returns the segments overlapping [start, end) in address
// order.
func (as *AddressSpace) intersecting(start, end uintptr) []*Segment {
	var out []*Segment
	as.segments.DescendLessOrEqual(&Segment{Start: start}, func(s *Segment) bool {
		if s.End > start {
			out = append(out, s)
		}
		return false
	})

	as.segments.AscendRange(&Segment{Start: start + 1}, &Segment{Start: end}, func(s *Segment) bool {
		out = append(out, s)
		return true
	})

	return out
}

// covered returns true if every byte of [start, end) lies in a segment.
func (as *AddressSpace) covered(start, end uintptr) bool {
	next := start
	for _, s := range as.intersecting(start, end) {
		if s.Start > next {
			return false
		}
		next = s.End
	}

	return next >= end
}

// insert adds s to the segment set. Overlapping a neighbor means the set is
// corrupted and is fatal.
func (as *AddressSpace) insert(s *Segment) {
	s.parent = as

	as.segments.DescendLessOrEqual(s, func(prev *Segment) bool {
		if prev.End > s.Start {
			panicFn(errSegmentOverlap, as)
		}
		return false
	})

	as.segments.AscendGreaterOrEqual(s, func(next *Segment) bool {
		if s.End > next.Start {
			panicFn(errSegmentOverlap, as)
		}
		return false
	})

	as.segments.ReplaceOrInsert(s)
}

// unmapLocked removes [start, end) from the segment set and clears the large
// pages overlapping the removed extents. With keepShared set, large pages
// still touched by a remaining segment are left mapped.
func (as *AddressSpace) unmapLocked(start, end uintptr, keepShared bool) int {
	removed := as.intersecting(start, end)
	if len(removed) == 0 {
		return 0
	}

	for _, s := range removed {
		as.segments.Delete(s)
		if s.Start < start {
			as.insert(&Segment{Start: s.Start, End: start, Flags: s.Flags})
		}
		if s.End > end {
			as.insert(&Segment{Start: end, End: s.End, Flags: s.Flags})
		}
	}

	released := 0
	last := uintptr(0)
	for _, s := range removed {
		lo, hi := s.Start, s.End
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}

		for va := mm.LargePageAlignDown(lo); va < hi; va += mm.LargePageSize {
			if va < last {
				continue
			}
			last = va + mm.LargePageSize

			if keepShared && len(as.intersecting(va, va+mm.LargePageSize)) != 0 {
				continue
			}
			released += as.pt.UnmapRange(va, va+mm.LargePageSize)
		}
	}

	return released
}

func (as *AddressSpace) resizeLocked(start, end uintptr, flags SegmentFlag) {
	as.unmapLocked(start, end, true)

	var prev *Segment
	as.segments.DescendLessOrEqual(&Segment{Start: start}, func(s *Segment) bool {
		prev = s
		return false
	})

	if prev != nil && prev.End == start && prev.Flags == flags {
		prev.End = end
		return
	}

	as.insert(&Segment{Start: start, End: end, Flags: flags})
}

// lockPair acquires the locks of two distinct address spaces in id order.
func lockPair(a, b *AddressSpace) func() {
	first, second := a, b
	if first.id > second.id {
		first, second = second, first
	}

	first.lock.Acquire()
	second.lock.Acquire()
	return func() {
		second.lock.Release()
		first.lock.Release()
	}
}
