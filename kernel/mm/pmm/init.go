package pmm

import (
	"math/bits"
	"sort"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/physmem"
)

var (
	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "memory map contains no usable frames"}

	log = kfmt.Logger("pmm")
)

// Init builds the frame table for the supplied arena and seeds a buddy
// allocator with every usable frame reported by the memory map, minus the
// reserved ranges (boot modules, kernel image). Regions that extend past the
// arena are clipped.
func Init(arena *physmem.Arena, regions []mm.MemoryMapEntry, reserved []mm.PhysRange) (*BuddyAllocator, *kernel.Error) {
	alloc := NewBuddyAllocator(NewFrameTable(arena.Frames()))
	alloc.SetBacking(arena.Ptr(0))

	limit := uint64(arena.Size())
	holes := append([]mm.PhysRange(nil), reserved...)
	sort.Slice(holes, func(i, j int) bool { return holes[i].Base < holes[j].Base })

	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	mm.VisitMemRegions(regions, func(region *mm.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.End(), region.Length, region.Type.String())

		if !region.Usable() || region.PhysAddress >= limit {
			return true
		}

		end := region.End()
		if end > limit {
			log.WithField("region", region.PhysAddress).Warnf("clipping region end 0x%x to arena size 0x%x", end, limit)
			end = limit
		}

		for _, r := range subtract(mm.PhysRange{Base: region.PhysAddress, Length: end - region.PhysAddress}, holes) {
			first := mm.FrameFromAddress(mm.PageAlignUp(uintptr(r.Base)))
			last := mm.FrameFromAddress(mm.PageAlignDown(uintptr(r.End())))
			if last <= first {
				continue
			}

			alloc.setupAligned(first, last)
			totalFree += mm.Size(uint64(last-first) << mm.PageShift)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))

	if totalFree == 0 {
		return nil, errNoUsableMemory
	}

	log.WithField("zones", len(alloc.zones)).Infof("frame allocator ready: %d free frames of %d", alloc.FreeCount(), alloc.table.Len())
	return alloc, nil
}

// setupAligned registers the frames in [first, last) as one or more zones
// whose base frames are aligned to the size of the largest block they hold.
// Keeping zone-relative and physical alignment identical guarantees that
// every order-k block is physically aligned to 2^k frames.
func (alloc *BuddyAllocator) setupAligned(first, last mm.Frame) {
	for first < last {
		remaining := uint64(last - first)
		if first == 0 || bits.TrailingZeros64(uint64(first)) >= MaxOrder {
			alloc.SetupForBase(first, remaining)
			return
		}

		order := uint8(bits.TrailingZeros64(uint64(first)))
		if fit := uint8(bits.Len64(remaining) - 1); fit < order {
			order = fit
		}

		alloc.SetupForBase(first, uint64(1)<<order)
		first += mm.Frame(1) << order
	}
}

// subtract removes the sorted holes from r and returns what is left.
func subtract(r mm.PhysRange, holes []mm.PhysRange) []mm.PhysRange {
	var (
		out  []mm.PhysRange
		base = r.Base
		end  = r.End()
	)

	for _, h := range holes {
		if h.End() <= base || h.Base >= end {
			continue
		}

		if h.Base > base {
			out = append(out, mm.PhysRange{Base: base, Length: h.Base - base})
		}

		if h.End() > base {
			base = h.End()
		}
	}

	if base < end {
		out = append(out, mm.PhysRange{Base: base, Length: end - base})
	}

	return out
}
