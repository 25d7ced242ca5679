package pmm

import (
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
)

var (
	errFreeListCorrupted = &kernel.Error{Module: "pmm", Message: "free area list corrupted"}
	errFreeCountMismatch = &kernel.Error{Module: "pmm", Message: "free area count does not match its list"}
	errOrphanFreeHead    = &kernel.Error{Module: "pmm", Message: "free block head missing from its free area list"}
)

// CheckInvariants walks every free area list and verifies that each block
// head is flagged as such, carries the order of its list, spans only free,
// unreserved frames and appears in exactly one list. Any violation is fatal.
func (alloc *BuddyAllocator) CheckInvariants() {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	seen := make(map[mm.Frame]struct{})
	for order := range alloc.areas {
		var (
			count uint64
			prev  = mm.InvalidFrame
		)

		for f := alloc.areas[order].head; f != mm.InvalidFrame; f = alloc.table.Page(f).next {
			page := alloc.table.Page(f)
			if page == nil || !page.HasFlags(FlagFreeHead) || page.order != uint8(order) || page.prev != prev {
				panicFn(errFreeListCorrupted, alloc)
				return
			}

			if _, dup := seen[f]; dup {
				panicFn(errFreeListCorrupted, alloc)
				return
			}
			seen[f] = struct{}{}

			for b := f; b < f+mm.Frame(1)<<order; b++ {
				bp := alloc.table.Page(b)
				if bp == nil || bp.HasFlags(FlagReserved) || !bp.HasFlags(FlagFree) || bp.zoneID != page.zoneID {
					panicFn(errFreeListCorrupted, alloc)
					return
				}
			}

			prev = f
			count++
		}

		if count != alloc.areas[order].count {
			panicFn(errFreeCountMismatch, alloc)
			return
		}
	}

	for i := range alloc.table.pages {
		if alloc.table.pages[i].HasFlags(FlagFreeHead) {
			if _, ok := seen[mm.Frame(i)]; !ok {
				panicFn(errOrphanFreeHead, alloc)
				return
			}
		}
	}
}

// Dump writes the zone table and the free area lists to w. It implements
// kfmt.Diagnoser and does not take the allocator lock.
func (alloc *BuddyAllocator) Dump(w *kfmt.PrefixWriter) {
	kfmt.Fprintf(w, "buddy allocator: %d frames, %d zones\n", alloc.table.Len(), len(alloc.zones))
	for _, z := range alloc.zones {
		kfmt.Fprintf(w, "zone %d: frames [%d - %d)\n", z.id, z.base, uint64(z.base)+z.length)
	}

	for order := range alloc.areas {
		if alloc.areas[order].count == 0 {
			continue
		}

		kfmt.Fprintf(w, "order %2d: %d blocks, head frame %d\n", order, alloc.areas[order].count, alloc.areas[order].head)
	}
}
