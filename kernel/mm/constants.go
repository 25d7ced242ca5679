package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a frame number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes. It is the
	// bookkeeping granularity for physical frames and segments.
	PageSize = uintptr(1 << PageShift)

	// LargePageShift is equal to log2(LargePageSize).
	LargePageShift = uintptr(21)

	// LargePageSize is the size of a leaf hardware mapping. All user
	// mappings are installed at the page directory level.
	LargePageSize = uintptr(1 << LargePageShift)

	// LargePageOrder is the buddy order of a frame block backing one
	// large page.
	LargePageOrder = LargePageShift - PageShift

	// FramesPerLargePage is the number of frames backing a large page.
	FramesPerLargePage = uint64(1) << LargePageOrder
)

// PageAlignDown rounds addr down to the nearest page boundary.
func PageAlignDown(addr uintptr) uintptr {
	return addr &^ (PageSize - 1)
}

// PageAlignUp rounds addr up to the nearest page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}

// LargePageAlignDown rounds addr down to the nearest large page boundary.
func LargePageAlignDown(addr uintptr) uintptr {
	return addr &^ (LargePageSize - 1)
}

// LargePageAlignUp rounds addr up to the nearest large page boundary.
func LargePageAlignUp(addr uintptr) uintptr {
	return (addr + LargePageSize - 1) &^ (LargePageSize - 1)
}
