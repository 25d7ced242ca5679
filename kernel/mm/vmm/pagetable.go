package vmm

import (
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/cpu"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
)

var (
	// the following functions are mocked by tests.
	activePDTFn     = cpu.ActivePDT
	switchPDTFn     = cpu.SwitchPDT
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrRewrite is returned when a mapping would overwrite a present entry.
	ErrRewrite = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrPageNotPresent is returned when a virtual address is not mapped or
	// when an access violates the permissions of its segment.
	ErrPageNotPresent = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// PageTable is a hardware page table rooted at a PML4 table. Leaf mappings
// are 2Mb pages; every mapped page references the head frame of a
// FramesPerLargePage frame block whose reference count tracks the number
// of page tables mapping it.
type PageTable struct {
	root   uintptr
	tables TableAllocator
	frames mm.PhysicalAllocator
}

// NewPageTable allocates an empty top-level table.
func NewPageTable(tables TableAllocator, frames mm.PhysicalAllocator) (*PageTable, *kernel.Error) {
	root, err := tables.AllocTable()
	if err != nil {
		return nil, err
	}

	return &PageTable{root: root, tables: tables, frames: frames}, nil
}

// Root returns the physical address of the top-level table.
func (pt *PageTable) Root() uintptr {
	return pt.root
}

// Active returns true if this table is the one currently loaded by the CPU.
func (pt *PageTable) Active() bool {
	return activePDTFn() == pt.root
}

// Activate loads this table and flushes the TLB.
func (pt *PageTable) Activate() {
	switchPDTFn(pt.root)
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. The walk descends into the table pointed to by each non-leaf
// entry, so walkFn must return false for entries that are not present.
func (pt *PageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := pt.root
	for level := uint8(0); level < pageLevels; level++ {
		pte := pt.entryAt(tableAddr, level, virtAddr)
		if !walkFn(level, pte) || level == pageLevels-1 {
			return
		}

		tableAddr = pte.Frame().Address()
	}
}

// entryAt returns the entry of the table at tableAddr that covers virtAddr
// at the supplied level.
func (pt *PageTable) entryAt(tableAddr uintptr, level uint8, virtAddr uintptr) *pageTableEntry {
	entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
	return (*pageTableEntry)(pt.tables.TablePtr(tableAddr + (entryIndex << mm.PointerShift)))
}

// lookup returns the page directory entry for virtAddr. When create is set,
// missing intermediate tables are allocated and linked with
// FlagPresent|FlagUserAccessible|perm; otherwise ErrPageNotPresent is
// returned when a table is missing.
func (pt *PageTable) lookup(virtAddr uintptr, create bool, perm PageTableEntryFlag) (*pageTableEntry, *kernel.Error) {
	var (
		entry *pageTableEntry
		err   *kernel.Error
	)

	pt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			entry = pte
			return true
		}

		if pte.HasFlags(FlagPresent) {
			if create {
				pte.SetFlags(perm &^ FlagNoExecute)
			}
			return true
		}

		if !create {
			err = ErrPageNotPresent
			return false
		}

		var table uintptr
		if table, err = pt.tables.AllocTable(); err != nil {
			return false
		}

		*pte = 0
		pte.SetFrame(mm.FrameFromAddress(table))
		pte.SetFlags(FlagPresent | FlagUserAccessible | (perm &^ FlagNoExecute))
		return true
	})

	return entry, err
}

// MapRange maps the physical range starting at physAddr at virtual address
// virtAddr using 2Mb pages. Both addresses are rounded down to a large page
// and the length is rounded up. Every mapped frame block gets its reference
// count incremented. If an entry in the range is already present, MapRange
// stops and returns ErrRewrite.
func (pt *PageTable) MapRange(virtAddr, physAddr, length uintptr, perm PageTableEntryFlag) *kernel.Error {
	start := mm.LargePageAlignDown(virtAddr)
	end := mm.LargePageAlignUp(virtAddr + length)
	physAddr = mm.LargePageAlignDown(physAddr)

	for va := start; va < end; va, physAddr = va+mm.LargePageSize, physAddr+mm.LargePageSize {
		pte, err := pt.lookup(va, true, perm)
		if err != nil {
			return err
		}

		if pte.HasFlags(FlagPresent) {
			return ErrRewrite
		}

		frame := mm.FrameFromAddress(physAddr)
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent | FlagHugePage | FlagUserAccessible | perm)
		pt.frames.IncRef(frame)
	}

	return nil
}

// UnmapRange clears every present large page overlapping [start, end) and
// returns the number of pages it cleared. The TLB entry is invalidated when
// the table is active. Frame blocks whose reference count drops to zero are
// returned to the frame allocator.
func (pt *PageTable) UnmapRange(start, end uintptr) int {
	var (
		unmapped int
		active   = pt.Active()
	)

	pt.visit(pt.root, 0, start, end, func(va uintptr, pte *pageTableEntry) {
		frame := pte.Frame()
		*pte = 0
		if active {
			flushTLBEntryFn(va)
		}

		if pt.frames.DecRef(frame) == 0 {
			pt.frames.FreeFrames(frame, mm.FramesPerLargePage)
		}
		unmapped++
	})

	return unmapped
}

// visit calls fn for every present leaf entry of the table at tableAddr that
// overlaps [start, end), descending only into present tables.
func (pt *PageTable) visit(tableAddr uintptr, level uint8, start, end uintptr, fn func(va uintptr, pte *pageTableEntry)) {
	span := uintptr(1) << pageLevelShifts[level]
	for va := start &^ (span - 1); va < end; va += span {
		pte := pt.entryAt(tableAddr, level, va)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if level == pageLevels-1 {
			fn(va, pte)
			continue
		}

		lo, hi := va, va+span
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		pt.visit(pte.Frame().Address(), level+1, lo, hi, fn)
	}
}

// FreeRange unmaps [start, end) and releases every intermediate table that
// no longer holds any entry, bottom-up. The top-level table is kept.
func (pt *PageTable) FreeRange(start, end uintptr) int {
	unmapped := pt.UnmapRange(start, end)
	pt.pruneTables(pt.root, 0, start, end)
	return unmapped
}

// pruneTables visits the entries of the table at tableAddr that cover
// [start, end) and frees the child tables left empty.
func (pt *PageTable) pruneTables(tableAddr uintptr, level uint8, start, end uintptr) {
	span := uintptr(1) << pageLevelShifts[level]
	for va := start &^ (span - 1); va < end; va += span {
		pte := pt.entryAt(tableAddr, level, va)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		child := pte.Frame().Address()
		if level+1 < pageLevels-1 {
			lo, hi := va, va+span
			if lo < start {
				lo = start
			}
			if hi > end {
				hi = end
			}
			pt.pruneTables(child, level+1, lo, hi)
		}

		if pt.tableEmpty(child) {
			*pte = 0
			pt.tables.FreeTable(child)
		}
	}
}

func (pt *PageTable) tableEmpty(tableAddr uintptr) bool {
	for i := uintptr(0); i < entriesPerTable; i++ {
		if *(*pageTableEntry)(pt.tables.TablePtr(tableAddr + (i << mm.PointerShift))) != 0 {
			return false
		}
	}

	return true
}

// CopyRange installs every present large page of [start, end) into to at
// the same offset relative to dst, sharing the underlying frames. The RW and
// user permissions of each copied entry are masked with perm and FlagNoExecute
// in perm is added to every copy. Entries that are already present in the
// destination with the same frame are skipped; a different frame yields
// ErrRewrite. On failure every entry installed by the call is removed again
// and to is left as it was.
func (pt *PageTable) CopyRange(to *PageTable, start, end, dst uintptr, perm PageTableEntryFlag) *kernel.Error {
	var (
		err       *kernel.Error
		installed []uintptr
		delta     = mm.LargePageAlignDown(dst) - mm.LargePageAlignDown(start)
	)

	pt.visit(pt.root, 0, start, end, func(va uintptr, src *pageTableEntry) {
		if err != nil {
			return
		}

		srcPerm := src.Flags() & permMask & (perm | FlagNoExecute)
		srcPerm |= perm & FlagNoExecute

		var pte *pageTableEntry
		if pte, err = to.lookup(va+delta, true, srcPerm); err != nil {
			return
		}

		if pte.HasFlags(FlagPresent) {
			if pte.Frame() != src.Frame() {
				err = ErrRewrite
			}
			return
		}

		*pte = 0
		pte.SetFrame(src.Frame())
		pte.SetFlags(FlagPresent | FlagHugePage | FlagUserAccessible | srcPerm)
		to.frames.IncRef(src.Frame())
		installed = append(installed, va+delta)
	})

	if err != nil {
		for _, va := range installed {
			to.UnmapRange(va, va+mm.LargePageSize)
		}
		lo := mm.LargePageAlignDown(start) + delta
		to.pruneTables(to.root, 0, lo, mm.LargePageAlignUp(end)+delta)
	}

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrPageNotPresent if the virtual address is not mapped.
func (pt *PageTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pt.lookup(virtAddr, false, 0)
	if err != nil {
		return 0, err
	}

	if !pte.HasFlags(FlagPresent) {
		return 0, ErrPageNotPresent
	}

	return pte.Frame().Address() + (virtAddr & (mm.LargePageSize - 1)), nil
}

// Lookup returns the frame and flags of the large page mapping virtAddr.
func (pt *PageTable) Lookup(virtAddr uintptr) (mm.Frame, PageTableEntryFlag, bool) {
	pte, err := pt.lookup(virtAddr, false, 0)
	if err != nil || !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, 0, false
	}

	return pte.Frame(), pte.Flags(), true
}

// Destroy unmaps the whole user range, releases every table including the
// top-level one and leaves the PageTable unusable.
func (pt *PageTable) Destroy() {
	pt.FreeRange(0, UserTop)
	pt.tables.FreeTable(pt.root)
	pt.root = 0
}
