package vmm

import (
	"unsafe"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/physmem"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/slab"
)

// TableCacheName is the name of the slab cache that holds page tables.
const TableCacheName = "pgtable"

// TableAllocator provides frame-aligned, zeroed memory for page tables and
// the physical-to-virtual translation needed to follow table entries.
type TableAllocator interface {
	// AllocTable returns the physical address of a zeroed table.
	AllocTable() (uintptr, *kernel.Error)

	// FreeTable releases a table obtained from AllocTable.
	FreeTable(physAddr uintptr)

	// TablePtr returns a pointer through which the memory at physAddr
	// can be accessed.
	TablePtr(physAddr uintptr) unsafe.Pointer
}

// SlabTableAllocator serves page tables from a FlagAlign4K slab cache.
type SlabTableAllocator struct {
	cache *slab.Cache
	arena *physmem.Arena
}

// NewSlabTableAllocator creates the page table cache in registry.
func NewSlabTableAllocator(registry *slab.Registry, arena *physmem.Arena) (*SlabTableAllocator, *kernel.Error) {
	cache, err := registry.Create(TableCacheName, mm.PageSize, mm.PageSize, nil, nil, slab.FlagAlign4K)
	if err != nil {
		return nil, err
	}

	return &SlabTableAllocator{cache: cache, arena: arena}, nil
}

// AllocTable implements TableAllocator.
func (a *SlabTableAllocator) AllocTable() (uintptr, *kernel.Error) {
	ptr, err := a.cache.Alloc()
	if err != nil {
		return 0, err
	}

	kernel.Memset(ptr, 0, mm.PageSize)
	return a.arena.PhysFor(ptr)
}

// FreeTable implements TableAllocator.
func (a *SlabTableAllocator) FreeTable(physAddr uintptr) {
	a.cache.Free(a.arena.Ptr(physAddr))
}

// TablePtr implements TableAllocator.
func (a *SlabTableAllocator) TablePtr(physAddr uintptr) unsafe.Pointer {
	return a.arena.Ptr(physAddr)
}

// Cache returns the slab cache backing the allocator.
func (a *SlabTableAllocator) Cache() *slab.Cache {
	return a.cache
}
