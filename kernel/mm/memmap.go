package mm

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type, as reported by the boot loader.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// Usable returns true if the region can be handed to the frame allocator.
func (e MemoryMapEntry) Usable() bool {
	return e.Type == MemAvailable
}

// End returns the first physical address past the region.
func (e MemoryMapEntry) End() uint64 {
	return e.PhysAddress + e.Length
}

// MemRegionVisitor defies a visitor function that gets invoked by
// VisitMemRegions for each memory region. If the visitor returns false,
// the visit is aborted.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// VisitMemRegions invokes the supplied visitor for each memory region in
// the boot memory map. Entries with an unknown type are treated as
// reserved.
func VisitMemRegions(regions []MemoryMapEntry, visitor MemRegionVisitor) {
	for i := range regions {
		entry := regions[i]
		if entry.Type == 0 || entry.Type > MemNvs {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// PhysRange is a half-open physical address range.
type PhysRange struct {
	Base, Length uint64
}

// End returns the first address past the range.
func (r PhysRange) End() uint64 {
	return r.Base + r.Length
}
