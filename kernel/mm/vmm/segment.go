package vmm

import "strings"

// SegmentFlag describes the access rights of a segment.
type SegmentFlag uint32

const (
	// SegRead allows reads from the segment.
	SegRead SegmentFlag = 1 << iota

	// SegWrite allows writes to the segment.
	SegWrite

	// SegExec allows instruction fetches from the segment.
	SegExec

	// SegShared marks segments established through MapFPage or GrantFPage.
	SegShared

	// SegStackGuard marks guard areas. Any access to them faults.
	SegStackGuard
)

// String implements fmt.Stringer for SegmentFlag.
func (f SegmentFlag) String() string {
	var b strings.Builder
	for i, c := range "rwxsg" {
		if f&(1<<uint(i)) != 0 {
			b.WriteRune(c)
		} else {
			b.WriteByte('-')
		}
	}

	return b.String()
}

// Segment is a page-aligned virtual address range [Start, End) with access
// flags, owned by one address space.
type Segment struct {
	Start uintptr
	End   uintptr
	Flags SegmentFlag

	parent *AddressSpace
}

// Len returns the segment length in bytes.
func (s *Segment) Len() uintptr {
	return s.End - s.Start
}

// Contains returns true if addr lies inside the segment.
func (s *Segment) Contains(addr uintptr) bool {
	return addr >= s.Start && addr < s.End
}

// Overlaps returns true if the segment intersects [start, end).
func (s *Segment) Overlaps(start, end uintptr) bool {
	return s.Start < end && start < s.End
}

// pteFlags returns the page table permissions matching the segment flags.
func (s *Segment) pteFlags() PageTableEntryFlag {
	var flags PageTableEntryFlag
	if s.Flags&SegWrite != 0 {
		flags |= FlagRW
	}
	if s.Flags&SegExec == 0 {
		flags |= FlagNoExecute
	}

	return flags
}

// restrict drops from perm the rights the segment does not grant.
func (s *Segment) restrict(perm PageTableEntryFlag) PageTableEntryFlag {
	if s.Flags&SegWrite == 0 {
		perm &^= FlagRW
	}
	if s.Flags&SegExec == 0 {
		perm |= FlagNoExecute
	}

	return perm
}

func segmentLess(a, b *Segment) bool {
	return a.Start < b.Start
}
