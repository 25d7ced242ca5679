package vmm

import (
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
)

// Rights are the access bits carried by a SharedRegion.
type Rights uint8

const (
	// RightRead allows the receiver to read the region.
	RightRead Rights = 1 << iota

	// RightWrite allows the receiver to write the region.
	RightWrite

	// RightExec allows the receiver to execute from the region.
	RightExec
)

// SharedRegion describes a virtual range and the rights that come with it
// when it is shared with another address space.
type SharedRegion struct {
	Base   uintptr
	Size   uintptr
	Rights Rights
}

func (r Rights) segmentFlags() SegmentFlag {
	flags := SegShared
	if r&RightRead != 0 {
		flags |= SegRead
	}
	if r&RightWrite != 0 {
		flags |= SegWrite
	}
	if r&RightExec != 0 {
		flags |= SegExec
	}

	return flags
}

func (r Rights) pteMask() PageTableEntryFlag {
	mask := FlagUserAccessible
	if r&RightWrite != 0 {
		mask |= FlagRW
	}
	if r&RightExec == 0 {
		mask |= FlagNoExecute
	}

	return mask
}

// MapFPage shares the pages of send with the address space to, at the
// location described by recv. The receiver gets a segment covering recv
// with rights derived from send, and every large page present in the sender
// is installed in the receiver; the sender keeps its mappings. If recv is
// already covered by receiver segments, the installed pages never carry more
// rights than those segments. A failed call leaves both spaces unchanged.
// Both bases must have the same offset within a large page and recv must be
// at least as large as send.
func (as *AddressSpace) MapFPage(to *AddressSpace, send, recv SharedRegion) *kernel.Error {
	if to == as {
		return ErrInvalidRange
	}

	unlock := lockPair(as, to)
	defer unlock()

	_, err := as.mapFPageLocked(to, send, recv)
	return err
}

// GrantFPage behaves like MapFPage and then removes the shared range from
// the sender, transferring ownership of the pages to the receiver.
func (as *AddressSpace) GrantFPage(to *AddressSpace, send, recv SharedRegion) *kernel.Error {
	if to == as {
		return ErrInvalidRange
	}

	unlock := lockPair(as, to)
	defer unlock()

	end, err := as.mapFPageLocked(to, send, recv)
	if err != nil {
		return err
	}

	as.unmapLocked(send.Base, end, false)
	return nil
}

func (as *AddressSpace) mapFPageLocked(to *AddressSpace, send, recv SharedRegion) (uintptr, *kernel.Error) {
	sendEnd, err := checkRange(send.Base, send.Size)
	if err != nil {
		return 0, err
	}

	if recv.Size < send.Size || (send.Base-recv.Base)&(mm.LargePageSize-1) != 0 {
		return 0, ErrInvalidRange
	}

	recvEnd, err := checkRange(recv.Base, send.Size)
	if err != nil {
		return 0, err
	}

	if !as.covered(send.Base, sendEnd) {
		return 0, ErrVMANotFound
	}

	var inserted *Segment
	switch existing := to.intersecting(recv.Base, recvEnd); {
	case len(existing) == 0:
		inserted = &Segment{Start: recv.Base, End: recvEnd, Flags: send.Rights.segmentFlags()}
		to.insert(inserted)
	case !to.covered(recv.Base, recvEnd):
		return 0, ErrAlreadyExist
	}

	// Copied entries are large pages; they may not grant more than any
	// receiver segment sharing them allows.
	perm := send.Rights.pteMask()
	for _, s := range to.intersecting(mm.LargePageAlignDown(recv.Base), mm.LargePageAlignUp(recvEnd)) {
		perm = s.restrict(perm)
	}

	if err := as.pt.CopyRange(to.pt, send.Base, sendEnd, recv.Base, perm); err != nil {
		if inserted != nil {
			to.segments.Delete(inserted)
		}
		return 0, err
	}

	return sendEnd, nil
}
