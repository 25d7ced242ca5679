package vmm

import (
	"strings"
	"sync/atomic"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
)

// FaultBits is the error code pushed by the CPU on a page fault.
type FaultBits uint32

const (
	// FaultPresent is set when the fault was a protection violation on a
	// present page.
	FaultPresent FaultBits = 1 << iota

	// FaultWrite is set when the faulting access was a write.
	FaultWrite

	// FaultUser is set when the fault happened in user mode.
	FaultUser

	// FaultReserved is set when a page table entry has a reserved bit set.
	FaultReserved

	// FaultFetch is set when the fault was caused by an instruction fetch.
	FaultFetch
)

// String describes the fault reason.
func (b FaultBits) String() string {
	var parts []string
	switch {
	case b&(FaultPresent|FaultWrite) == 0:
		parts = append(parts, "read from non-present page")
	case b&(FaultPresent|FaultWrite) == FaultPresent:
		parts = append(parts, "page protection violation (read)")
	case b&(FaultPresent|FaultWrite) == FaultWrite:
		parts = append(parts, "write to non-present page")
	default:
		parts = append(parts, "page protection violation (write)")
	}

	if b&FaultUser != 0 {
		parts = append(parts, "page-fault in user-mode")
	}
	if b&FaultReserved != 0 {
		parts = append(parts, "page table has reserved bit set")
	}
	if b&FaultFetch != 0 {
		parts = append(parts, "instruction fetch")
	}

	return strings.Join(parts, ", ")
}

// zeroingAllocator is implemented by frame allocators that can hand out
// zero-filled frames.
type zeroingAllocator interface {
	AllocateZeroed(n uint64) (mm.Frame, *kernel.Error)
}

// HandleFault resolves a page fault at addr. If a segment covers addr and
// permits the access, the large page containing addr is backed by a fresh
// frame block. It returns ErrVMANotFound if no segment covers addr and
// ErrPageNotPresent if the access violates the segment flags. Faults on
// pages that are already mapped with sufficient rights succeed without
// side effects.
func (as *AddressSpace) HandleFault(addr uintptr, bits FaultBits) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	err := as.handleFaultLocked(addr, bits)
	if err != nil {
		log.WithField("space", as.id).Debugf("unresolved page fault at 0x%x: %s: %s", addr, bits, err.Message)
	}

	return err
}

func (as *AddressSpace) handleFaultLocked(addr uintptr, bits FaultBits) *kernel.Error {
	seg := as.find(addr)
	if seg == nil {
		return ErrVMANotFound
	}

	switch {
	case bits&FaultReserved != 0,
		seg.Flags&SegStackGuard != 0,
		bits&FaultWrite != 0 && seg.Flags&SegWrite == 0,
		bits&FaultFetch != 0 && seg.Flags&SegExec == 0,
		bits&(FaultWrite|FaultFetch) == 0 && seg.Flags&(SegRead|SegWrite|SegExec) == 0:
		return ErrPageNotPresent
	}

	va := mm.LargePageAlignDown(addr)
	pte, err := as.pt.lookup(va, false, 0)
	if err == nil && pte.HasFlags(FlagPresent) {
		// A large page may be shared by segments with different rights;
		// widen the mapping when a writable segment writes to it.
		if bits&FaultWrite != 0 && !pte.HasFlags(FlagRW) {
			pte.SetFlags(FlagRW)
			if as.pt.Active() {
				flushTLBEntryFn(va)
			}
		}
		if bits&FaultFetch != 0 && pte.HasFlags(FlagNoExecute) {
			pte.ClearFlags(FlagNoExecute)
			if as.pt.Active() {
				flushTLBEntryFn(va)
			}
		}
		return nil
	}

	return as.back(seg, va)
}

// back maps a fresh frame block at the large page va using the permissions
// of seg. Pages that are already mapped are left untouched.
func (as *AddressSpace) back(seg *Segment, va uintptr) *kernel.Error {
	if _, _, mapped := as.pt.Lookup(va); mapped {
		return nil
	}

	var (
		frame mm.Frame
		err   *kernel.Error
	)
	if z, ok := as.frames.(zeroingAllocator); ok {
		frame, err = z.AllocateZeroed(mm.FramesPerLargePage)
	} else {
		frame, err = as.frames.AllocFrames(mm.FramesPerLargePage)
	}
	if err != nil {
		return err
	}

	if err = as.pt.MapRange(va, frame.Address(), mm.LargePageSize, seg.pteFlags()); err != nil {
		as.frames.FreeFrames(frame, mm.FramesPerLargePage)
		return err
	}

	atomic.AddUint64(&as.faults, 1)
	return nil
}
