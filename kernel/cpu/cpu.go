// Package cpu exposes the processor-level primitives that the memory manager
// relies on: the interrupt enable flag, the nested interrupt-disable count,
// the active page directory table and TLB invalidation.
//
// The kernel runs one thread of control per CPU. When the kernel code runs
// hosted, every goroutine plays the role of one such thread and the state
// below is tracked per goroutine.
package cpu

import (
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
)

// NoPDT is reported by ActivePDT until the first SwitchPDT. It is never a
// valid table address.
const NoPDT = ^uintptr(0)

var (
	// idFn is used by tests to pin the identity of the running thread.
	idFn = goid.Get

	threads sync.Map

	activePDT = NoPDT

	tlbFlushes   uint64
	tlbFullFlush uint64

	// ErrHalted is the value raised by Halt when the kernel runs hosted.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "system halted"}

	errPopCLIEnabled    = &kernel.Error{Module: "cpu", Message: "popcli called with interrupts enabled"}
	errPopCLIUnbalanced = &kernel.Error{Module: "cpu", Message: "popcli called without a matching pushcli"}
)

// threadState mirrors the per-CPU fields used for nested interrupt
// disabling.
type threadState struct {
	interruptsOff bool

	// ncli is the depth of PushCLI nesting.
	ncli int

	// intena records whether interrupts were enabled before the
	// outermost PushCLI.
	intena bool
}

func current() *threadState {
	id := idFn()
	if st, ok := threads.Load(id); ok {
		return st.(*threadState)
	}

	st, _ := threads.LoadOrStore(id, &threadState{})
	return st.(*threadState)
}

// forget drops the state of the running thread once it is back to its
// default (interrupts on, no nesting).
func forget(st *threadState) {
	if st.ncli == 0 && !st.interruptsOff {
		threads.Delete(idFn())
	}
}

// ID returns the identifier of the running thread of control.
func ID() int64 {
	return idFn()
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	st := current()
	st.interruptsOff = false
	forget(st)
}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {
	current().interruptsOff = true
}

// InterruptsEnabled returns true if interrupt handling is enabled.
func InterruptsEnabled() bool {
	return !current().interruptsOff
}

// PushCLI disables interrupts and increments the nesting depth. Two PushCLI
// calls must be matched by two PopCLI calls before interrupts are restored.
// If interrupts were off before the outermost PushCLI they stay off.
func PushCLI() {
	st := current()
	enabled := !st.interruptsOff
	st.interruptsOff = true
	if st.ncli == 0 {
		st.intena = enabled
	}
	st.ncli++
}

// PopCLI undoes one PushCLI. Unbalanced calls are fatal.
func PopCLI() {
	st := current()
	if !st.interruptsOff {
		panic(errPopCLIEnabled)
	}

	if st.ncli--; st.ncli < 0 {
		st.ncli = 0
		panic(errPopCLIUnbalanced)
	}

	if st.ncli == 0 && st.intena {
		st.interruptsOff = false
		forget(st)
	}
}

// CLIDepth returns the PushCLI nesting depth of the running thread.
func CLIDepth() int {
	return current().ncli
}

// Halt stops instruction execution. When running hosted it raises ErrHalted
// so that the caller's goroutine unwinds.
func Halt() {
	panic(ErrHalted)
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	atomic.AddUint64(&tlbFlushes, 1)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	atomic.StoreUintptr(&activePDT, pdtPhysAddr)
	atomic.AddUint64(&tlbFullFlush, 1)
}

// ActivePDT returns the physical address of the currently active page table
// or NoPDT if none has been loaded.
func ActivePDT() uintptr {
	return atomic.LoadUintptr(&activePDT)
}

// TLBFlushCount returns the number of single-entry and full TLB flushes
// issued so far.
func TLBFlushCount() (entries, full uint64) {
	return atomic.LoadUint64(&tlbFlushes), atomic.LoadUint64(&tlbFullFlush)
}
