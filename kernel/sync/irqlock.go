package sync

import (
	"sync/atomic"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/cpu"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
)

var (
	// the following functions are mocked by tests.
	pushCLIFn = cpu.PushCLI
	popCLIFn  = cpu.PopCLI
	cpuIDFn   = cpu.ID
	panicFn   = kfmt.Panic

	errRecursiveAcquire = &kernel.Error{Module: "sync", Message: "lock already held by the current thread"}
	errReleaseNotHeld   = &kernel.Error{Module: "sync", Message: "release of a lock not held by the current thread"}
)

// IRQLock is a spinlock that keeps interrupts disabled on the acquiring
// thread for as long as it is held. It is safe to use from code that is
// reachable from interrupt context, such as frame allocation and page fault
// resolution.
//
// Interrupt disabling nests, so a thread may hold several IRQLocks at once.
// Acquiring the same IRQLock twice from one thread would spin forever with
// interrupts off; it is detected and treated as a fatal error.
type IRQLock struct {
	// Name identifies the lock in diagnostics.
	Name string

	lock Spinlock

	// owner is the id of the holding thread plus one; 0 means free.
	owner int64
}

// Acquire disables interrupts and blocks until the lock is acquired.
func (l *IRQLock) Acquire() {
	pushCLIFn()
	if l.Holding() {
		popCLIFn()
		panicFn(errRecursiveAcquire)
		return
	}

	l.lock.Acquire()
	atomic.StoreInt64(&l.owner, cpuIDFn()+1)
}

// Release relinquishes the lock and restores the interrupt state that was
// active before the matching Acquire. Releasing a lock that the calling
// thread does not hold is fatal.
func (l *IRQLock) Release() {
	if !l.Holding() {
		panicFn(errReleaseNotHeld)
		return
	}

	atomic.StoreInt64(&l.owner, 0)
	l.lock.Release()
	popCLIFn()
}

// Holding returns true if the calling thread holds the lock.
func (l *IRQLock) Holding() bool {
	return atomic.LoadInt64(&l.owner) == cpuIDFn()+1
}
