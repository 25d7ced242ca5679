// Package memory assembles the memory manager: the physical arena, the
// frame allocator, the slab caches, the page table cache, the kernel heap
// and the address spaces built on top of them.
package memory

import (
	"io"
	"sort"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/config"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/kheap"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/metrics"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/physmem"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/pmm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/slab"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/vmm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/sync"
)

var (
	// ErrShutdown is returned by operations on a subsystem that has been
	// shut down.
	ErrShutdown = &kernel.Error{Module: "memory", Message: "memory subsystem is shut down"}

	errUnknownSpace = &kernel.Error{Module: "memory", Message: "address space does not belong to this subsystem"}

	log = kfmt.Logger("memory")
)

// Subsystem owns every memory manager component. All state that a kernel
// would keep in globals hangs off a Subsystem so that several independent
// instances can coexist.
type Subsystem struct {
	cfg *config.Config

	arena    *physmem.Arena
	frames   *pmm.BuddyAllocator
	caches   *slab.Registry
	tables   *vmm.SlabTableAllocator
	heap     *kheap.Heap
	registry *prometheus.Registry

	lock   sync.IRQLock
	spaces map[uint64]*vmm.AddressSpace
	down   bool
}

// Stats is a snapshot of the memory manager state.
type Stats struct {
	TotalFrames uint64
	FreeFrames  uint64
	FreeAreas   []pmm.FreeArea
	Zones       []pmm.Zone
	Caches      []slab.CacheStats
	Heap        kheap.Stats
	Spaces      int
}

// Boot brings the memory manager up according to cfg. Components are
// created bottom-up; a failure tears down what was already built.
func Boot(cfg *config.Config) (*Subsystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid memory configuration")
	}

	if err := kfmt.SetLogLevel(cfg.Log.Level); err != nil {
		return nil, errors.Wrap(err, "invalid log level")
	}

	arena, kerr := physmem.New(mm.Size(cfg.ArenaSize))
	if kerr != nil {
		return nil, errors.Wrap(kerr, "failed to map physical memory arena")
	}

	s := &Subsystem{
		cfg:    cfg,
		arena:  arena,
		lock:   sync.IRQLock{Name: "memory"},
		spaces: make(map[uint64]*vmm.AddressSpace),
	}

	if err := s.init(); err != nil {
		_ = arena.Close()
		return nil, err
	}

	log.WithField("arena", mm.Size(cfg.ArenaSize)).Infof("memory manager ready: %d of %d frames free", s.frames.FreeCount(), s.frames.Table().Len())
	return s, nil
}

func (s *Subsystem) init() error {
	var kerr *kernel.Error

	if s.frames, kerr = pmm.Init(s.arena, s.cfg.MemoryMapEntries(), s.cfg.ReservedRanges()); kerr != nil {
		return errors.Wrap(kerr, "failed to initialize frame allocator")
	}

	s.caches = slab.NewRegistry(s.frames, s.arena)
	if s.tables, kerr = vmm.NewSlabTableAllocator(s.caches, s.arena); kerr != nil {
		return errors.Wrap(kerr, "failed to create page table cache")
	}

	if s.heap, kerr = kheap.New(s.frames, s.arena, s.caches, s.cfg.Heap.MinShift, s.cfg.Heap.MaxShift); kerr != nil {
		return errors.Wrap(kerr, "failed to create kernel heap")
	}

	if s.cfg.Metrics.Enabled {
		s.registry = prometheus.NewRegistry()
		if err := s.registry.Register(metrics.NewCollector(s.frames, s.caches, s.Spaces)); err != nil {
			return errors.Wrap(err, "failed to register memory metrics")
		}
	}

	return nil
}

// Config returns the configuration the subsystem was booted with.
func (s *Subsystem) Config() *config.Config {
	return s.cfg
}

// Arena returns the physical memory arena.
func (s *Subsystem) Arena() *physmem.Arena {
	return s.arena
}

// Frames returns the frame allocator.
func (s *Subsystem) Frames() *pmm.BuddyAllocator {
	return s.frames
}

// Caches returns the slab cache registry.
func (s *Subsystem) Caches() *slab.Registry {
	return s.caches
}

// Heap returns the kernel heap.
func (s *Subsystem) Heap() *kheap.Heap {
	return s.heap
}

// Gatherer returns the metrics registry, or nil when metrics are disabled.
func (s *Subsystem) Gatherer() prometheus.Gatherer {
	if s.registry == nil {
		return nil
	}

	return s.registry
}

// Kmalloc allocates size bytes from the kernel heap.
func (s *Subsystem) Kmalloc(size uintptr, flags kheap.Flag) unsafe.Pointer {
	return s.heap.Kmalloc(size, flags)
}

// Kfree releases memory obtained from Kmalloc.
func (s *Subsystem) Kfree(ptr unsafe.Pointer) {
	s.heap.Kfree(ptr)
}

// NewAddressSpace creates an empty address space tracked by the subsystem.
func (s *Subsystem) NewAddressSpace() (*vmm.AddressSpace, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.down {
		return nil, ErrShutdown
	}

	as, err := vmm.New(s.frames, s.tables)
	if err != nil {
		return nil, err
	}

	s.spaces[as.ID()] = as
	return as, nil
}

// Duplicate copies as into a new tracked address space that shares its
// frames.
func (s *Subsystem) Duplicate(as *vmm.AddressSpace) (*vmm.AddressSpace, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.down {
		return nil, ErrShutdown
	}
	if s.spaces[as.ID()] != as {
		return nil, errUnknownSpace
	}

	dup, err := as.Duplicate()
	if err != nil {
		return nil, err
	}

	s.spaces[dup.ID()] = dup
	return dup, nil
}

// DestroyAddressSpace releases as and stops tracking it.
func (s *Subsystem) DestroyAddressSpace(as *vmm.AddressSpace) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.spaces[as.ID()] != as {
		return errUnknownSpace
	}

	delete(s.spaces, as.ID())
	as.Destroy()
	return nil
}

// Spaces returns the tracked address spaces ordered by id.
func (s *Subsystem) Spaces() []*vmm.AddressSpace {
	s.lock.Acquire()
	defer s.lock.Release()

	out := make([]*vmm.AddressSpace, 0, len(s.spaces))
	for _, as := range s.spaces {
		out = append(out, as)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })

	return out
}

// HandleFault resolves a page fault raised while as was active.
func (s *Subsystem) HandleFault(as *vmm.AddressSpace, addr uintptr, bits vmm.FaultBits) *kernel.Error {
	err := as.HandleFault(addr, bits)
	if err != nil {
		log.WithField("space", as.ID()).Warnf("page fault at 0x%x (%s) not resolved: %s", addr, bits, err.Message)
	}

	return err
}

// Reap returns the memory held by empty slabs to the frame allocator.
func (s *Subsystem) Reap() int {
	return s.caches.Reap()
}

// Stats returns a snapshot of the memory manager state.
func (s *Subsystem) Stats() Stats {
	st := Stats{
		TotalFrames: s.frames.Table().Len(),
		FreeFrames:  s.frames.FreeCount(),
		FreeAreas:   s.frames.FreeAreas(),
		Zones:       s.frames.Zones(),
		Caches:      s.caches.Stats(),
		Heap:        s.heap.Stats(),
	}

	s.lock.Acquire()
	st.Spaces = len(s.spaces)
	s.lock.Release()

	return st
}

// CheckInvariants verifies every component. Violations are fatal.
func (s *Subsystem) CheckInvariants() {
	s.frames.CheckInvariants()
	s.caches.CheckInvariants()
	for _, as := range s.Spaces() {
		as.CheckInvariants()
	}
}

// Report writes a human readable summary of the memory manager state to w.
func (s *Subsystem) Report(w io.Writer) {
	st := s.Stats()

	kfmt.Fprintf(w, "frames: %d free of %d (%s free)\n", st.FreeFrames, st.TotalFrames, mm.Size(st.FreeFrames<<mm.PageShift))

	kfmt.Fprintf(w, "zones:\n")
	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("  ")}
	for _, z := range st.Zones {
		kfmt.Fprintf(pw, "zone %d: frames [%d - %d)\n", z.ID, z.Base, uint64(z.Base)+z.Length)
	}

	kfmt.Fprintf(w, "free areas:\n")
	for _, area := range st.FreeAreas {
		kfmt.Fprintf(pw, "order %2d: %d blocks\n", area.Order, area.Blocks)
	}

	kfmt.Fprintf(w, "caches:\n")
	for _, c := range st.Caches {
		kfmt.Fprintf(pw, "%-14s obj %5d, %3d/slab, slabs %d/%d/%d (full/partial/free), objects %d/%d\n",
			c.Name, c.ObjSize, c.ObjsPerSlab, c.FullSlabs, c.PartialSlabs, c.FreeSlabs, c.ObjectsInUse, c.TotalObjects)
	}

	kfmt.Fprintf(w, "large allocations: %d (%d frames)\n", st.Heap.LargeAllocs, st.Heap.LargeFrames)
	kfmt.Fprintf(w, "address spaces: %d\n", st.Spaces)
}

// Shutdown destroys every tracked address space and releases the arena.
// Memory handed out by the subsystem must not be used afterwards.
func (s *Subsystem) Shutdown() error {
	s.lock.Acquire()
	if s.down {
		s.lock.Release()
		return nil
	}
	s.down = true
	spaces := s.spaces
	s.spaces = make(map[uint64]*vmm.AddressSpace)
	s.lock.Release()

	for _, as := range spaces {
		as.Destroy()
	}

	if err := s.arena.Close(); err != nil {
		return errors.Wrap(err, "failed to release physical memory arena")
	}

	log.Info("memory manager shut down")
	return nil
}
