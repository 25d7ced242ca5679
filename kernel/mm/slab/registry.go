package slab

import (
	"unsafe"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/physmem"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/pmm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/sync"
)

var log = kfmt.Logger("slab")

// FrameSource supplies slab frames and gives access to their descriptors.
// It is satisfied by *pmm.BuddyAllocator.
type FrameSource interface {
	mm.FrameAllocator

	Page(frame mm.Frame) *pmm.Page
}

// Registry keeps track of every cache and maps slab frames back to the cache
// that owns them.
type Registry struct {
	lock sync.IRQLock

	frames FrameSource
	arena  *physmem.Arena

	caches map[uint32]*Cache
	order  []*Cache
	nextID uint32
}

// NewRegistry creates an empty cache registry drawing frames from frames.
// Slab memory is accessed through arena.
func NewRegistry(frames FrameSource, arena *physmem.Arena) *Registry {
	return &Registry{
		lock:   sync.IRQLock{Name: "slab-registry"},
		frames: frames,
		arena:  arena,
		caches: make(map[uint32]*Cache),
		nextID: 1,
	}
}

// Create registers a new cache for objects of objSize bytes aligned to align
// bytes (0 selects the default 8-byte alignment). The constructor runs once
// for every object when a slab is formatted and the destructor once for
// every object when a slab is destroyed.
func (r *Registry) Create(name string, objSize, align uintptr, ctor Ctor, dtor Dtor, flags Flag) (*Cache, *kernel.Error) {
	if objSize == 0 {
		return nil, errZeroObjectSize
	}

	if align == 0 {
		align = defaultAlign
	}
	if align&(align-1) != 0 {
		return nil, errBadAlignment
	}

	c := &Cache{
		name:          name,
		objSize:       (objSize + align - 1) &^ (align - 1),
		framesPerSlab: 1,
		flags:         flags,
		ctor:          ctor,
		dtor:          dtor,
		registry:      r,
	}

	if flags&FlagAlign4K != 0 {
		c.objSize = mm.PageAlignUp(c.objSize)
		c.framesPerSlab = framesPerAlignedSlab
		c.objsPerSlab = uint32((framesPerAlignedSlab * mm.PageSize) / c.objSize)
	} else {
		c.objsPerSlab = uint32(mm.PageSize / (c.objSize + bufctlSize))
	}

	if c.objsPerSlab == 0 {
		return nil, errObjectTooLarge
	}

	c.lock = sync.IRQLock{Name: "slab-" + name}
	for i := range c.lists {
		c.lists[i].head = noSlab
	}

	r.lock.Acquire()
	defer r.lock.Release()

	for _, other := range r.order {
		if other.name == name {
			return nil, errDuplicateCache
		}
	}

	c.id = r.nextID
	r.nextID++
	r.caches[c.id] = c
	r.order = append(r.order, c)

	log.WithField("cache", name).Debugf("created: %d byte objects, %d per slab, %d frames per slab", c.objSize, c.objsPerSlab, c.framesPerSlab)
	return c, nil
}

// Lookup returns the cache that owns the object pointed to by ptr or nil if
// ptr does not point into a slab.
func (r *Registry) Lookup(ptr unsafe.Pointer) *Cache {
	pa, err := r.arena.PhysFor(ptr)
	if err != nil {
		return nil
	}

	page := r.frames.Page(mm.FrameFromAddress(pa))
	if page == nil || !page.HasFlags(pmm.FlagSlab) {
		return nil
	}

	r.lock.Acquire()
	defer r.lock.Release()

	return r.caches[page.Owner()]
}

// Find returns the cache registered under name.
func (r *Registry) Find(name string) *Cache {
	r.lock.Acquire()
	defer r.lock.Release()

	for _, c := range r.order {
		if c.name == name {
			return c
		}
	}

	return nil
}

// Caches returns the registered caches in creation order.
func (r *Registry) Caches() []*Cache {
	r.lock.Acquire()
	defer r.lock.Release()

	return append([]*Cache(nil), r.order...)
}

// Reap shrinks every registered cache and returns the total number of slabs
// released.
func (r *Registry) Reap() int {
	released := 0
	for _, c := range r.Caches() {
		released += c.Shrink()
	}

	if released != 0 {
		log.Debugf("reaped %d slabs", released)
	}

	return released
}

// Stats returns the statistics of every registered cache.
func (r *Registry) Stats() []CacheStats {
	caches := r.Caches()
	out := make([]CacheStats, 0, len(caches))
	for _, c := range caches {
		out = append(out, c.Stats())
	}

	return out
}

// CheckInvariants verifies the accounting of every registered cache.
func (r *Registry) CheckInvariants() {
	for _, c := range r.Caches() {
		c.CheckInvariants()
	}
}

func (r *Registry) remove(c *Cache) {
	r.lock.Acquire()
	defer r.lock.Release()

	delete(r.caches, c.id)
	for i, other := range r.order {
		if other == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
