// Package slab implements object caches that carve fixed-size objects out of
// frames obtained from the physical frame allocator.
//
// Each slab spans one frame (or framesPerAlignedSlab frames for caches
// created with FlagAlign4K) holding the objects followed by a bufctl array:
// an index-linked free list with one uint32 entry per object. Slab headers
// are kept by their cache in an index arena and referenced from the frame
// table, so an object pointer can be mapped back to its slab in O(1).
package slab

import (
	"unsafe"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/pmm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/sync"
)

// Flag customizes the layout of a cache.
type Flag uint32

const (
	// FlagAlign4K rounds objects up to the page size so that every object
	// is frame-aligned. Page table caches use it.
	FlagAlign4K Flag = 1 << iota
)

const (
	// bufctlSize is the per-object overhead of the on-slab free list.
	bufctlSize = uintptr(unsafe.Sizeof(uint32(0)))

	// bufctlEnd terminates a slab's free list.
	bufctlEnd = ^uint32(0)

	// framesPerAlignedSlab is the slab size of FlagAlign4K caches.
	framesPerAlignedSlab = 8

	defaultAlign = uintptr(8)
	noSlab       = int32(-1)
)

var (
	// ErrMemoryAlloc is returned when a cache cannot grow.
	ErrMemoryAlloc = kernel.ErrMemoryAlloc

	// panicFn is overridden by tests.
	panicFn = kfmt.Panic

	errForeignObject  = &kernel.Error{Module: "slab", Message: "object does not belong to this cache"}
	errMisalignedFree = &kernel.Error{Module: "slab", Message: "pointer does not address the start of an object"}
	errFreeOfFreeSlab = &kernel.Error{Module: "slab", Message: "free of an object in a slab without live objects"}
	errAccounting     = &kernel.Error{Module: "slab", Message: "slab accounting mismatch"}
	errCacheDestroyed = &kernel.Error{Module: "slab", Message: "use of a destroyed cache"}
	errObjectTooLarge = &kernel.Error{Module: "slab", Message: "object too large for an unaligned slab"}
	errZeroObjectSize = &kernel.Error{Module: "slab", Message: "object size must be non-zero"}
	errBadAlignment   = &kernel.Error{Module: "slab", Message: "alignment must be a power of two"}
	errDuplicateCache = &kernel.Error{Module: "slab", Message: "a cache with this name already exists"}
)

// Ctor initializes an object when its slab is formatted.
type Ctor func(obj unsafe.Pointer)

// Dtor tears down an object when its slab is destroyed.
type Dtor func(obj unsafe.Pointer)

type listID uint8

const (
	listFree listID = iota
	listPartial
	listFull
	listNone
)

var listNames = [...]string{"free", "partial", "full"}

type slabList struct {
	head  int32
	count int
}

type slab struct {
	frame    mm.Frame
	inuse    uint32
	nextFree uint32
	bufctl   []uint32

	list       listID
	prev, next int32
}

// Cache hands out objects of a single size.
type Cache struct {
	lock sync.IRQLock

	id            uint32
	name          string
	objSize       uintptr
	objsPerSlab   uint32
	framesPerSlab uint64
	flags         Flag
	ctor          Ctor
	dtor          Dtor

	registry *Registry

	slabs  []slab
	unused []int32
	lists  [listNone]slabList

	grows     uint64
	destroyed bool
}

// ID returns the cache id stored in the frame table for slab frames.
func (c *Cache) ID() uint32 { return c.id }

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// ObjSize returns the size of the objects handed out by the cache.
func (c *Cache) ObjSize() uintptr { return c.objSize }

// ObjsPerSlab returns the number of objects that fit in one slab.
func (c *Cache) ObjsPerSlab() uint32 { return c.objsPerSlab }

// FramesPerSlab returns the number of frames that make up one slab.
func (c *Cache) FramesPerSlab() uint64 { return c.framesPerSlab }

// Alloc returns a pointer to a free object, growing the cache by one slab if
// every slab is full. When the frame allocator is exhausted Alloc returns
// ErrMemoryAlloc.
func (c *Cache) Alloc() (unsafe.Pointer, *kernel.Error) {
	c.lock.Acquire()
	defer c.lock.Release()

	if c.destroyed {
		panicFn(errCacheDestroyed)
		return nil, errCacheDestroyed
	}

	idx := c.lists[listPartial].head
	if idx == noSlab {
		idx = c.lists[listFree].head
	}

	if idx == noSlab {
		var err *kernel.Error
		if idx, err = c.grow(); err != nil {
			return nil, err
		}
	}

	s := &c.slabs[idx]
	obj := s.nextFree
	s.nextFree = s.bufctl[obj]
	s.bufctl[obj] = bufctlEnd
	s.inuse++

	if s.inuse == c.objsPerSlab {
		c.move(idx, listFull)
	} else {
		c.move(idx, listPartial)
	}

	return c.objectPtr(s, obj), nil
}

// Free returns obj to the cache. Freeing an object that the cache did not
// hand out is a fatal error.
func (c *Cache) Free(obj unsafe.Pointer) {
	c.lock.Acquire()
	defer c.lock.Release()

	idx, slot, err := c.locate(obj)
	if err != nil {
		panicFn(err, c)
		return
	}

	s := &c.slabs[idx]
	if s.inuse == 0 {
		panicFn(errFreeOfFreeSlab, c)
		return
	}

	s.bufctl[slot] = s.nextFree
	s.nextFree = slot
	s.inuse--

	if s.inuse == 0 {
		c.move(idx, listFree)
	} else {
		c.move(idx, listPartial)
	}
}

// Owns returns true if obj lies in one of the cache's slabs.
func (c *Cache) Owns(obj unsafe.Pointer) bool {
	c.lock.Acquire()
	defer c.lock.Release()

	_, _, err := c.locate(obj)
	return err == nil
}

// Shrink releases every slab without live objects back to the frame
// allocator and returns the number of slabs released.
func (c *Cache) Shrink() int {
	c.lock.Acquire()
	defer c.lock.Release()

	released := 0
	for c.lists[listFree].head != noSlab {
		c.destroySlab(c.lists[listFree].head)
		released++
	}

	return released
}

// Destroy releases every slab regardless of occupancy and removes the cache
// from its registry. The caller guarantees that no object is still in use.
func (c *Cache) Destroy() {
	c.registry.remove(c)

	c.lock.Acquire()
	defer c.lock.Release()

	for list := listFree; list < listNone; list++ {
		for c.lists[list].head != noSlab {
			if s := &c.slabs[c.lists[list].head]; s.inuse != 0 {
				log.WithField("cache", c.name).Warnf("destroying slab at frame %d with %d live objects", s.frame, s.inuse)
			}
			c.destroySlab(c.lists[list].head)
		}
	}

	c.destroyed = true
}

// grow formats a new slab and files it in the free list.
func (c *Cache) grow() (int32, *kernel.Error) {
	frame, err := c.registry.frames.AllocFrames(c.framesPerSlab)
	if err != nil {
		return noSlab, ErrMemoryAlloc
	}

	var idx int32
	if n := len(c.unused); n != 0 {
		idx, c.unused = c.unused[n-1], c.unused[:n-1]
	} else {
		c.slabs = append(c.slabs, slab{})
		idx = int32(len(c.slabs) - 1)
	}

	s := &c.slabs[idx]
	*s = slab{frame: frame, list: listNone, prev: noSlab, next: noSlab}

	base := c.registry.arena.FramePtr(frame)
	if c.flags&FlagAlign4K != 0 {
		s.bufctl = make([]uint32, c.objsPerSlab)
	} else {
		s.bufctl = unsafe.Slice((*uint32)(unsafe.Add(base, uintptr(c.objsPerSlab)*c.objSize)), c.objsPerSlab)
	}

	for i := uint32(0); i < c.objsPerSlab; i++ {
		s.bufctl[i] = i + 1
	}
	s.bufctl[c.objsPerSlab-1] = bufctlEnd

	for f := frame; f < frame+mm.Frame(c.framesPerSlab); f++ {
		page := c.registry.frames.Page(f)
		page.SetFlags(pmm.FlagSlab)
		page.SetOwner(c.id)
		page.SetPrivate(uintptr(idx))
	}

	if c.ctor != nil {
		for i := uint32(0); i < c.objsPerSlab; i++ {
			c.ctor(c.objectPtr(s, i))
		}
	}

	c.grows++
	c.move(idx, listFree)
	return idx, nil
}

func (c *Cache) destroySlab(idx int32) {
	s := &c.slabs[idx]
	c.unlink(idx)

	if c.dtor != nil {
		for i := uint32(0); i < c.objsPerSlab; i++ {
			c.dtor(c.objectPtr(s, i))
		}
	}

	for f := s.frame; f < s.frame+mm.Frame(c.framesPerSlab); f++ {
		page := c.registry.frames.Page(f)
		page.ClearFlags(pmm.FlagSlab)
		page.SetOwner(0)
		page.SetPrivate(0)
	}

	c.registry.frames.FreeFrames(s.frame, c.framesPerSlab)
	*s = slab{list: listNone, prev: noSlab, next: noSlab}
	c.unused = append(c.unused, idx)
}

// locate maps obj to its slab index and object slot.
func (c *Cache) locate(obj unsafe.Pointer) (int32, uint32, *kernel.Error) {
	pa, err := c.registry.arena.PhysFor(obj)
	if err != nil {
		return noSlab, 0, errForeignObject
	}

	page := c.registry.frames.Page(mm.FrameFromAddress(pa))
	if page == nil || !page.HasFlags(pmm.FlagSlab) || page.Owner() != c.id {
		return noSlab, 0, errForeignObject
	}

	idx := int32(page.Private())
	if idx < 0 || int(idx) >= len(c.slabs) || c.slabs[idx].list == listNone {
		return noSlab, 0, errForeignObject
	}

	offset := pa - c.slabs[idx].frame.Address()
	if offset%c.objSize != 0 || offset/c.objSize >= uintptr(c.objsPerSlab) {
		return noSlab, 0, errMisalignedFree
	}

	return idx, uint32(offset / c.objSize), nil
}

func (c *Cache) objectPtr(s *slab, obj uint32) unsafe.Pointer {
	return unsafe.Add(c.registry.arena.FramePtr(s.frame), uintptr(obj)*c.objSize)
}

// move files slab idx into the supplied list.
func (c *Cache) move(idx int32, to listID) {
	if c.slabs[idx].list == to {
		return
	}

	c.unlink(idx)

	s := &c.slabs[idx]
	s.list, s.prev, s.next = to, noSlab, c.lists[to].head
	if s.next != noSlab {
		c.slabs[s.next].prev = idx
	}
	c.lists[to].head = idx
	c.lists[to].count++
}

func (c *Cache) unlink(idx int32) {
	s := &c.slabs[idx]
	if s.list == listNone {
		return
	}

	if s.prev != noSlab {
		c.slabs[s.prev].next = s.next
	} else {
		c.lists[s.list].head = s.next
	}

	if s.next != noSlab {
		c.slabs[s.next].prev = s.prev
	}

	c.lists[s.list].count--
	s.list, s.prev, s.next = listNone, noSlab, noSlab
}
