package slab

import "github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"

// CacheStats is a snapshot of a cache's occupancy.
type CacheStats struct {
	Name          string
	ObjSize       uintptr
	ObjsPerSlab   uint32
	FramesPerSlab uint64

	FullSlabs    int
	PartialSlabs int
	FreeSlabs    int

	ObjectsInUse uint64
	TotalObjects uint64

	// Grows counts the slabs formatted since the cache was created.
	Grows uint64
}

// Stats returns a snapshot of the cache occupancy.
func (c *Cache) Stats() CacheStats {
	c.lock.Acquire()
	defer c.lock.Release()

	st := CacheStats{
		Name:          c.name,
		ObjSize:       c.objSize,
		ObjsPerSlab:   c.objsPerSlab,
		FramesPerSlab: c.framesPerSlab,
		FullSlabs:     c.lists[listFull].count,
		PartialSlabs:  c.lists[listPartial].count,
		FreeSlabs:     c.lists[listFree].count,
		Grows:         c.grows,
	}

	for list := listFree; list < listNone; list++ {
		for idx := c.lists[list].head; idx != noSlab; idx = c.slabs[idx].next {
			st.ObjectsInUse += uint64(c.slabs[idx].inuse)
			st.TotalObjects += uint64(c.objsPerSlab)
		}
	}

	return st
}

// CheckInvariants verifies that, for every slab, the live objects plus the
// slots reachable from its free list add up to the slab capacity, and that
// the slab sits on the list matching its occupancy. Violations are fatal.
func (c *Cache) CheckInvariants() {
	c.lock.Acquire()
	defer c.lock.Release()

	var inuse, free, total uint64
	for list := listFree; list < listNone; list++ {
		count := 0
		for idx := c.lists[list].head; idx != noSlab; idx = c.slabs[idx].next {
			s := &c.slabs[idx]
			if count++; count > len(c.slabs) {
				panicFn(errAccounting, c)
				return
			}

			var reachable uint32
			for slot := s.nextFree; slot != bufctlEnd; slot = s.bufctl[slot] {
				if slot >= c.objsPerSlab || reachable == c.objsPerSlab {
					panicFn(errAccounting, c)
					return
				}
				reachable++
			}

			expList := listPartial
			switch s.inuse {
			case 0:
				expList = listFree
			case c.objsPerSlab:
				expList = listFull
			}

			if s.list != list || list != expList || s.inuse+reachable != c.objsPerSlab {
				panicFn(errAccounting, c)
				return
			}

			if list != listFree {
				inuse += uint64(s.inuse)
			}
			if list != listFull {
				free += uint64(reachable)
			}
			total += uint64(c.objsPerSlab)
		}

		if count != c.lists[list].count {
			panicFn(errAccounting, c)
			return
		}
	}

	if inuse+free != total {
		panicFn(errAccounting, c)
	}
}

// Dump writes the cache layout and per-list slab occupancy to w. It
// implements kfmt.Diagnoser and does not take the cache lock.
func (c *Cache) Dump(w *kfmt.PrefixWriter) {
	kfmt.Fprintf(w, "cache %q (id %d): %d byte objects, %d per slab\n", c.name, c.id, c.objSize, c.objsPerSlab)
	for list := listFree; list < listNone; list++ {
		kfmt.Fprintf(w, "%s:", listNames[list])
		for idx, n := c.lists[list].head, 0; idx != noSlab && n <= len(c.slabs); idx, n = c.slabs[idx].next, n+1 {
			kfmt.Fprintf(w, " [frame %d inuse %d]", c.slabs[idx].frame, c.slabs[idx].inuse)
		}
		kfmt.Fprintf(w, "\n")
	}
}
