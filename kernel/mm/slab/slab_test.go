package slab

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/physmem"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/pmm"
)

type countingFrames struct {
	*pmm.BuddyAllocator
	allocs int
}

func (c *countingFrames) AllocFrames(n uint64) (mm.Frame, *kernel.Error) {
	c.allocs++
	return c.BuddyAllocator.AllocFrames(n)
}

func setupRegistry(t *testing.T, usable uint64) (*Registry, *countingFrames, *physmem.Arena) {
	arena, err := physmem.New(2 * mm.Mb)
	require.Nil(t, err)
	t.Cleanup(func() { _ = arena.Close() })

	buddy, err := pmm.Init(arena, []mm.MemoryMapEntry{{PhysAddress: 0, Length: usable, Type: mm.MemAvailable}}, nil)
	require.Nil(t, err)

	frames := &countingFrames{BuddyAllocator: buddy}
	return NewRegistry(frames, arena), frames, arena
}

func mockPanic(t *testing.T) {
	orig := panicFn
	panicFn = func(e interface{}, _ ...kfmt.Diagnoser) { panic(e) }
	t.Cleanup(func() { panicFn = orig })
}

func expectFatal(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a fatal error")
		assert.Equal(t, expErr, r)
	}()
	fn()
}

func TestObjectsPerSlab(t *testing.T) {
	reg, _, _ := setupRegistry(t, 0x200000)

	specs := []struct {
		name     string
		size     uintptr
		align    uintptr
		flags    Flag
		expSize  uintptr
		expObjs  uint32
		expFrame uint64
	}{
		{"test", 64, 0, 0, 64, 4096 / (64 + 4), 1},
		{"odd", 13, 0, 0, 16, 4096 / (16 + 4), 1},
		{"aligned-64", 40, 64, 0, 64, 4096 / (64 + 4), 1},
		{"big", 2048, 0, 0, 2048, 1, 1},
		{"pgtable", 4096, 0, FlagAlign4K, 4096, 8, 8},
		{"align4k-small", 100, 0, FlagAlign4K, 4096, 8, 8},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			c, err := reg.Create(spec.name, spec.size, spec.align, nil, nil, spec.flags)
			require.Nil(t, err)
			assert.Equal(t, spec.expSize, c.ObjSize())
			assert.Equal(t, spec.expObjs, c.ObjsPerSlab())
			assert.Equal(t, spec.expFrame, c.FramesPerSlab())
			assert.Equal(t, spec.name, c.Name())
		})
	}
}

func TestCreateErrors(t *testing.T) {
	reg, _, _ := setupRegistry(t, 0x200000)

	_, err := reg.Create("zero", 0, 0, nil, nil, 0)
	assert.Equal(t, errZeroObjectSize, err)

	_, err = reg.Create("align", 64, 12, nil, nil, 0)
	assert.Equal(t, errBadAlignment, err)

	_, err = reg.Create("huge", 4096, 0, nil, nil, 0)
	assert.Equal(t, errObjectTooLarge, err)

	_, err = reg.Create("dup", 64, 0, nil, nil, 0)
	require.Nil(t, err)
	_, err = reg.Create("dup", 32, 0, nil, nil, 0)
	assert.Equal(t, errDuplicateCache, err)
}

func TestGrowthIsOneFramePerSlab(t *testing.T) {
	reg, frames, _ := setupRegistry(t, 0x200000)
	c, err := reg.Create("test", 64, 0, nil, nil, 0)
	require.Nil(t, err)

	objCount := int(c.ObjsPerSlab())
	objs := make([]unsafe.Pointer, 0, objCount+1)
	for i := 0; i < objCount; i++ {
		obj, err := c.Alloc()
		require.Nil(t, err)
		objs = append(objs, obj)
	}
	require.Equal(t, 1, frames.allocs)

	obj, err := c.Alloc()
	require.Nil(t, err)
	objs = append(objs, obj)
	assert.Equal(t, 2, frames.allocs, "allocating obj_count+1 objects must grow the cache exactly once more")

	st := c.Stats()
	assert.Equal(t, 1, st.FullSlabs)
	assert.Equal(t, 1, st.PartialSlabs)
	assert.Equal(t, 0, st.FreeSlabs)
	assert.Equal(t, uint64(objCount+1), st.ObjectsInUse)
	assert.Equal(t, uint64(2*objCount), st.TotalObjects)
	assert.Equal(t, uint64(2), st.Grows)
	c.CheckInvariants()

	// Objects never overlap.
	seen := make(map[uintptr]bool)
	for _, o := range objs {
		addr := uintptr(o)
		require.False(t, seen[addr])
		seen[addr] = true
		*(*uint64)(o) = uint64(addr)
	}
	for _, o := range objs {
		require.Equal(t, uint64(uintptr(o)), *(*uint64)(o))
	}

	before := frames.FreeCount()
	for _, o := range objs {
		c.Free(o)
		c.CheckInvariants()
	}

	st = c.Stats()
	assert.Equal(t, 2, st.FreeSlabs)
	assert.Equal(t, uint64(0), st.ObjectsInUse)

	assert.Equal(t, 2, c.Shrink())
	assert.Equal(t, before+2, frames.FreeCount())
	assert.Equal(t, 0, c.Shrink())
}

func TestAllocReusesPartialSlabs(t *testing.T) {
	reg, frames, _ := setupRegistry(t, 0x200000)
	c, err := reg.Create("reuse", 128, 0, nil, nil, 0)
	require.Nil(t, err)

	a, err := c.Alloc()
	require.Nil(t, err)
	b, err := c.Alloc()
	require.Nil(t, err)

	c.Free(a)
	again, err := c.Alloc()
	require.Nil(t, err)
	assert.Equal(t, a, again, "the most recently freed slot is handed out first")
	assert.Equal(t, 1, frames.allocs)

	c.Free(b)
	c.Free(again)
	assert.Equal(t, 1, c.Stats().FreeSlabs)

	// A free slab is reused before growing.
	_, err = c.Alloc()
	require.Nil(t, err)
	assert.Equal(t, 1, frames.allocs)
	assert.True(t, c.Owns(again))
}

func TestConstructorsAndDestructors(t *testing.T) {
	reg, _, _ := setupRegistry(t, 0x200000)

	var ctorCalls, dtorCalls int
	ctor := func(obj unsafe.Pointer) {
		ctorCalls++
		*(*uint32)(obj) = 0xc0ffee
	}
	dtor := func(obj unsafe.Pointer) {
		dtorCalls++
		if *(*uint32)(obj) != 0xc0ffee {
			t.Errorf("destructor saw an object that was not constructed")
		}
	}

	c, err := reg.Create("ctor", 32, 0, ctor, dtor, 0)
	require.Nil(t, err)

	obj, err := c.Alloc()
	require.Nil(t, err)
	assert.Equal(t, int(c.ObjsPerSlab()), ctorCalls)
	assert.Equal(t, uint32(0xc0ffee), *(*uint32)(obj))

	_, err = c.Alloc()
	require.Nil(t, err)
	assert.Equal(t, int(c.ObjsPerSlab()), ctorCalls, "constructors only run when a slab is formatted")

	c.Destroy()
	assert.Equal(t, int(c.ObjsPerSlab()), dtorCalls)
	assert.Nil(t, reg.Find("ctor"))
}

func TestAlign4K(t *testing.T) {
	reg, frames, arena := setupRegistry(t, 0x200000)
	c, err := reg.Create("pgtable", mm.PageSize, 0, nil, nil, FlagAlign4K)
	require.Nil(t, err)

	for i := 0; i < 9; i++ {
		obj, err := c.Alloc()
		require.Nil(t, err)

		pa, err := arena.PhysFor(obj)
		require.Nil(t, err)
		assert.Equal(t, uintptr(0), pa&(mm.PageSize-1))
		assert.Equal(t, c, reg.Lookup(obj))

		// The whole object is usable; the free list lives off-slab.
		kernel.Memset(obj, 0xaa, mm.PageSize)
	}

	assert.Equal(t, 2, frames.allocs)
	c.CheckInvariants()
}

func TestExhaustion(t *testing.T) {
	reg, frames, _ := setupRegistry(t, 0x1000)
	c, err := reg.Create("tiny", 64, 0, nil, nil, 0)
	require.Nil(t, err)

	for i := uint32(0); i < c.ObjsPerSlab(); i++ {
		_, err := c.Alloc()
		require.Nil(t, err)
	}

	_, err = c.Alloc()
	assert.Equal(t, ErrMemoryAlloc, err)
	assert.Equal(t, 2, frames.allocs)

	_, err = c.Alloc()
	assert.Equal(t, ErrMemoryAlloc, err)
	assert.Equal(t, 3, frames.allocs, "failed growth is not retried internally")
	c.CheckInvariants()
}

func TestLookup(t *testing.T) {
	reg, _, _ := setupRegistry(t, 0x200000)
	a, err := reg.Create("a", 64, 0, nil, nil, 0)
	require.Nil(t, err)
	b, err := reg.Create("b", 256, 0, nil, nil, 0)
	require.Nil(t, err)

	objA, err := a.Alloc()
	require.Nil(t, err)
	objB, err := b.Alloc()
	require.Nil(t, err)

	assert.Equal(t, a, reg.Lookup(objA))
	assert.Equal(t, b, reg.Lookup(objB))
	assert.Equal(t, b, reg.Find("b"))

	var notInArena uint64
	assert.Nil(t, reg.Lookup(unsafe.Pointer(&notInArena)))
	assert.False(t, a.Owns(objB))
	assert.Equal(t, []*Cache{a, b}, reg.Caches())
}

func TestReap(t *testing.T) {
	reg, frames, _ := setupRegistry(t, 0x200000)
	a, err := reg.Create("a", 64, 0, nil, nil, 0)
	require.Nil(t, err)
	b, err := reg.Create("b", 2048, 0, nil, nil, 0)
	require.Nil(t, err)

	var objs []unsafe.Pointer
	for i := 0; i < 3; i++ {
		obj, err := b.Alloc()
		require.Nil(t, err)
		objs = append(objs, obj)
	}
	objA, err := a.Alloc()
	require.Nil(t, err)

	before := frames.FreeCount()
	for _, obj := range objs {
		b.Free(obj)
	}

	assert.Equal(t, 3, reg.Reap())
	assert.Equal(t, before+3, frames.FreeCount())
	assert.Equal(t, 1, a.Stats().PartialSlabs, "slabs with live objects survive a reap")

	a.Free(objA)
	assert.Equal(t, 1, reg.Reap())

	stats := reg.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Name)
	assert.Equal(t, uint64(0), stats[1].TotalObjects)
	reg.CheckInvariants()
}

func TestFatalErrors(t *testing.T) {
	mockPanic(t)

	reg, _, _ := setupRegistry(t, 0x200000)
	a, err := reg.Create("a", 64, 0, nil, nil, 0)
	require.Nil(t, err)
	b, err := reg.Create("b", 64, 0, nil, nil, 0)
	require.Nil(t, err)

	objA, err := a.Alloc()
	require.Nil(t, err)

	t.Run("foreign object", func(t *testing.T) {
		expectFatal(t, errForeignObject, func() { b.Free(objA) })

		var notInArena uint64
		expectFatal(t, errForeignObject, func() { b.Free(unsafe.Pointer(&notInArena)) })
	})

	t.Run("misaligned object", func(t *testing.T) {
		expectFatal(t, errMisalignedFree, func() { a.Free(unsafe.Add(objA, 8)) })
	})

	t.Run("free of a free slab", func(t *testing.T) {
		objB, err := b.Alloc()
		require.Nil(t, err)
		b.Free(objB)
		expectFatal(t, errFreeOfFreeSlab, func() { b.Free(objB) })
	})

	t.Run("accounting mismatch", func(t *testing.T) {
		a.slabs[0].inuse++
		expectFatal(t, errAccounting, func() { a.CheckInvariants() })
		a.slabs[0].inuse--
		a.CheckInvariants()
	})

	t.Run("use after destroy", func(t *testing.T) {
		c, err := reg.Create("gone", 64, 0, nil, nil, 0)
		require.Nil(t, err)
		c.Destroy()
		expectFatal(t, errCacheDestroyed, func() { _, _ = c.Alloc() })
	})
}

func TestDump(t *testing.T) {
	reg, _, _ := setupRegistry(t, 0x200000)
	c, err := reg.Create("dump", 1024, 0, nil, nil, 0)
	require.Nil(t, err)

	for i := 0; i < 4; i++ {
		_, err := c.Alloc()
		require.Nil(t, err)
	}

	var buf bytes.Buffer
	c.Dump(&kfmt.PrefixWriter{Sink: &buf, Prefix: []byte("| ")})

	out := buf.String()
	assert.Contains(t, out, `| cache "dump" (id 1): 1024 byte objects, 3 per slab`)
	assert.Contains(t, out, "| free:\n")
	assert.Contains(t, out, "inuse 1]")
	assert.Contains(t, out, "inuse 3]")
}
