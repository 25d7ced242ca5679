package pmm

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/physmem"
)

func newArena(t *testing.T, size mm.Size) *physmem.Arena {
	arena, err := physmem.New(size)
	require.Nil(t, err)
	t.Cleanup(func() { _ = arena.Close() })
	return arena
}

func TestInit(t *testing.T) {
	arena := newArena(t, 4*mm.Mb)
	regions := []mm.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x100000, Type: mm.MemReserved},
		{PhysAddress: 0x100000, Length: 0x300000, Type: mm.MemAvailable},
		{PhysAddress: 0x400000, Length: 0x100000, Type: mm.MemAvailable},
	}
	reserved := []mm.PhysRange{{Base: 0x100000, Length: 0x80000}}

	alloc, err := Init(arena, regions, reserved)
	require.Nil(t, err)

	// Frames [384, 1024) are usable; the unaligned head becomes its own zone
	// and the region past the arena end is dropped.
	assert.Equal(t, uint64(640), alloc.FreeCount())
	exp := []Zone{
		{ID: 0, Base: 384, Length: 128},
		{ID: 1, Base: 512, Length: 512},
	}
	if diff := cmp.Diff(exp, alloc.Zones()); diff != "" {
		t.Fatalf("unexpected zone layout (-want +got):\n%s", diff)
	}

	assert.True(t, alloc.Page(383).HasFlags(FlagReserved))
	assert.True(t, alloc.Page(0).HasFlags(FlagReserved))
	alloc.CheckInvariants()

	// Large page blocks come out physically aligned.
	f, err := alloc.Allocate(mm.FramesPerLargePage)
	require.Nil(t, err)
	assert.Equal(t, uintptr(0), f.Address()&(mm.LargePageSize-1))
}

func TestInitClipsAndSubtracts(t *testing.T) {
	arena := newArena(t, 2*mm.Mb)
	regions := []mm.MemoryMapEntry{
		{PhysAddress: 0x800, Length: 0x1fffff, Type: mm.MemAvailable},
	}
	reserved := []mm.PhysRange{
		{Base: 0x10000, Length: 0x1000},
		{Base: 0x4000, Length: 0x2000},
	}

	alloc, err := Init(arena, regions, reserved)
	require.Nil(t, err)

	// Frame 0 is partially covered and dropped; frames 4, 5 and 16 are
	// reserved.
	assert.Equal(t, uint64(512-1-3), alloc.FreeCount())
	for _, f := range []mm.Frame{0, 4, 5, 16} {
		assert.True(t, alloc.Page(f).HasFlags(FlagReserved), "frame %d", f)
	}
	alloc.CheckInvariants()
}

func TestInitWithoutUsableMemory(t *testing.T) {
	arena := newArena(t, 2*mm.Mb)
	regions := []mm.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x200000, Type: mm.MemAvailable},
	}

	_, err := Init(arena, regions, []mm.PhysRange{{Base: 0, Length: 0x200000}})
	assert.Equal(t, errNoUsableMemory, err)
}

func TestAllocateZeroed(t *testing.T) {
	arena := newArena(t, 2*mm.Mb)
	alloc, err := Init(arena, []mm.MemoryMapEntry{{PhysAddress: 0, Length: 0x2000, Type: mm.MemAvailable}}, nil)
	require.Nil(t, err)

	f, err := alloc.Allocate(1)
	require.Nil(t, err)
	b, err := arena.Bytes(f.Address(), mm.PageSize)
	require.Nil(t, err)
	for i := range b {
		b[i] = 0xff
	}
	alloc.Free(f, 1)

	f2, err := alloc.AllocateZeroed(1)
	require.Nil(t, err)
	require.Equal(t, f, f2)
	for i := range b {
		if b[i] != 0 {
			t.Fatalf("expected byte %d of a zeroed frame to be 0; got %x", i, b[i])
		}
	}

	// The second frame was never handed out.
	assert.False(t, alloc.Page(f2+1).HasFlags(FlagDirty))
}

func TestSubtract(t *testing.T) {
	specs := []struct {
		name  string
		holes []mm.PhysRange
		exp   []mm.PhysRange
	}{
		{"no holes", nil, []mm.PhysRange{{Base: 0x1000, Length: 0x9000}}},
		{"hole before", []mm.PhysRange{{Base: 0, Length: 0x1000}}, []mm.PhysRange{{Base: 0x1000, Length: 0x9000}}},
		{"hole inside", []mm.PhysRange{{Base: 0x3000, Length: 0x1000}}, []mm.PhysRange{{Base: 0x1000, Length: 0x2000}, {Base: 0x4000, Length: 0x6000}}},
		{"overlapping holes", []mm.PhysRange{{Base: 0, Length: 0x3000}, {Base: 0x2000, Length: 0x2000}}, []mm.PhysRange{{Base: 0x4000, Length: 0x6000}}},
		{"hole covers all", []mm.PhysRange{{Base: 0, Length: 0x20000}}, nil},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			got := subtract(mm.PhysRange{Base: 0x1000, Length: 0x9000}, spec.holes)
			if diff := cmp.Diff(spec.exp, got); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
		})
	}
}
