package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/kfmt"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/physmem"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/pmm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/slab"
)

type testEnv struct {
	arena  *physmem.Arena
	buddy  *pmm.BuddyAllocator
	tables *SlabTableAllocator
}

func setupEnv(t *testing.T) *testEnv {
	arena, err := physmem.New(32 * mm.Mb)
	require.Nil(t, err)
	t.Cleanup(func() { _ = arena.Close() })

	// Keep the first megabyte out of the allocator so that no table or
	// frame block lives at physical address 0.
	buddy, err := pmm.Init(arena, []mm.MemoryMapEntry{
		{PhysAddress: 0, Length: uint64(mm.Mb), Type: mm.MemReserved},
		{PhysAddress: uint64(mm.Mb), Length: uint64(arena.Size() - mm.Mb), Type: mm.MemAvailable},
	}, nil)
	require.Nil(t, err)

	tables, err := NewSlabTableAllocator(slab.NewRegistry(buddy, arena), arena)
	require.Nil(t, err)

	return &testEnv{arena: arena, buddy: buddy, tables: tables}
}

func (env *testEnv) newSpace(t *testing.T) *AddressSpace {
	as, err := New(env.buddy, env.tables)
	require.Nil(t, err)
	return as
}

// allocBlock returns the head frame of a fresh large page frame block.
func (env *testEnv) allocBlock(t *testing.T) mm.Frame {
	frame, err := env.buddy.AllocFrames(mm.FramesPerLargePage)
	require.Nil(t, err)
	return frame
}

func (env *testEnv) tablesInUse() uint64 {
	return env.tables.Cache().Stats().ObjectsInUse
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
		require.Equal(t, expErr, r)
	}()
	fn()
}
