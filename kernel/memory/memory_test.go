package memory

import (
	"bytes"
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/config"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/kheap"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/metrics"
	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm/vmm"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.ArenaSize = 16 << 20
	cfg.MemoryMap = []config.Region{
		{Base: 0, Length: 1 << 20, Type: "reserved"},
		{Base: 1 << 20, Length: 15 << 20, Type: "available"},
	}
	cfg.Reserved = []config.Region{{Base: 1 << 20, Length: 1 << 20}}
	return cfg
}

func boot(t *testing.T, cfg *config.Config) *Subsystem {
	s, err := Boot(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestBoot(t *testing.T) {
	s := boot(t, testConfig())

	st := s.Stats()
	assert.Equal(t, uint64(4096), st.TotalFrames)
	assert.Equal(t, uint64(4096-512), st.FreeFrames)
	assert.Zero(t, st.Spaces)
	assert.Nil(t, s.Gatherer())

	names := make([]string, 0, len(st.Caches))
	for _, c := range st.Caches {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{vmm.TableCacheName, "kmalloc-8", "kmalloc-16", "kmalloc-32", "kmalloc-64",
		"kmalloc-128", "kmalloc-256", "kmalloc-512", "kmalloc-1024", "kmalloc-2048"}, names)

	s.CheckInvariants()
}

func TestBootErrors(t *testing.T) {
	specs := []struct {
		name   string
		mutate func(*config.Config)
		exp    string
	}{
		{"invalid config", func(c *config.Config) { c.Heap.MinShift = 1 }, "invalid memory configuration"},
		{"no usable memory", func(c *config.Config) {
			c.Reserved = []config.Region{{Base: 0, Length: 16 << 20}}
		}, "failed to initialize frame allocator"},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			cfg := testConfig()
			spec.mutate(cfg)

			_, err := Boot(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), spec.exp)
		})
	}
}

func TestAddressSpaceLifecycle(t *testing.T) {
	s := boot(t, testConfig())
	freeAtBoot := s.Stats().FreeFrames

	as, err := s.NewAddressSpace()
	require.Nil(t, err)
	require.Nil(t, as.Map(0x400000, 0x2000, vmm.SegRead|vmm.SegWrite))
	require.Nil(t, s.HandleFault(as, 0x400000, vmm.FaultWrite|vmm.FaultUser))
	assert.Equal(t, vmm.ErrVMANotFound, s.HandleFault(as, 0x900000, vmm.FaultUser))

	dup, err := s.Duplicate(as)
	require.Nil(t, err)
	assert.Equal(t, 2, s.Stats().Spaces)
	assert.Equal(t, []*vmm.AddressSpace{as, dup}, s.Spaces())

	pa, err := as.Translate(0x400000)
	require.Nil(t, err)
	got, err := dup.Translate(0x400000)
	require.Nil(t, err)
	assert.Equal(t, pa, got)

	s.CheckInvariants()

	require.Nil(t, s.DestroyAddressSpace(as))
	assert.Equal(t, errUnknownSpace, s.DestroyAddressSpace(as))
	_, err = s.Duplicate(as)
	assert.Equal(t, errUnknownSpace, err)

	require.Nil(t, s.DestroyAddressSpace(dup))
	assert.Zero(t, s.Stats().Spaces)

	assert.Equal(t, 1, s.Reap())
	assert.Equal(t, freeAtBoot, s.Stats().FreeFrames)
}

func TestKmalloc(t *testing.T) {
	s := boot(t, testConfig())
	freeAtBoot := s.Stats().FreeFrames

	var ptrs []unsafe.Pointer
	for _, size := range []uintptr{1, 8, 24, 100, 2048, 2049, 3 * mm.PageSize} {
		ptr := s.Kmalloc(size, kheap.FlagZero)
		require.NotNil(t, ptr, "size %d", size)
		assert.True(t, s.Heap().Ksize(ptr) >= size)
		ptrs = append(ptrs, ptr)
	}

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Heap.LargeAllocs)
	assert.Equal(t, uint64(4), st.Heap.LargeFrames)

	for _, ptr := range ptrs {
		s.Kfree(ptr)
	}
	s.CheckInvariants()

	assert.True(t, s.Reap() > 0)
	assert.Equal(t, freeAtBoot, s.Stats().FreeFrames)
}

func TestMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	s := boot(t, cfg)

	as, err := s.NewAddressSpace()
	require.Nil(t, err)
	require.Nil(t, as.Map(0x400000, mm.LargePageSize, vmm.SegRead))
	require.Nil(t, s.HandleFault(as, 0x400000, 0))

	require.NotNil(t, s.Gatherer())
	samples, gerr := metrics.Gather(s.Gatherer())
	require.NoError(t, gerr)

	free, ok := metrics.Find(samples, "memory_buddy_free_frames", nil)
	require.True(t, ok)
	assert.Equal(t, float64(s.Stats().FreeFrames), free)

	faults, ok := metrics.Find(samples, "memory_vm_resolved_faults_total", nil)
	require.True(t, ok)
	assert.Equal(t, float64(1), faults)
}

func TestReport(t *testing.T) {
	s := boot(t, testConfig())

	ptr := s.Kmalloc(32, 0)
	require.NotNil(t, ptr)
	defer s.Kfree(ptr)

	var buf bytes.Buffer
	s.Report(&buf)

	out := buf.String()
	for _, exp := range []string{"frames:", "zone 0", "order 10", "kmalloc-32", "address spaces: 0"} {
		assert.True(t, strings.Contains(out, exp), "expected %q in:\n%s", exp, out)
	}
}

func TestShutdown(t *testing.T) {
	s, err := Boot(testConfig())
	require.NoError(t, err)

	as, kerr := s.NewAddressSpace()
	require.Nil(t, kerr)
	require.Nil(t, as.Map(0x400000, 0x1000, vmm.SegRead))

	require.NoError(t, s.Shutdown())
	require.NoError(t, s.Shutdown())

	_, kerr = s.NewAddressSpace()
	assert.Equal(t, ErrShutdown, kerr)
	assert.Empty(t, s.Spaces())
}
