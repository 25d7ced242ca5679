package mm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestAlignment(t *testing.T) {
	assert.Equal(t, uintptr(0x1000), PageAlignDown(0x1fff))
	assert.Equal(t, uintptr(0x2000), PageAlignUp(0x1001))
	assert.Equal(t, uintptr(0x2000), PageAlignUp(0x2000))
	assert.Equal(t, uintptr(0x200000), LargePageAlignDown(0x3fffff))
	assert.Equal(t, uintptr(0x400000), LargePageAlignUp(0x200001))
	assert.Equal(t, uint64(512), FramesPerLargePage)
}

func TestSize(t *testing.T) {
	assert.Equal(t, uint64(1), Size(1).Frames())
	assert.Equal(t, uint64(256), (1023 * Kb).Frames())
	assert.Equal(t, uint64(512), (2 * Mb).Frames())
	assert.Equal(t, "2Mb", (2 * Mb).String())
	assert.Equal(t, "3Kb", (3 * Kb).String())
	assert.Equal(t, "1Gb", Gb.String())
	assert.Equal(t, "17B", Size(17).String())
}

func TestVisitMemRegions(t *testing.T) {
	regions := []MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: MemoryEntryType(42)},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Type: MemAvailable},
		{PhysAddress: 0xfffc0000, Length: 0x40000, Type: MemNvs},
	}

	var (
		visited []MemoryEntryType
		usable  uint64
	)
	VisitMemRegions(regions, func(e *MemoryMapEntry) bool {
		visited = append(visited, e.Type)
		if e.Usable() {
			usable += e.Length
		}
		return true
	})

	assert.Equal(t, []MemoryEntryType{MemAvailable, MemReserved, MemAvailable, MemNvs}, visited)
	assert.Equal(t, uint64(0x9fc00+0x7ee0000), usable)

	count := 0
	VisitMemRegions(regions, func(_ *MemoryMapEntry) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count, "visitor returning false must abort the walk")

	assert.Equal(t, "ACPI (reclaimable)", MemAcpiReclaimable.String())
	assert.Equal(t, "unknown", MemoryEntryType(0).String())
}
