package mm

import "github.com/SmartPolarBear/project-dionysus-sub000/kernel"

// FrameAllocator hands out runs of contiguous physical frames.
type FrameAllocator interface {
	// AllocFrames reserves n contiguous frames and returns the first one.
	AllocFrames(n uint64) (Frame, *kernel.Error)

	// FreeFrames returns n contiguous frames starting at base.
	FreeFrames(base Frame, n uint64)

	// FreeCount returns the number of frames available for allocation.
	FreeCount() uint64
}

// FrameRefCounter tracks how many mappings reference a frame.
type FrameRefCounter interface {
	// IncRef increments the reference count of frame and returns the
	// updated value.
	IncRef(frame Frame) uint32

	// DecRef decrements the reference count of frame and returns the
	// updated value.
	DecRef(frame Frame) uint32

	// RefCount returns the current reference count of frame.
	RefCount(frame Frame) uint32
}

// PhysicalAllocator is the contract between the virtual memory code and the
// physical frame allocator.
type PhysicalAllocator interface {
	FrameAllocator
	FrameRefCounter
}
