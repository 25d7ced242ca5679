package pmm

import (
	"sync/atomic"

	"github.com/SmartPolarBear/project-dionysus-sub000/kernel/mm"
)

// PageFlag describes the state of a physical frame.
type PageFlag uint32

const (
	// FlagReserved marks frames that are not managed by the allocator:
	// memory holes, firmware areas, boot modules and the kernel image.
	FlagReserved PageFlag = 1 << iota

	// FlagFreeHead marks the first frame of a free buddy block. The
	// block order is stored in the descriptor of that frame.
	FlagFreeHead

	// FlagDirty marks frames that have been handed out at least once and
	// may therefore hold stale data.
	FlagDirty

	// FlagSlab marks frames that belong to a slab. The owning cache id is
	// stored in the descriptor.
	FlagSlab

	// FlagCompound marks the head frame of a multi-frame allocation made
	// by the kernel heap. The descriptor stores the frame count.
	FlagCompound

	// FlagFree marks every frame that currently belongs to a free block.
	FlagFree
)

// Page is the descriptor of a single physical frame.
type Page struct {
	flags    PageFlag
	refCount uint32
	order    uint8
	zoneID   uint16

	// prev and next link free block heads into the free area list of
	// their order; InvalidFrame terminates the list.
	prev, next mm.Frame

	owner   uint32
	count   uint32
	private uintptr
}

// Flags returns the frame flags.
func (p *Page) Flags() PageFlag { return p.flags }

// HasFlags returns true if all of the supplied flags are set.
func (p *Page) HasFlags(flags PageFlag) bool {
	return p.flags&flags == flags
}

// HasAnyFlag returns true if at least one of the supplied flags is set.
func (p *Page) HasAnyFlag(flags PageFlag) bool {
	return p.flags&flags != 0
}

// SetFlags sets the supplied flags.
func (p *Page) SetFlags(flags PageFlag) {
	p.flags |= flags
}

// ClearFlags clears the supplied flags.
func (p *Page) ClearFlags(flags PageFlag) {
	p.flags &^= flags
}

// Order returns the buddy order of the free block headed by this frame. The
// value is only meaningful while FlagFreeHead is set.
func (p *Page) Order() uint8 { return p.order }

// ZoneID returns the id of the zone this frame belongs to.
func (p *Page) ZoneID() uint16 { return p.zoneID }

// RefCount returns the number of mappings that reference this frame.
func (p *Page) RefCount() uint32 { return atomic.LoadUint32(&p.refCount) }

// Owner returns the id of the slab cache that owns this frame.
func (p *Page) Owner() uint32 { return p.owner }

// SetOwner records the id of the slab cache that owns this frame.
func (p *Page) SetOwner(id uint32) { p.owner = id }

// Count returns the number of frames of a compound allocation.
func (p *Page) Count() uint32 { return p.count }

// SetCount records the number of frames of a compound allocation.
func (p *Page) SetCount(n uint32) { p.count = n }

// Private returns the opaque value attached by the frame's current owner.
func (p *Page) Private() uintptr { return p.private }

// SetPrivate attaches an opaque value to the frame.
func (p *Page) SetPrivate(v uintptr) { p.private = v }

// FrameTable holds one Page descriptor per physical frame.
type FrameTable struct {
	pages []Page
}

// NewFrameTable creates a frame table for the supplied number of frames.
// Every frame starts out reserved.
func NewFrameTable(frames uint64) *FrameTable {
	ft := &FrameTable{pages: make([]Page, frames)}
	for i := range ft.pages {
		ft.pages[i] = Page{
			flags: FlagReserved,
			prev:  mm.InvalidFrame,
			next:  mm.InvalidFrame,
		}
	}

	return ft
}

// Len returns the number of frames described by the table.
func (ft *FrameTable) Len() uint64 {
	return uint64(len(ft.pages))
}

// Page returns the descriptor for frame or nil if the frame is out of range.
func (ft *FrameTable) Page(frame mm.Frame) *Page {
	if uint64(frame) >= uint64(len(ft.pages)) {
		return nil
	}

	return &ft.pages[frame]
}
