package alloc

import "github.com/joshuapare/kalloc/internal/mem"

// Layout is a byte allocation request: Size bytes aligned to Align.
type Layout = mem.Layout

// NewLayout returns a validated Layout. Align must be a power of two.
func NewLayout(size, align uintptr) (Layout, error) {
	return mem.NewLayout(size, align)
}

// BaseAllocator is the region-management part of the contract.
type BaseAllocator interface {
	// Init seeds the allocator with its first region [start, start+size).
	// It must be called exactly once before any other method.
	Init(start, size uintptr) error

	// AddMemory grows the managed interval by a block that exactly abuts its
	// current start or end. A block intersecting the interval fails with
	// ErrMemoryOverlap and leaves the allocator unchanged.
	AddMemory(start, size uintptr) error
}

// ByteAllocator allocates blocks of arbitrary size and alignment.
type ByteAllocator interface {
	BaseAllocator

	// Alloc returns an address aligned to layout.Align with layout.Size bytes
	// reserved. A zero-size layout returns layout.Align without reserving anything.
	Alloc(layout Layout) (uintptr, error)

	// Dealloc releases a block. addr and layout must be exactly those of a prior
	// successful Alloc; anything else is undefined behavior.
	Dealloc(addr uintptr, layout Layout)

	TotalBytes() uintptr
	UsedBytes() uintptr
	AvailableBytes() uintptr
}

// PageAllocator allocates runs of fixed-size pages.
type PageAllocator interface {
	BaseAllocator

	// PageSize is the fixed page size, a power of two.
	PageSize() uintptr

	// AllocPages returns the address of count contiguous pages aligned to
	// align (and always to PageSize).
	AllocPages(count, align uintptr) (uintptr, error)

	// DeallocPages releases pages obtained from AllocPages with the same count.
	DeallocPages(addr, count uintptr)

	TotalPages() uintptr
	UsedPages() uintptr
	AvailablePages() uintptr
}

// Compile-time interface checks
var (
	_ ByteAllocator = (*EarlyAllocator)(nil)
	_ PageAllocator = (*EarlyAllocator)(nil)
	_ ByteAllocator = (*TalcByteAllocator)(nil)
)
