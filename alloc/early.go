package alloc

import (
	"fmt"

	"github.com/joshuapare/kalloc/internal/mem"
)

// EarlyAllocator is a dual bump allocator for the bootstrap phase, before a
// general-purpose allocator is available.
//
// One contiguous interval [start, end) hosts two arenas that grow toward each other:
//
//	start                                                      end
//	  |  bytes ->           |      free       |       <- pages  |
//	  ^                     ^                 ^                 ^
//	start               bytesPos          pagesPos             end
//
// Byte allocations of any size and alignment bump bytesPos upward. Page allocations
// move pagesPos downward. There is no free list: a freed block is reclaimed only if
// it sits at its arena's active edge, and an arena snaps back to its outer bound
// when its live-allocation counter drops to zero.
//
// Key characteristics:
//   - O(1) for every operation, no searching, no metadata per allocation
//   - Arenas never overlap: start <= bytesPos <= pagesPos <= end
//   - Interval grows only by exact adjacency (AddMemory)
//
// EarlyAllocator is not safe for concurrent use. Callers must serialize access.
type EarlyAllocator struct {
	pageSize uintptr
	ready    bool

	start uintptr
	end   uintptr

	// bytesPos is the byte-arena bump pointer, growing up from start.
	bytesPos uintptr

	// pagesPos is the page-arena bump pointer, growing down from end.
	pagesPos uintptr

	// Live allocation counters. Not a free list.
	bytesCount uintptr
	pagesCount uintptr
}

// EarlyStats is a snapshot of the allocator's pointers and counters.
type EarlyStats struct {
	Start      uintptr `json:"start"`
	End        uintptr `json:"end"`
	BytesPos   uintptr `json:"bytes_pos"`
	PagesPos   uintptr `json:"pages_pos"`
	BytesCount uintptr `json:"bytes_count"`
	PagesCount uintptr `json:"pages_count"`
}

// NewEarly creates an uninitialized EarlyAllocator with the given page size.
// pageSize must be a power of two.
func NewEarly(pageSize uintptr) (*EarlyAllocator, error) {
	if !mem.IsPowerOfTwo(pageSize) {
		return nil, fmt.Errorf("%w: page size %d is not a power of two", ErrInvalidParam, pageSize)
	}
	return &EarlyAllocator{pageSize: pageSize}, nil
}

// MustNewEarly is NewEarly that panics on an invalid page size. Intended for
// package-level allocator declarations.
func MustNewEarly(pageSize uintptr) *EarlyAllocator {
	a, err := NewEarly(pageSize)
	if err != nil {
		panic(err)
	}
	return a
}

// Init seeds the allocator with [start, start+size).
func (a *EarlyAllocator) Init(start, size uintptr) error {
	if a.ready {
		return ErrAlreadyInitialized
	}
	if start == 0 {
		return fmt.Errorf("%w: region starts at address zero", ErrInvalidParam)
	}
	end, ok := mem.CheckedAdd(start, size)
	if !ok {
		return fmt.Errorf("%w: region %#x+%#x overflows", ErrInvalidParam, start, size)
	}

	a.start, a.end = start, end
	a.bytesPos, a.pagesPos = start, end
	a.ready = true
	a.checkWellFormed()
	return nil
}

// AddMemory grows the interval by [start, start+size), which must abut the current
// end (growing up) or the current start (growing down). An idle arena whose edge
// sits on the grown boundary follows it, so the new space is usable at once.
//
// A zero-size block is accepted and changes nothing.
func (a *EarlyAllocator) AddMemory(start, size uintptr) error {
	if !a.ready {
		return ErrUninitialized
	}
	if size == 0 {
		return nil
	}
	end, ok := mem.CheckedAdd(start, size)
	if !ok {
		return fmt.Errorf("%w: region %#x+%#x overflows", ErrInvalidParam, start, size)
	}
	if start < a.end && a.start < end {
		return fmt.Errorf("%w: [%#x, %#x) intersects [%#x, %#x)", ErrMemoryOverlap, start, end, a.start, a.end)
	}

	switch {
	case start == a.end:
		a.end = end
		if a.pagesPos == start {
			if debugBuild {
				a.assert(a.pagesCount == 0, "idle page edge with %d live page blocks", a.pagesCount)
			}
			a.pagesPos = end
		}
	case end == a.start:
		a.start = start
		if a.bytesPos == end {
			if debugBuild {
				a.assert(a.bytesCount == 0, "idle byte edge with %d live byte blocks", a.bytesCount)
			}
			a.bytesPos = start
		}
	default:
		return fmt.Errorf("%w: [%#x, %#x) vs [%#x, %#x)", ErrNotAdjacent, start, end, a.start, a.end)
	}

	a.checkWellFormed()
	return nil
}

// Alloc bumps the byte arena. A zero-size layout returns layout.Align as a
// sentinel that must not be dereferenced, and changes nothing.
func (a *EarlyAllocator) Alloc(layout Layout) (uintptr, error) {
	if !mem.IsPowerOfTwo(layout.Align) {
		return 0, ErrInvalidParam
	}
	if layout.Size == 0 {
		return layout.Align, nil
	}
	if !a.ready {
		return 0, ErrUninitialized
	}

	start, ok := mem.CheckedAlignUp(a.bytesPos, layout.Align)
	if !ok {
		return 0, ErrNoMemory
	}
	end, ok := mem.CheckedAdd(start, layout.Size)
	if !ok || end > a.pagesPos {
		return 0, ErrNoMemory
	}

	a.bytesPos = end
	a.bytesCount++
	a.checkWellFormed()
	return start, nil
}

// Dealloc releases a byte block. Space is reclaimed only when the block ends at
// bytesPos; otherwise only the live counter drops. When the counter reaches
// zero the whole byte arena is reclaimed.
func (a *EarlyAllocator) Dealloc(addr uintptr, layout Layout) {
	if layout.Size == 0 {
		return
	}
	end := addr + layout.Size
	if debugBuild {
		a.assert(a.bytesCount > 0, "dealloc %#x+%d with no live byte blocks", addr, layout.Size)
		a.assert(addr >= a.start && end > addr && end <= a.bytesPos,
			"dealloc %#x+%d outside byte arena [%#x, %#x)", addr, layout.Size, a.start, a.bytesPos)
	}

	if end == a.bytesPos {
		a.bytesPos = addr
	}
	a.bytesCount--
	if a.bytesCount == 0 {
		a.bytesPos = a.start
	}
	a.checkWellFormed()
}

// PageSize returns the construction-time page size.
func (a *EarlyAllocator) PageSize() uintptr { return a.pageSize }

// AllocPages moves the page arena down by count pages. The block's start is
// aligned down to max(align, PageSize); any gap left above the block stays with
// the page arena until it resets.
func (a *EarlyAllocator) AllocPages(count, align uintptr) (uintptr, error) {
	if count == 0 || !mem.IsPowerOfTwo(align) {
		return 0, ErrInvalidParam
	}
	if !a.ready {
		return 0, ErrUninitialized
	}

	size, ok := mem.CheckedMul(count, a.pageSize)
	if !ok {
		return 0, ErrNoMemory
	}
	top, ok := mem.CheckedSub(a.pagesPos, size)
	if !ok {
		return 0, ErrNoMemory
	}
	start := mem.AlignDown(top, max(align, a.pageSize))
	if start < a.bytesPos {
		return 0, ErrNoMemory
	}

	a.pagesPos = start
	a.pagesCount++
	a.checkWellFormed()
	return start, nil
}

// DeallocPages releases a page block. Mirror of Dealloc at the high edge: space is
// reclaimed only when addr equals pagesPos, and the arena snaps back to end when
// its counter reaches zero.
func (a *EarlyAllocator) DeallocPages(addr, count uintptr) {
	end := addr + count*a.pageSize
	if debugBuild {
		a.assert(a.pagesCount > 0, "dealloc_pages %#x x%d with no live page blocks", addr, count)
		a.assert(count > 0 && addr >= a.pagesPos && end > addr && end <= a.end,
			"dealloc_pages %#x x%d outside page arena [%#x, %#x)", addr, count, a.pagesPos, a.end)
	}

	if addr == a.pagesPos {
		a.pagesPos = end
	}
	a.pagesCount--
	if a.pagesCount == 0 {
		a.pagesPos = a.end
	}
	a.checkWellFormed()
}

// TotalBytes returns the size of the managed interval.
func (a *EarlyAllocator) TotalBytes() uintptr { return a.end - a.start }

// UsedBytes returns the extent of the byte arena, including unreclaimed holes.
func (a *EarlyAllocator) UsedBytes() uintptr { return a.bytesPos - a.start }

// AvailableBytes returns the gap between the two arenas.
func (a *EarlyAllocator) AvailableBytes() uintptr { return a.pagesPos - a.bytesPos }

// TotalPages returns TotalBytes in whole pages.
func (a *EarlyAllocator) TotalPages() uintptr { return a.TotalBytes() / a.pageSize }

// UsedPages returns the extent of the page arena in whole pages.
func (a *EarlyAllocator) UsedPages() uintptr { return (a.end - a.pagesPos) / a.pageSize }

// AvailablePages returns TotalPages minus UsedPages. It counts pages not held by
// the page arena, so it can exceed what AllocPages will still hand out while the
// byte arena is in use.
func (a *EarlyAllocator) AvailablePages() uintptr { return a.TotalPages() - a.UsedPages() }

// Bounds returns the managed interval.
func (a *EarlyAllocator) Bounds() mem.Span {
	return mem.Span{Base: a.start, Acme: a.end}
}

// Stats returns a snapshot of the internal pointers and counters.
func (a *EarlyAllocator) Stats() EarlyStats {
	return EarlyStats{
		Start:      a.start,
		End:        a.end,
		BytesPos:   a.bytesPos,
		PagesPos:   a.pagesPos,
		BytesCount: a.bytesCount,
		PagesCount: a.pagesCount,
	}
}

func (a *EarlyAllocator) String() string {
	return fmt.Sprintf("EarlyAllocator{page=%d, [%#x, %#x), bytes=%#x (%d live), pages=%#x (%d live)}",
		a.pageSize, a.start, a.end, a.bytesPos, a.bytesCount, a.pagesPos, a.pagesCount)
}

// checkWellFormed re-verifies the pointer and counter invariants. It compiles to
// nothing unless built with the allocdebug tag.
func (a *EarlyAllocator) checkWellFormed() {
	if debugBuild {
		if err := a.validate(); err != nil {
			panic(err)
		}
	}
}

func (a *EarlyAllocator) assert(cond bool, format string, args ...any) {
	if !cond {
		panic(fmt.Sprintf("alloc: early allocator contract violation: "+format, args...))
	}
}

// validate checks:
//   - start <= bytesPos <= pagesPos <= end
//   - bytesCount == 0 iff bytesPos == start
//   - pagesCount == 0 iff pagesPos == end
func (a *EarlyAllocator) validate() error {
	switch {
	case a.start > a.bytesPos:
		return fmt.Errorf("alloc: bytesPos %#x below start %#x", a.bytesPos, a.start)
	case a.bytesPos > a.pagesPos:
		return fmt.Errorf("alloc: bytesPos %#x above pagesPos %#x", a.bytesPos, a.pagesPos)
	case a.pagesPos > a.end:
		return fmt.Errorf("alloc: pagesPos %#x above end %#x", a.pagesPos, a.end)
	case (a.bytesCount == 0) != (a.bytesPos == a.start):
		return fmt.Errorf("alloc: bytesCount %d with bytesPos %#x, start %#x", a.bytesCount, a.bytesPos, a.start)
	case (a.pagesCount == 0) != (a.pagesPos == a.end):
		return fmt.Errorf("alloc: pagesCount %d with pagesPos %#x, end %#x", a.pagesCount, a.pagesPos, a.end)
	}
	return nil
}
