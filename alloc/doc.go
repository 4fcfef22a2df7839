// Package alloc provides the low-level memory allocation contract used to bootstrap
// kernel memory management, and two strategies behind it.
//
// # Overview
//
// Addresses are opaque uintptr values. The allocators hand out and take back
// address ranges; they never read or write the memory behind them. Only the caller
// turns an address into a typed reference.
//
// # Allocator Interfaces
//
// The contract is split into three composable interfaces:
//
//   - BaseAllocator: Init(start, size) once, then AddMemory(start, size) to grow
//   - ByteAllocator: Alloc(layout) / Dealloc(addr, layout) plus byte accounting
//   - PageAllocator: AllocPages(count, align) / DeallocPages(addr, count) plus page
//     accounting, with a fixed power-of-two PageSize
//
// # Implementations
//
// EarlyAllocator: dual bump allocator for early boot
//
//   - Byte arena grows up from start, page arena grows down from end
//   - O(1) everything, no free list, edge-only reclamation
//   - Implements BaseAllocator, ByteAllocator and PageAllocator
//
// TalcByteAllocator: general-purpose byte allocator
//
//   - Delegates to the free-list engine in internal/talc
//   - Freed blocks are reused and coalesced
//   - Implements BaseAllocator and ByteAllocator only
//
// # Usage Example
//
//	ea := alloc.MustNewEarly(4096)
//	if err := ea.Init(0x1000, 0x4000); err != nil {
//	    return err
//	}
//
//	addr, err := ea.Alloc(alloc.Layout{Size: 64, Align: 8}) // 0x1000
//	if err != nil {
//	    return err
//	}
//	page, err := ea.AllocPages(1, 4096) // 0x4000
//
// # Region Growth
//
// AddMemory accepts only a block that exactly abuts the current interval:
//
//	[start, end) + [end, x)   -> grows up
//	[x, start)   + [start, end) -> grows down
//
// A block intersecting the interval fails with ErrMemoryOverlap. A disjoint block
// touching neither end fails with ErrNotAdjacent. Both leave the allocator unchanged.
//
// # Errors
//
// ErrNoMemory and the region errors are ordinary return values; the caller decides
// whether to retry elsewhere, add memory, or give up. Passing Dealloc or DeallocPages
// anything other than the exact result of a prior allocation is undefined behavior.
//
// # Debug Builds
//
// Building with -tags allocdebug re-verifies the allocator invariants after every
// mutation and asserts the Dealloc/DeallocPages caller contract, panicking on
// violation. Without the tag the checks are constant-folded away.
//
// # Thread Safety
//
// Allocator instances are not thread-safe. Callers must serialize access
// externally; see the global package for a mutex-guarded composite.
package alloc
