package alloc

import "errors"

var (
	// ErrNoMemory indicates the request cannot be satisfied from the managed interval.
	ErrNoMemory = errors.New("alloc: out of memory")

	// ErrMemoryOverlap indicates an AddMemory block intersects the managed interval.
	ErrMemoryOverlap = errors.New("alloc: memory region overlaps managed interval")

	// ErrNotAdjacent indicates an AddMemory block is disjoint from the managed interval
	// but abuts neither of its ends.
	ErrNotAdjacent = errors.New("alloc: memory region not adjacent to managed interval")

	// ErrInvalidParam indicates a malformed address, size, alignment or page count.
	ErrInvalidParam = errors.New("alloc: invalid parameter")

	// ErrUninitialized indicates an operation that requires a prior Init.
	ErrUninitialized = errors.New("alloc: allocator not initialized")

	// ErrAlreadyInitialized indicates a second Init on the same instance.
	ErrAlreadyInitialized = errors.New("alloc: allocator already initialized")
)
