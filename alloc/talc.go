package alloc

import (
	"errors"
	"fmt"

	"github.com/joshuapare/kalloc/internal/mem"
	"github.com/joshuapare/kalloc/internal/talc"
)

// TalcByteAllocator exposes the general-purpose engine in internal/talc through
// the ByteAllocator contract. Freed blocks are reused and coalesced, unlike the
// bump strategy. It has no page interface; pages come from a separate allocator.
//
// The engine does not report aggregate usage, so the adapter keeps its own
// usedBytes counter: requested sizes are added on Alloc and subtracted on Dealloc.
//
// TalcByteAllocator is not safe for concurrent use. Callers must serialize access.
type TalcByteAllocator struct {
	inner *talc.Talc

	// memSpan is the span handed to the engine (word-aligned).
	memSpan mem.Span

	// bounds is the raw interval seen by Init/AddMemory, used for adjacency checks.
	bounds mem.Span

	ready     bool
	usedBytes uintptr
}

// TalcOption configures a TalcByteAllocator.
type TalcOption func(*talcConfig)

type talcConfig struct {
	engineOpts []talc.Option
}

// WithSizeClasses selects the engine's free-list bucketing.
func WithSizeClasses(cfg talc.SizeClassConfig) TalcOption {
	return func(c *talcConfig) {
		c.engineOpts = append(c.engineOpts, talc.WithSizeClasses(cfg))
	}
}

// NewTalc creates an uninitialized TalcByteAllocator whose engine fails on
// out-of-memory instead of growing on its own.
func NewTalc(opts ...TalcOption) *TalcByteAllocator {
	var cfg talcConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &TalcByteAllocator{
		inner: talc.New(talc.ErrOnOOM{}, cfg.engineOpts...),
	}
}

// Init claims [start, start+size) in the engine.
func (a *TalcByteAllocator) Init(start, size uintptr) error {
	if a.ready {
		return ErrAlreadyInitialized
	}
	if start == 0 {
		return fmt.Errorf("%w: region starts at address zero", ErrInvalidParam)
	}
	span, ok := mem.FromBaseSize(start, size)
	if !ok {
		return fmt.Errorf("%w: region %#x+%#x overflows", ErrInvalidParam, start, size)
	}
	claimed, err := a.inner.Claim(span)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParam, err)
	}
	a.memSpan = claimed
	a.bounds = span
	a.ready = true
	return nil
}

// AddMemory extends the engine's span by a block that abuts the managed interval.
// The rules and errors match EarlyAllocator.AddMemory.
func (a *TalcByteAllocator) AddMemory(start, size uintptr) error {
	if !a.ready {
		return ErrUninitialized
	}
	if size == 0 {
		return nil
	}
	block, ok := mem.FromBaseSize(start, size)
	if !ok {
		return fmt.Errorf("%w: region %#x+%#x overflows", ErrInvalidParam, start, size)
	}
	if block.Overlaps(a.bounds) {
		return fmt.Errorf("%w: %s intersects %s", ErrMemoryOverlap, block, a.bounds)
	}
	if !a.bounds.Abuts(block) {
		return fmt.Errorf("%w: %s vs %s", ErrNotAdjacent, block, a.bounds)
	}

	a.bounds = a.bounds.FitOver(block)
	a.memSpan = a.inner.Extend(a.memSpan, a.memSpan.FitOver(a.bounds.AlignInward(mem.WordSize)))
	return nil
}

// Alloc delegates to the engine. A zero-size layout returns layout.Align without
// touching the engine.
func (a *TalcByteAllocator) Alloc(layout Layout) (uintptr, error) {
	if !layout.Valid() {
		return 0, ErrInvalidParam
	}
	if layout.Size == 0 {
		return layout.Align, nil
	}
	if !a.ready {
		return 0, ErrUninitialized
	}

	addr, err := a.inner.Malloc(layout)
	if err != nil {
		if errors.Is(err, talc.ErrOutOfMemory) {
			return 0, ErrNoMemory
		}
		return 0, fmt.Errorf("%w: %w", ErrInvalidParam, err)
	}
	a.usedBytes += layout.Size
	return addr, nil
}

// Dealloc returns a block to the engine.
func (a *TalcByteAllocator) Dealloc(addr uintptr, layout Layout) {
	if layout.Size == 0 {
		return
	}
	if debugBuild {
		if layout.Size > a.usedBytes || !a.memSpan.ContainsSpan(mem.Span{Base: addr, Acme: addr + layout.Size}) {
			panic(fmt.Sprintf("alloc: talc dealloc %#x+%d outside %s or exceeds used %d",
				addr, layout.Size, a.memSpan, a.usedBytes))
		}
	}
	a.inner.Free(addr, layout)
	a.usedBytes -= layout.Size
}

// TotalBytes returns the size of the span under engine management.
func (a *TalcByteAllocator) TotalBytes() uintptr { return a.memSpan.Size() }

// UsedBytes returns the sum of live requested sizes.
func (a *TalcByteAllocator) UsedBytes() uintptr { return a.usedBytes }

// AvailableBytes returns TotalBytes minus UsedBytes. Engine rounding and
// fragmentation mean a request this large is not guaranteed to succeed.
func (a *TalcByteAllocator) AvailableBytes() uintptr { return a.TotalBytes() - a.UsedBytes() }

// Span returns the span under engine management.
func (a *TalcByteAllocator) Span() mem.Span { return a.memSpan }

// EngineStats returns the engine's own counters.
func (a *TalcByteAllocator) EngineStats() talc.Stats { return a.inner.Stats() }

func (a *TalcByteAllocator) String() string {
	return fmt.Sprintf("TalcByteAllocator{%s, used=%d}", a.memSpan, a.usedBytes)
}
