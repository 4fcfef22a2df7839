// Package global provides the serialized composite allocator a kernel installs
// once its general-purpose heap is up.
//
// The core strategies in package alloc are not goroutine-safe. Allocator wraps a
// ByteAllocator and a PageAllocator behind one mutex and refills the byte heap
// from the page allocator when it runs dry:
//
//	pages := alloc.MustNewEarly(4096)
//	_ = pages.Init(base, size)
//	heapAddr, _ := pages.AllocPages(16, 4096)
//	heap := alloc.NewTalc()
//	_ = heap.Init(heapAddr, 16*4096)
//	g := global.New(heap, pages)
//
// A refill takes pages from the page allocator and offers them to the byte
// allocator with AddMemory. Page allocators that hand out runs growing toward the
// heap (EarlyAllocator's page arena grows down, directly below the first run)
// keep the heap contiguous, so refills succeed until pages run out or an
// unrelated page allocation sits in between.
package global

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joshuapare/kalloc/alloc"
	"github.com/joshuapare/kalloc/internal/logger"
	"github.com/joshuapare/kalloc/internal/mem"
)

// DefaultMinRefillPages is the smallest run requested on a refill.
const DefaultMinRefillPages = 4

// ErrNoPages is returned by page operations when the allocator has no page side.
var ErrNoPages = errors.New("global: no page allocator configured")

// Allocator serializes a byte allocator and a page allocator.
type Allocator struct {
	mu    sync.Mutex
	bytes alloc.ByteAllocator
	pages alloc.PageAllocator // may be nil

	minRefill      uintptr
	refills        int
	refillFailures int
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithMinRefillPages sets the smallest page run taken per refill. Zero is ignored.
func WithMinRefillPages(n uintptr) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.minRefill = n
		}
	}
}

// New wraps bytes and pages. pages may be nil, which disables refill and makes
// page operations fail with ErrNoPages.
func New(bytes alloc.ByteAllocator, pages alloc.PageAllocator, opts ...Option) *Allocator {
	a := &Allocator{
		bytes:     bytes,
		pages:     pages,
		minRefill: DefaultMinRefillPages,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Init seeds the page side, or the byte side when there is no page allocator.
func (a *Allocator) Init(start, size uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pages != nil {
		return a.pages.Init(start, size)
	}
	return a.bytes.Init(start, size)
}

// AddMemory grows the page side, or the byte side when there is no page allocator.
func (a *Allocator) AddMemory(start, size uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pages != nil {
		return a.pages.AddMemory(start, size)
	}
	return a.bytes.AddMemory(start, size)
}

// Alloc allocates from the byte side, refilling it once on ErrNoMemory.
func (a *Allocator) Alloc(layout alloc.Layout) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	addr, err := a.bytes.Alloc(layout)
	if err == nil || !errors.Is(err, alloc.ErrNoMemory) || a.pages == nil {
		return addr, err
	}

	if rerr := a.refill(layout); rerr != nil {
		return 0, fmt.Errorf("%w: refill: %w", alloc.ErrNoMemory, rerr)
	}
	return a.bytes.Alloc(layout)
}

// refill moves enough pages to the byte side for layout to fit in them alone.
// Caller holds a.mu.
func (a *Allocator) refill(layout alloc.Layout) error {
	ps := a.pages.PageSize()

	need, ok := mem.CheckedAdd(layout.Size, layout.Align)
	if ok {
		need, ok = mem.CheckedAdd(need, mem.WordSize)
	}
	if ok {
		need, ok = mem.CheckedAlignUp(need, ps)
	}
	if !ok {
		return alloc.ErrInvalidParam
	}
	count := max(need/ps, a.minRefill)

	addr, err := a.pages.AllocPages(count, ps)
	if err != nil {
		a.refillFailures++
		return err
	}
	if err := a.bytes.AddMemory(addr, count*ps); err != nil {
		a.pages.DeallocPages(addr, count)
		a.refillFailures++
		logger.Debug("heap refill refused", "addr", fmt.Sprintf("%#x", addr), "pages", count, "error", err)
		return err
	}

	a.refills++
	logger.Debug("heap refilled", "addr", fmt.Sprintf("%#x", addr), "pages", count, "total", a.bytes.TotalBytes())
	return nil
}

// Dealloc returns a block to the byte side.
func (a *Allocator) Dealloc(addr uintptr, layout alloc.Layout) {
	a.mu.Lock()
	a.bytes.Dealloc(addr, layout)
	a.mu.Unlock()
}

// TotalBytes returns the byte side's managed size, refills included.
func (a *Allocator) TotalBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes.TotalBytes()
}

// UsedBytes returns the bytes held by live blocks on the byte side.
func (a *Allocator) UsedBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes.UsedBytes()
}

// AvailableBytes reports the byte side's free space. It does not count pages a
// refill could still add.
func (a *Allocator) AvailableBytes() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes.AvailableBytes()
}

// PageSize returns the page side's page size, or zero without one.
func (a *Allocator) PageSize() uintptr {
	if a.pages == nil {
		return 0
	}
	return a.pages.PageSize()
}

// AllocPages takes count pages from the page side. Without one it returns
// ErrNoPages.
func (a *Allocator) AllocPages(count, align uintptr) (uintptr, error) {
	if a.pages == nil {
		return 0, ErrNoPages
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages.AllocPages(count, align)
}

// DeallocPages returns pages to the page side. Without one it does nothing.
func (a *Allocator) DeallocPages(addr, count uintptr) {
	if a.pages == nil {
		return
	}
	a.mu.Lock()
	a.pages.DeallocPages(addr, count)
	a.mu.Unlock()
}

// TotalPages returns the page side's size in pages, or zero without one.
func (a *Allocator) TotalPages() uintptr { return a.pageStat(alloc.PageAllocator.TotalPages) }

// UsedPages counts pages held by the page arena. Pages handed to the byte heap
// count as used.
func (a *Allocator) UsedPages() uintptr { return a.pageStat(alloc.PageAllocator.UsedPages) }

// AvailablePages returns TotalPages minus UsedPages.
func (a *Allocator) AvailablePages() uintptr { return a.pageStat(alloc.PageAllocator.AvailablePages) }

func (a *Allocator) pageStat(f func(alloc.PageAllocator) uintptr) uintptr {
	if a.pages == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return f(a.pages)
}

// Usage is a byte or page accounting snapshot.
type Usage struct {
	Total     uintptr `json:"total"`
	Used      uintptr `json:"used"`
	Available uintptr `json:"available"`
}

// Stats is a consistent snapshot of both sides.
type Stats struct {
	Bytes          Usage `json:"bytes"`
	Pages          Usage `json:"pages"`
	Refills        int   `json:"refills"`
	RefillFailures int   `json:"refill_failures"`
}

// Stats returns a snapshot taken under the lock.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		Bytes: Usage{
			Total:     a.bytes.TotalBytes(),
			Used:      a.bytes.UsedBytes(),
			Available: a.bytes.AvailableBytes(),
		},
		Refills:        a.refills,
		RefillFailures: a.refillFailures,
	}
	if a.pages != nil {
		s.Pages = Usage{
			Total:     a.pages.TotalPages(),
			Used:      a.pages.UsedPages(),
			Available: a.pages.AvailablePages(),
		}
	}
	return s
}

// Compile-time interface checks
var (
	_ alloc.ByteAllocator = (*Allocator)(nil)
	_ alloc.PageAllocator = (*Allocator)(nil)
)
