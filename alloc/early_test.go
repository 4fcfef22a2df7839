package alloc

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kalloc/internal/mem"
)

const testPageSize = 4096

// newTestEarly returns an initialized EarlyAllocator over [start, start+size).
func newTestEarly(t testing.TB, start, size uintptr) *EarlyAllocator {
	t.Helper()
	a, err := NewEarly(testPageSize)
	require.NoError(t, err)
	require.NoError(t, a.Init(start, size))
	require.NoError(t, a.validate())
	return a
}

func TestEarlyAllocator_Scenario(t *testing.T) {
	a := newTestEarly(t, 0x1000, 0x4000)

	addr, err := a.Alloc(Layout{Size: 64, Align: 8})
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1000), addr)

	page, err := a.AllocPages(1, 4096)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x4000), page)

	assert.Equal(t, uintptr(4), a.TotalPages())
	assert.Equal(t, uintptr(1), a.UsedPages())
	assert.Equal(t, uintptr(3), a.AvailablePages())

	assert.Equal(t, uintptr(0x4000), a.TotalBytes())
	assert.Equal(t, uintptr(64), a.UsedBytes())
	assert.Equal(t, uintptr(0x4000-0x1000-64), a.AvailableBytes())
	require.NoError(t, a.validate())
}

func TestNewEarly_PageSize(t *testing.T) {
	for _, ps := range []uintptr{0, 3, 4095, 6144} {
		_, err := NewEarly(ps)
		require.ErrorIs(t, err, ErrInvalidParam, "page size %d", ps)
	}
	a, err := NewEarly(16384)
	require.NoError(t, err)
	assert.Equal(t, uintptr(16384), a.PageSize())

	assert.Panics(t, func() { MustNewEarly(1000) })
	assert.NotPanics(t, func() { MustNewEarly(4096) })
}

func TestEarlyAllocator_Init(t *testing.T) {
	a := MustNewEarly(testPageSize)

	require.ErrorIs(t, a.Init(0, 0x1000), ErrInvalidParam)
	require.ErrorIs(t, a.Init(math.MaxUint64-0x10, 0x1000), ErrInvalidParam)

	require.NoError(t, a.Init(0x1000, 0x4000))
	assert.Equal(t, mem.Span{Base: 0x1000, Acme: 0x5000}, a.Bounds())
	assert.Equal(t, EarlyStats{Start: 0x1000, End: 0x5000, BytesPos: 0x1000, PagesPos: 0x5000}, a.Stats())

	require.ErrorIs(t, a.Init(0x9000, 0x1000), ErrAlreadyInitialized)
	assert.Equal(t, mem.Span{Base: 0x1000, Acme: 0x5000}, a.Bounds(), "second Init must not change state")
}

func TestEarlyAllocator_Uninitialized(t *testing.T) {
	a := MustNewEarly(testPageSize)

	_, err := a.Alloc(Layout{Size: 8, Align: 8})
	require.ErrorIs(t, err, ErrUninitialized)
	_, err = a.AllocPages(1, testPageSize)
	require.ErrorIs(t, err, ErrUninitialized)
	require.ErrorIs(t, a.AddMemory(0x1000, 0x1000), ErrUninitialized)

	assert.Zero(t, a.TotalBytes())
	assert.Zero(t, a.AvailablePages())
}

// Zero-size requests never move the arena and return the alignment.
func TestEarlyAllocator_ZeroSize(t *testing.T) {
	a := newTestEarly(t, 0x1000, 0x4000)
	_, err := a.Alloc(Layout{Size: 24, Align: 8})
	require.NoError(t, err)
	before := a.Stats()

	for _, align := range []uintptr{1, 8, 64, 4096} {
		addr, err := a.Alloc(Layout{Size: 0, Align: align})
		require.NoError(t, err)
		assert.Equal(t, align, addr)
		assert.Equal(t, before, a.Stats())

		a.Dealloc(addr, Layout{Size: 0, Align: align})
		assert.Equal(t, before, a.Stats())
	}
}

// If AvailableBytes >= N then Alloc(N, 1) succeeds and the counters move by exactly N.
func TestEarlyAllocator_Accounting(t *testing.T) {
	a := newTestEarly(t, 0x1000, 0x4000)
	_, err := a.AllocPages(2, testPageSize)
	require.NoError(t, err)

	for _, n := range []uintptr{1, 7, 100, 0x800} {
		avail, used := a.AvailableBytes(), a.UsedBytes()
		require.GreaterOrEqual(t, avail, n)
		_, err := a.Alloc(Layout{Size: n, Align: 1})
		require.NoError(t, err)
		assert.Equal(t, used+n, a.UsedBytes())
		assert.Equal(t, avail-n, a.AvailableBytes())
	}

	// Exactly the remaining space still fits.
	rest := a.AvailableBytes()
	_, err = a.Alloc(Layout{Size: rest, Align: 1})
	require.NoError(t, err)
	assert.Zero(t, a.AvailableBytes())

	_, err = a.Alloc(Layout{Size: 1, Align: 1})
	require.ErrorIs(t, err, ErrNoMemory)
	require.NoError(t, a.validate())
}

func TestEarlyAllocator_AllocAlignment(t *testing.T) {
	a := newTestEarly(t, 0x1001, 0x8000)

	for _, align := range []uintptr{1, 2, 8, 16, 256, 4096} {
		addr, err := a.Alloc(Layout{Size: 3, Align: align})
		require.NoError(t, err)
		assert.True(t, mem.IsAligned(addr, align), "addr %#x align %d", addr, align)
	}

	_, err := a.Alloc(Layout{Size: 8, Align: 0})
	require.ErrorIs(t, err, ErrInvalidParam)
	_, err = a.Alloc(Layout{Size: 8, Align: 24})
	require.ErrorIs(t, err, ErrInvalidParam)
}

func TestEarlyAllocator_AllocOverflow(t *testing.T) {
	a := newTestEarly(t, 0x1000, 0x4000)

	_, err := a.Alloc(Layout{Size: math.MaxUint64, Align: 1})
	require.ErrorIs(t, err, ErrNoMemory)
	_, err = a.Alloc(Layout{Size: 8, Align: 1 << 63})
	require.ErrorIs(t, err, ErrNoMemory)
	assert.Equal(t, uintptr(0x1000), a.Stats().BytesPos)
}

func TestEarlyAllocator_AllocCannotCrossPages(t *testing.T) {
	a := newTestEarly(t, 0x1000, 0x4000)
	_, err := a.AllocPages(3, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x2000), a.Stats().PagesPos)

	_, err = a.Alloc(Layout{Size: 0x1001, Align: 1})
	require.ErrorIs(t, err, ErrNoMemory)

	addr, err := a.Alloc(Layout{Size: 0x1000, Align: 1})
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x1000), addr)

	_, err = a.AllocPages(1, testPageSize)
	require.ErrorIs(t, err, ErrNoMemory)
}

// A successful AllocPages(n, align) is a multiple of align and uses n pages.
func TestEarlyAllocator_PageAlignment(t *testing.T) {
	a := newTestEarly(t, 0x10000, 0x100000)

	cases := []struct{ count, align uintptr }{
		{1, testPageSize},
		{3, testPageSize},
		{2, 4 * testPageSize},
		{1, 16 * testPageSize},
		{5, 1}, // below page size: still page aligned
	}
	for _, c := range cases {
		used := a.TotalPages() - a.AvailablePages()
		top := a.Stats().PagesPos - c.count*testPageSize
		addr, err := a.AllocPages(c.count, c.align)
		require.NoError(t, err)
		assert.True(t, mem.IsAligned(addr, max(c.align, testPageSize)), "addr %#x align %d", addr, c.align)
		if mem.IsAligned(top, max(c.align, testPageSize)) {
			assert.Equal(t, used+c.count, a.TotalPages()-a.AvailablePages())
		} else {
			assert.Greater(t, a.TotalPages()-a.AvailablePages(), used+c.count)
		}
	}
	require.NoError(t, a.validate())

	_, err := a.AllocPages(0, testPageSize)
	require.ErrorIs(t, err, ErrInvalidParam)
	_, err = a.AllocPages(1, 3*testPageSize)
	require.ErrorIs(t, err, ErrInvalidParam)
	_, err = a.AllocPages(math.MaxUint64/testPageSize+1, testPageSize)
	require.ErrorIs(t, err, ErrNoMemory)
	_, err = a.AllocPages(0x1000, testPageSize)
	require.ErrorIs(t, err, ErrNoMemory)
}

// The block start is aligned, not its end, so a block smaller than its
// alignment still comes back aligned.
func TestEarlyAllocator_PageAlignmentLargerThanBlock(t *testing.T) {
	a := newTestEarly(t, 0x10000, 0x100000)

	p, err := a.AllocPages(2, 0x4000)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x10c000), p)

	p, err = a.AllocPages(3, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x108000), p)

	p, err = a.AllocPages(1, 0x10000)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x100000), p)
	assert.Equal(t, uintptr(0x10), a.UsedPages(), "alignment gaps stay with the page arena")
	require.NoError(t, a.validate())

	// The aligned start must still clear the byte arena.
	b := newTestEarly(t, 0x11000, 0x3000)
	_, err = b.Alloc(Layout{Size: 8, Align: 8})
	require.NoError(t, err)
	_, err = b.AllocPages(1, 0x4000)
	require.ErrorIs(t, err, ErrNoMemory, "0x13000 aligns down to 0x10000, below bytesPos")
	assert.Equal(t, uintptr(0x14000), b.Stats().PagesPos)

	p, err = b.AllocPages(1, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x13000), p)
}

// Freeing B then A retracts fully; freeing A first does not retract until B goes.
func TestEarlyAllocator_EdgeRetraction(t *testing.T) {
	t.Run("edge order", func(t *testing.T) {
		a := newTestEarly(t, 0x1000, 0x4000)
		_, err := a.Alloc(Layout{Size: 32, Align: 8}) // keeps the counter above zero
		require.NoError(t, err)
		preA := a.Stats().BytesPos

		la, lb := Layout{Size: 64, Align: 8}, Layout{Size: 128, Align: 8}
		blockA, err := a.Alloc(la)
		require.NoError(t, err)
		blockB, err := a.Alloc(lb)
		require.NoError(t, err)
		require.Equal(t, blockA+64, blockB)

		a.Dealloc(blockB, lb)
		assert.Equal(t, blockB, a.Stats().BytesPos)
		a.Dealloc(blockA, la)
		assert.Equal(t, preA, a.Stats().BytesPos)
		assert.Equal(t, uintptr(1), a.Stats().BytesCount)
	})

	t.Run("non-edge order", func(t *testing.T) {
		a := newTestEarly(t, 0x1000, 0x4000)
		preA := a.Stats().BytesPos

		la, lb := Layout{Size: 64, Align: 8}, Layout{Size: 128, Align: 8}
		blockA, err := a.Alloc(la)
		require.NoError(t, err)
		blockB, err := a.Alloc(lb)
		require.NoError(t, err)
		top := a.Stats().BytesPos

		a.Dealloc(blockA, la)
		assert.Equal(t, top, a.Stats().BytesPos, "freeing a non-edge block must not retract")
		assert.Equal(t, uintptr(1), a.Stats().BytesCount)

		a.Dealloc(blockB, lb)
		assert.Equal(t, preA, a.Stats().BytesPos)
		assert.Zero(t, a.Stats().BytesCount)
	})

	t.Run("hole reclaimed on reset", func(t *testing.T) {
		a := newTestEarly(t, 0x1000, 0x4000)
		l := Layout{Size: 16, Align: 8}
		x, _ := a.Alloc(l)
		y, _ := a.Alloc(l)
		z, _ := a.Alloc(l)

		a.Dealloc(y, l) // hole
		a.Dealloc(z, l) // retracts to z only
		assert.Equal(t, z, a.Stats().BytesPos)
		a.Dealloc(x, l)
		assert.Equal(t, uintptr(0x1000), a.Stats().BytesPos)
		require.NoError(t, a.validate())
	})
}

func TestEarlyAllocator_PageEdgeRetraction(t *testing.T) {
	a := newTestEarly(t, 0x1000, 0x8000)

	p1, err := a.AllocPages(1, testPageSize)
	require.NoError(t, err)
	p2, err := a.AllocPages(2, testPageSize)
	require.NoError(t, err)
	p3, err := a.AllocPages(1, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, []uintptr{0x8000, 0x6000, 0x5000}, []uintptr{p1, p2, p3})

	a.DeallocPages(p2, 2) // not at the edge
	assert.Equal(t, p3, a.Stats().PagesPos)

	a.DeallocPages(p3, 1) // at the edge: retracts to p3's end
	assert.Equal(t, p2, a.Stats().PagesPos)
	assert.Equal(t, uintptr(1), a.Stats().PagesCount)

	a.DeallocPages(p1, 1)
	assert.Equal(t, uintptr(0x9000), a.Stats().PagesPos)
	assert.Zero(t, a.UsedPages())
	require.NoError(t, a.validate())
}

// A region strictly inside the interval is rejected without changing anything.
func TestEarlyAllocator_AddMemoryOverlap(t *testing.T) {
	a := newTestEarly(t, 0x10000, 0x10000)
	_, err := a.Alloc(Layout{Size: 64, Align: 8})
	require.NoError(t, err)
	_, err = a.AllocPages(1, testPageSize)
	require.NoError(t, err)
	before := a.Stats()

	overlapping := []struct{ start, size uintptr }{
		{0x14000, 0x1000},  // strictly inside
		{0x10000, 0x10000}, // identical
		{0xf000, 0x2000},   // straddles start
		{0x1f000, 0x2000},  // straddles end
		{0x8000, 0x20000},  // covers everything
	}
	for _, r := range overlapping {
		err := a.AddMemory(r.start, r.size)
		require.ErrorIs(t, err, ErrMemoryOverlap, "%#x+%#x", r.start, r.size)
		assert.Equal(t, before, a.Stats())
	}
}

func TestEarlyAllocator_AddMemoryNotAdjacent(t *testing.T) {
	a := newTestEarly(t, 0x10000, 0x10000)
	before := a.Stats()

	require.ErrorIs(t, a.AddMemory(0x30000, 0x1000), ErrNotAdjacent)
	require.ErrorIs(t, a.AddMemory(0x1000, 0x1000), ErrNotAdjacent)
	assert.Equal(t, before, a.Stats())

	require.ErrorIs(t, a.AddMemory(math.MaxUint64-0x10, 0x1000), ErrInvalidParam)
	require.NoError(t, a.AddMemory(0x30000, 0), "zero-size block is a no-op")
	assert.Equal(t, before, a.Stats())
}

// Growing at end while the page arena is idle drags pagesPos along.
func TestEarlyAllocator_AddMemoryGrowUpIdle(t *testing.T) {
	a := newTestEarly(t, 0x10000, 0x10000)

	require.NoError(t, a.AddMemory(0x20000, 0x8000))
	st := a.Stats()
	assert.Equal(t, uintptr(0x28000), st.End)
	assert.Equal(t, uintptr(0x28000), st.PagesPos)
	assert.Equal(t, uintptr(0x18000/testPageSize), a.AvailablePages())

	p, err := a.AllocPages(1, testPageSize)
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x27000), p)
}

// With live page blocks, growth at end extends the interval but leaves pagesPos.
func TestEarlyAllocator_AddMemoryGrowUpBusy(t *testing.T) {
	a := newTestEarly(t, 0x10000, 0x10000)
	p, err := a.AllocPages(1, testPageSize)
	require.NoError(t, err)

	require.NoError(t, a.AddMemory(0x20000, 0x8000))
	st := a.Stats()
	assert.Equal(t, uintptr(0x28000), st.End)
	assert.Equal(t, p, st.PagesPos)

	// Once the last page block goes, the arena snaps to the new end.
	a.DeallocPages(p, 1)
	assert.Equal(t, uintptr(0x28000), a.Stats().PagesPos)
	require.NoError(t, a.validate())
}

func TestEarlyAllocator_AddMemoryGrowDown(t *testing.T) {
	a := newTestEarly(t, 0x10000, 0x10000)

	require.NoError(t, a.AddMemory(0x8000, 0x8000))
	st := a.Stats()
	assert.Equal(t, uintptr(0x8000), st.Start)
	assert.Equal(t, uintptr(0x8000), st.BytesPos, "idle byte arena follows start")

	addr, err := a.Alloc(Layout{Size: 16, Align: 8})
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x8000), addr)

	// Busy byte arena keeps its pointer.
	require.NoError(t, a.AddMemory(0x4000, 0x4000))
	assert.Equal(t, uintptr(0x4000), a.Stats().Start)
	assert.Equal(t, uintptr(0x8010), a.Stats().BytesPos)

	a.Dealloc(addr, Layout{Size: 16, Align: 8})
	assert.Equal(t, uintptr(0x4000), a.Stats().BytesPos)
	assert.Equal(t, uintptr(0x1c000), a.TotalBytes())
	require.NoError(t, a.validate())
}

func TestEarlyAllocator_String(t *testing.T) {
	a := newTestEarly(t, 0x1000, 0x4000)
	assert.Contains(t, a.String(), "[0x1000, 0x5000)")
}

// Random mixes of every mutating call keep the invariants, and live blocks never
// overlap each other.
func TestEarlyAllocator_RandomOps_Invariants(t *testing.T) {
	a := newTestEarly(t, 0x1000000, 0x40000)
	rng := rand.New(rand.NewSource(42)) // Fixed seed for reproducibility

	type block struct {
		addr, size uintptr
		layout     Layout
		pages      uintptr
	}
	var bytesLive, pagesLive []block

	for step := range 3000 {
		switch op := rng.Intn(10); {
		case op < 4:
			l := Layout{Size: uintptr(rng.Intn(512)), Align: uintptr(1) << rng.Intn(7)}
			addr, err := a.Alloc(l)
			if err != nil {
				require.ErrorIs(t, err, ErrNoMemory, "step %d", step)
				break
			}
			require.True(t, mem.IsAligned(addr, l.Align))
			if l.Size > 0 {
				bytesLive = append(bytesLive, block{addr: addr, size: l.Size, layout: l})
			}
		case op < 6:
			n := uintptr(1 + rng.Intn(5))
			align := uintptr(testPageSize) << rng.Intn(6)
			usedBefore := a.TotalPages() - a.AvailablePages()
			addr, err := a.AllocPages(n, align)
			if err != nil {
				require.ErrorIs(t, err, ErrNoMemory, "step %d", step)
				break
			}
			require.True(t, mem.IsAligned(addr, align), "step %d: addr %#x align %#x", step, addr, align)
			require.GreaterOrEqual(t, a.TotalPages()-a.AvailablePages(), usedBefore+n, "step %d", step)
			pagesLive = append(pagesLive, block{addr: addr, size: n * testPageSize, pages: n})
		case op < 8 && len(bytesLive) > 0:
			i := rng.Intn(len(bytesLive))
			b := bytesLive[i]
			bytesLive = append(bytesLive[:i], bytesLive[i+1:]...)
			a.Dealloc(b.addr, b.layout)
		case op < 9 && len(pagesLive) > 0:
			i := rng.Intn(len(pagesLive))
			b := pagesLive[i]
			pagesLive = append(pagesLive[:i], pagesLive[i+1:]...)
			a.DeallocPages(b.addr, b.pages)
		default:
			b := a.Bounds()
			size := uintptr(1+rng.Intn(4)) * testPageSize
			if rng.Intn(2) == 0 {
				require.NoError(t, a.AddMemory(b.Acme, size), "step %d", step)
			} else {
				require.NoError(t, a.AddMemory(b.Base-size, size), "step %d", step)
			}
		}

		require.NoError(t, a.validate(), "step %d", step)
		st := a.Stats()
		assert.Equal(t, uintptr(len(bytesLive)), st.BytesCount, "step %d", step)
		assert.Equal(t, uintptr(len(pagesLive)), st.PagesCount, "step %d", step)
		for _, b := range bytesLive {
			require.True(t, b.addr >= st.Start && b.addr+b.size <= st.BytesPos, "step %d: byte block escaped arena", step)
		}
		for _, b := range pagesLive {
			require.True(t, b.addr >= st.PagesPos && b.addr+b.size <= st.End, "step %d: page block escaped arena", step)
		}
	}
}

func BenchmarkEarlyAllocator_AllocDealloc(b *testing.B) {
	a := newTestEarly(b, 0x100000, 0x100000)
	l := Layout{Size: 64, Align: 16}

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		addr, err := a.Alloc(l)
		if err != nil {
			b.Fatal(err)
		}
		a.Dealloc(addr, l)
	}
}

func BenchmarkEarlyAllocator_AllocPages(b *testing.B) {
	a := newTestEarly(b, 0x100000, 0x100000)

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		addr, err := a.AllocPages(1, testPageSize)
		if err != nil {
			b.Fatal(err)
		}
		a.DeallocPages(addr, 1)
	}
}
