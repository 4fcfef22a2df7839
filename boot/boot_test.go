package boot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kalloc/alloc"
	"github.com/joshuapare/kalloc/global"
	"github.com/joshuapare/kalloc/internal/mem"
	"github.com/joshuapare/kalloc/internal/talc"
	"github.com/joshuapare/kalloc/memmap"
)

func loadTestScenario(t *testing.T) (*memmap.Map, Trace) {
	t.Helper()
	m, tr, err := LoadScenario("testdata/scenario.yaml")
	require.NoError(t, err)
	return m, tr
}

func TestParseStrategy(t *testing.T) {
	for _, in := range []string{"early", "Talc", " GLOBAL "} {
		_, err := ParseStrategy(in)
		require.NoError(t, err, in)
	}
	s, err := ParseStrategy("talc")
	require.NoError(t, err)
	assert.Equal(t, StrategyTalc, s)

	_, err = ParseStrategy("buddy")
	require.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestRun_Outcomes(t *testing.T) {
	m, _ := loadTestScenario(t)

	for _, s := range []Strategy{StrategyEarly, StrategyTalc, StrategyGlobal} {
		t.Run(string(s), func(t *testing.T) {
			res, err := Run(context.Background(), m, s)
			require.NoError(t, err)

			require.Len(t, res.Steps, 4, "reserved region is never offered")
			assert.Equal(t, "init", res.Steps[0].Op)
			assert.Equal(t, "bank1", res.Steps[1].Region.Name)
			assert.True(t, res.Steps[1].Accepted)
			assert.ErrorIs(t, res.Steps[2].Err, alloc.ErrNotAdjacent)
			assert.ErrorIs(t, res.Steps[3].Err, alloc.ErrMemoryOverlap)
			assert.NotEmpty(t, res.Steps[3].Error)

			assert.Equal(t, 2, res.Accepted())
			assert.Equal(t, 2, res.Rejected())
			assert.Equal(t, mem.Span{Base: 0x80000000, Acme: 0x80140000}, res.Managed())
			assert.Equal(t, uintptr(4096), res.PageSize)
		})
	}
}

func TestRun_StrategyShapes(t *testing.T) {
	m, _ := loadTestScenario(t)
	ctx := context.Background()

	res, err := Run(ctx, m, StrategyEarly)
	require.NoError(t, err)
	require.NotNil(t, res.Pages)
	assert.IsType(t, &alloc.EarlyAllocator{}, res.Bytes)
	assert.Equal(t, uintptr(0x140000), res.Bytes.TotalBytes())
	assert.Equal(t, uintptr(0x140), res.Pages.TotalPages())

	res, err = Run(ctx, m, StrategyTalc)
	require.NoError(t, err)
	assert.Nil(t, res.Pages)
	assert.IsType(t, &alloc.TalcByteAllocator{}, res.Bytes)
	assert.Equal(t, uintptr(0x140000), res.Bytes.TotalBytes())

	res, err = Run(ctx, m, StrategyGlobal, WithHeapPages(8))
	require.NoError(t, err)
	g, ok := res.Bytes.(*global.Allocator)
	require.True(t, ok)
	assert.Equal(t, uintptr(8*4096), g.TotalBytes())
	assert.Equal(t, uintptr(8), g.UsedPages())
}

func TestRun_SizeClasses(t *testing.T) {
	m, _ := loadTestScenario(t)
	res, err := Run(context.Background(), m, StrategyTalc, WithSizeClasses(talc.ConfigFineGrained))
	require.NoError(t, err)

	addr, err := res.Bytes.Alloc(alloc.Layout{Size: 24, Align: 8})
	require.NoError(t, err)
	assert.Equal(t, uintptr(0x80000000), addr)
}

func TestRun_InitFailure(t *testing.T) {
	m := &memmap.Map{
		PageSize: 4096,
		Memory:   memmap.Region{Name: "memory", Kind: memmap.KindRAM, Base: 0x1001, Size: 4},
	}
	res, err := Run(context.Background(), m, StrategyTalc)
	require.ErrorIs(t, err, ErrInitFailed)
	require.ErrorIs(t, err, alloc.ErrInvalidParam)
	require.NotNil(t, res)
	require.Len(t, res.Steps, 1)
	assert.False(t, res.Steps[0].Accepted)
}

func TestRun_Errors(t *testing.T) {
	m, _ := loadTestScenario(t)

	_, err := Run(context.Background(), m, Strategy("slab"))
	require.ErrorIs(t, err, ErrUnknownStrategy)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Run(ctx, m, StrategyEarly)
	require.ErrorIs(t, err, context.Canceled)

	_, err = Run(context.Background(), m, StrategyGlobal, WithHeapPages(1000))
	require.ErrorIs(t, err, alloc.ErrNoMemory)

	bad := *m
	bad.PageSize = 3000
	_, err = Run(context.Background(), &bad, StrategyEarly)
	require.ErrorIs(t, err, alloc.ErrInvalidParam)
}

func TestRun_Coalesce(t *testing.T) {
	m := &memmap.Map{
		PageSize: 4096,
		Memory:   memmap.Region{Name: "memory", Kind: memmap.KindRAM, Base: 0x100000, Size: 0x40000},
		Regions: []memmap.Region{
			{Name: "low", Kind: memmap.KindRAM, Base: 0xf0000, Size: 0x10000},
			{Name: "high", Kind: memmap.KindRAM, Base: 0x140000, Size: 0x10000},
		},
	}

	res, err := Run(context.Background(), m, StrategyEarly)
	require.NoError(t, err)
	assert.Len(t, res.Steps, 3)
	assert.Equal(t, 3, res.Accepted())

	res, err = Run(context.Background(), m, StrategyEarly, WithCoalesce())
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, memmap.Addr(0xf0000), res.Steps[0].Region.Base)
	assert.Equal(t, uintptr(0x60000), res.Bytes.TotalBytes())
}
