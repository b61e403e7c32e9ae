package mem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kore/defs"
)

func freshAllocator(t *testing.T) *Allocator {
	t.Helper()
	ranges := []MemRange{
		{Base: 0, Length: 32 * PGSIZE, Available: true},
	}
	reserved := []MemRange{
		{Base: 0, Length: PGSIZE}, // first page always reserved
	}
	return NewAllocator(ranges, reserved)
}

func TestAllocFreeAccounting(t *testing.T) {
	a := freshAllocator(t)
	total, used := a.Stats()
	require.Equal(t, 32, total)
	require.Equal(t, 1, used, "first page must start reserved")

	p, err := a.Alloc(Pa_t(1) << 40)
	require.Equal(t, defs.Err_t(0), err)
	_, used = a.Stats()
	require.Equal(t, 2, used)

	a.Free(p)
	_, used = a.Stats()
	require.Equal(t, 1, used)
}

func TestDoubleFreePanics(t *testing.T) {
	a := freshAllocator(t)
	p, err := a.Alloc(Pa_t(1) << 40)
	require.Equal(t, defs.Err_t(0), err)
	a.Free(p)
	require.Panics(t, func() { a.Free(p) })
}

func TestExhaustion(t *testing.T) {
	a := freshAllocator(t)
	n := 0
	for {
		_, err := a.Alloc(Pa_t(1) << 40)
		if err != 0 {
			break
		}
		n++
	}
	require.Equal(t, 31, n) // 32 total - 1 reserved
	_, err := a.Alloc(Pa_t(1) << 40)
	require.Equal(t, defs.EOutOfMemory, err)
}

func TestLowMaskPrefersLowRegion(t *testing.T) {
	a := freshAllocator(t)
	p, err := a.Alloc(lowThreshold - 1)
	require.Equal(t, defs.Err_t(0), err)
	require.Less(t, p, lowThreshold)
}

func TestRefcounting(t *testing.T) {
	a := freshAllocator(t)
	p, err := a.Alloc(Pa_t(1) << 40)
	require.Equal(t, defs.Err_t(0), err)
	a.Refup(p)
	require.Equal(t, int32(2), a.Refcnt(p))
	require.False(t, a.Refdown(p))
	_, used := a.Stats()
	require.Equal(t, 2, used, "frame still owned once")
	require.True(t, a.Refdown(p))
	_, used = a.Stats()
	require.Equal(t, 1, used, "frame released at refcount zero")
}

func TestAllocRangeFreeRangeRoundTrip(t *testing.T) {
	a := freshAllocator(t)
	base := a.Base() + PGSIZE // first page is reserved
	err := a.AllocRange(base, 4)
	require.Equal(t, defs.Err_t(0), err)
	_, used := a.Stats()
	require.Equal(t, 5, used, "1 reserved + 4 just allocated")

	a.FreeRange(base, 4)
	_, used = a.Stats()
	require.Equal(t, 1, used, "range must free back down to just the reservation")
}

func TestAllocRangeRejectsAlreadyAllocatedFrame(t *testing.T) {
	a := freshAllocator(t)
	err := a.AllocRange(a.Base(), 2) // overlaps the reserved first page
	require.Equal(t, defs.EExists, err)
}

func TestExclusiveOwnership(t *testing.T) {
	// No frame is simultaneously free and allocated: every address
	// Alloc hands out must show as set in the bitmap and absent from
	// the free index until freed.
	a := freshAllocator(t)
	seen := map[Pa_t]bool{}
	for i := 0; i < 10; i++ {
		p, err := a.Alloc(Pa_t(1) << 40)
		require.Equal(t, defs.Err_t(0), err)
		require.False(t, seen[p], "frame handed out twice while live")
		seen[p] = true
		idx := a.frameOf(p)
		require.True(t, a.bitSet(idx))
		require.False(t, a.free.Has(idx))
	}
}
