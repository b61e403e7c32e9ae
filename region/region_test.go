package region

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kore/defs"
	"kore/mem"
	"kore/vm"
)

func freshDomain(t *testing.T) (*vm.Domain, *mem.Allocator) {
	t.Helper()
	a := mem.NewAllocator(
		[]mem.MemRange{{Base: 0, Length: 4096 * mem.PGSIZE, Available: true}},
		[]mem.MemRange{{Base: 0, Length: mem.PGSIZE}},
	)
	return vm.NewDomain(a, nil), a
}

// TestSharedMemoryRoundTrip reproduces scenario S1: P1 creates an
// 8 KiB region, writes at offset 0 and offset 4095, hands the handle
// to P2 which inherits it read-only, and the bytes read back through
// the region's kernel view (whose frames P2's view shares); growing it
// from P1's side and refreshing from P2's side surfaces the new zeroed
// tail.
func TestSharedMemoryRoundTrip(t *testing.T) {
	domain, alloc := freshDomain(t)
	p1, err := domain.Create(0, nil)
	require.Equal(t, defs.Err_t(0), err)
	p2, err := domain.Create(0, nil)
	require.Equal(t, defs.Err_t(0), err)

	r, _, userView, err := Create(alloc, domain, p1, 8192, 16384, vm.Present|vm.Write)
	require.Equal(t, defs.Err_t(0), err)
	require.NotNil(t, r)

	require.Equal(t, defs.Err_t(0), r.Write(0, []byte{0xAB}))
	require.Equal(t, defs.Err_t(0), r.Write(4095, []byte{0xCD}))

	view2, length, err := r.Inherit(p2, vm.Present)
	require.Equal(t, defs.Err_t(0), err)
	require.EqualValues(t, 8192, length)

	buf := make([]byte, 1)
	require.Equal(t, defs.Err_t(0), r.Read(0, buf))
	require.Equal(t, byte(0xAB), buf[0])
	require.Equal(t, defs.Err_t(0), r.Read(4095, buf))
	require.Equal(t, byte(0xCD), buf[0])

	require.Equal(t, defs.Err_t(0), r.Resize(p1, userView, 16384))
	newLen, err := r.Refresh(p2, view2, 8192)
	require.Equal(t, defs.Err_t(0), err)
	require.EqualValues(t, 16384, newLen)

	tail := make([]byte, 1)
	require.Equal(t, defs.Err_t(0), r.Read(8192, tail))
	require.Equal(t, byte(0), tail[0], "newly committed pages must read as zero")
}

func TestReadWriteOutOfRange(t *testing.T) {
	domain, alloc := freshDomain(t)
	p1, _ := domain.Create(0, nil)
	r, _, _, err := Create(alloc, domain, p1, 4096, 4096, vm.Present|vm.Write)
	require.Equal(t, defs.Err_t(0), err)

	require.Equal(t, defs.EInvalidParams, r.Write(4096, []byte{1}))
	require.Equal(t, defs.EInvalidParams, r.Read(4000, make([]byte, 100)))
}

func TestGetSGCoalescesContiguousRuns(t *testing.T) {
	domain, alloc := freshDomain(t)
	p1, _ := domain.Create(0, nil)
	r, _, _, err := Create(alloc, domain, p1, 3*mem.PGSIZE, 3*mem.PGSIZE, vm.Present|vm.Write)
	require.Equal(t, defs.Err_t(0), err)

	n := r.GetSG(nil, 0)
	require.GreaterOrEqual(t, n, 1)
	out := make([]SGEntry, n)
	got := r.GetSG(out, 0)
	require.Equal(t, n, got)

	var total uintptr
	for _, e := range out[:got] {
		total += e.Length
	}
	require.EqualValues(t, 3*mem.PGSIZE, total)
}

func TestResizeByInheritorRejected(t *testing.T) {
	domain, alloc := freshDomain(t)
	p1, _ := domain.Create(0, nil)
	p2, _ := domain.Create(0, nil)
	r, _, _, err := Create(alloc, domain, p1, 8192, 16384, vm.Present|vm.Write)
	require.Equal(t, defs.Err_t(0), err)

	view2, _, err := r.Inherit(p2, vm.Present)
	require.Equal(t, defs.Err_t(0), err)

	require.Equal(t, defs.ENoPermissions, r.Resize(p2, view2, 16384), "only the producer may resize the region")
}

func TestResizeShrinkRejected(t *testing.T) {
	domain, alloc := freshDomain(t)
	p1, _ := domain.Create(0, nil)
	r, _, userView, err := Create(alloc, domain, p1, 8192, 8192, vm.Present|vm.Write)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, defs.EInvalidParams, r.Resize(p1, userView, 4096))
}
