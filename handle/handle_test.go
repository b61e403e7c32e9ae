package handle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kore/defs"
)

func TestCreateAcquireRelease(t *testing.T) {
	tbl := New()
	destroyed := false
	id := tbl.Create(TypeRegion, "payload", func(any) { destroyed = true })

	v, ok := tbl.LookupTyped(id, TypeRegion)
	require.True(t, ok)
	require.Equal(t, "payload", v)

	require.Equal(t, defs.Err_t(0), tbl.Acquire(id))
	require.Equal(t, defs.Err_t(0), tbl.Release(id))
	require.False(t, destroyed, "still one reference held")

	require.Equal(t, defs.Err_t(0), tbl.Release(id))
	require.True(t, destroyed)

	_, ok = tbl.LookupTyped(id, TypeRegion)
	require.False(t, ok, "released id must not resolve")
}

func TestReusedIdNeverAliasesLiveObject(t *testing.T) {
	tbl := New()
	id1 := tbl.Create(TypeThread, "first", nil)
	require.Equal(t, defs.Err_t(0), tbl.Release(id1))

	id2 := tbl.Create(TypeThread, "second", nil)
	require.Equal(t, id1.index(), id2.index(), "slot should be reused")
	require.NotEqual(t, id1, id2, "generation must differ")

	_, ok := tbl.LookupTyped(id1, TypeThread)
	require.False(t, ok, "stale id must not resolve to the new object")
	v, ok := tbl.LookupTyped(id2, TypeThread)
	require.True(t, ok)
	require.Equal(t, "second", v)
}

func TestLookupTypedRejectsTypeMismatch(t *testing.T) {
	tbl := New()
	id := tbl.Create(TypeSpace, 42, nil)
	_, ok := tbl.LookupTyped(id, TypeRegion)
	require.False(t, ok)
}

func TestUnknownIdIsDoesNotExist(t *testing.T) {
	tbl := New()
	require.Equal(t, defs.EDoesNotExist, tbl.Acquire(Id(0xBEEF)))
}
