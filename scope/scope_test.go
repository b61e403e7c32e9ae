package scope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kore/defs"
	"kore/fsops"
	"kore/handle"
)

func TestGetUnknownProcessReturnsFalse(t *testing.T) {
	tbl := NewTable()
	_, ok := tbl.Get(42)
	require.False(t, ok)
}

func TestResolvePicksLongestMountPrefix(t *testing.T) {
	tbl := NewTable()
	sc := tbl.Create(1, AllVerbs)

	root := fsops.NewMemfs()
	data := fsops.NewMemfs()
	sc.Mount("/", root)
	sc.Mount("/data", data)

	mount, sub, err := sc.Resolve("/data/logs/a.txt")
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, data, mount.(*fsops.Memfs))
	require.Equal(t, "logs/a.txt", sub)

	mount, sub, err = sc.Resolve("/readme.txt")
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, root, mount.(*fsops.Memfs))
	require.Equal(t, "readme.txt", sub)
}

func TestResolveCanonicalizesDotDotAndDuplicateSlashes(t *testing.T) {
	tbl := NewTable()
	sc := tbl.Create(1, AllVerbs)
	m := fsops.NewMemfs()
	sc.Mount("/", m)

	_, sub, err := sc.Resolve("//a//b/../c")
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, "a/c", sub)
}

func TestResolveWithNoMountsFails(t *testing.T) {
	tbl := NewTable()
	sc := tbl.Create(1, AllVerbs)
	_, _, err := sc.Resolve("/anything")
	require.Equal(t, defs.EFsPathNotFound, err)
}

func TestOpenDeniedWithoutVerbPermission(t *testing.T) {
	tbl := NewTable()
	sc := tbl.Create(1, 0)
	sc.Mount("/", fsops.NewMemfs())

	htbl := handle.New()
	_, err := Open(sc, htbl, "/x.txt", 1, fsops.AccessWrite)
	require.Equal(t, defs.ENoPermissions, err)
}

func TestOpenRegistersHandleUsableViaFileHandle(t *testing.T) {
	tbl := NewTable()
	sc := tbl.Create(1, AllVerbs)
	m := fsops.NewMemfs()
	sc.Mount("/", m)

	htbl := handle.New()
	id, err := Open(sc, htbl, "/new.txt", 1, fsops.AccessWrite)
	require.Equal(t, defs.Err_t(0), err)

	mount, node, ok := FileHandle(htbl, id)
	require.True(t, ok)
	require.Equal(t, m, mount.(*fsops.Memfs))

	n, ferr := mount.Write(node, []byte("hi"), 0)
	require.Equal(t, fsops.FsOk, ferr)
	require.Equal(t, 2, n)
}
