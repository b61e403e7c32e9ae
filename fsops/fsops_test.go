package fsops

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kore/defs"
)

func TestFsErrorToErrTable(t *testing.T) {
	require.Equal(t, defs.Err_t(0), FsOk.ToErr())
	require.Equal(t, defs.EFsPathNotFound, FsPathNotFound.ToErr())
	require.Equal(t, defs.EFsAccessDenied, FsAccessDenied.ToErr())
	require.Equal(t, defs.EFsExists, FsExists.ToErr())
}

func TestMemfsOpenWriteReadRoundTrip(t *testing.T) {
	var m Mount = NewMemfs()

	node, ferr := m.Open("/greeting.txt", 1, AccessWrite)
	require.Equal(t, FsOk, ferr)

	n, ferr := m.Write(node, []byte("hello"), 0)
	require.Equal(t, FsOk, ferr)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, ferr = m.Read(node, buf, 0)
	require.Equal(t, FsOk, ferr)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
}

func TestMemfsOpenMissingWithoutCreateFails(t *testing.T) {
	m := NewMemfs()
	_, ferr := m.Open("/nope.txt", 0, AccessRead)
	require.Equal(t, FsPathNotFound, ferr)
}

func TestMemfsMkdirThenReaddirListsChild(t *testing.T) {
	m := NewMemfs()
	_, ferr := m.Mkdir("/docs", 0o755)
	require.Equal(t, FsOk, ferr)

	_, ferr = m.Open("/docs/a.txt", 1, AccessWrite)
	require.Equal(t, FsOk, ferr)

	root, ferr := m.Open("/", 0, AccessRead)
	require.Equal(t, FsOk, ferr)

	st, _, ferr := m.Readdir(root, 0)
	require.Equal(t, FsOk, ferr)
	require.Equal(t, "/docs", st.Name)
	require.True(t, st.IsDir)
}

func TestMemfsUnlinkRemovesFile(t *testing.T) {
	m := NewMemfs()
	_, _ = m.Open("/x.txt", 1, AccessWrite)
	require.Equal(t, FsOk, m.Unlink("/x.txt"))
	require.Equal(t, FsPathNotFound, m.Unlink("/x.txt"))
}
