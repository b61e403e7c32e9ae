package vfs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kore/defs"
	"kore/fsops"
	"kore/scope"
)

func freshDispatcher(t *testing.T) (*Dispatcher, *scope.Table, *fsops.Memfs) {
	t.Helper()
	scopes := scope.NewTable()
	sc := scopes.Create(1, scope.AllVerbs)
	m := fsops.NewMemfs()
	sc.Mount("/", m)

	d := New(scopes)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx, 4)
	return d, scopes, m
}

func await(t *testing.T, ch <-chan Reply) Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("request never completed")
		return Reply{}
	}
}

func TestOpenWriteReadThroughDispatcher(t *testing.T) {
	d, _, _ := freshDispatcher(t)

	_, openCh := d.Submit(VerbOpen, 1, "/a.txt", OpenParams{Options: 1, Access: fsops.AccessWrite})
	r := await(t, openCh)
	require.Equal(t, defs.Err_t(0), r.Err)
	node := r.Data.(fsops.FileNode)

	_, writeCh := d.Submit(VerbWrite, 1, "/a.txt", WriteParams{Node: node, Buf: []byte("hi")})
	r = await(t, writeCh)
	require.Equal(t, defs.Err_t(0), r.Err)
	require.Equal(t, 2, r.Data.(int))

	_, readCh := d.Submit(VerbRead, 1, "/a.txt", ReadParams{Node: node, Buf: make([]byte, 2)})
	r = await(t, readCh)
	require.Equal(t, defs.Err_t(0), r.Err)
	require.Equal(t, 2, r.Data.(int))
}

func TestSubmitToUnknownProcessFails(t *testing.T) {
	d, _, _ := freshDispatcher(t)
	_, ch := d.Submit(VerbOpen, 999, "/a.txt", OpenParams{})
	r := await(t, ch)
	require.Equal(t, defs.ENoPermissions, r.Err)
}

func TestSubmitWithoutVerbPermissionFails(t *testing.T) {
	scopes := scope.NewTable()
	sc := scopes.Create(1, 0)
	sc.Mount("/", fsops.NewMemfs())
	d := New(scopes)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, 2)

	_, ch := d.Submit(VerbOpen, 1, "/a.txt", OpenParams{})
	r := await(t, ch)
	require.Equal(t, defs.ENoPermissions, r.Err)
}

func TestCancelledRequestSkipsMountCall(t *testing.T) {
	d, _, _ := freshDispatcher(t)

	req, ch := d.Submit(VerbMkdir, 1, "/docs", MkdirParams{Perms: 0o755})
	req.Cancel()
	r := await(t, ch)
	require.Equal(t, defs.EInterrupted, r.Err)
}

func TestRequestsAgainstSameMountCompleteInSubmitOrder(t *testing.T) {
	d, _, m := freshDispatcher(t)
	_, _ = m.Mkdir("/seq", 0o755)

	const n = 20
	chans := make([]<-chan Reply, n)
	for i := 0; i < n; i++ {
		_, ch := d.Submit(VerbMkdir, 1, "/seq/x", MkdirParams{Perms: 0o755})
		chans[i] = ch
	}
	// Only the first Mkdir of a given path should succeed; the rest
	// must see FsExists. Same-mount requests run in submit order, so
	// the one success must be the first request submitted; every
	// request must also complete without hanging on the mount gate.
	oks := 0
	for i, ch := range chans {
		r := await(t, ch)
		if r.Err == 0 {
			oks++
			require.Equal(t, 0, i, "the first submitted mkdir should be the one that succeeds")
		}
	}
	require.Equal(t, 1, oks, "only the first mkdir of the same path should succeed")
}

func TestStatRequestsCollapseViaSingleflight(t *testing.T) {
	d, _, m := freshDispatcher(t)
	_, _ = m.Open("/x.txt", 1, fsops.AccessWrite)

	const n = 8
	chans := make([]<-chan Reply, n)
	for i := 0; i < n; i++ {
		_, ch := d.Submit(VerbStat, 1, "/x.txt", StatParams{})
		chans[i] = ch
	}
	for _, ch := range chans {
		r := await(t, ch)
		require.Equal(t, defs.Err_t(0), r.Err)
		st := r.Data.(fsops.FileStat)
		require.Equal(t, "/x.txt", st.Name)
	}
}
