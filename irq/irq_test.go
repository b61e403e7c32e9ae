package irq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetLeastLoadedPicksLowestPenalty(t *testing.T) {
	tbl := New()
	// First registration has no existing lines to compare against, so
	// ties go to the first candidate: line 5.
	id1, err := tbl.Register([]int{5, 6, 7}, 0, func(any) bool { return false }, nil, nil)
	require.Equal(t, defsOK, err)
	require.Equal(t, 5, id1.line())

	// Line 5 now carries penalty 1; lines 6 and 7 are still unused, so
	// the next registration lands on the first of those seen: line 6.
	id2, err := tbl.Register([]int{5, 6, 7}, 0, func(any) bool { return false }, nil, nil)
	require.Equal(t, defsOK, err)
	require.Equal(t, 6, id2.line())

	// Lines 5 and 6 both carry penalty 1 now; line 7 is still unused
	// and must be selected.
	got := tbl.GetLeastLoaded([]int{5, 6, 7})
	require.Equal(t, 7, got)
}

func TestNonShareableRejectsSecondHandler(t *testing.T) {
	tbl := New()
	id, err := tbl.Register([]int{9}, NotShareable, func(any) bool { return false }, nil, nil)
	require.Equal(t, defsOK, err)
	require.Equal(t, 9, id.line())

	_, err = tbl.Register([]int{9}, 0, func(any) bool { return false }, nil, nil)
	require.NotEqual(t, defsOK, err, "line 9 is held exclusively")
}

func TestUnregisterThenGetLeastLoadedReclaimsLine(t *testing.T) {
	tbl := New()
	id, err := tbl.Register([]int{3}, NotShareable, func(any) bool { return false }, nil, nil)
	require.Equal(t, defsOK, err)

	require.Equal(t, defsOK, tbl.Unregister(id))

	id2, err := tbl.Register([]int{3}, NotShareable, func(any) bool { return false }, nil, nil)
	require.Equal(t, defsOK, err)
	require.Equal(t, 3, id2.line())
	require.NotEqual(t, id, id2, "generation must advance so the old id cannot alias the new descriptor")
}

func TestFireRunsImmediateHandlersAndCountsThem(t *testing.T) {
	tbl := New()
	calls := 0
	_, err := tbl.Register([]int{1}, 0, func(any) bool { calls++; return false }, nil, nil)
	require.Equal(t, defsOK, err)
	_, err = tbl.Register([]int{1}, 0, func(any) bool { calls++; return false }, nil, nil)
	require.Equal(t, defsOK, err)

	n := tbl.Fire(1, "payload")
	require.Equal(t, 2, n)
	require.Equal(t, 2, calls)
}

func TestFireStopsAtFirstHandledHandler(t *testing.T) {
	tbl := New()
	var ran []int
	_, err := tbl.Register([]int{1}, 0, func(any) bool { ran = append(ran, 1); return true }, nil, nil)
	require.Equal(t, defsOK, err)
	_, err = tbl.Register([]int{1}, 0, func(any) bool { ran = append(ran, 2); return false }, nil, nil)
	require.Equal(t, defsOK, err)

	n := tbl.Fire(1, nil)
	require.Equal(t, 1, n, "second handler must not run once the first reports handled")
	require.Equal(t, []int{1}, ran)
}

func TestDeferredHandlerRunsOnWorkerNotFire(t *testing.T) {
	tbl := New()
	done := make(chan struct{})
	id, err := tbl.Register([]int{2}, 0, func(any) bool { close(done); return true }, nil, nil)
	require.Equal(t, defsOK, err)
	require.Equal(t, defsOK, tbl.MarkDeferred(id))

	go tbl.RunDeferred(nil, nil)

	n := tbl.Fire(2, nil)
	require.Equal(t, 0, n, "deferred handlers must not run inline with Fire")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("deferred handler never ran")
	}
	tbl.Stop()
}

const defsOK = 0
