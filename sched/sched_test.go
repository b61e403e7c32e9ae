package sched

import (
	"testing"

	"github.com/stretchr/testify/require"

	"kore/defs"
	"kore/mem"
	"kore/thread"
	"kore/vm"
)

func freshSystem(t *testing.T, numCores int) (*Scheduler, []*thread.Core, *vm.Domain, *thread.Table) {
	t.Helper()
	a := mem.NewAllocator(
		[]mem.MemRange{{Base: 0, Length: 4096 * mem.PGSIZE, Available: true}},
		[]mem.MemRange{{Base: 0, Length: mem.PGSIZE}},
	)
	domain := vm.NewDomain(a, nil)
	tbl := thread.NewTable()

	var cores []*thread.Core
	for i := 0; i < numCores; i++ {
		idle, err := tbl.Create("idle", 0, domain, nil, 0, false, nil)
		require.Equal(t, defs.Err_t(0), err)
		idle.SetFlag(thread.Idle)
		cores = append(cores, thread.NewCore(i, 0, idle))
	}

	s := New(cores, 10, 100)
	return s, cores, domain, tbl
}

func TestPlacePicksLowestBandwidthCore(t *testing.T) {
	s, cores, domain, tbl := freshSystem(t, 2)

	t1, err := tbl.Create("t1", 0, domain, nil, 0, false, nil)
	require.Equal(t, defs.Err_t(0), err)
	s.Place(t1, 0)
	require.Equal(t, cores[0].Id, t1.CoreId)

	t2, err := tbl.Create("t2", 0, domain, nil, 0, false, nil)
	require.Equal(t, defs.Err_t(0), err)
	s.Place(t2, 0)
	require.Equal(t, cores[1].Id, t2.CoreId, "second thread should land on the less-loaded core")
}

func TestScheduleReturnsQueuedThreadBeforeIdle(t *testing.T) {
	s, cores, domain, tbl := freshSystem(t, 1)

	require.Equal(t, cores[0].Idle, s.Schedule(0, nil, false))

	t1, _ := tbl.Create("t1", 0, domain, nil, 0, false, nil)
	s.Place(t1, 0)

	got := s.Schedule(0, nil, false)
	require.Equal(t, t1, got)

	// t1 finishes instead of yielding again: it must not be requeued,
	// leaving only the idle thread runnable.
	t1.SetFlag(thread.Finished)
	require.Equal(t, cores[0].Idle, s.Schedule(0, t1, false))
}

func TestSchedulePreemptiveDemotesOutgoing(t *testing.T) {
	s, _, domain, tbl := freshSystem(t, 1)
	t1, _ := tbl.Create("t1", 0, domain, nil, 0, false, nil)
	s.Place(t1, 0)
	require.Equal(t, 0, t1.Level)

	// pull it off the queue as "currently running"
	running := s.Schedule(0, nil, false)
	require.Equal(t, t1, running)

	// preempt it: requeued one level up since Requeue isn't set
	next := s.Schedule(0, t1, true)
	require.Equal(t, t1, next, "only runnable thread should come back around")
	require.Equal(t, 1, t1.Level, "preemptive reschedule without Requeue should demote")
}

// TestSleepSignalWakesWithOkOutcome uses Sleep's wait callback as the
// synchronization point: it runs after the thread is already linked
// onto the shared sleep queue, so calling Signal from inside it can
// never race the queue insertion.
func TestSleepSignalWakesWithOkOutcome(t *testing.T) {
	s, _, domain, tbl := freshSystem(t, 1)
	t1, _ := tbl.Create("t1", 0, domain, nil, 0, false, nil)
	s.Place(t1, 0)

	outcome := s.Sleep(t1, 0, false, 0, func() { s.Signal(t1) })
	require.Equal(t, Ok, outcome)
}

func TestAtomicSleepCASFailureReturnsSyncFailed(t *testing.T) {
	s, _, domain, tbl := freshSystem(t, 1)
	t1, _ := tbl.Create("t1", 0, domain, nil, 0, false, nil)
	s.Place(t1, 0)

	cell := uint64(5)
	outcome := s.AtomicSleep(t1, &cell, 99 /* wrong expected */, 7, 0, 0, nil)
	require.Equal(t, SyncFailed, outcome)
	require.EqualValues(t, 5, cell, "cell must be untouched on CAS failure")
	require.False(t, t1.HasFlag(thread.Blocked))
}

func TestTickTimesOutSleeperWithToken(t *testing.T) {
	s, _, domain, tbl := freshSystem(t, 1)
	t1, _ := tbl.Create("t1", 0, domain, nil, 0, false, nil)
	s.Place(t1, 0)

	outcome := s.Sleep(t1, 42, true, 50, func() {
		s.Tick(20)
		s.Tick(20)
		s.Tick(20)
	})
	require.Equal(t, Timeout, outcome)
}

func TestScheduleIncrementsSwitchesAndAccntOnOutgoing(t *testing.T) {
	s, _, domain, tbl := freshSystem(t, 1)
	t1, _ := tbl.Create("t1", 0, domain, nil, 0, false, nil)
	s.Place(t1, 0)

	got := s.Schedule(0, nil, false)
	require.Equal(t, t1, got)
	require.EqualValues(t, 1, t1.Switches)

	t1.SetFlag(thread.Finished)
	s.Schedule(0, t1, false)
	_, sysns := t1.Accnt.Snapshot()
	require.GreaterOrEqual(t, sysns, int64(0))
}

func TestSignalTokenWakesMatchingSleeperOnly(t *testing.T) {
	s, _, domain, tbl := freshSystem(t, 1)
	t1, _ := tbl.Create("t1", 0, domain, nil, 0, false, nil)
	t2, _ := tbl.Create("t2", 0, domain, nil, 0, false, nil)
	s.Place(t1, 0)
	s.Place(t2, 0)

	d1 := make(chan Outcome)
	go func() {
		d1 <- s.Sleep(t1, 1, true, 0, func() { require.True(t, s.SignalToken(1)) })
	}()
	require.Equal(t, Ok, <-d1)

	require.False(t, t2.HasFlag(thread.Finished))
	outcome2 := s.Sleep(t2, 2, true, 0, func() { s.SignalToken(2) })
	require.Equal(t, Ok, outcome2)
}
