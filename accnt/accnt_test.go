package accnt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFinishAddsElapsedToSysns(t *testing.T) {
	var a Accnt_t
	start := a.Now()
	time.Sleep(2 * time.Millisecond)
	a.Finish(start)

	_, sysns := a.Snapshot()
	require.Greater(t, sysns, int64(0))
}

func TestUtaddAndSystaddAccumulate(t *testing.T) {
	var a Accnt_t
	a.Utadd(100)
	a.Utadd(50)
	a.Systadd(10)

	userns, sysns := a.Snapshot()
	require.EqualValues(t, 150, userns)
	require.EqualValues(t, 10, sysns)
}

func TestAddMergesCounters(t *testing.T) {
	var a, b Accnt_t
	a.Utadd(10)
	a.Systadd(20)
	b.Utadd(5)
	b.Systadd(7)

	a.Add(&b)
	userns, sysns := a.Snapshot()
	require.EqualValues(t, 15, userns)
	require.EqualValues(t, 27, sysns)
}
