// Package accnt implements per-thread CPU-time accounting: nanosecond
// user/system counters with locked Add/Finish bookkeeping. Usage is
// reported as plain structured fields rather than a serialized
// userspace ABI struct, since there is no userspace syscall boundary
// in this core.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt_t accumulates one thread's run time. Userns/Sysns stay
// exported int64s so atomic.AddInt64 can update them from the
// scheduler's context-switch path without holding the mutex; Add and
// Snapshot take the mutex only to produce a consistent combined snapshot.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	mu     sync.Mutex
}

// Utadd adds delta nanoseconds of user-mode time.
func (a *Accnt_t) Utadd(delta int64) { atomic.AddInt64(&a.Userns, delta) }

// Systadd adds delta nanoseconds of kernel-mode time.
func (a *Accnt_t) Systadd(delta int64) { atomic.AddInt64(&a.Sysns, delta) }

// Now returns the current time in nanoseconds, the same clock source
// Finish and thread.Thread.StartSlice use, kept as a method so callers never need a
// separate time import.
func (a *Accnt_t) Now() int64 { return time.Now().UnixNano() }

// Finish adds the time elapsed since sliceStart to the system-time
// counter -- the scheduler calls this for the outgoing thread on
// every Schedule().
func (a *Accnt_t) Finish(sliceStart int64) { a.Systadd(a.Now() - sliceStart) }

// Add merges n's counters into a.
func (a *Accnt_t) Add(n *Accnt_t) {
	a.mu.Lock()
	a.Userns += atomic.LoadInt64(&n.Userns)
	a.Sysns += atomic.LoadInt64(&n.Sysns)
	a.mu.Unlock()
}

// Snapshot returns a consistent (Userns, Sysns) pair.
func (a *Accnt_t) Snapshot() (userns, sysns int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Userns, a.Sysns
}
