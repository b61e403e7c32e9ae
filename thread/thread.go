// Package thread implements per-thread runtime state and per-core
// scheduling state. The global thread table is a flat map keyed by id
// under one mutex; each core instead tracks its current thread through
// an explicit per-core pointer, since cores here are addressable
// objects rather than goroutines with runtime-level thread-locals.
package thread

import (
	"sync"
	"sync/atomic"

	"kore/accnt"
	"kore/defs"
	"kore/vm"
)

// Flags is the thread flag set.
type Flags uint16

const (
	Idle Flags = 1 << iota
	Kernel
	User
	Bound
	Detached
	Finished
	Requeue
	Blocked
	TransitionUserMode
)

// SleepBlock is the per-thread suspension record.
type SleepBlock struct {
	DeadlineMs    int64
	RemainingMs   int64
	WakeToken     uint64
	HasToken      bool
	TimedOut      bool
	WokenAtMs     int64
}

// Context stands in for a saved register frame: a real kernel would
// store stack pointers and segment state here. This model only needs
// an opaque slot the scheduler swaps on context switch, since there
// is no real CPU to resume.
type Context struct {
	SP, PC uintptr
}

// Entry is the user-supplied function a new thread runs via its
// entry trampoline.
type Entry func()

// Thread is one schedulable unit of execution.
type Thread struct {
	mu sync.Mutex

	Id       defs.Tid_t
	ProcessId uint32
	ParentId defs.Tid_t
	Name     string

	flags    atomic.Uint32 // bitmask of Flags
	Level    int           // current run-queue level, 0..N-1
	Timeslice int
	CoreId   int
	Domain   int

	KernelCtx Context
	UserCtx   Context
	SignalCtx [2]Context // level 0/1 signal-delivery contexts

	Space *vm.Space

	Sleep SleepBlock

	// Accnt tallies this thread's accumulated run time; the scheduler
	// calls Accnt.Finish(sliceStart) for the outgoing thread on every
	// Schedule(), the same bookkeeping a syscall return or context
	// switch would perform.
	Accnt accnt.Accnt_t

	// Switches counts the number of times this thread has been handed
	// to a core by Schedule, exposed through the pgstat CLI.
	Switches uint64

	// sliceStart is the nanosecond timestamp this thread was last
	// handed to a core; Schedule reads it to close out Accnt on the
	// following switch.
	sliceStart int64

	entry   Entry
	exitCode int

	// Next is the intrusive run-queue link; exactly one run queue may
	// own a thread at a time. The sleep queue does not use it.
	Next *Thread
}

func (t *Thread) flagsLoad() Flags { return Flags(t.flags.Load()) }
func (t *Thread) setFlag(f Flags)  { t.flags.Or(uint32(f)) }
func (t *Thread) clearFlag(f Flags) { t.flags.And(^uint32(f)) }

// HasFlag reports whether f is currently set.
func (t *Thread) HasFlag(f Flags) bool { return t.flagsLoad()&f != 0 }

// SetFlag and ClearFlag mutate the atomic flag word; thread flags
// are read from interrupt context, so they are not guarded by t.mu.
func (t *Thread) SetFlag(f Flags)   { t.setFlag(f) }
func (t *Thread) ClearFlag(f Flags) { t.clearFlag(f) }

// IncSwitches records that this thread was just handed to a core.
func (t *Thread) IncSwitches() { atomic.AddUint64(&t.Switches, 1) }

// StartSlice stamps the moment this thread started running, and
// FinishSlice closes out its Accnt against that stamp; Schedule calls
// StartSlice on the thread it hands out and FinishSlice on the thread
// it takes back.
func (t *Thread) StartSlice() { atomic.StoreInt64(&t.sliceStart, t.Accnt.Now()) }

func (t *Thread) FinishSlice() {
	start := atomic.LoadInt64(&t.sliceStart)
	if start == 0 {
		return
	}
	t.Accnt.Finish(start)
}

// Table is the global thread table: a flat map guarded by one mutex
// that only ever does O(1) work under lock, plus the id generator.
type Table struct {
	mu     sync.Mutex
	notes  map[defs.Tid_t]*Thread
	nextId defs.Tid_t
}

// NewTable returns an empty global thread table.
func NewTable() *Table {
	return &Table{notes: make(map[defs.Tid_t]*Thread)}
}

// Create allocates a thread: build its address space per the
// inherit flags, set its name and parent, mark TransitionUserMode for
// user-mode threads, then install it in the table under a fresh id.
// The caller still owns enqueueing it onto a run queue.
func (tbl *Table) Create(name string, parent defs.Tid_t, domain *vm.Domain, inheritFrom *vm.Space, createFlags vm.CreateFlags, userMode bool, entry Entry) (*Thread, defs.Err_t) {
	space, err := domain.Create(createFlags, inheritFrom)
	if err != 0 {
		return nil, err
	}

	t := &Thread{
		ParentId: parent,
		Name:     name,
		Space:    space,
		entry:    entry,
	}
	if userMode {
		t.setFlag(User | TransitionUserMode)
	} else {
		t.setFlag(Kernel)
	}

	tbl.mu.Lock()
	tbl.nextId++
	t.Id = tbl.nextId
	tbl.notes[t.Id] = t
	tbl.mu.Unlock()

	return t, 0
}

// Lookup returns the thread for id, or nil if it has been reaped.
func (tbl *Table) Lookup(id defs.Tid_t) *Thread {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	return tbl.notes[id]
}

// Reap removes a Finished thread from the global table; the caller
// (the scheduler's idle-time sweep) must ensure this runs exactly once
// per thread.
func (tbl *Table) Reap(id defs.Tid_t) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	t, ok := tbl.notes[id]
	if !ok {
		return
	}
	if !t.HasFlag(Finished) {
		defs.Fatal("thread: reap of non-finished thread %d", id)
	}
	t.Space.Destroy()
	delete(tbl.notes, id)
}

// RunTrampoline is the thread entry trampoline: on first switch, a
// thread runs its entry function (for kernel-mode threads, directly;
// user-mode threads instead arrange a level-1 context and rely on
// TransitionUserMode, resolved by the caller's context-switch code
// before this ever runs on the user side). On return, the thread
// marks itself Finished.
func (t *Thread) RunTrampoline() {
	if t.entry != nil {
		t.entry()
	}
	t.SetFlag(Finished)
}

// Kill sets Finished, stores the exit code and returns the thread's
// id to use as a wake token for waiters. Instant kill is the caller's
// responsibility: it must IPI the owning core to yield after this
// returns.
func (t *Thread) Kill(exitCode int) uint64 {
	t.mu.Lock()
	t.exitCode = exitCode
	t.mu.Unlock()
	t.SetFlag(Finished)
	return uint64(t.Id)
}

// ExitCode returns the exit code stored by Kill.
func (t *Thread) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Core is one core's per-core state: the currently running thread, an
// idle thread that is always non-nil after bring-up, and a flag
// indicating whether this core is currently inside an interrupt
// handler (read by sched's Enqueue on its wake path, which sends no
// IPI).
type Core struct {
	Id          int
	Domain      int
	current     atomic.Value // *Thread
	Idle        *Thread
	inInterrupt int32 // atomic bool
}

// NewCore returns a core with its idle thread installed as current,
// so current-thread lookups are never nil after bring-up.
func NewCore(id, domain int, idle *Thread) *Core {
	c := &Core{Id: id, Domain: domain, Idle: idle}
	c.current.Store(idle)
	return c
}

// Current returns the thread presently assigned to this core.
func (c *Core) Current() *Thread { return c.current.Load().(*Thread) }

// SetCurrent installs t as this core's running thread, the per-core
// pointer update a context switch performs.
func (c *Core) SetCurrent(t *Thread) { c.current.Store(t) }

// InInterrupt reports whether this core is presently servicing an
// interrupt; sched's Enqueue reads it on its wake path.
func (c *Core) InInterrupt() bool { return atomic.LoadInt32(&c.inInterrupt) != 0 }

// SetInInterrupt records interrupt-context entry/exit for this core.
func (c *Core) SetInInterrupt(v bool) {
	var n int32
	if v {
		n = 1
	}
	atomic.StoreInt32(&c.inInterrupt, n)
}
