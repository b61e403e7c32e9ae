// Package sched implements a multi-level feedback scheduler: one
// run-queue ladder per core, a shared sleep queue for blocked threads,
// and a periodic aging boost that prevents starvation. Run-queue
// threads are linked intrusively via kore/thread's Next pointer; the
// sleep queue instead holds each thread in a separate sleeper node.
package sched

import (
	"sync"

	"kore/thread"
)

// Levels is the number of run-queue levels per core.
const Levels = 6

// runqueue is one level's intrusive list, head/tail plus its own
// lock.
type runqueue struct {
	mu         sync.Mutex
	head, tail *thread.Thread
}

func (q *runqueue) pushBack(t *thread.Thread) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t.Next = nil
	if q.tail == nil {
		q.head, q.tail = t, t
		return
	}
	q.tail.Next = t
	q.tail = t
}

func (q *runqueue) popFront() *thread.Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.Next
	if q.head == nil {
		q.tail = nil
	}
	t.Next = nil
	return t
}

func (q *runqueue) drainInto(dst *runqueue) {
	q.mu.Lock()
	head, tail := q.head, q.tail
	q.head, q.tail = nil, nil
	q.mu.Unlock()
	if head == nil {
		return
	}
	dst.mu.Lock()
	if dst.tail == nil {
		dst.head = head
	} else {
		dst.tail.Next = head
	}
	dst.tail = tail
	dst.mu.Unlock()
}

// CorePolicy is one core's scheduling state: its run-queues, a running
// bandwidth total used for placement, and the last aging boost time.
type CorePolicy struct {
	Core *thread.Core

	queues        [Levels]runqueue
	Bandwidth     int32 // atomic-ish; only ever touched under Scheduler.mu
	lastBoostTick int64
}

func newCorePolicy(c *thread.Core) *CorePolicy {
	return &CorePolicy{Core: c}
}

// Outcome is Sleep's three-way result.
type Outcome int

const (
	Ok Outcome = iota
	Timeout
	Interrupted
	SyncFailed
)

type sleeper struct {
	t      *thread.Thread
	token  uint64
	core   int
	domain int
	next   *sleeper
}

// Scheduler owns every core's run-queues plus one shared sleep queue.
// QuantumMs/BoostPeriodMs come from the boot descriptor (kore/bootcfg).
type Scheduler struct {
	mu sync.Mutex // guards cores, sleepHead/sleepTail, tick bookkeeping

	cores []*CorePolicy

	sleepHead, sleepTail *sleeper

	QuantumMs     int64
	BoostPeriodMs int64
	now           int64 // advanced by Tick; monotonic ms clock
}

// New builds a scheduler over the given cores.
func New(cores []*thread.Core, quantumMs, boostPeriodMs int64) *Scheduler {
	s := &Scheduler{QuantumMs: quantumMs, BoostPeriodMs: boostPeriodMs}
	for _, c := range cores {
		s.cores = append(s.cores, newCorePolicy(c))
	}
	return s
}

func (s *Scheduler) quantum(level int) int64 { return s.QuantumMs + 2*int64(level) }

// Place picks the lowest-bandwidth running core in domain and assigns
// t to it. Domain membership is fixed for the thread's lifetime: Place
// must be called exactly once, at thread creation.
func (s *Scheduler) Place(t *thread.Thread, domain int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *CorePolicy
	for _, cp := range s.cores {
		if cp.Core.Domain != domain {
			continue
		}
		if best == nil || cp.Bandwidth < best.Bandwidth {
			best = cp
		}
	}
	if best == nil {
		return
	}
	t.Timeslice = int(s.quantum(0))
	best.Bandwidth += int32(t.Timeslice)
	t.CoreId = best.Core.Id
	t.Domain = domain
	t.Level = 0
	best.queues[0].pushBack(t)
}

func (s *Scheduler) corePolicy(coreId int) *CorePolicy {
	for _, cp := range s.cores {
		if cp.Core.Id == coreId {
			return cp
		}
	}
	return nil
}

// Enqueue clears Blocked and appends t to its core's queue at its
// current level. It sends no wake to t's core, even when that core is
// idle and not servicing an interrupt, and it does not wait for an
// interrupt on that core to end; t is picked up by that core's next
// Schedule() call.
func (s *Scheduler) Enqueue(t *thread.Thread) {
	t.ClearFlag(thread.Blocked)
	cp := s.corePolicy(t.CoreId)
	if cp == nil {
		return
	}
	cp.queues[t.Level].pushBack(t)
	if cp.Core.Current() == cp.Core.Idle && !cp.Core.InInterrupt() {
		// A real controller would receive a wake IPI here; this
		// model has no controller wired by default, so waking the
		// idle core is left to the next Schedule() call on that
		// core instead.
		_ = cp
	}
}

// Sleep records the sleep block, pushes the thread onto the shared
// sleep queue, marks it Blocked|Requeue, and reports the three-way
// outcome the Tick/Signal paths produce. The caller is responsible for
// actually yielding the CPU between pushing onto the queue and this
// function returning (modeled here as synchronous since this package
// has no real scheduler loop driving goroutines as cores).
func (s *Scheduler) Sleep(t *thread.Thread, token uint64, hasToken bool, timeoutMs int64, wait func()) Outcome {
	t.Sleep = thread.SleepBlock{RemainingMs: timeoutMs, WakeToken: token, HasToken: hasToken}
	t.SetFlag(thread.Blocked | thread.Requeue)

	s.mu.Lock()
	sl := &sleeper{t: t, token: token, core: t.CoreId, domain: t.Domain}
	if s.sleepTail == nil {
		s.sleepHead, s.sleepTail = sl, sl
	} else {
		s.sleepTail.next = sl
		s.sleepTail = sl
	}
	s.mu.Unlock()

	if wait != nil {
		wait()
	}

	return s.resolveOutcome(t)
}

// AtomicSleep performs a compare-and-swap on cell inside the
// sleep-queue lock before blocking; a failed CAS removes the thread
// from the sleep queue immediately and returns SyncFailed without
// yielding.
func (s *Scheduler) AtomicSleep(t *thread.Thread, cell *uint64, expected, newVal uint64, token uint64, timeoutMs int64, wait func()) Outcome {
	t.Sleep = thread.SleepBlock{RemainingMs: timeoutMs, WakeToken: token, HasToken: true}
	t.SetFlag(thread.Blocked | thread.Requeue)

	s.mu.Lock()
	ok := casUint64(cell, expected, newVal)
	if !ok {
		s.mu.Unlock()
		t.ClearFlag(thread.Blocked | thread.Requeue)
		return SyncFailed
	}
	sl := &sleeper{t: t, token: token, core: t.CoreId, domain: t.Domain}
	if s.sleepTail == nil {
		s.sleepHead, s.sleepTail = sl, sl
	} else {
		s.sleepTail.next = sl
		s.sleepTail = sl
	}
	s.mu.Unlock()

	if wait != nil {
		wait()
	}
	return s.resolveOutcome(t)
}

func casUint64(cell *uint64, expected, newVal uint64) bool {
	if cell == nil {
		return true
	}
	if *cell != expected {
		return false
	}
	*cell = newVal
	return true
}

// resolveOutcome maps the sleep block's final state to the three
// outcomes Tick/Signal leave behind: timed out takes priority over
// remaining time, which takes priority over a plain wake.
func (s *Scheduler) resolveOutcome(t *thread.Thread) Outcome {
	switch {
	case t.Sleep.TimedOut:
		return Timeout
	case t.Sleep.RemainingMs > 0:
		return Interrupted
	default:
		return Ok
	}
}

// removeSleeper unlinks one sleeper from the shared queue; callers
// hold s.mu.
func (s *Scheduler) removeSleeperLocked(target *thread.Thread) *sleeper {
	var prev *sleeper
	for cur := s.sleepHead; cur != nil; cur = cur.next {
		if cur.t == target {
			if prev == nil {
				s.sleepHead = cur.next
			} else {
				prev.next = cur.next
			}
			if cur == s.sleepTail {
				s.sleepTail = prev
			}
			return cur
		}
		prev = cur
	}
	return nil
}

// Signal wakes t if it is on the sleep queue and not yet woken:
// timestamps its wake time so Schedule can requeue it.
func (s *Scheduler) Signal(t *thread.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cur := s.sleepHead; cur != nil; cur = cur.next {
		if cur.t != t {
			continue
		}
		if t.Sleep.WokenAtMs == 0 {
			t.Sleep.WokenAtMs = s.now
			if t.Sleep.WokenAtMs == 0 {
				t.Sleep.WokenAtMs = 1 // distinguish "woken at tick 0" from "not yet woken"
			}
		}
		return
	}
}

// SignalToken wakes the first sleeper whose wake token matches.
func (s *Scheduler) SignalToken(token uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for cur := s.sleepHead; cur != nil; cur = cur.next {
		if cur.token == token && cur.t.Sleep.WokenAtMs == 0 {
			cur.t.Sleep.WokenAtMs = s.now
			if cur.t.Sleep.WokenAtMs == 0 {
				cur.t.Sleep.WokenAtMs = 1
			}
			return true
		}
	}
	return false
}

// SignalTokenAll wakes every sleeper matching token.
func (s *Scheduler) SignalTokenAll(token uint64) int {
	n := 0
	for s.SignalToken(token) {
		n++
	}
	return n
}

// Tick advances the scheduler's clock by widthMs (driven by the
// system timer): every sleeper not yet woken has its remaining time
// decremented; reaching zero sets TimedOut (if it has a wake token)
// and timestamps its wake time.
func (s *Scheduler) Tick(widthMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += widthMs
	for cur := s.sleepHead; cur != nil; cur = cur.next {
		sb := &cur.t.Sleep
		if sb.WokenAtMs != 0 || sb.RemainingMs <= 0 {
			continue
		}
		sb.RemainingMs -= widthMs
		if sb.RemainingMs <= 0 {
			sb.RemainingMs = 0
			if sb.HasToken {
				sb.TimedOut = true
			}
			sb.WokenAtMs = s.now
			if sb.WokenAtMs == 0 {
				sb.WokenAtMs = 1
			}
		}
	}
}

// Schedule runs the four-step pick-next algorithm for one core:
// requeue the outgoing thread, reclaim woken sleepers, apply the
// periodic aging boost, then return the head of the lowest non-empty
// queue (or idle).
func (s *Scheduler) Schedule(coreId int, outgoing *thread.Thread, preemptive bool) *thread.Thread {
	cp := s.corePolicy(coreId)
	if cp == nil {
		return nil
	}

	if outgoing != nil && outgoing != cp.Core.Idle {
		outgoing.FinishSlice()
	}

	s.mu.Lock()

	// Step 1: requeue the outgoing thread, unless it blocked (Sleep
	// already linked it onto the shared sleep queue; step 2 below is
	// what brings it back) or finished. A preemptive reschedule (timer
	// quantum expiry) demotes it one level; a voluntary yield leaves
	// its level untouched.
	if outgoing != nil && outgoing != cp.Core.Idle &&
		!outgoing.HasFlag(thread.Finished) && !outgoing.HasFlag(thread.Blocked) {
		if preemptive && outgoing.Level < Levels-1 {
			outgoing.Level++
		}
		outgoing.ClearFlag(thread.Requeue)
		cp.queues[outgoing.Level].pushBack(outgoing)
	}

	// Step 2: pull woken sleepers belonging to this core back onto
	// its run queues.
	var remaining *sleeper
	var remainingTail *sleeper
	cur := s.sleepHead
	for cur != nil {
		next := cur.next
		if cur.t.Sleep.WokenAtMs != 0 && cur.core == coreId && cur.t != cp.Core.Idle {
			cur.t.ClearFlag(thread.Blocked)
			cp.queues[cur.t.Level].pushBack(cur.t)
		} else {
			cur.next = nil
			if remaining == nil {
				remaining = cur
			} else {
				remainingTail.next = cur
			}
			remainingTail = cur
		}
		cur = next
	}
	s.sleepHead, s.sleepTail = remaining, remainingTail

	// Step 3: periodic aging boost.
	if s.now-cp.lastBoostTick >= s.BoostPeriodMs {
		cp.lastBoostTick = s.now
		s.mu.Unlock()
		for lvl := 1; lvl < Levels; lvl++ {
			cp.queues[lvl].drainInto(&cp.queues[0])
		}
		s.mu.Lock()
	}
	s.mu.Unlock()

	// Step 4: head of the lowest non-empty queue, else idle.
	for lvl := 0; lvl < Levels; lvl++ {
		if t := cp.queues[lvl].popFront(); t != nil {
			t.Level = lvl
			t.IncSwitches()
			t.StartSlice()
			return t
		}
	}
	cp.Core.Idle.StartSlice()
	return cp.Core.Idle
}
