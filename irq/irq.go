// Package irq implements the interrupt table and dispatch: per-line
// chains of handler descriptors, penalty-based line selection for
// shared allocation, and a deferred-dispatch worker loop that can
// impersonate the registering thread's address space around a
// handler call.
package irq

import (
	"container/list"
	"sync"

	"golang.org/x/time/rate"

	"kore/defs"
	"kore/klog"
	"kore/thread"
)

// MaxLines bounds the table to a fixed number of physical IRQ lines,
// shared across however many vectors are registered against them.
const MaxLines = 256

// FastHandler runs directly in interrupt context; it must not block.
// It returns true if it handled the interrupt, false if the next
// handler chained on the line should get a turn.
type FastHandler func(data any) bool

// Flags are the per-registration interrupt option bits.
type Flags uint32

const (
	NotShareable Flags = 1 << iota
	Kernel
	Soft
)

type descriptor struct {
	id       Id
	line     int
	flags    Flags
	fast     FastHandler
	data     any
	deferred bool
	owner    *thread.Thread
	next     *descriptor // next descriptor chained on this line
}

// Id is the interrupt registration id: high 16 bits generation, low
// 16 bits line index, the same reuse-safety encoding kore/handle
// uses.
type Id uint32

func makeId(line int, gen uint16) Id { return Id(uint32(gen)<<16 | uint32(uint16(line))) }
func (i Id) line() int               { return int(uint16(i)) }
func (i Id) generation() uint16      { return uint16(i >> 16) }

type line struct {
	mu         sync.Mutex
	head       *descriptor
	penalty    int
	sharable   bool
	generation uint16
	limiter    *rate.Limiter
}

// Table is the process-wide interrupt table: one entry per line, plus
// the deferred queue fast handlers can hand work off to.
type Table struct {
	mu    sync.Mutex
	lines [MaxLines]*line

	deferred   *list.List
	deferredMu sync.Mutex
	deferredCh chan struct{}
}

// deferredItem is one entry on the deferred queue: the resolved
// descriptor plus the data captured at queue time.
type deferredItem struct {
	desc *descriptor
	data any
}

// New returns an empty interrupt table. Each line gets its own rate
// limiter, capping how many fast-handler invocations it may run per
// second before Fire starts skipping them as an interrupt-storm
// guard.
func New() *Table {
	return &Table{
		deferred:   list.New(),
		deferredCh: make(chan struct{}, 1),
	}
}

func (t *Table) lineAt(n int) *line {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lines[n] == nil {
		t.lines[n] = &line{sharable: true, limiter: rate.NewLimiter(rate.Limit(1000), 64)}
	}
	return t.lines[n]
}

// Register installs handler against one of candidates: it picks the
// least-loaded line via GetLeastLoaded, appends a descriptor to that
// line's chain, and bumps the line's penalty.
func (t *Table) Register(candidates []int, flags Flags, fast FastHandler, data any, owner *thread.Thread) (Id, defs.Err_t) {
	chosen := t.GetLeastLoaded(candidates)
	if chosen < 0 {
		return 0, defs.EDoesNotExist
	}

	l := t.lineAt(chosen)
	l.mu.Lock()
	defer l.mu.Unlock()

	if flags&NotShareable != 0 && l.head != nil {
		return 0, defs.ENoPermissions
	}
	if l.head != nil && !l.sharable {
		return 0, defs.ENoPermissions
	}

	d := &descriptor{line: chosen, flags: flags, fast: fast, data: data, owner: owner}
	d.id = makeId(chosen, l.generation)

	if l.head == nil {
		l.head = d
		l.penalty = 1
		l.sharable = flags&NotShareable == 0
	} else {
		cur := l.head
		for cur.next != nil {
			cur = cur.next
		}
		cur.next = d
		l.penalty++
	}
	return d.id, 0
}

// Unregister removes the descriptor and decreases its line's
// penalty.
func (t *Table) Unregister(id Id) defs.Err_t {
	n := id.line()
	if n < 0 || n >= MaxLines {
		return defs.EDoesNotExist
	}
	t.mu.Lock()
	l := t.lines[n]
	t.mu.Unlock()
	if l == nil {
		return defs.EDoesNotExist
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var prev *descriptor
	for cur := l.head; cur != nil; cur = cur.next {
		if cur.id == id {
			if prev == nil {
				l.head = cur.next
			} else {
				prev.next = cur.next
			}
			l.penalty--
			if l.head == nil {
				l.generation++
			}
			return 0
		}
		prev = cur
	}
	return defs.EDoesNotExist
}

// GetPenalty reports a line's current load; a non-shareable line
// already holding a handler reports -1 to steer allocation away from
// it.
func (t *Table) GetPenalty(n int) int {
	if n < 0 || n >= MaxLines {
		return -1
	}
	t.mu.Lock()
	l := t.lines[n]
	t.mu.Unlock()
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.sharable && l.penalty > 0 {
		return -1
	}
	return l.penalty
}

// GetLeastLoaded scans candidates, skips unusable ones (-1 penalty),
// and returns the line with the smallest penalty, or -1 if none are
// usable.
func (t *Table) GetLeastLoaded(candidates []int) int {
	selected, selectedPenalty := -1, -1
	for _, c := range candidates {
		p := t.GetPenalty(c)
		if p < 0 {
			continue
		}
		if selected == -1 || p < selectedPenalty {
			selected, selectedPenalty = c, p
		}
	}
	return selected
}

// Fire runs the fast handlers chained on line n directly, in the
// order they were registered, stopping at the first one that reports
// it handled the interrupt. Any handler flagged deferred instead gets
// appended to the deferred queue for the worker loop to run later.
// Returns the number of fast handlers actually run.
func (t *Table) Fire(n int, data any) int {
	t.mu.Lock()
	l := t.lines[n]
	t.mu.Unlock()
	if l == nil {
		return 0
	}

	l.mu.Lock()
	var immediate, deferList []*descriptor
	for cur := l.head; cur != nil; cur = cur.next {
		if cur.deferred {
			deferList = append(deferList, cur)
		} else {
			immediate = append(immediate, cur)
		}
	}
	limiter := l.limiter
	l.mu.Unlock()

	ran := 0
	for _, d := range immediate {
		if !limiter.Allow() {
			klog.Log.WithFields(klog.Fields{"line": n}).Warn("irq: fast handler rate-limited")
			continue
		}
		handled := d.fast(data)
		ran++
		if handled {
			break
		}
	}
	for _, d := range deferList {
		t.enqueueDeferred(d, data)
	}
	return ran
}

func (t *Table) enqueueDeferred(d *descriptor, data any) {
	t.deferredMu.Lock()
	t.deferred.PushBack(deferredItem{desc: d, data: data})
	t.deferredMu.Unlock()
	select {
	case t.deferredCh <- struct{}{}:
	default:
	}
}

// RunDeferred is the worker loop that drains the deferred queue,
// impersonating the owning thread's address space around each handler
// call when it differs from the caller's, then restoring it
// afterward.
func (t *Table) RunDeferred(self *thread.Thread, impersonate func(target, source *thread.Thread)) {
	for range t.deferredCh {
		for {
			t.deferredMu.Lock()
			front := t.deferred.Front()
			var item deferredItem
			if front != nil {
				item = front.Value.(deferredItem)
				t.deferred.Remove(front)
			}
			t.deferredMu.Unlock()
			if front == nil {
				break
			}

			switchSpace := item.desc.owner != nil && item.desc.owner.Space != self.Space
			if switchSpace && impersonate != nil {
				impersonate(item.desc.owner, self)
			}
			item.desc.fast(item.data)
			if switchSpace && impersonate != nil {
				impersonate(self, item.desc.owner)
			}
		}
	}
}

// Stop closes the deferred-queue signal channel, letting RunDeferred
// return once it has drained whatever is left.
func (t *Table) Stop() { close(t.deferredCh) }

// MarkDeferred flags an already-registered handler to run off the
// deferred worker instead of directly in interrupt context.
func (t *Table) MarkDeferred(id Id) defs.Err_t {
	n := id.line()
	if n < 0 || n >= MaxLines {
		return defs.EDoesNotExist
	}
	t.mu.Lock()
	l := t.lines[n]
	t.mu.Unlock()
	if l == nil {
		return defs.EDoesNotExist
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for cur := l.head; cur != nil; cur = cur.next {
		if cur.id == id {
			cur.deferred = true
			return 0
		}
	}
	return defs.EDoesNotExist
}
