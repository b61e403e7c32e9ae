// Package handle implements the process-wide handle registry: a flat
// table from dense 32-bit ids to typed, refcounted kernel objects.
// Each slot carries its own lock and generation counter, so an index
// can be recycled after its object is destroyed without ever letting
// a stale id alias the new occupant.
package handle

import (
	"sync"

	"kore/defs"
)

// Type tags the kind of payload a handle holds, so LookupTyped can
// refuse a type-confused caller.
type Type uint8

const (
	TypeRegion Type = iota
	TypeSpace
	TypeThread
	TypeFileRequest
)

// DestroyFunc runs once, when a handle's refcount reaches zero.
type DestroyFunc func(payload any)

type slot struct {
	sync.Mutex
	generation uint16
	refcount   int32
	typ        Type
	payload    any
	destroy    DestroyFunc
	free       bool
}

// Id is the 32-bit handle id: high 16 bits generation, low 16 bits
// table index. Encoding the generation into the id itself is what
// lets a freed slot's index be reused without a stale caller-held id
// resolving to the new occupant.
type Id uint32

func makeId(index int, generation uint16) Id {
	return Id(uint32(generation)<<16 | uint32(uint16(index)))
}

func (id Id) index() int        { return int(uint16(id)) }
func (id Id) generation() uint16 { return uint16(id >> 16) }

// Table is the process-wide handle registry. All operations are
// thread-safe; the table-level lock only ever guards slice growth and
// the free list, never a destroy call.
type Table struct {
	mu    sync.Mutex
	slots []*slot
	free  []int
}

// New returns an empty handle table.
func New() *Table {
	return &Table{}
}

// Create installs payload under a fresh id with refcount 1.
func (t *Table) Create(typ Type, payload any, destroy DestroyFunc) Id {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = len(t.slots)
		t.slots = append(t.slots, &slot{free: true})
	}

	s := t.slots[idx]
	s.Lock()
	gen := s.generation
	s.typ = typ
	s.payload = payload
	s.destroy = destroy
	s.refcount = 1
	s.free = false
	s.Unlock()

	return makeId(idx, gen)
}

// slotAt returns the slot at id's index, or nil if the index was
// never allocated. The slot pointer itself is stable for the table's
// lifetime; liveness and generation are checked under the slot's own
// lock by each operation below, so a concurrent release-and-reuse of
// the same index can never be observed as a stale success.
func (t *Table) slotAt(id Id) *slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := id.index()
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	return t.slots[idx]
}

// Acquire increments id's refcount. Returns EDoesNotExist if the id
// is stale or already released.
func (t *Table) Acquire(id Id) defs.Err_t {
	s := t.slotAt(id)
	if s == nil {
		return defs.EDoesNotExist
	}
	s.Lock()
	defer s.Unlock()
	if s.free || s.generation != id.generation() {
		return defs.EDoesNotExist
	}
	s.refcount++
	return 0
}

// Release decrements id's refcount, invoking the destroy function and
// returning the slot to the free list at zero.
func (t *Table) Release(id Id) defs.Err_t {
	s := t.slotAt(id)
	if s == nil {
		return defs.EDoesNotExist
	}

	s.Lock()
	if s.free || s.generation != id.generation() {
		s.Unlock()
		return defs.EDoesNotExist
	}
	s.refcount--
	last := s.refcount == 0
	var payload any
	var destroy DestroyFunc
	if last {
		payload, destroy = s.payload, s.destroy
		s.free = true
		s.payload = nil
		s.destroy = nil
		s.generation++
	}
	s.Unlock()

	if last {
		if destroy != nil {
			destroy(payload)
		}
		t.mu.Lock()
		t.free = append(t.free, id.index())
		t.mu.Unlock()
	}
	return 0
}

// LookupTyped returns the payload for id if it is live and tagged
// typ, or (nil, false) if the slot is free or the type mismatches.
func (t *Table) LookupTyped(id Id, typ Type) (any, bool) {
	s := t.slotAt(id)
	if s == nil {
		return nil, false
	}
	s.Lock()
	defer s.Unlock()
	if s.free || s.generation != id.generation() || s.typ != typ {
		return nil, false
	}
	return s.payload, true
}
