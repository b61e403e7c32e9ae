// Package vm implements the address space manager: a per-process
// page-table radix tree, lazy copy-on-inherit cloning, and the
// create/clone-mapping/commit surface the rest of the kernel core
// builds address spaces on top of. Intermediate table creation uses a
// check-then-create step under the space lock, so a racing second
// walk for the same slot reuses the table the first walk just
// installed instead of leaking a spare.
package vm

import (
	"sync"
	"sync/atomic"

	"kore/defs"
	"kore/mem"
)

// Placement selects where map/map_reserved picks a virtual range.
type Placement int

const (
	Fixed Placement = iota
	ProcessHeap
	GlobalKernelHeap
)

// IPIKind is one of the external interrupt controller's IPI kinds:
// Yield wakes a core out of idle; TLBShootdown asks it to invalidate
// a range before acknowledging.
type IPIKind int

const (
	Yield IPIKind = iota
	TLBShootdown
)

// Shootdowner is the interrupt-controller collaborator contract this
// package needs: broadcast an IPI to the given cores and block until
// every responder has invalidated and acknowledged. A nil Shootdowner
// is valid for single-core configurations -- CloneMapping/Unmap then
// only need a local invalidate, which this package treats as a no-op
// since it has no real TLB to flush.
type Shootdowner interface {
	SendIPI(cores uint64, kind IPIKind)
}

// KernelBoundaryIndex is the PML4 slot at and above which addresses
// are kernel space, shared identically across every address space via
// inherited top-level entries.
const KernelBoundaryIndex = 256

// ThreadLocalIndex is the designated top-level sub-range that is
// never inherited even though it falls at/above KernelBoundaryIndex;
// each address space gets its own private table for it.
const ThreadLocalIndex = 511

// CreateFlags controls Create's inheritance behavior.
type CreateFlags uint8

const (
	InheritUser CreateFlags = 1 << iota
)

// MemoryDescriptor is Query's result: the resolved flags, physical
// frame and mapping length.
type MemoryDescriptor struct {
	Flags  Flags
	Phys   mem.Pa_t
	Length uintptr
}

// Domain is the per-NUMA-domain kernel-only address space: shared by
// every kernel thread on that domain, and the ancestor every
// per-process Space inherits its kernel half from.
type Domain struct {
	space    *Space
	heapNext uintptr
}

// Space is one address space: a page-table root plus the bookkeeping
// needed to create, clone, map, unmap, query and tear it down.
type Space struct {
	mu sync.Mutex

	ts    *tableStore
	alloc *mem.Allocator
	shoot Shootdowner

	root   mem.Pa_t
	domain *Domain // nil only for a Domain's own kernel space
	parent *Space  // weak: the space this one inherited user mappings from

	heapNext uintptr // bump pointer for ProcessHeap placement
	current  uint64  // bitmask of cores with this space loaded (is-current)

	ioBitmap []byte
}

// NewDomain creates the kernel-only address space for one NUMA
// domain: a fresh top-level table with no inherited entries (there is
// nothing to inherit from, it IS the ancestor), ready for kernel-range
// mappings that every later per-process Space will inherit.
func NewDomain(alloc *mem.Allocator, shoot Shootdowner) *Domain {
	ts := newTableStore(alloc)
	pa, _, err := ts.new()
	if err != 0 {
		defs.Fatal("vm: out of memory creating kernel domain")
	}
	d := &Domain{heapNext: uintptr(KernelBoundaryIndex) << shift(3)}
	d.space = &Space{ts: ts, alloc: alloc, shoot: shoot, root: pa}
	return d
}

// Space returns the domain's own kernel address space, the ancestor
// every Create(InheritUser, ...) call on this domain shares kernel
// mappings from.
func (d *Domain) Space() *Space { return d.space }

// Create allocates a top-level table and installs it in three steps:
// share the domain's kernel top-level entries (inherited), give the
// thread-local range its own private table, and optionally copy the
// parent's user-space entries (inherited) when InheritUser is set.
func (d *Domain) Create(flags CreateFlags, parent *Space) (*Space, defs.Err_t) {
	pa, table, err := d.space.ts.new()
	if err != 0 {
		return nil, err
	}
	s := &Space{
		ts:       d.space.ts,
		alloc:    d.space.alloc,
		shoot:    d.space.shoot,
		root:     pa,
		domain:   d,
		parent:   parent,
		heapNext: 0x0000_1000_0000, // arbitrary low user-space start
	}

	kernelRoot := d.space.ts.get(d.space.root)
	for i := KernelBoundaryIndex; i < entriesPerTable; i++ {
		if i == ThreadLocalIndex {
			continue
		}
		e := kernelRoot[i]
		if e.present() {
			e.Flags |= Inherited
			table[i] = e
		}
	}

	tlPa, _, err := d.space.ts.new()
	if err != 0 {
		d.space.ts.free(pa)
		return nil, err
	}
	table[ThreadLocalIndex] = PTE{Frame: tlPa, Flags: Present | Write}

	if flags&InheritUser != 0 && parent != nil {
		parent.mu.Lock()
		parentRoot := parent.ts.get(parent.root)
		for i := 0; i < KernelBoundaryIndex; i++ {
			e := parentRoot[i]
			if e.present() {
				e.Flags |= Inherited
				table[i] = e
			}
		}
		parent.mu.Unlock()
	}

	return s, 0
}

// Destroy walks only non-inherited, non-persistent entries, frees
// their backing frames, then frees the owned tables. Inherited tables
// -- the shared kernel range and any inherited user subtree -- are
// left untouched.
func (s *Space) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	root := s.ts.get(s.root)
	s.destroyLevel(root, levels-1)
	s.ts.free(s.root)
}

func (s *Space) destroyLevel(t *Table, level int) {
	for i := 0; i < entriesPerTable; i++ {
		e := t[i]
		if !e.present() {
			continue
		}
		if e.Flags&(Inherited|Persistent) != 0 {
			continue
		}
		if level == 0 {
			s.alloc.Refdown(e.Frame)
			continue
		}
		child := s.ts.get(e.Frame)
		s.destroyLevel(child, level-1)
		s.ts.free(e.Frame)
	}
}

// ensureOwned returns the privately-owned child table at t[idx],
// creating it if absent and cloning it if it is currently Inherited.
// This is the copy-on-inherit mechanism: the copy happens lazily, the
// first time anyone needs to write through a shared node, not eagerly
// at clone time.
func (s *Space) ensureOwned(t *Table, idx int, leafLevel bool) *Table {
	e := t[idx]
	if !e.present() {
		pa, nt, err := s.ts.new()
		if err != 0 {
			defs.Fatal("vm: out of memory creating page table")
		}
		t[idx] = PTE{Frame: pa, Flags: Present | Write | User}
		return nt
	}
	if e.Flags&Inherited == 0 {
		return s.ts.get(e.Frame)
	}

	orig := s.ts.get(e.Frame)
	pa, clone, err := s.ts.new()
	if err != 0 {
		defs.Fatal("vm: out of memory cloning inherited page table")
	}
	*clone = *orig

	for i := range clone {
		ce := clone[i]
		if !ce.present() {
			continue
		}
		if leafLevel {
			// Data-page entry: both this new alias and the
			// still-shared original must stop allowing direct
			// writes, or a write through either side would
			// corrupt the other's view.
			if ce.Flags&Cow == 0 {
				ce.Flags = (ce.Flags &^ Write) | Cow
				orig[i].Flags = (orig[i].Flags &^ Write) | Cow
			}
			s.alloc.Refup(ce.Frame)
		} else {
			// Intermediate entry: the deeper table it points to
			// is still owned by the ancestor. Mark the copy (not
			// the original) so the next descent through this
			// node clones one level further instead of mutating
			// the ancestor's table directly.
			ce.Flags |= Inherited
		}
		clone[i] = ce
	}

	t[idx] = PTE{Frame: pa, Flags: e.Flags &^ Inherited}
	return clone
}

func (s *Space) pickVirt(length uintptr, placement Placement) uintptr {
	switch placement {
	case GlobalKernelHeap:
		d := s.domain
		v := d.heapNext
		d.heapNext += (length + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1)
		return v
	default:
		v := s.heapNext
		s.heapNext += (length + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1)
		return v
	}
}

// Map installs a mapping, allocating or walking intermediate tables
// as needed. If virt is 0, placement picks a range. Intermediate-table
// creation is a check-then-set under the space lock rather than a
// free-standing atomic CAS, since every table mutation in this model
// already happens under s.mu.
func (s *Space) Map(virt uintptr, phys []mem.Pa_t, flags Flags, placement Placement) (uintptr, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	length := uintptr(len(phys)) * mem.PGSIZE
	if virt == 0 {
		virt = s.pickVirt(length, placement)
	}

	for i, p := range phys {
		va := virt + uintptr(i)*mem.PGSIZE
		t, idx := s.walkOwnedLocked(va)
		if t[idx].present() {
			return 0, defs.EExists
		}
		t[idx] = PTE{Frame: p, Flags: flags | Present}
		s.alloc.Refup(p)
	}
	return virt, 0
}

// walkOwnedLocked is walkOwned for callers that already hold s.mu.
func (s *Space) walkOwnedLocked(virt uintptr) (*Table, int) {
	t := s.ts.get(s.root)
	for level := levels - 1; level > 0; level-- {
		idx := index(virt, level)
		t = s.ensureOwned(t, idx, level == 1)
	}
	return t, index(virt, 0)
}

// MapReserved reserves a virtual range without committing frames;
// Commit later installs present bits over it.
func (s *Space) MapReserved(length uintptr, flags Flags, placement Placement) (uintptr, defs.Err_t) {
	s.mu.Lock()
	virt := s.pickVirt(length, placement)
	s.mu.Unlock()
	return virt, 0
}

// Commit installs present bits for a previously reserved range, using
// supplied frames when given or allocating fresh ones otherwise.
func (s *Space) Commit(virt uintptr, phys []mem.Pa_t, count int, flags Flags) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < count; i++ {
		va := virt + uintptr(i)*mem.PGSIZE
		t, idx := s.walkOwnedLocked(va)
		if t[idx].present() {
			continue
		}
		var p mem.Pa_t
		if phys != nil {
			p = phys[i]
			s.alloc.Refup(p)
		} else {
			var err defs.Err_t
			p, err = s.alloc.Alloc(^mem.Pa_t(0))
			if err != 0 {
				return err
			}
		}
		t[idx] = PTE{Frame: p, Flags: flags | Present}
	}
	return 0
}

// Unmap clears entries over [virt, virt+length) and shoots down the
// TLB for the range; frames not Persistent or Inherited are freed.
// Unmapping an already-unmapped range is accepted silently.
func (s *Space) Unmap(virt uintptr, length uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int((length + mem.PGSIZE - 1) / mem.PGSIZE)
	for i := 0; i < n; i++ {
		va := virt + uintptr(i)*mem.PGSIZE
		t, idx := s.walkPresent(va)
		if t == nil || !t[idx].present() {
			continue
		}
		e := t[idx]
		t[idx] = PTE{}
		if e.Flags&(Persistent|Inherited) == 0 {
			s.alloc.Refdown(e.Frame)
		}
	}
	s.invalidate(virt, length)
}

// walkPresent descends without creating missing intermediate tables,
// returning (nil, 0) if any level is absent.
func (s *Space) walkPresent(virt uintptr) (*Table, int) {
	t := s.ts.get(s.root)
	for level := levels - 1; level > 0; level-- {
		idx := index(virt, level)
		e := t[idx]
		if !e.present() {
			return nil, 0
		}
		t = s.ts.get(e.Frame)
	}
	return t, index(virt, 0)
}

// invalidate performs the architecture shoot-down step required
// after any entry clear/downgrade in the current address space:
// broadcast to cores that might cache the stale entry and wait for
// acknowledgement. With no Shootdowner wired (single core, or not yet
// bootstrapped) this is a local no-op since there is no second TLB to
// be stale.
func (s *Space) invalidate(virt, length uintptr) {
	if s.shoot == nil {
		return
	}
	cores := atomic.LoadUint64(&s.current)
	if cores != 0 {
		s.shoot.SendIPI(cores, TLBShootdown)
	}
}

// CloneMapping reuses src's physical frames in dst over [destVirt,
// destVirt+length) with dst's own access flags. Each reused frame gets
// an extra reference.
func (src *Space) CloneMapping(srcVirt uintptr, dst *Space, destVirt uintptr, length uintptr, flags Flags, placement Placement) (uintptr, defs.Err_t) {
	n := int((length + mem.PGSIZE - 1) / mem.PGSIZE)
	phys := make([]mem.Pa_t, 0, n)

	src.mu.Lock()
	for i := 0; i < n; i++ {
		t, idx := src.walkPresent(srcVirt + uintptr(i)*mem.PGSIZE)
		if t == nil || !t[idx].present() {
			src.mu.Unlock()
			return 0, defs.EInvalidParams
		}
		phys = append(phys, t[idx].Frame)
	}
	src.mu.Unlock()

	if destVirt == 0 {
		dst.mu.Lock()
		destVirt = dst.pickVirt(length, placement)
		dst.mu.Unlock()
	}
	return dst.Map(destVirt, phys, flags, placement)
}

// Query resolves one address to its flags, backing frame and mapping
// length; length is always one page since this model has no superpage
// support.
func (s *Space) Query(virt uintptr) (MemoryDescriptor, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, idx := s.walkPresent(virt)
	if t == nil || !t[idx].present() {
		return MemoryDescriptor{}, defs.EDoesNotExist
	}
	e := t[idx]
	return MemoryDescriptor{Flags: e.Flags, Phys: e.Frame, Length: mem.PGSIZE}, 0
}

// ChangeProtection installs new flags over a range and returns the
// previous flags of the first page. Downgrades shoot down the TLB;
// upgrades need none.
func (s *Space) ChangeProtection(virt uintptr, length uintptr, flags Flags) (Flags, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int((length + mem.PGSIZE - 1) / mem.PGSIZE)
	var prev Flags
	downgrade := false
	for i := 0; i < n; i++ {
		va := virt + uintptr(i)*mem.PGSIZE
		t, idx := s.walkPresent(va)
		if t == nil || !t[idx].present() {
			return 0, defs.EDoesNotExist
		}
		if i == 0 {
			prev = t[idx].Flags
		}
		if t[idx].Flags&Write != 0 && flags&Write == 0 {
			downgrade = true
		}
		t[idx].Flags = flags | Present
	}
	if downgrade {
		s.invalidate(virt, length)
	}
	return prev, 0
}

// HandleWriteFault resolves a write fault at virt: if it lands on a
// Cow leaf entry, either claims the page in place (sole remaining
// owner) or copies it. A fault on an absent or non-Cow-but-read-only
// entry is a genuine protection violation and returns EFault.
func (s *Space) HandleWriteFault(virt uintptr) defs.Err_t {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, idx := s.walkOwnedLocked(virt)
	e := t[idx]
	if !e.present() {
		return defs.EFault
	}
	if e.Flags&Cow == 0 {
		if e.Flags&Write != 0 {
			return 0
		}
		return defs.EFault
	}

	if s.alloc.Refcnt(e.Frame) == 1 {
		t[idx].Flags = (e.Flags &^ Cow) | Write
		return 0
	}

	newPhys, err := s.alloc.Alloc(^mem.Pa_t(0))
	if err != 0 {
		return err
	}
	copy(s.alloc.Dmap(newPhys)[:], s.alloc.Dmap(e.Frame)[:])
	s.alloc.Refdown(e.Frame)
	t[idx] = PTE{Frame: newPhys, Flags: (e.Flags &^ Cow) | Write}
	s.invalidate(virt, mem.PGSIZE)
	return 0
}

// SetCurrent records that this space is now loaded on core, for the
// is-current predicate and for shoot-down target selection.
func (s *Space) SetCurrent(core uint, loaded bool) {
	bit := uint64(1) << core
	for {
		old := atomic.LoadUint64(&s.current)
		var next uint64
		if loaded {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if atomic.CompareAndSwapUint64(&s.current, old, next) {
			return
		}
	}
}

// Root returns the top-level table's frame, for a core's cr3-load
// equivalent during context switch.
func (s *Space) Root() mem.Pa_t { return s.root }
