// Package mem implements the physical frame allocator: a bitmap of
// frame ownership plus a google/btree index of free frame numbers for
// O(log n) low/high search by address mask. A single lock guards all
// state and is never held across a blocking call.
package mem

import (
	"sync"

	"github.com/google/btree"

	"kore/defs"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = PGSIZE - 1

// PGMASK masks the page number portion of an address.
const PGMASK Pa_t = ^PGOFFSET

// Pa_t is a physical address.
type Pa_t uint64

// lowThreshold is the 24-bit boundary Alloc uses to choose a search
// strategy: addresses that must fit in 24 bits (classic ISA DMA)
// search the low region first.
const lowThreshold Pa_t = 1 << 24

// MemRange describes one memory-map entry as the boot loader would
// report it: {base, length, type}.
type MemRange struct {
	Base   Pa_t
	Length Pa_t
	// Available is true for RAM the loader says may be used; false
	// ranges (MMIO holes, the loader's own reservations) are never
	// released into the free pool.
	Available bool
}

// Allocator is the physical frame allocator: a bitmap of ownership
// plus used/total accounting, guarded by a single lock. Lock holders
// must never block: Alloc, Free and the range variants only
// manipulate in-memory state.
type Allocator struct {
	mu sync.Mutex

	base        Pa_t // lowest frame's address
	totalFrames int
	usedFrames  int
	bitmap      []uint64 // bit n set => frame n allocated
	refcnt      []int32  // refcount per frame; >0 implies bitmap bit set

	// free indexes free frame numbers for fast low/high search.
	// Kept in lock-step with bitmap; bitmap remains the single
	// source of truth checked by invariant tests.
	free *btree.BTreeG[int]

	// backing is the direct-map simulation: each allocated frame gets a
	// lazily created byte page the first time it is dereferenced,
	// standing in for a kernel-visible pointer into physical memory.
	backing map[int]*[PGSIZE]byte
}

func frameLess(a, b int) bool { return a < b }

// NewAllocator builds an allocator covering the union of ranges,
// marks everything allocated, then releases the Available ranges
// except any sub-range also present in reserved (kernel image, boot
// bitmap, ramdisk, trampoline pages, legacy low-memory traps -- the
// caller supplies this list from the boot descriptor).
func NewAllocator(ranges []MemRange, reserved []MemRange) *Allocator {
	if len(ranges) == 0 {
		defs.Fatal("mem: empty memory map")
	}
	lo, hi := ranges[0].Base, ranges[0].Base+ranges[0].Length
	for _, r := range ranges[1:] {
		if r.Base < lo {
			lo = r.Base
		}
		if e := r.Base + r.Length; e > hi {
			hi = e
		}
	}
	lo = lo &^ PGOFFSET
	hi = (hi + PGOFFSET) &^ PGOFFSET

	n := int((hi - lo) / PGSIZE)
	a := &Allocator{
		base:        lo,
		totalFrames: n,
		bitmap:      make([]uint64, (n+63)/64),
		refcnt:      make([]int32, n),
		free:        btree.NewG[int](32, frameLess),
		backing:     make(map[int]*[PGSIZE]byte),
	}
	// everything starts allocated (every bit set).
	for i := range a.bitmap {
		a.bitmap[i] = ^uint64(0)
	}
	a.usedFrames = n

	for _, r := range ranges {
		if !r.Available {
			continue
		}
		a.releaseRange(r.Base, r.Length)
	}
	for _, r := range reserved {
		a.reserveRange(r.Base, r.Length)
	}
	return a
}

func (a *Allocator) frameOf(p Pa_t) int { return int((p - a.base) / PGSIZE) }

func (a *Allocator) bitSet(idx int) bool {
	return a.bitmap[idx/64]&(1<<uint(idx%64)) != 0
}

func (a *Allocator) setBit(idx int) { a.bitmap[idx/64] |= 1 << uint(idx%64) }
func (a *Allocator) clrBit(idx int) { a.bitmap[idx/64] &^= 1 << uint(idx%64) }

// releaseRange clears bits (marks free) for whole pages in [base,base+len).
// Caller must already hold no lock; used only during NewAllocator.
func (a *Allocator) releaseRange(base, length Pa_t) {
	start := util_roundup(base, PGSIZE)
	end := (base + length) &^ PGOFFSET
	for p := start; p < end; p += PGSIZE {
		idx := a.frameOf(p)
		if idx < 0 || idx >= a.totalFrames {
			continue
		}
		if a.bitSet(idx) {
			a.clrBit(idx)
			a.refcnt[idx] = 0
			a.usedFrames--
			a.free.ReplaceOrInsert(idx)
		}
	}
}

// reserveRange marks whole pages in [base,base+len) allocated again,
// undoing a prior release (used for the reserved sub-ranges carved
// out of an otherwise-available region).
func (a *Allocator) reserveRange(base, length Pa_t) {
	start := util_roundup(base, PGSIZE)
	end := (base + length) &^ PGOFFSET
	for p := start; p < end; p += PGSIZE {
		idx := a.frameOf(p)
		if idx < 0 || idx >= a.totalFrames {
			continue
		}
		if !a.bitSet(idx) {
			a.setBit(idx)
			a.refcnt[idx] = 1
			a.usedFrames++
			a.free.Delete(idx)
		}
	}
}

func util_roundup(v, b Pa_t) Pa_t { return (v + b - 1) &^ (b - 1) }

// Alloc returns a free frame whose address is <= mask: a mask that
// fits in 24 bits looks in the low region first (preserving high
// memory for general use); any larger mask looks from the high region
// down first (preserving low memory for DMA-constrained future
// callers).
func (a *Allocator) Alloc(mask Pa_t) (Pa_t, defs.Err_t) {
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := a.frameOf(mask &^ PGOFFSET)
	if limit >= a.totalFrames {
		limit = a.totalFrames - 1
	}
	if limit < 0 {
		return 0, defs.EOutOfMemory
	}

	var idx int
	var found bool
	if mask < lowThreshold {
		a.free.AscendRange(0, limit+1, func(i int) bool {
			idx, found = i, true
			return false
		})
	} else {
		a.free.DescendRange(limit, -1, func(i int) bool {
			idx, found = i, true
			return false
		})
	}
	if !found {
		return 0, defs.EOutOfMemory
	}
	a.setBit(idx)
	a.refcnt[idx] = 1
	a.free.Delete(idx)
	a.usedFrames++
	return a.base + Pa_t(idx)*PGSIZE, 0
}

// Free releases phys back to the pool. Freeing a frame whose bit is
// already clear, or an address beyond the managed range, is an
// impossible state and panics. Free is sugar for Refdown on
// single-owner frames (page-table pages, private data pages); for
// frames shared via Refup (shared region pages, copy-on-inherit page
// tables) use Refdown directly and check its return.
func (a *Allocator) Free(phys Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free_locked(phys)
}

func (a *Allocator) free_locked(phys Pa_t) {
	if phys&PGOFFSET != 0 {
		defs.Fatal("mem: unaligned free %#x", phys)
	}
	idx := a.frameOf(phys)
	if idx < 0 || idx >= a.totalFrames {
		defs.Fatal("mem: free out of range %#x", phys)
	}
	if !a.bitSet(idx) || a.refcnt[idx] <= 0 {
		defs.Fatal("mem: double free %#x", phys)
	}
	a.refcnt[idx]--
	if a.refcnt[idx] == 0 {
		a.clrBit(idx)
		a.usedFrames--
		a.free.ReplaceOrInsert(idx)
		delete(a.backing, idx)
	}
}

// Refup increments the reference count of an already-allocated frame,
// used when a frame gains another owner (a shared Memory Region view,
// or an address-space clone inheriting a page-table page).
func (a *Allocator) Refup(phys Pa_t) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.frameOf(phys)
	if idx < 0 || idx >= a.totalFrames || a.refcnt[idx] <= 0 {
		defs.Fatal("mem: refup on unowned frame %#x", phys)
	}
	a.refcnt[idx]++
}

// Refdown decrements the reference count, freeing the frame and
// returning true if it reached zero.
func (a *Allocator) Refdown(phys Pa_t) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.frameOf(phys)
	if idx < 0 || idx >= a.totalFrames || a.refcnt[idx] <= 0 {
		defs.Fatal("mem: refdown on unowned frame %#x", phys)
	}
	a.refcnt[idx]--
	if a.refcnt[idx] == 0 {
		a.clrBit(idx)
		a.usedFrames--
		a.free.ReplaceOrInsert(idx)
		delete(a.backing, idx)
		return true
	}
	return false
}

// Refcnt returns the current reference count of an allocated frame.
func (a *Allocator) Refcnt(phys Pa_t) int32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.frameOf(phys)
	if idx < 0 || idx >= a.totalFrames {
		return 0
	}
	return a.refcnt[idx]
}

// Dmap returns the kernel-visible backing page for phys, resolving a
// physical address through the direct map. The page is created lazily
// and zeroed on first touch.
func (a *Allocator) Dmap(phys Pa_t) *[PGSIZE]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.frameOf(phys)
	pg, ok := a.backing[idx]
	if !ok {
		pg = &[PGSIZE]byte{}
		a.backing[idx] = pg
	}
	return pg
}

// AllocRange allocates `count` contiguous frames starting at a
// caller-chosen base (bulk variant for, e.g., DMA ring buffers). All
// frames in the range must currently be free.
func (a *Allocator) AllocRange(base Pa_t, count int) defs.Err_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx0 := a.frameOf(base)
	if idx0 < 0 || idx0+count > a.totalFrames {
		return defs.EInvalidParams
	}
	for i := 0; i < count; i++ {
		if a.bitSet(idx0 + i) {
			return defs.EExists
		}
	}
	for i := 0; i < count; i++ {
		a.setBit(idx0 + i)
		a.refcnt[idx0+i] = 1
		a.free.Delete(idx0 + i)
		a.usedFrames++
	}
	return 0
}

// FreeRange is the bulk counterpart to Free.
func (a *Allocator) FreeRange(base Pa_t, count int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < count; i++ {
		a.free_locked(base + Pa_t(i)*PGSIZE)
	}
}

// Stats reports total/used frame counts for property checks and the
// CLI's pgstat subcommand.
func (a *Allocator) Stats() (total, used int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalFrames, a.usedFrames
}

// Base returns the lowest physical address this allocator manages,
// used by callers that must translate a frame index back to Pa_t.
func (a *Allocator) Base() Pa_t { return a.base }
