// Package region implements shared memory regions: a reference-
// counted physical page list that multiple address spaces can map
// with independent access flags, addressed through handles rather
// than being fixed to a single parent/child pair.
package region

import (
	"sync"

	"kore/defs"
	"kore/mem"
	"kore/vm"
)

// Region is one shared buffer: a committed prefix of `pages`, backed
// by `capacity` reserved virtual range in the kernel view, and zero or
// more inheritor views in other address spaces.
type Region struct {
	mu sync.Mutex

	alloc    *mem.Allocator
	owner    *vm.Domain // kernel domain, for the persistent kernel_view
	producer *vm.Space  // the space that created the region; only it may Resize

	pages    []mem.Pa_t // capacity-sized; every entry holds a frame, only the first pagesFor(length) are committed
	length   uintptr    // committed byte length
	capacity uintptr    // reserved byte capacity

	kernelView uintptr
	flags      vm.Flags
}

func pagesFor(size uintptr) int { return int((size + mem.PGSIZE - 1) / mem.PGSIZE) }

// Create allocates capacity's worth of frames, reserves and commits
// the kernel view over [0,length), then reserves and commits a
// Persistent user view in the caller's space.
func Create(alloc *mem.Allocator, owner *vm.Domain, caller *vm.Space, length, capacity uintptr, flags vm.Flags) (*Region, uintptr, uintptr, defs.Err_t) {
	if capacity < length {
		return nil, 0, 0, defs.EInvalidParams
	}
	capPages := pagesFor(capacity)
	lenPages := pagesFor(length)

	pages := make([]mem.Pa_t, capPages)
	for i := 0; i < capPages; i++ {
		p, err := alloc.Alloc(^mem.Pa_t(0))
		if err != 0 {
			for j := 0; j < i; j++ {
				alloc.Free(pages[j])
			}
			return nil, 0, 0, err
		}
		pages[i] = p
	}

	r := &Region{alloc: alloc, owner: owner, producer: caller, pages: pages, length: length, capacity: capacity, flags: flags}

	kernelView, err := owner.Space().MapReserved(capacity, flags, vm.GlobalKernelHeap)
	if err != 0 {
		r.freeAll()
		return nil, 0, 0, err
	}
	if err := owner.Space().Commit(kernelView, pages[:lenPages], lenPages, flags); err != 0 {
		r.freeAll()
		return nil, 0, 0, err
	}
	r.kernelView = kernelView

	userFlags := flags | vm.User | vm.Persistent
	userView, err := caller.MapReserved(capacity, userFlags, vm.ProcessHeap)
	if err != 0 {
		r.freeAll()
		return nil, 0, 0, err
	}
	if err := caller.Commit(userView, pages[:lenPages], lenPages, userFlags); err != 0 {
		r.freeAll()
		return nil, 0, 0, err
	}

	return r, kernelView, userView, 0
}

func (r *Region) freeAll() {
	for _, p := range r.pages {
		if p != 0 {
			r.alloc.Free(p)
		}
	}
}

// CreateExisting builds a region from an already-mapped range:
// queries frames from the caller's address space and remaps them into
// the kernel view. Capacity equals length rounded up, including the
// leading intra-page offset.
func CreateExisting(alloc *mem.Allocator, owner *vm.Domain, caller *vm.Space, virt uintptr, length uintptr, flags vm.Flags) (*Region, uintptr, defs.Err_t) {
	offset := virt & (mem.PGSIZE - 1)
	base := virt &^ (mem.PGSIZE - 1)
	capacity := (offset + length + mem.PGSIZE - 1) &^ (mem.PGSIZE - 1)
	n := pagesFor(capacity)

	pages := make([]mem.Pa_t, n)
	for i := 0; i < n; i++ {
		desc, err := caller.Query(base + uintptr(i)*mem.PGSIZE)
		if err != 0 {
			return nil, 0, defs.EInvalidParams
		}
		pages[i] = desc.Phys
		alloc.Refup(desc.Phys)
	}

	r := &Region{alloc: alloc, owner: owner, producer: caller, pages: pages, length: capacity, capacity: capacity, flags: flags}
	kernelView, err := owner.Space().MapReserved(capacity, flags, vm.GlobalKernelHeap)
	if err != 0 {
		r.freeAll()
		return nil, 0, err
	}
	if err := owner.Space().Commit(kernelView, pages, n, flags); err != 0 {
		r.freeAll()
		return nil, 0, err
	}
	r.kernelView = kernelView
	return r, kernelView, 0
}

// Inherit maps the region's existing frames into caller with the
// requested access subset.
func (r *Region) Inherit(caller *vm.Space, access vm.Flags) (uintptr, uintptr, defs.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lenPages := pagesFor(r.length)
	flags := access | vm.User | vm.Persistent
	virt, err := caller.MapReserved(r.capacity, flags, vm.ProcessHeap)
	if err != 0 {
		return 0, 0, err
	}
	if err := caller.Commit(virt, r.pages[:lenPages], lenPages, flags); err != 0 {
		return 0, 0, err
	}
	for _, p := range r.pages[:lenPages] {
		r.alloc.Refup(p)
	}
	return virt, r.length, 0
}

// Resize grows the region, atomically under r.mu, committing the
// additional pages in both the kernel view and the caller's user
// view. Shrinking is not supported. Only the space that created the
// region may resize it; an inheritor must ask the producer instead
// and pick up the change via Refresh.
func (r *Region) Resize(caller *vm.Space, callerVirt uintptr, newLength uintptr) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.producer {
		return defs.ENoPermissions
	}
	if newLength < r.length {
		return defs.EInvalidParams
	}
	if newLength > r.capacity {
		return defs.ENotSupported
	}

	oldPages := pagesFor(r.length)
	newPages := pagesFor(newLength)
	if newPages > oldPages {
		add := r.pages[oldPages:newPages]
		kernelTail := r.kernelView + uintptr(oldPages)*mem.PGSIZE
		if err := r.owner.Space().Commit(kernelTail, add, len(add), r.flags); err != 0 {
			return err
		}
		if caller != nil {
			userTail := callerVirt + uintptr(oldPages)*mem.PGSIZE
			if err := caller.Commit(userTail, add, len(add), r.flags|vm.User|vm.Persistent); err != 0 {
				return err
			}
		}
	}
	r.length = newLength
	return 0
}

// Refresh commits pages from currentLength up to the region's actual
// length into the caller's view, for inheritors that missed a Resize
// by the producer.
func (r *Region) Refresh(caller *vm.Space, callerVirt uintptr, currentLength uintptr) (uintptr, defs.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if currentLength >= r.length {
		return r.length, 0
	}
	startPages := pagesFor(currentLength)
	endPages := pagesFor(r.length)
	add := r.pages[startPages:endPages]
	tail := callerVirt + uintptr(startPages)*mem.PGSIZE
	if err := caller.Commit(tail, add, len(add), r.flags|vm.User|vm.Persistent); err != 0 {
		return 0, err
	}
	return r.length, 0
}

// Read copies len(buf) bytes starting at offset through the kernel
// view. Out-of-range offsets fail with EInvalidParams.
func (r *Region) Read(offset uintptr, buf []byte) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset > r.length || uintptr(len(buf)) > r.length-offset {
		return defs.EInvalidParams
	}
	r.copyKernel(buf, offset, false)
	return 0
}

// Write is Read's mirror image.
func (r *Region) Write(offset uintptr, buf []byte) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	if offset > r.length || uintptr(len(buf)) > r.length-offset {
		return defs.EInvalidParams
	}
	r.copyKernel(buf, offset, true)
	return 0
}

// copyKernel walks page by page through the kernel's Dmap view,
// copying to (write) or from (read) buf -- a memcpy through the
// direct map, since this model has no separate hardware cache to
// reason about.
func (r *Region) copyKernel(buf []byte, offset uintptr, write bool) {
	remaining := buf
	pos := offset
	for len(remaining) > 0 {
		pageIdx := pos / mem.PGSIZE
		inPage := pos % mem.PGSIZE
		n := mem.PGSIZE - inPage
		if uintptr(n) > uintptr(len(remaining)) {
			n = int(len(remaining))
		}
		page := r.alloc.Dmap(r.pages[pageIdx])
		if write {
			copy(page[inPage:], remaining[:n])
		} else {
			copy(remaining[:n], page[inPage:])
		}
		remaining = remaining[n:]
		pos += uintptr(n)
	}
}

// SGEntry is one scatter-gather range: a physical base address and a
// byte length.
type SGEntry struct {
	Addr   mem.Pa_t
	Length uintptr
}

// GetSG coalesces contiguous physical runs in pages[], starting at the
// page holding offset, into {addr, length} entries; the first entry
// starts at offset's position within its page and its length is
// reduced by that intra-page amount. The region stores no intra-page
// offset of its own: for a region from CreateExisting over an
// unaligned address, GetSG(out, 0) starts at the beginning of the
// first page. Passing out==nil returns just the count needed, a
// two-phase size-then-fill protocol.
func (r *Region) GetSG(out []SGEntry, offset uintptr) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	startPage := offset / mem.PGSIZE
	intraOffset := offset % mem.PGSIZE
	lenPages := pagesFor(r.length)
	if int(startPage) >= lenPages {
		return 0
	}

	count := 0
	i := int(startPage)
	for i < lenPages {
		runStart := i
		for i+1 < lenPages && r.pages[i+1] == r.pages[i]+mem.PGSIZE {
			i++
		}
		length := uintptr(i-runStart+1) * mem.PGSIZE
		addr := r.pages[runStart]
		if runStart == int(startPage) {
			addr += mem.Pa_t(intraOffset)
			length -= intraOffset
		}
		if out != nil && count < len(out) {
			out[count] = SGEntry{Addr: addr, Length: length}
		}
		count++
		i++
	}
	return count
}

// Length returns the region's current committed length.
func (r *Region) Length() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length
}

// Capacity returns the region's fixed reservation capacity.
func (r *Region) Capacity() uintptr { return r.capacity }
