package vm

import (
	"sync"

	"kore/defs"
	"kore/mem"
)

// Flags holds the architecture-defined PTE bits (presence, write,
// user, write-through, cache-disable, accessed, dirty, global) plus
// three OS-defined semantic bits: system-map, inherited, and
// persistent. An additional bit, Cow, is the mechanism this module
// uses internally to implement copy-on-inherit page tables -- real
// hardware has no COW bit; the fault handler elsewhere is what makes
// COW behave like a first-class PTE flag anyway.
type Flags uint16

const (
	Present Flags = 1 << iota
	Write
	User
	WriteThrough
	CacheDisable
	Accessed
	Dirty
	Global
	SystemMap // device MMIO, permanent
	Inherited // backing object owned by an ancestor; never freed here
	Persistent // exempt from process teardown
	Cow
)

// PTE is one page-table entry: the physical frame it references plus
// its flags, kept as two separate fields rather than packed into one
// machine word, since this module has no real hardware register
// layout to respect.
type PTE struct {
	Frame mem.Pa_t
	Flags Flags
}

func (e PTE) present() bool { return e.Flags&Present != 0 }

// Table is one level of the page-table radix tree: 512 entries,
// matching a 4 KiB page holding 8-byte x86-64 PTEs.
type Table [512]PTE

const (
	entriesPerTable = 512
	levels          = 4 // PML4, PDPT, PD, PT
)

func shift(level int) uint { return 12 + 9*uint(level) }

func index(va uintptr, level int) int {
	return int((va >> shift(level)) & (entriesPerTable - 1))
}

// tableStore is the page-table-page allocator: it hands out Table
// objects backed by frames from the physical allocator, and is the
// one place that knows how to resolve a frame id back to the Table
// object it backs.
type tableStore struct {
	mu     sync.Mutex
	alloc  *mem.Allocator
	tables map[mem.Pa_t]*Table
}

func newTableStore(alloc *mem.Allocator) *tableStore {
	return &tableStore{alloc: alloc, tables: make(map[mem.Pa_t]*Table)}
}

func (ts *tableStore) new() (mem.Pa_t, *Table, defs.Err_t) {
	pa, err := ts.alloc.Alloc(^mem.Pa_t(0))
	if err != 0 {
		return 0, nil, err
	}
	t := &Table{}
	ts.mu.Lock()
	ts.tables[pa] = t
	ts.mu.Unlock()
	return pa, t, 0
}

func (ts *tableStore) get(pa mem.Pa_t) *Table {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	t, ok := ts.tables[pa]
	if !ok {
		defs.Fatal("vm: dangling table reference %#x", pa)
	}
	return t
}

func (ts *tableStore) free(pa mem.Pa_t) {
	ts.mu.Lock()
	delete(ts.tables, pa)
	ts.mu.Unlock()
	ts.alloc.Free(pa)
}
