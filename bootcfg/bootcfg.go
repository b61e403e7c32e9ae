// Package bootcfg loads the boot-time configuration a loader would
// otherwise hand the kernel as a flat struct in memory, plus the
// scheduler/memory tunables a hosted build needs supplied explicitly.
// This simulation reads the equivalent from a TOML file via
// github.com/BurntSushi/toml, falling back to sensible defaults when
// none is supplied.
package bootcfg

import (
	"github.com/BurntSushi/toml"
)

// PhysRange is a [Base, Base+Length) physical address range, used
// both for the memory map entries and for the explicit reserved-range
// list folded into the frame allocator's initial reservation.
type PhysRange struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	// Type is "available" or "reserved"; anything else is treated as
	// reserved defensively.
	Type string `toml:"type"`
}

// Descriptor is the boot-time configuration: the physical memory map
// and reservations a loader hands over, plus the scheduler/memory
// tunables a hosted build needs supplied explicitly.
type Descriptor struct {
	MemoryMap      []PhysRange `toml:"memory_map"`
	RamdiskOffset  uint64      `toml:"ramdisk_offset"`
	RamdiskLength  uint64      `toml:"ramdisk_length"`
	KernelPhys     uint64      `toml:"kernel_phys"`
	KernelLength   uint64      `toml:"kernel_length"`
	AcpiRSDP       uint64      `toml:"acpi_rsdp"`
	ReservedRanges []PhysRange `toml:"reserved_ranges"`

	// NumDomains is the number of NUMA domains to bring up; each gets
	// CoresPerDomain cores. Scheduler placement never migrates a
	// thread across domains once placed, so this shape is fixed for
	// the process lifetime.
	NumDomains     int `toml:"num_domains"`
	CoresPerDomain int `toml:"cores_per_domain"`

	// QuantumMs is the level-0 timeslice; level k gets Q + 2k.
	// BoostPeriodMs is the aging interval.
	QuantumMs     int `toml:"quantum_ms"`
	BoostPeriodMs int `toml:"boost_period_ms"`

	// RunqueueLevels and PageSize describe the build this descriptor
	// targets; Bringup rejects a descriptor whose non-zero values
	// don't match the compiled-in sched.Levels/mem.PGSIZE, since
	// neither is actually reconfigurable at runtime.
	RunqueueLevels int `toml:"runqueue_levels"`
	PageSize       int `toml:"page_size"`
}

// Default returns a single-domain, single-core descriptor with a
// 20ms base quantum, six run-queue levels, and no explicit
// reservations beyond what Load callers add.
func Default() *Descriptor {
	return &Descriptor{
		NumDomains:     1,
		CoresPerDomain: 1,
		QuantumMs:      20,
		BoostPeriodMs:  500,
		RunqueueLevels: 6,
		PageSize:       4096,
	}
}

// Load reads a TOML boot descriptor from path on top of Default(), so
// keys the file omits keep their default values. On a read or decode
// failure it returns nil and the error; it does not fall back to
// Default().
func Load(path string) (*Descriptor, error) {
	d := Default()
	if _, err := toml.DecodeFile(path, d); err != nil {
		return nil, err
	}
	return d, nil
}
