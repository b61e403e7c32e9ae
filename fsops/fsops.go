// Package fsops holds the external collaborator contracts the rest of
// the kernel core depends on but never implements directly: the
// file-system mount vtable every concrete driver implements, the
// timer source, the interrupt controller, the ACPI table accessor,
// and the boot descriptor. Parsing ACPI tables, HPET registers, or
// probing PCI are all out of scope here; only the Go interface
// contracts live in this package, the way a thin disk adapter keeps
// disk access out of filesystem code.
package fsops

import "kore/defs"

// FsError is the filesystem-specific error taxonomy, kept distinct
// from defs.Err_t because a mount driver built against this contract
// should never need to import the rest of the kernel core's error
// table.
type FsError int

const (
	FsOk FsError = iota
	FsPathNotFound
	FsAccessDenied
	FsDiskError
	FsInvalidParams
	FsExists
	FsNotSupported
	FsOutOfResources
)

// ToErr maps an FsError onto the kernel-wide Err_t table, used at the
// VFS request boundary when formatting a reply.
func (e FsError) ToErr() defs.Err_t {
	switch e {
	case FsOk:
		return 0
	case FsPathNotFound:
		return defs.EFsPathNotFound
	case FsAccessDenied:
		return defs.EFsAccessDenied
	case FsDiskError:
		return defs.EFsDiskError
	case FsInvalidParams:
		return defs.EFsInvalidParams
	case FsExists:
		return defs.EFsExists
	case FsNotSupported:
		return defs.EFsNotSupported
	case FsOutOfResources:
		return defs.EFsOutOfResources
	default:
		return defs.EFsDiskError
	}
}

// FileNode is the opaque handle a mount driver hands back from Open;
// the VFS pipeline never looks inside it, only stores and replays it.
type FileNode any

// OpenOptions mirrors the options word the open verb's parameters
// carry (create/truncate/append, not enumerated further since the
// concrete flag bits are a driver concern).
type OpenOptions uint32

// Access is the requested access mode bitset for open/permission
// checks.
type Access uint32

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessExecute
)

// FileStat is the result of stat/readdir.
type FileStat struct {
	Name    string
	Size    uint64
	IsDir   bool
	Mode    uint32
	ModTime int64
}

// FsStat is the result of statfs.
type FsStat struct {
	BlocksTotal uint64
	BlocksFree  uint64
	BlockSize   uint32
}

// StorageDescriptor is StatStorage's result: sector size, capability
// flags, and a driver id distinct from FsStat's block-level summary.
type StorageDescriptor struct {
	SectorSize uint32
	Flags      uint32
	DriverId   uint32
}

// Mount is the per-filesystem-driver vtable. The per-file methods
// (Close, Read, Write, Seek, Flush, Stat, Readdir) take the opaque
// FileNode value the driver itself returned from Open; Open, Mkdir,
// Unlink and Readlink take a subpath, and Statfs/StatStorage describe
// the whole mount. The shape mirrors
// a thin disk-backed driver binding a fixed device underneath a
// common filesystem interface.
type Mount interface {
	Open(subpath string, options OpenOptions, access Access) (FileNode, FsError)
	Close(node FileNode) FsError
	Read(node FileNode, buf []byte, offset int64) (int, FsError)
	Write(node FileNode, buf []byte, offset int64) (int, FsError)
	Seek(node FileNode, offset int64) FsError
	Flush(node FileNode) FsError
	Stat(node FileNode, subpath string) (FileStat, FsError)
	Readdir(node FileNode, index int) (FileStat, int, FsError)
	Mkdir(subpath string, perms uint32) (FileNode, FsError)
	Unlink(subpath string) FsError
	Readlink(subpath string) (string, FsError)
	Statfs() (FsStat, FsError)
	StatStorage() (StorageDescriptor, FsError)
}

// IPIKind is SendIPI's kind parameter.
type IPIKind int

const (
	IPIYield IPIKind = iota
	IPITLBShootdown
)

// InterruptController is the collaborator contract for vector masking
// and IPI delivery; boot wires this to irq.Table plus whatever
// hardware abstraction a real build supplies.
type InterruptController interface {
	Mask(vector int)
	Unmask(vector int)
	EOI(vector int)
	SendIPI(core int, kind IPIKind)
}

// TimerSource is the timer collaborator: a monotonic tick counter,
// its frequency in femtoseconds-per-tick (num/den, avoiding a
// floating-point rate), and tick-callback registration the scheduler
// uses to drive Tick().
type TimerSource interface {
	NowTicks() uint64
	Frequency() (num, den uint64)
	RegisterTickCallback(fn func(), periodMs int)
}

// AcpiTables returns the raw bytes for an ACPI table signature
// (MADT/SRAT/HPET/ECDT/SBST, ...) so a caller can walk its standard
// subtable headers. Parsing those subtables is out of scope here.
type AcpiTables interface {
	Table(signature string) ([]byte, bool)
}

// BootDescriptor is the flat struct a loader places in memory.
// kore/bootcfg.Descriptor is this module's hosted stand-in (loaded
// from TOML instead of read out of physical memory); BootDescriptor
// is kept here as a literal field set for any driver code that wants
// the contract without importing bootcfg's TOML loading machinery.
type BootDescriptor struct {
	MemoryMapOffset      uint64
	MemoryMapLength      uint64
	RamdiskOffset        uint64
	RamdiskLength        uint64
	VideoMode            uint32
	FramebufferPhys      uint64
	KernelPhys           uint64
	KernelLength         uint64
	AcpiRSDP             uint64
	DescriptorBlockOffset uint64
}
