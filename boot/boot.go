// Package boot brings the kernel core up in dependency order: it
// turns a bootcfg.Descriptor into a physical frame allocator, the
// per-domain kernel address spaces, the global thread table and
// per-core scheduler state, the interrupt table, and the VFS
// scope/dispatch layer, narrating each stage through klog.
package boot

import (
	"context"

	"kore/bootcfg"
	"kore/defs"
	"kore/fsops"
	"kore/handle"
	"kore/irq"
	"kore/klog"
	"kore/mem"
	"kore/sched"
	"kore/scope"
	"kore/thread"
	"kore/vfs"
	"kore/vm"
)

// Kernel holds every bring-up component, wired together: the core
// objects a running system needs reachable from its entry points
// (syscall handlers, the CLI, tests).
type Kernel struct {
	Config *bootcfg.Descriptor

	Alloc   *mem.Allocator
	Domains []*vm.Domain
	Threads *thread.Table
	Cores   []*thread.Core
	Sched   *sched.Scheduler
	IRQ     *irq.Table
	Handles *handle.Table
	Scopes  *scope.Table
	VFS     *vfs.Dispatcher

	cancel context.CancelFunc
}

// Bringup runs the component initialization order over cfg and
// returns a fully wired Kernel. It never starts a real timer or
// interrupt source -- those are external collaborators; callers drive
// Sched.Tick and IRQ.Fire themselves or wire a timer/interrupt-source
// implementation.
func Bringup(cfg *bootcfg.Descriptor) (*Kernel, error) {
	klog.Log.WithFields(klog.Fields{"domains": cfg.NumDomains, "cores_per_domain": cfg.CoresPerDomain}).
		Info("boot: bringing up kernel core")

	if cfg.RunqueueLevels != 0 && cfg.RunqueueLevels != sched.Levels {
		return nil, defs.EInvalidParams
	}
	if cfg.PageSize != 0 && cfg.PageSize != mem.PGSIZE {
		return nil, defs.EInvalidParams
	}

	alloc := buildAllocator(cfg)

	var domains []*vm.Domain
	for i := 0; i < cfg.NumDomains; i++ {
		domains = append(domains, vm.NewDomain(alloc, nil))
	}

	threads := thread.NewTable()

	var cores []*thread.Core
	coreId := 0
	for domainIdx, d := range domains {
		for c := 0; c < cfg.CoresPerDomain; c++ {
			idle, err := threads.Create("idle", 0, d, nil, 0, false, nil)
			if err != 0 {
				return nil, errFromKernel(err)
			}
			idle.SetFlag(thread.Idle)
			cores = append(cores, thread.NewCore(coreId, domainIdx, idle))
			coreId++
		}
	}

	scheduler := sched.New(cores, int64(cfg.QuantumMs), int64(cfg.BoostPeriodMs))

	irqTable := irq.New()
	handles := handle.New()
	scopes := scope.NewTable()
	dispatcher := vfs.New(scopes)

	klog.Log.Info("boot: kernel core ready")

	return &Kernel{
		Config:  cfg,
		Alloc:   alloc,
		Domains: domains,
		Threads: threads,
		Cores:   cores,
		Sched:   scheduler,
		IRQ:     irqTable,
		Handles: handles,
		Scopes:  scopes,
		VFS:     dispatcher,
	}, nil
}

// buildAllocator folds cfg's memory map and explicit reserved-range
// list into a frame allocator, without hard-coding any platform's
// trap-page addresses.
func buildAllocator(cfg *bootcfg.Descriptor) *mem.Allocator {
	avail := make([]mem.MemRange, 0, len(cfg.MemoryMap))
	for _, r := range cfg.MemoryMap {
		avail = append(avail, mem.MemRange{
			Base:      mem.Pa_t(r.Base),
			Length:    mem.Pa_t(r.Length),
			Available: r.Type == "available",
		})
	}
	reserved := make([]mem.MemRange, 0, len(cfg.ReservedRanges)+1)
	for _, r := range cfg.ReservedRanges {
		reserved = append(reserved, mem.MemRange{Base: mem.Pa_t(r.Base), Length: mem.Pa_t(r.Length)})
	}
	if cfg.KernelLength > 0 {
		reserved = append(reserved, mem.MemRange{Base: mem.Pa_t(cfg.KernelPhys), Length: mem.Pa_t(cfg.KernelLength)})
	}
	return mem.NewAllocator(avail, reserved)
}

// RunDispatcher starts the VFS worker pool with n cooperative workers
// and returns a cancel function; call it (or cancel the context
// directly) to stop the pool.
func (k *Kernel) RunDispatcher(n int) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	go k.VFS.Run(ctx, n)
	return cancel
}

// MountRoot creates (or replaces) the scope for processId with perms
// and mounts mount at "/" in it. Scopes created later for other
// processes do not get this mount.
func (k *Kernel) MountRoot(processId uint32, mount fsops.Mount, perms scope.Permissions) *scope.Scope {
	sc := k.Scopes.Create(processId, perms)
	sc.Mount("/", mount)
	return sc
}

// Shutdown cancels the VFS worker pool started by RunDispatcher, if
// any; it does not touch the interrupt table. Idempotent.
func (k *Kernel) Shutdown() {
	if k.cancel != nil {
		k.cancel()
	}
}

func errFromKernel(e defs.Err_t) error { return e }
