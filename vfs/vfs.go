// Package vfs implements the VFS request pipeline: a per-verb Request
// object carrying a deferred reply capability, dispatched onto a
// cooperative worker-thread task queue that calls into the resolved
// mount's vtable. The worker pool is built on golang.org/x/sync/errgroup,
// and the shared task FIFO wraps container/list; per-mount ordering
// comes from mountGate.
package vfs

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"kore/defs"
	"kore/fsops"
	"kore/scope"
)

// Verb re-exports scope.Verb so callers of this package don't need a
// second import for the common case of submitting a request.
type Verb = scope.Verb

const (
	VerbOpen    = scope.VerbOpen
	VerbClose   = scope.VerbClose
	VerbRead    = scope.VerbRead
	VerbWrite   = scope.VerbWrite
	VerbSeek    = scope.VerbSeek
	VerbFlush   = scope.VerbFlush
	VerbStat    = scope.VerbStat
	VerbReaddir = scope.VerbReaddir
	VerbMkdir   = scope.VerbMkdir
	VerbDelete  = scope.VerbDelete
	VerbStatfs  = scope.VerbStatfs
)

// Reply is what a handler produces; Data's concrete type depends on
// the verb (e.g. fsops.FileStat for VerbStat).
type Reply struct {
	Err  defs.Err_t
	Data any
}

// Request is one in-flight VFS call: it carries its own id, the
// caller's process id (used to pick the scope), the verb-specific
// parameters, and a deferred reply channel any thread may complete
// from.
type Request struct {
	Id        uint64
	Verb      Verb
	ProcessId uint32
	Path      string
	Params    any

	cancelled atomic.Bool
	reply     chan Reply
}

// Cancel marks the request cancelled. The flag is checked once, just
// before the handler would run: a cancelled request is answered with
// EInterrupted without calling the mount. A reply is still sent, and a
// handler that has already started is not interrupted.
func (r *Request) Cancel() { r.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (r *Request) Cancelled() bool { return r.cancelled.Load() }

// Handler performs one verb against a resolved mount+subpath.
type Handler func(mount fsops.Mount, subpath string, req *Request) Reply

// mountGate is the per-mount serializing lock: tickets are handed out
// in enqueue order, and a task may only run once its ticket is next,
// so requests against the same mount complete in enqueue order even
// though the worker pool runs them on arbitrary goroutines. Cross-mount
// operations carry independent gates and so may reorder relative to
// each other.
type mountGate struct {
	mu       sync.Mutex
	cond     *sync.Cond
	next     uint64
	issued   uint64
}

func newMountGate() *mountGate {
	g := &mountGate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *mountGate) ticket() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.issued
	g.issued++
	return t
}

func (g *mountGate) acquire(ticket uint64) {
	g.mu.Lock()
	for g.next != ticket {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

func (g *mountGate) release(ticket uint64) {
	g.mu.Lock()
	g.next = ticket + 1
	g.cond.Broadcast()
	g.mu.Unlock()
}

type task struct {
	mount   fsops.Mount
	subpath string
	req     *Request
	handler Handler
	ticket  uint64
	gate    *mountGate
}

// Dispatcher is the cooperative task-queue runtime: a pool of worker
// goroutines pop tasks from a shared FIFO and invoke the verb's
// handler, honoring per-mount ordering via mountGate and suppressing
// duplicate concurrent stat/statfs lookups via singleflight, applied
// to read-only lookups that are safe to collapse.
type Dispatcher struct {
	scopes *scope.Table

	queueMu sync.Mutex
	queue   *list.List
	signal  chan struct{}

	gatesMu sync.Mutex
	gates   map[fsops.Mount]*mountGate

	nextReqId atomic.Uint64

	group singleflight.Group

	handlers map[Verb]Handler
}

// New returns a Dispatcher resolving scopes via scopes and wired with
// the default verb handlers.
func New(scopes *scope.Table) *Dispatcher {
	d := &Dispatcher{
		scopes:   scopes,
		queue:    list.New(),
		signal:   make(chan struct{}, 1),
		gates:    make(map[fsops.Mount]*mountGate),
		handlers: defaultHandlers(),
	}
	return d
}

func (d *Dispatcher) gateFor(m fsops.Mount) *mountGate {
	d.gatesMu.Lock()
	defer d.gatesMu.Unlock()
	g, ok := d.gates[m]
	if !ok {
		g = newMountGate()
		d.gates[m] = g
	}
	return g
}

// Run starts n worker goroutines, each running an event loop that
// pops tasks from the shared queue and invokes their handler, until
// ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, n int) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error { return d.worker(ctx) })
	}
	return g.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) error {
	for {
		t := d.popTask()
		if t == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-d.signal:
				continue
			}
		}
		d.runTask(t)
	}
}

func (d *Dispatcher) popTask() *task {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	front := d.queue.Front()
	if front == nil {
		return nil
	}
	d.queue.Remove(front)
	return front.Value.(*task)
}

func (d *Dispatcher) pushTask(t *task) {
	d.queueMu.Lock()
	d.queue.PushBack(t)
	d.queueMu.Unlock()
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) runTask(t *task) {
	if t.gate != nil {
		t.gate.acquire(t.ticket)
	}
	reply := d.invoke(t)
	if t.gate != nil {
		t.gate.release(t.ticket)
	}
	t.req.reply <- reply
}

func (d *Dispatcher) invoke(t *task) Reply {
	if t.req.Cancelled() {
		return Reply{Err: defs.EInterrupted}
	}
	return t.handler(t.mount, t.subpath, t.req)
}

// Submit resolves the caller's scope, checks the verb's permission,
// resolves the mount+subpath, and enqueues the request as a
// cooperative task; it returns a channel the caller waits on for the
// reply plus the Request itself so the caller can Cancel it.
func (d *Dispatcher) Submit(verb Verb, processId uint32, path string, params any) (*Request, <-chan Reply) {
	req := &Request{
		Id:        d.nextReqId.Add(1),
		Verb:      verb,
		ProcessId: processId,
		Path:      path,
		Params:    params,
		reply:     make(chan Reply, 1),
	}

	sc, ok := d.scopes.Get(processId)
	if !ok {
		req.reply <- Reply{Err: defs.ENoPermissions}
		return req, req.reply
	}
	if !sc.Permissions().Allows(verb) {
		req.reply <- Reply{Err: defs.ENoPermissions}
		return req, req.reply
	}
	mount, subpath, err := sc.Resolve(path)
	if err != 0 {
		req.reply <- Reply{Err: err}
		return req, req.reply
	}

	handler, ok := d.handlers[verb]
	if !ok {
		req.reply <- Reply{Err: defs.ENotSupported}
		return req, req.reply
	}

	if verb == VerbStat || verb == VerbStatfs {
		d.submitCollapsed(mount, subpath, verb, req, handler)
		return req, req.reply
	}

	gate := d.gateFor(mount)
	t := &task{mount: mount, subpath: subpath, req: req, handler: handler, gate: gate, ticket: gate.ticket()}
	d.pushTask(t)
	return req, req.reply
}

// submitCollapsed runs a read-only stat/statfs lookup through
// singleflight: concurrent callers asking about the same mount+subpath
// share one underlying call, the reply fanned out to every waiter.
func (d *Dispatcher) submitCollapsed(mount fsops.Mount, subpath string, verb Verb, req *Request, handler Handler) {
	key := singleflightKey(mount, subpath, verb)
	go func() {
		v, _, _ := d.group.Do(key, func() (any, error) {
			return handler(mount, subpath, req), nil
		})
		req.reply <- v.(Reply)
	}()
}

func singleflightKey(mount fsops.Mount, subpath string, verb Verb) string {
	return subpath + "\x00" + string(rune(verb)) + "\x00" + mountKey(mount)
}

// mountKey gives each mount a stable string identity for the
// singleflight key without requiring Mount implementations to be
// comparable beyond interface equality (Go interfaces holding a
// pointer already are, but this keeps the key human-readable for
// debugging).
func mountKey(mount fsops.Mount) string {
	return fmt.Sprintf("%p", mount)
}
