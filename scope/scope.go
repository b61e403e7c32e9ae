// Package scope implements per-process filesystem scoping:
// per-process path resolution against a set of mounted filesystems,
// plus a permission bitset gating which VFS verbs a caller may invoke.
// The longest-prefix-match resolver mirrors how a Unix-style VFS picks
// the mount covering a path.
package scope

import (
	"strings"
	"sync"

	"kore/defs"
	"kore/fsops"
	"kore/handle"
)

// Verb is one VFS request verb, used as a bit index into a Scope's
// permission set.
type Verb int

const (
	VerbOpen Verb = iota
	VerbClose
	VerbRead
	VerbWrite
	VerbSeek
	VerbFlush
	VerbMove
	VerbLink
	VerbDelete
	VerbMkdir
	VerbReaddir
	VerbStat
	VerbStatfs
	VerbRealpath
	VerbStatStorage
	verbCount
)

// Permissions is the bitset a Scope carries; any disallowed verb
// short-circuits with NoPermissions.
type Permissions uint32

// AllVerbs grants every verb; a freshly authenticated scope typically
// starts here and is narrowed by the caller.
const AllVerbs Permissions = (1 << verbCount) - 1

func (p Permissions) Allows(v Verb) bool { return p&(1<<uint(v)) != 0 }

// mountEntry pairs a path prefix with its driver; prefixes are always
// canonicalized ("/" separators, no trailing slash except root).
type mountEntry struct {
	prefix string
	mount  fsops.Mount
}

// Scope is one process's filesystem view: its mount table and
// permission bitset.
type Scope struct {
	mu          sync.RWMutex
	mounts      []mountEntry
	permissions Permissions
}

// Table is the process-id -> Scope registry scope_get resolves
// against.
type Table struct {
	mu     sync.RWMutex
	scopes map[uint32]*Scope
}

// NewTable returns an empty scope table.
func NewTable() *Table {
	return &Table{scopes: make(map[uint32]*Scope)}
}

// Create installs a scope for processId with the given starting
// permissions, replacing any existing one.
func (t *Table) Create(processId uint32, perms Permissions) *Scope {
	s := &Scope{permissions: perms}
	t.mu.Lock()
	t.scopes[processId] = s
	t.mu.Unlock()
	return s
}

// Get returns (nil, false) for an unauthenticated/unknown process
// id.
func (t *Table) Get(processId uint32) (*Scope, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.scopes[processId]
	return s, ok
}

// Destroy removes processId's scope, e.g. on process exit.
func (t *Table) Destroy(processId uint32) {
	t.mu.Lock()
	delete(t.scopes, processId)
	t.mu.Unlock()
}

// Mount attaches mount at prefix within this scope.
func (s *Scope) Mount(prefix string, mount fsops.Mount) {
	prefix = canonicalize(prefix)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mounts = append(s.mounts, mountEntry{prefix: prefix, mount: mount})
}

// Permissions returns the scope's verb bitset.
func (s *Scope) Permissions() Permissions {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissions
}

// SetPermissions replaces the scope's verb bitset.
func (s *Scope) SetPermissions(p Permissions) {
	s.mu.Lock()
	s.permissions = p
	s.mu.Unlock()
}

// canonicalize resolves "." and ".." segments, collapses duplicate
// separators, and strips any "drive:/"-style environment prefix down
// to the path portion.
func canonicalize(path string) string {
	if i := strings.Index(path, ":/"); i >= 0 && !strings.Contains(path[:i], "/") {
		path = path[i+1:]
	}
	segments := strings.Split(path, "/")
	var out []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	return "/" + strings.Join(out, "/")
}

// Resolve canonicalizes path, then matches the longest mount
// prefix.
func (s *Scope) Resolve(path string) (fsops.Mount, string, defs.Err_t) {
	clean := canonicalize(path)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *mountEntry
	for i := range s.mounts {
		m := &s.mounts[i]
		if !isPrefixMatch(clean, m.prefix) {
			continue
		}
		if best == nil || len(m.prefix) > len(best.prefix) {
			best = m
		}
	}
	if best == nil {
		return nil, "", defs.EFsPathNotFound
	}

	sub := strings.TrimPrefix(clean, best.prefix)
	sub = strings.TrimPrefix(sub, "/")
	return best.mount, sub, 0
}

func isPrefixMatch(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// Open resolves the mount, checks VerbOpen permission, delegates to
// the mount's Open, and registers the returned file node with the
// handle registry.
func Open(s *Scope, tbl *handle.Table, path string, options fsops.OpenOptions, access fsops.Access) (handle.Id, defs.Err_t) {
	if !s.Permissions().Allows(VerbOpen) {
		return 0, defs.ENoPermissions
	}
	mount, sub, err := s.Resolve(path)
	if err != 0 {
		return 0, err
	}
	node, ferr := mount.Open(sub, options, access)
	if ferr != fsops.FsOk {
		return 0, ferr.ToErr()
	}
	id := tbl.Create(handle.TypeFileRequest, fileHandle{mount: mount, node: node}, func(payload any) {
		fh := payload.(fileHandle)
		fh.mount.Close(fh.node)
	})
	return id, 0
}

// fileHandle is the payload an opened file's handle carries: the
// mount it belongs to (needed on Close/Read/Write's driver dispatch)
// plus the driver-opaque node.
type fileHandle struct {
	mount fsops.Mount
	node  fsops.FileNode
}

// FileHandle returns the mount+node pair stored under id, or false if
// id does not resolve to a live, correctly typed file handle.
func FileHandle(tbl *handle.Table, id handle.Id) (fsops.Mount, fsops.FileNode, bool) {
	v, ok := tbl.LookupTyped(id, handle.TypeFileRequest)
	if !ok {
		return nil, nil, false
	}
	fh := v.(fileHandle)
	return fh.mount, fh.node, true
}
