package fsops

import (
	"sort"
	"strings"
	"sync"
)

// Memfs is a reference implementation of Mount backed entirely by
// process memory: an in-memory stand-in for a real mount driver, used
// to exercise the VFS pipeline's request-dispatch and scope-resolution
// logic in tests without a real disk image. superblock keeps the
// orphan-inode-list bookkeeping fields a real on-disk filesystem
// carries, even though this mount never populates an orphan list
// itself: a real mount driver implementing this vtable has the
// accessor shape ready to build on.
type Memfs struct {
	mu       sync.Mutex
	files    map[string][]byte
	dirs     map[string]bool
	superblock struct {
		orphanBlock int
		orphanLen   int
	}
}

// NewMemfs returns an empty in-memory filesystem with its root
// directory already present.
func NewMemfs() *Memfs {
	return &Memfs{
		files: make(map[string][]byte),
		dirs:  map[string]bool{"/": true},
	}
}

// OrphanBlock and OrphanLen expose the superblock orphan-list fields;
// always zero on this mount.
func (m *Memfs) OrphanBlock() int { return m.superblock.orphanBlock }
func (m *Memfs) OrphanLen() int   { return m.superblock.orphanLen }

type memNode struct {
	path  string
	isDir bool
	pos   int64
}

func clean(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// Open implements Mount.Open: a directory path resolves if it was
// created by Mkdir (or is root); a file path resolves if Write has
// created it, or if options requests creation.
func (m *Memfs) Open(subpath string, options OpenOptions, access Access) (FileNode, FsError) {
	p := clean(subpath)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dirs[p] {
		return &memNode{path: p, isDir: true}, FsOk
	}
	if _, ok := m.files[p]; ok {
		return &memNode{path: p}, FsOk
	}
	const createFlag OpenOptions = 1
	if options&createFlag != 0 {
		m.files[p] = nil
		return &memNode{path: p}, FsOk
	}
	return nil, FsPathNotFound
}

func (m *Memfs) Close(node FileNode) FsError {
	if _, ok := node.(*memNode); !ok {
		return FsInvalidParams
	}
	return FsOk
}

func (m *Memfs) Read(node FileNode, buf []byte, offset int64) (int, FsError) {
	n, ok := node.(*memNode)
	if !ok || n.isDir {
		return 0, FsInvalidParams
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[n.path]
	if !ok {
		return 0, FsPathNotFound
	}
	if offset < 0 || offset > int64(len(data)) {
		return 0, FsInvalidParams
	}
	k := copy(buf, data[offset:])
	return k, FsOk
}

func (m *Memfs) Write(node FileNode, buf []byte, offset int64) (int, FsError) {
	n, ok := node.(*memNode)
	if !ok || n.isDir {
		return 0, FsInvalidParams
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data := m.files[n.path]
	need := int(offset) + len(buf)
	if need > len(data) {
		grown := make([]byte, need)
		copy(grown, data)
		data = grown
	}
	copy(data[offset:], buf)
	m.files[n.path] = data
	return len(buf), FsOk
}

func (m *Memfs) Seek(node FileNode, offset int64) FsError {
	n, ok := node.(*memNode)
	if !ok {
		return FsInvalidParams
	}
	n.pos = offset
	return FsOk
}

func (m *Memfs) Flush(FileNode) FsError { return FsOk }

func (m *Memfs) Stat(node FileNode, subpath string) (FileStat, FsError) {
	p := clean(subpath)
	if n, ok := node.(*memNode); ok && subpath == "" {
		p = n.path
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[p] {
		return FileStat{Name: p, IsDir: true}, FsOk
	}
	if data, ok := m.files[p]; ok {
		return FileStat{Name: p, Size: uint64(len(data))}, FsOk
	}
	return FileStat{}, FsPathNotFound
}

func (m *Memfs) Readdir(node FileNode, index int) (FileStat, int, FsError) {
	n, ok := node.(*memNode)
	if !ok || !n.isDir {
		return FileStat{}, 0, FsInvalidParams
	}
	m.mu.Lock()
	var names []string
	prefix := n.path
	if prefix != "/" {
		prefix += "/"
	} else {
		prefix = "/"
	}
	for p := range m.files {
		if strings.HasPrefix(p, prefix) && !strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			names = append(names, p)
		}
	}
	for p := range m.dirs {
		if p != n.path && strings.HasPrefix(p, prefix) && !strings.Contains(strings.TrimPrefix(p, prefix), "/") {
			names = append(names, p)
		}
	}
	m.mu.Unlock()

	sort.Strings(names)
	if index >= len(names) {
		return FileStat{}, index, FsPathNotFound
	}
	st, _ := m.Stat(nil, names[index])
	return st, index + 1, FsOk
}

func (m *Memfs) Mkdir(subpath string, perms uint32) (FileNode, FsError) {
	p := clean(subpath)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dirs[p] {
		return nil, FsExists
	}
	m.dirs[p] = true
	return &memNode{path: p, isDir: true}, FsOk
}

func (m *Memfs) Unlink(subpath string) FsError {
	p := clean(subpath)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[p]; ok {
		delete(m.files, p)
		return FsOk
	}
	if p != "/" && m.dirs[p] {
		delete(m.dirs, p)
		return FsOk
	}
	return FsPathNotFound
}

func (m *Memfs) Readlink(subpath string) (string, FsError) {
	return "", FsNotSupported
}

func (m *Memfs) Statfs() (FsStat, FsError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, d := range m.files {
		total += uint64(len(d))
	}
	return FsStat{BlocksTotal: 1 << 20, BlocksFree: (1 << 20) - total/4096, BlockSize: 4096}, FsOk
}

func (m *Memfs) StatStorage() (StorageDescriptor, FsError) {
	return StorageDescriptor{SectorSize: 512, DriverId: 0}, FsOk
}
