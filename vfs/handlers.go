package vfs

import (
	"kore/fsops"
)

// OpenParams, ReadParams, WriteParams, and MkdirParams are the
// verb-specific parameter shapes Request.Params carries -- plain Go
// values rather than a copied wire buffer.
type OpenParams struct {
	Options fsops.OpenOptions
	Access  fsops.Access
}

type ReadParams struct {
	Node   fsops.FileNode
	Buf    []byte
	Offset int64
}

type WriteParams struct {
	Node   fsops.FileNode
	Buf    []byte
	Offset int64
}

type MkdirParams struct {
	Perms uint32
}

type UnlinkParams struct{}

type StatParams struct {
	Node fsops.FileNode
}

type ReaddirParams struct {
	Node  fsops.FileNode
	Index int
}

// defaultHandlers binds each supported verb to the mount vtable call
// that implements it. Move, Link, Realpath and StatStorage have no
// handler; Submit answers them with ENotSupported.
func defaultHandlers() map[Verb]Handler {
	return map[Verb]Handler{
		VerbOpen: func(m fsops.Mount, sub string, req *Request) Reply {
			p, _ := req.Params.(OpenParams)
			node, ferr := m.Open(sub, p.Options, p.Access)
			return Reply{Err: ferr.ToErr(), Data: node}
		},
		VerbClose: func(m fsops.Mount, sub string, req *Request) Reply {
			p, _ := req.Params.(StatParams)
			ferr := m.Close(p.Node)
			return Reply{Err: ferr.ToErr()}
		},
		VerbRead: func(m fsops.Mount, sub string, req *Request) Reply {
			p, _ := req.Params.(ReadParams)
			n, ferr := m.Read(p.Node, p.Buf, p.Offset)
			return Reply{Err: ferr.ToErr(), Data: n}
		},
		VerbWrite: func(m fsops.Mount, sub string, req *Request) Reply {
			p, _ := req.Params.(WriteParams)
			n, ferr := m.Write(p.Node, p.Buf, p.Offset)
			return Reply{Err: ferr.ToErr(), Data: n}
		},
		VerbSeek: func(m fsops.Mount, sub string, req *Request) Reply {
			p, _ := req.Params.(ReadParams)
			ferr := m.Seek(p.Node, p.Offset)
			return Reply{Err: ferr.ToErr()}
		},
		VerbFlush: func(m fsops.Mount, sub string, req *Request) Reply {
			p, _ := req.Params.(StatParams)
			ferr := m.Flush(p.Node)
			return Reply{Err: ferr.ToErr()}
		},
		VerbStat: func(m fsops.Mount, sub string, req *Request) Reply {
			var node fsops.FileNode
			if p, ok := req.Params.(StatParams); ok {
				node = p.Node
			}
			st, ferr := m.Stat(node, sub)
			return Reply{Err: ferr.ToErr(), Data: st}
		},
		VerbReaddir: func(m fsops.Mount, sub string, req *Request) Reply {
			p, _ := req.Params.(ReaddirParams)
			st, idx, ferr := m.Readdir(p.Node, p.Index)
			return Reply{Err: ferr.ToErr(), Data: [2]any{st, idx}}
		},
		VerbMkdir: func(m fsops.Mount, sub string, req *Request) Reply {
			p, _ := req.Params.(MkdirParams)
			node, ferr := m.Mkdir(sub, p.Perms)
			return Reply{Err: ferr.ToErr(), Data: node}
		},
		VerbDelete: func(m fsops.Mount, sub string, req *Request) Reply {
			ferr := m.Unlink(sub)
			return Reply{Err: ferr.ToErr()}
		},
		VerbStatfs: func(m fsops.Mount, sub string, req *Request) Reply {
			st, ferr := m.Statfs()
			return Reply{Err: ferr.ToErr(), Data: st}
		},
	}
}
