// Copyright 2024 The mirrorfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fs

import (
	"context"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"github.com/mirrorfs/mirrorfs/internal/fs/inode"
	"github.com/mirrorfs/mirrorfs/internal/logger"
)

// fsNode adapts one inode to the transport's node and handle interfaces.
// It carries no state of its own: equal (server, ino) pairs compare equal,
// which keeps the transport's node table keyed by inode number.
type fsNode struct {
	srv *Server
	ino uint64
}

var (
	_ fusefs.FS                  = (*Server)(nil)
	_ fusefs.FSStatfser          = (*Server)(nil)
	_ fusefs.FSDestroyer         = (*Server)(nil)
	_ fusefs.Node                = fsNode{}
	_ fusefs.NodeRequestLookuper = fsNode{}
	_ fusefs.NodeSetattrer       = fsNode{}
	_ fusefs.NodeOpener          = fsNode{}
	_ fusefs.NodeCreater         = fsNode{}
	_ fusefs.NodeMkdirer         = fsNode{}
	_ fusefs.NodeRemover         = fsNode{}
	_ fusefs.NodeRenamer         = fsNode{}
	_ fusefs.NodeAccesser        = fsNode{}
	_ fusefs.HandleReader        = fsNode{}
	_ fusefs.HandleWriter        = fsNode{}
	_ fusefs.HandleReadDirAller  = fsNode{}
	_ fusefs.HandleFlusher       = fsNode{}
	_ fusefs.HandleReleaser      = fsNode{}
)

func callerOf(h *fuse.Header) caller {
	return caller{uid: h.Uid, gid: h.Gid}
}

// Root implements fusefs.FS.
func (s *Server) Root() (fusefs.Node, error) {
	return fsNode{srv: s, ino: inode.RootID}, nil
}

// Statfs reports static geometry so df has something to say.
func (s *Server) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	resp.Bsize = uint32(inode.BlockSize)
	resp.Frsize = uint32(inode.BlockSize)
	resp.Namelen = inode.MaxNameLen
	return nil
}

// Destroy implements fusefs.FSDestroyer.
func (s *Server) Destroy() {
	logger.Infof("destroy: %s file system torn down", s.fsName)
}

func (n fsNode) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := n.srv.getAttr(n.ino)
	if err != nil {
		return err
	}
	*a = attr
	return nil
}

func (n fsNode) Lookup(ctx context.Context, req *fuse.LookupRequest, resp *fuse.LookupResponse) (fusefs.Node, error) {
	child, err := n.srv.lookUp(n.ino, callerOf(req.Hdr()), req.Name)
	if err != nil {
		return nil, err
	}
	return fsNode{srv: n.srv, ino: child.Ino}, nil
}

func (n fsNode) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	attr, err := n.srv.setAttr(n.ino, callerOf(req.Hdr()), req)
	if err != nil {
		return err
	}
	resp.Attr = attr
	return nil
}

func (n fsNode) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	directIO, err := n.srv.open(n.ino, callerOf(req.Hdr()), req.Flags)
	if err != nil {
		return nil, err
	}
	if directIO {
		resp.Flags |= fuse.OpenDirectIO
	}
	return n, nil
}

func (n fsNode) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	child, err := n.srv.create(n.ino, callerOf(req.Hdr()), req.Name, req.Flags)
	if err != nil {
		return nil, nil, err
	}
	node := fsNode{srv: n.srv, ino: child.Ino}
	return node, node, nil
}

func (n fsNode) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	child, err := n.srv.mkDir(n.ino, callerOf(req.Hdr()), req.Name, req.Mode)
	if err != nil {
		return nil, err
	}
	return fsNode{srv: n.srv, ino: child.Ino}, nil
}

func (n fsNode) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	if req.Dir {
		return n.srv.rmDir(n.ino, callerOf(req.Hdr()), req.Name)
	}
	return n.srv.unlink(n.ino, callerOf(req.Hdr()), req.Name)
}

func (n fsNode) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	nd, ok := newDir.(fsNode)
	if !ok {
		return errIO
	}
	return n.srv.rename(n.ino, callerOf(req.Hdr()), req.OldName, nd.ino, req.NewName)
}

func (n fsNode) Access(ctx context.Context, req *fuse.AccessRequest) error {
	return n.srv.access(n.ino, callerOf(req.Hdr()), req.Mask)
}

func (n fsNode) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	data, err := n.srv.readFile(n.ino, req.Offset, req.Size)
	if err != nil {
		return err
	}
	resp.Data = data
	return nil
}

func (n fsNode) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	written, err := n.srv.writeFile(n.ino, req.Data)
	if err != nil {
		return err
	}
	resp.Size = written
	return nil
}

func (n fsNode) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	return n.srv.readDirAll(n.ino)
}

// Flush and Release succeed trivially: no handle state survives an open.

func (n fsNode) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return nil
}

func (n fsNode) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return nil
}
