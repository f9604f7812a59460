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

// Package memfs implements the backing store over an in-process tree.
// Contents seeded from the origin live in memory only; mutations through
// the mount never touch disk. Useful as a scratch projection and for tests.
package memfs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mirrorfs/mirrorfs/internal/backing"
	"github.com/mirrorfs/mirrorfs/internal/fs/inode"
	"github.com/mirrorfs/mirrorfs/internal/logger"
)

// Inode numbers are allocated from a range far above anything a real disk
// hands out, so they never collide with projected origin inodes.
const inoBase uint64 = 1 << 40

type memNode struct {
	ino   uint64
	dir   bool
	data  []byte
	perm  uint32
	uid   uint32
	gid   uint32
	atime time.Time
	mtime time.Time
	ctime time.Time
}

// MemFS is a backing.Store keyed by full object path.
type MemFS struct {
	mu      sync.Mutex
	nodes   map[string]*memNode
	nextIno uint64
}

func New() *MemFS {
	return &MemFS{
		nodes:   make(map[string]*memNode),
		nextIno: inoBase,
	}
}

var _ backing.Store = (*MemFS)(nil)

// Seed copies the origin tree into memory so that a projection of the
// origin finds every object it expects.
func (m *MemFS) Seed(origin string) error {
	return filepath.WalkDir(origin, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		n := &memNode{
			ino:   m.allocIno(),
			dir:   d.IsDir(),
			perm:  inode.PermFromFileMode(info.Mode()),
			atime: info.ModTime(),
			mtime: info.ModTime(),
			ctime: info.ModTime(),
		}
		if !n.dir {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			n.data = data
		}
		m.nodes[strings.TrimSuffix(path, "/")] = n
		return nil
	})
}

// allocIno must be called with mu held.
func (m *MemFS) allocIno() uint64 {
	ino := m.nextIno
	m.nextIno++
	return ino
}

func (m *MemFS) lookup(path string) (*memNode, bool) {
	n, ok := m.nodes[strings.TrimSuffix(path, "/")]
	return n, ok
}

// touchParent stamps mtime on the directory containing path, if present.
func (m *MemFS) touchParent(dir string, when time.Time) {
	if n, ok := m.lookup(dir); ok {
		n.mtime = when
	}
}

func (m *MemFS) toInode(name string, n *memNode) *inode.Inode {
	kind := inode.KindFile
	if n.dir {
		kind = inode.KindDirectory
	}
	return &inode.Inode{
		Ino: n.ino,
		Attrs: inode.Attributes{
			Name:  name,
			Kind:  kind,
			Size:  uint64(len(n.data)),
			Atime: n.atime,
			Mtime: n.mtime,
			Ctime: n.ctime,
			Perm:  n.perm,
			Uid:   n.uid,
			Gid:   n.gid,
		},
	}
}

func (m *MemFS) CreateFile(h backing.Handle) (*inode.Inode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := &memNode{
		ino:   m.allocIno(),
		perm:  0o644,
		atime: now,
		mtime: now,
		ctime: now,
	}
	m.nodes[h.FullPath()] = n
	return m.toInode(h.Name, n), nil
}

func (m *MemFS) MakeDir(h backing.Handle, mode uint32) (*inode.Inode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := &memNode{
		ino:   m.allocIno(),
		dir:   true,
		perm:  mode & 0o7777,
		atime: now,
		mtime: now,
		ctime: now,
	}
	m.nodes[h.FullPath()] = n
	return m.toInode(h.Name, n), nil
}

func (m *MemFS) Write(h backing.Handle, data []byte, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.lookup(h.FullPath())
	if !ok {
		logger.Errorf("memfs: write %q: no such node", h.FullPath())
		return backing.ErrWrite
	}
	n.data = append([]byte(nil), data...)
	n.atime = when
	n.mtime = when
	return nil
}

func (m *MemFS) ReadAll(h backing.Handle) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.lookup(h.FullPath())
	if !ok {
		logger.Errorf("memfs: read %q: no such node", h.FullPath())
		return nil, backing.ErrRead
	}
	return append([]byte(nil), n.data...), nil
}

func (m *MemFS) ReadExact(h backing.Handle, buf []byte, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	node, ok := m.lookup(h.FullPath())
	if !ok || uint64(len(node.data)) < n {
		logger.Errorf("memfs: read %q: no such node or short data", h.FullPath())
		return backing.ErrRead
	}
	copy(buf[:n], node.data)
	return nil
}

func (m *MemFS) SetAttr(h backing.Handle, attrs inode.Attributes) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.lookup(h.FullPath())
	if !ok {
		logger.Errorf("memfs: set attr %q: no such node", h.FullPath())
		return backing.ErrSetAttr
	}
	n.atime = attrs.Atime
	n.mtime = attrs.Mtime
	n.perm = attrs.Perm & 0o7777
	n.uid = attrs.Uid
	n.gid = attrs.Gid
	if uint64(len(n.data)) > attrs.Size {
		n.data = n.data[:attrs.Size]
	} else {
		n.data = append(n.data, make([]byte, attrs.Size-uint64(len(n.data)))...)
	}
	return nil
}

func (m *MemFS) Rename(h backing.Handle, newFullPath string, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old := strings.TrimSuffix(h.FullPath(), "/")
	n, ok := m.lookup(old)
	if !ok {
		logger.Errorf("memfs: rename %q: no such node", old)
		return backing.ErrRename
	}

	delete(m.nodes, old)
	m.nodes[strings.TrimSuffix(newFullPath, "/")] = n
	if n.dir {
		// Carry the subtree along with the directory.
		prefix := old + "/"
		for path, sub := range m.nodes {
			if strings.HasPrefix(path, prefix) {
				delete(m.nodes, path)
				m.nodes[strings.TrimSuffix(newFullPath, "/")+"/"+path[len(prefix):]] = sub
			}
		}
	}

	n.mtime = when
	m.touchParent(h.Dir, when)
	return nil
}

func (m *MemFS) RemoveFile(h backing.Handle, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := h.FullPath()
	if _, ok := m.lookup(full); !ok {
		logger.Errorf("memfs: remove %q: no such node", full)
		return backing.ErrRemove
	}
	delete(m.nodes, full)
	m.touchParent(h.Dir, when)
	return nil
}

func (m *MemFS) RemoveDir(h backing.Handle, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := strings.TrimSuffix(h.FullPath(), "/")
	if _, ok := m.lookup(full); !ok {
		logger.Errorf("memfs: remove dir %q: no such node", full)
		return backing.ErrRemoveDir
	}
	delete(m.nodes, full)
	prefix := full + "/"
	for path := range m.nodes {
		if strings.HasPrefix(path, prefix) {
			delete(m.nodes, path)
		}
	}
	m.touchParent(h.Dir, when)
	return nil
}
