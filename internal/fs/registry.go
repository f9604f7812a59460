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
	"errors"
	"sync"
	"time"

	"github.com/mirrorfs/mirrorfs/internal/backing"
	"github.com/mirrorfs/mirrorfs/internal/fs/inode"
	"github.com/mirrorfs/mirrorfs/internal/logger"
)

// errStaleEntry reports an operation against an inode whose registry entry
// has already been removed, e.g. by a concurrent unlink.
var errStaleEntry = errors.New("file registry: no entry for inode")

// ProjectorFunc populates an empty inode table and the registry from the
// origin tree. The registry consumes it exactly once per mount session.
type ProjectorFunc func(t *inode.Table, r *FileRegistry, origin string) error

// fileEntry is a self-synchronizing cell: the per-file reader/writer lock
// lives with the handle data, so entries synchronize independently of each
// other and of the registry map.
type fileEntry struct {
	mu   sync.RWMutex
	name string
	dir  string
}

func (e *fileEntry) handle() backing.Handle {
	return backing.Handle{Name: e.name, Dir: e.dir}
}

// FileRegistry maps inode numbers to backing-store handles and wraps driver
// calls on registered inodes in the entry's lock: reads take the read side,
// everything else the write side. CreateFile and MakeDir call the store with
// no per-file lock held; their entry is registered only once the store has
// assigned the inode number.
type FileRegistry struct {
	store     backing.Store
	projector ProjectorFunc

	mu      sync.Mutex
	entries map[uint64]*fileEntry
}

func NewFileRegistry(store backing.Store, projector ProjectorFunc) *FileRegistry {
	return &FileRegistry{
		store:     store,
		projector: projector,
		entries:   make(map[uint64]*fileEntry),
	}
}

// Initialize runs the projector over the origin, consuming it: a second call
// fails until a fresh registry (with a fresh projector) is built for the
// next mount session.
func (fr *FileRegistry) Initialize(t *inode.Table, origin string) error {
	if fr.projector == nil {
		return errors.New("file registry: projector already consumed")
	}
	projector := fr.projector
	fr.projector = nil
	return projector(t, fr, origin)
}

// Register installs a handle for ino. Used by the projector and by the
// create paths.
func (fr *FileRegistry) Register(ino uint64, name, dir string) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.entries[ino] = &fileEntry{name: name, dir: dir}
}

// Forget drops the handle for ino, if any.
func (fr *FileRegistry) Forget(ino uint64) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	delete(fr.entries, ino)
}

// Has reports whether ino is registered. Used by invariant checks.
func (fr *FileRegistry) Has(ino uint64) bool {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	_, ok := fr.entries[ino]
	return ok
}

func (fr *FileRegistry) lookup(ino uint64) (*fileEntry, bool) {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	e, ok := fr.entries[ino]
	return e, ok
}

func (fr *FileRegistry) ReadAll(ino uint64) ([]byte, error) {
	e, ok := fr.lookup(ino)
	if !ok {
		logger.Errorf("registry: read all %d: %v", ino, errStaleEntry)
		return nil, errStaleEntry
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fr.store.ReadAll(e.handle())
}

func (fr *FileRegistry) ReadExact(ino uint64, buf []byte, n uint64) error {
	e, ok := fr.lookup(ino)
	if !ok {
		logger.Errorf("registry: read %d: %v", ino, errStaleEntry)
		return errStaleEntry
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fr.store.ReadExact(e.handle(), buf, n)
}

func (fr *FileRegistry) Write(ino uint64, data []byte, when time.Time) error {
	e, ok := fr.lookup(ino)
	if !ok {
		logger.Errorf("registry: write %d: %v", ino, errStaleEntry)
		return errStaleEntry
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fr.store.Write(e.handle(), data, when)
}

func (fr *FileRegistry) SetAttr(ino uint64, attrs inode.Attributes) error {
	e, ok := fr.lookup(ino)
	if !ok {
		logger.Errorf("registry: set attr %d: %v", ino, errStaleEntry)
		return errStaleEntry
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fr.store.SetAttr(e.handle(), attrs)
}

// Rename moves the backing object and rewrites the handle to the new name
// and directory.
func (fr *FileRegistry) Rename(ino uint64, newName, newDir string, when time.Time) error {
	e, ok := fr.lookup(ino)
	if !ok {
		logger.Errorf("registry: rename %d: %v", ino, errStaleEntry)
		return errStaleEntry
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := fr.store.Rename(e.handle(), newDir+newName, when); err != nil {
		return err
	}
	e.name = newName
	e.dir = newDir
	return nil
}

func (fr *FileRegistry) RemoveFile(ino uint64, when time.Time) error {
	e, ok := fr.lookup(ino)
	if !ok {
		logger.Errorf("registry: remove %d: %v", ino, errStaleEntry)
		return errStaleEntry
	}
	e.mu.Lock()
	err := fr.store.RemoveFile(e.handle(), when)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	fr.Forget(ino)
	return nil
}

func (fr *FileRegistry) RemoveDir(ino uint64, when time.Time) error {
	e, ok := fr.lookup(ino)
	if !ok {
		logger.Errorf("registry: remove dir %d: %v", ino, errStaleEntry)
		return errStaleEntry
	}
	e.mu.Lock()
	err := fr.store.RemoveDir(e.handle(), when)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	fr.Forget(ino)
	return nil
}

// CreateFile creates an empty backing file and registers the handle under
// the inode number the store assigned.
func (fr *FileRegistry) CreateFile(name, dir string) (*inode.Inode, error) {
	in, err := fr.store.CreateFile(backing.Handle{Name: name, Dir: dir})
	if err != nil {
		return nil, err
	}
	fr.Register(in.Ino, name, dir)
	return in, nil
}

// MakeDir creates a backing directory and registers the handle under the
// inode number the store assigned.
func (fr *FileRegistry) MakeDir(name, dir string, mode uint32) (*inode.Inode, error) {
	in, err := fr.store.MakeDir(backing.Handle{Name: name, Dir: dir}, mode)
	if err != nil {
		return nil, err
	}
	fr.Register(in.Ino, name, dir)
	return in, nil
}
