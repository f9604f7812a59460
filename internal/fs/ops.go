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
	"os"
	"unicode/utf8"

	"bazil.org/fuse"
	"golang.org/x/sys/unix"

	"github.com/mirrorfs/mirrorfs/internal/fs/inode"
	"github.com/mirrorfs/mirrorfs/internal/logger"
)

// FMODE_EXEC: the kernel sets this open flag when the open comes from an
// exec, escalating the required permission from read to execute.
const fmodeExec = 0x20

// checkName rejects over-long and non-UTF-8 child names.
func checkName(name string) error {
	if len(name) > inode.MaxNameLen {
		return errNameTooLong
	}
	if !utf8.ValidString(name) {
		return errInval
	}
	return nil
}

// accessMaskForOpen decodes an open's access-mode flags into the permission
// mask to check. Exactly one of O_RDONLY, O_WRONLY and O_RDWR must be set;
// O_RDONLY combined with O_TRUNC is refused outright.
func accessMaskForOpen(flags fuse.OpenFlags) (uint32, error) {
	switch flags & fuse.OpenAccessModeMask {
	case fuse.OpenReadOnly:
		if flags&fuse.OpenTruncate != 0 {
			return 0, errAccess
		}
		if uint32(flags)&fmodeExec != 0 {
			return unix.X_OK, nil
		}
		return unix.R_OK, nil
	case fuse.OpenWriteOnly:
		return unix.W_OK, nil
	case fuse.OpenReadWrite:
		return unix.R_OK | unix.W_OK, nil
	default:
		return 0, errInval
	}
}

func (s *Server) lookUp(parent uint64, c caller, name string) (inode.Inode, error) {
	if err := checkName(name); err != nil {
		return inode.Inode{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.table.Get(parent)
	if !ok {
		return inode.Inode{}, errNoEnt
	}
	if !checkAccess(p.Attrs.Uid, p.Attrs.Gid, p.Attrs.Perm, c.uid, c.gid, unix.X_OK) {
		return inode.Inode{}, errAccess
	}

	child, ok := s.table.LookUpChild(p, name)
	if !ok {
		return inode.Inode{}, errNoEnt
	}
	return *child, nil
}

func (s *Server) getAttr(ino uint64) (fuse.Attr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.table.Get(ino)
	if !ok {
		return fuse.Attr{}, errNoEnt
	}
	return in.FuseAttr(), nil
}

func (s *Server) setAttr(ino uint64, c caller, req *fuse.SetattrRequest) (fuse.Attr, error) {
	s.mu.Lock()
	in, ok := s.table.Get(ino)
	if !ok {
		s.mu.Unlock()
		return fuse.Attr{}, errNoEnt
	}

	// The owner may always set attributes; anyone else needs write access.
	if c.uid != in.Attrs.Uid &&
		!checkAccess(in.Attrs.Uid, in.Attrs.Gid, in.Attrs.Perm, c.uid, c.gid, unix.W_OK) {
		s.mu.Unlock()
		return fuse.Attr{}, errAccess
	}

	attrs := in.Attrs
	if req.Valid.Mode() {
		attrs.Perm = inode.PermFromFileMode(req.Mode)
	}
	if req.Valid.Size() {
		attrs.Size = req.Size
	}
	if req.Valid.Mtime() {
		attrs.Mtime = req.Mtime
	}
	if req.Valid.MtimeNow() {
		attrs.Mtime = s.clock.Now()
	}
	if req.Valid.Uid() {
		attrs.Uid = req.Uid
	}
	if req.Valid.Gid() {
		attrs.Gid = req.Gid
	}
	s.mu.Unlock()

	if err := s.registry.SetAttr(ino, attrs); err != nil {
		return fuse.Attr{}, errIO
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok = s.table.Get(ino)
	if !ok {
		return fuse.Attr{}, errNoEnt
	}
	in.Attrs = attrs
	return in.FuseAttr(), nil
}

// open validates the flags and the caller's access; the returned bool asks
// the kernel for direct IO.
func (s *Server) open(ino uint64, c caller, flags fuse.OpenFlags) (bool, error) {
	mask, err := accessMaskForOpen(flags)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.table.Get(ino)
	if !ok {
		return false, errNoEnt
	}
	if !checkAccess(in.Attrs.Uid, in.Attrs.Gid, in.Attrs.Perm, c.uid, c.gid, mask) {
		return false, errAccess
	}
	// Direct IO applies to file bodies only.
	return s.directIO && !in.IsDir(), nil
}

func (s *Server) readFile(ino uint64, offset int64, size int) ([]byte, error) {
	if offset < 0 {
		return nil, errInval
	}

	s.mu.Lock()
	in, ok := s.table.Get(ino)
	if !ok {
		s.mu.Unlock()
		return nil, errNoEnt
	}
	fileSize := in.Attrs.Size
	s.mu.Unlock()

	if uint64(offset) >= fileSize {
		return nil, nil
	}
	readSize := fileSize - uint64(offset)
	if uint64(size) < readSize {
		readSize = uint64(size)
	}

	buf := make([]byte, readSize)
	if err := s.registry.ReadExact(ino, buf, readSize); err != nil {
		return nil, errIO
	}
	return buf, nil
}

// writeFile replaces the whole file body: size becomes len(data) and the
// driver truncates before writing, regardless of the offset the kernel
// supplied.
func (s *Server) writeFile(ino uint64, data []byte) (int, error) {
	s.mu.Lock()
	if _, ok := s.table.Get(ino); !ok {
		s.mu.Unlock()
		return 0, errNoEnt
	}
	s.mu.Unlock()

	when := s.clock.Now()
	if err := s.registry.Write(ino, data, when); err != nil {
		return 0, errIO
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.table.Get(ino)
	if !ok {
		return 0, errNoEnt
	}
	in.Attrs.Mtime = when
	in.Attrs.Ctime = when
	in.Attrs.Size = uint64(len(data))
	return len(data), nil
}

func (s *Server) create(parent uint64, c caller, name string, flags fuse.OpenFlags) (inode.Inode, error) {
	if err := checkName(name); err != nil {
		return inode.Inode{}, err
	}
	if _, err := accessMaskForOpen(flags); err != nil {
		return inode.Inode{}, err
	}

	s.mu.Lock()
	p, ok := s.table.Get(parent)
	if !ok || !p.IsDir() {
		s.mu.Unlock()
		return inode.Inode{}, errNoEnt
	}
	if _, ok := s.table.LookUpChild(p, name); ok {
		s.mu.Unlock()
		return inode.Inode{}, errExist
	}
	if !checkAccess(p.Attrs.Uid, p.Attrs.Gid, p.Attrs.Perm, c.uid, c.gid, unix.W_OK) {
		s.mu.Unlock()
		return inode.Inode{}, errAccess
	}
	childPath := p.ChildPath()
	s.mu.Unlock()

	in, err := s.registry.CreateFile(name, s.origin+childPath)
	if err != nil {
		return inode.Inode{}, errIO
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok = s.table.Get(parent)
	if !ok {
		return inode.Inode{}, errNoEnt
	}
	in.ParentIno = parent
	in.Attrs.Path = childPath
	p.Attrs.Mtime = s.clock.Now()
	p.AddChild(in.Ino)
	s.table.Insert(in)

	logger.Debugf("create: %s%s (ino %d)", childPath, name, in.Ino)
	return *in, nil
}

func (s *Server) mkDir(parent uint64, c caller, name string, mode os.FileMode) (inode.Inode, error) {
	if err := checkName(name); err != nil {
		return inode.Inode{}, err
	}

	s.mu.Lock()
	p, ok := s.table.Get(parent)
	if !ok || !p.IsDir() {
		s.mu.Unlock()
		return inode.Inode{}, errNoEnt
	}
	if _, ok := s.table.LookUpChild(p, name); ok {
		s.mu.Unlock()
		return inode.Inode{}, errExist
	}
	if !checkAccess(p.Attrs.Uid, p.Attrs.Gid, p.Attrs.Perm, c.uid, c.gid, unix.W_OK) {
		s.mu.Unlock()
		return inode.Inode{}, errAccess
	}
	childPath := p.ChildPath()
	s.mu.Unlock()

	in, err := s.registry.MakeDir(name, s.origin+childPath, inode.PermFromFileMode(mode))
	if err != nil {
		return inode.Inode{}, errIO
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok = s.table.Get(parent)
	if !ok {
		return inode.Inode{}, errNoEnt
	}
	in.ParentIno = parent
	in.Attrs.Path = childPath
	p.Attrs.Mtime = s.clock.Now()
	p.AddChild(in.Ino)
	s.table.Insert(in)

	logger.Debugf("mkdir: %s%s (ino %d)", childPath, name, in.Ino)
	return *in, nil
}

func (s *Server) unlink(parent uint64, c caller, name string) error {
	s.mu.Lock()
	p, ok := s.table.Get(parent)
	if !ok {
		s.mu.Unlock()
		return errNoEnt
	}
	child, ok := s.table.LookUpChild(p, name)
	if !ok {
		s.mu.Unlock()
		return errNoEnt
	}
	if !checkAccess(p.Attrs.Uid, p.Attrs.Gid, p.Attrs.Perm, c.uid, c.gid, unix.W_OK) {
		s.mu.Unlock()
		return errAccess
	}
	if stickyDenies(p.Attrs.Perm, p.Attrs.Uid, child.Attrs.Uid, c.uid) {
		s.mu.Unlock()
		return errAccess
	}

	// Pruned before the backing call on purpose; a failed removal leaves the
	// entry hidden until the next re-projection.
	ino := child.Ino
	p.RemoveChild(ino)
	s.table.Remove(ino)
	s.mu.Unlock()

	when := s.clock.Now()
	if err := s.registry.RemoveFile(ino, when); err != nil {
		return errIO
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.table.Get(parent); ok {
		p.Attrs.Mtime = when
		p.Attrs.Ctime = when
	}
	return nil
}

func (s *Server) rmDir(parent uint64, c caller, name string) error {
	s.mu.Lock()
	p, ok := s.table.Get(parent)
	if !ok {
		s.mu.Unlock()
		return errNoEnt
	}
	child, ok := s.table.LookUpChild(p, name)
	if !ok {
		s.mu.Unlock()
		return errNoEnt
	}
	if !child.IsDir() {
		s.mu.Unlock()
		return errNotDir
	}
	if len(child.Children) != 0 {
		s.mu.Unlock()
		return errNotEmpty
	}
	if !checkAccess(p.Attrs.Uid, p.Attrs.Gid, p.Attrs.Perm, c.uid, c.gid, unix.W_OK) {
		s.mu.Unlock()
		return errAccess
	}
	if stickyDenies(p.Attrs.Perm, p.Attrs.Uid, child.Attrs.Uid, c.uid) {
		s.mu.Unlock()
		return errAccess
	}

	ino := child.Ino
	p.RemoveChild(ino)
	s.table.Remove(ino)
	s.mu.Unlock()

	when := s.clock.Now()
	if err := s.registry.RemoveDir(ino, when); err != nil {
		return errIO
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.table.Get(parent); ok {
		p.Attrs.Mtime = when
		p.Attrs.Ctime = when
	}
	return nil
}

func (s *Server) rename(parent uint64, c caller, name string, newParent uint64, newName string) error {
	if err := checkName(newName); err != nil {
		return err
	}

	s.mu.Lock()
	p, ok := s.table.Get(parent)
	if !ok {
		s.mu.Unlock()
		return errNoEnt
	}
	child, ok := s.table.LookUpChild(p, name)
	if !ok {
		s.mu.Unlock()
		return errNoEnt
	}
	np, ok := s.table.Get(newParent)
	if !ok {
		s.mu.Unlock()
		return errNoEnt
	}

	if !checkAccess(p.Attrs.Uid, p.Attrs.Gid, p.Attrs.Perm, c.uid, c.gid, unix.W_OK) {
		s.mu.Unlock()
		return errAccess
	}
	if stickyDenies(p.Attrs.Perm, p.Attrs.Uid, child.Attrs.Uid, c.uid) {
		s.mu.Unlock()
		return errAccess
	}
	if !checkAccess(np.Attrs.Uid, np.Attrs.Gid, np.Attrs.Perm, c.uid, c.gid, unix.W_OK) {
		s.mu.Unlock()
		return errAccess
	}

	if existing, ok := s.table.LookUpChild(np, newName); ok {
		if stickyDenies(np.Attrs.Perm, np.Attrs.Uid, existing.Attrs.Uid, c.uid) {
			s.mu.Unlock()
			return errAccess
		}
		if existing.IsDir() && len(existing.Children) != 0 {
			s.mu.Unlock()
			return errNotEmpty
		}
		s.mu.Unlock()
		return errExist
	}

	// Moving a directory to a new parent rewrites its ".." entry, so the
	// caller needs write access to the directory itself.
	if child.IsDir() && parent != newParent &&
		!checkAccess(child.Attrs.Uid, child.Attrs.Gid, child.Attrs.Perm, c.uid, c.gid, unix.W_OK) {
		s.mu.Unlock()
		return errAccess
	}

	ino := child.Ino
	newPath := np.ChildPath()
	s.mu.Unlock()

	when := s.clock.Now()
	if err := s.registry.Rename(ino, newName, s.origin+newPath, when); err != nil {
		return errIO
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	child, ok = s.table.Get(ino)
	if !ok {
		return nil
	}
	child.Attrs.Name = newName
	child.Attrs.Path = newPath
	child.Attrs.Mtime = when
	if p, ok := s.table.Get(parent); ok {
		p.RemoveChild(ino)
		p.Attrs.Mtime = when
	}
	if np, ok := s.table.Get(newParent); ok {
		np.AddChild(ino)
		np.Attrs.Mtime = when
	}
	return nil
}

func (s *Server) readDirAll(ino uint64) ([]fuse.Dirent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.table.Get(ino)
	if !ok {
		return nil, errNoEnt
	}

	dirents := []fuse.Dirent{
		{Inode: in.Ino, Type: fuse.DT_Dir, Name: "."},
		{Inode: in.Ino, Type: fuse.DT_Dir, Name: ".."},
	}
	for _, c := range in.Children {
		child, ok := s.table.Get(c)
		if !ok {
			continue
		}
		dirents = append(dirents, fuse.Dirent{
			Inode: child.Ino,
			Type:  child.Attrs.Kind.DirentType(),
			Name:  child.Attrs.Name,
		})
	}
	return dirents, nil
}

func (s *Server) access(ino uint64, c caller, mask uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.table.Get(ino)
	if !ok {
		return errNoEnt
	}
	if !checkAccess(in.Attrs.Uid, in.Attrs.Gid, in.Attrs.Perm, c.uid, c.gid, mask) {
		return errAccess
	}
	return nil
}
