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

package inode

import (
	"os"
	"time"

	"bazil.org/fuse"
)

const (
	// RootID is the inode number of the mount root. It matches the kernel's
	// FUSE_ROOT_ID and is never handed out for any other object.
	RootID uint64 = 1

	// BlockSize is the block size reported in every stat reply.
	BlockSize uint64 = 4096

	// MaxNameLen is the longest child name accepted, in bytes.
	MaxNameLen = 255

	// Mode bit for the sticky bit, as stored in Attributes.Perm.
	PermSticky uint32 = 0o1000
	permSetgid uint32 = 0o2000
	permSetuid uint32 = 0o4000
)

// Kind distinguishes the two object types the file system projects.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "file"
}

// DirentType returns the wire dirent type for the kind.
func (k Kind) DirentType() fuse.DirentType {
	if k == KindDirectory {
		return fuse.DT_Dir
	}
	return fuse.DT_File
}

// Attributes is the metadata record carried by every inode.
//
// Path is the inode's parent path relative to the origin root. It begins and
// ends with a slash (the root's path is exactly "/"), so that Path + Name
// addresses the backing object relative to the origin.
type Attributes struct {
	Name string
	Kind Kind
	Path string

	Size  uint64
	Atime time.Time
	Mtime time.Time
	Ctime time.Time

	// Perm holds the low 12 permission bits (rwxrwxrwx plus setuid, setgid
	// and the sticky bit).
	Perm uint32
	Uid  uint32
	Gid  uint32
}

// FileMode converts Perm and Kind into an os.FileMode.
func (a *Attributes) FileMode() os.FileMode {
	mode := os.FileMode(a.Perm & 0o777)
	if a.Perm&permSetuid != 0 {
		mode |= os.ModeSetuid
	}
	if a.Perm&permSetgid != 0 {
		mode |= os.ModeSetgid
	}
	if a.Perm&PermSticky != 0 {
		mode |= os.ModeSticky
	}
	if a.Kind == KindDirectory {
		mode |= os.ModeDir
	}
	return mode
}

// PermFromFileMode is the inverse of Attributes.FileMode for the permission
// bits alone.
func PermFromFileMode(mode os.FileMode) uint32 {
	perm := uint32(mode & os.ModePerm)
	if mode&os.ModeSetuid != 0 {
		perm |= permSetuid
	}
	if mode&os.ModeSetgid != 0 {
		perm |= permSetgid
	}
	if mode&os.ModeSticky != 0 {
		perm |= PermSticky
	}
	return perm
}

// Inode is the in-memory stand-in for one backing object.
//
// Children is meaningful for directories only and holds child inode numbers
// in insertion order; the order is observable only through readdir.
type Inode struct {
	Ino       uint64
	ParentIno uint64
	Children  []uint64
	Attrs     Attributes
}

// NewRoot builds the root inode from the origin directory's metadata. The
// root is its own parent and its name is empty.
func NewRoot(perm uint32, uid, gid uint32, now time.Time) *Inode {
	return &Inode{
		Ino:       RootID,
		ParentIno: RootID,
		Attrs: Attributes{
			Name:  "",
			Kind:  KindDirectory,
			Path:  "/",
			Size:  BlockSize,
			Atime: now,
			Mtime: now,
			Ctime: now,
			Perm:  perm,
			Uid:   uid,
			Gid:   gid,
		},
	}
}

func (in *Inode) IsDir() bool {
	return in.Attrs.Kind == KindDirectory
}

// ChildPath is the origin-relative parent path for children of this
// directory, i.e. the Attributes.Path value a direct child carries.
func (in *Inode) ChildPath() string {
	if in.Attrs.Name == "" {
		return in.Attrs.Path
	}
	return in.Attrs.Path + in.Attrs.Name + "/"
}

// AddChild appends a child inode number.
func (in *Inode) AddChild(ino uint64) {
	in.Children = append(in.Children, ino)
}

// RemoveChild deletes a child inode number, preserving the order of the
// remaining children. Unknown children are ignored.
func (in *Inode) RemoveChild(ino uint64) {
	for i, c := range in.Children {
		if c == ino {
			in.Children = append(in.Children[:i], in.Children[i+1:]...)
			return
		}
	}
}

// FuseAttr encodes the inode for a stat reply.
func (in *Inode) FuseAttr() fuse.Attr {
	a := &in.Attrs
	return fuse.Attr{
		Inode:     in.Ino,
		Size:      a.Size,
		Blocks:    a.Size/BlockSize + 1,
		Atime:     a.Atime,
		Mtime:     a.Mtime,
		Ctime:     a.Ctime,
		Mode:      a.FileMode(),
		Nlink:     1,
		Uid:       a.Uid,
		Gid:       a.Gid,
		BlockSize: uint32(BlockSize),
	}
}
