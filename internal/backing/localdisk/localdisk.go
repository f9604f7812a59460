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

// Package localdisk implements the backing store against a local POSIX
// file system.
package localdisk

import (
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mirrorfs/mirrorfs/internal/backing"
	"github.com/mirrorfs/mirrorfs/internal/fs/inode"
	"github.com/mirrorfs/mirrorfs/internal/logger"
)

type localDisk struct{}

// New returns a driver that persists under the origin directly.
func New() backing.Store {
	return &localDisk{}
}

// changeTimes applies atime and mtime with nanosecond precision, following
// symlinks.
func changeTimes(path string, atime, mtime time.Time) error {
	ts := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, ts, 0); err != nil {
		logger.Errorf("localdisk: utimensat %q: %v", path, err)
		return backing.ErrChangeTime
	}
	return nil
}

// touchMtime stamps mtime on path, preserving its current atime.
func touchMtime(path string, when time.Time) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		logger.Errorf("localdisk: stat %q: %v", path, err)
		return backing.ErrChangeTime
	}
	return changeTimes(path, time.Unix(st.Atim.Unix()), when)
}

// statInode reads the metadata of a just-created object back from disk.
func statInode(h backing.Handle) (*inode.Inode, error) {
	full := h.FullPath()
	var st unix.Stat_t
	if err := unix.Stat(full, &st); err != nil {
		logger.Errorf("localdisk: stat %q: %v", full, err)
		return nil, backing.ErrRead
	}

	kind := inode.KindFile
	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		kind = inode.KindDirectory
	}

	return &inode.Inode{
		Ino: st.Ino,
		Attrs: inode.Attributes{
			Name:  h.Name,
			Kind:  kind,
			Size:  uint64(st.Size),
			Atime: time.Unix(st.Atim.Unix()),
			Mtime: time.Unix(st.Mtim.Unix()),
			Ctime: time.Unix(st.Ctim.Unix()),
			Perm:  uint32(st.Mode) & 0o7777,
			Uid:   st.Uid,
			Gid:   st.Gid,
		},
	}, nil
}

func (d *localDisk) CreateFile(h backing.Handle) (*inode.Inode, error) {
	f, err := os.Create(h.FullPath())
	if err != nil {
		logger.Errorf("localdisk: create %q: %v", h.FullPath(), err)
		return nil, backing.ErrCreate
	}
	if err := f.Close(); err != nil {
		logger.Errorf("localdisk: close %q: %v", h.FullPath(), err)
		return nil, backing.ErrCreate
	}

	in, err := statInode(h)
	if err != nil {
		return nil, backing.ErrCreate
	}
	return in, nil
}

func (d *localDisk) MakeDir(h backing.Handle, mode uint32) (*inode.Inode, error) {
	full := h.FullPath()
	if err := os.Mkdir(full, os.FileMode(mode&0o777)); err != nil {
		logger.Errorf("localdisk: mkdir %q: %v", full, err)
		return nil, backing.ErrMakeDir
	}
	// The umask has already chewed on the mode; force the requested bits.
	if err := unix.Fchmodat(unix.AT_FDCWD, full, mode&0o7777, 0); err != nil {
		logger.Errorf("localdisk: chmod %q: %v", full, err)
		return nil, backing.ErrMakeDir
	}

	in, err := statInode(h)
	if err != nil {
		return nil, backing.ErrMakeDir
	}
	return in, nil
}

func (d *localDisk) Write(h backing.Handle, data []byte, when time.Time) error {
	full := h.FullPath()
	if err := os.WriteFile(full, data, 0o644); err != nil {
		logger.Errorf("localdisk: write %q: %v", full, err)
		return backing.ErrWrite
	}
	return changeTimes(full, when, when)
}

func (d *localDisk) ReadAll(h backing.Handle) ([]byte, error) {
	data, err := os.ReadFile(h.FullPath())
	if err != nil {
		logger.Errorf("localdisk: read %q: %v", h.FullPath(), err)
		return nil, backing.ErrRead
	}
	return data, nil
}

func (d *localDisk) ReadExact(h backing.Handle, buf []byte, n uint64) error {
	f, err := os.Open(h.FullPath())
	if err != nil {
		logger.Errorf("localdisk: open %q: %v", h.FullPath(), err)
		return backing.ErrRead
	}
	defer f.Close()

	if _, err := io.ReadFull(f, buf[:n]); err != nil {
		logger.Errorf("localdisk: read %q: %v", h.FullPath(), err)
		return backing.ErrRead
	}
	return nil
}

func (d *localDisk) SetAttr(h backing.Handle, attrs inode.Attributes) error {
	full := h.FullPath()

	if err := changeTimes(full, attrs.Atime, attrs.Mtime); err != nil {
		return err
	}
	if err := unix.Fchmodat(unix.AT_FDCWD, full, attrs.Perm&0o7777, 0); err != nil {
		logger.Errorf("localdisk: chmod %q: %v", full, err)
		return backing.ErrSetAttr
	}
	if err := unix.Chown(full, int(attrs.Uid), int(attrs.Gid)); err != nil {
		logger.Errorf("localdisk: chown %q: %v", full, err)
		return backing.ErrSetAttr
	}
	// Ordering: ownership and mode must have landed before the truncate.
	if err := unix.Truncate(full, int64(attrs.Size)); err != nil {
		logger.Errorf("localdisk: truncate %q: %v", full, err)
		return backing.ErrSetAttr
	}
	// A size change stamps mtime with the current time; apply the requested
	// times again so they are what the file ends up with.
	return changeTimes(full, attrs.Atime, attrs.Mtime)
}

func (d *localDisk) Rename(h backing.Handle, newFullPath string, when time.Time) error {
	if err := os.Rename(h.FullPath(), newFullPath); err != nil {
		logger.Errorf("localdisk: rename %q -> %q: %v", h.FullPath(), newFullPath, err)
		return backing.ErrRename
	}
	if err := touchMtime(newFullPath, when); err != nil {
		return err
	}
	return touchMtime(h.Dir, when)
}

func (d *localDisk) RemoveFile(h backing.Handle, when time.Time) error {
	if err := os.Remove(h.FullPath()); err != nil {
		logger.Errorf("localdisk: remove %q: %v", h.FullPath(), err)
		return backing.ErrRemove
	}
	return touchMtime(h.Dir, when)
}

func (d *localDisk) RemoveDir(h backing.Handle, when time.Time) error {
	if err := os.RemoveAll(h.FullPath()); err != nil {
		logger.Errorf("localdisk: remove dir %q: %v", h.FullPath(), err)
		return backing.ErrRemoveDir
	}
	return touchMtime(h.Dir, when)
}
