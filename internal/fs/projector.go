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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mirrorfs/mirrorfs/internal/fs/inode"
	"github.com/mirrorfs/mirrorfs/internal/logger"
)

// NewProjector returns the projector that walks the origin and populates
// the inode table and file registry. The supervisor supplies a fresh one
// for every mount session.
func NewProjector() ProjectorFunc {
	return project
}

func project(t *inode.Table, fr *FileRegistry, origin string) error {
	origin = strings.TrimSuffix(origin, "/")

	var st unix.Stat_t
	if err := unix.Stat(origin, &st); err != nil {
		return fmt.Errorf("stat origin %q: %w", origin, err)
	}

	root := inode.NewRoot(uint32(st.Mode)&0o7777, st.Uid, st.Gid, time.Now())
	t.Insert(root)

	count := 0
	err := filepath.WalkDir(origin, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == origin {
			return nil
		}

		var st unix.Stat_t
		if err := unix.Stat(path, &st); err != nil {
			return fmt.Errorf("stat %q: %w", path, err)
		}

		name := d.Name()
		rel := path[len(origin)+1:]
		attrPath := "/" + strings.TrimSuffix(rel, name)

		kind := inode.KindFile
		var children []uint64
		if d.IsDir() {
			kind = inode.KindDirectory
			entries, err := os.ReadDir(path)
			if err != nil {
				return fmt.Errorf("read dir %q: %w", path, err)
			}
			for _, entry := range entries {
				info, err := entry.Info()
				if err != nil {
					return fmt.Errorf("stat %q: %w", filepath.Join(path, entry.Name()), err)
				}
				children = append(children, info.Sys().(*syscall.Stat_t).Ino)
			}
		}

		in := &inode.Inode{
			Ino: st.Ino,
			// The parent pointer is flat on purpose: operations resolve
			// parents from the request, never from here.
			ParentIno: inode.RootID,
			Children:  children,
			Attrs: inode.Attributes{
				Name:  name,
				Kind:  kind,
				Path:  attrPath,
				Size:  uint64(st.Size),
				Atime: time.Unix(st.Atim.Unix()),
				Mtime: time.Unix(st.Mtim.Unix()),
				Ctime: time.Unix(st.Ctim.Unix()),
				Perm:  uint32(st.Mode) & 0o7777,
				Uid:   st.Uid,
				Gid:   st.Gid,
			},
		}
		t.Insert(in)
		fr.Register(in.Ino, name, origin+attrPath)
		if attrPath == "/" {
			root.AddChild(in.Ino)
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}

	logger.Infof("projected %d objects from %s", count, origin)
	return nil
}
