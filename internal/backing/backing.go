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

// Package backing defines the driver contract for persistent storage under
// the origin. Drivers log failures themselves and report them as one of the
// tag errors below; no message strings cross the boundary.
package backing

import (
	"errors"
	"time"

	"github.com/mirrorfs/mirrorfs/internal/fs/inode"
)

// The closed set of driver failure tags.
var (
	ErrRead       = errors.New("backing: read")
	ErrWrite      = errors.New("backing: write")
	ErrRename     = errors.New("backing: rename")
	ErrRemove     = errors.New("backing: remove")
	ErrCreate     = errors.New("backing: create")
	ErrSetAttr    = errors.New("backing: set attr")
	ErrMakeDir    = errors.New("backing: make dir")
	ErrRemoveDir  = errors.New("backing: remove dir")
	ErrChangeTime = errors.New("backing: change time")
)

// Handle addresses one object in the store. Dir is the absolute path of the
// directory containing the object and ends with a slash, so Dir + Name is
// the object's full path.
type Handle struct {
	Name string
	Dir  string
}

func (h Handle) FullPath() string {
	return h.Dir + h.Name
}

// Store is the driver interface consumed by the file registry. Every method
// either succeeds, possibly returning metadata observed from the store, or
// returns one of the tag errors above.
type Store interface {
	// CreateFile creates an empty file at the handle's path and reads back
	// the inode number and attributes the store assigned to it.
	CreateFile(h Handle) (*inode.Inode, error)

	// MakeDir creates a directory, forces its permission bits to mode, then
	// reads back its metadata.
	MakeDir(h Handle, mode uint32) (*inode.Inode, error)

	// Write truncates the file and writes data, then sets both atime and
	// mtime to when.
	Write(h Handle, data []byte, when time.Time) error

	// ReadAll returns the whole file.
	ReadAll(h Handle) ([]byte, error)

	// ReadExact fills the first n bytes of buf from the head of the file.
	ReadExact(h Handle, buf []byte, n uint64) error

	// SetAttr applies atime/mtime, then the permission bits, then ownership,
	// then truncates to attrs.Size. The order matters: the permission and
	// ownership changes must land before the truncation. The object ends up
	// with attrs.Atime and attrs.Mtime even when the truncation changed its
	// size.
	SetAttr(h Handle, attrs inode.Attributes) error

	// Rename moves the object to newFullPath, then sets mtime on the renamed
	// object and on the old parent directory to when.
	Rename(h Handle, newFullPath string, when time.Time) error

	// RemoveFile deletes the file, then sets mtime on its parent directory
	// to when.
	RemoveFile(h Handle, when time.Time) error

	// RemoveDir recursively deletes the directory, then sets mtime on its
	// parent directory to when.
	RemoveDir(h Handle, when time.Time) error
}
