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
	"syscall"

	"bazil.org/fuse"
)

// The errno vocabulary of the handler. Driver failures never carry their
// own errno; they all surface as errIO after the driver has logged them.
var (
	errNoEnt       = fuse.Errno(syscall.ENOENT)
	errAccess      = fuse.Errno(syscall.EACCES)
	errExist       = fuse.Errno(syscall.EEXIST)
	errNotEmpty    = fuse.Errno(syscall.ENOTEMPTY)
	errNotDir      = fuse.Errno(syscall.ENOTDIR)
	errInval       = fuse.Errno(syscall.EINVAL)
	errNameTooLong = fuse.Errno(syscall.ENAMETOOLONG)
	errIO          = fuse.Errno(syscall.EIO)
)
