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
	"golang.org/x/sys/unix"

	"github.com/mirrorfs/mirrorfs/internal/fs/inode"
)

// checkAccess evaluates a POSIX mode-bit access check: mask is a combination
// of unix.R_OK, unix.W_OK and unix.X_OK, tested against the owner, group or
// other permission class of the object. Root may read and write anything and
// may execute whenever any execute bit is set.
func checkAccess(objUID, objGID, perm, reqUID, reqGID, mask uint32) bool {
	if mask == unix.F_OK {
		return true
	}

	if reqUID == 0 {
		mask &= unix.X_OK
		mask &^= perm >> 6
		mask &^= perm >> 3
		mask &^= perm
		return mask == 0
	}

	switch {
	case reqUID == objUID:
		mask &^= perm >> 6
	case reqGID == objGID:
		mask &^= perm >> 3
	default:
		mask &^= perm
	}
	return mask == 0
}

// stickyDenies reports whether the sticky bit on the parent forbids the
// caller from unlinking, removing or renaming the target: with the bit set,
// only root, the parent's owner and the target's owner may proceed.
func stickyDenies(parentPerm, parentUID, targetUID, reqUID uint32) bool {
	if parentPerm&inode.PermSticky == 0 {
		return false
	}
	return reqUID != 0 && reqUID != parentUID && reqUID != targetUID
}
