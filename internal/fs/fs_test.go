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
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"bazil.org/fuse"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	"github.com/mirrorfs/mirrorfs/internal/backing/localdisk"
	"github.com/mirrorfs/mirrorfs/internal/fs/inode"
)

func TestMain(m *testing.M) {
	syncutil.EnableInvariantChecking()
	os.Exit(m.Run())
}

type ServerTest struct {
	suite.Suite

	origin string
	clock  *timeutil.SimulatedClock
	server *Server

	me caller
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerTest))
}

func (t *ServerTest) SetupTest() {
	t.origin = t.T().TempDir()
	t.clock = &timeutil.SimulatedClock{}
	t.clock.SetTime(time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC))
	t.me = caller{uid: uint32(os.Getuid()), gid: uint32(os.Getgid())}

	// Seeded origin tree:
	//   hello.txt
	//   sub/
	//   sub/nested.txt
	require.NoError(t.T(), os.WriteFile(filepath.Join(t.origin, "hello.txt"), []byte("Hello, World!"), 0o644))
	require.NoError(t.T(), os.Mkdir(filepath.Join(t.origin, "sub"), 0o755))
	require.NoError(t.T(), os.WriteFile(filepath.Join(t.origin, "sub", "nested.txt"), []byte("nested"), 0o600))

	var err error
	t.server, err = NewServer(&ServerConfig{
		FSName:    "mirrorfs-test",
		Origin:    t.origin,
		Clock:     t.clock,
		Store:     localdisk.New(),
		Projector: NewProjector(),
	})
	require.NoError(t.T(), err)
}

// originStat stats a path under the origin.
func (t *ServerTest) originStat(rel string) unix.Stat_t {
	var st unix.Stat_t
	require.NoError(t.T(), unix.Stat(filepath.Join(t.origin, rel), &st))
	return st
}

// mustLookUp resolves a child of parent or fails the test.
func (t *ServerTest) mustLookUp(parent uint64, name string) inode.Inode {
	in, err := t.server.lookUp(parent, t.me, name)
	require.NoError(t.T(), err)
	return in
}

// withInode mutates table state directly, for permission scenarios that a
// non-root test process cannot set up on disk.
func (t *ServerTest) withInode(ino uint64, fn func(*inode.Inode)) {
	t.server.mu.Lock()
	defer t.server.mu.Unlock()
	in, ok := t.server.table.Get(ino)
	t.Require().True(ok)
	fn(in)
}

// assertConsistent asserts the registry invariant the handler promises after
// any completed operation: every non-root inode has a registry entry.
func (t *ServerTest) assertConsistent() {
	t.server.mu.Lock()
	defer t.server.mu.Unlock()

	t.server.table.ForEach(func(in *inode.Inode) {
		if in.Ino == inode.RootID {
			return
		}
		t.Require().True(t.server.registry.Has(in.Ino), "inode %d unregistered", in.Ino)
	})
}

////////////////////////////////////////////////////////////////////////
// Projection
////////////////////////////////////////////////////////////////////////

func (t *ServerTest) TestProjectionMatchesOrigin() {
	root, ok := t.server.table.Get(inode.RootID)
	t.Require().True(ok)
	t.True(root.IsDir())
	t.Len(root.Children, 2)

	hello := t.mustLookUp(inode.RootID, "hello.txt")
	st := t.originStat("hello.txt")
	t.Equal(st.Ino, hello.Ino)
	t.Equal(uint64(st.Size), hello.Attrs.Size)
	t.Equal(st.Uid, hello.Attrs.Uid)
	t.Equal(st.Gid, hello.Attrs.Gid)
	t.Equal(uint32(st.Mode)&0o7777, hello.Attrs.Perm)

	sub := t.mustLookUp(inode.RootID, "sub")
	t.Equal(inode.KindDirectory, sub.Attrs.Kind)
	t.Len(sub.Children, 1)

	nested := t.mustLookUp(sub.Ino, "nested.txt")
	t.Equal("/sub/", nested.Attrs.Path)
	t.Equal(t.originStat("sub/nested.txt").Ino, nested.Ino)

	t.assertConsistent()
}

////////////////////////////////////////////////////////////////////////
// Lookup
////////////////////////////////////////////////////////////////////////

func (t *ServerTest) TestLookUpMissingName() {
	_, err := t.server.lookUp(inode.RootID, t.me, "no-such-file")
	t.Equal(errNoEnt, err)
}

func (t *ServerTest) TestLookUpNameLengthBoundary() {
	_, err := t.server.lookUp(inode.RootID, t.me, strings.Repeat("a", 255))
	t.Equal(errNoEnt, err)

	_, err = t.server.lookUp(inode.RootID, t.me, strings.Repeat("a", 256))
	t.Equal(errNameTooLong, err)
}

func (t *ServerTest) TestLookUpRejectsInvalidUTF8() {
	_, err := t.server.lookUp(inode.RootID, t.me, string([]byte{0xff, 0xfe}))
	t.Equal(errInval, err)
}

func (t *ServerTest) TestLookUpNeedsSearchPermission() {
	// A non-root stranger without any permission bits on the parent.
	t.withInode(inode.RootID, func(in *inode.Inode) {
		in.Attrs.Uid = 54321
		in.Attrs.Gid = 54321
		in.Attrs.Perm = 0o700
	})

	_, err := t.server.lookUp(inode.RootID, caller{uid: 12345, gid: 12345}, "hello.txt")
	t.Equal(errAccess, err)
}

////////////////////////////////////////////////////////////////////////
// Create / write / read
////////////////////////////////////////////////////////////////////////

func (t *ServerTest) TestCreateAndStatParity() {
	in, err := t.server.create(inode.RootID, t.me, "fresh.txt", fuse.OpenWriteOnly)
	t.Require().NoError(err)

	st := t.originStat("fresh.txt")
	t.Equal(st.Ino, in.Ino)
	t.Equal(uint64(0), in.Attrs.Size)
	t.Equal(st.Uid, in.Attrs.Uid)
	t.Equal(st.Gid, in.Attrs.Gid)
	t.Equal(uint32(st.Mode)&0o7777, in.Attrs.Perm)

	attr, err := t.server.getAttr(in.Ino)
	t.Require().NoError(err)
	t.Equal(in.Ino, attr.Inode)

	t.assertConsistent()
}

func (t *ServerTest) TestCreateExistingName() {
	_, err := t.server.create(inode.RootID, t.me, "hello.txt", fuse.OpenWriteOnly)
	t.Equal(errExist, err)
}

func (t *ServerTest) TestCreateRejectsBadFlags() {
	_, err := t.server.create(inode.RootID, t.me, "x", fuse.OpenFlags(3))
	t.Equal(errInval, err)
}

func (t *ServerTest) TestCreateNeedsWriteOnParent() {
	t.withInode(inode.RootID, func(in *inode.Inode) {
		in.Attrs.Uid = 54321
		in.Attrs.Gid = 54321
		in.Attrs.Perm = 0o555
	})
	_, err := t.server.create(inode.RootID, caller{uid: 12345, gid: 12345}, "x", fuse.OpenWriteOnly)
	t.Equal(errAccess, err)
}

func (t *ServerTest) TestWholeFileRoundTrip() {
	in, err := t.server.create(inode.RootID, t.me, "r.txt", fuse.OpenReadWrite)
	t.Require().NoError(err)

	payload := []byte("Hello, World!")
	n, err := t.server.writeFile(in.Ino, payload)
	t.Require().NoError(err)
	t.Equal(len(payload), n)

	// Visible through the handler.
	got, err := t.server.readFile(in.Ino, 0, 4096)
	t.Require().NoError(err)
	t.Equal(payload, got)

	// And on the origin.
	onDisk, err := os.ReadFile(filepath.Join(t.origin, "r.txt"))
	t.Require().NoError(err)
	t.Equal(payload, onDisk)

	// Write stamps mtime/ctime/size from the handler clock.
	attr, err := t.server.getAttr(in.Ino)
	t.Require().NoError(err)
	t.Equal(uint64(len(payload)), attr.Size)
	t.Equal(t.clock.Now(), attr.Mtime)

	st := t.originStat("r.txt")
	t.Equal(t.clock.Now().UnixNano(), time.Unix(st.Mtim.Unix()).UnixNano())
}

func (t *ServerTest) TestReadClipsToFileSize() {
	in := t.mustLookUp(inode.RootID, "hello.txt")

	got, err := t.server.readFile(in.Ino, 0, 5)
	t.Require().NoError(err)
	t.Equal([]byte("Hello"), got)

	got, err = t.server.readFile(in.Ino, int64(in.Attrs.Size), 5)
	t.Require().NoError(err)
	t.Empty(got)
}

func (t *ServerTest) TestReadNegativeOffset() {
	in := t.mustLookUp(inode.RootID, "hello.txt")
	_, err := t.server.readFile(in.Ino, -1, 5)
	t.Equal(errInval, err)
}

////////////////////////////////////////////////////////////////////////
// Mkdir / nested create
////////////////////////////////////////////////////////////////////////

func (t *ServerTest) TestNestedCreate() {
	dir, err := t.server.mkDir(inode.RootID, t.me, "d", 0o755)
	t.Require().NoError(err)
	t.Equal(t.originStat("d").Ino, dir.Ino)

	in, err := t.server.create(dir.Ino, t.me, "f", fuse.OpenWriteOnly)
	t.Require().NoError(err)
	t.Equal("/d/", in.Attrs.Path)
	t.Equal(t.originStat("d/f").Ino, in.Ino)

	t.assertConsistent()
}

func (t *ServerTest) TestMkDirForcesMode() {
	dir, err := t.server.mkDir(inode.RootID, t.me, "d", 0o700)
	t.Require().NoError(err)
	t.Equal(uint32(0o700), dir.Attrs.Perm)
	t.Equal(uint32(0o700), uint32(t.originStat("d").Mode)&0o7777)
}

func (t *ServerTest) TestMkDirExistingName() {
	_, err := t.server.mkDir(inode.RootID, t.me, "sub", 0o755)
	t.Equal(errExist, err)
}

////////////////////////////////////////////////////////////////////////
// Rename
////////////////////////////////////////////////////////////////////////

func (t *ServerTest) TestRenamePreservesInode() {
	before := t.mustLookUp(inode.RootID, "hello.txt")

	err := t.server.rename(inode.RootID, t.me, "hello.txt", inode.RootID, "renamed.txt")
	t.Require().NoError(err)

	after := t.mustLookUp(inode.RootID, "renamed.txt")
	t.Equal(before.Ino, after.Ino)

	_, err = t.server.lookUp(inode.RootID, t.me, "hello.txt")
	t.Equal(errNoEnt, err)

	data, err := os.ReadFile(filepath.Join(t.origin, "renamed.txt"))
	t.Require().NoError(err)
	t.Equal([]byte("Hello, World!"), data)

	t.assertConsistent()
}

func (t *ServerTest) TestRenameAcrossDirectories() {
	sub := t.mustLookUp(inode.RootID, "sub")

	err := t.server.rename(inode.RootID, t.me, "hello.txt", sub.Ino, "moved.txt")
	t.Require().NoError(err)

	moved := t.mustLookUp(sub.Ino, "moved.txt")
	t.Equal("/sub/", moved.Attrs.Path)
	t.FileExists(filepath.Join(t.origin, "sub", "moved.txt"))

	t.assertConsistent()
}

func (t *ServerTest) TestRenameOntoExistingEmptyTarget() {
	_, err := t.server.mkDir(inode.RootID, t.me, "d", 0o755)
	t.Require().NoError(err)

	// Destination name exists (an empty directory): collision.
	err = t.server.rename(inode.RootID, t.me, "hello.txt", inode.RootID, "d")
	t.Equal(errExist, err)
}

func (t *ServerTest) TestRenameOntoNonEmptyDirectory() {
	_, err := t.server.mkDir(inode.RootID, t.me, "d", 0o755)
	t.Require().NoError(err)

	err = t.server.rename(inode.RootID, t.me, "d", inode.RootID, "sub")
	t.Equal(errNotEmpty, err)
}

func (t *ServerTest) TestRenameDirectoryAcrossParentsNeedsWriteOnIt() {
	sub := t.mustLookUp(inode.RootID, "sub")
	dst, err := t.server.mkDir(inode.RootID, t.me, "dst", 0o777)
	t.Require().NoError(err)

	t.withInode(sub.Ino, func(in *inode.Inode) {
		in.Attrs.Uid = 54321
		in.Attrs.Gid = 54321
		in.Attrs.Perm = 0o555
	})
	t.withInode(inode.RootID, func(in *inode.Inode) {
		in.Attrs.Perm = 0o777
	})
	t.withInode(dst.Ino, func(in *inode.Inode) {
		in.Attrs.Perm = 0o777
	})

	err = t.server.rename(inode.RootID, caller{uid: 12345, gid: 12345}, "sub", dst.Ino, "sub")
	t.Equal(errAccess, err)
}

////////////////////////////////////////////////////////////////////////
// Unlink / rmdir
////////////////////////////////////////////////////////////////////////

func (t *ServerTest) TestUnlinkPropagates() {
	in := t.mustLookUp(inode.RootID, "hello.txt")

	t.clock.AdvanceTime(time.Minute)
	err := t.server.unlink(inode.RootID, t.me, "hello.txt")
	t.Require().NoError(err)

	_, err = t.server.lookUp(inode.RootID, t.me, "hello.txt")
	t.Equal(errNoEnt, err)
	t.NoFileExists(filepath.Join(t.origin, "hello.txt"))

	_, err = t.server.getAttr(in.Ino)
	t.Equal(errNoEnt, err)

	// Parent mtime advanced to the deletion time, on mount and origin.
	attr, err := t.server.getAttr(inode.RootID)
	t.Require().NoError(err)
	t.Equal(t.clock.Now(), attr.Mtime)
	var st unix.Stat_t
	t.Require().NoError(unix.Stat(t.origin, &st))
	t.Equal(t.clock.Now().UnixNano(), time.Unix(st.Mtim.Unix()).UnixNano())

	t.assertConsistent()
}

func (t *ServerTest) TestUnlinkStickyParent() {
	t.withInode(inode.RootID, func(in *inode.Inode) {
		in.Attrs.Uid = 54321
		in.Attrs.Perm = 0o777 | inode.PermSticky
	})
	t.withInode(t.mustLookUp(inode.RootID, "hello.txt").Ino, func(in *inode.Inode) {
		in.Attrs.Uid = 54321
	})

	// Neither root, nor parent owner, nor target owner.
	err := t.server.unlink(inode.RootID, caller{uid: 12345, gid: 12345}, "hello.txt")
	t.Equal(errAccess, err)

	// The target's owner may.
	t.withInode(t.mustLookUp(inode.RootID, "hello.txt").Ino, func(in *inode.Inode) {
		in.Attrs.Uid = 12345
	})
	err = t.server.unlink(inode.RootID, caller{uid: 12345, gid: 12345}, "hello.txt")
	t.NoError(err)
}

func (t *ServerTest) TestRmDirOnFile() {
	err := t.server.rmDir(inode.RootID, t.me, "hello.txt")
	t.Equal(errNotDir, err)
}

func (t *ServerTest) TestRmDirNonEmpty() {
	err := t.server.rmDir(inode.RootID, t.me, "sub")
	t.Equal(errNotEmpty, err)
}

func (t *ServerTest) TestMkDirRmDirRoundTrip() {
	rootBefore, _ := t.server.table.Get(inode.RootID)
	childrenBefore := append([]uint64(nil), rootBefore.Children...)

	_, err := t.server.mkDir(inode.RootID, t.me, "d", 0o755)
	t.Require().NoError(err)

	t.clock.AdvanceTime(time.Minute)
	err = t.server.rmDir(inode.RootID, t.me, "d")
	t.Require().NoError(err)

	rootAfter, _ := t.server.table.Get(inode.RootID)
	t.Equal(childrenBefore, rootAfter.Children)
	t.Equal(t.clock.Now(), rootAfter.Attrs.Mtime)
	t.NoDirExists(filepath.Join(t.origin, "d"))
}

////////////////////////////////////////////////////////////////////////
// Readdir
////////////////////////////////////////////////////////////////////////

func (t *ServerTest) TestReadDirListsEveryChildOnce() {
	dirents, err := t.server.readDirAll(inode.RootID)
	t.Require().NoError(err)
	t.Len(dirents, 2+2)

	t.Equal(".", dirents[0].Name)
	t.Equal("..", dirents[1].Name)

	names := make(map[string]int)
	for _, d := range dirents[2:] {
		names[d.Name]++
	}
	t.Equal(map[string]int{"hello.txt": 1, "sub": 1}, names)
}

////////////////////////////////////////////////////////////////////////
// Open / access
////////////////////////////////////////////////////////////////////////

func (t *ServerTest) TestOpenReadOnlyWithTruncate() {
	in := t.mustLookUp(inode.RootID, "hello.txt")
	_, err := t.server.open(in.Ino, t.me, fuse.OpenReadOnly|fuse.OpenTruncate)
	t.Equal(errAccess, err)
}

func (t *ServerTest) TestOpenInvalidAccessMode() {
	in := t.mustLookUp(inode.RootID, "hello.txt")
	_, err := t.server.open(in.Ino, t.me, fuse.OpenFlags(3))
	t.Equal(errInval, err)
}

func (t *ServerTest) TestOpenForWriteNeedsWriteBit() {
	in := t.mustLookUp(inode.RootID, "hello.txt")
	t.withInode(in.Ino, func(n *inode.Inode) {
		n.Attrs.Uid = 54321
		n.Attrs.Gid = 54321
		n.Attrs.Perm = 0o444
	})
	_, err := t.server.open(in.Ino, caller{uid: 12345, gid: 12345}, fuse.OpenWriteOnly)
	t.Equal(errAccess, err)
}

func (t *ServerTest) TestOpenExecHintEscalatesToX() {
	in := t.mustLookUp(inode.RootID, "hello.txt")
	t.withInode(in.Ino, func(n *inode.Inode) {
		n.Attrs.Uid = 12345
		n.Attrs.Perm = 0o644 // readable, not executable
	})
	_, err := t.server.open(in.Ino, caller{uid: 12345, gid: 12345}, fuse.OpenReadOnly|fuse.OpenFlags(fmodeExec))
	t.Equal(errAccess, err)
}

func (t *ServerTest) TestAccess() {
	in := t.mustLookUp(inode.RootID, "hello.txt")
	t.withInode(in.Ino, func(n *inode.Inode) {
		n.Attrs.Uid = 12345
		n.Attrs.Gid = 12345
		n.Attrs.Perm = 0o640
	})

	t.NoError(t.server.access(in.Ino, caller{uid: 12345, gid: 0}, unix.R_OK|unix.W_OK))
	t.NoError(t.server.access(in.Ino, caller{uid: 99, gid: 12345}, unix.R_OK))
	t.Equal(errAccess, t.server.access(in.Ino, caller{uid: 99, gid: 12345}, unix.W_OK))
	t.Equal(errAccess, t.server.access(in.Ino, caller{uid: 99, gid: 99}, unix.R_OK))
	t.NoError(t.server.access(in.Ino, caller{uid: 99, gid: 99}, unix.F_OK))
}

////////////////////////////////////////////////////////////////////////
// Setattr
////////////////////////////////////////////////////////////////////////

func (t *ServerTest) TestSetAttrTruncatesAndChmods() {
	in := t.mustLookUp(inode.RootID, "hello.txt")

	req := &fuse.SetattrRequest{
		Valid: fuse.SetattrSize | fuse.SetattrMode,
		Size:  5,
		Mode:  0o640,
	}
	attr, err := t.server.setAttr(in.Ino, t.me, req)
	t.Require().NoError(err)
	t.Equal(uint64(5), attr.Size)

	st := t.originStat("hello.txt")
	t.Equal(int64(5), st.Size)
	t.Equal(uint32(0o640), uint32(st.Mode)&0o7777)

	data, err := os.ReadFile(filepath.Join(t.origin, "hello.txt"))
	t.Require().NoError(err)
	t.Equal([]byte("Hello"), data)
}

func (t *ServerTest) TestSetAttrByStranger() {
	in := t.mustLookUp(inode.RootID, "hello.txt")
	t.withInode(in.Ino, func(n *inode.Inode) {
		n.Attrs.Uid = 54321
		n.Attrs.Gid = 54321
		n.Attrs.Perm = 0o644
	})

	req := &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 1}
	_, err := t.server.setAttr(in.Ino, caller{uid: 12345, gid: 12345}, req)
	t.Equal(errAccess, err)
}

func (t *ServerTest) TestSetAttrMtime() {
	in := t.mustLookUp(inode.RootID, "hello.txt")
	when := time.Date(2020, 1, 2, 3, 4, 5, 600, time.UTC)

	req := &fuse.SetattrRequest{Valid: fuse.SetattrMtime, Mtime: when}
	attr, err := t.server.setAttr(in.Ino, t.me, req)
	t.Require().NoError(err)
	t.Equal(when, attr.Mtime)

	st := t.originStat("hello.txt")
	t.Equal(when.UnixNano(), time.Unix(st.Mtim.Unix()).UnixNano())
}

////////////////////////////////////////////////////////////////////////
// Errno taxonomy
////////////////////////////////////////////////////////////////////////

func (t *ServerTest) TestDriverFailureSurfacesAsEIO() {
	in := t.mustLookUp(inode.RootID, "hello.txt")

	// Pull the backing file out from under the handler.
	require.NoError(t.T(), os.Remove(filepath.Join(t.origin, "hello.txt")))

	_, err := t.server.readFile(in.Ino, 0, 5)
	t.Equal(errIO, err)
	t.Equal(fuse.Errno(syscall.EIO), errIO)
}
