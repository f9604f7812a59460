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

// Package fs implements the request handler at the heart of mirrorfs: an
// inode table mirroring the origin, a registry of per-file backing handles,
// and one method per file system operation, served over the FUSE transport
// by the adapters in node.go.
package fs

import (
	"fmt"
	"strings"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"

	"github.com/mirrorfs/mirrorfs/internal/backing"
	"github.com/mirrorfs/mirrorfs/internal/fs/inode"
)

// ServerConfig carries everything a mount session needs.
type ServerConfig struct {
	// FSName is the name reported in mtab.
	FSName string

	// Origin is the absolute path of the backing directory.
	Origin string

	// Clock used for all timestamps the handler itself assigns.
	Clock timeutil.Clock

	// Store persists every side-effecting operation.
	Store backing.Store

	// Projector populates the inode table from the origin. Consumed once;
	// the supervisor supplies a fresh one per session.
	Projector ProjectorFunc

	// DirectIO asks the kernel to bypass the page cache for opened files.
	DirectIO bool
}

// Server is the request handler for one mount session. Created in state
// Starting; NewServer returns it Running (projection done) and a reset
// tears the whole thing down rather than mutating it back.
type Server struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	clock    timeutil.Clock
	registry *FileRegistry

	/////////////////////////
	// Constant data
	/////////////////////////

	fsName   string
	origin   string
	directIO bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// mu guards the inode table and the registry's membership, but is never
	// held across a backing-store call; those serialize on the registry's
	// per-file locks instead.
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	table *inode.Table
}

// NewServer builds the handler and projects the origin into it.
func NewServer(cfg *ServerConfig) (*Server, error) {
	s := &Server{
		clock:    cfg.Clock,
		registry: NewFileRegistry(cfg.Store, cfg.Projector),
		fsName:   cfg.FSName,
		origin:   strings.TrimSuffix(cfg.Origin, "/"),
		directIO: cfg.DirectIO,
		table:    inode.NewTable(),
	}

	if err := s.registry.Initialize(s.table, s.origin); err != nil {
		return nil, fmt.Errorf("project origin: %w", err)
	}
	// The invariants (a root inode first of all) hold only once the origin
	// has been projected, and the mutex checks them on construction.
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s, nil
}

// checkInvariants panics when the handler state is inconsistent. It runs
// only when enabled via syncutil.EnableInvariantChecking (tests do).
//
// Note it does not check the parent/child links themselves: a listed child
// that is missing from the table is skipped, and no inode is checked against
// its parent's child list.
func (s *Server) checkInvariants() {
	root, ok := s.table.Get(inode.RootID)
	if !ok {
		panic("root inode missing")
	}
	if !root.IsDir() {
		panic("root inode is not a directory")
	}
	if root.Ino != inode.RootID {
		panic(fmt.Sprintf("root inode number %d", root.Ino))
	}

	s.table.ForEach(func(in *inode.Inode) {
		if in.Ino != inode.RootID && !s.registry.Has(in.Ino) {
			panic(fmt.Sprintf("inode %d has no registry entry", in.Ino))
		}

		if !in.IsDir() && len(in.Children) != 0 {
			panic(fmt.Sprintf("file inode %d has children", in.Ino))
		}

		// Child names are unique within a directory.
		seen := make(map[string]struct{}, len(in.Children))
		for _, c := range in.Children {
			child, ok := s.table.Get(c)
			if !ok {
				continue
			}
			if _, dup := seen[child.Attrs.Name]; dup {
				panic(fmt.Sprintf("duplicate child name %q under inode %d", child.Attrs.Name, in.Ino))
			}
			seen[child.Attrs.Name] = struct{}{}
		}
	})
}

// caller identifies the requesting process for permission checks.
type caller struct {
	uid uint32
	gid uint32
}
