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

// Table maps inode numbers to inodes for one mount session.
//
// Table performs no locking of its own; the request handler serializes all
// access behind its own mutex. Likewise, the parent/child invariants are the
// handler's responsibility, not the table's.
type Table struct {
	inodes map[uint64]*Inode
}

func NewTable() *Table {
	return &Table{
		inodes: make(map[uint64]*Inode),
	}
}

// Get returns the inode with the given number, if present. The returned
// pointer is the live record; mutations through it are visible to all
// subsequent lookups.
func (t *Table) Get(ino uint64) (*Inode, bool) {
	in, ok := t.inodes[ino]
	return in, ok
}

// LookUpChild scans the parent's children in order and returns the child
// with the given name.
func (t *Table) LookUpChild(parent *Inode, name string) (*Inode, bool) {
	for _, ino := range parent.Children {
		child, ok := t.inodes[ino]
		if ok && child.Attrs.Name == name {
			return child, true
		}
	}
	return nil, false
}

// Insert adds or replaces the inode keyed by its own number.
func (t *Table) Insert(in *Inode) {
	t.inodes[in.Ino] = in
}

// Remove deletes the inode with the given number.
func (t *Table) Remove(ino uint64) {
	delete(t.inodes, ino)
}

// Clear drops every inode. Used only on reset, just before re-projection.
func (t *Table) Clear() {
	t.inodes = make(map[uint64]*Inode)
}

func (t *Table) Len() int {
	return len(t.inodes)
}

// ForEach visits every inode in unspecified order. Used by invariant checks.
func (t *Table) ForEach(fn func(*Inode)) {
	for _, in := range t.inodes {
		fn(in)
	}
}
