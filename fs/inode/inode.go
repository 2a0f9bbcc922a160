// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package inode implements the inode table for an envfs mount: the
// mapping from (view, path) pairs in the container's root filesystem to
// the opaque inode IDs the kernel expects to remain stable for as long
// as it holds a lookup count on them.
package inode

import (
	"github.com/jacobsa/fuse/fuseops"
)

// View selects which of the two projections of the container root an
// inode belongs to. The root inode itself belongs to neither.
type View int

const (
	// RawView serves the container root unmodified save for the
	// read-only bit stripping every inode gets.
	RawView View = iota
	// ExeView additionally substitutes the stub runner for any regular,
	// owner-executable file.
	ExeView
)

func (v View) String() string {
	switch v {
	case RawView:
		return "raw"
	case ExeView:
		return "exe"
	default:
		return "unknown"
	}
}

// RootInodeID is the fixed ID of the mount's root directory, matching
// the original implementation's synthesized root stat (st_ino=1).
const RootInodeID = fuseops.RootInodeID

// Kind distinguishes the three fixed top-level inodes from the inodes
// that mirror paths inside a view.
type Kind int

const (
	// KindMountRoot is the single synthesized "/" directory exposing
	// "exe" and "raw".
	KindMountRoot Kind = iota
	// KindViewRoot is the synthesized directory for "/exe" or "/raw",
	// which forwards to the root of the backing container filesystem.
	KindViewRoot
	// KindOther is every other inode: a real path inside a view,
	// mirrored from the backing filesystem.
	KindOther
)

// Key identifies an inode independent of its assigned ID. Two lookups
// that resolve to the same Key must return the same inode.
type Key struct {
	View View
	Kind Kind
	// Path is relative to the view root, with no leading slash. Empty
	// for the mount root and view roots.
	Path string
}

// Inode is a single entry in the inode table: the ID the kernel knows
// it by, the key that identifies it, and a lookup count protecting it
// from premature destruction.
//
// All methods require the table's lock to be held unless otherwise
// documented, mirroring the convention used throughout this codebase
// for inode state guarded by a shared table lock.
type Inode struct {
	id  fuseops.InodeID
	key Key

	lc lookupCount
}

func newInode(
	id fuseops.InodeID,
	key Key,
	destroy func() error) *Inode {
	in := &Inode{
		id:  id,
		key: key,
	}
	in.lc.destroy = destroy
	return in
}

// ID returns the ID assigned to the inode. Does not require the lock.
func (in *Inode) ID() fuseops.InodeID {
	return in.id
}

// Key returns the (view, kind, path) triple identifying this inode.
// Does not require the lock.
func (in *Inode) Key() Key {
	return in.key
}

// IncrementLookupCount increments the inode's lookup count, for use
// whenever an explicit lookup tells the kernel about this inode.
// Readdir entries do not count.
func (in *Inode) IncrementLookupCount() {
	in.lc.Inc()
}

// DecrementLookupCount decrements the lookup count by n. If this drops
// it to zero, the inode is removed from its owning table and must not
// be used again.
func (in *Inode) DecrementLookupCount(n uint64) (destroyed bool) {
	return in.lc.Dec(n)
}

