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

package inode

import (
	"fmt"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/syncutil"
)

// Table is the single authority mapping (view, path) keys to the inode
// IDs the kernel is told about. It is the Go analogue of the original
// implementation's global hash table guarded by one mutex: lookups
// intern a key into a stable ID, bumping a lookup count; forgets
// decrement it and free the entry at zero.
type Table struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	byKey map[Key]*Inode

	// GUARDED_BY(mu)
	byID map[fuseops.InodeID]*Inode

	// GUARDED_BY(mu)
	nextID fuseops.InodeID
}

// NewTable creates an empty table and installs its fixed root inode.
func NewTable() *Table {
	t := &Table{
		byKey:  make(map[Key]*Inode),
		byID:   make(map[fuseops.InodeID]*Inode),
		nextID: RootInodeID + 1,
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)

	root := newInode(RootInodeID, Key{Kind: KindMountRoot}, func() error {
		panic("root inode must never be destroyed")
	})
	t.byKey[root.key] = root
	t.byID[root.id] = root

	return t
}

// LOCKS_EXCLUDED(mu)
func (t *Table) checkInvariants() {
	if len(t.byKey) != len(t.byID) {
		panic(fmt.Sprintf(
			"byKey and byID disagree on size: %d vs %d",
			len(t.byKey), len(t.byID)))
	}

	for k, in := range t.byKey {
		if in.key != k {
			panic(fmt.Sprintf("byKey key %v does not match inode key %v", k, in.key))
		}
		if t.byID[in.id] != in {
			panic(fmt.Sprintf("inode %v for key %v missing from byID", in.id, k))
		}
	}

	root, ok := t.byID[RootInodeID]
	if !ok || root.key.Kind != KindMountRoot {
		panic("root inode missing or corrupted")
	}
}

// Lock acquires the table's lock. Callers hold it across a lookup or
// forget and any inode field access performed under it.
//
// LOCK_FUNCTION(t.mu)
func (t *Table) Lock() {
	t.mu.Lock()
}

// UNLOCK_FUNCTION(t.mu)
func (t *Table) Unlock() {
	t.mu.Unlock()
}

// LookUpOrCreate interns key, returning its existing inode with an
// incremented lookup count, or minting a fresh one with a lookup count
// of one if this is the first time key has been seen.
//
// EXCLUSIVE_LOCKS_REQUIRED(t.mu)
func (t *Table) LookUpOrCreate(key Key) *Inode {
	if in, ok := t.byKey[key]; ok {
		in.IncrementLookupCount()
		return in
	}

	id := t.nextID
	t.nextID++

	// destroy is invoked by DecrementLookupCount while the caller already
	// holds t.mu (see Forget below), so it must not try to re-acquire it.
	in := newInode(id, key, func() error {
		delete(t.byKey, key)
		delete(t.byID, id)
		return nil
	})
	in.IncrementLookupCount()

	t.byKey[key] = in
	t.byID[id] = in

	return in
}

// ByID returns the inode for id, or nil if none is live. The root inode
// is always present.
//
// EXCLUSIVE_LOCKS_REQUIRED(t.mu)
func (t *Table) ByID(id fuseops.InodeID) *Inode {
	return t.byID[id]
}

// Forget decrements the lookup count of the inode with the given ID by
// n, destroying and removing it from the table if this drops the count
// to zero. It is a no-op (matching FUSE's own tolerance for forgets of
// already-unknown inodes) if id is not present.
//
// EXCLUSIVE_LOCKS_REQUIRED(t.mu)
func (t *Table) Forget(id fuseops.InodeID, n uint64) {
	in, ok := t.byID[id]
	if !ok {
		return
	}

	in.DecrementLookupCount(n)
}
