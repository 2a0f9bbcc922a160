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
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type TableTest struct {
	suite.Suite
	table *Table
}

func TestTableSuite(t *testing.T) {
	suite.Run(t, new(TableTest))
}

func (t *TableTest) SetupTest() {
	t.table = NewTable()
}

func (t *TableTest) TestRootInodePreinstalled() {
	t.table.Lock()
	defer t.table.Unlock()

	root := t.table.ByID(RootInodeID)
	assert.NotNil(t.T(), root)
	assert.Equal(t.T(), KindMountRoot, root.Key().Kind)
}

func (t *TableTest) TestSameKeyReturnsSameInode() {
	key := Key{View: RawView, Kind: KindOther, Path: "bin/bash"}

	t.table.Lock()
	a := t.table.LookUpOrCreate(key)
	b := t.table.LookUpOrCreate(key)
	t.table.Unlock()

	assert.Equal(t.T(), a.ID(), b.ID())
}

func (t *TableTest) TestDistinctViewsGetDistinctInodes() {
	rawKey := Key{View: RawView, Kind: KindOther, Path: "bin/bash"}
	exeKey := Key{View: ExeView, Kind: KindOther, Path: "bin/bash"}

	t.table.Lock()
	raw := t.table.LookUpOrCreate(rawKey)
	exe := t.table.LookUpOrCreate(exeKey)
	t.table.Unlock()

	assert.NotEqual(t.T(), raw.ID(), exe.ID())
}

func (t *TableTest) TestForgetRemovesInodeAtZero() {
	key := Key{View: RawView, Kind: KindOther, Path: "etc/hostname"}

	t.table.Lock()
	in := t.table.LookUpOrCreate(key)
	id := in.ID()
	t.table.Unlock()

	t.table.Lock()
	t.table.Forget(id, 1)
	found := t.table.ByID(id)
	t.table.Unlock()

	assert.Nil(t.T(), found)
}

func (t *TableTest) TestForgetOfUnknownInodeIsNoOp() {
	t.table.Lock()
	assert.NotPanics(t.T(), func() {
		t.table.Forget(fuseops.InodeID(99999), 1)
	})
	t.table.Unlock()
}

func (t *TableTest) TestRelookupAfterPartialForgetKeepsInodeAlive() {
	key := Key{View: RawView, Kind: KindOther, Path: "usr/bin/env"}

	t.table.Lock()
	in := t.table.LookUpOrCreate(key)
	t.table.LookUpOrCreate(key) // second lookup, count now 2
	id := in.ID()
	t.table.Forget(id, 1)
	stillThere := t.table.ByID(id)
	t.table.Unlock()

	assert.NotNil(t.T(), stillThere)
}
