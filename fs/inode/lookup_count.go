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

	"github.com/owtaylor/envfs/internal/logger"
)

// lookupCount backs the "an inode is present in the table iff its
// lookup count is positive" invariant: it is incremented on every
// explicit lookup (readdir entries do not count) and decremented by a
// forget, and destroy fires the moment the count returns to zero.
// destroy's error is logged but otherwise ignored, since a forget
// reply is never expected back from the kernel regardless of outcome.
// Every method requires the owning Table's lock to already be held.
type lookupCount struct {
	count   uint64
	destroy func() error
}

func (lc *lookupCount) Inc() {
	lc.count++
}

// Dec drops the count by n, running destroy and reporting destroyed if
// that empties it. It panics on a forget count that overdraws what was
// ever handed out, since that can only mean the table and the kernel
// have disagreed about an inode's reference count.
func (lc *lookupCount) Dec(n uint64) (destroyed bool) {
	if n > lc.count {
		panic(fmt.Sprintf("forget count %d exceeds lookup count %d", n, lc.count))
	}

	lc.count -= n
	if lc.count != 0 {
		return false
	}

	if err := lc.destroy(); err != nil {
		logger.Errorf("destroying inode: %v", err)
	}
	return true
}
