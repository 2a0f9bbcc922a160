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

// Package execview implements the substitution the "exe" view applies
// on top of the raw container filesystem: any regular, owner-executable
// file is presented as the stub runner instead of its real content, so
// that executing anything under the exe view always goes through the
// stub rather than the container's own binaries.
package execview

import "golang.org/x/sys/unix"

// Stub describes the runner substituted in for executable files in the
// exe view.
type Stub struct {
	Path string
	Stat unix.Stat_t
}

// NeedsSubstitution reports whether, for the given view and the backing
// file's raw stat, the exe-view stub should be spliced in instead of
// the real file. This mirrors the original implementation's predicate
// exactly: only regular files with the owner-execute bit set are
// substituted, and only outside the raw view.
func NeedsSubstitution(isRawView bool, st unix.Stat_t) bool {
	if isRawView {
		return false
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		return false
	}
	return st.Mode&0100 != 0
}

// Attributes returns the stat the exe view should report for a path:
// the stub's own stat if substitution applies, otherwise the backing
// file's stat -- in both cases with every write bit stripped, since
// every view of envfs is strictly read-only.
func (s Stub) Attributes(isRawView bool, backing unix.Stat_t) unix.Stat_t {
	st := backing
	if NeedsSubstitution(isRawView, backing) {
		st = s.Stat
		// Keep the backing file's own inode number out of the
		// substituted attributes; callers key inodes on (view, path),
		// not on host-filesystem identity, so the stub's own device/
		// inode numbers are what is reported here.
	}
	st.Mode &^= 0222
	return st
}
