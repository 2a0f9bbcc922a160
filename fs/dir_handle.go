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

package fs

import (
	"fmt"
	"sync"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/sys/unix"

	"github.com/owtaylor/envfs/backingfs"
	"github.com/owtaylor/envfs/fs/inode"
)

// mountRootCookies are the stable offsets the four synthesized root
// entries are numbered at. Per readdir's st_ino=cookie convention, the
// entries also report these same small integers as their inode number;
// the kernel always resolves the real, table-assigned ID with a
// follow-up lookup before using an entry for anything but display.
const (
	mountRootSelfCookie   = 1
	mountRootParentCookie = 2
	mountRootExeCookie    = 3
	mountRootRawCookie    = 4
)

// dirHandle is the per-open-directory read state. The whole listing is
// rendered once, at open time, into a slice of fuseops.Dirent ordered
// by an ever-increasing Offset cookie; ReadDir calls then just resume
// from wherever the kernel last left off. Container directories are
// small enough in practice that this is simpler than streaming
// getdents64 buffers lazily across ReadDirOp calls, at the cost of one
// full listing pass per open.
type dirHandle struct {
	Mu sync.Mutex

	entries []fuseops.Dirent
}

// newDirHandle renders the full directory listing for key.
func newDirHandle(gw *backingfs.Gateway, key inode.Key) (*dirHandle, error) {
	entries, err := renderEntries(gw, key)
	if err != nil {
		return nil, err
	}

	return &dirHandle{entries: entries}, nil
}

func renderEntries(gw *backingfs.Gateway, key inode.Key) ([]fuseops.Dirent, error) {
	if key.Kind == inode.KindMountRoot {
		return mountRootEntries(), nil
	}

	return backingEntries(gw, key)
}

// mountRootEntries synthesizes the mount root's four fixed entries: the
// two dot entries, plus the "exe" and "raw" view roots. Each entry's
// inode number is its own cookie, not a table-assigned ID: readdir
// never stats or interns its entries, it only reports st_ino=cookie and
// leaves the kernel to resolve the real inode with a follow-up lookup.
func mountRootEntries() []fuseops.Dirent {
	return []fuseops.Dirent{
		{Offset: mountRootSelfCookie, Inode: mountRootSelfCookie, Name: ".", Type: fuseops.DT_Directory},
		{Offset: mountRootParentCookie, Inode: mountRootParentCookie, Name: "..", Type: fuseops.DT_Directory},
		{Offset: mountRootExeCookie, Inode: mountRootExeCookie, Name: "exe", Type: fuseops.DT_Directory},
		{Offset: mountRootRawCookie, Inode: mountRootRawCookie, Name: "raw", Type: fuseops.DT_Directory},
	}
}

// backingEntries proxies the real directory's contents, translating
// each backing dirent's raw d_off cookie directly into the FUSE offset
// and reporting the backing filesystem's own d_ino as the entry's inode
// number, exactly as readdir is specified to: entries are never looked
// up or interned into the inode table here, only listed, so there is
// nothing to mint an ID for.
func backingEntries(gw *backingfs.Gateway, key inode.Key) ([]fuseops.Dirent, error) {
	fd, err := gw.OpenDir(key.Path)
	if err != nil {
		return nil, fmt.Errorf("opendir %s: %w", key.Path, err)
	}
	defer backingfs.CloseDir(fd)

	raw, err := backingfs.ReadDir(fd, 0)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", key.Path, err)
	}

	entries := make([]fuseops.Dirent, 0, len(raw))
	for _, d := range raw {
		entries = append(entries, fuseops.Dirent{
			Offset: fuseops.DirOffset(d.Off),
			Inode:  fuseops.InodeID(d.Ino),
			Name:   d.Name,
			Type:   directoryEntryType(d.Type),
		})
	}

	return entries, nil
}

func directoryEntryType(dType uint8) fuseops.DirentType {
	switch dType {
	case unix.DT_DIR:
		return fuseops.DT_Directory
	case unix.DT_REG:
		return fuseops.DT_File
	case unix.DT_LNK:
		return fuseops.DT_Link
	default:
		return fuseops.DT_Unknown
	}
}

// parentKey returns the key of key's parent directory. The mount root
// is its own parent, matching the usual convention for ".." at a
// filesystem's root.
func parentKey(key inode.Key) inode.Key {
	switch key.Kind {
	case inode.KindMountRoot:
		return key

	case inode.KindViewRoot:
		return inode.Key{Kind: inode.KindMountRoot}

	case inode.KindOther:
		idx := lastSlash(key.Path)
		if idx < 0 {
			return inode.Key{View: key.View, Kind: inode.KindViewRoot}
		}
		return inode.Key{View: key.View, Kind: inode.KindOther, Path: key.Path[:idx]}
	}

	return inode.Key{Kind: inode.KindMountRoot}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// ReadInto renders as many buffered entries as fit into dst, starting
// after offset, via fuseutil.WriteDirent's packed kernel encoding.
//
// EXCLUSIVE_LOCKS_REQUIRED(dh.Mu)
func (dh *dirHandle) ReadInto(dst []byte, offset fuseops.DirOffset) (int, error) {
	var n int
	for _, d := range dh.entries {
		if d.Offset <= offset {
			continue
		}

		written := fuseutil.WriteDirent(dst[n:], d)
		if written == 0 {
			break
		}
		n += written
	}
	return n, nil
}

// Close releases any resources held by the handle. Since the whole
// listing is rendered up front, there is nothing left open here.
func (dh *dirHandle) Close() error {
	return nil
}
