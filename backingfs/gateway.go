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

// Package backingfs is the gateway onto the container's real root
// filesystem. Every call goes through the *at(2) family anchored on an
// O_PATH descriptor opened once at startup, and never follows a
// symlink on the caller's behalf -- matching the original
// implementation's insistence on AT_SYMLINK_NOFOLLOW everywhere.
package backingfs

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Gateway wraps an O_PATH descriptor on a container's root filesystem
// (normally /proc/<pid>/root) and exposes the handful of raw syscalls
// the protocol adapter needs, all relative to that root.
type Gateway struct {
	rootFd int
}

// Open opens root (typically "/proc/<pid>/root") as an O_PATH
// descriptor. The descriptor is kept for the lifetime of the daemon;
// Close releases it.
func Open(root string) (*Gateway, error) {
	fd, err := unix.Open(root, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", root, err)
	}
	return &Gateway{rootFd: fd}, nil
}

// Close releases the root descriptor.
func (g *Gateway) Close() error {
	return unix.Close(g.rootFd)
}

// Stat stats path relative to the container root, never following a
// trailing symlink. An empty path stats the root itself.
func (g *Gateway) Stat(path string) (unix.Stat_t, error) {
	var st unix.Stat_t
	p := path
	if p == "" {
		p = "."
	}
	if err := unix.Fstatat(g.rootFd, p, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return unix.Stat_t{}, fmt.Errorf("fstatat %s: %w", path, err)
	}
	return st, nil
}

// Readlink reads the target of the symlink at path.
func (g *Gateway) Readlink(path string) (string, error) {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Readlinkat(g.rootFd, path, buf)
		if err != nil {
			return "", fmt.Errorf("readlinkat %s: %w", path, err)
		}
		if n < len(buf) {
			return string(buf[:n]), nil
		}
		buf = make([]byte, len(buf)*2)
	}
}

// openPath opens path relative to the root as an O_PATH descriptor,
// never following a trailing symlink.
func (g *Gateway) openPath(path string) (int, error) {
	fd, err := unix.Openat(g.rootFd, path, unix.O_PATH|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("openat(O_PATH) %s: %w", path, err)
	}
	return fd, nil
}

// OpenFile opens the regular file at path for reading, reusing the
// /proc/self/fd/<fd> reopen idiom the original implementation relies on
// to turn an O_PATH descriptor it has already resolved into one that
// can actually be read from, without re-resolving the path (and its
// potential for a race against a hostile or rapidly-changing
// container).
func (g *Gateway) OpenFile(path string) (*os.File, error) {
	pfd, err := g.openPath(path)
	if err != nil {
		return nil, err
	}
	defer unix.Close(pfd)

	fd, err := unix.Open(procSelfFd(pfd), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("reopen %s via proc: %w", path, err)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// OpenDir opens the directory at path (or the root itself, for an
// empty path) for reading its entries. See dirent.go.
func (g *Gateway) OpenDir(path string) (int, error) {
	p := path
	if p == "" {
		p = "."
	}
	fd, err := unix.Openat(g.rootFd, p, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("openat(dir) %s: %w", path, err)
	}
	return fd, nil
}

// ReadDir reads every entry of the already-open directory descriptor
// fd, starting after the given cookie (0 meaning "from the
// beginning"), matching seekdir/readdir semantics.
func ReadDir(fd int, afterCookie uint64) ([]Dirent, error) {
	r := newDirentReader(fd)
	if err := r.SeekTo(afterCookie); err != nil {
		return nil, err
	}
	return r.ReadAll()
}

// CloseDir closes a descriptor returned by OpenDir.
func CloseDir(fd int) error {
	return unix.Close(fd)
}

// Getxattr reads xattr name of path into dest, returning the number of
// bytes written. If dest is too small it returns 0 and unix.ERANGE; the
// attribute's true size is not reported. Proxies through /proc/self/fd/<fd>
// exactly as the original does for getxattr, and -- per the Open
// Question resolution recorded in SPEC_FULL.md -- for listxattr too,
// rather than the original's inconsistent direct flistxattr there.
func (g *Gateway) Getxattr(path, name string, dest []byte) (int, error) {
	pfd, err := g.openPath(path)
	if err != nil {
		return 0, err
	}
	defer unix.Close(pfd)

	n, err := unix.Getxattr(procSelfFd(pfd), name, dest)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Listxattr lists the xattr names of path into dest, returning the
// number of bytes written. If dest is too small it returns 0 and
// unix.ERANGE; the list's true size is not reported.
func (g *Gateway) Listxattr(path string, dest []byte) (int, error) {
	pfd, err := g.openPath(path)
	if err != nil {
		return 0, err
	}
	defer unix.Close(pfd)

	n, err := unix.Listxattr(procSelfFd(pfd), dest)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func procSelfFd(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}
