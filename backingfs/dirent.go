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

package backingfs

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Dirent is one entry read from a real directory, carrying the raw
// d_off cookie the kernel uses internally for seekdir/telldir. FUSE's
// own readdir contract requires these cookies to remain valid across
// calls, so -- unlike a plain os.ReadDir -- we read directories with
// getdents64(2) ourselves rather than through the standard library,
// which never exposes d_off.
type Dirent struct {
	Ino  uint64
	Off  uint64
	Type uint8
	Name string
}

// direntReader reads a directory's entries off of an already-open
// directory descriptor. SeekTo repositions it by cookie, the Go
// equivalent of seekdir(3).
type direntReader struct {
	fd  int
	buf []byte
}

func newDirentReader(fd int) *direntReader {
	return &direntReader{fd: fd, buf: make([]byte, 32*1024)}
}

// SeekTo repositions the underlying descriptor so the next Next call
// resumes at the entry following cookie, as reported by a previous
// Dirent.Off. A cookie of 0 means "from the beginning".
func (r *direntReader) SeekTo(cookie uint64) error {
	if cookie == 0 {
		if _, err := unix.Seek(r.fd, 0, io.SeekStart); err != nil {
			return fmt.Errorf("seek directory to start: %w", err)
		}
		return nil
	}

	if _, err := unix.Seek(r.fd, int64(cookie), io.SeekStart); err != nil {
		return fmt.Errorf("seek directory to cookie %d: %w", cookie, err)
	}
	return nil
}

// ReadAll reads every remaining entry from the current position to the
// end of the directory stream. It is the Go equivalent of looping
// readdir(3) until it returns NULL.
func (r *direntReader) ReadAll() ([]Dirent, error) {
	var entries []Dirent
	for {
		n, err := unix.Getdents(r.fd, r.buf)
		if err != nil {
			return nil, fmt.Errorf("getdents: %w", err)
		}
		if n == 0 {
			return entries, nil
		}

		parsed, err := parseDirents(r.buf[:n])
		if err != nil {
			return nil, err
		}
		entries = append(entries, parsed...)
	}
}

// parseDirents decodes a buffer filled by getdents64(2) on Linux. The
// kernel's linux_dirent64 layout is:
//
//	u64 d_ino;
//	s64 d_off;
//	u16 d_reclen;
//	u8  d_type;
//	char d_name[];   // NUL-terminated, padded to d_reclen
//
// all in host byte order, 8-byte aligned per record.
func parseDirents(buf []byte) ([]Dirent, error) {
	var out []Dirent
	for len(buf) > 0 {
		if len(buf) < 19 {
			return nil, fmt.Errorf("truncated getdents record: %d bytes left", len(buf))
		}

		reclen := binary.NativeEndian.Uint16(buf[16:18])
		if reclen < 19 || int(reclen) > len(buf) {
			return nil, fmt.Errorf("invalid getdents reclen %d", reclen)
		}

		rec := buf[:reclen]
		ino := binary.NativeEndian.Uint64(rec[0:8])
		off := binary.NativeEndian.Uint64(rec[8:16])
		typ := rec[18]
		nameBytes := rec[19:]

		nul := indexByte(nameBytes, 0)
		if nul >= 0 {
			nameBytes = nameBytes[:nul]
		}

		out = append(out, Dirent{
			Ino:  ino,
			Off:  off,
			Type: typ,
			Name: string(nameBytes),
		})

		buf = buf[reclen:]
	}
	return out, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
