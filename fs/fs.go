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

// Package fs is the FUSE protocol adapter: it implements
// github.com/jacobsa/fuse/fuseutil's FileSystem interface on top of the
// inode table, the backing-fs gateway, and the executability rewriter,
// translating kernel requests into calls against the container's real
// root filesystem and back again. Every mutating operation is rejected
// with EROFS: envfs is a read-only projection, never a read-write one.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/owtaylor/envfs/backingfs"
	"github.com/owtaylor/envfs/execview"
	"github.com/owtaylor/envfs/fs/inode"
	"github.com/owtaylor/envfs/internal/logger"
	"github.com/owtaylor/envfs/internal/metrics"
)

// attrExpiry is how long the kernel may cache attributes and directory
// entries before re-querying, matching the 1-second timeout the
// original implementation configures.
const attrExpiry = time.Second

// ServerConfig bundles everything the protocol adapter needs to serve a
// mount of one container's root filesystem.
type ServerConfig struct {
	Gateway *backingfs.Gateway
	Stub    execview.Stub
	Clock   timeutil.Clock
}

// envFS implements fuseutil.FileSystem.
type envFS struct {
	gw    *backingfs.Gateway
	stub  execview.Stub
	clock timeutil.Clock

	table *inode.Table

	handlesMu   sync.Mutex
	nextHandle  fuseops.HandleID
	dirHandles  map[fuseops.HandleID]*dirHandle
	fileHandles map[fuseops.HandleID]*os.File
}

// NewServer builds a fuse.Server ready to be passed to fuse.Mount.
func NewServer(cfg ServerConfig) fuse.Server {
	fs := &envFS{
		gw:          cfg.Gateway,
		stub:        cfg.Stub,
		clock:       cfg.Clock,
		table:       inode.NewTable(),
		dirHandles:  make(map[fuseops.HandleID]*dirHandle),
		fileHandles: make(map[fuseops.HandleID]*os.File),
	}
	return fuseutil.NewFileSystemServer(fs)
}

////////////////////////////////////////////////////////////////////////
// Instrumentation
////////////////////////////////////////////////////////////////////////

// instrument records a TRACE line, an ERROR line on failure, and a
// metrics observation for op, wrapping a single dispatched call. Every
// exported FileSystem method below calls it via a deferred closure over
// its named error return, so the bookkeeping lives in one place instead
// of being repeated in each handler.
func instrument(op string, start time.Time, err *error) {
	metrics.OpLatencySeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.RecordOutcome(op, *err)
	if *err != nil {
		logger.Errorf("%s failed: %v", op, *err)
	} else {
		logger.Tracef("%s ok", op)
	}
}

////////////////////////////////////////////////////////////////////////
// Path resolution
////////////////////////////////////////////////////////////////////////

// childKey returns the Key a child named name of parent resolves to, or
// ok=false if no such child can exist (e.g. a name other than "raw"/
// "exe" under the mount root).
func childKey(parent inode.Key, name string) (key inode.Key, ok bool) {
	switch parent.Kind {
	case inode.KindMountRoot:
		switch name {
		case "raw":
			return inode.Key{View: inode.RawView, Kind: inode.KindViewRoot}, true
		case "exe":
			return inode.Key{View: inode.ExeView, Kind: inode.KindViewRoot}, true
		default:
			return inode.Key{}, false
		}

	case inode.KindViewRoot:
		return inode.Key{View: parent.View, Kind: inode.KindOther, Path: name}, true

	case inode.KindOther:
		return inode.Key{View: parent.View, Kind: inode.KindOther, Path: joinPath(parent.Path, name)}, true
	}
	return inode.Key{}, false
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

// statKey stats the backing path for key (synthesizing the fixed
// attributes for the mount root) and applies the exe-view substitution
// and unconditional write-bit stripping.
func (fs *envFS) statKey(key inode.Key) (unix.Stat_t, error) {
	if key.Kind == inode.KindMountRoot {
		return rootStat(), nil
	}

	backing, err := fs.gw.Stat(key.Path)
	if err != nil {
		return unix.Stat_t{}, err
	}

	isRaw := key.View == inode.RawView
	return fs.stub.Attributes(isRaw, backing), nil
}

func rootStat() unix.Stat_t {
	return unix.Stat_t{
		Ino:   1,
		Mode:  unix.S_IFDIR | 0755,
		Nlink: 4,
		Uid:   uint32(os.Getuid()),
		Gid:   uint32(os.Getgid()),
	}
}

func attributesFromUnixStat(st unix.Stat_t) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(st.Size),
		Nlink: uint32(st.Nlink),
		Mode:  os.FileMode(st.Mode&0777).Perm() | fileTypeBits(st.Mode),
		Uid:   st.Uid,
		Gid:   st.Gid,
		Atime: time.Unix(st.Atim.Sec, st.Atim.Nsec),
		Mtime: time.Unix(st.Mtim.Sec, st.Mtim.Nsec),
		Ctime: time.Unix(st.Ctim.Sec, st.Ctim.Nsec),
	}
}

func fileTypeBits(mode uint32) os.FileMode {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return os.ModeDir
	case unix.S_IFLNK:
		return os.ModeSymlink
	case unix.S_IFCHR:
		return os.ModeCharDevice
	case unix.S_IFBLK:
		return os.ModeDevice
	case unix.S_IFIFO:
		return os.ModeNamedPipe
	case unix.S_IFSOCK:
		return os.ModeSocket
	default:
		return 0
	}
}

////////////////////////////////////////////////////////////////////////
// Handle allocation
////////////////////////////////////////////////////////////////////////

func (fs *envFS) allocHandle() fuseops.HandleID {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	fs.nextHandle++
	return fs.nextHandle
}

////////////////////////////////////////////////////////////////////////
// FileSystem interface: read-only operations envfs actually serves
////////////////////////////////////////////////////////////////////////

func (fs *envFS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) (err error) {
	defer instrument(metrics.OpLookUpInode, time.Now(), &err)

	fs.table.Lock()
	defer fs.table.Unlock()

	parent := fs.table.ByID(op.Parent)
	if parent == nil {
		return fuse.ENOENT
	}

	key, ok := childKey(parent.Key(), op.Name)
	if !ok {
		return fuse.ENOENT
	}

	st, statErr := fs.statKey(key)
	if statErr != nil {
		if errors.Is(statErr, unix.ENOENT) {
			return fuse.ENOENT
		}
		return fmt.Errorf("stat %s: %w", op.Name, statErr)
	}

	child := fs.table.LookUpOrCreate(key)

	op.Entry = fuseops.ChildInodeEntry{
		Child:                child.ID(),
		Attributes:           attributesFromUnixStat(st),
		AttributesExpiration: fs.clock.Now().Add(attrExpiry),
		EntryExpiration:      fs.clock.Now().Add(attrExpiry),
	}
	return nil
}

func (fs *envFS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) (err error) {
	defer instrument(metrics.OpGetInodeAttributes, time.Now(), &err)

	fs.table.Lock()
	in := fs.table.ByID(op.Inode)
	fs.table.Unlock()

	if in == nil {
		return fuse.ENOENT
	}

	st, statErr := fs.statKey(in.Key())
	if statErr != nil {
		return fmt.Errorf("stat inode %d: %w", op.Inode, statErr)
	}

	op.Attributes = attributesFromUnixStat(st)
	op.AttributesExpiration = fs.clock.Now().Add(attrExpiry)
	return nil
}

func (fs *envFS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) (err error) {
	defer instrument(metrics.OpForgetInode, time.Now(), &err)

	fs.table.Lock()
	defer fs.table.Unlock()
	fs.table.Forget(op.Inode, op.N)
	return nil
}

func (fs *envFS) BatchForget(ctx context.Context, op *fuseops.BatchForgetOp) (err error) {
	defer instrument(metrics.OpBatchForget, time.Now(), &err)

	fs.table.Lock()
	defer fs.table.Unlock()
	for _, entry := range op.Entries {
		fs.table.Forget(entry.Inode, entry.N)
	}
	return nil
}

func (fs *envFS) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) (err error) {
	defer instrument(metrics.OpReadSymlink, time.Now(), &err)

	fs.table.Lock()
	in := fs.table.ByID(op.Inode)
	fs.table.Unlock()

	if in == nil {
		return fuse.ENOENT
	}
	if in.Key().Kind != inode.KindOther {
		return fuse.EINVAL
	}

	target, readErr := fs.gw.Readlink(in.Key().Path)
	if readErr != nil {
		return fmt.Errorf("readlink: %w", readErr)
	}

	op.Target = target
	return nil
}

func (fs *envFS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) (err error) {
	defer instrument(metrics.OpOpenDir, time.Now(), &err)

	fs.table.Lock()
	in := fs.table.ByID(op.Inode)
	fs.table.Unlock()

	if in == nil {
		return fuse.ENOENT
	}

	dh, openErr := newDirHandle(fs.gw, in.Key())
	if openErr != nil {
		return fmt.Errorf("opendir: %w", openErr)
	}

	handle := fs.allocHandle()
	fs.handlesMu.Lock()
	fs.dirHandles[handle] = dh
	fs.handlesMu.Unlock()

	op.Handle = handle
	return nil
}

func (fs *envFS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) (err error) {
	defer instrument(metrics.OpReadDir, time.Now(), &err)

	fs.handlesMu.Lock()
	dh := fs.dirHandles[op.Handle]
	fs.handlesMu.Unlock()

	if dh == nil {
		return fuse.EINVAL
	}

	dh.Mu.Lock()
	defer dh.Mu.Unlock()

	n, readErr := dh.ReadInto(op.Dst, op.Offset)
	if readErr != nil {
		return fmt.Errorf("readdir: %w", readErr)
	}

	op.BytesRead = n
	return nil
}

func (fs *envFS) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) (err error) {
	defer instrument(metrics.OpReleaseDirHandle, time.Now(), &err)

	fs.handlesMu.Lock()
	dh := fs.dirHandles[op.Handle]
	delete(fs.dirHandles, op.Handle)
	fs.handlesMu.Unlock()

	if dh != nil {
		dh.Close()
	}
	return nil
}

func (fs *envFS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) (err error) {
	defer instrument(metrics.OpOpenFile, time.Now(), &err)

	fs.table.Lock()
	in := fs.table.ByID(op.Inode)
	fs.table.Unlock()

	if in == nil {
		return fuse.ENOENT
	}
	if in.Key().Kind != inode.KindOther {
		return fuse.EISDIR
	}
	if op.OpenFlags&(os.O_WRONLY|os.O_RDWR) != 0 {
		return fuse.EACCES
	}

	st, statErr := fs.statKey(in.Key())
	if statErr != nil {
		return fmt.Errorf("stat: %w", statErr)
	}

	isRaw := in.Key().View == inode.RawView

	var f *os.File
	var openErr error
	if execview.NeedsSubstitution(isRaw, st) {
		// The stub runner lives on the host, not inside the container's
		// root, so it is opened directly rather than through the
		// gateway, which only ever resolves paths relative to the
		// container root.
		f, openErr = os.Open(fs.stub.Path)
	} else {
		f, openErr = fs.gw.OpenFile(in.Key().Path)
	}
	if openErr != nil {
		return fmt.Errorf("open: %w", openErr)
	}

	handle := fs.allocHandle()
	fs.handlesMu.Lock()
	fs.fileHandles[handle] = f
	fs.handlesMu.Unlock()

	op.Handle = handle
	op.KeepPageCache = false
	return nil
}

func (fs *envFS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) (err error) {
	defer instrument(metrics.OpReadFile, time.Now(), &err)

	fs.handlesMu.Lock()
	f := fs.fileHandles[op.Handle]
	fs.handlesMu.Unlock()

	if f == nil {
		return fuse.EINVAL
	}

	n, readErr := f.ReadAt(op.Dst, op.Offset)
	op.BytesRead = n
	if readErr != nil && readErr != io.EOF {
		return fmt.Errorf("read: %w", readErr)
	}
	return nil
}

func (fs *envFS) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) (err error) {
	defer instrument(metrics.OpReleaseFileHandle, time.Now(), &err)

	fs.handlesMu.Lock()
	f := fs.fileHandles[op.Handle]
	delete(fs.fileHandles, op.Handle)
	fs.handlesMu.Unlock()

	if f != nil {
		f.Close()
	}
	return nil
}

func (fs *envFS) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) (err error) {
	defer instrument(metrics.OpGetXattr, time.Now(), &err)

	fs.table.Lock()
	in := fs.table.ByID(op.Inode)
	fs.table.Unlock()

	if in == nil {
		return fuse.ENOENT
	}
	if in.Key().Kind != inode.KindOther {
		return unix.ENODATA
	}

	n, getErr := fs.gw.Getxattr(in.Key().Path, op.Name, op.Dst)
	if getErr != nil {
		if getErr == unix.ERANGE {
			return getErr
		}
		return fmt.Errorf("getxattr: %w", getErr)
	}

	op.BytesRead = n
	return nil
}

func (fs *envFS) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) (err error) {
	defer instrument(metrics.OpListXattr, time.Now(), &err)

	fs.table.Lock()
	in := fs.table.ByID(op.Inode)
	fs.table.Unlock()

	if in == nil {
		return fuse.ENOENT
	}
	if in.Key().Kind != inode.KindOther {
		op.BytesRead = 0
		return nil
	}

	n, listErr := fs.gw.Listxattr(in.Key().Path, op.Dst)
	if listErr != nil {
		if listErr == unix.ERANGE {
			return listErr
		}
		return fmt.Errorf("listxattr: %w", listErr)
	}

	op.BytesRead = n
	return nil
}

////////////////////////////////////////////////////////////////////////
// FileSystem interface: unsupported mutating operations
////////////////////////////////////////////////////////////////////////

// Every operation below that would mutate the container's root
// filesystem returns EROFS; envfs never allows that, regardless of
// view. Destroy, StatFS, SyncFile, FlushFile and SyncFS are no-ops that
// succeed. They are
// declared explicitly, rather than via an embedded default
// implementation, so that adding a new method to the interface is a
// compile error here rather than a silent ENOSYS.

func (fs *envFS) Destroy() {}

func (fs *envFS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	return nil
}

func (fs *envFS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	return fuse.EROFS
}

func (fs *envFS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	return fuse.EROFS
}

func (fs *envFS) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	return fuse.EROFS
}

func (fs *envFS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	return fuse.EROFS
}

func (fs *envFS) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	return fuse.EROFS
}

func (fs *envFS) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	return fuse.EROFS
}

func (fs *envFS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	return fuse.EROFS
}

func (fs *envFS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	return fuse.EROFS
}

func (fs *envFS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	return fuse.EROFS
}

func (fs *envFS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	return fuse.EROFS
}

func (fs *envFS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil
}

func (fs *envFS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *envFS) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	return fuse.EROFS
}

func (fs *envFS) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	return fuse.EROFS
}

func (fs *envFS) Fallocate(ctx context.Context, op *fuseops.FallocateOp) error {
	return fuse.EROFS
}

func (fs *envFS) SyncFS(ctx context.Context, op *fuseops.SyncFSOp) error {
	return nil
}
