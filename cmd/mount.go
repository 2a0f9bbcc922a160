// Copyright 2024 Google Inc. All Rights Reserved.
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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/owtaylor/envfs/backingfs"
	"github.com/owtaylor/envfs/execview"
	"github.com/owtaylor/envfs/fs"
	"github.com/owtaylor/envfs/internal/logger"
	"github.com/owtaylor/envfs/internal/metrics"
	"github.com/owtaylor/envfs/nsentry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// mountArgs bundles the three positional arguments envfs takes, plus the
// ambient flags that don't vary per-mount.
type mountArgs struct {
	ContainerPID int
	MountPoint   string
	StubRunner   string
	MetricsAddr  string
}

// runMount opens the target container's root filesystem, mounts the
// envfs projection over MountPoint, enters the container's user
// namespace, and blocks until the mount is unmounted (normally via
// SIGINT or a manual `fusermount -u`).
func runMount(a mountArgs) error {
	stub, err := loadStub(a.StubRunner)
	if err != nil {
		return err
	}

	containerRoot := fmt.Sprintf("/proc/%d/root", a.ContainerPID)
	gw, err := backingfs.Open(containerRoot)
	if err != nil {
		return fmt.Errorf("opening container root: %w", err)
	}
	defer gw.Close()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}
	serveMetrics(a.MetricsAddr)

	server := fs.NewServer(fs.ServerConfig{
		Gateway: gw,
		Stub:    stub,
		Clock:   timeutil.RealClock(),
	})

	logger.Infof("mounting envfs at %s for container pid %d", a.MountPoint, a.ContainerPID)
	mfs, err := fuse.Mount(a.MountPoint, server, &fuse.MountConfig{
		FSName:     "envfs",
		Subtype:    "envfs",
		VolumeName: "envfs",
		// "ro" is belt-and-suspenders: every mutating FileSystem method
		// already returns EROFS, but asking the kernel to enforce it too
		// means a bug in that enforcement fails closed, not open.
		Options: map[string]string{"ro": ""},
	})
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	// The daemon enters the container's user namespace only once the
	// mount and FUSE session are fully established, so the container
	// root descriptor and the mount are both set up from the host's
	// namespace.
	nsUserPath := fmt.Sprintf("/proc/%d/ns/user", a.ContainerPID)
	var latch nsentry.Latch
	if err := latch.Enter(nsUserPath); err != nil {
		return fmt.Errorf("entering container namespace: %w", err)
	}

	registerSIGINTHandler(mfs.Dir())

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("serving: %w", err)
	}

	return nil
}

// serveMetrics starts the debug HTTP endpoint exposing /metrics in the
// background, if addr is non-empty. It never blocks startup on the
// listener, and a failure here is logged rather than fatal: metrics are
// ambient observability, not something a mount should fail over.
func serveMetrics(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		logger.Infof("serving metrics at http://%s/metrics", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Errorf("metrics server exited: %v", err)
		}
	}()
}

// loadStub lstats the stub runner binary once at startup so its
// attributes (size, mode) are available to splice into every
// executable regular file envfs substitutes in the exe view. It does
// not follow a trailing symlink, consistent with every other stat in
// this codebase never following one on the caller's behalf.
func loadStub(path string) (execview.Stub, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return execview.Stub{}, fmt.Errorf("lstat stub runner %s: %w", path, err)
	}
	return execview.Stub{Path: path, Stat: st}, nil
}

// registerSIGINTHandler unmounts mountPoint in response to Ctrl-C,
// mirroring the usual way a FUSE daemon lets its user tear it down
// without having to remember the fusermount incantation.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for range signalChan {
			logger.Infof("received SIGINT, attempting to unmount %s", mountPoint)

			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("failed to unmount in response to SIGINT: %v", err)
				continue
			}

			logger.Infof("successfully unmounted %s", mountPoint)
			return
		}
	}()
}
