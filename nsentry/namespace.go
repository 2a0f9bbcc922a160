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

// Package nsentry implements the one-way transition the daemon makes
// from its own namespace into the target container's user namespace,
// via setns(2) on /proc/<pid>/ns/user. The transition cannot be
// reversed within the process, so it is modeled as a SETUP -> SERVING
// latch rather than anything resembling a reentrant lock.
package nsentry

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type state int

const (
	setup state = iota
	serving
)

// Latch guards the daemon's one-way transition out of its own
// namespace and into a container's. Enter must be called exactly
// once, after the FUSE session and mount are fully set up from the
// host's namespace.
type Latch struct {
	mu    sync.Mutex
	state state
}

// Enter opens pidNsUserPath (conventionally "/proc/<pid>/ns/user") and
// calls setns(2) to join that user namespace. It may be called only
// once per process; a second call returns an error rather than
// silently no-op'ing, since re-entering a namespace after already
// having switched is never the caller's intent.
func (l *Latch) Enter(pidNsUserPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == serving {
		return fmt.Errorf("nsentry: Enter called twice")
	}

	fd, err := unix.Open(pidNsUserPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", pidNsUserPath, err)
	}
	defer unix.Close(fd)

	if err := unix.Setns(fd, unix.CLONE_NEWUSER); err != nil {
		return fmt.Errorf("setns %s: %w", pidNsUserPath, err)
	}

	l.state = serving
	return nil
}
