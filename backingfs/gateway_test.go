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
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

type GatewayTest struct {
	suite.Suite
	root string
	gw   *Gateway
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewayTest))
}

func (t *GatewayTest) SetupTest() {
	t.root = t.T().TempDir()

	require.NoError(t.T(), os.WriteFile(filepath.Join(t.root, "hello.txt"), []byte("hello, world"), 0644))
	require.NoError(t.T(), os.Mkdir(filepath.Join(t.root, "sub"), 0755))
	require.NoError(t.T(), os.Symlink("hello.txt", filepath.Join(t.root, "link")))

	gw, err := Open(t.root)
	require.NoError(t.T(), err)
	t.gw = gw
}

func (t *GatewayTest) TearDownTest() {
	assert.NoError(t.T(), t.gw.Close())
}

func (t *GatewayTest) TestStatRegularFile() {
	st, err := t.gw.Stat("hello.txt")

	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(unix.S_IFREG), st.Mode&unix.S_IFMT)
	assert.EqualValues(t.T(), len("hello, world"), st.Size)
}

func (t *GatewayTest) TestStatDirectory() {
	st, err := t.gw.Stat("sub")

	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(unix.S_IFDIR), st.Mode&unix.S_IFMT)
}

func (t *GatewayTest) TestStatRootItself() {
	st, err := t.gw.Stat("")

	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(unix.S_IFDIR), st.Mode&unix.S_IFMT)
}

func (t *GatewayTest) TestStatDoesNotFollowSymlink() {
	st, err := t.gw.Stat("link")

	require.NoError(t.T(), err)
	assert.Equal(t.T(), uint32(unix.S_IFLNK), st.Mode&unix.S_IFMT)
}

func (t *GatewayTest) TestStatMissingPathReturnsENOENT() {
	_, err := t.gw.Stat("does-not-exist")

	assert.ErrorIs(t.T(), err, unix.ENOENT)
}

func (t *GatewayTest) TestReadlink() {
	target, err := t.gw.Readlink("link")

	require.NoError(t.T(), err)
	assert.Equal(t.T(), "hello.txt", target)
}

func (t *GatewayTest) TestReadlinkOnNonSymlinkFails() {
	_, err := t.gw.Readlink("hello.txt")

	assert.Error(t.T(), err)
}

func (t *GatewayTest) TestOpenFileReadsBackingContent() {
	f, err := t.gw.OpenFile("hello.txt")
	require.NoError(t.T(), err)
	defer f.Close()

	data, err := io.ReadAll(f)
	require.NoError(t.T(), err)
	assert.Equal(t.T(), "hello, world", string(data))
}

func (t *GatewayTest) TestOpenFileOnMissingPathFails() {
	_, err := t.gw.OpenFile("does-not-exist")

	assert.Error(t.T(), err)
}

func (t *GatewayTest) TestOpenFileDoesNotFollowSymlinkToEscapePath() {
	// "link" resolves to a regular file, but OpenFile must resolve it via
	// its own O_NOFOLLOW O_PATH open rather than the kernel silently
	// chasing the symlink on a bare openat.
	_, err := t.gw.OpenFile("link")

	assert.Error(t.T(), err)
}

func (t *GatewayTest) TestGetxattrRoundTrips() {
	require.NoError(t.T(), unix.Setxattr(filepath.Join(t.root, "hello.txt"), "user.envfs.test", []byte("value"), 0))

	dest := make([]byte, 64)
	n, err := t.gw.Getxattr("hello.txt", "user.envfs.test", dest)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), "value", string(dest[:n]))
}

func (t *GatewayTest) TestGetxattrMissingAttributeFails() {
	dest := make([]byte, 64)
	_, err := t.gw.Getxattr("hello.txt", "user.envfs.nope", dest)

	assert.Error(t.T(), err)
}

func (t *GatewayTest) TestGetxattrDestTooSmallReturnsERANGE() {
	require.NoError(t.T(), unix.Setxattr(filepath.Join(t.root, "hello.txt"), "user.envfs.test", []byte("a longer value than dest"), 0))

	dest := make([]byte, 1)
	_, err := t.gw.Getxattr("hello.txt", "user.envfs.test", dest)

	assert.ErrorIs(t.T(), err, unix.ERANGE)
}

func (t *GatewayTest) TestListxattrIncludesSetAttribute() {
	require.NoError(t.T(), unix.Setxattr(filepath.Join(t.root, "hello.txt"), "user.envfs.test", []byte("value"), 0))

	dest := make([]byte, 4096)
	n, err := t.gw.Listxattr("hello.txt", dest)

	require.NoError(t.T(), err)
	assert.Contains(t.T(), string(dest[:n]), "user.envfs.test")
}

func (t *GatewayTest) TestListxattrOnAttributelessFileIsEmpty() {
	dest := make([]byte, 4096)
	n, err := t.gw.Listxattr("sub", dest)

	require.NoError(t.T(), err)
	assert.Equal(t.T(), 0, n)
}
