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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type RootCmdTest struct {
	suite.Suite
}

func TestRootCmdSuite(t *testing.T) {
	suite.Run(t, new(RootCmdTest))
}

func (t *RootCmdTest) TestAcceptsPlainDecimalPID() {
	pid, err := parseContainerPID("1234")
	assert.NoError(t.T(), err)
	assert.Equal(t.T(), 1234, pid)
}

func (t *RootCmdTest) TestRejectsNonNumericPID() {
	_, err := parseContainerPID("1234abc")
	assert.Error(t.T(), err)
}

func (t *RootCmdTest) TestRejectsNegativePID() {
	_, err := parseContainerPID("-1")
	assert.Error(t.T(), err)
}

func (t *RootCmdTest) TestRejectsEmptyPID() {
	_, err := parseContainerPID("")
	assert.Error(t.T(), err)
}

func (t *RootCmdTest) TestRejectsWhitespace() {
	_, err := parseContainerPID(" 1234")
	assert.Error(t.T(), err)
}
