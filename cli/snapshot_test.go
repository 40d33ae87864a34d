// Copyright 2023 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.
package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// copyRootfs always takes the non-terminal utils.ProgressWriter fallback
// path under `go test` (stderr isn't a tty there), which is exactly what
// exercises the utils.LimitedWriter wiring this test cares about.
func TestCopyRootfsCapsOutputAtFsSize(t *testing.T) {
	src := bytes.NewBufferString("0123456789")
	var dstBuf bytes.Buffer

	err := copyRootfs(&dstBuf, src, 5, "snapshot")
	assert.Error(t, err)
	assert.Equal(t, "01234", dstBuf.String())
}

func TestCopyRootfsCopiesEverythingWithinLimit(t *testing.T) {
	src := bytes.NewBufferString("hello")
	var dstBuf bytes.Buffer

	require.NoError(t, copyRootfs(&dstBuf, src, 1024, "snapshot"))
	assert.Equal(t, "hello", dstBuf.String())
}
