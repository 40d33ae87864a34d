// Copyright 2016 Mender Software AS
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
package inventory

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/mender-lifecycle/app"
)

func attr(attrs []app.InventoryAttribute, name string) (app.InventoryAttribute, bool) {
	for _, a := range attrs {
		if a.Name == name {
			return a, true
		}
	}
	return app.InventoryAttribute{}, false
}

func TestDataDecoderAppendSingleValue(t *testing.T) {
	dec := newDataDecoder()
	dec.appendFromRaw(map[string][]string{"foo": {"bar"}})

	a, ok := attr(dec.attributes(), "foo")
	require.True(t, ok)
	assert.Equal(t, "bar", a.Value)
}

func TestDataDecoderAppendMultiValue(t *testing.T) {
	dec := newDataDecoder()
	dec.appendFromRaw(map[string][]string{"foo": {"bar", "baz"}})

	a, ok := attr(dec.attributes(), "foo")
	require.True(t, ok)
	assert.Equal(t, []string{"bar", "baz"}, a.Value)
}

func TestDataDecoderMergesAcrossTools(t *testing.T) {
	dec := newDataDecoder()
	dec.appendFromRaw(map[string][]string{"foo": {"bar"}})
	dec.appendFromRaw(map[string][]string{"foo": {"baz"}})

	a, ok := attr(dec.attributes(), "foo")
	require.True(t, ok)
	assert.Equal(t, []string{"bar", "baz"}, a.Value)
}

func writeScript(t *testing.T, dir, name, body string) {
	path := filepath.Join(dir, name)
	require.NoError(t, ioutil.WriteFile(path, []byte(body), 0755))
}

func TestCollectRunsExecutableToolsOnly(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "mender-inventory-network", "#!/bin/sh\necho ip_addr=1.2.3.4\n")
	writeScript(t, dir, "mender-inventory-disabled", "#!/bin/sh\necho should_not=run\n")
	require.NoError(t, os.Chmod(filepath.Join(dir, "mender-inventory-disabled"), 0644))
	writeScript(t, dir, "not-an-inventory-tool", "#!/bin/sh\necho other=stuff\n")

	c := NewCollector(dir)
	attrs, err := c.Collect()
	require.NoError(t, err)

	a, ok := attr(attrs, "ip_addr")
	require.True(t, ok)
	assert.Equal(t, "1.2.3.4", a.Value)

	_, ok = attr(attrs, "should_not")
	assert.False(t, ok)
	_, ok = attr(attrs, "other")
	assert.False(t, ok)
}

func TestCollectEmptyDirectory(t *testing.T) {
	c := NewCollector(t.TempDir())
	attrs, err := c.Collect()
	require.NoError(t, err)
	assert.Empty(t, attrs)
}
