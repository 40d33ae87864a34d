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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupCLIUnknownCommand(t *testing.T) {
	err := SetupCLI([]string{"mender-update", "not-a-command"})
	assert.Error(t, err)
}

func TestSetupCLIInstallRequiresOneArg(t *testing.T) {
	err := SetupCLI([]string{"mender-update", "install"})
	assert.Error(t, err)

	err = SetupCLI([]string{"mender-update", "install", "a.mender", "b.mender"})
	assert.Error(t, err)
}

func TestSetupCLIInvalidLogLevel(t *testing.T) {
	err := SetupCLI([]string{"mender-update", "--log-level", "not-a-level", "show-artifact"})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "level")
}

func TestRunShowArtifactMissingManifestFails(t *testing.T) {
	tdir, err := ioutil.TempDir("", "cli-show-artifact")
	require.NoError(t, err)
	defer os.RemoveAll(tdir)

	runOpts := defaultRunOptions()
	runOpts.config = filepath.Join(tdir, "mender.conf")
	runOpts.fallbackConfig = filepath.Join(tdir, "mender.conf.fallback")

	err = runShowArtifact(runOpts)
	assert.Error(t, err)
}

func TestRunCommitWithoutStandaloneInstallFails(t *testing.T) {
	tdir, err := ioutil.TempDir("", "cli-commit")
	require.NoError(t, err)
	defer os.RemoveAll(tdir)

	runOpts := defaultRunOptions()
	runOpts.dataStore = tdir
	runOpts.config = filepath.Join(tdir, "mender.conf")
	runOpts.fallbackConfig = filepath.Join(tdir, "mender.conf.fallback")

	err = runCommit(runOpts)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no standalone installation in progress")
}

func TestParseMainPID(t *testing.T) {
	pid, err := parseMainPID("MainPID=123\n")
	require.NoError(t, err)
	assert.Equal(t, "123", pid)

	_, err = parseMainPID("MainPID=0\n")
	assert.Error(t, err)

	_, err = parseMainPID("garbage")
	assert.Error(t, err)
}
