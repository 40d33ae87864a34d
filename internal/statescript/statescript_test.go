// Copyright 2022 Northern.tech AS
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

package statescript

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
}

func TestStoreClearCreatesEmptyDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scripts")
	s := NewStore(dir)
	require.NoError(t, s.Clear())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStoreStoreScriptRejectsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	require.NoError(t, s.StoreScript(bytes.NewBufferString("#!/bin/sh\n"), "ArtifactInstall_Enter_05"))
	err := s.StoreScript(bytes.NewBufferString("#!/bin/sh\n"), "ArtifactInstall_Enter_05")
	assert.Error(t, err)
}

func TestStoreFinalizeWritesVersion(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	require.NoError(t, s.Finalize(3))

	ver, err := readVersion(filepath.Join(dir, "version"))
	require.NoError(t, err)
	assert.Equal(t, 3, ver)
}

func TestStoreFinalizeNoopOnEmptyLocation(t *testing.T) {
	s := NewStore("")
	assert.NoError(t, s.Finalize(3))
}

func TestCheckArtifactScriptsVersionDefaultsToThreeWhenMissing(t *testing.T) {
	l := Launcher{
		ArtScriptsPath:          t.TempDir(),
		SupportedScriptVersions: []int{2, 3},
	}
	assert.NoError(t, l.CheckArtifactScriptsVersion())
}

func TestCheckArtifactScriptsVersionRejectsUnsupported(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "version"), []byte("7"), 0644))

	l := Launcher{
		ArtScriptsPath:          dir,
		SupportedScriptVersions: []int{2, 3},
	}
	assert.Error(t, l.CheckArtifactScriptsVersion())
}

func TestExecuteAllRunsOnlyMatchingScripts(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "ArtifactInstall_Enter_05", "#!/bin/sh\nexit 0\n")
	writeScript(t, dir, "ArtifactInstall_Enter_10_extra", "#!/bin/sh\nexit 0\n")
	writeScript(t, dir, "ArtifactInstall_Enter_100", "#!/bin/sh\nexit 1\n")
	writeScript(t, dir, "ArtifactInstall_Leave_05", "#!/bin/sh\nexit 1\n")

	l := Launcher{ArtScriptsPath: dir, SupportedScriptVersions: []int{3}}
	err := l.ExecuteAll("ArtifactInstall", "Enter", Fail)
	assert.NoError(t, err)
}

func TestExecuteAllSkipsNonArtifactVersionCheck(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "Idle_Enter_05", "#!/bin/sh\nexit 0\n")

	l := Launcher{RootfsScriptsPath: dir}
	assert.NoError(t, l.ExecuteAll("Idle", "Enter", Fail))
}

func TestExecuteAllFailPolicyStopsAtFirstError(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "Idle_Enter_01", "#!/bin/sh\nexit 1\n")
	writeScript(t, dir, "Idle_Enter_02", "#!/bin/sh\ntouch "+filepath.Join(dir, "ran")+"\nexit 0\n")

	l := Launcher{RootfsScriptsPath: dir}
	err := l.ExecuteAll("Idle", "Enter", Fail)
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "ran"))
	assert.True(t, os.IsNotExist(statErr), "second script must not run once the first one failed")
}

func TestExecuteAllIgnorePolicyRunsEveryScript(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "Idle_Enter_01", "#!/bin/sh\nexit 1\n")
	writeScript(t, dir, "Idle_Enter_02", "#!/bin/sh\ntouch "+filepath.Join(dir, "ran")+"\nexit 0\n")

	l := Launcher{RootfsScriptsPath: dir}
	err := l.ExecuteAll("Idle", "Enter", Ignore)
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "ran"))
	assert.NoError(t, statErr, "ignore policy must still run every matching script")
}

func TestExecuteAllErrorActionForcesIgnore(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "Idle_Error_01", "#!/bin/sh\nexit 1\n")
	writeScript(t, dir, "Idle_Error_02", "#!/bin/sh\ntouch "+filepath.Join(dir, "ran")+"\nexit 0\n")

	l := Launcher{RootfsScriptsPath: dir}
	err := l.ExecuteAll("Idle", "Error", Fail)
	assert.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "ran"))
	assert.NoError(t, statErr, "Error action must behave as Ignore regardless of the requested policy")
}

func TestExecuteAllRetryExitCodeShortCircuits(t *testing.T) {
	dir := t.TempDir()
	writeScript(t, dir, "Idle_Enter_01", "#!/bin/sh\nexit 21\n")
	writeScript(t, dir, "Idle_Enter_02", "#!/bin/sh\ntouch "+filepath.Join(dir, "ran")+"\nexit 0\n")

	l := Launcher{RootfsScriptsPath: dir}
	err := l.ExecuteAll("Idle", "Enter", Ignore)
	require.Error(t, err)
	_, ok := err.(*RetryExitCodeError)
	assert.True(t, ok, "expected a RetryExitCodeError, got %T: %v", err, err)

	_, statErr := os.Stat(filepath.Join(dir, "ran"))
	assert.True(t, os.IsNotExist(statErr), "a retry must short-circuit even under Ignore")
}

func TestExecuteAllMissingDirectoryIsNotAnError(t *testing.T) {
	l := Launcher{RootfsScriptsPath: filepath.Join(t.TempDir(), "missing")}
	assert.NoError(t, l.ExecuteAll("Idle", "Enter", Fail))
}

func TestExecuteAllRejectsNonExecutableScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Idle_Enter_01")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0644))

	l := Launcher{RootfsScriptsPath: dir}
	assert.Error(t, l.ExecuteAll("Idle", "Enter", Fail))
}
