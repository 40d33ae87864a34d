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
package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/mender-lifecycle/datastore"
	"github.com/mendersoftware/mender-lifecycle/internal/artifact"
	"github.com/mendersoftware/mender-lifecycle/internal/kvstore"
	"github.com/mendersoftware/mender-lifecycle/internal/module"
)

func TestSubmitInventoryStateSkipsPushWhenUnchanged(t *testing.T) {
	ctx, _, inventory := newTestContext(t)
	ctx.InventoryAttributes = func() ([]InventoryAttribute, error) {
		return []InventoryAttribute{{Name: "cpu", Value: "arm"}}, nil
	}

	s := &submitInventoryState{}
	info := &datastore.UpdateInfo{}

	assert.Equal(t, Success, s.Handle(ctx, info))
	assert.Equal(t, Success, s.Handle(ctx, info))
	assert.Len(t, inventory.pushed, 1, "second call should skip the push since the hash hasn't changed")
}

func TestSubmitInventoryStatePropagatesCollectorError(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	ctx.InventoryAttributes = func() ([]InventoryAttribute, error) {
		return nil, assert.AnError
	}

	s := &submitInventoryState{}
	assert.Equal(t, Failure, s.Handle(ctx, &datastore.UpdateInfo{}))
}

func TestPollForDeploymentStateNothingToDo(t *testing.T) {
	ctx, client, _ := newTestContext(t)
	client.response = nil

	s := &pollForDeploymentState{}
	assert.Equal(t, NothingToDo, s.Handle(ctx, &datastore.UpdateInfo{}))
}

func TestPollForDeploymentStatePopulatesInfoAndStartsLogging(t *testing.T) {
	ctx, client, _ := newTestContext(t)
	client.response = &DeploymentResponse{
		ID:                "dep-42",
		ArtifactName:      "release-2",
		ArtifactGroup:     "group-a",
		CompatibleDevices: []string{"test-device"},
		PayloadTypes:      []string{"rootfs-image"},
		URI:               "https://example.test/payload",
	}
	logger := &fakeDeploymentLogger{}
	ctx.Logger = logger

	s := &pollForDeploymentState{}
	info := &datastore.UpdateInfo{}
	assert.Equal(t, Success, s.Handle(ctx, info))

	assert.Equal(t, "dep-42", info.ID)
	assert.Equal(t, "release-2", info.Artifact.ArtifactName)
	assert.Equal(t, "group-a", info.Artifact.ArtifactGroup)
	assert.Equal(t, "https://example.test/payload", info.Artifact.Source.URI)
	assert.Equal(t, []string{"dep-42"}, logger.began)
}

func TestPollForDeploymentStatePropagatesClientError(t *testing.T) {
	ctx, client, _ := newTestContext(t)
	client.pollErr = assert.AnError

	s := &pollForDeploymentState{}
	assert.Equal(t, Failure, s.Handle(ctx, &datastore.UpdateInfo{}))
}

func TestUpdateCheckRollbackState(t *testing.T) {
	s := &updateCheckRollbackState{}

	supported := &datastore.UpdateInfo{SupportsRollback: datastore.RollbackSupported}
	assert.Equal(t, Success, s.Handle(nil, supported))

	notSupported := &datastore.UpdateInfo{SupportsRollback: datastore.RollbackNotSupported}
	assert.Equal(t, NothingToDo, s.Handle(nil, notSupported))
}

func TestUpdateFailureStateWithoutDriverChecksRollbackSupport(t *testing.T) {
	ctx, _, _ := newTestContext(t)
	s := &updateFailureState{}

	info := &datastore.UpdateInfo{SupportsRollback: datastore.RollbackSupported}
	assert.Equal(t, Success, s.Handle(ctx, info))

	info = &datastore.UpdateInfo{SupportsRollback: datastore.RollbackNotSupported}
	assert.Equal(t, Failure, s.Handle(ctx, info))
}

func TestUpdateCleanupStateClearsStateDataAndReportsStatus(t *testing.T) {
	ctx, client, _ := newTestContext(t)
	logger := &fakeDeploymentLogger{}
	ctx.Logger = logger

	require.NoError(t, datastore.SaveDeploymentStateData(ctx.DB, datastore.StateData{
		Version: datastore.StateDataVersion,
		Name:    datastore.MenderStateUpdateCleanup,
		UpdateInfo: datastore.UpdateInfo{
			ID: "dep-1",
		},
	}))

	s := &updateCleanupState{}
	info := &datastore.UpdateInfo{ID: "dep-1", SupportsRollback: datastore.RollbackNotSupported}
	assert.Equal(t, Success, s.Handle(ctx, info))

	assert.Equal(t, []string{"dep-1"}, client.logsPushed)
	assert.Equal(t, []string{statusSuccess}, client.statuses)
	assert.Equal(t, 1, logger.finishCalls)

	_, err := ctx.DB.Read(datastore.StateDataKey)
	assert.True(t, kvstore.IsKeyError(err))
}

func TestUpdateCleanupStateReportsFailureOnUnsuccessfulRollback(t *testing.T) {
	ctx, client, _ := newTestContext(t)

	s := &updateCleanupState{}
	info := &datastore.UpdateInfo{
		ID:                     "dep-2",
		SupportsRollback:       datastore.RollbackSupported,
		AllRollbacksSuccessful: false,
	}
	assert.Equal(t, Success, s.Handle(ctx, info))
	assert.Equal(t, []string{statusFailure}, client.statuses)
}

func TestCheckCompatibleMatchesDeviceType(t *testing.T) {
	a := &artifact.Artifact{HeaderInfo: &artifact.HeaderInfo{}}
	a.HeaderInfo.ArtifactDepends.DeviceType = []string{"qemux86-64", "test-device"}

	assert.NoError(t, checkCompatible(a, "test-device"))
	assert.Error(t, checkCompatible(a, "raspberrypi"))
}

func TestCheckDependsRequiresMatchingProvides(t *testing.T) {
	a := &artifact.Artifact{HeaderInfo: &artifact.HeaderInfo{}}
	a.HeaderInfo.ArtifactDepends.ArtifactName = []string{"release-1"}
	a.HeaderInfo.ArtifactDepends.ArtifactGroup = []string{"group-a"}

	assert.NoError(t, checkDepends(a, map[string]string{
		"artifact_name":  "release-1",
		"artifact_group": "group-a",
	}))
	assert.Error(t, checkDepends(a, map[string]string{"artifact_name": "release-0"}))
}

func TestCheckDependsEmptyListMeansNoConstraint(t *testing.T) {
	a := &artifact.Artifact{HeaderInfo: &artifact.HeaderInfo{}}
	assert.NoError(t, checkDepends(a, map[string]string{}))
}

func TestRebootTypeFor(t *testing.T) {
	assert.Equal(t, datastore.RebootTypeCustom, rebootTypeFor(module.RebootCustom))
	assert.Equal(t, datastore.RebootTypeAutomatic, rebootTypeFor(module.RebootAutomatic))
	assert.Equal(t, datastore.RebootTypeNone, rebootTypeFor(module.RebootNone))
}

func TestContainsString(t *testing.T) {
	assert.True(t, containsString([]string{"a", "b"}, "b"))
	assert.False(t, containsString([]string{"a", "b"}, "c"))
	assert.False(t, containsString(nil, "c"))
}

func TestHashInventoryStableForEqualAttributes(t *testing.T) {
	a := []InventoryAttribute{{Name: "cpu", Value: "arm"}}
	b := []InventoryAttribute{{Name: "cpu", Value: "arm"}}

	hashA, err := hashInventory(a)
	require.NoError(t, err)
	hashB, err := hashInventory(b)
	require.NoError(t, err)
	assert.Equal(t, hashA, hashB)

	hashC, err := hashInventory([]InventoryAttribute{{Name: "cpu", Value: "x86"}})
	require.NoError(t, err)
	assert.NotEqual(t, hashA, hashC)
}

type fakeDeploymentLogger struct {
	began       []string
	finishCalls int
	path        string
}

func (f *fakeDeploymentLogger) BeginLogging(deploymentID string) error {
	f.began = append(f.began, deploymentID)
	return nil
}

func (f *fakeDeploymentLogger) LogPath() string { return f.path }

func (f *fakeDeploymentLogger) Finish() error {
	f.finishCalls++
	return nil
}
