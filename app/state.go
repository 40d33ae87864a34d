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
package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-lifecycle/datastore"
	"github.com/mendersoftware/mender-lifecycle/internal/artifact"
	"github.com/mendersoftware/mender-lifecycle/internal/kvstore"
	"github.com/mendersoftware/mender-lifecycle/internal/module"
	"github.com/mendersoftware/mender-lifecycle/internal/statescript"
)

// Status strings pushed to the deployment API (spec §4.G); kept as untyped
// string literals here, rather than imported from client, so this package
// doesn't need to depend on the concrete HTTP client.
const (
	statusDownloading = "downloading"
	statusInstalling  = "installing"
	statusRebooting   = "rebooting"
	statusSuccess     = "success"
	statusFailure     = "failure"
)

func (ctx *Context) reportStatus(info *datastore.UpdateInfo, status string) {
	if ctx.Client == nil || info.ID == "" {
		return
	}
	if err := ctx.Client.PushStatus(info.ID, status, ""); err != nil {
		log.Errorf("app: failed to report status %q for deployment %q: %s", status, info.ID, err)
	}
}

// runScripts wraps a side-effecting action with the Enter/Leave/Error hooks
// bound to state, per spec §4.C: Enter failure aborts before the action
// runs at all; the action's own error routes to the Error hook (always
// Ignore) instead of Leave.
func (ctx *Context) runScripts(state string, action func() error) error {
	if err := ctx.Scripts.ExecuteAll(state, "Enter", statescript.Fail); err != nil {
		return errors.Wrapf(err, "app: %s_Enter scripts failed", state)
	}

	actionErr := action()
	if actionErr != nil {
		if err := ctx.Scripts.ExecuteAll(state, "Error", statescript.Ignore); err != nil {
			log.Errorf("app: %s_Error scripts failed: %s", state, err)
		}
		return actionErr
	}

	if err := ctx.Scripts.ExecuteAll(state, "Leave", statescript.Fail); err != nil {
		return errors.Wrapf(err, "app: %s_Leave scripts failed", state)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////
// SubmitInventory
////////////////////////////////////////////////////////////////////////////

type submitInventoryState struct{ baseState }

func (s *submitInventoryState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	var attrs []InventoryAttribute
	if ctx.InventoryAttributes != nil {
		var err error
		attrs, err = ctx.InventoryAttributes()
		if err != nil {
			log.Errorf("app: failed to collect inventory: %s", err)
			return Failure
		}
	}

	hash, err := hashInventory(attrs)
	if err != nil {
		log.Errorf("app: failed to hash inventory: %s", err)
		return Failure
	}
	if hash == ctx.lastInventoryHash {
		log.Debug("app: inventory unchanged since last submission, skipping push")
		return Success
	}

	if ctx.Inventory == nil {
		return Success
	}
	if err := ctx.Inventory.PushInventory(attrs); err != nil {
		log.Errorf("app: failed to push inventory: %s", err)
		return Failure
	}
	ctx.lastInventoryHash = hash
	return Success
}

func hashInventory(attrs []InventoryAttribute) (string, error) {
	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", raw), nil
}

////////////////////////////////////////////////////////////////////////////
// PollForDeployment
////////////////////////////////////////////////////////////////////////////

type pollForDeploymentState struct{ baseState }

func (s *pollForDeploymentState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	provides, err := currentProvides(ctx.DB)
	if err != nil {
		log.Errorf("app: failed to load current provides: %s", err)
		return Failure
	}

	resp, err := ctx.Client.CheckNewDeployments(provides, ctx.DeviceType)
	if err != nil {
		log.Errorf("app: failed to poll for deployment: %s", err)
		return Failure
	}
	if resp == nil {
		return NothingToDo
	}

	info.ID = resp.ID
	info.Artifact.ArtifactName = resp.ArtifactName
	info.Artifact.ArtifactGroup = resp.ArtifactGroup
	info.Artifact.CompatibleDevices = resp.CompatibleDevices
	info.Artifact.PayloadTypes = resp.PayloadTypes
	info.Artifact.Source.URI = resp.URI

	if ctx.Logger != nil {
		if err := ctx.Logger.BeginLogging(resp.ID); err != nil {
			log.Errorf("app: failed to start deployment log for %q: %s", resp.ID, err)
		}
	}
	return Success
}

func currentProvides(db kvstore.Database) (map[string]string, error) {
	raw, err := datastore.LoadProvidesFromStore(db)
	if err != nil {
		return nil, err
	}
	provides := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			provides[k] = s
		}
	}
	return provides, nil
}

////////////////////////////////////////////////////////////////////////////
// UpdateDownload
////////////////////////////////////////////////////////////////////////////

type updateDownloadState struct{ baseState }

func (s *updateDownloadState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	if err := ctx.runScripts("Download", func() error {
		return ctx.download(info)
	}); err != nil {
		log.Errorf("app: update download failed: %s", err)
		ctx.reportStatus(info, statusFailure)
		return Failure
	}
	return Success
}

// download opens the artifact, verifies device/provides compatibility,
// stages the single payload's files to ModuleWorkDir/tmp (spec §4.D) and
// hands them to a freshly prepared module.Driver.
func (ctx *Context) download(info *datastore.UpdateInfo) error {
	ctx.reportStatus(info, statusDownloading)

	body, err := ctx.Client.OpenPayload(info.URI())
	if err != nil {
		return errors.Wrap(err, "failed to open artifact payload")
	}
	defer body.Close()

	cfg := ctx.ArtifactConfig
	cfg.ScriptsDir = ctx.ArtifactsDir
	a, err := artifact.Parse(body, cfg)
	if err != nil {
		return errors.Wrap(err, "failed to parse artifact")
	}

	if err := checkCompatible(a, ctx.DeviceType); err != nil {
		return err
	}
	provides, err := currentProvides(ctx.DB)
	if err != nil {
		return err
	}
	if err := checkDepends(a, provides); err != nil {
		return err
	}

	payload, err := a.Next()
	if err != nil {
		return errors.Wrap(err, "failed to open artifact payload section")
	}

	files, err := stagePayload(payload, ctx.ModuleWorkDir)
	if err != nil {
		return errors.Wrap(err, "failed to stage payload files")
	}

	headerInfoJSON, err := json.Marshal(a.HeaderInfo)
	if err != nil {
		return errors.Wrap(err, "failed to re-marshal header-info")
	}
	typeInfoJSON, err := json.Marshal(a.TypeInfo)
	if err != nil {
		return errors.Wrap(err, "failed to re-marshal type-info")
	}

	currentName, _ := ctx.DB.Read(datastore.ArtifactNameKey)
	currentGroup, _ := ctx.DB.Read(datastore.ArtifactGroupKey)

	driver := module.NewDriver(ctx.ModulesDir, ctx.ModuleWorkDir, a.TypeInfo.Type,
		time.Duration(ctx.ModuleTimeout)*time.Second)
	if err := driver.Prepare(module.HeaderInfo{
		CurrentArtifactName:  string(currentName),
		CurrentArtifactGroup: string(currentGroup),
		CurrentDeviceType:    ctx.DeviceType,
		ArtifactName:         a.HeaderInfo.ArtifactProvides["artifact_name"],
		ArtifactGroup:        info.Artifact.ArtifactGroup,
		PayloadType:          a.TypeInfo.Type,
		HeaderInfoJSON:       headerInfoJSON,
		TypeInfoJSON:         typeInfoJSON,
		MetaDataJSON:         a.MetaData,
	}); err != nil {
		return errors.Wrap(err, "failed to prepare module workdir")
	}
	ctx.driver = driver

	info.Artifact.TypeInfoProvides = a.TypeInfo.ArtifactProvides
	info.Artifact.ClearsArtifactProvides = a.TypeInfo.ClearsArtifactProvides

	if err := driver.Download(files); err != nil {
		return errors.Wrap(err, "module download failed")
	}
	return nil
}

// rebootTypeFor translates a module reboot-query answer into the
// StateData-persisted RebootType.
func rebootTypeFor(r module.RebootAction) datastore.RebootType {
	switch r {
	case module.RebootCustom:
		return datastore.RebootTypeCustom
	case module.RebootAutomatic:
		return datastore.RebootTypeAutomatic
	default:
		return datastore.RebootTypeNone
	}
}

func checkCompatible(a *artifact.Artifact, deviceType string) error {
	for _, d := range a.HeaderInfo.ArtifactDepends.DeviceType {
		if d == deviceType {
			return nil
		}
	}
	return errors.Errorf("artifact is not compatible with device type %q", deviceType)
}

func checkDepends(a *artifact.Artifact, provides map[string]string) error {
	if name := a.HeaderInfo.ArtifactDepends.ArtifactName; len(name) > 0 {
		if !containsString(name, provides["artifact_name"]) {
			return errors.Errorf(
				"artifact depends on artifact_name in %v, device has %q", name, provides["artifact_name"])
		}
	}
	if group := a.HeaderInfo.ArtifactDepends.ArtifactGroup; len(group) > 0 {
		if !containsString(group, provides["artifact_group"]) {
			return errors.Errorf(
				"artifact depends on artifact_group in %v, device has %q", group, provides["artifact_group"])
		}
	}
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// stagePayload copies every file of the artifact's single payload to
// ModuleWorkDir/tmp, so the module.PayloadFile entries it builds can be
// opened by the module driver in any order (streaming negotiation may ask
// for files out of sequence), rather than depending on the artifact's
// one-shot sequential tar stream still being positioned correctly.
func stagePayload(payload *artifact.Payload, workDir string) ([]module.PayloadFile, error) {
	tmpDir := filepath.Join(workDir, "tmp")
	var files []module.PayloadFile

	for {
		hdr, err := payload.NextFile()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != 0 && hdr.Typeflag != '0' {
			continue
		}

		staged := filepath.Join(tmpDir, filepath.Base(hdr.Name))
		out, err := os.OpenFile(staged, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stage %q", hdr.Name)
		}
		_, copyErr := io.Copy(out, payload)
		syncErr := out.Sync()
		closeErr := out.Close()
		if copyErr != nil {
			return nil, errors.Wrapf(copyErr, "failed to stage %q", hdr.Name)
		}
		if syncErr != nil {
			return nil, errors.Wrapf(syncErr, "failed to sync staged file %q", hdr.Name)
		}
		if closeErr != nil {
			return nil, errors.Wrapf(closeErr, "failed to close staged file %q", hdr.Name)
		}

		name, path := filepath.Base(hdr.Name), staged
		files = append(files, module.PayloadFile{
			Name: name,
			Open: func() (io.ReadCloser, error) { return os.Open(path) },
		})
	}
	return files, nil
}

////////////////////////////////////////////////////////////////////////////
// UpdateInstall
////////////////////////////////////////////////////////////////////////////

type updateInstallState struct{ baseState }

func (s *updateInstallState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	ctx.reportStatus(info, statusInstalling)

	err := ctx.runScripts("ArtifactInstall", func() error {
		return ctx.driver.InstallUpdate()
	})
	if err != nil {
		log.Errorf("app: update install failed: %s", err)
		return Failure
	}

	supports, err := ctx.driver.SupportsRollback()
	if err != nil {
		log.Errorf("app: failed to query rollback support: %s", err)
		return Failure
	}
	rollback := datastore.RollbackNotSupported
	if supports {
		rollback = datastore.RollbackSupported
	}
	if err := info.SupportsRollback.Set(rollback); err != nil {
		log.Errorf("app: %s", err)
		return Failure
	}
	return Success
}

////////////////////////////////////////////////////////////////////////////
// UpdateCheckReboot
////////////////////////////////////////////////////////////////////////////

type updateCheckRebootState struct{ baseState }

func (s *updateCheckRebootState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	action, err := ctx.driver.NeedsReboot()
	if err != nil {
		log.Errorf("app: failed to query reboot need: %s", err)
		return Failure
	}
	if err := info.RebootRequested.Set(0, rebootTypeFor(action)); err != nil {
		log.Errorf("app: %s", err)
		return Failure
	}
	if action == module.RebootNone {
		return NothingToDo
	}
	return Success
}

////////////////////////////////////////////////////////////////////////////
// UpdateReboot
////////////////////////////////////////////////////////////////////////////

type updateRebootState struct{ baseState }

func (s *updateRebootState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	ctx.reportStatus(info, statusRebooting)

	rt, err := info.RebootRequested.Get(0)
	if err != nil {
		log.Errorf("app: %s", err)
		return Failure
	}

	err = ctx.runScripts("Reboot", func() error {
		if rt == datastore.RebootTypeAutomatic && ctx.Rebooter != nil {
			return ctx.Rebooter.Reboot()
		}
		return ctx.driver.Reboot()
	})
	if err != nil {
		log.Errorf("app: reboot failed: %s", err)
		return Failure
	}
	return Success
}

////////////////////////////////////////////////////////////////////////////
// UpdateVerifyReboot
////////////////////////////////////////////////////////////////////////////

type updateVerifyRebootState struct{ baseState }

func (s *updateVerifyRebootState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	if err := ctx.driver.VerifyReboot(); err != nil {
		log.Errorf("app: reboot verification failed: %s", err)
		return Failure
	}
	return Success
}

////////////////////////////////////////////////////////////////////////////
// UpdateCommit
////////////////////////////////////////////////////////////////////////////

type updateCommitState struct{ baseState }

func (s *updateCommitState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	err := ctx.runScripts("ArtifactCommit", func() error {
		return ctx.driver.Commit()
	})
	if err != nil {
		log.Errorf("app: commit failed: %s", err)
		return Failure
	}

	err = datastore.CommitArtifactData(ctx.DB,
		info.Artifact.ArtifactName, info.Artifact.ArtifactGroup,
		info.Artifact.TypeInfoProvides, info.Artifact.ClearsArtifactProvides,
		func(tx kvstore.Transaction) error {
			_ = tx.Remove(datastore.StateDataKeyUncommitted)
			return nil
		})
	if err != nil {
		log.Errorf("app: failed to persist committed artifact data: %s", err)
		return Failure
	}
	return Success
}

////////////////////////////////////////////////////////////////////////////
// UpdateCheckRollback
////////////////////////////////////////////////////////////////////////////

type updateCheckRollbackState struct{ baseState }

func (s *updateCheckRollbackState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	if info.SupportsRollback == datastore.RollbackSupported {
		return Success
	}
	return NothingToDo
}

////////////////////////////////////////////////////////////////////////////
// UpdateRollback
////////////////////////////////////////////////////////////////////////////

type updateRollbackState struct{ baseState }

func (s *updateRollbackState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	err := ctx.runScripts("ArtifactRollback", func() error {
		return ctx.driver.Rollback()
	})
	if err != nil {
		log.Errorf("app: rollback failed: %s", err)
		info.AllRollbacksSuccessful = false
		return Failure
	}
	info.AllRollbacksSuccessful = true
	return Success
}

////////////////////////////////////////////////////////////////////////////
// UpdateCheckRollbackReboot
////////////////////////////////////////////////////////////////////////////

type updateCheckRollbackRebootState struct{ baseState }

func (s *updateCheckRollbackRebootState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	rt, err := info.RebootRequested.Get(0)
	if err != nil {
		log.Errorf("app: %s", err)
		return NothingToDo
	}
	if rt == datastore.RebootTypeNone {
		return NothingToDo
	}
	return Success
}

////////////////////////////////////////////////////////////////////////////
// UpdateRollbackReboot
////////////////////////////////////////////////////////////////////////////

type updateRollbackRebootState struct{ baseState }

func (s *updateRollbackRebootState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	rt, _ := info.RebootRequested.Get(0)

	err := ctx.runScripts("RollbackReboot", func() error {
		if rt == datastore.RebootTypeAutomatic && ctx.Rebooter != nil {
			return ctx.Rebooter.Reboot()
		}
		return ctx.driver.RollbackReboot()
	})
	if err != nil {
		log.Errorf("app: rollback reboot failed: %s", err)
		return Failure
	}
	return Success
}

////////////////////////////////////////////////////////////////////////////
// UpdateVerifyRollbackReboot
////////////////////////////////////////////////////////////////////////////

type updateVerifyRollbackRebootState struct{ baseState }

func (s *updateVerifyRollbackRebootState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	if err := ctx.driver.VerifyRollbackReboot(); err != nil {
		log.Errorf("app: rollback reboot verification failed: %s", err)
		return Failure
	}
	return Success
}

////////////////////////////////////////////////////////////////////////////
// UpdateFailure
////////////////////////////////////////////////////////////////////////////

type updateFailureState struct{ baseState }

func (s *updateFailureState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	ctx.reportStatus(info, statusFailure)

	if ctx.driver != nil {
		if err := ctx.driver.Failure(); err != nil {
			log.Errorf("app: ArtifactFailure module call failed: %s", err)
		}
	}
	if err := ctx.Scripts.ExecuteAll("ArtifactFailure", "Enter", statescript.Ignore); err != nil {
		log.Errorf("app: ArtifactFailure_Enter scripts failed: %s", err)
	}
	if err := ctx.Scripts.ExecuteAll("ArtifactFailure", "Leave", statescript.Ignore); err != nil {
		log.Errorf("app: ArtifactFailure_Leave scripts failed: %s", err)
	}

	if info.SupportsRollback == datastore.RollbackSupported {
		return Success
	}
	return Failure
}

////////////////////////////////////////////////////////////////////////////
// UpdateCleanup
////////////////////////////////////////////////////////////////////////////

type updateCleanupState struct{ baseState }

func (s *updateCleanupState) Handle(ctx *Context, info *datastore.UpdateInfo) Event {
	status := statusSuccess
	if info.SupportsRollback == datastore.RollbackSupported && !info.AllRollbacksSuccessful {
		status = statusFailure
	}
	if info.StateDataStoreCount >= datastore.MaxStateDataStoreCount {
		status = statusFailure
	}

	if ctx.driver != nil {
		if err := ctx.driver.Cleanup(); err != nil {
			log.Errorf("app: module cleanup failed: %s", err)
		}
	}

	if ctx.Logger != nil {
		if err := ctx.Client.PushLogs(info.ID, ctx.Logger.LogPath()); err != nil {
			log.Errorf("app: failed to push deployment logs: %s", err)
		}
		if err := ctx.Logger.Finish(); err != nil {
			log.Errorf("app: failed to finalize deployment log: %s", err)
		}
	}

	ctx.reportStatus(info, status)

	if err := clearStateData(ctx.DB); err != nil {
		log.Errorf("app: failed to clear persisted state data: %s", err)
	}

	ctx.driver = nil
	return Success
}

func clearStateData(db kvstore.Database) error {
	return db.WriteTransaction(func(tx kvstore.Transaction) error {
		if err := tx.Remove(datastore.StateDataKey); err != nil && !kvstore.IsKeyError(err) {
			return err
		}
		if err := tx.Remove(datastore.StateDataKeyUncommitted); err != nil && !kvstore.IsKeyError(err) {
			return err
		}
		return nil
	})
}
