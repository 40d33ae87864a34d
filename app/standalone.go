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
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-lifecycle/datastore"
	"github.com/mendersoftware/mender-lifecycle/internal/artifact"
	"github.com/mendersoftware/mender-lifecycle/internal/module"
)

// StandaloneInstall installs a local Artifact read from r outside of
// Machine/Daemon (`mender-update install`), the same single-shot path the
// teacher's CLI drove through DoStandaloneInstall: it never polls, never
// reports status to a server, and never reboots on its own - a caller-driven
// reboot followed by StandaloneCommit/StandaloneRollback is expected to
// complete the deployment. ctx.Client/ctx.Inventory/ctx.DeploymentTrigger/
// ctx.InventoryTrigger are unused by this path and may be left nil. Callers
// that want download progress (e.g. the install CLI command) wrap r
// themselves before calling in; StandaloneInstall reads it exactly once.
func StandaloneInstall(ctx *Context, r io.Reader) error {
	cfg := ctx.ArtifactConfig
	cfg.ScriptsDir = ctx.ArtifactsDir
	a, err := artifact.Parse(r, cfg)
	if err != nil {
		return errors.Wrap(err, "app: failed to parse artifact")
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
		return errors.Wrap(err, "app: failed to open artifact payload section")
	}
	files, err := stagePayload(payload, ctx.ModuleWorkDir)
	if err != nil {
		return errors.Wrap(err, "app: failed to stage payload files")
	}

	headerInfoJSON, err := json.Marshal(a.HeaderInfo)
	if err != nil {
		return errors.Wrap(err, "app: failed to re-marshal header-info")
	}
	typeInfoJSON, err := json.Marshal(a.TypeInfo)
	if err != nil {
		return errors.Wrap(err, "app: failed to re-marshal type-info")
	}
	currentName, _ := ctx.DB.Read(datastore.ArtifactNameKey)
	currentGroup, _ := ctx.DB.Read(datastore.ArtifactGroupKey)

	artifactName := a.HeaderInfo.ArtifactProvides["artifact_name"]
	artifactGroup := a.HeaderInfo.ArtifactProvides["artifact_group"]

	driver := module.NewDriver(ctx.ModulesDir, ctx.ModuleWorkDir, a.TypeInfo.Type,
		time.Duration(ctx.ModuleTimeout)*time.Second)
	if err := driver.Prepare(module.HeaderInfo{
		CurrentArtifactName:  string(currentName),
		CurrentArtifactGroup: string(currentGroup),
		CurrentDeviceType:    ctx.DeviceType,
		ArtifactName:         artifactName,
		ArtifactGroup:        artifactGroup,
		PayloadType:          a.TypeInfo.Type,
		HeaderInfoJSON:       headerInfoJSON,
		TypeInfoJSON:         typeInfoJSON,
		MetaDataJSON:         a.MetaData,
	}); err != nil {
		return errors.Wrap(err, "app: failed to prepare module workdir")
	}

	err = ctx.runScripts("ArtifactInstall", func() error {
		if err := driver.Download(files); err != nil {
			return errors.Wrap(err, "module download failed")
		}
		return driver.InstallUpdate()
	})
	if err != nil {
		if failErr := driver.Failure(); failErr != nil {
			log.Errorf("app: ArtifactFailure module call failed: %s", failErr)
		}
		driver.Cleanup()
		return errors.Wrap(err, "app: standalone install failed")
	}

	if err := datastore.SaveStandaloneStateData(ctx.DB, datastore.StandaloneStateData{
		ArtifactName:             artifactName,
		ArtifactGroup:            artifactGroup,
		ArtifactTypeInfoProvides: a.TypeInfo.ArtifactProvides,
		PayloadTypes:             []string{a.TypeInfo.Type},
	}); err != nil {
		return err
	}

	if reboot, err := driver.NeedsReboot(); err != nil {
		log.Warnf("app: failed to query reboot need: %s", err)
	} else if reboot != module.RebootNone {
		log.Info("app: update installed; a reboot is required before committing")
	} else {
		log.Info("app: update installed")
	}
	return nil
}

// standaloneDriver rebuilds the module.Driver handle StandaloneInstall
// prepared, without re-running Prepare: the workdir it wrote is still on
// disk (possibly across a reboot), and Commit/Rollback only ever call a
// state invocation against it.
func standaloneDriver(ctx *Context, data datastore.StandaloneStateData) (*module.Driver, error) {
	if len(data.PayloadTypes) == 0 {
		return nil, errors.New("app: standalone state data has no payload type recorded")
	}
	return module.NewDriver(ctx.ModulesDir, ctx.ModuleWorkDir, data.PayloadTypes[0],
		time.Duration(ctx.ModuleTimeout)*time.Second), nil
}

// StandaloneCommit commits the Artifact started by a prior StandaloneInstall
// (`mender-update commit`). Returns an error if no standalone install is
// currently tracked.
func StandaloneCommit(ctx *Context) error {
	data, had, err := datastore.LoadStandaloneStateData(ctx.DB)
	if err != nil {
		return err
	}
	if !had {
		return errors.New("app: no standalone installation in progress")
	}

	driver, err := standaloneDriver(ctx, data)
	if err != nil {
		return err
	}

	if err := ctx.runScripts("ArtifactCommit", driver.Commit); err != nil {
		return errors.Wrap(err, "app: standalone commit failed")
	}

	err = datastore.CommitArtifactData(ctx.DB, data.ArtifactName, data.ArtifactGroup,
		data.ArtifactTypeInfoProvides, nil, nil)
	if err != nil {
		return errors.Wrap(err, "app: failed to persist committed artifact data")
	}

	if err := driver.Cleanup(); err != nil {
		log.Errorf("app: module cleanup failed: %s", err)
	}
	return datastore.RemoveStandaloneStateData(ctx.DB)
}

// StandaloneRollback rolls back the Artifact started by a prior
// StandaloneInstall (`mender-update rollback`). Returns an error if no
// standalone install is currently tracked.
func StandaloneRollback(ctx *Context) error {
	data, had, err := datastore.LoadStandaloneStateData(ctx.DB)
	if err != nil {
		return err
	}
	if !had {
		return errors.New("app: no standalone installation in progress")
	}

	driver, err := standaloneDriver(ctx, data)
	if err != nil {
		return err
	}

	rollbackErr := ctx.runScripts("ArtifactRollback", driver.Rollback)
	if err := driver.Cleanup(); err != nil {
		log.Errorf("app: module cleanup failed: %s", err)
	}
	if rollbackErr != nil {
		return errors.Wrap(rollbackErr, "app: standalone rollback failed")
	}
	return datastore.RemoveStandaloneStateData(ctx.DB)
}
