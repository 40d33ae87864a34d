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

// Package cli wires the on-disk configuration, datastore, and transport
// packages into an app.Context and exposes the mender-update command table
// (daemon/install/commit/rollback/show-artifact/check-update/send-inventory)
// driving it, the way the teacher's own cli package sits on top of its
// app/client/installer split.
package cli

import (
	"encoding/pem"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-lifecycle/app"
	"github.com/mendersoftware/mender-lifecycle/client"
	"github.com/mendersoftware/mender-lifecycle/conf"
	"github.com/mendersoftware/mender-lifecycle/deploylog"
	"github.com/mendersoftware/mender-lifecycle/device"
	"github.com/mendersoftware/mender-lifecycle/internal/artifact"
	"github.com/mendersoftware/mender-lifecycle/internal/kvstore"
	"github.com/mendersoftware/mender-lifecycle/internal/statescript"
	"github.com/mendersoftware/mender-lifecycle/inventory"
)

// runOptionsType carries the flags common to every subcommand, the same
// role the teacher's runOptionsType struct plays for its own argsParse.
type runOptionsType struct {
	config         string
	fallbackConfig string
	dataStore      string
	logLevel       string
}

func defaultRunOptions() *runOptionsType {
	return &runOptionsType{
		config:         conf.DefaultConfFile,
		fallbackConfig: conf.DefaultFallbackConfFile,
		dataStore:      conf.DefaultDataStore,
	}
}

// openDatabase opens the LMDB-backed datastore under runOpts.dataStore.
func (runOpts *runOptionsType) openDatabase() (kvstore.Database, error) {
	db, err := kvstore.Open(runOpts.dataStore)
	if err != nil {
		return nil, errors.Wrap(err, "cli: failed to open datastore")
	}
	return db, nil
}

// loadConfig reads mender.conf (falling back to the state-dir copy), the
// same two-file precedence conf.LoadConfig has always implemented.
func (runOpts *runOptionsType) loadConfig() (*conf.MenderConfig, error) {
	return conf.LoadConfig(runOpts.config, runOpts.fallbackConfig)
}

// verifierKeys turns the raw ArtifactVerifyKey file contents into the
// internal/artifact.Verifier list a Config needs; VerifierFromPublicKeyPEM
// takes DER bytes, not a PEM block, so the pem.Decode step lives here.
func verifierKeys(raw []byte) ([]artifact.Verifier, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("cli: failed to decode artifact verification key as PEM")
	}
	v, err := artifact.VerifierFromPublicKeyPEM(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "cli: failed to parse artifact verification key")
	}
	return []artifact.Verifier{v}, nil
}

// buildContext assembles an app.Context from config/db/auth, wiring in the
// HTTP deployment/inventory clients, the deployment log manager, the
// inventory script collector and the state-script launcher - everything a
// Machine/Daemon or a standalone install/commit/rollback needs except the
// reboot command, which runDaemon sets on the result itself. auth may be
// nil for commands that never talk to a server
// (commit, rollback, show-artifact).
func buildContext(config *conf.MenderConfig, db kvstore.Database, auth client.AuthProvider) (*app.Context, error) {
	deviceType, err := device.GetDeviceType(config.DeviceTypeFile)
	if err != nil {
		log.Warnf("cli: failed to read device type: %s", err)
	}

	keys, err := verifierKeys(config.GetVerificationKey())
	if err != nil {
		return nil, err
	}

	ctx := &app.Context{
		DB: db,
		Scripts: statescript.Launcher{
			ArtScriptsPath:          config.ArtifactScriptsPath,
			RootfsScriptsPath:       config.RootfsScriptsPath,
			SupportedScriptVersions: []int{2, 3},
			Timeout:                 config.StateScriptTimeoutSeconds,
		},
		ArtifactConfig: artifact.Config{
			Keys:           keys,
			ScriptsVersion: 3,
		},
		ArtifactsDir:  config.ArtifactScriptsPath,
		ModulesDir:    config.ModulesPath,
		ModuleWorkDir: config.ModulesWorkPath,
		ModuleTimeout: int64(config.ModuleTimeoutSeconds),
		DeviceType:    deviceType,
		Logger:        deploylog.NewManager(config.GetDeploymentLogLocation()),
		InventoryAttributes: func() ([]app.InventoryAttribute, error) {
			return inventory.NewCollector(conf.DefaultInventoryScriptsPath).Collect()
		},
	}

	if auth != nil {
		httpConf := config.GetHttpConfig()
		depClient, err := client.NewDeploymentClient(httpConf, auth)
		if err != nil {
			return nil, errors.Wrap(err, "cli: failed to build deployment client")
		}
		invClient, err := client.NewInventoryClient(httpConf, auth)
		if err != nil {
			return nil, errors.Wrap(err, "cli: failed to build inventory client")
		}
		ctx.Client = depClient
		ctx.Inventory = invClient
	}

	return ctx, nil
}

func pollInterval(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func parseLogLevel(level string) (log.Level, error) {
	return log.ParseLevel(level)
}

func setLogLevel(lvl log.Level) {
	log.SetLevel(lvl)
}
