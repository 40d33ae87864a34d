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
	"io"

	"github.com/mendersoftware/mender-lifecycle/internal/artifact"
	"github.com/mendersoftware/mender-lifecycle/internal/kvstore"
	"github.com/mendersoftware/mender-lifecycle/internal/module"
	"github.com/mendersoftware/mender-lifecycle/internal/statescript"
)

// DeploymentResponse is the subset of a server deployment-next response the
// state machine needs to drive an installation.
type DeploymentResponse struct {
	ID                string
	ArtifactName      string
	ArtifactGroup     string
	CompatibleDevices []string
	PayloadTypes      []string
	URI               string
}

// DeploymentClient is the deployment-API surface the machine needs (spec
// §4.G): poll for a pending deployment, open the artifact payload, and
// report status/logs back.
type DeploymentClient interface {
	CheckNewDeployments(provides map[string]string, deviceType string) (*DeploymentResponse, error)
	OpenPayload(uri string) (io.ReadCloser, error)
	PushStatus(deploymentID, status, substate string) error
	PushLogs(deploymentID, logFilePath string) error
}

// InventoryClient is the subset of the deployment API used to push
// inventory attributes; kept separate from DeploymentClient since it's
// invoked from a different recoverable state and doesn't carry a
// deployment id.
type InventoryClient interface {
	PushInventory(attributes []InventoryAttribute) error
}

// InventoryAttribute is one key/value(s) pair collected from the
// inventory-generator scripts (spec §6).
type InventoryAttribute struct {
	Name  string
	Value interface{}
}

// DeploymentLogger is the per-deployment JSON log sink (spec §4.H).
type DeploymentLogger interface {
	BeginLogging(deploymentID string) error
	LogPath() string
	Finish() error
}

// Context bundles every dependency a State needs to run, so that
// individual states stay free functions of (Context, Event) rather than
// growing their own ad-hoc constructor parameters.
type Context struct {
	DB               kvstore.Database
	Client           DeploymentClient
	Inventory        InventoryClient
	Logger           DeploymentLogger
	Scripts          statescript.Executor
	ArtifactConfig   artifact.Config
	ArtifactsDir     string // scripts directory written by the artifact parser
	RootfsScriptsDir string
	ModulesDir       string
	ModuleWorkDir    string
	ModuleTimeout    int64 // seconds, 0 = module.DefaultTimeout
	DeviceType       string
	Rebooter         Rebooter

	// DeploymentTrigger/InventoryTrigger fire when a poll interval elapses;
	// only drained while the machine is Idle, which is what gives deferred
	// poll events their "re-queue until the machine is free" semantics
	// without a generic requeue-on-no-match runtime (see DESIGN.md).
	DeploymentTrigger <-chan struct{}
	InventoryTrigger  <-chan struct{}

	// InventoryAttributes collects the current set of inventory attributes
	// (spec §6); nil means an empty attribute list is submitted, rather than
	// an error.
	InventoryAttributes func() ([]InventoryAttribute, error)

	// deployment-scoped working state, populated by UpdateDownload and
	// consumed by the rest of the flow.
	driver            *module.Driver
	lastInventoryHash string
}

// Rebooter issues the actual system reboot for the Automatic reboot-type
// path (spec §4.D/§9); state scripts and module-driven reboots go through
// Scripts/module.Driver instead.
type Rebooter interface {
	Reboot() error
}
