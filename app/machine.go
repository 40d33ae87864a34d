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

// Package app implements the deployment state machine and its daemon event
// loop (spec §4.F): a recoverable-state table driven by Success/Failure/
// NothingToDo and the two poll-trigger events, crash-resumable via
// datastore.StateData.
package app

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-lifecycle/datastore"
)

// State is one node of the deployment state machine. Recoverable states are
// checkpointed to StateData before Handle runs any side effect, so a crash
// mid-state resumes from the same state on restart rather than from Idle.
type State interface {
	ID() datastore.MenderState
	Recoverable() bool
	Handle(ctx *Context, info *datastore.UpdateInfo) Event
}

type baseState struct {
	id          datastore.MenderState
	recoverable bool
}

func (b baseState) ID() datastore.MenderState  { return b.id }
func (b baseState) Recoverable() bool          { return b.recoverable }

// Machine drives the state table to completion (or to Idle between
// deployments), checkpointing recoverable states and enforcing the
// save/load loop cap.
type Machine struct {
	Stop   chan struct{}
	states map[datastore.MenderState]State
	table  transitionTable
}

func NewMachine() *Machine {
	states := []State{
		&submitInventoryState{baseState{datastore.MenderStateSubmitInventory, false}},
		&pollForDeploymentState{baseState{datastore.MenderStatePollForDeployment, false}},
		&updateDownloadState{baseState{datastore.MenderStateUpdateDownload, true}},
		&updateInstallState{baseState{datastore.MenderStateUpdateInstall, true}},
		&updateCheckRebootState{baseState{datastore.MenderStateUpdateCheckReboot, true}},
		&updateRebootState{baseState{datastore.MenderStateUpdateReboot, true}},
		&updateVerifyRebootState{baseState{datastore.MenderStateUpdateVerifyReboot, true}},
		&updateCommitState{baseState{datastore.MenderStateUpdateCommit, true}},
		&updateCheckRollbackState{baseState{datastore.MenderStateUpdateCheckRollback, true}},
		&updateRollbackState{baseState{datastore.MenderStateUpdateRollback, true}},
		&updateCheckRollbackRebootState{baseState{datastore.MenderStateUpdateCheckRollbackReboot, true}},
		&updateRollbackRebootState{baseState{datastore.MenderStateUpdateRollbackReboot, true}},
		&updateVerifyRollbackRebootState{baseState{datastore.MenderStateUpdateVerifyRollbackReboot, true}},
		&updateFailureState{baseState{datastore.MenderStateUpdateFailure, true}},
		&updateCleanupState{baseState{datastore.MenderStateUpdateCleanup, true}},
	}

	m := &Machine{
		Stop:   make(chan struct{}),
		states: make(map[datastore.MenderState]State, len(states)),
		table:  newTransitionTable(),
	}
	for _, s := range states {
		m.states[s.ID()] = s
	}
	return m
}

// Resume picks the machine's starting state from persisted StateData, if
// any (spontaneous-reboot recovery, spec §4.F): a present record means the
// daemon resumes mid-deployment rather than from Idle.
func (m *Machine) Resume(db kvStoreForResume) (datastore.MenderState, datastore.UpdateInfo) {
	data, had, err := datastore.LoadDeploymentStateData(db)
	if _, loopExceeded := err.(*datastore.StateDataStoreCountExceededError); loopExceeded {
		log.Errorf("app: state data store count exceeded for deployment %q on restart; forcing Cleanup",
			data.UpdateInfo.ID)
		return datastore.MenderStateUpdateCleanup, data.UpdateInfo
	}
	if err != nil {
		log.Errorf("app: failed to resume from persisted state data: %s; starting from Idle", err)
		return datastore.MenderStateIdle, datastore.UpdateInfo{}
	}
	if !had {
		return datastore.MenderStateIdle, datastore.UpdateInfo{}
	}
	log.Infof("app: resuming deployment %q at state %s after restart", data.UpdateInfo.ID, data.Name)
	return data.Name, data.UpdateInfo
}

// kvStoreForResume is the narrow read surface Resume needs; satisfied by
// kvstore.Database.
type kvStoreForResume interface {
	Read(key string) ([]byte, error)
}

// Run executes the machine, returning to Idle after every inventory
// submission, poll or deployment and waiting there for the next trigger. It
// returns nil once Stop is closed while the machine is Idle, or an error for
// an unrecoverable condition (an event with no table entry for the current
// state, which is a programming error per spec §4.F, or a failed checkpoint).
func (m *Machine) Run(ctx *Context, start datastore.MenderState, info datastore.UpdateInfo) error {
	current := start

	for {
		if current == datastore.MenderStateIdle {
			select {
			case <-m.Stop:
				return nil
			case <-ctx.DeploymentTrigger:
				current = datastore.MenderStatePollForDeployment
				info = datastore.UpdateInfo{}
				continue
			case <-ctx.InventoryTrigger:
				current = datastore.MenderStateSubmitInventory
				continue
			}
		}

		state, ok := m.states[current]
		if !ok {
			return errors.Errorf("app: no state registered for %s", current)
		}

		if state.Recoverable() {
			if err := m.checkpoint(ctx, state.ID(), info); err != nil {
				if _, loopExceeded := err.(*datastore.StateDataStoreCountExceededError); !loopExceeded {
					return err
				}
				// Cleanup runs without a checkpoint of its own: the count is
				// already past the cap, so saving again would fail again.
				current = m.forceCleanupOnLoop(ctx, &info)
				state = m.states[current]
			} else {
				info.StateDataStoreCount++
			}
		}

		event := state.Handle(ctx, &info)

		next, _, ok := m.table.lookup(current, event)
		if !ok {
			return errors.Errorf("app: unhandled event %s in state %s", event, current)
		}

		log.Debugf("app: %s --%s--> %s", current, event, next)
		current = next

		if current == datastore.MenderStateIdle {
			info = datastore.UpdateInfo{}
		}
	}
}

func (m *Machine) checkpoint(ctx *Context, state datastore.MenderState, info datastore.UpdateInfo) error {
	return datastore.SaveDeploymentStateData(ctx.DB, datastore.StateData{
		Version:    datastore.StateDataVersion,
		Name:       state,
		UpdateInfo: info,
	})
}

// forceCleanupOnLoop implements the loop-cap escape hatch (spec §4.F): once
// the save/load count is exhausted, the machine is forced into Cleanup
// regardless of where it was, and Cleanup reports Failure because the count
// sits at the cap. A non-empty artifact name is suffixed "-INCONSISTENT",
// whether or not the update had committed, so the next deployment (and any
// operator looking at inventory) can tell the device landed in a state the
// loop left unresolved.
func (m *Machine) forceCleanupOnLoop(ctx *Context, info *datastore.UpdateInfo) datastore.MenderState {
	log.Errorf("app: state data store count exceeded for deployment %q; forcing Cleanup", info.ID)
	if info.Artifact.ArtifactName != "" {
		info.Artifact.ArtifactName += "-INCONSISTENT"
	}
	return datastore.MenderStateUpdateCleanup
}
