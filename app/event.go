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

import "github.com/mendersoftware/mender-lifecycle/datastore"

// Event drives transitions in the deployment state machine (spec §4.F).
type Event int

const (
	Success Event = iota
	Failure
	NothingToDo
	DeploymentPollingTriggered
	InventoryPollingTriggered
)

func (e Event) String() string {
	switch e {
	case Success:
		return "Success"
	case Failure:
		return "Failure"
	case NothingToDo:
		return "NothingToDo"
	case DeploymentPollingTriggered:
		return "DeploymentPollingTriggered"
	case InventoryPollingTriggered:
		return "InventoryPollingTriggered"
	default:
		return "Unknown"
	}
}

// transitionKey is the (state, event) lookup key into the table.
type transitionKey struct {
	state datastore.MenderState
	event Event
}

// transition describes one table entry: where the event takes the machine,
// and whether the event is re-queued (Deferred) when no entry matches the
// machine's *current* state at all, rather than aborting the daemon as an
// unhandled event.
type transition struct {
	next     datastore.MenderState
	deferred bool
}

// transitionTable is built once in newTransitionTable and never mutated
// afterwards; the single-threaded event loop is the only reader.
type transitionTable map[transitionKey]transition

func (t transitionTable) add(from datastore.MenderState, event Event, to datastore.MenderState) {
	t[transitionKey{from, event}] = transition{next: to}
}

// addDeferred marks (from, event) as deferrable: if the event arrives while
// the machine isn't in a state that handles it, it is re-queued instead of
// aborting. Idle's poll triggers are the only such entries — they may
// legitimately arrive while a deployment is still in flight.
func (t transitionTable) addDeferred(from datastore.MenderState, event Event, to datastore.MenderState) {
	t[transitionKey{from, event}] = transition{next: to, deferred: true}
}

func (t transitionTable) lookup(current datastore.MenderState, event Event) (datastore.MenderState, bool, bool) {
	tr, ok := t[transitionKey{current, event}]
	return tr.next, tr.deferred, ok
}

// newTransitionTable encodes the state table from spec §4.F.
func newTransitionTable() transitionTable {
	t := make(transitionTable)

	t.addDeferred(datastore.MenderStateIdle, DeploymentPollingTriggered, datastore.MenderStatePollForDeployment)
	t.addDeferred(datastore.MenderStateIdle, InventoryPollingTriggered, datastore.MenderStateSubmitInventory)

	t.add(datastore.MenderStateSubmitInventory, Success, datastore.MenderStateIdle)
	t.add(datastore.MenderStateSubmitInventory, Failure, datastore.MenderStateIdle)

	t.add(datastore.MenderStatePollForDeployment, Success, datastore.MenderStateUpdateDownload)
	t.add(datastore.MenderStatePollForDeployment, NothingToDo, datastore.MenderStateIdle)
	t.add(datastore.MenderStatePollForDeployment, Failure, datastore.MenderStateIdle)

	t.add(datastore.MenderStateUpdateDownload, Success, datastore.MenderStateUpdateInstall)
	t.add(datastore.MenderStateUpdateDownload, Failure, datastore.MenderStateUpdateFailure)

	t.add(datastore.MenderStateUpdateInstall, Success, datastore.MenderStateUpdateCheckReboot)
	t.add(datastore.MenderStateUpdateInstall, Failure, datastore.MenderStateUpdateFailure)

	t.add(datastore.MenderStateUpdateCheckReboot, Success, datastore.MenderStateUpdateReboot)
	t.add(datastore.MenderStateUpdateCheckReboot, NothingToDo, datastore.MenderStateUpdateCommit)
	t.add(datastore.MenderStateUpdateCheckReboot, Failure, datastore.MenderStateUpdateFailure)

	t.add(datastore.MenderStateUpdateReboot, Success, datastore.MenderStateUpdateVerifyReboot)
	t.add(datastore.MenderStateUpdateReboot, Failure, datastore.MenderStateUpdateFailure)

	t.add(datastore.MenderStateUpdateVerifyReboot, Success, datastore.MenderStateUpdateCommit)
	t.add(datastore.MenderStateUpdateVerifyReboot, Failure, datastore.MenderStateUpdateFailure)

	t.add(datastore.MenderStateUpdateCommit, Success, datastore.MenderStateUpdateCleanup)
	t.add(datastore.MenderStateUpdateCommit, Failure, datastore.MenderStateUpdateFailure)

	t.add(datastore.MenderStateUpdateFailure, Success, datastore.MenderStateUpdateCheckRollback)
	t.add(datastore.MenderStateUpdateFailure, Failure, datastore.MenderStateUpdateCleanup)

	t.add(datastore.MenderStateUpdateCheckRollback, Success, datastore.MenderStateUpdateRollback)
	t.add(datastore.MenderStateUpdateCheckRollback, NothingToDo, datastore.MenderStateUpdateCleanup)

	t.add(datastore.MenderStateUpdateRollback, Success, datastore.MenderStateUpdateCheckRollbackReboot)
	t.add(datastore.MenderStateUpdateRollback, Failure, datastore.MenderStateUpdateCleanup)

	t.add(datastore.MenderStateUpdateCheckRollbackReboot, Success, datastore.MenderStateUpdateRollbackReboot)
	t.add(datastore.MenderStateUpdateCheckRollbackReboot, NothingToDo, datastore.MenderStateUpdateCleanup)

	t.add(datastore.MenderStateUpdateRollbackReboot, Success, datastore.MenderStateUpdateVerifyRollbackReboot)
	t.add(datastore.MenderStateUpdateRollbackReboot, Failure, datastore.MenderStateUpdateCleanup)

	t.add(datastore.MenderStateUpdateVerifyRollbackReboot, Success, datastore.MenderStateUpdateCleanup)
	t.add(datastore.MenderStateUpdateVerifyRollbackReboot, Failure, datastore.MenderStateUpdateCleanup)

	t.add(datastore.MenderStateUpdateCleanup, Success, datastore.MenderStateIdle)

	return t
}
