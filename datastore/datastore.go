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

// Package datastore implements the deployment database model (spec §4.E):
// crash-recoverable StateData persistence with schema-upgrade tracking and a
// loop-cap on save/load, plus the artifact-provides bookkeeping used by
// dependency checking between deployments.
package datastore

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/mendersoftware/mender-lifecycle/internal/kvstore"
)

// MaxStateDataStoreCount bounds the number of times StateData may be
// saved/loaded for a single deployment before the caller is forced into
// Cleanup. Set well above twice the number of recoverable states, so a
// looping state machine is caught without ever tripping on a healthy
// deployment.
const MaxStateDataStoreCount = 60

// StateDataStoreCountExceededError is returned (alongside the StateData that
// triggered it, where applicable) when a save or load would push
// state_data_store_count past MaxStateDataStoreCount.
type StateDataStoreCountExceededError struct{}

func (e *StateDataStoreCountExceededError) Error() string {
	return "datastore: state data store count exceeded; giving up on this deployment"
}

// SaveDeploymentStateData persists data under StateDataKey, incrementing
// UpdateInfo.StateDataStoreCount first. If UpdateInfo.HasDBSchemaUpdate is
// set, the same record is also written under StateDataKeyUncommitted in the
// same transaction, and LoadDeploymentStateData prefers that copy; the
// record under StateDataKey is overwritten either way, so it does not keep
// the pre-upgrade contents. Exceeding MaxStateDataStoreCount aborts the
// write entirely.
func SaveDeploymentStateData(db kvstore.Database, data StateData) error {
	data.UpdateInfo.StateDataStoreCount++
	if data.UpdateInfo.StateDataStoreCount > MaxStateDataStoreCount {
		return &StateDataStoreCountExceededError{}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "datastore: failed to marshal state data")
	}

	return db.WriteTransaction(func(tx kvstore.Transaction) error {
		if err := tx.Write(StateDataKey, raw); err != nil {
			return errors.Wrap(err, "datastore: failed to store state data")
		}
		if data.UpdateInfo.HasDBSchemaUpdate {
			if err := tx.Write(StateDataKeyUncommitted, raw); err != nil {
				return errors.Wrap(err, "datastore: failed to store uncommitted state data")
			}
		}
		return nil
	})
}

// LoadDeploymentStateData reads the uncommitted record first (it reflects
// the most recent in-flight transition after a crash), falling back to the
// committed one. A version mismatch against StateDataVersion sets
// HasDBSchemaUpdate so the next save re-mirrors the upgraded record. The
// load itself counts against MaxStateDataStoreCount, since a state whose
// handler never completes (and so never calls Save) would otherwise loop
// forever on load alone.
func LoadDeploymentStateData(db kvstore.Database) (StateData, bool, error) {
	raw, err := db.Read(StateDataKeyUncommitted)
	if err != nil {
		if !kvstore.IsKeyError(err) {
			return StateData{}, false, errors.Wrap(err, "datastore: failed to read uncommitted state data")
		}
		raw, err = db.Read(StateDataKey)
		if err != nil {
			if kvstore.IsKeyError(err) {
				return StateData{}, false, nil
			}
			return StateData{}, false, errors.Wrap(err, "datastore: failed to read state data")
		}
	}

	var data StateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return StateData{}, false, errors.Wrap(err, "datastore: failed to decode state data")
	}

	if data.Version != StateDataVersion {
		data.UpdateInfo.HasDBSchemaUpdate = true
		data.Version = StateDataVersion
	}

	data.UpdateInfo.StateDataStoreCount++
	if data.UpdateInfo.StateDataStoreCount > MaxStateDataStoreCount {
		return data, true, &StateDataStoreCountExceededError{}
	}

	return data, true, nil
}

// LoadProvidesFromStore reads the artifact-provides bookkeeping (name,
// group, and the free-form provides map) needed for dependency checking
// before installing an artifact with version >= 3.
func LoadProvidesFromStore(db kvstore.Database) (map[string]interface{}, error) {
	provides := make(map[string]interface{})

	name, err := db.Read(ArtifactNameKey)
	if err != nil && !kvstore.IsKeyError(err) {
		return nil, errors.Wrap(err, "datastore: failed to read artifact name")
	} else if err == nil {
		provides["artifact_name"] = string(name)
	}

	group, err := db.Read(ArtifactGroupKey)
	if err != nil && !kvstore.IsKeyError(err) {
		return nil, errors.Wrap(err, "datastore: failed to read artifact group")
	} else if err == nil {
		provides["artifact_group"] = string(group)
	}

	raw, err := db.Read(ArtifactProvidesKey)
	if err != nil && !kvstore.IsKeyError(err) {
		return nil, errors.Wrap(err, "datastore: failed to read artifact provides")
	} else if err == nil {
		if err := json.Unmarshal(raw, &provides); err != nil {
			return nil, errors.Wrap(err, "datastore: failed to decode artifact provides")
		}
	}

	return provides, nil
}

// CommitArtifactData persists the provides of a newly installed artifact:
// it loads the current provides map inside the same write transaction,
// drops any key matched by clearsProvides that newProvides doesn't
// re-supply, merges newProvides on top, and writes the result back under
// the dedicated keys. txnFn runs last, inside the same transaction, so
// callers can piggy-back their own writes (typically clearing StateDataKey)
// atomically with the provides update.
func CommitArtifactData(
	db kvstore.Database,
	name, group string,
	newProvides map[string]string,
	clearsProvides []string,
	txnFn func(tx kvstore.Transaction) error,
) error {
	return db.WriteTransaction(func(tx kvstore.Transaction) error {
		current := make(map[string]string)
		if raw, err := tx.Read(ArtifactProvidesKey); err == nil {
			if err := json.Unmarshal(raw, &current); err != nil {
				return errors.Wrap(err, "datastore: failed to decode existing artifact provides")
			}
		} else if !kvstore.IsKeyError(err) {
			return errors.Wrap(err, "datastore: failed to read existing artifact provides")
		}

		merged, err := FilterProvides(newProvides, clearsProvides, current)
		if err != nil {
			return err
		}
		for k, v := range newProvides {
			merged[k] = v
		}

		providesRaw, err := json.Marshal(merged)
		if err != nil {
			return errors.Wrap(err, "datastore: failed to marshal artifact provides")
		}

		if err := tx.Write(ArtifactNameKey, []byte(name)); err != nil {
			return errors.Wrap(err, "datastore: failed to store artifact name")
		}
		if err := tx.Write(ArtifactGroupKey, []byte(group)); err != nil {
			return errors.Wrap(err, "datastore: failed to store artifact group")
		}
		if err := tx.Write(ArtifactProvidesKey, providesRaw); err != nil {
			return errors.Wrap(err, "datastore: failed to store artifact provides")
		}

		if txnFn != nil {
			return txnFn(tx)
		}
		return nil
	})
}
