// Copyright 2020 Northern.tech AS
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
package datastore

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/mendersoftware/mender-lifecycle/internal/kvstore"
)

const StandaloneStateDataVersion = 1

// StandaloneStateData tracks an artifact installed outside the daemon state
// machine (`mender-update install --no-reboot`/`commit`/`rollback`), so a
// later commit/rollback invocation - a separate process, possibly after a
// reboot - knows what was started and can verify it still matches what's
// actually installed.
type StandaloneStateData struct {
	Version                  int
	ArtifactName             string
	ArtifactGroup            string
	ArtifactTypeInfoProvides map[string]string
	PayloadTypes             []string
}

// SaveStandaloneStateData persists data under StandaloneStateKey, the same
// way SaveDeploymentStateData persists StateData under StateDataKey, but
// without the store-count bookkeeping: a standalone install has no state
// machine looping to guard against.
func SaveStandaloneStateData(db kvstore.Database, data StandaloneStateData) error {
	data.Version = StandaloneStateDataVersion

	raw, err := json.Marshal(data)
	if err != nil {
		return errors.Wrap(err, "datastore: failed to marshal standalone state data")
	}
	if err := db.WriteTransaction(func(tx kvstore.Transaction) error {
		return tx.Write(StandaloneStateKey, raw)
	}); err != nil {
		return errors.Wrap(err, "datastore: failed to store standalone state data")
	}
	return nil
}

// LoadStandaloneStateData reads back the record written by
// SaveStandaloneStateData. The second return value is false if no
// standalone install is currently tracked.
func LoadStandaloneStateData(db kvstore.Database) (StandaloneStateData, bool, error) {
	raw, err := db.Read(StandaloneStateKey)
	if err != nil {
		if kvstore.IsKeyError(err) {
			return StandaloneStateData{}, false, nil
		}
		return StandaloneStateData{}, false, errors.Wrap(err, "datastore: failed to read standalone state data")
	}

	var data StandaloneStateData
	if err := json.Unmarshal(raw, &data); err != nil {
		return StandaloneStateData{}, false, errors.Wrap(err, "datastore: failed to decode standalone state data")
	}
	return data, true, nil
}

// RemoveStandaloneStateData clears the tracked standalone install once it
// has been committed or rolled back.
func RemoveStandaloneStateData(db kvstore.Database) error {
	err := db.WriteTransaction(func(tx kvstore.Transaction) error {
		return tx.Remove(StandaloneStateKey)
	})
	if err != nil {
		return errors.Wrap(err, "datastore: failed to remove standalone state data")
	}
	return nil
}
