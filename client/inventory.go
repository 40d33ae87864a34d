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
package client

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/mendersoftware/mender-lifecycle/app"
)

// InventoryClient implements app.InventoryClient, PATCHing the collected
// attributes to the inventory service. Deduplication against the last push
// already happens one layer up (app.submitInventoryState hashes the
// attribute set), so this client always sends whatever it's given.
type InventoryClient struct {
	api *authClient
}

// NewInventoryClient builds an InventoryClient sharing the same
// authentication scheme as NewDeploymentClient.
func NewInventoryClient(conf Config, auth AuthProvider) (*InventoryClient, error) {
	api, err := newAuthClient(conf, auth)
	if err != nil {
		return nil, err
	}
	return &InventoryClient{api: api}, nil
}

type inventoryAttribute struct {
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// PushInventory implements app.InventoryClient.
func (c *InventoryClient) PushInventory(attributes []app.InventoryAttribute) error {
	wire := make([]inventoryAttribute, 0, len(attributes))
	for _, a := range attributes {
		wire = append(wire, inventoryAttribute{Name: a.Name, Value: a.Value})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return errors.Wrap(err, "client: failed to encode inventory attributes")
	}

	req, err := http.NewRequest(http.MethodPatch, buildApiPath("/inventory/device/attributes"),
		bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "client: failed to build inventory submit request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return errors.Wrap(err, "client: inventory submit request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("client: unexpected status %d submitting inventory", resp.StatusCode)
	}
	return nil
}
