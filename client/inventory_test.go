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
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/mender-lifecycle/app"
)

func newTestInventoryClient(t *testing.T, srv *httptest.Server) *InventoryClient {
	c, err := NewInventoryClient(Config{}, &fakeAuth{server: srv.URL})
	require.NoError(t, err)
	return c
}

func TestPushInventoryOK(t *testing.T) {
	var received []inventoryAttribute
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/devices/v1/inventory/device/attributes", r.URL.Path)
		body, err := ioutil.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestInventoryClient(t, srv)
	err := c.PushInventory([]app.InventoryAttribute{
		{Name: "device_type", Value: "qemux86-64"},
		{Name: "mender_version", Value: "3.5.0"},
	})
	require.NoError(t, err)
	require.Len(t, received, 2)
	assert.Equal(t, "device_type", received[0].Name)
	assert.Equal(t, "qemux86-64", received[0].Value)
}

func TestPushInventoryNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestInventoryClient(t, srv)
	err := c.PushInventory([]app.InventoryAttribute{{Name: "a", Value: "b"}})
	assert.NoError(t, err)
}

func TestPushInventoryErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestInventoryClient(t, srv)
	err := c.PushInventory([]app.InventoryAttribute{{Name: "a", Value: "b"}})
	assert.Error(t, err)
}

func TestPushInventoryAuthFailure(t *testing.T) {
	c, err := NewInventoryClient(Config{}, &fakeAuth{err: assert.AnError})
	require.NoError(t, err)
	err = c.PushInventory([]app.InventoryAttribute{{Name: "a", Value: "b"}})
	assert.Error(t, err)
}
