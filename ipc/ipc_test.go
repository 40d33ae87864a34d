// Copyright 2021 Northern.tech AS
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
package ipc

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTokenSource struct {
	token, server string
	getErr        error
	fetchErr      error
	fetchCalled   bool
}

func (f *fakeTokenSource) GetAuthToken() (string, string, error) {
	return f.token, f.server, f.getErr
}

func (f *fakeTokenSource) FetchToken() error {
	f.fetchCalled = true
	return f.fetchErr
}

// These exercise the exported D-Bus method bodies directly, without an
// actual bus connection, the same way the method bodies themselves never
// touch s.conn.

func TestServerGetJWTTokenSuccess(t *testing.T) {
	s := &Server{source: &fakeTokenSource{token: "tok", server: "https://mender.io"}}
	token, server, dbusErr := s.GetJWTToken()
	require.Nil(t, dbusErr)
	assert.Equal(t, "tok", token)
	assert.Equal(t, "https://mender.io", server)
}

func TestServerGetJWTTokenFailure(t *testing.T) {
	s := &Server{source: &fakeTokenSource{getErr: errors.New("not authorized")}}
	token, server, dbusErr := s.GetJWTToken()
	assert.NotNil(t, dbusErr)
	assert.Empty(t, token)
	assert.Empty(t, server)
}

func TestServerFetchJWTTokenDelegates(t *testing.T) {
	src := &fakeTokenSource{}
	s := &Server{source: src}
	dbusErr := s.FetchJWTToken()
	assert.Nil(t, dbusErr)
	assert.True(t, src.fetchCalled)
}

func TestServerFetchJWTTokenFailure(t *testing.T) {
	src := &fakeTokenSource{fetchErr: errors.New("all servers failed")}
	s := &Server{source: src}
	dbusErr := s.FetchJWTToken()
	assert.NotNil(t, dbusErr)
}
