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

// Package ipc carries the JWT token from the mender-auth daemon's
// AuthManager across the process boundary to mender-update over D-Bus
// (spec §6), so the two daemons can be split into separate processes (and
// separate privilege domains) the way upstream Mender splits them.
package ipc

import (
	"github.com/godbus/dbus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	// BusName is the well-known name mender-auth registers on the system
	// bus.
	BusName = "io.mender.AuthenticationManager"
	// ObjectPath is the object mender-auth exports its token method on.
	ObjectPath = dbus.ObjectPath("/io/mender/AuthenticationManager")
	// InterfaceName groups the exported methods.
	InterfaceName = "io.mender.Authentication1"
)

// TokenSource is the subset of authmanager.AuthManager the server side
// needs; satisfied by *authmanager.AuthManager without ipc importing it
// (authmanager already imports client, and client must not import ipc).
type TokenSource interface {
	GetAuthToken() (string, string, error)
	FetchToken() error
}

// Server exports a TokenSource (normally an *authmanager.AuthManager) as a
// D-Bus object on the system bus, run from the mender-auth process.
type Server struct {
	conn   *dbus.Conn
	source TokenSource
}

// NewServer connects to the system bus, requests BusName, and exports
// source's methods at ObjectPath. Call Close when done.
func NewServer(source TokenSource) (*Server, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "ipc: failed to connect to system bus")
	}

	s := &Server{conn: conn, source: source}
	if err := conn.Export(s, ObjectPath, InterfaceName); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "ipc: failed to export authentication object")
	}

	reply, err := conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "ipc: failed to request bus name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, errors.Errorf("ipc: bus name %s already owned by another process", BusName)
	}

	log.Infof("ipc: exported %s on %s", InterfaceName, BusName)
	return s, nil
}

// GetJWTToken is the D-Bus method body for fetching the cached token/server
// pair; it is invoked by name via reflection (godbus/dbus convention), so
// its signature is fixed: one or more normal args, a final *dbus.Error.
func (s *Server) GetJWTToken() (string, string, *dbus.Error) {
	token, server, err := s.source.GetAuthToken()
	if err != nil {
		return "", "", dbus.MakeFailedError(err)
	}
	return token, server, nil
}

// FetchJWTToken forces a fresh authentication round-trip against the
// configured server list, bypassing the cached token.
func (s *Server) FetchJWTToken() *dbus.Error {
	if err := s.source.FetchToken(); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// Close releases the bus connection.
func (s *Server) Close() error {
	return s.conn.Close()
}

// Client implements client.AuthProvider by calling out to the mender-auth
// process's exported Server over D-Bus; used by mender-update when the two
// daemons run as separate processes.
type Client struct {
	conn *dbus.Conn
}

// NewClient connects to the system bus to talk to a running Server.
func NewClient() (*Client, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "ipc: failed to connect to system bus")
	}
	return &Client{conn: conn}, nil
}

// GetAuthToken implements client.AuthProvider.
func (c *Client) GetAuthToken() (string, string, error) {
	obj := c.conn.Object(BusName, ObjectPath)
	var token, server string
	call := obj.Call(InterfaceName+".GetJWTToken", 0)
	if call.Err != nil {
		return "", "", errors.Wrap(call.Err, "ipc: GetJWTToken call failed")
	}
	if err := call.Store(&token, &server); err != nil {
		return "", "", errors.Wrap(err, "ipc: failed to decode GetJWTToken reply")
	}
	return token, server, nil
}

// FetchToken calls the server's FetchJWTToken method, forcing a fresh
// authentication round-trip.
func (c *Client) FetchToken() error {
	obj := c.conn.Object(BusName, ObjectPath)
	call := obj.Call(InterfaceName+".FetchJWTToken", 0)
	if call.Err != nil {
		return errors.Wrap(call.Err, "ipc: FetchJWTToken call failed")
	}
	return nil
}

// Close releases the bus connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
