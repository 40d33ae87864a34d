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

// Package client implements the deployment-API HTTP client (spec §4.G):
// polling for deployments, reporting status and logs, pushing inventory,
// and fetching artifact payloads with resumable range requests (§4.I).
package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const apiPrefix = "/api/devices/v1/"

// ApiRequester is the Do-only seam every request goes through; a plain
// *http.Client satisfies it, same as authClient below.
type ApiRequester interface {
	Do(req *http.Request) (*http.Response, error)
}

// AuthProvider supplies the bearer token and server URL each request needs.
// It's deliberately this small (rather than importing authmanager directly)
// so this package stays usable from tests and from the dbus-backed
// ipc.Client alike; see DESIGN.md.
type AuthProvider interface {
	GetAuthToken() (token string, serverURL string, err error)
}

// Config mirrors the mTLS knobs the teacher's client.go exposed; ServerCert
// empty means "trust the system pool", CertFile/CertKey empty means "no
// client certificate".
type Config struct {
	ServerCert string
	CertFile   string
	CertKey    string
	NoVerify   bool
}

// authClient wraps an http.Client, attaching the current bearer token to
// every request and retrying once against a freshly fetched token on 401,
// the same reauthorization loop client/api/api.go's ApiClient.Do ran
// against D-Bus; AuthProvider here stands in for that D-Bus round trip.
type authClient struct {
	http.Client
	auth AuthProvider

	token  string
	server string
}

func newAuthClient(conf Config, auth AuthProvider) (*authClient, error) {
	httpClient, err := NewHTTPClient(conf)
	if err != nil {
		return nil, err
	}
	return &authClient{Client: *httpClient, auth: auth}, nil
}

func (c *authClient) Do(req *http.Request) (*http.Response, error) {
	if c.token == "" || c.server == "" {
		if err := c.refreshToken(); err != nil {
			return nil, err
		}
	}

	resp, err := c.doWithToken(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()

	log.Info("client: device unauthorized, requesting a fresh token")
	if err := c.refreshToken(); err != nil {
		return nil, err
	}
	return c.doWithToken(req)
}

func (c *authClient) refreshToken() error {
	token, server, err := c.auth.GetAuthToken()
	if err != nil {
		return errors.Wrap(err, "client: failed to obtain auth token")
	}
	if token == "" || server == "" {
		return errors.New("client: not authorized, no token or server URL available")
	}
	c.token, c.server = token, server
	return nil
}

// doWithToken rebuilds req against the current server URL, the same
// reconstruct-then-resend shuffle client/api/api.go's doRequest used so a
// request can be safely retried against a second server without reusing an
// already-consumed request body (see golang/go#19653).
func (c *authClient) doWithToken(req *http.Request) (*http.Response, error) {
	url := strings.TrimRight(buildURL(c.server), "/") + "/" + strings.TrimLeft(req.URL.Path, "/")
	if req.URL.RawQuery != "" {
		url += "?" + req.URL.RawQuery
	}

	newReq, err := http.NewRequest(req.Method, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "client: unable to construct request")
	}
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, "client: unable to reconstruct request body")
		}
		newReq.Body = rc
		newReq.GetBody = req.GetBody
		newReq.ContentLength = req.ContentLength
	}
	newReq.Header = req.Header.Clone()
	newReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))

	return c.Client.Do(newReq)
}

// NewHTTPClient builds a plain (unauthenticated) *http.Client with the mTLS
// transport conf describes; exported so authmanager can reuse the same
// transport for its own bootstrap/authorization requests.
func NewHTTPClient(conf Config) (*http.Client, error) {
	client := &http.Client{Timeout: 4 * time.Hour}

	if conf == (Config{}) {
		return client, nil
	}

	trusted, err := loadServerTrust(conf)
	if err != nil {
		return nil, errors.Wrap(err, "client: cannot initialize server trust")
	}
	clientCert, err := loadClientCert(conf)
	if err != nil {
		return nil, errors.Wrap(err, "client: cannot load client certificate")
	}

	if conf.NoVerify {
		log.Warn("client: certificate verification disabled")
	}
	tlsConf := &tls.Config{
		RootCAs:            trusted,
		InsecureSkipVerify: conf.NoVerify,
	}
	if clientCert != nil {
		tlsConf.Certificates = []tls.Certificate{*clientCert}
	}
	client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	return client, nil
}

func loadServerTrust(conf Config) (*x509.CertPool, error) {
	if conf.ServerCert == "" {
		log.Warn("client: no server certificate configured, trusting the system pool")
		return nil, nil
	}
	pem, err := os.ReadFile(conf.ServerCert)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("client: failed to add server certificate to trust pool")
	}
	return pool, nil
}

func loadClientCert(conf Config) (*tls.Certificate, error) {
	if conf.CertFile == "" || conf.CertKey == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(conf.CertFile, conf.CertKey)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func buildURL(server string) string {
	if strings.HasPrefix(server, "https://") || strings.HasPrefix(server, "http://") {
		return server
	}
	return "https://" + server
}

func buildApiPath(path string) string {
	return apiPrefix + strings.TrimLeft(path, "/")
}
