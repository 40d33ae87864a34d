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

// Package authmanager bootstraps the device's RSA identity and obtains the
// bearer token that the deployment API client authenticates with (spec
// §1, "mender-auth"). It satisfies client.AuthProvider, so app/client can
// treat it as an opaque token source without depending on how the token
// was obtained.
package authmanager

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-lifecycle/client"
	"github.com/mendersoftware/mender-lifecycle/conf"
	"github.com/mendersoftware/mender-lifecycle/device"
	"github.com/mendersoftware/mender-lifecycle/utils"
)

const authRequestsPath = "/api/devices/v1/authentication/auth_requests"

// Keystore wraps the device's persistent RSA identity. Generate/Load/Save
// mirror the teacher's store.Keystore contract, minus the PKCS11/static-key
// support that relies on the openssl cgo binding — see DESIGN.md.
type Keystore struct {
	path    string
	private *rsa.PrivateKey
}

// NewKeystore points a Keystore at a PEM file; nothing is read from disk
// until Load is called.
func NewKeystore(path string) *Keystore {
	return &Keystore{path: path}
}

func (k *Keystore) Load() error {
	if utils.IsPKCS11KeyURI(k.path) || utils.IsTPM2KeyURI(k.path) {
		return errors.Errorf(
			"authmanager: hardware-backed key %q requires a PKCS#11/TPM2 engine, which this build does not include",
			utils.HardwareKeyHandle(k.path))
	}

	data, err := ioutil.ReadFile(k.path)
	if os.IsNotExist(err) {
		return err
	} else if err != nil {
		return errors.Wrap(err, "authmanager: failed to read key file")
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return errors.New("authmanager: key file does not contain a PEM block")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return errors.Wrap(err, "authmanager: failed to parse device key")
	}
	k.private = key
	return nil
}

func (k *Keystore) Save() error {
	if k.private == nil {
		return errors.New("authmanager: no key to save")
	}
	if err := os.MkdirAll(filepath.Dir(k.path), 0700); err != nil {
		return errors.Wrap(err, "authmanager: failed to create key directory")
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k.private)}
	return ioutil.WriteFile(k.path, pem.EncodeToMemory(block), 0600)
}

// Generate creates a fresh 2048-bit device key, overwriting any key already
// held in memory (but not yet persisted until Save is called).
func (k *Keystore) Generate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return errors.Wrap(err, "authmanager: failed to generate device key")
	}
	k.private = key
	return nil
}

func (k *Keystore) Private() *rsa.PrivateKey {
	return k.private
}

// PublicPEM returns the PEM encoding of the public half of the device key.
func (k *Keystore) PublicPEM() ([]byte, error) {
	if k.private == nil {
		return nil, errors.New("authmanager: no device key loaded")
	}
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		return nil, errors.Wrap(err, "authmanager: failed to marshal public key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// Sign produces a PKCS#1 v1.5 signature over message, the scheme the
// authentication API's /auth_requests endpoint expects in X-MEN-Signature.
func (k *Keystore) Sign(message []byte) ([]byte, error) {
	if k.private == nil {
		return nil, errors.New("authmanager: no device key loaded")
	}
	hashed := sha256.Sum256(message)
	return rsa.SignPKCS1v15(rand.Reader, k.private, crypto.SHA256, hashed[:])
}

// authRequest is the wire body the server expects at /auth_requests.
type authRequest struct {
	IDData      string `json:"id_data"`
	TenantToken string `json:"tenant_token,omitempty"`
	PublicKey   string `json:"pubkey"`
}

// Config configures an AuthManager: where the device key lives, which
// servers to try (in order, cycled on failure), the tenant token to
// include in auth requests, and the mTLS transport to use.
type Config struct {
	KeyFile     string
	Servers     []conf.MenderServer
	TenantToken string
	HTTPConfig  client.Config
}

// AuthManager bootstraps the device's key and authorizes against the
// configured server list, caching the resulting token/server pair for
// client.AuthProvider callers. Concurrency-safe: a poller goroutine and a
// deployment daemon goroutine may both call GetAuthToken/FetchToken.
type AuthManager struct {
	keystore *Keystore
	identity device.IdentityDataGetter
	http     *http.Client
	servers  []conf.MenderServer
	tenant   string

	mu     sync.Mutex
	token  string
	server string
}

// NewAuthManager builds an AuthManager; identity defaults to
// device.NewIdentityDataGetter() when nil.
func NewAuthManager(cfg Config, identity device.IdentityDataGetter) (*AuthManager, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("authmanager: no servers configured")
	}
	httpClient, err := client.NewHTTPClient(cfg.HTTPConfig)
	if err != nil {
		return nil, errors.Wrap(err, "authmanager: failed to build HTTP transport")
	}
	if identity == nil {
		identity = device.NewIdentityDataGetter()
	}
	return &AuthManager{
		keystore: NewKeystore(cfg.KeyFile),
		identity: identity,
		http:     httpClient,
		servers:  cfg.Servers,
		tenant:   cfg.TenantToken,
	}, nil
}

// HasKey reports whether a device key is currently loaded.
func (m *AuthManager) HasKey() bool {
	return m.keystore.Private() != nil
}

// GenerateKey creates and persists a new device key, overwriting any
// existing one.
func (m *AuthManager) GenerateKey() error {
	if err := m.keystore.Generate(); err != nil {
		return err
	}
	return m.keystore.Save()
}

// Bootstrap loads the device key, generating and persisting one if none
// exists yet.
func (m *AuthManager) Bootstrap() error {
	if utils.IsPKCS11KeyURI(m.keystore.path) || utils.IsTPM2KeyURI(m.keystore.path) {
		return m.keystore.Load()
	}

	if err := m.keystore.Load(); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		log.Errorf("authmanager: failed to load device key: %s", err)
	}
	log.Info("authmanager: no device key found, generating one")
	return m.GenerateKey()
}

// GetAuthToken implements client.AuthProvider: it returns the cached
// token/server pair, fetching a fresh one on first use.
func (m *AuthManager) GetAuthToken() (string, string, error) {
	m.mu.Lock()
	token, server := m.token, m.server
	m.mu.Unlock()
	if token != "" && server != "" {
		return token, server, nil
	}
	if err := m.FetchToken(); err != nil {
		return "", "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, m.server, nil
}

// FetchToken bootstraps the device key if needed, then authorizes against
// each configured server in turn until one succeeds, caching the result.
// Grounded on the teacher's fetchAuthToken/nextServerIterator pair.
func (m *AuthManager) FetchToken() error {
	if err := m.Bootstrap(); err != nil {
		return errors.Wrap(err, "authmanager: bootstrap failed")
	}

	req, err := m.buildAuthRequest()
	if err != nil {
		return err
	}

	var lastErr error
	for _, server := range m.servers {
		if server.ServerURL == "" {
			continue
		}
		log.Debugf("authmanager: trying to authenticate with %s", server.ServerURL)
		token, err := m.authenticateWith(server.ServerURL, req)
		if err != nil {
			log.Warnf("authmanager: authentication against %s failed: %s", server.ServerURL, err)
			lastErr = err
			continue
		}
		m.mu.Lock()
		m.token, m.server = token, server.ServerURL
		m.mu.Unlock()
		log.Infof("authmanager: successfully authenticated with %s", server.ServerURL)
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("authmanager: no usable server URL configured")
	}
	return errors.Wrap(lastErr, "authmanager: failed to authenticate with any server")
}

func (m *AuthManager) buildAuthRequest() ([]byte, error) {
	idData, err := m.identity.Get()
	if err != nil {
		return nil, errors.Wrap(err, "authmanager: failed to collect identity data")
	}
	pubkey, err := m.keystore.PublicPEM()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(authRequest{
		IDData:      idData,
		TenantToken: strings.TrimSpace(m.tenant),
		PublicKey:   string(pubkey),
	})
	if err != nil {
		return nil, errors.Wrap(err, "authmanager: failed to encode auth request")
	}
	return body, nil
}

func (m *AuthManager) authenticateWith(serverURL string, body []byte) (string, error) {
	sig, err := m.keystore.Sign(body)
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(serverURL, "/") + authRequestsPath
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "authmanager: failed to build auth request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-MEN-Signature", base64.StdEncoding.EncodeToString(sig))

	resp, err := m.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "authmanager: auth request failed")
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "authmanager: failed to read auth response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if len(data) == 0 {
			return "", errors.New("authmanager: empty auth response")
		}
		return string(data), nil
	case http.StatusUnauthorized:
		return "", errors.New("authmanager: device unauthorized")
	default:
		return "", errors.Errorf("authmanager: unexpected status %d from auth endpoint", resp.StatusCode)
	}
}
