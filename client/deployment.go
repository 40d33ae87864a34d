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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-lifecycle/app"
)

// DeploymentAbortedError is returned by PushStatus when the server answers
// 409 Conflict, meaning it considers the deployment already finished or
// aborted on its side; the caller should stop driving it further.
var DeploymentAbortedError = errors.New("client: deployment was aborted by the server")

// DeploymentClient implements app.DeploymentClient against the Mender
// deployments API: a v2 POST for /deployments/device/deployments/next,
// falling back to the v1 GET endpoint on 404 for servers that don't yet
// support it (spec §4.G), plus status/log reporting and resumable payload
// fetch.
type DeploymentClient struct {
	api          *authClient
	download     *http.Client
	maxWait      time.Duration
	minImageSize int64
}

// NewDeploymentClient builds a DeploymentClient; auth supplies the bearer
// token/server URL for every authenticated call, conf configures the mTLS
// transport used for both the authenticated and the (unauthenticated)
// artifact-download client.
func NewDeploymentClient(conf Config, auth AuthProvider) (*DeploymentClient, error) {
	api, err := newAuthClient(conf, auth)
	if err != nil {
		return nil, err
	}
	download, err := NewHTTPClient(conf)
	if err != nil {
		return nil, err
	}
	return &DeploymentClient{
		api:          api,
		download:     download,
		maxWait:      time.Hour,
		minImageSize: 4096,
	}, nil
}

type deploymentNextRequest struct {
	DeviceProvides map[string]string `json:"device_provides"`
}

type deploymentNextResponseV2 struct {
	ID       string `json:"id"`
	Artifact struct {
		Source struct {
			URI string `json:"uri"`
		} `json:"source"`
		ArtifactName      string   `json:"artifact_name"`
		DeviceTypesCompat []string `json:"device_types_compatible"`
		PayloadTypes      []struct {
			Type string `json:"type"`
		} `json:"payloads"`
	} `json:"artifact"`
}

type deploymentNextResponseV1 struct {
	ID    string `json:"id"`
	Image struct {
		URI               string   `json:"uri"`
		Name              string   `json:"name"`
		DeviceTypesCompat []string `json:"device_types_compatible"`
	} `json:"image"`
}

// CheckNewDeployments implements app.DeploymentClient.
func (c *DeploymentClient) CheckNewDeployments(provides map[string]string, deviceType string) (*app.DeploymentResponse, error) {
	resp, err := c.checkNewDeploymentsV2(provides, deviceType)
	if err == nil || err != errV2NotSupported {
		return resp, err
	}
	log.Debug("client: v2 deployments/next not supported by server, falling back to v1")
	return c.checkNewDeploymentsV1(deviceType)
}

var errV2NotSupported = errors.New("client: v2 endpoint not found")

func (c *DeploymentClient) checkNewDeploymentsV2(provides map[string]string, deviceType string) (*app.DeploymentResponse, error) {
	body, err := json.Marshal(deploymentNextRequest{DeviceProvides: provides})
	if err != nil {
		return nil, errors.Wrap(err, "client: failed to encode deployments/next request")
	}

	req, err := http.NewRequest(http.MethodPost, buildApiPath("/deployments/device/deployments/next"),
		bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "client: failed to build deployments/next request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Version", "2")

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "client: deployments/next request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusNotFound:
		return nil, errV2NotSupported
	case http.StatusOK:
		data, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "client: failed to read deployments/next response")
		}
		var v2 deploymentNextResponseV2
		if err := json.Unmarshal(data, &v2); err != nil {
			return nil, errors.Wrap(err, "client: failed to parse deployments/next response")
		}
		payloadTypes := make([]string, 0, len(v2.Artifact.PayloadTypes))
		for _, p := range v2.Artifact.PayloadTypes {
			payloadTypes = append(payloadTypes, p.Type)
		}
		return &app.DeploymentResponse{
			ID:                v2.ID,
			ArtifactName:      v2.Artifact.ArtifactName,
			CompatibleDevices: v2.Artifact.DeviceTypesCompat,
			PayloadTypes:      payloadTypes,
			URI:               v2.Artifact.Source.URI,
		}, nil
	default:
		return nil, errors.Errorf("client: unexpected status %d from deployments/next", resp.StatusCode)
	}
}

func (c *DeploymentClient) checkNewDeploymentsV1(deviceType string) (*app.DeploymentResponse, error) {
	req, err := http.NewRequest(http.MethodGet, buildApiPath("/deployments/device/update"), nil)
	if err != nil {
		return nil, errors.Wrap(err, "client: failed to build update-check request")
	}
	q := req.URL.Query()
	q.Set("device_type", deviceType)
	req.URL.RawQuery = q.Encode()

	resp, err := c.api.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "client: update-check request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		data, err := ioutil.ReadAll(resp.Body)
		if err != nil {
			return nil, errors.Wrap(err, "client: failed to read update-check response")
		}
		var v1 deploymentNextResponseV1
		if err := json.Unmarshal(data, &v1); err != nil {
			return nil, errors.Wrap(err, "client: failed to parse update-check response")
		}
		return &app.DeploymentResponse{
			ID:                v1.ID,
			ArtifactName:      v1.Image.Name,
			CompatibleDevices: v1.Image.DeviceTypesCompat,
			URI:               v1.Image.URI,
		}, nil
	default:
		return nil, errors.Errorf("client: unexpected status %d from update-check", resp.StatusCode)
	}
}

// OpenPayload implements app.DeploymentClient: fetches uri and wraps the
// body in a resumer that retries broken connections from the last byte
// seen (spec §4.I). The download uses an unauthenticated client, per the
// teacher's DownloadApiClient split, since the artifact storage URL
// normally carries its own pre-signed credentials and shouldn't also see
// the device's bearer token.
func (c *DeploymentClient) OpenPayload(uri string) (io.ReadCloser, error) {
	req, err := http.NewRequest(http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrap(err, "client: failed to build artifact fetch request")
	}

	resp, err := c.download.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "client: artifact fetch request failed")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("client: unexpected status %d fetching artifact", resp.StatusCode)
	}
	if resp.ContentLength < c.minImageSize {
		resp.Body.Close()
		return nil, errors.Errorf("client: artifact smaller than expected (%d bytes)", resp.ContentLength)
	}

	return newResumer(resp.Body, resp.ContentLength, c.maxWait, &downloadRequester{c.download}, req), nil
}

type downloadRequester struct{ http *http.Client }

func (d *downloadRequester) Do(req *http.Request) (*http.Response, error) { return d.http.Do(req) }

// PushStatus implements app.DeploymentClient.
func (c *DeploymentClient) PushStatus(deploymentID, status, substate string) error {
	type statusReport struct {
		Status   string `json:"status"`
		Substate string `json:"substate,omitempty"`
	}
	body, err := json.Marshal(statusReport{Status: status, Substate: substate})
	if err != nil {
		return errors.Wrap(err, "client: failed to encode status report")
	}

	path := fmt.Sprintf("/deployments/device/deployments/%s/status", deploymentID)
	req, err := http.NewRequest(http.MethodPut, buildApiPath(path), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "client: failed to build status report request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return errors.Wrap(err, "client: status report request failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return DeploymentAbortedError
	default:
		return errors.Errorf("client: unexpected status %d reporting deployment status", resp.StatusCode)
	}
}

// PushLogs implements app.DeploymentClient: reads the per-deployment log
// file back (one JSON entry per line, as deploylog.Manager writes them)
// and reshapes it into the {"messages": [...]} wire format the log-push
// endpoint expects.
func (c *DeploymentClient) PushLogs(deploymentID, logFilePath string) error {
	body, err := wrapLogFile(logFilePath)
	if err != nil {
		return errors.Wrap(err, "client: failed to prepare deployment log for upload")
	}

	path := fmt.Sprintf("/deployments/device/deployments/%s/log", deploymentID)
	req, err := http.NewRequest(http.MethodPut, buildApiPath(path), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "client: failed to build log upload request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.api.Do(req)
	if err != nil {
		return errors.Wrap(err, "client: log upload request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return errors.Errorf("client: unexpected status %d uploading deployment log", resp.StatusCode)
	}
	return nil
}

func wrapLogFile(path string) ([]byte, error) {
	type wrapped struct {
		Messages []json.RawMessage `json:"messages"`
	}
	messages := make([]json.RawMessage, 0)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return json.Marshal(wrapped{messages})
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line json.RawMessage
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		messages = append(messages, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return json.Marshal(wrapped{messages})
}
