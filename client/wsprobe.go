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

package client

import (
	"crypto/tls"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const wsNotifyPath = "/api/devices/v1/deviceconnect/connect"

// WSProbe maintains a best-effort websocket connection to the server's
// deployment-notification channel, so a newly scheduled deployment can wake
// a waiting device immediately instead of only on the next poll tick. A
// server that doesn't support (or accept) the upgrade is not an error:
// WSProbe just keeps retrying with backoff, and the device falls back to
// plain polling for as long as the upgrade keeps failing.
type WSProbe struct {
	conf   Config
	auth   AuthProvider
	notify chan struct{}
}

// NewWSProbe builds a WSProbe; call Run in its own goroutine and read
// Notifications for early-wake signals.
func NewWSProbe(conf Config, auth AuthProvider) *WSProbe {
	return &WSProbe{conf: conf, auth: auth, notify: make(chan struct{}, 1)}
}

// Notifications returns the channel an early deployment-available signal is
// delivered on; suitable for app.Daemon.DeploymentNotify.
func (p *WSProbe) Notifications() <-chan struct{} {
	return p.notify
}

// Run dials the notification channel and relays every message received as a
// wake-up, reconnecting with exponential backoff until stop is closed.
func (p *WSProbe) Run(stop <-chan struct{}) {
	attempt := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := p.connectAndRelay(stop); err != nil {
			log.Debugf("client: websocket notification channel unavailable: %s", err)
		}

		attempt++
		wait, err := GetExponentialBackoffTime(attempt, 10*time.Minute)
		if err != nil {
			wait = 10 * time.Minute
		}
		select {
		case <-time.After(wait):
		case <-stop:
			return
		}
	}
}

func (p *WSProbe) connectAndRelay(stop <-chan struct{}) error {
	token, server, err := p.auth.GetAuthToken()
	if err != nil {
		return err
	}

	url := strings.Replace(server, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	url = strings.TrimRight(url, "/") + wsNotifyPath

	dialer := websocket.Dialer{
		HandshakeTimeout: 45 * time.Second,
	}
	if p.conf.NoVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // nolint:gosec
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := dialer.Dial(url, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		select {
		case <-stop:
			conn.Close()
		case <-closed:
		}
	}()
	defer close(closed)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		select {
		case p.notify <- struct{}{}:
		default:
		}
	}
}
