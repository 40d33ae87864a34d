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
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ExponentialBackoffSmallestUnit is normally one minute; lowered by tests.
var ExponentialBackoffSmallestUnit = time.Minute

// MaxRetriesExceededError is returned once GetExponentialBackoffTime has
// been asked for an interval beyond maxInterval three times running.
var MaxRetriesExceededError = errors.New("client: tried maximum amount of times")

// GetExponentialBackoffTime implements the same "three tries per interval,
// then double (capped at maxInterval)" schedule client/api/api.go used for
// server-switch retries; resumer reuses it for broken-connection retries.
func GetExponentialBackoffTime(tried int, maxInterval time.Duration) (time.Duration, error) {
	const perIntervalAttempts = 3

	interval := ExponentialBackoffSmallestUnit
	next := interval

	for c := 0; c <= tried; c += perIntervalAttempts {
		interval = next
		next *= 2
		if interval >= maxInterval {
			if tried-c >= perIntervalAttempts {
				return 0, MaxRetriesExceededError
			}
			if maxInterval < ExponentialBackoffSmallestUnit {
				return ExponentialBackoffSmallestUnit, nil
			}
			return maxInterval, nil
		}
	}
	return interval, nil
}

// resumer wraps an artifact download body, reconnecting with a Range
// request from the last byte actually read whenever the underlying stream
// breaks before contentLength bytes have been delivered (spec §4.I).
// Grounded directly on the teacher's UpdateResumer.
type resumer struct {
	stream        io.ReadCloser
	api           ApiRequester
	req           *http.Request
	offset        int64
	contentLength int64
	retryAttempts int
	maxWait       time.Duration
}

func newResumer(stream io.ReadCloser, contentLength int64, maxWait time.Duration,
	api ApiRequester, req *http.Request) *resumer {
	return &resumer{
		stream:        stream,
		api:           api,
		req:           req,
		contentLength: contentLength,
		maxWait:       maxWait,
	}
}

func (r *resumer) Read(buf []byte) (int, error) {
	origOffset := r.offset
	for {
		n, err := r.stream.Read(buf[r.offset-origOffset:])
		if n > 0 {
			r.offset += int64(n)
		}
		if err == nil || r.offset <= 0 || (err == io.EOF && r.offset >= r.contentLength) {
			return int(r.offset - origOffset), err
		}

		r.req.Header.Set("Range", fmt.Sprintf("bytes=%d-", r.offset))

		var resp *http.Response
		for {
			log.Errorf("client: download connection broken: %s", err)

			wait, waitErr := GetExponentialBackoffTime(r.retryAttempts, r.maxWait)
			if waitErr != nil {
				return int(r.offset - origOffset), errors.Wrap(waitErr, "client: cannot resume download")
			}
			log.Infof("client: resuming download in %s", wait)
			r.retryAttempts++
			time.Sleep(wait)

			log.Infof("client: attempting to resume artifact download from offset %d", r.offset)
			resp, err = r.api.Do(r.req)
			if err != nil {
				log.Infof("client: download resume request failed: %s", err)
				continue
			}

			stream, serr := r.streamFromPartialContent(resp)
			if serr != nil {
				err = serr
				continue
			}
			r.stream = stream
			break
		}
	}
}

func (r *resumer) streamFromPartialContent(resp *http.Response) (io.ReadCloser, error) {
	if r.offset > 0 && resp.StatusCode != http.StatusPartialContent {
		return nil, errors.Errorf("client: could not resume download from offset %d, HTTP status %s",
			r.offset, resp.Status)
	}

	rangeHeader := resp.Header.Get("Content-Range")
	if !strings.HasPrefix(rangeHeader, "bytes ") {
		return nil, errors.Errorf("client: server returned garbled or missing range: %q", rangeHeader)
	}
	rangeHeader = strings.TrimSpace(rangeHeader[len("bytes "):])

	posAndSize := strings.Split(rangeHeader, "/")
	if len(posAndSize) > 2 {
		return nil, errors.Errorf("client: unexpected Content-Range: %q", rangeHeader)
	} else if len(posAndSize) == 2 {
		size, err := strconv.ParseInt(posAndSize[1], 10, 64)
		if err != nil {
			return nil, errors.Errorf("client: server returned garbled range: %q", rangeHeader)
		} else if size != r.contentLength {
			return nil, errors.Errorf(
				"client: artifact size changed after download resumed (expected %d, got %d)",
				r.contentLength, size)
		}
	}

	startAndEnd := strings.Split(posAndSize[0], "-")
	if len(startAndEnd) != 2 {
		return nil, errors.Errorf("client: invalid Content-Range: %q", rangeHeader)
	}

	newOffset, err := strconv.ParseInt(startAndEnd[0], 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "client: server returned garbled range: %q", rangeHeader)
	}

	if newOffset > r.offset {
		return nil, errors.Errorf("client: server returned unexpected range, expected %d, got %d",
			r.offset, newOffset)
	} else if newOffset < r.offset {
		n, err := io.CopyN(ioutil.Discard, resp.Body, r.offset-newOffset)
		if err == io.ErrUnexpectedEOF {
			return nil, err
		} else if err != nil || n != r.offset-newOffset {
			return nil, errors.Wrapf(err,
				"client: could not resume download, unable to catch up to offset %d from %d",
				r.offset, newOffset)
		}
	}

	return resp.Body, nil
}

func (r *resumer) Close() error {
	return r.stream.Close()
}
