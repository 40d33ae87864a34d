// Copyright 2022 Northern.tech AS
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

// Package artifact implements the streaming reader for the Mender-style
// Artifact container format: a tar of tars carrying a signed manifest, a
// compressed header and exactly one data payload.
package artifact

import "fmt"

// ParseError wraps a malformed-input condition: a bad manifest line, a
// payload whose checksum didn't match, an out-of-order section.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return "artifact: " + e.msg }

func newParseError(format string, args ...interface{}) error {
	return &ParseError{msg: fmt.Sprintf(format, args...)}
}

// SignatureVerificationError is returned when manifest.sig is present,
// verification keys are configured, and none of them validate the
// signature over the manifest bytes.
type SignatureVerificationError struct {
	msg string
}

func (e *SignatureVerificationError) Error() string { return "artifact: " + e.msg }

// NoMorePayloadFilesError is returned by Artifact.Next once the single
// payload has already been consumed.
type NoMorePayloadFilesError struct{}

func (e *NoMorePayloadFilesError) Error() string {
	return "artifact: no more payload files (single-payload artifact already consumed)"
}
