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

package artifact

import "encoding/json"

// UpdateType names one payload's handler type, e.g. "rootfs-image". A nil
// Type (JSON null) marks the artifact's single declared payload as the
// empty-payload special case.
type UpdateType struct {
	Type *string `json:"type"`
}

// HeaderInfo is the decoded header-info JSON document: payload types plus
// the artifact's own provides/depends (as opposed to the per-payload
// type-info provides/depends parsed separately).
type HeaderInfo struct {
	Payloads         []UpdateType      `json:"payloads"`
	ArtifactProvides map[string]string `json:"artifact_provides"`
	ArtifactDepends  ArtifactDepends   `json:"artifact_depends"`
}

// ArtifactDepends is artifact_depends from header-info; DeviceType is
// mandatory per spec §3.
type ArtifactDepends struct {
	ArtifactName  []string `json:"artifact_name,omitempty"`
	ArtifactGroup []string `json:"artifact_group,omitempty"`
	DeviceType    []string `json:"device_type"`
}

// TypeInfo is the per-payload type-info JSON document under
// headers/0000/type-info.
type TypeInfo struct {
	Type                   string            `json:"type"`
	ArtifactProvides       map[string]string `json:"artifact_provides,omitempty"`
	ArtifactDepends        map[string]string `json:"artifact_depends,omitempty"`
	ClearsArtifactProvides []string          `json:"clears_artifact_provides,omitempty"`
}

func parseHeaderInfo(raw []byte) (*HeaderInfo, error) {
	var hi HeaderInfo
	if err := json.Unmarshal(raw, &hi); err != nil {
		return nil, newParseError("failed to parse header-info: %s", err)
	}
	if len(hi.Payloads) != 1 {
		return nil, newParseError(
			"expected exactly one payload in header-info, found %d", len(hi.Payloads))
	}
	if len(hi.ArtifactDepends.DeviceType) == 0 {
		return nil, newParseError("header-info: artifact_depends.device_type is required")
	}
	return &hi, nil
}

func parseTypeInfo(raw []byte) (*TypeInfo, error) {
	var ti TypeInfo
	if err := json.Unmarshal(raw, &ti); err != nil {
		return nil, newParseError("failed to parse type-info: %s", err)
	}
	return &ti, nil
}
