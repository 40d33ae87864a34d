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

import (
	"archive/tar"
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	sha256 "github.com/minio/sha256-simd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTestArtifact assembles a minimal valid v3 artifact in memory: one
// rootfs-image payload containing a single file, "rootfs.img".
func buildTestArtifact(t *testing.T, payloadContent string) []byte {
	headerInfo := []byte(`{
		"payloads": [{"type": "rootfs-image"}],
		"artifact_provides": {"artifact_name": "release-1", "artifact_group": "group-1"},
		"artifact_depends": {"device_type": ["qemux86-64"]}
	}`)
	typeInfo := []byte(`{"type": "rootfs-image"}`)

	headerTarGz := buildInnerTarGz(t, map[string][]byte{
		"header-info":           headerInfo,
		"headers/0000/type-info": typeInfo,
	})
	dataTarGz := buildInnerTarGz(t, map[string][]byte{
		"rootfs.img": []byte(payloadContent),
	})

	manifestLines := []struct {
		name string
		data []byte
	}{
		{"header.tar.gz", headerTarGz},
		{"data/0000.tar.gz", dataTarGz},
	}
	manifestBuf := &bytes.Buffer{}
	for _, l := range manifestLines {
		sum := sha256.Sum256(l.data)
		manifestBuf.WriteString(hexEncode(sum[:]) + "  " + l.name + "\n")
	}

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)

	writeEntry(t, tw, "version", []byte(`{"format":"mender","version":3}`))
	writeEntry(t, tw, "manifest", manifestBuf.Bytes())
	writeEntry(t, tw, "header.tar.gz", headerTarGz)
	writeEntry(t, tw, "data/0000.tar.gz", dataTarGz)

	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func buildInnerTarGz(t *testing.T, files map[string][]byte) []byte {
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	tw := tar.NewWriter(gz)
	for name, data := range files {
		writeEntry(t, tw, name, data)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func writeEntry(t *testing.T, tw *tar.Writer, name string, data []byte) {
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0644,
		Size: int64(len(data)),
	}))
	_, err := tw.Write(data)
	require.NoError(t, err)
}

func hexEncode(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0xf]
	}
	return string(out)
}

func TestParseHappyPath(t *testing.T) {
	raw := buildTestArtifact(t, "root filesystem bytes")

	a, err := Parse(bytes.NewReader(raw), Config{})
	require.NoError(t, err)

	assert.Equal(t, 3, a.Info.Version)
	require.NotNil(t, a.HeaderInfo)
	assert.Equal(t, "release-1", a.HeaderInfo.ArtifactProvides["artifact_name"])
	assert.Equal(t, []string{"qemux86-64"}, a.HeaderInfo.ArtifactDepends.DeviceType)
	require.NotNil(t, a.TypeInfo)
	assert.Equal(t, "rootfs-image", a.TypeInfo.Type)

	payload, err := a.Next()
	require.NoError(t, err)

	hdr, err := payload.NextFile()
	require.NoError(t, err)
	assert.Equal(t, "rootfs.img", hdr.Name)

	content, err := io.ReadAll(payload)
	require.NoError(t, err)
	assert.Equal(t, "root filesystem bytes", string(content))

	_, err = payload.NextFile()
	assert.Equal(t, io.EOF, err)

	_, err = a.Next()
	assert.IsType(t, &NoMorePayloadFilesError{}, err)
}

func TestParseRejectsMalformedManifestLine(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	writeEntry(t, tw, "version", []byte(`{"format":"mender","version":3}`))
	writeEntry(t, tw, "manifest", []byte("not-a-valid-manifest-line\n"))
	require.NoError(t, tw.Close())

	_, err := Parse(bytes.NewReader(buf.Bytes()), Config{})
	require.Error(t, err)
	assert.IsType(t, &ParseError{}, err)
	assert.Contains(t, err.Error(), "malformed manifest line")
}

func TestParseRejectsChecksumMismatch(t *testing.T) {
	headerInfo := []byte(`{
		"payloads": [{"type": "rootfs-image"}],
		"artifact_depends": {"device_type": ["qemux86-64"]}
	}`)
	headerTarGz := buildInnerTarGz(t, map[string][]byte{
		"header-info":            headerInfo,
		"headers/0000/type-info": []byte(`{"type": "rootfs-image"}`),
	})

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	writeEntry(t, tw, "version", []byte(`{"format":"mender","version":3}`))
	// Manifest claims a checksum that doesn't match the real header.tar.gz bytes.
	bogus := sha256.Sum256([]byte("wrong content"))
	writeEntry(t, tw, "manifest", []byte(hexEncode(bogus[:])+"  header.tar.gz\n"))
	writeEntry(t, tw, "header.tar.gz", headerTarGz)
	require.NoError(t, tw.Close())

	_, err := Parse(bytes.NewReader(buf.Bytes()), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	writeEntry(t, tw, "version", []byte(`{"format":"mender","version":2}`))
	require.NoError(t, tw.Close())

	_, err := Parse(bytes.NewReader(buf.Bytes()), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported artifact version")
}

func TestParseRequiresDeviceType(t *testing.T) {
	headerInfo := []byte(`{"payloads": [{"type": "rootfs-image"}]}`)
	headerTarGz := buildInnerTarGz(t, map[string][]byte{
		"header-info":            headerInfo,
		"headers/0000/type-info": []byte(`{"type": "rootfs-image"}`),
	})

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	writeEntry(t, tw, "version", []byte(`{"format":"mender","version":3}`))
	sum := sha256.Sum256(headerTarGz)
	writeEntry(t, tw, "manifest", []byte(hexEncode(sum[:])+"  header.tar.gz\n"))
	writeEntry(t, tw, "header.tar.gz", headerTarGz)
	require.NoError(t, tw.Close())

	_, err := Parse(bytes.NewReader(buf.Bytes()), Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device_type is required")
}
