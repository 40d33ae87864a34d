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
	"bufio"
	"bytes"
	"encoding/hex"
	"io"
	"regexp"
	"strings"

	sha256 "github.com/minio/sha256-simd"
)

// manifestLineRE matches "<64 chars of [0-9a-z], the sha256><2 whitespace chars><path>".
var manifestLineRE = regexp.MustCompile(`^([0-9a-z]{64})\s{2}([^\s]+)$`)

// compressionSuffixes are stripped from manifest paths before they're used
// as lookup keys, since the manifest always names the uncompressed payload
// file regardless of what's actually on the wire.
var compressionSuffixes = []string{".gz", ".xz", ".zst"}

func stripCompressionSuffix(path string) string {
	for _, suffix := range compressionSuffixes {
		if strings.HasSuffix(path, suffix) {
			return strings.TrimSuffix(path, suffix)
		}
	}
	return path
}

// manifest holds the path->sha256 map read from the manifest file, along
// with a running digest of the raw manifest bytes (the "manifest-sum") used
// to verify manifest.sig.
type manifest struct {
	sums        map[string]string
	manifestSum []byte
}

// readManifest consumes r (the whole manifest file), validating every line
// against manifestLineRE, and returns the resulting lookup table together
// with the SHA-256 of the raw manifest bytes.
func readManifest(r io.Reader) (*manifest, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, newParseError("failed to read manifest: %s", err)
	}

	sum := sha256.Sum256(raw)
	m := &manifest{
		sums:        make(map[string]string),
		manifestSum: sum[:],
	}

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		groups := manifestLineRE.FindStringSubmatch(line)
		if groups == nil {
			return nil, newParseError("malformed manifest line: %q", line)
		}
		path := stripCompressionSuffix(groups[2])
		m.sums[path] = groups[1]
	}
	if err := scanner.Err(); err != nil {
		return nil, newParseError("failed to scan manifest: %s", err)
	}
	return m, nil
}

// checksumFor returns the expected lowercase-hex SHA-256 for path (any
// compression suffix on path is stripped here before the lookup), and
// whether it was present in the manifest.
func (m *manifest) checksumFor(path string) (string, bool) {
	sum, ok := m.sums[stripCompressionSuffix(path)]
	return sum, ok
}

// checksumReader wraps an io.Reader, accumulating a SHA-256 over everything
// read through it, for comparison against the manifest entry once the
// underlying tar entry is fully consumed.
type checksumReader struct {
	r    io.Reader
	hash hashState
}

type hashState interface {
	io.Writer
	Sum([]byte) []byte
}

func newChecksumReader(r io.Reader) *checksumReader {
	return &checksumReader{r: r, hash: sha256.New()}
}

func (c *checksumReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.hash.Write(p[:n])
	}
	return n, err
}

func (c *checksumReader) HexSum() string {
	return hex.EncodeToString(c.hash.Sum(nil))
}
