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
	"encoding/base64"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Info is the decoded top-level "version" file.
type Info struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
}

// Config carries the knobs Parse needs beyond the raw artifact bytes.
type Config struct {
	// Keys are tried in order against manifest.sig, if present. A nil or
	// empty slice means "no verification requested" (a present signature
	// is then not checked, per spec: presence is only advisory).
	Keys []Verifier

	// ScriptsDir, if non-empty, is where embedded scripts/<name> entries
	// are extracted (mode 0700) along with a "version" file.
	ScriptsDir string

	// ScriptsVersion is written verbatim into ScriptsDir/version.
	ScriptsVersion int
}

// Artifact is the parsed, still-streaming view of one Artifact container.
// Exactly one payload is ever exposed, via Next.
type Artifact struct {
	Info       Info
	HeaderInfo *HeaderInfo
	TypeInfo   *TypeInfo
	MetaData   []byte

	tr              *tar.Reader
	manifest        *manifest
	payloadConsumed bool
}

// Parse reads a single Artifact container from r, verifying the manifest
// signature (if configured) and the header checksum, and returns a
// still-open Artifact ready to yield its one payload via Next.
func Parse(r io.Reader, cfg Config) (*Artifact, error) {
	tr := tar.NewReader(r)
	a := &Artifact{tr: tr}

	if err := a.readVersion(); err != nil {
		return nil, err
	}

	m, err := a.readManifestSection()
	if err != nil {
		return nil, err
	}
	a.manifest = m

	hdr, err := nextHeader(tr)
	if err != nil {
		return nil, newParseError("expected manifest.sig or header.tar, got error: %s", err)
	}

	if strings.HasPrefix(hdr.Name, "manifest.sig") {
		if err := a.verifyManifestSignature(cfg.Keys, hdr); err != nil {
			return nil, err
		}
		hdr, err = nextHeader(tr)
		if err != nil {
			return nil, newParseError("expected header.tar after manifest.sig: %s", err)
		}
	}

	if !strings.HasPrefix(hdr.Name, "header.tar") {
		return nil, newParseError("expected header.tar, got %q", hdr.Name)
	}
	if err := a.readHeaderSection(hdr, cfg); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Artifact) readVersion() error {
	hdr, err := nextHeader(a.tr)
	if err != nil {
		return newParseError("expected 'version' as first entry: %s", err)
	}
	if hdr.Name != "version" {
		return newParseError("expected 'version' as first entry, got %q", hdr.Name)
	}

	raw, err := io.ReadAll(a.tr)
	if err != nil {
		return newParseError("failed to read version: %s", err)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return newParseError("failed to parse version: %s", err)
	}
	if info.Version != 3 {
		return newParseError("unsupported artifact version %d, only 3 is supported", info.Version)
	}
	a.Info = info
	return nil
}

func (a *Artifact) readManifestSection() (*manifest, error) {
	hdr, err := nextHeader(a.tr)
	if err != nil {
		return nil, newParseError("expected 'manifest': %s", err)
	}
	if hdr.Name != "manifest" {
		return nil, newParseError("expected 'manifest', got %q", hdr.Name)
	}
	return readManifest(a.tr)
}

func (a *Artifact) verifyManifestSignature(keys []Verifier, sigHdr *tar.Header) error {
	raw, err := io.ReadAll(a.tr)
	if err != nil {
		return newParseError("failed to read manifest.sig: %s", err)
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return newParseError("manifest.sig is not valid base64: %s", err)
	}
	return verifySignature(keys, a.manifest.manifestSum, sig)
}

// readHeaderSection streams header.tar[.compression] through a checksum
// reader bound to the manifest entry, decompresses it, and parses
// header-info, scripts/ entries, and the single headers/0000/* pair.
func (a *Artifact) readHeaderSection(hdr *tar.Header, cfg Config) error {
	expectedSum, hasSum := a.manifest.checksumFor(hdr.Name)

	limited := io.LimitReader(a.tr, hdr.Size)
	cr := newChecksumReader(limited)

	decompressed, err := decompressorFor(hdr.Name, cr)
	if err != nil {
		return newParseError("%s", err)
	}

	htr := tar.NewReader(decompressed)

	sawTypeInfo := false
	for {
		entry, err := htr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return newParseError("failed to read header.tar: %s", err)
		}

		switch {
		case entry.Name == "header-info":
			raw, err := io.ReadAll(htr)
			if err != nil {
				return newParseError("failed to read header-info: %s", err)
			}
			hi, err := parseHeaderInfo(raw)
			if err != nil {
				return err
			}
			a.HeaderInfo = hi

		case strings.HasPrefix(entry.Name, "scripts/"):
			if err := a.extractScript(entry, htr, cfg.ScriptsDir); err != nil {
				return err
			}

		case entry.Name == "headers/0000/type-info":
			if sawTypeInfo {
				return newParseError("found a second headers/NNNN entry, only one payload is supported")
			}
			raw, err := io.ReadAll(htr)
			if err != nil {
				return newParseError("failed to read type-info: %s", err)
			}
			ti, err := parseTypeInfo(raw)
			if err != nil {
				return err
			}
			a.TypeInfo = ti
			sawTypeInfo = true

		case entry.Name == "headers/0000/meta-data":
			raw, err := io.ReadAll(htr)
			if err != nil {
				return newParseError("failed to read meta-data: %s", err)
			}
			a.MetaData = raw

		case strings.HasPrefix(entry.Name, "headers/") && !strings.HasPrefix(entry.Name, "headers/0000/"):
			return newParseError("found header entry %q for a payload index other than 0; "+
				"only one payload is supported", entry.Name)

		default:
			return newParseError("unexpected entry in header.tar: %q", entry.Name)
		}
	}

	if a.HeaderInfo == nil {
		return newParseError("header.tar did not contain header-info")
	}
	if !sawTypeInfo {
		return newParseError("header.tar did not contain headers/0000/type-info")
	}

	if cfg.ScriptsDir != "" {
		if err := writeScriptsVersion(cfg.ScriptsDir, cfg.ScriptsVersion); err != nil {
			return err
		}
	}

	if err := drainAndCompare(cr, limited, expectedSum, hasSum, hdr.Name); err != nil {
		return err
	}

	if isEmptyPayload(a.HeaderInfo) {
		if a.MetaData != nil {
			return newParseError("payload type is null but meta-data is present")
		}
	}

	return nil
}

func isEmptyPayload(hi *HeaderInfo) bool {
	return len(hi.Payloads) == 1 && hi.Payloads[0].Type == nil
}

func (a *Artifact) extractScript(entry *tar.Header, r io.Reader, scriptsDir string) error {
	if scriptsDir == "" {
		// Drain and discard; caller didn't ask for scripts on disk.
		_, err := io.Copy(io.Discard, r)
		return err
	}
	name := filepath.Base(entry.Name)
	if name == "." || name == ".." || name == "" {
		return newParseError("invalid script name %q", entry.Name)
	}
	dst := filepath.Join(scriptsDir, name)

	if err := os.MkdirAll(scriptsDir, 0700); err != nil {
		return errors.Wrapf(err, "failed to create scripts directory %q", scriptsDir)
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0700)
	if err != nil {
		return errors.Wrapf(err, "failed to create script %q", dst)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write script %q", dst)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to fsync script %q", dst)
	}
	return f.Close()
}

func writeScriptsVersion(scriptsDir string, version int) error {
	if err := os.MkdirAll(scriptsDir, 0700); err != nil {
		return errors.Wrapf(err, "failed to create scripts directory %q", scriptsDir)
	}
	path := filepath.Join(scriptsDir, "version")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "failed to write %q", path)
	}
	if _, err := io.WriteString(f, strconv.Itoa(version)); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to write %q", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "failed to fsync %q", path)
	}
	return f.Close()
}

// drainAndCompare reads any remaining bytes of the raw (pre-decompression)
// entry, so the checksum covers the whole manifest-listed member even if
// the decompressor stopped short of the entry's declared size, then
// compares against the manifest.
func drainAndCompare(cr *checksumReader, limited io.Reader, expected string, hasSum bool, name string) error {
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return newParseError("failed to drain %q: %s", name, err)
	}
	if !hasSum {
		return nil
	}
	if cr.HexSum() != expected {
		return newParseError("checksum mismatch for %q: manifest says %s, computed %s",
			name, expected, cr.HexSum())
	}
	return nil
}

// Payload is the nested tar iterator over data/NNNN.tar[.compression], the
// single payload an Artifact exposes via Next.
type Payload struct {
	tr          *tar.Reader
	cr          *checksumReader
	limited     io.Reader
	expectedSum string
	hasSum      bool
	name        string
	finished    bool
}

// Next yields the next entry's header from Parse the one payload is allowed.
// Calling Next more than once returns NoMorePayloadFilesError.
func (a *Artifact) Next() (*Payload, error) {
	if a.payloadConsumed {
		return nil, &NoMorePayloadFilesError{}
	}

	hdr, err := nextHeader(a.tr)
	if err == io.EOF {
		a.payloadConsumed = true
		return nil, &NoMorePayloadFilesError{}
	}
	if err != nil {
		return nil, newParseError("failed to read payload entry: %s", err)
	}
	if filepath.Dir(hdr.Name) != "data" {
		return nil, newParseError("expected data/NNNN.tar, got %q", hdr.Name)
	}
	a.payloadConsumed = true

	expectedSum, hasSum := a.manifest.checksumFor(hdr.Name)

	limited := io.LimitReader(a.tr, hdr.Size)
	cr := newChecksumReader(limited)

	decompressed, err := decompressorFor(hdr.Name, cr)
	if err != nil {
		return nil, newParseError("%s", err)
	}

	return &Payload{
		tr:          tar.NewReader(decompressed),
		cr:          cr,
		limited:     limited,
		expectedSum: expectedSum,
		hasSum:      hasSum,
		name:        hdr.Name,
	}, nil
}

// NextFile advances to the next file inside the payload tar. Returns
// io.EOF (after automatically verifying the accumulated checksum) once the
// payload is exhausted.
func (p *Payload) NextFile() (*tar.Header, error) {
	hdr, err := p.tr.Next()
	if err == io.EOF {
		if ferr := p.finish(); ferr != nil {
			return nil, ferr
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, newParseError("failed to read payload file %q: %s", p.name, err)
	}
	return hdr, nil
}

// Read streams the current payload file's content.
func (p *Payload) Read(b []byte) (int, error) {
	return p.tr.Read(b)
}

func (p *Payload) finish() error {
	if p.finished {
		return nil
	}
	p.finished = true
	return drainAndCompare(p.cr, p.limited, p.expectedSum, p.hasSum, p.name)
}

func nextHeader(tr *tar.Reader) (*tar.Header, error) {
	return tr.Next()
}
