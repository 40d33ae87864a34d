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

// Package module drives an external Update Module executable through the
// state invocations described in spec §4.D: it prepares the per-deployment
// file tree, spawns the module once per state, negotiates the download
// protocol (streaming via named pipes, or file staging) and parses the
// single-line capability answers.
package module

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/mender-lifecycle/system"
)

// DefaultTimeout is used when no ModuleTimeoutSeconds is configured.
const DefaultTimeout = 4 * time.Hour

// RebootAction is the decoded answer to a NeedsArtifactReboot query.
type RebootAction string

const (
	RebootNone      RebootAction = ""
	RebootCustom    RebootAction = "Yes"
	RebootAutomatic RebootAction = "Automatic"
)

// HeaderInfo is the subset of the artifact header-info JSON document a
// module invocation needs written to its workdir.
type HeaderInfo struct {
	CurrentArtifactName  string
	CurrentArtifactGroup string
	CurrentDeviceType    string
	ArtifactName         string
	ArtifactGroup        string
	PayloadType          string
	HeaderInfoJSON       []byte
	TypeInfoJSON         []byte
	MetaDataJSON         []byte
}

// Driver spawns one Update Module executable (at <modulesPath>/<payloadType>)
// for the single payload of an ongoing deployment.
type Driver struct {
	ProgramPath string
	WorkDir     string
	Timeout     time.Duration
}

// NewDriver resolves the module executable path for payloadType under
// modulesPath and records workDir as its per-deployment scratch directory;
// the directory itself is laid out by Prepare.
func NewDriver(modulesPath, workDir, payloadType string, timeout time.Duration) *Driver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Driver{
		ProgramPath: filepath.Join(modulesPath, payloadType),
		WorkDir:     workDir,
		Timeout:     timeout,
	}
}

// Prepare lays out the file tree described in §4.D and fsyncs it before the
// first invocation.
func (d *Driver) Prepare(h HeaderInfo) error {
	if err := os.RemoveAll(d.WorkDir); err != nil {
		return errors.Wrap(err, "module: failed to clear workdir")
	}
	for _, dir := range []string{"tmp", "files", "streams", "header"} {
		if err := os.MkdirAll(filepath.Join(d.WorkDir, dir), 0700); err != nil {
			return errors.Wrapf(err, "module: failed to create %s", dir)
		}
	}

	files := []struct {
		name    string
		content []byte
	}{
		{"version", []byte("3\n")},
		{"current_artifact_name", []byte(h.CurrentArtifactName)},
		{"current_artifact_group", []byte(h.CurrentArtifactGroup)},
		{"current_device_type", []byte(h.CurrentDeviceType)},
		{filepath.Join("header", "artifact_name"), []byte(h.ArtifactName)},
		{filepath.Join("header", "artifact_group"), []byte(h.ArtifactGroup)},
		{filepath.Join("header", "payload_type"), []byte(h.PayloadType)},
		{filepath.Join("header", "header-info"), h.HeaderInfoJSON},
		{filepath.Join("header", "type-info"), h.TypeInfoJSON},
		{filepath.Join("header", "meta-data"), h.MetaDataJSON},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(d.WorkDir, f.name), f.content, 0600); err != nil {
			return errors.Wrapf(err, "module: failed to write %s", f.name)
		}
	}

	if err := syscall.Mkfifo(filepath.Join(d.WorkDir, "stream-next"), 0600); err != nil {
		return errors.Wrap(err, "module: failed to create stream-next pipe")
	}

	syscall.Sync()
	return nil
}

// call runs a single state invocation, optionally capturing stdout, and
// enforces the module timeout with SIGTERM followed by SIGKILL.
func (d *Driver) call(state string, capture bool) (string, error) {
	log.Debugf("module: calling %s %s %s", d.ProgramPath, state, d.WorkDir)

	cmd := system.Command(d.ProgramPath, state, d.WorkDir)
	cmd.Dir = d.WorkDir

	var buf *bytes.Buffer
	if capture {
		buf = &bytes.Buffer{}
		cmd.Stdout = buf
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return "", errors.Wrap(err, "module: could not execute update module")
	}

	killer := newDelayKiller(cmd.Process, d.Timeout, time.Minute)
	defer killer.Stop()

	err := cmd.Wait()
	if err != nil {
		return "", errors.Wrap(err, "module: update module terminated abnormally")
	}

	out := ""
	if capture {
		out = strings.TrimSuffix(buf.String(), "\n")
	}
	return out, nil
}

// Download invokes the Download state, running the payload download
// negotiation (§4.D) concurrently with the subprocess: whichever protocol
// the module commits to (streaming or file-staged), the files are ready or
// being served by the time the module asks for them.
func (d *Driver) Download(files []PayloadFile) error {
	dl := newDownload(d.WorkDir, files)
	stop := make(chan struct{})

	downloadErr := make(chan error, 1)
	go func() { downloadErr <- dl.run(stop) }()

	_, callErr := d.call("Download", false)
	close(stop)

	if dlErr := <-downloadErr; dlErr != nil && callErr == nil {
		return errors.Wrap(dlErr, "module: payload download failed")
	}
	return callErr
}

// InstallUpdate invokes ArtifactInstall, once the payload has already been
// delivered to the module's workdir by Download.
func (d *Driver) InstallUpdate() error {
	_, err := d.call("ArtifactInstall", false)
	return err
}

// NeedsReboot invokes the NeedsArtifactReboot query and parses its answer.
func (d *Driver) NeedsReboot() (RebootAction, error) {
	out, err := d.call("NeedsArtifactReboot", true)
	if err != nil {
		return RebootNone, err
	}
	switch out {
	case "", "No":
		return RebootNone, nil
	case "Yes":
		return RebootCustom, nil
	case "Automatic":
		return RebootAutomatic, nil
	default:
		return RebootNone, errors.Errorf(
			"module: unexpected reply to NeedsArtifactReboot query: %q", out)
	}
}

// SupportsRollback invokes the SupportsRollback query and parses its answer.
func (d *Driver) SupportsRollback() (bool, error) {
	out, err := d.call("SupportsRollback", true)
	if err != nil {
		return false, err
	}
	switch out {
	case "", "No":
		return false, nil
	case "Yes":
		return true, nil
	default:
		return false, errors.Errorf(
			"module: unexpected reply to SupportsRollback query: %q", out)
	}
}

func (d *Driver) Reboot() error               { _, err := d.call("ArtifactReboot", false); return err }
func (d *Driver) RollbackReboot() error       { _, err := d.call("ArtifactRollbackReboot", false); return err }
func (d *Driver) Commit() error               { _, err := d.call("ArtifactCommit", false); return err }
func (d *Driver) Rollback() error             { _, err := d.call("ArtifactRollback", false); return err }
func (d *Driver) VerifyReboot() error         { _, err := d.call("ArtifactVerifyReboot", false); return err }
func (d *Driver) VerifyRollbackReboot() error { _, err := d.call("ArtifactVerifyRollbackReboot", false); return err }
func (d *Driver) Failure() error              { _, err := d.call("ArtifactFailure", false); return err }

// Cleanup runs the Cleanup state and removes the workdir. A missing workdir
// (e.g. because of a spontaneous reboot right after a previous Cleanup) is
// not an error.
func (d *Driver) Cleanup() error {
	if _, err := os.Stat(d.WorkDir); err != nil {
		log.Infof("module: workdir %s already gone, assuming cleanup already ran", d.WorkDir)
		return nil
	}

	_, modErr := d.call("Cleanup", false)

	if err := os.RemoveAll(d.WorkDir); err != nil {
		log.Errorf("module: failed to remove workdir %s: %s", d.WorkDir, err)
	}
	return modErr
}

type delayKiller struct {
	proc       *os.Process
	killer     *time.Timer
	hardKiller *time.Timer
}

func newDelayKiller(proc *os.Process, killAfter, kill9After time.Duration) *delayKiller {
	k := &delayKiller{proc: proc}
	k.killer = time.AfterFunc(killAfter, func() {
		log.Errorf("module: process %d timed out, sending SIGTERM", proc.Pid)
		_ = syscall.Kill(-proc.Pid, syscall.SIGTERM)
	})
	k.hardKiller = time.AfterFunc(killAfter+kill9After, func() {
		log.Errorf("module: process %d timed out, sending SIGKILL", proc.Pid)
		_ = syscall.Kill(-proc.Pid, syscall.SIGKILL)
	})
	return k
}

func (k *delayKiller) Stop() {
	k.killer.Stop()
	k.hardKiller.Stop()
}
