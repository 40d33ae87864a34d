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

package statescript

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// OnErrorPolicy controls whether ExecuteAll stops at the first failing
// script or keeps running the rest and folds the errors together.
type OnErrorPolicy int

const (
	Fail OnErrorPolicy = iota
	Ignore
)

type Executor interface {
	ExecuteAll(state, action string, policy OnErrorPolicy) error
	CheckArtifactScriptsVersion() error
}

// Launcher resolves and runs the scripts bound to a state transition.
// Artifact-supplied scripts (Artifact*) live under ArtScriptsPath; every
// other state uses the rootfs-provided RootfsScriptsPath.
type Launcher struct {
	ArtScriptsPath          string
	RootfsScriptsPath       string
	SupportedScriptVersions []int
	Timeout                 int
}

var scriptNameRE = regexp.MustCompile(`^_\d\d(_\S+)?$`)

func isArtifactState(state string) bool {
	return strings.HasPrefix(state, "Artifact")
}

// CheckArtifactScriptsVersion validates the version file under
// ArtScriptsPath, per spec: only Artifact* states are subject to this
// check; a missing version file is treated as version 3 (the only format
// this core understands), not an error.
func (l Launcher) CheckArtifactScriptsVersion() error {
	ver, err := readVersion(filepath.Join(l.ArtScriptsPath, "version"))
	if err != nil && os.IsNotExist(err) {
		ver = 3
	} else if err != nil {
		return errors.Wrap(err, "statescript: can not read artifact scripts version")
	}

	for _, v := range l.SupportedScriptVersions {
		if v == ver {
			return nil
		}
	}
	return errors.Errorf("statescript: unsupported scripts version: %v", ver)
}

func (l Launcher) get(state, action string) ([]os.DirEntry, string, error) {
	sDir := l.RootfsScriptsPath
	if isArtifactState(state) {
		sDir = l.ArtScriptsPath
	}

	entries, err := os.ReadDir(sDir)
	if err != nil && os.IsNotExist(err) {
		log.Warnf("statescript: no scripts directory %q, skipping %s:%s", sDir, state, action)
		return nil, "", nil
	} else if err != nil {
		return nil, "", errors.Wrap(err, "statescript: can not read scripts directory")
	}

	if isArtifactState(state) {
		if err := l.CheckArtifactScriptsVersion(); err != nil {
			return nil, "", err
		}
	}

	prefix := state + "_" + action
	scripts := make([]os.DirEntry, 0)
	for _, entry := range entries {
		if entry.Name() == "version" {
			continue
		}
		if !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		if !scriptNameRE.MatchString(entry.Name()[len(state)+1+len(action):]) {
			continue
		}
		scripts = append(scripts, entry)
	}

	return scripts, sDir, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return ws.ExitStatus()
		}
	}
	return -1
}

func (l Launcher) timeout() time.Duration {
	if l.Timeout == 0 {
		log.Debug("statescript: no script timeout configured; using default of 60 seconds")
		return 60 * time.Second
	}
	return time.Duration(l.Timeout) * time.Second
}

func run(path string, timeout time.Duration) int {
	cmd := exec.Command(path)
	// New process group, so the whole script (and its children) can be
	// killed together without taking down the caller.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return exitCode(err)
	}

	timer := time.AfterFunc(timeout, func() {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	})
	defer timer.Stop()

	return exitCode(cmd.Wait())
}

// ExecuteAll resolves, sorts lexicographically, and runs every script bound
// to state/action. action == "Error" always behaves as Ignore, per spec.
func (l Launcher) ExecuteAll(state, action string, policy OnErrorPolicy) error {
	if action == "Error" {
		policy = Ignore
	}

	scripts, dir, err := l.get(state, action)
	if err != nil {
		if policy == Ignore {
			log.Errorf("statescript: ignoring error resolving [%s:%s] scripts: %s", state, action, err)
			return nil
		}
		return err
	}

	execBits := os.FileMode(syscall.S_IXUSR | syscall.S_IXGRP | syscall.S_IXOTH)
	to := l.timeout()

	var collected error
	for _, entry := range scripts {
		path := filepath.Join(dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			return errors.Wrapf(err, "statescript: can not stat '%s'", path)
		}
		if info.Mode()&execBits == 0 {
			err := errors.Errorf("statescript: script '%s' is not executable", path)
			if policy == Ignore {
				log.Error(err)
				continue
			}
			return err
		}

		switch code := run(path, to); code {
		case 0:
			// success
		case retryExitCode:
			return &RetryExitCodeError{Script: path}
		default:
			err := errors.Errorf("statescript: error executing '%s': exit code %d", path, code)
			if policy == Ignore {
				log.Error(err)
				if collected == nil {
					collected = err
				}
				continue
			}
			return err
		}
	}
	return collected
}
