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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// Store receives the scripts/ entries extracted from an Artifact's header
// and stamps them with a version file once all have arrived. No code in
// this module calls it: internal/artifact writes the scripts and their
// version file to disk itself, including for the standalone install flow.
type Store struct {
	location string
}

func NewStore(destination string) *Store {
	return &Store{location: destination}
}

func (s *Store) Clear() error {
	if s.location == "" {
		return nil
	}
	err := os.RemoveAll(s.location)
	if err == nil || os.IsNotExist(err) {
		return os.MkdirAll(s.location, 0755)
	}
	return err
}

func (s *Store) StoreScript(r io.Reader, name string) error {
	path := filepath.Join(s.location, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0755)
	if err != nil {
		return errors.Wrapf(err, "statescript: can not create script file: %v", path)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return errors.Wrapf(err, "statescript: can not write script file: %v", path)
	}
	return nil
}

func (s *Store) storeVersion(ver int) error {
	return s.StoreScript(bytes.NewBufferString(strconv.Itoa(ver)), "version")
}

func readVersion(name string) (int, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

// Finalize writes the version file marking the script set complete.
func (s *Store) Finalize(ver int) error {
	if s.location == "" {
		return nil
	}
	return s.storeVersion(ver)
}
