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

package module

import (
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// download negotiates the two ways an Update Module can consume payload
// files during the Download state, per §4.D:
//
//   - streaming: the module opens the "stream-next" FIFO in the workdir
//     root and reads the name of the next file from it, then opens and
//     reads that file (itself a FIFO under streams/) before looping back
//     to stream-next for the next name, or closing it once done.
//   - file-staged: the module never opens stream-next at all, so every
//     payload file is written out in full under files/ before
//     the module's ArtifactInstall state runs.
//
// Because the module decides which mode it wants only by whether it opens
// stream-next, the driver races a blocking open of that FIFO against the
// module exiting and against streamNegotiationTimeout, and stages every
// file under files/ if either of those comes first.
type download struct {
	workDir string
	files   []PayloadFile
}

// PayloadFile is one data file inside the artifact's payload, known ahead
// of time from the manifest.
type PayloadFile struct {
	Name string
	Open func() (io.ReadCloser, error)
}

func newDownload(workDir string, files []PayloadFile) *download {
	return &download{workDir: workDir, files: files}
}

// run serves the files in order, picking streaming mode if the module opens
// the stream-next pipe, and file-staged mode if the module exits (stop is
// closed) without opening it or streamNegotiationTimeout passes first.
func (d *download) run(stop <-chan struct{}) error {
	streamNextPath := filepath.Join(d.workDir, "stream-next")

	opened := make(chan *os.File, 1)
	openErr := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(streamNextPath, os.O_RDONLY, 0)
		if err != nil {
			openErr <- err
			return
		}
		opened <- f
	}()

	select {
	case f := <-opened:
		return d.stream(f, stop)
	case err := <-openErr:
		return errors.Wrap(err, "module: failed to open stream-next pipe")
	case <-time.After(streamNegotiationTimeout):
		log.Debug("module: update module did not open stream-next, " +
			"falling back to file staging")
		return d.stageFiles()
	case <-stop:
		log.Debug("module: update module exited without opening stream-next, " +
			"falling back to file staging")
		return d.stageFiles()
	}
}

// streamNegotiationTimeout bounds how long we wait for the module to open
// stream-next before assuming it wants file-staged mode instead. Update
// Modules are expected to open it (or not) immediately on entry, well
// before any real work starts.
const streamNegotiationTimeout = 10 * time.Second

// stream serves files one at a time over the streaming protocol: the
// module writes a file name to stream-next, we open (and create, if
// necessary) streams/<name> as a FIFO, copy that file's content into it,
// then loop back to read the next requested name.
func (d *download) stream(streamNext *os.File, stop <-chan struct{}) error {
	defer streamNext.Close()

	byName := make(map[string]PayloadFile, len(d.files))
	for _, f := range d.files {
		byName[f.Name] = f
	}

	buf := make([]byte, 4096)
	for {
		n, err := streamNext.Read(buf)
		if err == io.EOF || n == 0 {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "module: failed to read stream-next")
		}

		name := string(buf[:n])
		for len(name) > 0 && (name[len(name)-1] == '\n' || name[len(name)-1] == '\r') {
			name = name[:len(name)-1]
		}

		pf, ok := byName[name]
		if !ok {
			return errors.Errorf("module: update module requested unknown file %q", name)
		}

		if err := d.streamOne(pf); err != nil {
			return err
		}
		delete(byName, name)

		select {
		case <-stop:
			return errors.New("module: download cancelled")
		default:
		}
	}
}

func (d *download) streamOne(pf PayloadFile) error {
	streamPath := filepath.Join(d.workDir, "streams", pf.Name)
	if err := os.RemoveAll(streamPath); err != nil {
		return errors.Wrapf(err, "module: failed to clear stream file %q", pf.Name)
	}
	if err := syscall.Mkfifo(streamPath, 0600); err != nil {
		return errors.Wrapf(err, "module: failed to create stream fifo %q", pf.Name)
	}

	src, err := pf.Open()
	if err != nil {
		return errors.Wrapf(err, "module: failed to open payload file %q", pf.Name)
	}
	defer src.Close()

	// Opening a FIFO for writing blocks until a reader (the module)
	// shows up on the other end.
	w, err := os.OpenFile(streamPath, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "module: failed to open stream fifo %q for writing", pf.Name)
	}
	defer w.Close()

	if _, err := io.Copy(w, src); err != nil {
		return errors.Wrapf(err, "module: failed to stream payload file %q", pf.Name)
	}
	return nil
}

// stageFiles writes every payload file out in full under files/ before the
// module is invoked, for modules that don't support streaming.
func (d *download) stageFiles() error {
	filesDir := filepath.Join(d.workDir, "files")
	for _, pf := range d.files {
		dst := filepath.Join(filesDir, pf.Name)

		src, err := pf.Open()
		if err != nil {
			return errors.Wrapf(err, "module: failed to open payload file %q", pf.Name)
		}

		out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			src.Close()
			return errors.Wrapf(err, "module: failed to create staged file %q", pf.Name)
		}

		_, copyErr := io.Copy(out, src)
		src.Close()
		syncErr := out.Sync()
		closeErr := out.Close()

		if copyErr != nil {
			return errors.Wrapf(copyErr, "module: failed to stage payload file %q", pf.Name)
		}
		if syncErr != nil {
			return errors.Wrapf(syncErr, "module: failed to sync staged file %q", pf.Name)
		}
		if closeErr != nil {
			return errors.Wrapf(closeErr, "module: failed to close staged file %q", pf.Name)
		}
	}
	return nil
}
