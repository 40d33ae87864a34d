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
	"bytes"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPayloadFile(name, content string) PayloadFile {
	return PayloadFile{
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewBufferString(content)), nil
		},
	}
}

func prepareDownloadWorkdir(t *testing.T) string {
	workdir := t.TempDir()
	for _, dir := range []string{"tmp", "files", "streams", "header"} {
		require.NoError(t, os.MkdirAll(filepath.Join(workdir, dir), 0700))
	}
	return workdir
}

// TestDownloadStageFiles verifies the file-staged path in isolation: every
// payload file ends up written out in full under files/.
func TestDownloadStageFiles(t *testing.T) {
	workdir := prepareDownloadWorkdir(t)
	files := []PayloadFile{
		newPayloadFile("rootfs.img", "root content"),
		newPayloadFile("extra.bin", "extra content"),
	}
	dl := newDownload(workdir, files)

	require.NoError(t, dl.stageFiles())

	for _, f := range files {
		got, err := os.ReadFile(filepath.Join(workdir, "files", f.Name))
		require.NoError(t, err)
		assert.Equal(t, f.Name, filepath.Base(filepath.Join(workdir, "files", f.Name)))
		wantContent := map[string]string{"rootfs.img": "root content", "extra.bin": "extra content"}[f.Name]
		assert.Equal(t, wantContent, string(got))
	}
}

// TestDownloadStreamServesRequestedFiles drives the streaming protocol end
// to end: a consumer goroutine plays the role of the update module, writing
// file names to stream-next and reading the resulting FIFOs under streams/.
func TestDownloadStreamServesRequestedFiles(t *testing.T) {
	workdir := prepareDownloadWorkdir(t)
	streamNextPath := filepath.Join(workdir, "stream-next")
	require.NoError(t, syscall.Mkfifo(streamNextPath, 0600))

	files := []PayloadFile{
		newPayloadFile("a", "aaaa"),
		newPayloadFile("b", "bbbb"),
	}
	dl := newDownload(workdir, files)

	results := make(chan map[string]string, 1)
	go func() {
		got := map[string]string{}
		w, err := os.OpenFile(streamNextPath, os.O_WRONLY, 0)
		if err != nil {
			results <- got
			return
		}
		for _, f := range files {
			w.Write([]byte(f.Name + "\n"))

			// Give the server a moment to create the stream fifo.
			var data []byte
			for i := 0; i < 50; i++ {
				if b, err := os.ReadFile(filepath.Join(workdir, "streams", f.Name)); err == nil {
					data = b
					break
				}
				time.Sleep(20 * time.Millisecond)
			}
			got[f.Name] = string(data)
		}
		w.Close()
		results <- got
	}()

	streamNext, err := os.OpenFile(streamNextPath, os.O_RDONLY, 0)
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- dl.stream(streamNext, stop) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not return")
	}

	got := <-results
	assert.Equal(t, "aaaa", got["a"])
	assert.Equal(t, "bbbb", got["b"])
}

func TestDownloadStreamRejectsUnknownName(t *testing.T) {
	workdir := prepareDownloadWorkdir(t)
	streamNextPath := filepath.Join(workdir, "stream-next")
	require.NoError(t, syscall.Mkfifo(streamNextPath, 0600))

	dl := newDownload(workdir, []PayloadFile{newPayloadFile("a", "aaaa")})

	go func() {
		w, err := os.OpenFile(streamNextPath, os.O_WRONLY, 0)
		if err != nil {
			return
		}
		defer w.Close()
		w.Write([]byte("does-not-exist\n"))
	}()

	streamNext, err := os.OpenFile(streamNextPath, os.O_RDONLY, 0)
	require.NoError(t, err)

	err = dl.stream(streamNext, make(chan struct{}))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown file")
}
