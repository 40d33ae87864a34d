// Copyright 2023 Northern.tech AS
//
//	Licensed under the Apache License, Version 2.0 (the "License");
//	you may not use this file except in compliance with the License.
//	You may obtain a copy of the License at
//
//	    http://www.apache.org/licenses/LICENSE-2.0
//
//	Unless required by applicable law or agreed to in writing, software
//	distributed under the License is distributed on an "AS IS" BASIS,
//	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//	See the License for the specific language governing permissions and
//	limitations under the License.
package deploylog

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLogFileWithContent(t *testing.T, file, data string) {
	t.Helper()
	f, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(data + "\n")
	require.NoError(t, err)
}

func logFileContains(file, expected string) bool {
	content, err := os.ReadFile(file)
	if err != nil {
		return false
	}
	return strings.Contains(string(content), expected)
}

func TestFileLoggerWriteAndDeinit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "logfile.log")

	logger := newFileLogger(path)
	require.NotNil(t, logger)
	assert.Equal(t, path, logger.logFileName)

	_, err := logger.Write([]byte("some log"))
	require.NoError(t, err)
	assert.True(t, logFileContains(path, "some log"))

	require.NoError(t, logger.Deinit())

	_, err = logger.Write([]byte("some other log"))
	assert.Error(t, err)
}

func TestManagerWriteLogBeforeBeginLoggingFails(t *testing.T) {
	m := NewManager(t.TempDir())
	assert.False(t, m.loggingEnabled)
	assert.Nil(t, m.logger)
	assert.Equal(t, ErrLoggerNotInitialized, m.WriteLog([]byte("some log")))
}

func TestManagerBeginAndFinish(t *testing.T) {
	m := NewManager(t.TempDir())

	require.NoError(t, m.BeginLogging("1234-5678"))
	assert.True(t, m.loggingEnabled)
	assert.NotNil(t, m.logger)
	assert.NotEmpty(t, m.LogPath())

	require.NoError(t, m.Finish())
	assert.False(t, m.loggingEnabled)

	// finishing an already-finished manager is a no-op
	assert.NoError(t, m.Finish())
}

func TestManagerWriteLogAfterBegin(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	require.NoError(t, m.BeginLogging("1111-2222"))
	logFile := filepath.Join(dir, fmt.Sprintf(logFileNameScheme, 1, "1111-2222"))

	entry := `{"msg":"some log"}`
	require.NoError(t, m.WriteLog([]byte(entry)))
	assert.True(t, logFileContains(logFile, entry))
}

func createFilesToRotate(location string, num int) {
	for i := 1; i <= num; i++ {
		name := filepath.Join(location, fmt.Sprintf(logFileNameScheme, i, "1111-2222"))
		os.Create(name)
	}
}

func TestManagerLogRotation(t *testing.T) {
	dir := t.TempDir()
	const filesToCreate = 10
	createFilesToRotate(dir, filesToCreate)

	logFileWithContent := filepath.Join(dir, fmt.Sprintf(logFileNameScheme, 1, "1111-2222"))
	const logContent = `{"msg":"test"}`
	openLogFileWithContent(t, logFileWithContent, logContent)

	m := NewManager(dir)
	m.deploymentID = "1111-2222"

	logFiles, err := m.getSortedLogFiles()
	require.NoError(t, err)
	assert.Len(t, logFiles, filesToCreate)

	m.rotate()

	logFiles, err = m.getSortedLogFiles()
	require.NoError(t, err)
	assert.Len(t, logFiles, m.maxLogFiles)

	// same deployment id: no further rotation
	require.NoError(t, m.BeginLogging("1111-2222"))
	logFiles, err = m.getSortedLogFiles()
	require.NoError(t, err)
	assert.Len(t, logFiles, m.maxLogFiles)
	assert.Equal(t, fmt.Sprintf(logFileNameScheme, 1, "1111-2222"),
		filepath.Base(logFiles[len(logFiles)-1]))
	assert.True(t, logFileContains(logFileWithContent, logContent))
	require.NoError(t, m.Finish())

	// different deployment id: rotates
	require.NoError(t, m.BeginLogging("2222-3333"))
	logFiles, err = m.getSortedLogFiles()
	require.NoError(t, err)
	assert.Len(t, logFiles, m.maxLogFiles)
	assert.Equal(t, fmt.Sprintf(logFileNameScheme, 1, "2222-3333"),
		filepath.Base(logFiles[len(logFiles)-1]))
	require.NoError(t, m.Finish())
}

func TestManagerBeginLoggingNoSpace(t *testing.T) {
	m := NewManager(t.TempDir())
	m.minLogSizeBytes = math.MaxUint64

	assert.Equal(t, ErrNotEnoughSpaceForLogs, m.BeginLogging("1111-2222"))
}

func TestManagerAsLogrusHook(t *testing.T) {
	dir := t.TempDir()
	logger := log.New()
	logger.SetLevel(log.DebugLevel)

	m := NewManager(dir)
	logger.AddHook(m)

	logger.Info("before logging enabled")

	require.NoError(t, m.BeginLogging("1111-2222"))
	logger.Debug("during deployment")
	require.NoError(t, m.Finish())

	logger.Info("after logging disabled")

	logFile := filepath.Join(dir, fmt.Sprintf(logFileNameScheme, 1, "1111-2222"))
	assert.True(t, logFileContains(logFile, `"message":"during deployment"`))
	assert.False(t, logFileContains(logFile, "before logging enabled"))
	assert.False(t, logFileContains(logFile, "after logging disabled"))
}

func TestManagerGetLogs(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)

	logs, err := m.GetLogs("non-existing-deployment")
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":[]}`, string(logs))

	logFileWithContent := filepath.Join(dir, fmt.Sprintf(logFileNameScheme, 1, "1111-2222"))
	openLogFileWithContent(t, logFileWithContent, `{"msg":"test"}`)

	_, err = m.findLogsForSpecificID("1111-2222")
	require.NoError(t, err)
	logs, err = m.GetLogs("1111-2222")
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":[{"msg":"test"}]}`, string(logs))

	require.NoError(t, m.BeginLogging("1111-3333"))
	logs, err = m.GetLogs("1111-3333")
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":[]}`, string(logs))
	require.NoError(t, m.Finish())

	brokenFile := filepath.Join(dir, fmt.Sprintf(logFileNameScheme, 1, "1111-4444"))
	openLogFileWithContent(t, brokenFile, "{\"msg\":\"test\"}\n{\"msg\": \"broken\n{\"msg\": \"test2\"}")

	logs, err = m.GetLogs("1111-4444")
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":[{"msg":"test"}, {"msg": "test2"}]}`, string(logs))
}

func TestManagerFindLogsForSpecificID(t *testing.T) {
	m := NewManager(t.TempDir())

	path, err := m.findLogsForSpecificID("non-existing-deployment")
	assert.Error(t, err)
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, path)
}
