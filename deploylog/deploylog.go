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

// Package deploylog implements the per-deployment JSON log file (spec
// §4.H): one rotated file per deployment ID, written to via a logrus hook
// while a deployment is in flight, and read back as a single JSON
// "messages" array when the deployment API asks for it.
package deploylog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
)

var (
	ErrLoggerNotInitialized  = errors.New("deploylog: logger not initialized")
	ErrNotEnoughSpaceForLogs = errors.New("deploylog: not enough space for storing logs")
)

type fileLogger struct {
	logFileName string
	logFile     io.WriteCloser
}

func newFileLogger(name string) *fileLogger {
	logFile, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_APPEND|os.O_SYNC, 0600)
	if err != nil {
		return nil
	}
	return &fileLogger{logFileName: name, logFile: logFile}
}

func (fl *fileLogger) Write(b []byte) (int, error) {
	return fl.logFile.Write(b)
}

func (fl *fileLogger) Deinit() error {
	return fl.logFile.Close()
}

// Manager rotates and serves the per-deployment log files under one
// directory and implements app.DeploymentLogger. The logrus Hook interface
// is also implemented directly so it can be installed on the daemon's
// logger for the duration of a deployment.
type Manager struct {
	logLocation  string
	deploymentID string
	logger       *fileLogger
	maxLogFiles  int

	minLogSizeBytes uint64
	loggingEnabled  bool
}

const baseLogFileName = "deployments"
const logFileNameScheme = baseLogFileName + ".%04d.%s.log"

// NewManager creates a log manager rooted at logDirLocation, keeping up to
// 5 rotated deployment log files and refusing to start logging if fewer
// than 100KB remain free on that filesystem.
func NewManager(logDirLocation string) *Manager {
	return &Manager{
		logLocation:     logDirLocation,
		maxLogFiles:     5,
		minLogSizeBytes: 1024 * 100,
	}
}

// Levels implements logrus.Hook: every level is captured while logging is
// enabled, Fire itself is a no-op when it isn't.
func (m *Manager) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements logrus.Hook, writing the entry as one JSON line.
func (m *Manager) Fire(entry *log.Entry) error {
	if !m.loggingEnabled {
		return nil
	}
	formatter := &log.JSONFormatter{
		FieldMap: log.FieldMap{
			log.FieldKeyTime: "timestamp",
			log.FieldKeyMsg:  "message",
		},
	}
	line, err := formatter.Format(entry)
	if err != nil {
		return err
	}
	return m.WriteLog(line)
}

func (m *Manager) WriteLog(b []byte) error {
	if m.logger == nil {
		return ErrLoggerNotInitialized
	}
	_, err := m.logger.Write(b)
	return err
}

func (m *Manager) haveEnoughSpaceForStoringLogs() bool {
	var stat syscall.Statfs_t
	_ = syscall.Statfs(m.logLocation, &stat)
	availableSpace := stat.Bavail * uint64(stat.Bsize)
	return availableSpace > m.minLogSizeBytes
}

// BeginLogging implements app.DeploymentLogger: opens (rotating if
// necessary) the log file for deploymentID.
func (m *Manager) BeginLogging(deploymentID string) error {
	if m.loggingEnabled {
		return nil
	}
	if !m.haveEnoughSpaceForStoringLogs() {
		return ErrNotEnoughSpaceForLogs
	}

	m.deploymentID = deploymentID
	m.rotate()

	logFileName := fmt.Sprintf(logFileNameScheme, 1, deploymentID)
	m.logger = newFileLogger(filepath.Join(m.logLocation, logFileName))
	if m.logger == nil {
		return ErrLoggerNotInitialized
	}

	m.loggingEnabled = true
	return nil
}

// LogPath implements app.DeploymentLogger.
func (m *Manager) LogPath() string {
	if m.logger == nil {
		return ""
	}
	return m.logger.logFileName
}

// Finish implements app.DeploymentLogger: closes the current log file.
func (m *Manager) Finish() error {
	if !m.loggingEnabled {
		return nil
	}
	err := m.logger.Deinit()
	m.loggingEnabled = false
	return err
}

func (m *Manager) getSortedLogFiles() ([]string, error) {
	logFiles, err := filepath.Glob(filepath.Join(m.logLocation, baseLogFileName+".*"))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(logFiles)))
	return logFiles, nil
}

// rotateLogFileName implements the "<base>.%04d.<deployment_id>.log"
// naming convention: bump the sequence number embedded in the name.
func (m *Manager) rotateLogFileName(name string) string {
	logFileName := filepath.Base(name)
	chunks := strings.Split(logFileName, ".")
	if len(chunks) != 4 {
		return name
	}
	seq, err := strconv.Atoi(chunks[1])
	if err != nil {
		return name
	}
	return filepath.Join(filepath.Dir(name), fmt.Sprintf(logFileNameScheme, seq+1, chunks[2]))
}

func (m *Manager) rotate() {
	logFiles, err := m.getSortedLogFiles()
	if err != nil || len(logFiles) == 0 {
		return
	}

	for len(logFiles) > m.maxLogFiles {
		os.Remove(logFiles[0])
		logFiles = logFiles[1:]
	}

	if strings.Contains(logFiles[len(logFiles)-1], m.deploymentID) {
		return
	}

	for len(logFiles) > m.maxLogFiles-1 {
		_ = os.Remove(logFiles[0])
		logFiles = logFiles[1:]
	}

	for i := range logFiles {
		_ = os.Rename(logFiles[i], m.rotateLogFileName(logFiles[i]))
	}
}

func (m *Manager) findLogsForSpecificID(deploymentID string) (string, error) {
	logFiles, err := m.getSortedLogFiles()
	if err != nil {
		return "", err
	}
	for _, file := range logFiles {
		if strings.Contains(file, deploymentID) {
			return file, nil
		}
	}
	return "", os.ErrNotExist
}

// GetLogs reads back the stored log file for deploymentID (if any) and
// returns it reshaped as {"messages": [...]}, the wire format the
// deployment API's log-push endpoint expects.
func (m *Manager) GetLogs(deploymentID string) ([]byte, error) {
	type formattedDeploymentLogs struct {
		Messages []json.RawMessage `json:"messages"`
	}
	logsList := make([]json.RawMessage, 0)

	logFileName, err := m.findLogsForSpecificID(deploymentID)
	if errors.Is(err, os.ErrNotExist) {
		logs := formattedDeploymentLogs{logsList}
		return json.Marshal(logs)
	}
	if err != nil {
		return nil, err
	}

	logF, err := os.Open(logFileName)
	if err != nil {
		return nil, err
	}
	defer logF.Close()

	scanner := bufio.NewScanner(logF)
	for scanner.Scan() {
		var logLine json.RawMessage
		if err := json.Unmarshal(scanner.Bytes(), &logLine); err != nil {
			continue
		}
		logsList = append(logsList, logLine)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	logs := formattedDeploymentLogs{logsList}
	return json.Marshal(logs)
}
