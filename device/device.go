// Copyright 2020 Northern.tech AS
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
package device

import (
	"bufio"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// GetManifestData reads a key=value manifest file (the format Yocto writes
// artifact_info/device_type into) and returns the value for dataType.
func GetManifestData(dataType, manifestFile string) (string, error) {
	manifest, err := os.Open(manifestFile)
	if err != nil {
		return "", err
	}
	defer manifest.Close()

	var found *string
	scanner := bufio.NewScanner(manifest)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "#") {
			continue
		}

		lineID := strings.SplitN(line, "=", 2)
		if len(lineID) != 2 {
			log.Errorf("broken device manifest file: %v", lineID)
			return "", errors.Errorf("broken device manifest file: %v", lineID)
		}
		if lineID[0] == dataType {
			str := strings.TrimSpace(lineID[1])
			if found != nil {
				return "", errors.Errorf("more than one instance of %s found in manifest file %s",
					dataType, manifestFile)
			}
			found = &str
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if found == nil {
		return "", nil
	}
	return *found, nil
}

// GetDeviceType reads the device_type value out of deviceTypeFile.
func GetDeviceType(deviceTypeFile string) (string, error) {
	return GetManifestData("device_type", deviceTypeFile)
}
