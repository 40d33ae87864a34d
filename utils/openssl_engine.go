// Copyright 2023 Northern.tech AS
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

package utils

import (
	"strings"
)

const (
	pkcs11URIPrefix = "pkcs11:"
	tpm2URIPrefix   = "tpm2tss:"
)

// IsPKCS11KeyURI reports whether key names a PKCS#11 token rather than a
// plain file path.
func IsPKCS11KeyURI(key string) bool {
	return strings.HasPrefix(key, pkcs11URIPrefix)
}

// IsTPM2KeyURI reports whether key names a tpm2tss handle rather than a
// plain file path.
func IsTPM2KeyURI(key string) bool {
	return strings.HasPrefix(key, tpm2URIPrefix)
}

// HardwareKeyHandle strips the engine prefix from a tpm2tss URI, returning
// the bare handle (e.g. "tpm2tss:0x81000000" -> "0x81000000") the tpm2tss
// engine itself expects. PKCS#11 URIs are returned unchanged, since the
// PKCS#11 engine takes the full "pkcs11:..." URI as-is.
func HardwareKeyHandle(key string) string {
	if IsTPM2KeyURI(key) {
		return key[len(tpm2URIPrefix):]
	}
	return key
}
