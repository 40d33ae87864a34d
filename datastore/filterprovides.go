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
package datastore

import (
	"path/filepath"

	"github.com/pkg/errors"
)

// FilterProvides drops every key in provides that matches one of the
// clearsProvides glob patterns and is not itself present in newProvides. The
// result is a fresh map; provides is left untouched. Patterns use shell-glob
// syntax (`*`, `?`, `[...]`), case-sensitive, matched with path.Match's
// semantics against the whole key (there are no path separators in a
// provides key, so `*` effectively matches any run including the empty
// string).
func FilterProvides(
	newProvides map[string]string,
	clearsProvides []string,
	provides map[string]string,
) (map[string]string, error) {
	filtered := make(map[string]string, len(provides))
	for k, v := range provides {
		cleared, err := matchesAny(clearsProvides, k)
		if err != nil {
			return nil, err
		}
		if cleared {
			if _, keep := newProvides[k]; !keep {
				continue
			}
		}
		filtered[k] = v
	}
	return filtered, nil
}

func matchesAny(patterns []string, key string) (bool, error) {
	for _, pattern := range patterns {
		matched, err := filepath.Match(pattern, key)
		if err != nil {
			return false, errors.Wrapf(err, "datastore: malformed clears_artifact_provides pattern %q", pattern)
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}
