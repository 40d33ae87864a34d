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

// Package statescript enumerates, sorts, and sequentially executes the
// external hook scripts bound to each deployment state transition (spec
// §4.C).
package statescript

// RetryExitCodeError is returned when a script exits with the distinguished
// "retry" status (21); ExecuteAll stops at that script even under Ignore.
// Package app does not check for this type: the state machine handles it
// like any other script error and does not re-enter the state after a
// delay.
type RetryExitCodeError struct {
	Script string
}

func (e *RetryExitCodeError) Error() string {
	return "statescript: script '" + e.Script + "' requested a retry (exit code 21)"
}

// retryExitCode is the Mender-wide convention for "retry this state later",
// carried over unchanged from the original C++ agent's executor (see
// original_source/artifact/v3/scripts/executor.cpp).
const retryExitCode = 21
