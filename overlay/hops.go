// Copyright 2023 Haze Labs, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package overlay

import "strings"

// A hop entry is a process id, or a process id with the failure
// marker appended when both delivery attempts to that neighbor
// failed. Markers are ignored by the loop guard: a dead neighbor
// still counts as visited.
const failedMark = "!"

func hopID(h string) string { return strings.TrimSuffix(h, failedMark) }

// hopsContain reports whether id appears in hops, markers stripped.
func hopsContain(hops []string, id string) bool {
	for _, h := range hops {
		if hopID(h) == id {
			return true
		}
	}
	return false
}

// markFailed records a failed delivery to id.
func markFailed(id string) string { return id + failedMark }

// hopSuffix returns the entries resp added beyond the prefix this
// node sent with the sub-query.
func hopSuffix(prefix, resp []string) []string {
	if len(resp) <= len(prefix) {
		return nil
	}
	return resp[len(prefix):]
}

// extendHops copies hops and appends id. The copy matters: the
// original slice belongs to the inbound request and is echoed
// unchanged on suppressed and rejected responses.
func extendHops(hops []string, id string) []string {
	out := make([]string, 0, len(hops)+1)
	out = append(out, hops...)
	return append(out, id)
}
