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

package haze

import "runtime/debug"

// Version assembles a version string from the VCS stamp the toolchain
// embeds at build time. This is what hazed advertises in its version
// response header. ok is false when no stamp is available, as in test
// binaries or builds outside a checkout.
func Version() (v string, ok bool) {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return "", false
	}
	var rev, date string
	for i := range bi.Settings {
		switch bi.Settings[i].Key {
		case "vcs.revision":
			rev = bi.Settings[i].Value
		case "vcs.time":
			date = bi.Settings[i].Value
		}
	}
	switch {
	case rev != "" && date != "":
		return "date: " + date + ", revision: " + rev, true
	case rev != "":
		return "revision: " + rev, true
	case date != "":
		return "date: " + date, true
	}
	return "", false
}
