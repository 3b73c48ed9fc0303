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

import "testing"

func TestVersion(t *testing.T) {
	v1, ok1 := Version()
	v2, ok2 := Version()
	if v1 != v2 || ok1 != ok2 {
		t.Fatalf("unstable: (%q, %v) then (%q, %v)", v1, ok1, v2, ok2)
	}
	if ok1 && v1 == "" {
		t.Fatal("ok with an empty version string")
	}
	if !ok1 && v1 != "" {
		t.Fatalf("not ok but version %q", v1)
	}
}
