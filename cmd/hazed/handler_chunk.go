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

package main

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
)

// chunkHandler answers GET /chunk/:uid/:index. A non-numeric index is
// a malformed URL and gets a plain 400; a numeric index that is out of
// range is answered through the envelope as uid_unknown.
func (s *server) chunkHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	uid := ps.ByName("uid")
	index, err := strconv.Atoi(ps.ByName("index"))
	if err != nil {
		http.Error(w, fmt.Sprintf("bad chunk index %q", ps.ByName("index")), http.StatusBadRequest)
		return
	}
	resp := s.orch.ServeChunk(uid, index)
	if resp.ETag != "" {
		w.Header().Set("ETag", `"`+resp.ETag+`"`)
	}
	writeJSON(w, resp.Status.HTTPCode(), resp)
}
