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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"golang.org/x/exp/slices"

	"github.com/hazelabs/haze/wire"
)

// queryHandler answers POST /query. Malformed requests are refused
// with plain-text 400s before the pipeline runs; everything after
// that point is reported through the JSON envelope, with the HTTP
// code derived from the envelope status.
func (s *server) queryHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req wire.QueryRequest
	body := http.MaxBytesReader(w, r.Body, wire.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request body: %v", err), http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Team != "" && !slices.Contains(s.cfg.TeamNames(), req.Team) {
		http.Error(w, fmt.Sprintf("unknown team %q", req.Team), http.StatusBadRequest)
		return
	}

	timeout := s.cfg.Query.DefaultTimeout.Std()
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp := s.orch.HandleQuery(ctx, &req)
	if resp.UID != "" {
		w.Header().Set(wire.HeaderQueryID, resp.UID)
	}
	writeJSON(w, resp.Status.HTTPCode(), resp)
}
