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
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/hazelabs/haze/wire"
)

// handle wraps every route: it sets the version header, logs the
// request at debug level, and turns handler panics into
// internal_error envelopes instead of dropped connections.
func (s *server) handle(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		defer r.Body.Close()
		defer func() {
			if v := recover(); v != nil {
				s.log.Error().Interface("panic", v).Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, &wire.QueryResponse{
					Status: wire.StatusInternalError,
				})
			}
		}()
		w.Header().Set(wire.HeaderVersion, version)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Str("from", r.RemoteAddr).Msg("request")
		h(w, r, ps)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		panic("unable to serialize HTTP response")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusCode)
	w.Write(body)
}
