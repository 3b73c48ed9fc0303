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
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/hazelabs/haze"
	"github.com/hazelabs/haze/config"
	"github.com/hazelabs/haze/overlay"
)

// server exposes one node over HTTP.
type server struct {
	log  zerolog.Logger
	node *haze.Node
	orch *overlay.Orchestrator
	cfg  *config.Config

	srv   http.Server
	bound net.Addr
}

func newServer(node *haze.Node, log zerolog.Logger) *server {
	return &server{
		log:  log,
		node: node,
		orch: node.Orchestrator(),
		cfg:  node.Config(),
	}
}

func (s *server) handler() http.Handler {
	r := httprouter.New()
	r.GET("/", s.handle(s.versionHandler))
	r.POST("/query", s.handle(s.queryHandler))
	r.GET("/chunk/:uid/:index", s.handle(s.chunkHandler))
	r.GET("/metrics", s.handle(s.metricsHandler))
	return r
}

// Serve blocks until the listener closes or Shutdown is called.
func (s *server) Serve(l net.Listener) error {
	s.bound = l.Addr()
	s.srv.Handler = s.handler()
	s.log.Info().Str("addr", s.bound.String()).Str("version", version).Msg("listening")
	err := s.srv.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the listener.
func (s *server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *server) versionHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	self := s.node.Self()
	writeJSON(w, http.StatusOK, struct {
		Version   string `json:"version"`
		ProcessID string `json:"process_id"`
		Role      string `json:"role"`
		Team      string `json:"team"`
	}{version, self.ID, string(self.Role), self.Team})
}
