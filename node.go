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

// Package haze assembles overlay processes from the shared
// configuration document.
//
// A Node ties the independent pieces together: the store holding the
// process's shard, the cache its results are published through, the
// admission controller, the metrics tracker, and the HTTP clients
// used to reach its neighbors. The commands under cmd/ are thin
// wrappers around a Node.
package haze

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/hazelabs/haze/admit"
	"github.com/hazelabs/haze/cache"
	"github.com/hazelabs/haze/compr"
	"github.com/hazelabs/haze/config"
	"github.com/hazelabs/haze/metrics"
	"github.com/hazelabs/haze/overlay"
	"github.com/hazelabs/haze/store"
	"github.com/hazelabs/haze/wire"
)

// hintMaxAge is how old a neighbor load hint may get before Load
// schedules a background refresh.
const hintMaxAge = 5 * time.Second

// Node is one fully-assembled overlay process.
type Node struct {
	cfg  *config.Config
	self *config.Process
	log  zerolog.Logger

	store *store.Store
	cache *cache.Cache
	track *metrics.Tracker
	reg   *wire.Registry
	orch  *overlay.Orchestrator
}

type options struct {
	log     zerolog.Logger
	dataset string
	kind    compr.Kind
}

// Option configures New.
type Option func(*options)

// WithLogger sets the node's logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithDataset points the node at the shard root: a directory of
// YYYYMMDD day-directories holding CSV exports. Processes whose
// configuration declares date_bounds must be given one.
func WithDataset(root string) Option {
	return func(o *options) { o.dataset = root }
}

// WithCompression selects the frame compression for cached results.
// The default is s2.
func WithCompression(k compr.Kind) Option {
	return func(o *options) { o.kind = k }
}

// New assembles the process named id from cfg, loading its shard if
// it owns one. The returned node is ready to serve; Close releases
// its resources.
func New(cfg *config.Config, id string, opts ...Option) (*Node, error) {
	self, err := cfg.Process(id)
	if err != nil {
		return nil, err
	}
	o := options{log: zerolog.Nop(), kind: compr.S2}
	for _, fn := range opts {
		fn(&o)
	}
	log := o.log.With().
		Str("process", self.ID).
		Str("role", string(self.Role)).
		Str("team", self.Team).
		Logger()

	var st *store.Store
	if self.OwnsData() {
		if o.dataset == "" {
			return nil, fmt.Errorf("haze: process %q owns %s..%s but no dataset root was given",
				id, self.DateBounds.Start(), self.DateBounds.End())
		}
		st, err = store.Open(o.dataset, self.DateBounds.Start(), self.DateBounds.End())
		if err != nil {
			return nil, err
		}
		log.Info().Int("files", st.Files()).
			Str("rows", humanize.Comma(int64(st.Rows()))).
			Int("skipped", st.Skipped()).
			Msg("shard loaded")
	}

	clog := log.With().Str("component", "cache").Logger()
	ca := cache.New(cfg.Cache.ResultTTL.Std(),
		cache.WithCompression(o.kind),
		cache.WithLogger(&clog))

	ad, err := admit.New(admit.Limits{
		MaxTotal:   cfg.Admission.MaxTotal,
		MaxPerTeam: cfg.Admission.MaxPerTeam,
	}, cfg.Strategies.Fairness, cfg.TeamNames())
	if err != nil {
		ca.Close()
		return nil, err
	}

	track := metrics.NewTracker()
	if st != nil {
		track.SetLoaded(st.Files(), st.Rows())
	}

	eps := make(map[string]string, len(cfg.Processes))
	for pid, p := range cfg.Processes {
		if pid == id || p == nil {
			continue
		}
		eps[pid] = "http://" + p.Addr()
	}
	reg := wire.NewRegistry(eps)

	orch, err := overlay.New(overlay.Params{
		Config:    cfg,
		Self:      self,
		Store:     st,
		Cache:     ca,
		Admit:     ad,
		Metrics:   track,
		Transport: &transport{reg: reg, log: log},
		Logger:    log,
	})
	if err != nil {
		ca.Close()
		reg.Close()
		return nil, err
	}
	return &Node{
		cfg:   cfg,
		self:  self,
		log:   log,
		store: st,
		cache: ca,
		track: track,
		reg:   reg,
		orch:  orch,
	}, nil
}

// Orchestrator returns the node's query pipeline.
func (n *Node) Orchestrator() *overlay.Orchestrator { return n.orch }

// Self returns the node's own process entry.
func (n *Node) Self() *config.Process { return n.self }

// Config returns the overlay document the node was built from.
func (n *Node) Config() *config.Config { return n.cfg }

// Close stops the cache janitor and drops pooled connections.
func (n *Node) Close() {
	n.cache.Close()
	n.reg.Close()
}

// transport adapts the client registry to the orchestrator's
// Transport. Load hints come from the registry's last observation;
// a stale hint triggers a background refresh instead of stalling
// the dispatch that asked.
type transport struct {
	reg *wire.Registry
	log zerolog.Logger
}

func (t *transport) Query(ctx context.Context, target string, req *wire.QueryRequest) (*wire.QueryResponse, error) {
	c, err := t.reg.Client(target)
	if err != nil {
		return nil, err
	}
	return c.Query(ctx, req)
}

func (t *transport) FetchChunk(ctx context.Context, target, uid string, index int) (*wire.ChunkResponse, error) {
	c, err := t.reg.Client(target)
	if err != nil {
		return nil, err
	}
	return c.FetchChunk(ctx, uid, index)
}

func (t *transport) Load(target string) float64 {
	load, age, ok := t.reg.Hint(target)
	if !ok || age > hintMaxAge {
		go func() {
			if err := t.reg.Refresh(context.Background(), target); err != nil {
				t.log.Debug().Str("target", target).Err(err).Msg("load hint refresh failed")
			}
		}()
	}
	return load
}
