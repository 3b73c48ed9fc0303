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

// Package overlay implements the per-node query engine.
//
// Every process runs the same pipeline: admit the query, suppress
// duplicates via the hops list, scan the local shard, fan the rest of
// the limit out to the downstream roster, merge the partials in
// declared order, and publish the merged result to the chunk cache
// under the query's UID. The pipeline differs between roles only in
// what the roster contains; a worker's roster is empty, so its
// pipeline degenerates to a local scan.
package overlay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hazelabs/haze/admit"
	"github.com/hazelabs/haze/cache"
	"github.com/hazelabs/haze/config"
	"github.com/hazelabs/haze/metrics"
	"github.com/hazelabs/haze/store"
	"github.com/hazelabs/haze/wire"
)

// Transport delivers sub-queries and chunk fetches to neighbor
// processes. Production uses a wire.Registry-backed implementation;
// tests substitute fakes.
type Transport interface {
	Query(ctx context.Context, target string, req *wire.QueryRequest) (*wire.QueryResponse, error)
	FetchChunk(ctx context.Context, target, uid string, index int) (*wire.ChunkResponse, error)
	// Load returns the target's advisory load ratio, 0 when unknown.
	Load(target string) float64
}

// Params collects everything an Orchestrator needs. Store may be nil
// for processes that own no shard; everything else is required.
type Params struct {
	Config    *config.Config
	Self      *config.Process
	Store     *store.Store
	Cache     *cache.Cache
	Admit     *admit.Controller
	Metrics   *metrics.Tracker
	Transport Transport
	Logger    zerolog.Logger
}

// Orchestrator runs the query pipeline for one process.
type Orchestrator struct {
	cfg       *config.Config
	self      *config.Process
	store     *store.Store
	cache     *cache.Cache
	admit     *admit.Controller
	metrics   *metrics.Tracker
	transport Transport
	forward   forwarder
	chunks    chunker
	log       zerolog.Logger
	targets   []string
}

// New wires an orchestrator from validated configuration.
func New(p Params) (*Orchestrator, error) {
	switch {
	case p.Config == nil:
		return nil, errors.New("overlay: nil config")
	case p.Self == nil:
		return nil, errors.New("overlay: nil process")
	case p.Cache == nil:
		return nil, errors.New("overlay: nil cache")
	case p.Admit == nil:
		return nil, errors.New("overlay: nil admission controller")
	case p.Metrics == nil:
		return nil, errors.New("overlay: nil metrics tracker")
	case p.Transport == nil:
		return nil, errors.New("overlay: nil transport")
	}
	fwd, err := newForwarder(p.Config.Strategies)
	if err != nil {
		return nil, err
	}
	ch, err := newChunker(p.Config.Strategies)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		cfg:       p.Config,
		self:      p.Self,
		store:     p.Store,
		cache:     p.Cache,
		admit:     p.Admit,
		metrics:   p.Metrics,
		transport: p.Transport,
		forward:   fwd,
		chunks:    ch,
		log:       p.Logger,
	}
	for _, d := range p.Config.Downstream(p.Self) {
		o.targets = append(o.targets, d.ID)
	}
	return o, nil
}

// Targets returns the downstream roster in declared order.
func (o *Orchestrator) Targets() []string {
	return append([]string(nil), o.targets...)
}

// HandleQuery runs the pipeline for one (already validated) request.
// It always returns a response; failures are reported through the
// status field, never as an error.
func (o *Orchestrator) HandleQuery(ctx context.Context, req *wire.QueryRequest) *wire.QueryResponse {
	start := time.Now()

	team := req.Team
	if team == "" {
		team = o.self.Team
	}
	release, ok := o.admit.Admit(team)
	if !ok {
		o.metrics.Rejected()
		o.log.Warn().Str("team", team).Str("field", req.Field).
			Msg("admission rejected")
		return &wire.QueryResponse{
			Hops:      req.Hops,
			Status:    wire.StatusCapacityExhausted,
			ElapsedMS: msSince(start),
		}
	}
	o.metrics.Admitted()
	defer release()

	// the slot above is still held for an instant on this path;
	// a duplicate costs capacity like any other arrival
	if hopsContain(req.Hops, o.self.ID) {
		o.log.Debug().Strs("hops", req.Hops).Msg("duplicate suppressed")
		return &wire.QueryResponse{
			Hops:      req.Hops,
			Status:    wire.StatusLoopSuppressed,
			ElapsedMS: msSince(start),
		}
	}

	hops := extendHops(req.Hops, o.self.ID)

	uid := req.UID
	if uid == "" {
		uid = uuid.New().String()
	}

	limit := req.Limit
	if limit > o.cfg.Query.DefaultLimit {
		limit = o.cfg.Query.DefaultLimit
	}

	var local []store.Row
	if o.store != nil {
		cmp, err := store.ParseComparator(req.Comparator)
		if err != nil {
			return o.fail(start, uid, hops, err, "unparseable comparator")
		}
		t0 := time.Now()
		local = o.store.Scan(req.Field, cmp, req.Threshold, limit)
		o.metrics.ObserveScan(time.Since(t0))
	}

	// a full local result short-circuits the fan-out
	var targets []string
	if len(local) < limit {
		for _, id := range o.targets {
			if !hopsContain(hops, id) {
				targets = append(targets, id)
			}
		}
	}

	merged := local
	if len(targets) > 0 {
		f := &fanout{
			req:     req,
			uid:     uid,
			hops:    hops,
			targets: targets,
			shares:  splitLimit(limit, len(targets)),
		}
		parts := o.forward.run(ctx, o, f)
		for _, p := range parts {
			merged = append(merged, p.rows...)
		}
		if len(merged) > limit {
			merged = merged[:limit]
		}
		for _, p := range parts {
			if p.unreachable {
				hops = append(hops, markFailed(p.id))
				continue
			}
			hops = append(hops, p.suffix...)
		}
	}

	size := o.chunks.size(len(merged), limit)
	total, err := o.cache.Put(uid, merged, size)
	if err != nil {
		return o.fail(start, uid, hops, err, "publishing result")
	}

	elapsed := time.Since(start)
	o.metrics.Completed(elapsed)
	o.log.Debug().Str("uid", uid).Str("field", req.Field).
		Int("records", len(merged)).Int("chunks", total).
		Int("targets", len(targets)).Dur("elapsed", elapsed).
		Msg("query complete")
	return &wire.QueryResponse{
		UID:          uid,
		TotalChunks:  total,
		TotalRecords: len(merged),
		Hops:         hops,
		Status:       wire.StatusOK,
		ElapsedMS:    float64(elapsed) / float64(time.Millisecond),
	}
}

func (o *Orchestrator) fail(start time.Time, uid string, hops []string, err error, what string) *wire.QueryResponse {
	o.metrics.Failed()
	o.log.Error().Err(err).Str("uid", uid).Msg(what)
	return &wire.QueryResponse{
		UID:       uid,
		Hops:      hops,
		Status:    wire.StatusInternalError,
		ElapsedMS: msSince(start),
	}
}

// ServeChunk answers GET /chunk lookups from the local cache.
func (o *Orchestrator) ServeChunk(uid string, index int) *wire.ChunkResponse {
	ch, err := o.cache.Get(uid, index)
	switch {
	case err == nil:
		return &wire.ChunkResponse{
			UID:         ch.UID,
			ChunkIndex:  ch.Index,
			TotalChunks: ch.Total,
			Records:     ch.Records,
			Data:        ch.Data,
			IsLast:      ch.Last,
			ETag:        ch.ETag,
			Status:      wire.StatusOK,
		}
	case errors.Is(err, cache.ErrExpired):
		return &wire.ChunkResponse{UID: uid, ChunkIndex: index, Status: wire.StatusUIDExpired}
	default:
		// never published, or the index is out of range
		return &wire.ChunkResponse{UID: uid, ChunkIndex: index, Status: wire.StatusUIDUnknown}
	}
}

// MetricsSnapshot assembles the GET /metrics response.
func (o *Orchestrator) MetricsSnapshot() *wire.MetricsResponse {
	v := o.admit.Snapshot()
	m := o.metrics.Snapshot()
	return &wire.MetricsResponse{
		ProcessID:       o.self.ID,
		Role:            string(o.self.Role),
		Team:            o.self.Team,
		ActiveRequests:  v.Total,
		MaxCapacity:     v.Limits.MaxTotal,
		QueueSize:       0,
		AvgProcessingMS: m.AvgQueryMillis,
		AvgScanMS:       m.AvgScanMillis,
		DataFilesLoaded: m.FilesLoaded,
		RowsLoaded:      m.RowsLoaded,
		Completed:       m.Completed,
		Rejected:        m.Rejected,
		IsHealthy:       v.Total < v.Limits.MaxTotal,
		UptimeS:         m.Uptime.Seconds(),
	}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
