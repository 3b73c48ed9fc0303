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

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/hazelabs/haze/cache"
	"github.com/hazelabs/haze/config"
	"github.com/hazelabs/haze/store"
	"github.com/hazelabs/haze/wire"
)

// fanout carries one query's fan-out state: the locally-extended hops
// snapshot, the surviving targets in declared order, and each target's
// share of the limit.
type fanout struct {
	req     *wire.QueryRequest
	uid     string
	hops    []string
	targets []string
	shares  []int
}

// partial is what one target contributed. suffix holds the hop ids
// the target's subtree appended beyond our prefix; unreachable is set
// when both delivery attempts failed.
type partial struct {
	id          string
	rows        []store.Row
	suffix      []string
	unreachable bool
}

// forwarder runs the fan-out. Implementations differ in dispatch
// order and concurrency, but all return partials aligned with
// f.targets: merge order never depends on completion order.
type forwarder interface {
	name() string
	run(ctx context.Context, o *Orchestrator, f *fanout) []partial
}

func newForwarder(s config.Strategies) (forwarder, error) {
	switch s.Forwarding {
	case config.ForwardRoundRobin:
		return roundRobin{async: s.AsyncForwarding}, nil
	case config.ForwardParallel:
		return parallelFan{}, nil
	case config.ForwardCapacity:
		return capacityFan{}, nil
	}
	return nil, fmt.Errorf("overlay: unknown forwarding strategy %q", s.Forwarding)
}

// splitLimit divides limit across n targets. Every target gets at
// least 1; when limit >= n, the first limit%n targets get one extra.
// The shares may add up to more than limit; the merge step truncates.
func splitLimit(limit, n int) []int {
	shares := make([]int, n)
	base := limit / n
	if base < 1 {
		for i := range shares {
			shares[i] = 1
		}
		return shares
	}
	rem := limit % n
	for i := range shares {
		shares[i] = base
		if i < rem {
			shares[i]++
		}
	}
	return shares
}

// roundRobin queries targets one after another in declared order.
// With async set, the queries are all issued up front and only the
// chunk drains are serialized.
type roundRobin struct{ async bool }

func (roundRobin) name() string { return config.ForwardRoundRobin }

func (r roundRobin) run(ctx context.Context, o *Orchestrator, f *fanout) []partial {
	out := make([]partial, len(f.targets))
	if !r.async {
		for i, tgt := range f.targets {
			out[i] = o.queryOne(ctx, tgt, f.shares[i], f)
		}
		return out
	}
	resps := make([]*wire.QueryResponse, len(f.targets))
	errs := make([]error, len(f.targets))
	var wg sync.WaitGroup
	for i, tgt := range f.targets {
		i, tgt := i, tgt
		wg.Add(1)
		go func() {
			defer wg.Done()
			resps[i], errs[i] = o.transport.Query(ctx, tgt, o.subRequest(ctx, tgt, f.shares[i], f))
		}()
	}
	wg.Wait()
	for i, tgt := range f.targets {
		out[i] = o.finish(ctx, tgt, f.shares[i], f, resps[i], errs[i])
	}
	return out
}

// parallelFan runs every target in its own goroutine. A failing
// target never cancels its siblings; its slot just records the
// failure.
type parallelFan struct{}

func (parallelFan) name() string { return config.ForwardParallel }

func (parallelFan) run(ctx context.Context, o *Orchestrator, f *fanout) []partial {
	out := make([]partial, len(f.targets))
	var wg sync.WaitGroup
	for i, tgt := range f.targets {
		i, tgt := i, tgt
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = o.queryOne(ctx, tgt, f.shares[i], f)
		}()
	}
	wg.Wait()
	return out
}

// capacityFan dispatches the least-loaded target first, using the
// advisory load hints from the transport. Dispatch order is the only
// thing the hints influence; results still land in declared order.
type capacityFan struct{}

func (capacityFan) name() string { return config.ForwardCapacity }

func (capacityFan) run(ctx context.Context, o *Orchestrator, f *fanout) []partial {
	loads := make([]float64, len(f.targets))
	for i, tgt := range f.targets {
		loads[i] = o.transport.Load(tgt)
	}
	order := make([]int, len(f.targets))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) bool { return loads[a] < loads[b] })

	out := make([]partial, len(f.targets))
	var wg sync.WaitGroup
	for _, idx := range order {
		idx := idx
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[idx] = o.queryOne(ctx, f.targets[idx], f.shares[idx], f)
		}()
	}
	wg.Wait()
	return out
}

// subRequest builds the sub-query for one target. The hops snapshot
// is shared across targets (each target subtree visits disjoint
// nodes), and the team is the target's own: every subtree is charged
// to the team doing the work.
func (o *Orchestrator) subRequest(ctx context.Context, target string, share int, f *fanout) *wire.QueryRequest {
	team := o.self.Team
	if p, err := o.cfg.Process(target); err == nil {
		team = p.Team
	}
	return &wire.QueryRequest{
		Field:      f.req.Field,
		Comparator: f.req.Comparator,
		Threshold:  f.req.Threshold,
		Limit:      share,
		UID:        f.uid,
		Hops:       f.hops,
		Team:       team,
		TimeoutMS:  remainingMS(ctx),
	}
}

func (o *Orchestrator) queryOne(ctx context.Context, target string, share int, f *fanout) partial {
	resp, err := o.transport.Query(ctx, target, o.subRequest(ctx, target, share, f))
	return o.finish(ctx, target, share, f, resp, err)
}

// finish classifies a target's answer and drains its chunks when it
// produced any. The rules:
//
//   - delivery failure: marked unreachable, no rows
//   - capacity_exhausted: the target never accepted the query, so it
//     contributes nothing and leaves no trace in hops
//   - loop_suppressed: the target echoed our prefix; nothing to add
//   - ok: hop suffix kept; rows drained up to the target's share, and
//     a drain abort keeps whatever was fetched so far
//   - anything else (internal_error): the target did accept and visit,
//     so its hop suffix is kept even though it produced no rows
func (o *Orchestrator) finish(ctx context.Context, target string, share int, f *fanout, resp *wire.QueryResponse, err error) partial {
	p := partial{id: target}
	if err != nil {
		o.log.Warn().Str("target", target).Str("uid", f.uid).Err(err).
			Msg("neighbor unreachable")
		p.unreachable = true
		return p
	}
	switch resp.Status {
	case wire.StatusCapacityExhausted:
		o.log.Warn().Str("target", target).Str("uid", f.uid).
			Msg("neighbor rejected sub-query")
	case wire.StatusLoopSuppressed:
	case wire.StatusOK:
		p.suffix = hopSuffix(f.hops, resp.Hops)
		p.rows = o.drain(ctx, target, resp, share)
	default:
		p.suffix = hopSuffix(f.hops, resp.Hops)
		o.log.Warn().Str("target", target).Str("uid", f.uid).
			Str("status", string(resp.Status)).Msg("neighbor failed sub-query")
	}
	return p
}

// drain pages the target's published chunks, stopping at the share
// cap, the last chunk, or the first failure.
func (o *Orchestrator) drain(ctx context.Context, target string, resp *wire.QueryResponse, share int) []store.Row {
	var rows []store.Row
	for i := 0; i < resp.TotalChunks; i++ {
		ch, err := o.transport.FetchChunk(ctx, target, resp.UID, i)
		if err != nil {
			o.log.Warn().Str("target", target).Str("uid", resp.UID).Int("chunk", i).
				Err(err).Msg("chunk drain aborted")
			break
		}
		if ch.Status != wire.StatusOK {
			o.log.Warn().Str("target", target).Str("uid", resp.UID).Int("chunk", i).
				Str("status", string(ch.Status)).Msg("chunk drain aborted")
			break
		}
		part, err := cache.DecodeRows(ch.Data)
		if err != nil {
			o.log.Warn().Str("target", target).Str("uid", resp.UID).Int("chunk", i).
				Err(err).Msg("chunk drain aborted")
			break
		}
		rows = append(rows, part...)
		if len(rows) >= share {
			rows = rows[:share]
			break
		}
		if ch.IsLast {
			break
		}
	}
	return rows
}

func remainingMS(ctx context.Context) int64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	ms := time.Until(dl).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return ms
}
