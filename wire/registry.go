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

package wire

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Registry hands out one Client per neighbor id and keeps the load
// hints the capacity forwarding strategy sorts by. Hints are advisory:
// they may be stale, and a failed refresh keeps the previous hint.
type Registry struct {
	endpoints map[string]string

	mu      sync.Mutex
	clients map[string]*Client
	hints   map[string]hint

	transp *http.Transport
	group  singleflight.Group

	// MetricsTimeout bounds each hint refresh; the default is 2s.
	MetricsTimeout time.Duration
}

type hint struct {
	load float64
	at   time.Time
}

// NewRegistry builds a registry over an id -> base URL map. All
// clients share one transport, so connections to a neighbor are
// pooled across queries.
func NewRegistry(endpoints map[string]string) *Registry {
	eps := make(map[string]string, len(endpoints))
	for id, ep := range endpoints {
		eps[id] = ep
	}
	return &Registry{
		endpoints:      eps,
		clients:        make(map[string]*Client),
		hints:          make(map[string]hint),
		transp:         &http.Transport{MaxIdleConnsPerHost: 8},
		MetricsTimeout: 2 * time.Second,
	}
}

// Client returns the lazily-built client for a neighbor id.
func (g *Registry) Client(id string) (*Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.clients[id]; ok {
		return c, nil
	}
	ep, ok := g.endpoints[id]
	if !ok {
		return nil, fmt.Errorf("wire: no endpoint for process %q", id)
	}
	c := newClient(ep, &http.Client{Transport: g.transp})
	g.clients[id] = c
	return c, nil
}

// Hint returns the last observed load ratio for id and how old the
// observation is. ok is false when the neighbor was never observed.
func (g *Registry) Hint(id string) (load float64, age time.Duration, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.hints[id]
	if !ok {
		return 0, 0, false
	}
	return h.load, time.Since(h.at), true
}

// Refresh fetches the neighbor's metrics and records its load ratio.
// Concurrent refreshes of the same id collapse into one fetch. On
// failure the previous hint (if any) is left in place.
func (g *Registry) Refresh(ctx context.Context, id string) error {
	_, err, _ := g.group.Do(id, func() (interface{}, error) {
		c, err := g.Client(id)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, g.MetricsTimeout)
		defer cancel()
		m, err := c.Metrics(ctx)
		if err != nil {
			return nil, err
		}
		load := 0.0
		if m.MaxCapacity > 0 {
			load = float64(m.ActiveRequests) / float64(m.MaxCapacity)
		}
		g.mu.Lock()
		g.hints[id] = hint{load: load, at: time.Now()}
		g.mu.Unlock()
		return nil, nil
	})
	return err
}

// Close drops pooled connections. Clients remain usable; subsequent
// calls redial.
func (g *Registry) Close() {
	g.transp.CloseIdleConnections()
}
