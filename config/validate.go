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

package config

import (
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ids returns the process ids in sorted order so that validation
// errors are deterministic.
func (c *Config) ids() []string {
	ids := maps.Keys(c.Processes)
	slices.Sort(ids)
	return ids
}

// TeamNames returns the distinct team names in sorted order.
func (c *Config) TeamNames() []string {
	seen := make(map[string]struct{})
	for _, p := range c.Processes {
		if p != nil {
			seen[p.Team] = struct{}{}
		}
	}
	names := maps.Keys(seen)
	slices.Sort(names)
	return names
}

// Validate checks the whole document. It returns the first violation
// found, walking processes in id order. The daemon refuses to start on
// any error from here.
func (c *Config) Validate() error {
	if err := c.validateStrategies(); err != nil {
		return err
	}
	if err := c.validateBudgets(); err != nil {
		return err
	}
	if len(c.Processes) == 0 {
		return fmt.Errorf("config: no processes declared")
	}
	if err := c.validateProcesses(); err != nil {
		return err
	}
	if err := c.validateLinks(); err != nil {
		return err
	}
	if err := c.validateRoles(); err != nil {
		return err
	}
	if err := c.validateBounds(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateStrategies() error {
	s := &c.Strategies
	switch s.Forwarding {
	case ForwardRoundRobin, ForwardParallel, ForwardCapacity:
	default:
		return fmt.Errorf("config: unknown forwarding strategy %q", s.Forwarding)
	}
	switch s.Chunking {
	case ChunkFixed, ChunkAdaptive, ChunkQueryBased:
	default:
		return fmt.Errorf("config: unknown chunking strategy %q", s.Chunking)
	}
	switch s.Fairness {
	case FairStrict, FairWeighted, FairHybrid:
	default:
		return fmt.Errorf("config: unknown fairness strategy %q", s.Fairness)
	}
	if s.ChunkSize < 1 {
		return fmt.Errorf("config: chunk_size %d < 1", s.ChunkSize)
	}
	if s.MaxChunkSize < s.ChunkSize {
		return fmt.Errorf("config: max_chunk_size %d < chunk_size %d", s.MaxChunkSize, s.ChunkSize)
	}
	return nil
}

func (c *Config) validateBudgets() error {
	if c.Admission.MaxTotal < 1 {
		return fmt.Errorf("config: max_total %d < 1", c.Admission.MaxTotal)
	}
	if c.Admission.MaxPerTeam < 1 {
		return fmt.Errorf("config: max_per_team %d < 1", c.Admission.MaxPerTeam)
	}
	if c.Cache.ResultTTL <= 0 {
		return fmt.Errorf("config: result_ttl %s must be positive", c.Cache.ResultTTL)
	}
	if c.Query.DefaultLimit < 1 {
		return fmt.Errorf("config: default_limit %d < 1", c.Query.DefaultLimit)
	}
	if c.Query.DefaultTimeout <= 0 {
		return fmt.Errorf("config: default_timeout %s must be positive", c.Query.DefaultTimeout)
	}
	return nil
}

func (c *Config) validateProcesses() error {
	addrs := make(map[string]string)
	for _, id := range c.ids() {
		p := c.Processes[id]
		if p == nil {
			return fmt.Errorf("config: process %q: empty definition", id)
		}
		if p.ID != id {
			return fmt.Errorf("config: process %q: id %q does not match its key", id, p.ID)
		}
		if !p.Role.valid() {
			return fmt.Errorf("config: process %q: unknown role %q", id, p.Role)
		}
		if p.Team == "" {
			return fmt.Errorf("config: process %q: no team", id)
		}
		if p.Host == "" {
			return fmt.Errorf("config: process %q: no host", id)
		}
		if p.Port < 1 || p.Port > 65535 {
			return fmt.Errorf("config: process %q: bad port %d", id, p.Port)
		}
		if prev, ok := addrs[p.Addr()]; ok {
			return fmt.Errorf("config: processes %q and %q share address %s", prev, id, p.Addr())
		}
		addrs[p.Addr()] = id
		if p.Role == Worker && !p.OwnsData() {
			// A worker exists to serve data; starting one without
			// bounds silently drops part of the team's range.
			return fmt.Errorf("config: worker %q has no date_bounds", id)
		}
		if p.OwnsData() {
			if err := p.DateBounds.validate(); err != nil {
				return fmt.Errorf("config: process %q: date_bounds: %w", id, err)
			}
		}
	}
	return nil
}

func (c *Config) validateLinks() error {
	for _, id := range c.ids() {
		p := c.Processes[id]
		seen := make(map[string]struct{}, len(p.Neighbors))
		for _, nid := range p.Neighbors {
			if nid == id {
				return fmt.Errorf("config: process %q lists itself as a neighbor", id)
			}
			if _, dup := seen[nid]; dup {
				return fmt.Errorf("config: process %q lists neighbor %q twice", id, nid)
			}
			seen[nid] = struct{}{}
			n, ok := c.Processes[nid]
			if !ok || n == nil {
				return fmt.Errorf("config: process %q: unknown neighbor %q", id, nid)
			}
			if !slices.Contains(n.Neighbors, id) {
				return fmt.Errorf("config: link %s-%s is not symmetric", id, nid)
			}
		}
	}
	return nil
}

func (c *Config) validateRoles() error {
	var leader *Process
	tls := make(map[string]string) // team -> team leader id
	for _, id := range c.ids() {
		p := c.Processes[id]
		switch p.Role {
		case Leader:
			if leader != nil {
				return fmt.Errorf("config: multiple leaders (%q and %q)", leader.ID, id)
			}
			leader = p
		case TeamLeader:
			if prev, ok := tls[p.Team]; ok {
				return fmt.Errorf("config: team %q has multiple team leaders (%q and %q)", p.Team, prev, id)
			}
			tls[p.Team] = id
		}
	}
	if leader == nil {
		return fmt.Errorf("config: no leader declared")
	}
	for _, team := range c.TeamNames() {
		tl, ok := tls[team]
		if !ok {
			return fmt.Errorf("config: team %q has no team leader", team)
		}
		if !slices.Contains(leader.Neighbors, tl) {
			return fmt.Errorf("config: leader %q has no link to team leader %q", leader.ID, tl)
		}
	}
	// Every worker must be linked to its team's leader, or the
	// fan-out can never reach it.
	for _, id := range c.ids() {
		p := c.Processes[id]
		if p.Role != Worker {
			continue
		}
		tl := tls[p.Team]
		if !slices.Contains(c.Processes[tl].Neighbors, id) {
			return fmt.Errorf("config: worker %q is not a neighbor of team leader %q", id, tl)
		}
	}
	return nil
}

func (c *Config) validateBounds() error {
	teams := c.TeamNames()
	for team := range c.Teams {
		if !slices.Contains(teams, team) {
			return fmt.Errorf("config: teams section names unknown team %q", team)
		}
		b := c.Teams[team].DateBounds
		if err := b.validate(); err != nil {
			return fmt.Errorf("config: team %q: date_bounds: %w", team, err)
		}
	}
	// Within a team, member shards must not overlap and must fall
	// inside the team's declared range.
	for _, team := range teams {
		var owners []*Process
		for _, id := range c.ids() {
			p := c.Processes[id]
			if p.Team == team && p.OwnsData() {
				owners = append(owners, p)
			}
		}
		for i := 0; i < len(owners); i++ {
			for j := i + 1; j < len(owners); j++ {
				if owners[i].DateBounds.Overlaps(*owners[j].DateBounds) {
					return fmt.Errorf("config: processes %q and %q have overlapping date_bounds",
						owners[i].ID, owners[j].ID)
				}
			}
		}
		if t, ok := c.Teams[team]; ok {
			for _, p := range owners {
				if !t.DateBounds.Covers(*p.DateBounds) {
					return fmt.Errorf("config: process %q date_bounds outside team %q range", p.ID, team)
				}
			}
		}
	}
	// Across teams, ranges must be disjoint: shards are never
	// replicated between teams.
	for i := 0; i < len(teams); i++ {
		bi, ok := c.TeamBounds(teams[i])
		if !ok {
			continue
		}
		for j := i + 1; j < len(teams); j++ {
			bj, ok := c.TeamBounds(teams[j])
			if !ok {
				continue
			}
			if bi.Overlaps(bj) {
				return fmt.Errorf("config: teams %q and %q have overlapping date ranges", teams[i], teams[j])
			}
		}
	}
	return nil
}
