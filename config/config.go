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

// Package config loads and validates the static overlay configuration.
//
// A single document (YAML or JSON) describes every process in the
// overlay: identity, role, team, listen address, neighbor links, and the
// date range of the shard the process owns. The same document selects
// the forwarding, chunking, and fairness strategies and sets the
// admission, cache, and query defaults.
//
// Validation is deliberately strict. The overlay topology is fixed for
// the lifetime of every process, so a document that violates the
// topology rules (asymmetric links, missing team leaders, overlapping
// shard ranges, workers without data bounds) refuses to load rather
// than limping along with an overlay that cannot route queries.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"sigs.k8s.io/yaml"
)

// Role places a process in the overlay hierarchy.
type Role string

const (
	Leader     Role = "leader"
	TeamLeader Role = "team_leader"
	Worker     Role = "worker"
)

func (r Role) valid() bool {
	switch r {
	case Leader, TeamLeader, Worker:
		return true
	}
	return false
}

// Forwarding strategy names accepted in Strategies.Forwarding.
const (
	ForwardRoundRobin = "round_robin"
	ForwardParallel   = "parallel"
	ForwardCapacity   = "capacity"
)

// Chunking strategy names accepted in Strategies.Chunking.
const (
	ChunkFixed      = "fixed"
	ChunkAdaptive   = "adaptive"
	ChunkQueryBased = "query_based"
)

// Fairness strategy names accepted in Strategies.Fairness.
const (
	FairStrict   = "strict"
	FairWeighted = "weighted"
	FairHybrid   = "hybrid"
)

// Defaults applied by Parse when the document omits a knob.
const (
	DefaultChunkSize    = 200
	DefaultMaxChunkSize = 1000
	DefaultLimit        = 2000
	DefaultMaxTotal     = 32
	DefaultMaxPerTeam   = 16

	DefaultResultTTL = 5 * time.Minute
	DefaultTimeout   = 10 * time.Second
)

// Duration wraps time.Duration so documents can write durations
// as strings like "5m" or "1500ms". A bare number is taken to be
// seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("bad duration %s", b)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Bounds is an inclusive [start, end] range of YYYYMMDD days.
// Fixed-width day strings compare correctly as strings, which is
// how every range test below works.
type Bounds [2]string

func (b Bounds) Start() string { return b[0] }
func (b Bounds) End() string   { return b[1] }

// Contains reports whether day falls inside b.
func (b Bounds) Contains(day string) bool {
	return day >= b[0] && day <= b[1]
}

// Covers reports whether o lies entirely inside b.
func (b Bounds) Covers(o Bounds) bool {
	return b[0] <= o[0] && o[1] <= b[1]
}

// Overlaps reports whether b and o share at least one day.
func (b Bounds) Overlaps(o Bounds) bool {
	return b[0] <= o[1] && o[0] <= b[1]
}

func (b Bounds) validate() error {
	for _, day := range b {
		if !ValidDay(day) {
			return fmt.Errorf("bad day %q (want YYYYMMDD)", day)
		}
	}
	if b[0] > b[1] {
		return fmt.Errorf("start %s after end %s", b[0], b[1])
	}
	return nil
}

// ValidDay reports whether s is a real calendar day in YYYYMMDD form.
func ValidDay(s string) bool {
	if len(s) != 8 {
		return false
	}
	_, err := time.Parse("20060102", s)
	return err == nil
}

// Process describes one overlay node.
type Process struct {
	ID        string   `json:"id"`
	Role      Role     `json:"role"`
	Team      string   `json:"team"`
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	Neighbors []string `json:"neighbors"`

	// DateBounds is the shard this process owns; nil means the
	// process is a pure router and loads no data.
	DateBounds *Bounds `json:"date_bounds,omitempty"`
}

// OwnsData reports whether the process loads a shard at startup.
func (p *Process) OwnsData() bool { return p.DateBounds != nil }

// Addr returns the host:port the process listens on.
func (p *Process) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Strategies selects the per-node policies. All nodes in an overlay
// should run the same document, so these are global rather than
// per-process.
type Strategies struct {
	Forwarding      string `json:"forwarding"`
	AsyncForwarding bool   `json:"async_forwarding"`
	Chunking        string `json:"chunking"`
	ChunkSize       int    `json:"chunk_size"`
	MaxChunkSize    int    `json:"max_chunk_size"`
	Fairness        string `json:"fairness"`
}

// Admission sets the concurrency budgets enforced by the admission
// controller.
type Admission struct {
	MaxTotal   int `json:"max_total"`
	MaxPerTeam int `json:"max_per_team"`
}

// CacheConfig sets result-cache behavior.
type CacheConfig struct {
	ResultTTL Duration `json:"result_ttl"`
}

// QueryConfig sets per-query defaults.
type QueryConfig struct {
	DefaultLimit   int      `json:"default_limit"`
	DefaultTimeout Duration `json:"default_timeout"`
}

// Team declares the overall date range a team owns. The section is
// optional; when absent, a team's range is derived as the union of its
// members' bounds.
type Team struct {
	DateBounds Bounds `json:"date_bounds"`
}

// Config is the root of the document.
type Config struct {
	Strategies Strategies          `json:"strategies"`
	Admission  Admission           `json:"admission"`
	Cache      CacheConfig         `json:"cache"`
	Query      QueryConfig         `json:"query"`
	Teams      map[string]Team     `json:"teams,omitempty"`
	Processes  map[string]*Process `json:"processes"`
}

// Load reads, parses, and validates the document at path.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a YAML or JSON document and applies defaults.
// It does not validate; see (*Config).Validate.
func Parse(buf []byte) (*Config, error) {
	c := new(Config)
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.setDefaults()
	return c, nil
}

func (c *Config) setDefaults() {
	if c.Strategies.Forwarding == "" {
		c.Strategies.Forwarding = ForwardRoundRobin
	}
	if c.Strategies.Chunking == "" {
		c.Strategies.Chunking = ChunkFixed
	}
	if c.Strategies.Fairness == "" {
		c.Strategies.Fairness = FairStrict
	}
	if c.Strategies.ChunkSize == 0 {
		c.Strategies.ChunkSize = DefaultChunkSize
	}
	if c.Strategies.MaxChunkSize == 0 {
		c.Strategies.MaxChunkSize = DefaultMaxChunkSize
	}
	if c.Admission.MaxTotal == 0 {
		c.Admission.MaxTotal = DefaultMaxTotal
	}
	if c.Admission.MaxPerTeam == 0 {
		c.Admission.MaxPerTeam = DefaultMaxPerTeam
	}
	if c.Cache.ResultTTL == 0 {
		c.Cache.ResultTTL = Duration(DefaultResultTTL)
	}
	if c.Query.DefaultLimit == 0 {
		c.Query.DefaultLimit = DefaultLimit
	}
	if c.Query.DefaultTimeout == 0 {
		c.Query.DefaultTimeout = Duration(DefaultTimeout)
	}
	for id, p := range c.Processes {
		if p != nil && p.ID == "" {
			p.ID = id
		}
	}
}

// Process returns the named process.
func (c *Config) Process(id string) (*Process, error) {
	p, ok := c.Processes[id]
	if !ok || p == nil {
		return nil, fmt.Errorf("config: no process %q", id)
	}
	return p, nil
}

// Downstream returns the process's downstream roster in declared
// neighbor order: the leader forwards to every neighbor team leader
// (both teams); a team leader forwards to its own team's neighbor
// workers; a worker forwards to nobody. Cross-team worker links are
// topology-only and never appear in a roster.
func (c *Config) Downstream(p *Process) []*Process {
	var out []*Process
	for _, id := range p.Neighbors {
		n, ok := c.Processes[id]
		if !ok || n == nil {
			continue
		}
		switch p.Role {
		case Leader:
			if n.Role == TeamLeader {
				out = append(out, n)
			}
		case TeamLeader:
			if n.Role == Worker && n.Team == p.Team {
				out = append(out, n)
			}
		}
	}
	return out
}

// TeamBounds returns the overall date range owned by team: the
// explicit range from the teams section when present, otherwise the
// union of the members' bounds. ok is false when the team owns no
// data at all.
func (c *Config) TeamBounds(team string) (Bounds, bool) {
	if t, ok := c.Teams[team]; ok {
		return t.DateBounds, true
	}
	var b Bounds
	found := false
	for _, p := range c.Processes {
		if p == nil || p.Team != team || !p.OwnsData() {
			continue
		}
		if !found {
			b = *p.DateBounds
			found = true
			continue
		}
		if p.DateBounds.Start() < b[0] {
			b[0] = p.DateBounds.Start()
		}
		if p.DateBounds.End() > b[1] {
			b[1] = p.DateBounds.End()
		}
	}
	return b, found
}
