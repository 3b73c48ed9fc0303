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

// Package admit implements per-team admission control.
//
// Admission is the only backpressure mechanism in the overlay. There
// is no queue: a query is either admitted immediately or rejected with
// capacity_exhausted, and the client decides whether to retry. Every
// admitted query holds a slot in the ledger until its release closure
// runs, so the ledger always reflects the queries currently in flight.
package admit

import (
	"fmt"
	"sync"
)

// Limits bounds the admission ledger.
type Limits struct {
	// MaxTotal caps in-flight queries across all teams.
	MaxTotal int
	// MaxPerTeam caps in-flight queries attributed to one team.
	// Some strategies let a team exceed it while others are quiet;
	// MaxTotal always binds.
	MaxPerTeam int
}

// View is a snapshot of the ledger, taken under the controller lock.
type View struct {
	Active map[string]int
	Total  int
	Limits Limits
}

// Load returns the system load in [0, 1].
func (v View) Load() float64 {
	if v.Limits.MaxTotal <= 0 {
		return 0
	}
	return float64(v.Total) / float64(v.Limits.MaxTotal)
}

// Strategy decides whether a query attributed to team may enter,
// given the current ledger view.
type Strategy interface {
	Name() string
	Admit(team string, v View) bool
}

// NewStrategy selects a fairness strategy by configuration name.
func NewStrategy(name string) (Strategy, error) {
	switch name {
	case "strict":
		return strict{}, nil
	case "weighted":
		return weighted{}, nil
	case "hybrid":
		return hybrid{}, nil
	}
	return nil, fmt.Errorf("admit: unknown fairness strategy %q", name)
}

// strict enforces the per-team cap unconditionally.
type strict struct{}

func (strict) Name() string { return "strict" }

func (strict) Admit(team string, v View) bool {
	return v.Active[team] < v.Limits.MaxPerTeam && v.Total < v.Limits.MaxTotal
}

// weighted lets a team borrow unused capacity from other teams. The
// quieter the rest of the system, the more slack the team is given,
// up to double its own cap.
type weighted struct{}

func (weighted) Name() string { return "weighted" }

func (weighted) Admit(team string, v View) bool {
	if v.Total >= v.Limits.MaxTotal {
		return false
	}
	others := v.Total - v.Active[team]
	maxOthers := (len(v.Active) - 1) * v.Limits.MaxPerTeam
	otherLoad := 0.0
	if maxOthers > 0 {
		otherLoad = float64(others) / float64(maxOthers)
	}
	slack := 1 - otherLoad
	if slack < 0 {
		slack = 0
	}
	return float64(v.Active[team]) < float64(v.Limits.MaxPerTeam)*(1+slack)
}

// hybrid is weighted while the system is comfortable and strict once
// load crosses 80%.
type hybrid struct{}

func (hybrid) Name() string { return "hybrid" }

func (hybrid) Admit(team string, v View) bool {
	if v.Load() > 0.8 {
		return strict{}.Admit(team, v)
	}
	return weighted{}.Admit(team, v)
}

// Controller owns the admission ledger.
type Controller struct {
	mu       sync.Mutex
	limits   Limits
	strategy Strategy
	active   map[string]int
	total    int
}

// New builds a controller for the given teams. The team set is fixed;
// queries attributed to any other team are rejected outright.
func New(limits Limits, strategyName string, teams []string) (*Controller, error) {
	if limits.MaxTotal <= 0 || limits.MaxPerTeam <= 0 {
		return nil, fmt.Errorf("admit: non-positive limits %+v", limits)
	}
	if len(teams) == 0 {
		return nil, fmt.Errorf("admit: no teams")
	}
	strat, err := NewStrategy(strategyName)
	if err != nil {
		return nil, err
	}
	active := make(map[string]int, len(teams))
	for _, t := range teams {
		if _, dup := active[t]; dup {
			return nil, fmt.Errorf("admit: duplicate team %q", t)
		}
		active[t] = 0
	}
	return &Controller{limits: limits, strategy: strat, active: active}, nil
}

// Strategy returns the name of the configured fairness strategy.
func (c *Controller) Strategy() string { return c.strategy.Name() }

// Admit asks the strategy for a slot attributed to team. On success it
// returns a release closure that must be called exactly once when the
// query finishes; calling it more than once is a no-op. On rejection
// the closure is nil.
func (c *Controller) Admit(team string) (release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, known := c.active[team]; !known {
		return nil, false
	}
	if !c.strategy.Admit(team, c.viewLocked()) {
		return nil, false
	}
	c.active[team]++
	c.total++
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.active[team]--
			c.total--
			c.mu.Unlock()
		})
	}, true
}

// Snapshot copies the ledger for metrics and logging.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() View {
	act := make(map[string]int, len(c.active))
	for t, n := range c.active {
		act[t] = n
	}
	return View{Active: act, Total: c.total, Limits: c.limits}
}
