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

package admit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var teams = []string{"green", "pink"}

func view(green, pink int, lim Limits) View {
	return View{
		Active: map[string]int{"green": green, "pink": pink},
		Total:  green + pink,
		Limits: lim,
	}
}

func TestStrategyTable(t *testing.T) {
	lim := Limits{MaxTotal: 10, MaxPerTeam: 5}
	// a roomier total cap, so the per-team allowance is what binds
	wide := Limits{MaxTotal: 20, MaxPerTeam: 5}
	cases := []struct {
		name     string
		strategy string
		v        View
		team     string
		want     bool
	}{
		{"strict-idle", "strict", view(0, 0, lim), "green", true},
		{"strict-below-cap", "strict", view(4, 0, lim), "green", true},
		{"strict-at-cap", "strict", view(5, 0, lim), "green", false},
		{"strict-total-full", "strict", view(5, 5, lim), "pink", false},
		{"strict-other-team-free", "strict", view(5, 0, lim), "pink", true},

		// pink idle: green may borrow up to double its cap
		{"weighted-borrow", "weighted", view(5, 0, lim), "green", true},
		{"weighted-borrow-limit", "weighted", view(9, 0, lim), "green", true},
		// pink busy at 3/5: slack 0.4, allowance 7
		{"weighted-partial-slack", "weighted", view(6, 3, wide), "green", true},
		{"weighted-partial-slack-edge", "weighted", view(7, 3, wide), "green", false},
		// pink saturated: no slack at all
		{"weighted-no-slack", "weighted", view(5, 5, wide), "green", false},
		{"weighted-total-binds", "weighted", view(8, 2, lim), "green", false},

		// below the 0.8 crossover, hybrid behaves like weighted
		{"hybrid-low-load", "hybrid", view(5, 2, lim), "green", true},
		// past the crossover it flips to strict
		{"hybrid-high-load", "hybrid", view(5, 4, lim), "green", false},
		{"hybrid-high-load-under-cap", "hybrid", view(4, 5, lim), "green", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			s, err := NewStrategy(c.strategy)
			if err != nil {
				t.Fatal(err)
			}
			if got := s.Admit(c.team, c.v); got != c.want {
				t.Errorf("%s.Admit(%s, green=%d pink=%d) = %v, want %v",
					c.strategy, c.team, c.v.Active["green"], c.v.Active["pink"], got, c.want)
			}
		})
	}
}

func TestNewStrategyUnknown(t *testing.T) {
	if _, err := NewStrategy("roulette"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
	if _, err := New(Limits{MaxTotal: 4, MaxPerTeam: 2}, "roulette", teams); err == nil {
		t.Fatal("New should reject unknown strategies")
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New(Limits{MaxTotal: 0, MaxPerTeam: 2}, "strict", teams); err == nil {
		t.Error("zero max_total accepted")
	}
	if _, err := New(Limits{MaxTotal: 4, MaxPerTeam: 2}, "strict", nil); err == nil {
		t.Error("empty team set accepted")
	}
	if _, err := New(Limits{MaxTotal: 4, MaxPerTeam: 2}, "strict",
		[]string{"green", "green"}); err == nil {
		t.Error("duplicate team accepted")
	}
}

func TestLedger(t *testing.T) {
	c, err := New(Limits{MaxTotal: 4, MaxPerTeam: 2}, "strict", teams)
	if err != nil {
		t.Fatal(err)
	}
	var releases []func()
	admit := func(team string, want bool) {
		t.Helper()
		rel, ok := c.Admit(team)
		if ok != want {
			t.Fatalf("Admit(%s) = %v, want %v (view %+v)", team, ok, want, c.Snapshot())
		}
		if ok {
			releases = append(releases, rel)
		} else if rel != nil {
			t.Fatalf("rejected Admit(%s) returned a release closure", team)
		}
	}
	admit("green", true)
	admit("green", true)
	admit("green", false) // per-team cap
	admit("pink", true)
	admit("pink", true)
	admit("pink", false) // total cap reached as well
	v := c.Snapshot()
	if v.Total != 4 || v.Active["green"] != 2 || v.Active["pink"] != 2 {
		t.Fatalf("ledger: %+v", v)
	}
	for _, rel := range releases {
		rel()
	}
	v = c.Snapshot()
	if v.Total != 0 || v.Active["green"] != 0 || v.Active["pink"] != 0 {
		t.Fatalf("ledger not empty after releases: %+v", v)
	}
}

func TestUnknownTeamRejected(t *testing.T) {
	c, err := New(Limits{MaxTotal: 4, MaxPerTeam: 2}, "weighted", teams)
	if err != nil {
		t.Fatal(err)
	}
	if rel, ok := c.Admit("mauve"); ok || rel != nil {
		t.Fatal("unknown team admitted")
	}
}

func TestDoubleReleaseIsNoop(t *testing.T) {
	c, err := New(Limits{MaxTotal: 4, MaxPerTeam: 2}, "strict", teams)
	if err != nil {
		t.Fatal(err)
	}
	rel, ok := c.Admit("green")
	if !ok {
		t.Fatal("admit failed on empty ledger")
	}
	rel()
	rel()
	rel()
	v := c.Snapshot()
	if v.Total != 0 || v.Active["green"] != 0 {
		t.Fatalf("double release corrupted ledger: %+v", v)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	c, err := New(Limits{MaxTotal: 4, MaxPerTeam: 2}, "strict", teams)
	if err != nil {
		t.Fatal(err)
	}
	v := c.Snapshot()
	v.Active["green"] = 99
	if got := c.Snapshot().Active["green"]; got != 0 {
		t.Fatalf("snapshot mutation leaked into the ledger: %d", got)
	}
}

func TestConcurrentAdmission(t *testing.T) {
	const maxTotal = 8
	c, err := New(Limits{MaxTotal: maxTotal, MaxPerTeam: maxTotal}, "hybrid", teams)
	if err != nil {
		t.Fatal(err)
	}
	var inFlight atomic.Int64
	var peakViolations atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		team := teams[g%len(teams)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				rel, ok := c.Admit(team)
				if !ok {
					continue
				}
				if cur := inFlight.Add(1); cur > maxTotal {
					peakViolations.Add(1)
				}
				time.Sleep(time.Microsecond)
				inFlight.Add(-1)
				rel()
			}
		}()
	}
	wg.Wait()
	if n := peakViolations.Load(); n != 0 {
		t.Fatalf("max_total exceeded %d times", n)
	}
	v := c.Snapshot()
	if v.Total != 0 || v.Active["green"] != 0 || v.Active["pink"] != 0 {
		t.Fatalf("ledger not empty after run: %+v", v)
	}
	sum := 0
	for _, n := range v.Active {
		sum += n
	}
	if sum != v.Total {
		t.Fatalf("ledger inconsistent: sum %d, total %d", sum, v.Total)
	}
}
