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

package metrics

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestCounters(t *testing.T) {
	tr := NewTracker()
	tr.Admitted()
	tr.Admitted()
	tr.Rejected()
	tr.Completed(10 * time.Millisecond)
	tr.Failed()
	tr.SetLoaded(3, 900)
	s := tr.Snapshot()
	if s.Admitted != 2 || s.Rejected != 1 || s.Completed != 1 || s.Failed != 1 {
		t.Fatalf("counters: %+v", s)
	}
	if s.FilesLoaded != 3 || s.RowsLoaded != 900 {
		t.Fatalf("loaded: %+v", s)
	}
	if s.Uptime <= 0 {
		t.Fatalf("uptime: %v", s.Uptime)
	}
}

func TestEmptyAveragesAreZero(t *testing.T) {
	s := NewTracker().Snapshot()
	if s.AvgScanMillis != 0 || s.AvgQueryMillis != 0 {
		t.Fatalf("averages before any observation: %+v", s)
	}
}

func TestRollingAverage(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 4; i++ {
		tr.ObserveScan(10 * time.Millisecond)
	}
	if got := tr.Snapshot().AvgScanMillis; math.Abs(got-10) > 1e-9 {
		t.Fatalf("avg scan = %v, want 10", got)
	}
	tr.ObserveScan(20 * time.Millisecond)
	if got := tr.Snapshot().AvgScanMillis; math.Abs(got-12) > 1e-9 {
		t.Fatalf("avg scan after mix = %v, want 12", got)
	}
}

func TestWindowSlidesOffOldSamples(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < window; i++ {
		tr.Completed(time.Millisecond)
	}
	// a full second round of observations overwrites every slot
	for i := 0; i < window; i++ {
		tr.Completed(5 * time.Millisecond)
	}
	s := tr.Snapshot()
	if math.Abs(s.AvgQueryMillis-5) > 1e-9 {
		t.Fatalf("avg = %v, want 5 after window slid", s.AvgQueryMillis)
	}
	if s.Completed != 2*window {
		t.Fatalf("completed = %d, want %d", s.Completed, 2*window)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				tr.Admitted()
				tr.ObserveScan(time.Millisecond)
				tr.Completed(2 * time.Millisecond)
			}
		}()
	}
	wg.Wait()
	s := tr.Snapshot()
	if s.Admitted != 4000 || s.Completed != 4000 {
		t.Fatalf("lost updates: %+v", s)
	}
	if math.Abs(s.AvgScanMillis-1) > 1e-9 || math.Abs(s.AvgQueryMillis-2) > 1e-9 {
		t.Fatalf("averages: %+v", s)
	}
}
