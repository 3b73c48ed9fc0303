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

// Package metrics tracks per-process query counters and rolling
// latency averages for the metrics endpoint.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// window is the number of samples the rolling averages cover.
const window = 128

type ring struct {
	mu      sync.Mutex
	samples [window]float64
	n       int
}

func (r *ring) observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	r.mu.Lock()
	r.samples[r.n%window] = ms
	r.n++
	r.mu.Unlock()
}

func (r *ring) average() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.n
	if n > window {
		n = window
	}
	if n == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += r.samples[i]
	}
	return sum / float64(n)
}

// Tracker accumulates process-lifetime counters and the rolling
// latency windows. All methods are safe for concurrent use.
type Tracker struct {
	start time.Time

	admitted  atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	files     atomic.Int64
	rows      atomic.Int64

	scan ring
	e2e  ring
}

func NewTracker() *Tracker {
	return &Tracker{start: time.Now()}
}

// Admitted records a query that passed admission.
func (t *Tracker) Admitted() { t.admitted.Add(1) }

// Rejected records a query turned away by admission control.
func (t *Tracker) Rejected() { t.rejected.Add(1) }

// Completed records a successfully answered query and its
// end-to-end latency.
func (t *Tracker) Completed(elapsed time.Duration) {
	t.completed.Add(1)
	t.e2e.observe(elapsed)
}

// Failed records a query that ended with internal_error.
func (t *Tracker) Failed() { t.failed.Add(1) }

// ObserveScan records the latency of one local shard scan.
func (t *Tracker) ObserveScan(elapsed time.Duration) { t.scan.observe(elapsed) }

// SetLoaded records the size of the shard loaded at startup.
func (t *Tracker) SetLoaded(files, rows int) {
	t.files.Store(int64(files))
	t.rows.Store(int64(rows))
}

// Snapshot is a point-in-time copy of the tracker.
type Snapshot struct {
	Admitted    int64
	Rejected    int64
	Completed   int64
	Failed      int64
	FilesLoaded int64
	RowsLoaded  int64
	// rolling averages over the last 128 observations; 0 when
	// nothing has been observed yet
	AvgScanMillis  float64
	AvgQueryMillis float64
	Uptime         time.Duration
}

func (t *Tracker) Snapshot() Snapshot {
	return Snapshot{
		Admitted:       t.admitted.Load(),
		Rejected:       t.rejected.Load(),
		Completed:      t.completed.Load(),
		Failed:         t.failed.Load(),
		FilesLoaded:    t.files.Load(),
		RowsLoaded:     t.rows.Load(),
		AvgScanMillis:  t.scan.average(),
		AvgQueryMillis: t.e2e.average(),
		Uptime:         time.Since(t.start),
	}
}
