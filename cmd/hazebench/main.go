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

// Command hazebench drives query load at one overlay process and
// reports latency percentiles and throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"

	"github.com/hazelabs/haze/cache"
	"github.com/hazelabs/haze/wire"
)

var (
	dashe      string
	dashn      int
	dashc      int
	dashlim    int
	dashteam   string
	dashfield  string
	dashcmp    string
	dashthresh float64
	dashfetch  bool
	dasht      time.Duration
	dashstrict bool
)

func init() {
	flag.StringVar(&dashe, "e", "http://127.0.0.1:50051", "endpoint of the process to load")
	flag.IntVar(&dashn, "n", 200, "total queries to run")
	flag.IntVar(&dashc, "c", 8, "concurrent in-flight queries")
	flag.IntVar(&dashlim, "limit", 50, "per-query record limit")
	flag.StringVar(&dashteam, "team", "", "team the queries are charged to")
	flag.StringVar(&dashfield, "field", "PM2.5", "field to filter on")
	flag.StringVar(&dashcmp, "cmp", ">", "comparison operator")
	flag.Float64Var(&dashthresh, "threshold", 35, "comparison threshold")
	flag.BoolVar(&dashfetch, "fetch", false, "also drain every chunk of every result")
	flag.DurationVar(&dasht, "t", 10*time.Second, "per-query timeout")
	flag.BoolVar(&dashstrict, "strict", false, "exit non-zero if any query fails")
}

func fatalf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f+"\n", args...)
	os.Exit(1)
}

// one runs a single query, optionally draining its chunks, and
// reports whether the whole exchange succeeded.
func one(c *wire.Client) bool {
	ctx, cancel := context.WithTimeout(context.Background(), dasht)
	defer cancel()

	resp, err := c.Query(ctx, &wire.QueryRequest{
		Field:      dashfield,
		Comparator: dashcmp,
		Threshold:  dashthresh,
		Limit:      dashlim,
		Team:       dashteam,
	})
	if err != nil || resp.Status != wire.StatusOK {
		return false
	}
	if !dashfetch {
		return true
	}
	for i := 0; i < resp.TotalChunks; i++ {
		ch, err := c.FetchChunk(ctx, resp.UID, i)
		if err != nil || ch.Status != wire.StatusOK {
			return false
		}
		if _, err := cache.DecodeRows(ch.Data); err != nil {
			return false
		}
		if ch.IsLast {
			break
		}
	}
	return true
}

// percentile picks from an ascending latency slice; p is in [0, 100].
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p / 100)
	return sorted[idx]
}

func main() {
	flag.Parse()
	if dashn < 1 || dashc < 1 {
		fatalf("-n and -c must be positive")
	}

	c := wire.NewClient(dashe)
	lats := make([]time.Duration, dashn)
	var failed atomic.Int64

	start := time.Now()
	g := new(errgroup.Group)
	g.SetLimit(dashc)
	for i := 0; i < dashn; i++ {
		i := i
		g.Go(func() error {
			t0 := time.Now()
			ok := one(c)
			lats[i] = time.Since(t0)
			if !ok {
				failed.Add(1)
			}
			return nil
		})
	}
	// tasks report failures through the counter and never return an
	// error; Wait is just the join point
	_ = g.Wait()
	elapsed := time.Since(start)

	slices.Sort(lats)
	rate := float64(dashn) / elapsed.Seconds()
	fmt.Printf("%s queries in %s (%s/s, %d in flight)\n",
		humanize.Comma(int64(dashn)), elapsed.Round(time.Millisecond),
		humanize.CommafWithDigits(rate, 1), dashc)
	fmt.Printf("p50 %s  p90 %s  p99 %s  max %s\n",
		percentile(lats, 50).Round(time.Microsecond),
		percentile(lats, 90).Round(time.Microsecond),
		percentile(lats, 99).Round(time.Microsecond),
		lats[len(lats)-1].Round(time.Microsecond))
	if n := failed.Load(); n > 0 {
		fmt.Printf("%s queries failed\n", humanize.Comma(n))
		if dashstrict {
			os.Exit(1)
		}
	}
}
