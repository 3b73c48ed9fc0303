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

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hazelabs/haze/wire"
)

// entry point for 'haze metrics'
func metrics() {
	c := wire.NewClient(dashe)
	ctx, cancel := context.WithTimeout(context.Background(), dasht)
	defer cancel()

	m, err := c.Metrics(ctx)
	if err != nil {
		exitf("metrics: %s\n", err)
	}
	fmt.Printf("process      %s (%s, team %s)\n", m.ProcessID, m.Role, m.Team)
	fmt.Printf("healthy      %v\n", m.IsHealthy)
	fmt.Printf("active       %d of %d\n", m.ActiveRequests, m.MaxCapacity)
	fmt.Printf("completed    %s\n", humanize.Comma(m.Completed))
	fmt.Printf("rejected     %s\n", humanize.Comma(m.Rejected))
	fmt.Printf("loaded       %s rows from %s files\n",
		humanize.Comma(m.RowsLoaded), humanize.Comma(m.DataFilesLoaded))
	fmt.Printf("avg query    %.2f ms\n", m.AvgProcessingMS)
	fmt.Printf("avg scan     %.2f ms\n", m.AvgScanMS)
	fmt.Printf("uptime       %s\n",
		time.Duration(m.UptimeS*float64(time.Second)).Round(time.Second))
}
