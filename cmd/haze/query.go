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
	"encoding/json"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hazelabs/haze/cache"
	"github.com/hazelabs/haze/wire"
)

// entry point for 'haze query ...'
func query(field, comparator string, threshold float64) {
	c := wire.NewClient(dashe)
	ctx, cancel := context.WithTimeout(context.Background(), dasht)
	defer cancel()

	resp, err := c.Query(ctx, &wire.QueryRequest{
		Field:      field,
		Comparator: comparator,
		Threshold:  threshold,
		Limit:      dashlim,
		Team:       dashteam,
	})
	if err != nil {
		exitf("query: %s\n", err)
	}
	if dashv {
		logf("uid %s: %d records in %d chunks, %.1fms, path %s",
			resp.UID, resp.TotalRecords, resp.TotalChunks, resp.ElapsedMS,
			strings.Join(resp.Hops, " "))
	}
	if resp.Status != wire.StatusOK {
		exitf("query refused: %s\n", resp.Status)
	}

	enc := json.NewEncoder(os.Stdout)
	printed := 0
	for i := 0; i < resp.TotalChunks; i++ {
		ch, err := c.FetchChunk(ctx, resp.UID, i)
		if err != nil {
			exitf("chunk %d: %s\n", i, err)
		}
		if ch.Status != wire.StatusOK {
			exitf("chunk %d: %s\n", i, ch.Status)
		}
		rows, err := cache.DecodeRows(ch.Data)
		if err != nil {
			exitf("chunk %d: %s\n", i, err)
		}
		for j := range rows {
			if err := enc.Encode(&rows[j]); err != nil {
				exitf("writing output: %s\n", err)
			}
		}
		printed += len(rows)
		if ch.IsLast {
			break
		}
	}
	if dashv {
		logf("%s rows", humanize.Comma(int64(printed)))
	}
}

// entry point for 'haze chunk ...'
func chunk(uid string, index int) {
	c := wire.NewClient(dashe)
	ctx, cancel := context.WithTimeout(context.Background(), dasht)
	defer cancel()

	ch, err := c.FetchChunk(ctx, uid, index)
	if err != nil {
		exitf("chunk: %s\n", err)
	}
	if ch.Status != wire.StatusOK {
		exitf("chunk: %s\n", ch.Status)
	}
	if dashv {
		logf("chunk %d of %d, %d records, %s on the wire, etag %s, last=%v",
			ch.ChunkIndex+1, ch.TotalChunks, ch.Records,
			humanize.IBytes(uint64(len(ch.Data))), ch.ETag, ch.IsLast)
	}
	rows, err := cache.DecodeRows(ch.Data)
	if err != nil {
		exitf("decoding chunk: %s\n", err)
	}
	enc := json.NewEncoder(os.Stdout)
	for i := range rows {
		if err := enc.Encode(&rows[i]); err != nil {
			exitf("writing output: %s\n", err)
		}
	}
}
