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

package overlay

import (
	"fmt"

	"github.com/hazelabs/haze/config"
)

// chunker picks the chunk size for a finished result. size never
// returns less than 1.
type chunker interface {
	name() string
	size(n, limit int) int
}

func newChunker(s config.Strategies) (chunker, error) {
	switch s.Chunking {
	case config.ChunkFixed:
		return fixedChunks{fixed: s.ChunkSize}, nil
	case config.ChunkAdaptive:
		return adaptiveChunks{base: s.ChunkSize, max: s.MaxChunkSize}, nil
	case config.ChunkQueryBased:
		return queryChunks{base: s.ChunkSize}, nil
	}
	return nil, fmt.Errorf("overlay: unknown chunking strategy %q", s.Chunking)
}

// fixedChunks always uses the configured chunk_size.
type fixedChunks struct{ fixed int }

func (fixedChunks) name() string { return config.ChunkFixed }

func (c fixedChunks) size(n, limit int) int {
	if c.fixed < 1 {
		return 1
	}
	return c.fixed
}

// adaptiveChunks scales the chunk size with the result: small results
// page in small chunks, large results in chunks up to max_chunk_size.
type adaptiveChunks struct{ base, max int }

func (adaptiveChunks) name() string { return config.ChunkAdaptive }

func (c adaptiveChunks) size(n, limit int) int {
	s := 0
	switch {
	case n < 100:
		s = 50
	case n < 500:
		s = c.base
	case n < 2000:
		s = 2 * c.base
	default:
		s = c.max
		if s > 1000 {
			s = 1000
		}
	}
	if s < 1 {
		s = 1
	}
	return s
}

// queryChunks derives the chunk size from the requested limit, so
// results page in about ten chunks regardless of how large the
// query was.
type queryChunks struct{ base int }

func (queryChunks) name() string { return config.ChunkQueryBased }

func (c queryChunks) size(n, limit int) int {
	s := limit / 10
	if s < c.base {
		s = c.base
	}
	if s > 500 {
		s = 500
	}
	if s < 1 {
		s = 1
	}
	return s
}
