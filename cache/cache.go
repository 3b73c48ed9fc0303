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

// Package cache stores query results as chunked, compressed frames
// keyed by query UID.
//
// A completed query is published once with Put and then paged out to
// clients chunk by chunk with Get. Entries live until their TTL
// deadline; an expired UID keeps answering ErrExpired for a grace
// window (via a tombstone) before it degrades to ErrUnknown, so a
// client that paginates too slowly can tell "you are too late" apart
// from "never heard of it".
package cache

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dchest/siphash"
	"golang.org/x/crypto/blake2b"

	"github.com/hazelabs/haze/compr"
	"github.com/hazelabs/haze/store"
)

var (
	// ErrUnknown indicates a UID that was never published
	// (or whose tombstone has already been dropped).
	ErrUnknown = errors.New("cache: unknown uid")
	// ErrExpired indicates a UID whose result has passed its TTL.
	ErrExpired = errors.New("cache: uid expired")
	// ErrBadIndex indicates a chunk index outside [0, total).
	ErrBadIndex = errors.New("cache: chunk index out of range")
)

// Logger is the interface used to log evictions and errors.
// *zerolog.Logger satisfies it.
type Logger interface {
	Printf(f string, args ...interface{})
}

// Chunk is one page of a published result. Data is the encoded
// frame (see package compr); callers must treat it as read-only.
type Chunk struct {
	UID     string
	Index   int
	Total   int
	Records int
	Data    []byte
	ETag    string
	Last    bool
}

type entry struct {
	chunks   []Chunk
	deadline time.Time
}

const shardCount = 8

// arbitrary fixed keys; shard selection only has to be stable,
// not unpredictable
const (
	sipK0 = 0x68617a65_68617a65
	sipK1 = 0x1baddeed_2badf00d
)

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
	tombs   map[string]time.Time // uid -> deadline it expired with
}

// Cache is a sharded TTL result cache. All methods are safe for
// concurrent use.
type Cache struct {
	ttl        time.Duration
	grace      time.Duration
	kind       compr.Kind
	sweepEvery time.Duration
	logger     Logger

	shards [shardCount]shard

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for sweep reporting.
func WithLogger(l Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithCompression selects the frame encoding for stored chunks.
func WithCompression(k compr.Kind) Option {
	return func(c *Cache) { c.kind = k }
}

// WithSweepInterval overrides the background sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = d }
}

// WithTombstoneGrace overrides how long an expired UID keeps
// answering ErrExpired before it is forgotten entirely.
func WithTombstoneGrace(d time.Duration) Option {
	return func(c *Cache) { c.grace = d }
}

// New builds a cache whose entries expire ttl after Put and starts
// the background evictor. Close stops it.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &Cache{
		ttl:   ttl,
		grace: 10 * time.Minute,
		kind:  compr.S2,
		done:  make(chan struct{}),
	}
	// sweep twice per TTL, but stay within sane bounds
	c.sweepEvery = ttl / 2
	if c.sweepEvery < time.Second {
		c.sweepEvery = time.Second
	} else if c.sweepEvery > time.Minute {
		c.sweepEvery = time.Minute
	}
	for _, o := range opts {
		o(c)
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry)
		c.shards[i].tombs = make(map[string]time.Time)
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Close stops the background evictor. It is idempotent and does not
// drop cached entries.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

func (c *Cache) logf(f string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(f, args...)
	}
}

func (c *Cache) shardFor(uid string) *shard {
	return &c.shards[siphash.Hash(sipK0, sipK1, []byte(uid))%shardCount]
}

// Put publishes rows under uid, split into ceil(len(rows)/chunkSize)
// chunks. Zero rows still publish exactly one empty chunk, so every
// published UID is pageable. Re-publishing a uid replaces the previous
// result and clears any tombstone. Returns the chunk count.
func (c *Cache) Put(uid string, rows []store.Row, chunkSize int) (int, error) {
	if chunkSize < 1 {
		chunkSize = 1
	}
	total := (len(rows) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	chunks := make([]Chunk, total)
	for i := 0; i < total; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(rows) {
			hi = len(rows)
		}
		part := rows[lo:hi]
		if part == nil {
			part = []store.Row{}
		}
		payload, err := json.Marshal(part)
		if err != nil {
			return 0, fmt.Errorf("cache: encoding chunk %d of %s: %w", i, uid, err)
		}
		frame := compr.Compress(c.kind, payload)
		sum := blake2b.Sum256(frame)
		chunks[i] = Chunk{
			UID:     uid,
			Index:   i,
			Total:   total,
			Records: hi - lo,
			Data:    frame,
			ETag:    hex.EncodeToString(sum[:]),
			Last:    i == total-1,
		}
	}
	e := &entry{chunks: chunks, deadline: time.Now().Add(c.ttl)}
	sh := c.shardFor(uid)
	sh.mu.Lock()
	sh.entries[uid] = e
	delete(sh.tombs, uid)
	sh.mu.Unlock()
	return total, nil
}

// Get returns one chunk of a published result. Reading never consumes
// the chunk: the same (uid, index) returns byte-identical data until
// the entry expires. Expiry is checked here as well, so a stale read
// fails even before the evictor has swept the entry.
func (c *Cache) Get(uid string, index int) (Chunk, error) {
	sh := c.shardFor(uid)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	e, ok := sh.entries[uid]
	if !ok {
		if _, dead := sh.tombs[uid]; dead {
			return Chunk{}, ErrExpired
		}
		return Chunk{}, ErrUnknown
	}
	if time.Now().After(e.deadline) {
		return Chunk{}, ErrExpired
	}
	if index < 0 || index >= len(e.chunks) {
		return Chunk{}, fmt.Errorf("%w: %d of %d", ErrBadIndex, index, len(e.chunks))
	}
	return e.chunks[index], nil
}

// DecodeRows reverses the chunk encoding performed by Put.
func DecodeRows(frame []byte) ([]store.Row, error) {
	payload, err := compr.Decompress(frame)
	if err != nil {
		return nil, err
	}
	var rows []store.Row
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("cache: decoding chunk payload: %w", err)
	}
	return rows, nil
}

// Len returns the number of live (non-tombstoned) entries.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// CacheStats is a point-in-time census of the cache.
type CacheStats struct {
	Entries    int
	Tombstones int
}

// Stats reports live entry and tombstone counts.
func (c *Cache) Stats() CacheStats {
	var st CacheStats
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		st.Entries += len(sh.entries)
		st.Tombstones += len(sh.tombs)
		sh.mu.RUnlock()
	}
	return st
}

func (c *Cache) run() {
	defer c.wg.Done()
	t := time.NewTicker(c.sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-t.C:
			c.sweep(now)
		}
	}
}

// sweep moves expired entries to the tombstone set and drops
// tombstones older than the grace window.
func (c *Cache) sweep(now time.Time) (evicted, dropped int) {
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for uid, e := range sh.entries {
			if now.After(e.deadline) {
				delete(sh.entries, uid)
				sh.tombs[uid] = e.deadline
				evicted++
			}
		}
		for uid, dead := range sh.tombs {
			if now.Sub(dead) > c.grace {
				delete(sh.tombs, uid)
				dropped++
			}
		}
		sh.mu.Unlock()
	}
	if evicted > 0 || dropped > 0 {
		c.logf("cache: swept %d expired results, dropped %d tombstones", evicted, dropped)
	}
	return evicted, dropped
}
