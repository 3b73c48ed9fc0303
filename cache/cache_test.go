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

package cache

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hazelabs/haze/compr"
	"github.com/hazelabs/haze/store"
)

func sampleRows(n int) []store.Row {
	rows := make([]store.Row, n)
	for i := range rows {
		rows[i] = store.Row{
			Latitude:  37.7 + float64(i)/1000,
			Longitude: -122.4,
			Timestamp: "2020-08-10T13:00",
			Parameter: "PM2.5",
			Value:     float64(10 + i),
			Unit:      "UG/M3",
			AQI:       50 + i,
			SiteName:  fmt.Sprintf("site-%d", i),
			Date:      "20200810",
		}
	}
	return rows
}

// quiet returns a cache whose background evictor never fires, so
// tests control sweeping explicitly.
func quiet(t *testing.T, ttl time.Duration, opts ...Option) *Cache {
	t.Helper()
	c := New(ttl, append([]Option{WithSweepInterval(time.Hour)}, opts...)...)
	t.Cleanup(c.Close)
	return c
}

func TestPutGet(t *testing.T) {
	c := quiet(t, time.Minute)
	rows := sampleRows(5)
	total, err := c.Put("q1", rows, 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	wantRecords := []int{2, 2, 1}
	var decoded []store.Row
	for i := 0; i < total; i++ {
		ch, err := c.Get("q1", i)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if ch.UID != "q1" || ch.Index != i || ch.Total != 3 {
			t.Errorf("chunk %d: bad identity %+v", i, ch)
		}
		if ch.Records != wantRecords[i] {
			t.Errorf("chunk %d: records = %d, want %d", i, ch.Records, wantRecords[i])
		}
		if ch.Last != (i == 2) {
			t.Errorf("chunk %d: last = %v", i, ch.Last)
		}
		if len(ch.ETag) != 64 {
			t.Errorf("chunk %d: etag %q", i, ch.ETag)
		}
		part, err := DecodeRows(ch.Data)
		if err != nil {
			t.Fatalf("chunk %d: decode: %v", i, err)
		}
		decoded = append(decoded, part...)
	}
	if len(decoded) != len(rows) {
		t.Fatalf("decoded %d rows, want %d", len(decoded), len(rows))
	}
	for i := range rows {
		if decoded[i] != rows[i] {
			t.Fatalf("row %d changed: %+v != %+v", i, decoded[i], rows[i])
		}
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestGetIsIdempotent(t *testing.T) {
	c := quiet(t, time.Minute)
	if _, err := c.Put("q1", sampleRows(3), 2); err != nil {
		t.Fatal(err)
	}
	a, err := c.Get("q1", 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Get("q1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Data, b.Data) || a.ETag != b.ETag {
		t.Fatal("repeated reads returned different chunks")
	}
}

func TestPutEmpty(t *testing.T) {
	c := quiet(t, time.Minute)
	total, err := c.Put("none", nil, 200)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("total = %d, want 1", total)
	}
	ch, err := c.Get("none", 0)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Records != 0 || !ch.Last || ch.Total != 1 {
		t.Fatalf("empty chunk: %+v", ch)
	}
	rows, err := DecodeRows(ch.Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("decoded %d rows from empty chunk", len(rows))
	}
}

func TestGetErrors(t *testing.T) {
	c := quiet(t, time.Minute)
	if _, err := c.Get("nope", 0); !errors.Is(err, ErrUnknown) {
		t.Errorf("unknown uid: got %v", err)
	}
	if _, err := c.Put("q1", sampleRows(4), 2); err != nil {
		t.Fatal(err)
	}
	for _, idx := range []int{-1, 2, 99} {
		if _, err := c.Get("q1", idx); !errors.Is(err, ErrBadIndex) {
			t.Errorf("index %d: got %v", idx, err)
		}
	}
}

func TestOverwrite(t *testing.T) {
	c := quiet(t, time.Minute)
	if _, err := c.Put("q1", sampleRows(4), 2); err != nil {
		t.Fatal(err)
	}
	total, err := c.Put("q1", sampleRows(1), 2)
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Fatalf("total after overwrite = %d, want 1", total)
	}
	ch, err := c.Get("q1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if ch.Records != 1 || ch.Total != 1 {
		t.Fatalf("overwritten chunk: %+v", ch)
	}
	if _, err := c.Get("q1", 1); !errors.Is(err, ErrBadIndex) {
		t.Errorf("old chunk index survived overwrite: %v", err)
	}
}

func TestExpiryAtReadTime(t *testing.T) {
	c := quiet(t, 50*time.Millisecond)
	if _, err := c.Put("q1", sampleRows(2), 2); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get("q1", 0); err != nil {
		t.Fatalf("fresh read: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	// the evictor has not run, but the deadline has passed
	if _, err := c.Get("q1", 0); !errors.Is(err, ErrExpired) {
		t.Fatalf("stale read: got %v, want ErrExpired", err)
	}
	if st := c.Stats(); st.Entries != 1 {
		t.Fatalf("entry evicted early: %+v", st)
	}
}

func TestTombstoneLifecycle(t *testing.T) {
	c := quiet(t, 10*time.Millisecond, WithTombstoneGrace(time.Minute))
	if _, err := c.Put("q1", sampleRows(2), 2); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	evicted, dropped := c.SweepAt(time.Now())
	if evicted != 1 || dropped != 0 {
		t.Fatalf("sweep = (%d, %d), want (1, 0)", evicted, dropped)
	}
	if st := c.Stats(); st.Entries != 0 || st.Tombstones != 1 {
		t.Fatalf("after sweep: %+v", st)
	}
	if _, err := c.Get("q1", 0); !errors.Is(err, ErrExpired) {
		t.Fatalf("tombstoned read: got %v", err)
	}
	evicted, dropped = c.SweepAt(time.Now().Add(2 * time.Minute))
	if evicted != 0 || dropped != 1 {
		t.Fatalf("grace sweep = (%d, %d), want (0, 1)", evicted, dropped)
	}
	if _, err := c.Get("q1", 0); !errors.Is(err, ErrUnknown) {
		t.Fatalf("post-grace read: got %v, want ErrUnknown", err)
	}
}

func TestRepublishClearsTombstone(t *testing.T) {
	c := quiet(t, 10*time.Millisecond, WithTombstoneGrace(time.Minute))
	if _, err := c.Put("q1", sampleRows(2), 2); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	c.SweepAt(time.Now())
	if _, err := c.Put("q1", sampleRows(3), 2); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Get("q1", 0); err != nil {
		t.Fatalf("republished read: %v", err)
	}
	if st := c.Stats(); st.Tombstones != 0 {
		t.Fatalf("tombstone survived republish: %+v", st)
	}
}

func TestChunksAreDeterministic(t *testing.T) {
	c := quiet(t, time.Minute)
	rows := sampleRows(7)
	if _, err := c.Put("a", rows, 3); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Put("b", rows, 3); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		ca, _ := c.Get("a", i)
		cb, _ := c.Get("b", i)
		if ca.ETag != cb.ETag {
			t.Errorf("chunk %d: etag diverged for identical payload", i)
		}
	}
}

func TestCompressionKinds(t *testing.T) {
	rows := sampleRows(10)
	for _, kind := range []compr.Kind{compr.Raw, compr.S2, compr.Zstd} {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			c := quiet(t, time.Minute, WithCompression(kind))
			if _, err := c.Put("q1", rows, 4); err != nil {
				t.Fatal(err)
			}
			ch, err := c.Get("q1", 0)
			if err != nil {
				t.Fatal(err)
			}
			if compr.Kind(ch.Data[0]) != kind {
				t.Fatalf("frame kind %#x, want %v", ch.Data[0], kind)
			}
			got, err := DecodeRows(ch.Data)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 4 {
				t.Fatalf("decoded %d rows, want 4", len(got))
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := New(20*time.Millisecond, WithSweepInterval(5*time.Millisecond))
	defer c.Close()
	rows := sampleRows(8)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			uid := fmt.Sprintf("q%d", g)
			for i := 0; i < 40; i++ {
				if _, err := c.Put(uid, rows, 3); err != nil {
					t.Error(err)
					return
				}
				_, err := c.Get(uid, 0)
				if err != nil && !errors.Is(err, ErrExpired) && !errors.Is(err, ErrUnknown) {
					t.Error(err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
}

func TestCloseIdempotent(t *testing.T) {
	c := New(time.Minute)
	c.Close()
	c.Close()
}
