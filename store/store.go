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

// Package store holds a node's shard of air-quality rows in memory and
// serves filtered scans over it.
//
// A shard is a directory tree of the form
//
//	<root>/<YYYYMMDD>/*.csv
//
// and a store loads exactly the day-directories inside its configured
// [start, end] bounds. Everything is read once at startup; scans never
// touch the filesystem and the row set is immutable afterwards, so the
// store needs no locking.
package store

import (
	"fmt"
	"strings"
)

// Row is one sensor reading. The JSON field names are the wire format
// for chunk payloads and must not change.
type Row struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"`
	Parameter string  `json:"parameter"`
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	AQI       int     `json:"aqi"`
	SiteName  string  `json:"site_name"`
	Date      string  `json:"date"`
}

// Comparator is one of the five filter comparison operators.
type Comparator uint8

const (
	Less Comparator = iota
	LessEq
	Eq
	GreaterEq
	Greater
)

// ParseComparator parses the wire form of a comparator.
func ParseComparator(s string) (Comparator, error) {
	switch s {
	case "<":
		return Less, nil
	case "<=":
		return LessEq, nil
	case "=":
		return Eq, nil
	case ">=":
		return GreaterEq, nil
	case ">":
		return Greater, nil
	}
	return 0, fmt.Errorf("unknown comparator %q", s)
}

func (c Comparator) String() string {
	switch c {
	case Less:
		return "<"
	case LessEq:
		return "<="
	case Eq:
		return "="
	case GreaterEq:
		return ">="
	case Greater:
		return ">"
	}
	return fmt.Sprintf("Comparator(%d)", c)
}

// Matches reports whether a ⟂ b holds for the comparator.
func (c Comparator) Matches(a, b float64) bool {
	switch c {
	case Less:
		return a < b
	case LessEq:
		return a <= b
	case Eq:
		return a == b
	case GreaterEq:
		return a >= b
	case Greater:
		return a > b
	}
	return false
}

// Store is an immutable in-memory shard.
type Store struct {
	rows    []Row
	files   int
	skipped int
}

// Files returns the number of CSV files loaded.
func (s *Store) Files() int { return s.files }

// Rows returns the number of rows loaded.
func (s *Store) Rows() int { return len(s.rows) }

// Skipped returns the number of malformed records dropped at load time.
func (s *Store) Skipped() int { return s.skipped }

// Scan walks the shard in load order and returns the first limit rows
// matching field ⟂ threshold. limit <= 0 means no limit. The returned
// slice is non-nil even when nothing matches.
//
// Field semantics: the numeric row attributes "value", "aqi",
// "latitude", and "longitude" (case-insensitive) compare that attribute
// directly. Any other field names a measured parameter: the row matches
// when its parameter equals field (case-insensitive) and its value
// satisfies the comparison. A query for {"PM2.5", ">", 35} therefore
// selects PM2.5 readings above 35.
func (s *Store) Scan(field string, cmp Comparator, threshold float64, limit int) []Row {
	out := []Row{}
	for i := range s.rows {
		if !matchRow(&s.rows[i], field, cmp, threshold) {
			continue
		}
		out = append(out, s.rows[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func matchRow(r *Row, field string, cmp Comparator, threshold float64) bool {
	switch strings.ToLower(field) {
	case "value":
		return cmp.Matches(r.Value, threshold)
	case "aqi":
		return cmp.Matches(float64(r.AQI), threshold)
	case "latitude":
		return cmp.Matches(r.Latitude, threshold)
	case "longitude":
		return cmp.Matches(r.Longitude, threshold)
	default:
		return strings.EqualFold(r.Parameter, field) && cmp.Matches(r.Value, threshold)
	}
}
