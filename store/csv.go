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

package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Expected column layout of a shard CSV. Trailing columns are optional;
// anything past siteName is ignored.
const (
	colLatitude = iota
	colLongitude
	colTimestamp
	colParameter
	colValue
	colUnit
	_ // raw concentration, unused
	colAQI
	_ // AQI category, unused
	colSiteName

	minColumns = colUnit + 1
)

// Open loads the day-directories of root that fall inside the
// inclusive [start, end] range. Day-directories are named YYYYMMDD;
// anything else directly under root is ignored. Files that fail to
// open are skipped, as are records that do not parse; both are
// tolerated because upstream sensor exports are routinely dirty.
func Open(root, start, end string) (*Store, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	s := new(Store)
	for _, e := range entries {
		day := e.Name()
		if !e.IsDir() || !validDay(day) {
			continue
		}
		if day < start || day > end {
			continue
		}
		dir := filepath.Join(root, day)
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".csv") {
				continue
			}
			if err := s.loadFile(filepath.Join(dir, f.Name()), day); err != nil {
				continue
			}
			s.files++
		}
	}
	return s, nil
}

func validDay(s string) bool {
	if len(s) != 8 {
		return false
	}
	_, err := time.Parse("20060102", s)
	return err == nil
}

func (s *Store) loadFile(path, day string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	r.LazyQuotes = true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			s.skipped++
			continue
		}
		if len(rec) == 0 || strings.EqualFold(field(rec, colLatitude), "latitude") {
			continue // header or blank
		}
		row, ok := parseRow(rec, day)
		if !ok {
			s.skipped++
			continue
		}
		s.rows = append(s.rows, row)
	}
	return nil
}

// field returns column i stripped of whitespace and stray quotes;
// exports in the wild double-quote inside quoted fields.
func field(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return strings.Trim(strings.TrimSpace(rec[i]), `"`)
}

func parseRow(rec []string, day string) (Row, bool) {
	if len(rec) < minColumns {
		return Row{}, false
	}
	lat, err := strconv.ParseFloat(field(rec, colLatitude), 64)
	if err != nil {
		return Row{}, false
	}
	lon, err := strconv.ParseFloat(field(rec, colLongitude), 64)
	if err != nil {
		return Row{}, false
	}
	// retained strings are cloned: the reader reuses its record
	// buffer between rows
	row := Row{
		Latitude:  lat,
		Longitude: lon,
		Timestamp: strings.Clone(field(rec, colTimestamp)),
		Parameter: strings.Clone(field(rec, colParameter)),
		Unit:      strings.Clone(field(rec, colUnit)),
		SiteName:  strings.Clone(field(rec, colSiteName)),
		Date:      day,
	}
	if v := field(rec, colValue); v != "" {
		row.Value, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return Row{}, false
		}
	}
	if v := field(rec, colAQI); v != "" {
		row.AQI, err = strconv.Atoi(v)
		if err != nil {
			return Row{}, false
		}
	}
	return row, true
}
