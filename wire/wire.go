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

// Package wire defines the JSON messages exchanged between overlay
// processes, plus the HTTP client used to reach neighbors.
//
// Every process speaks the same three endpoints: POST /query,
// GET /chunk/:uid/:index, and GET /metrics. Responses that represent a
// query outcome always carry a status from the closed set below; the
// HTTP code is derived from the status, never the other way around.
package wire

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/hazelabs/haze/store"
)

// Status is the outcome of a query or chunk operation.
type Status string

const (
	StatusOK                  Status = "ok"
	StatusCapacityExhausted   Status = "capacity_exhausted"
	StatusUIDExpired          Status = "uid_expired"
	StatusUIDUnknown          Status = "uid_unknown"
	StatusLoopSuppressed      Status = "loop_suppressed"
	StatusNeighborUnreachable Status = "neighbor_unreachable"
	StatusInternalError       Status = "internal_error"
)

// HTTPCode maps a status to its transport-level code. Note that
// loop_suppressed is a successful outcome: the suppressing node
// answered correctly by refusing to recurse.
func (s Status) HTTPCode() int {
	switch s {
	case StatusOK, StatusLoopSuppressed:
		return http.StatusOK
	case StatusCapacityExhausted:
		return http.StatusTooManyRequests
	case StatusUIDUnknown:
		return http.StatusNotFound
	case StatusUIDExpired:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

// Response headers set by every process.
const (
	HeaderVersion = "X-Haze-Version"
	HeaderQueryID = "X-Haze-Query-ID"
)

// MaxBodyBytes caps inbound request bodies.
const MaxBodyBytes = 1 << 20

// QueryRequest is the body of POST /query. UID, Hops, Team, and
// TimeoutMS are filled in on forwarded sub-queries; external clients
// may set Team (fairness attribution) and TimeoutMS.
type QueryRequest struct {
	Field      string   `json:"field"`
	Comparator string   `json:"comparator"`
	Threshold  float64  `json:"threshold"`
	Limit      int      `json:"limit"`
	UID        string   `json:"uid,omitempty"`
	Hops       []string `json:"hops,omitempty"`
	Team       string   `json:"team,omitempty"`
	TimeoutMS  int64    `json:"timeout_ms,omitempty"`
}

// Validate enforces the transport-boundary rules. Violations are
// answered with HTTP 400 before the query pipeline ever sees the
// request.
func (r *QueryRequest) Validate() error {
	if strings.TrimSpace(r.Field) == "" {
		return fmt.Errorf("empty field")
	}
	if _, err := store.ParseComparator(r.Comparator); err != nil {
		return err
	}
	if r.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", r.Limit)
	}
	if r.TimeoutMS < 0 {
		return fmt.Errorf("timeout_ms must not be negative, got %d", r.TimeoutMS)
	}
	return nil
}

// QueryResponse is the body of POST /query responses.
type QueryResponse struct {
	UID          string   `json:"uid"`
	TotalChunks  int      `json:"total_chunks"`
	TotalRecords int      `json:"total_records"`
	Hops         []string `json:"hops"`
	Status       Status   `json:"status"`
	ElapsedMS    float64  `json:"elapsed_ms"`
}

func (r *QueryResponse) status() Status { return r.Status }

// ChunkResponse is the body of GET /chunk/:uid/:index responses.
// Data is the compressed frame, base64-encoded on the wire.
type ChunkResponse struct {
	UID         string `json:"uid"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Records     int    `json:"records"`
	Data        []byte `json:"data,omitempty"`
	IsLast      bool   `json:"is_last"`
	ETag        string `json:"etag,omitempty"`
	Status      Status `json:"status"`
}

func (r *ChunkResponse) status() Status { return r.Status }

// MetricsResponse is the body of GET /metrics responses. QueueSize is
// always 0: admission either accepts a query immediately or rejects
// it, so nothing ever waits in line.
type MetricsResponse struct {
	ProcessID       string  `json:"process_id"`
	Role            string  `json:"role"`
	Team            string  `json:"team"`
	ActiveRequests  int     `json:"active_requests"`
	MaxCapacity     int     `json:"max_capacity"`
	QueueSize       int     `json:"queue_size"`
	AvgProcessingMS float64 `json:"avg_processing_time_ms"`
	AvgScanMS       float64 `json:"avg_scan_time_ms"`
	DataFilesLoaded int64   `json:"data_files_loaded"`
	RowsLoaded      int64   `json:"rows_loaded"`
	Completed       int64   `json:"completed"`
	Rejected        int64   `json:"rejected"`
	IsHealthy       bool    `json:"is_healthy"`
	UptimeS         float64 `json:"uptime_s"`
}
