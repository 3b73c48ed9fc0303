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

package wire

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
)

// ErrUnreachable wraps a definitive delivery failure: both attempts
// to reach the neighbor failed at the transport level.
var ErrUnreachable = errors.New("wire: neighbor unreachable")

// responses larger than this are cut off; the server caps chunks far
// below it
const maxResponseBytes = 32 << 20

// Client talks to one neighbor process. It is safe for concurrent use
// and reuses connections across calls.
type Client struct {
	endpoint string
	hc       *http.Client
}

// NewClient builds a standalone client for the given base endpoint
// (e.g. "http://127.0.0.1:50051").
func NewClient(endpoint string) *Client {
	return newClient(endpoint, &http.Client{
		Transport: &http.Transport{MaxIdleConnsPerHost: 8},
	})
}

func newClient(endpoint string, hc *http.Client) *Client {
	return &Client{endpoint: strings.TrimRight(endpoint, "/"), hc: hc}
}

// Endpoint returns the base URL this client targets.
func (c *Client) Endpoint() string { return c.endpoint }

// Query posts a query to the neighbor. A response carrying a non-ok
// status (capacity_exhausted, loop_suppressed, ...) is returned with a
// nil error; the error path is reserved for delivery failures.
func (c *Client) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding query: %w", err)
	}
	out := new(QueryResponse)
	if err := c.do(ctx, http.MethodPost, "/query", body, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchChunk retrieves one chunk of a published result.
func (c *Client) FetchChunk(ctx context.Context, uid string, index int) (*ChunkResponse, error) {
	out := new(ChunkResponse)
	path := "/chunk/" + uid + "/" + strconv.Itoa(index)
	if err := c.do(ctx, http.MethodGet, path, nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Metrics retrieves the neighbor's metrics snapshot.
func (c *Client) Metrics(ctx context.Context) (*MetricsResponse, error) {
	out := new(MetricsResponse)
	if err := c.do(ctx, http.MethodGet, "/metrics", nil, out); err != nil {
		return nil, err
	}
	return out, nil
}

// do delivers one request with at most one transparent retry. Any
// HTTP response counts as delivered; only transport-level failures
// are retried.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	bo := backoff.Backoff{
		Min:    25 * time.Millisecond,
		Max:    250 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(bo.Duration())
			select {
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("%w: %s: %v", ErrUnreachable, c.endpoint, ctx.Err())
			case <-t.C:
			}
		}
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
		if err != nil {
			return fmt.Errorf("wire: building request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		return decode(res, method+" "+path, out)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, c.endpoint, lastErr)
}

// decode unmarshals the response body. Error responses that carry a
// JSON envelope decode normally (the status field conveys the
// outcome); envelope-free errors surface as plain errors.
func decode(res *http.Response, what string, out interface{}) error {
	defer res.Body.Close()
	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("wire: reading %s response: %w", what, err)
	}
	if res.StatusCode >= 400 {
		if ev, ok := out.(interface{ status() Status }); ok {
			if json.Unmarshal(data, out) == nil && ev.status() != "" {
				return nil
			}
		}
		msg := strings.TrimSpace(string(data))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("wire: %s: http %d: %s", what, res.StatusCode, msg)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("wire: decoding %s response: %w", what, err)
	}
	return nil
}
