// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package webseed implements BEP 19 HTTP(S) web seeding: fetching piece
// byte ranges directly from mirrors listed in a torrent's url-list,
// round-robining across mirrors and falling back transparently to the
// P2P swarm when every mirror fails.
package webseed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
	"github.com/atlet99/dtorrent-task-v2-sub001/utils/backoffutil"
)

const (
	retryBase       = 2 * time.Second
	retryStep       = 2 * time.Second
	retryCap        = 10 * time.Second
	maxRetriesPerURL = 3
)

// StatusError reports a non-2xx response from a web seed, the way a
// caller distinguishes "this mirror rejected the range" from a
// transport-level failure.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e StatusError) Error() string {
	return fmt.Sprintf("webseed %s: unexpected status %d", e.URL, e.StatusCode)
}

// HTTPClient is the subset of *http.Client the fetcher needs, so tests
// can substitute a fake round tripper.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher pulls piece byte ranges from a torrent's web seed URLs,
// round-robining across them and retrying each up to maxRetriesPerURL
// times before giving up and letting the caller fall back to P2P.
type Fetcher struct {
	mu          sync.Mutex
	client      HTTPClient
	urls        []string
	next        int
	pieceLength int64
	totalLength int64
	log         *zap.SugaredLogger
}

// New builds a Fetcher over the given web seed URLs (BEP 19 url-list),
// using client for requests (pass &http.Client{} in production).
func New(client HTTPClient, urls []string, pieceLength, totalLength int64) *Fetcher {
	cp := make([]string, len(urls))
	copy(cp, urls)
	return &Fetcher{client: client, urls: cp, pieceLength: pieceLength, totalLength: totalLength, log: zap.NewNop().Sugar()}
}

// SetLogger attaches a logger correlation-id-tagged fetch attempts are
// reported against; optional, defaults to a no-op logger.
func (f *Fetcher) SetLogger(logger *zap.SugaredLogger) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if logger != nil {
		f.log = logger
	}
}

// Available reports whether any web seed URLs are configured.
func (f *Fetcher) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls) > 0
}

func (f *Fetcher) pickURL() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.urls) == 0 {
		return "", false
	}
	u := f.urls[f.next%len(f.urls)]
	f.next++
	return u, true
}

// byteRange computes the [start, end] inclusive HTTP Range for pieceIndex
// within the concatenated stream.
func (f *Fetcher) byteRange(pieceIndex int) (start, end int64) {
	start = int64(pieceIndex) * f.pieceLength
	end = start + f.pieceLength - 1
	if last := f.totalLength - 1; end > last {
		end = last
	}
	return start, end
}

// FetchPiece retrieves pieceIndex's bytes by round-robining across the
// configured URLs, retrying each URL up to maxRetriesPerURL times with
// the backoffutil schedule before moving to the next URL. An error is
// returned only once every URL has exhausted its retries; the caller
// should treat that as "fall back to P2P for this piece."
func (f *Fetcher) FetchPiece(ctx context.Context, pieceIndex int) ([]byte, error) {
	numURLs := len(f.urls)
	if numURLs == 0 {
		return nil, core.NewIOError("fetch", "", fmt.Errorf("webseed: no url-list configured"))
	}

	correlationID := uuid.NewString()
	start, end := f.byteRange(pieceIndex)

	var lastErr error
	for attempt := 0; attempt < numURLs; attempt++ {
		u, ok := f.pickURL()
		if !ok {
			break
		}
		schedule := backoffutil.NewSchedule(retryBase, retryStep, retryCap)
		var body []byte
		err := backoffutil.Retry(func() error {
			b, rerr := f.fetchRange(ctx, u, start, end)
			if rerr != nil {
				f.log.Debugw("webseed fetch attempt failed", "correlation_id", correlationID, "url", u, "piece", pieceIndex, "error", rerr)
				return rerr
			}
			body = b
			return nil
		}, schedule, maxRetriesPerURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("webseed: all mirrors exhausted for piece %d: %w", pieceIndex, lastErr)
}

func (f *Fetcher) fetchRange(ctx context.Context, url string, start, end int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err // transient: retry
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// The server honored the Range header: the body already begins at
		// start.
		data, err := io.ReadAll(io.LimitReader(resp.Body, end-start+1))
		if err != nil {
			return nil, err
		}
		return data, nil
	case http.StatusOK:
		// The server ignored the Range header and returned the whole
		// resource from byte 0: discard the leading start bytes before
		// reading the range out of the full-content stream.
		if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
			return nil, err
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, end-start+1))
		if err != nil {
			return nil, err
		}
		return data, nil
	case http.StatusRequestedRangeNotSatisfiable, http.StatusNotFound, http.StatusForbidden:
		return nil, backoff.Permanent(StatusError{URL: url, StatusCode: resp.StatusCode})
	default:
		return nil, StatusError{URL: url, StatusCode: resp.StatusCode}
	}
}
