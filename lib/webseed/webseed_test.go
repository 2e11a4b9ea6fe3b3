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
package webseed

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu        sync.Mutex
	responses map[string][]*http.Response
	calls     map[string]int
}

func newFakeClient() *fakeClient {
	return &fakeClient{responses: make(map[string][]*http.Response), calls: make(map[string]int)}
}

func (f *fakeClient) queue(url string, resp *http.Response) {
	f.responses[url] = append(f.responses[url], resp)
}

func (f *fakeClient) Do(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := req.URL.String()
	f.calls[url]++
	q := f.responses[url]
	if len(q) == 0 {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(""))}, nil
	}
	resp := q[0]
	f.responses[url] = q[1:]
	return resp, nil
}

func okResponse(body string) *http.Response {
	return &http.Response{StatusCode: http.StatusPartialContent, Body: io.NopCloser(strings.NewReader(body))}
}

// fullContentResponse simulates a mirror that ignores the Range header
// and returns the entire resource from byte 0 with a 200, per §4.8's
// "handling 206 Partial Content and 200 Full Content" requirement.
func fullContentResponse(fullBody string) *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(fullBody))}
}

func TestFetcher_ReturnsBodyOnPartialContent(t *testing.T) {
	c := newFakeClient()
	c.queue("http://mirror-a/file", okResponse("hello-piece"))

	f := New(c, []string{"http://mirror-a/file"}, 16, 16)
	data, err := f.FetchPiece(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "hello-piece", string(data))
}

func TestFetcher_RoundRobinsAcrossURLs(t *testing.T) {
	c := newFakeClient()
	c.queue("http://a/file", okResponse("from-a"))
	c.queue("http://b/file", okResponse("from-b"))

	f := New(c, []string{"http://a/file", "http://b/file"}, 16, 32)

	d1, err := f.FetchPiece(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "from-a", string(d1))

	d2, err := f.FetchPiece(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "from-b", string(d2))
}

func TestFetcher_FallsBackToNextURLAfterPermanentFailure(t *testing.T) {
	c := newFakeClient()
	c.queue("http://bad/file", &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(""))})
	c.queue("http://good/file", okResponse("recovered"))

	f := New(c, []string{"http://bad/file", "http://good/file"}, 16, 16)
	data, err := f.FetchPiece(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(data))
}

func TestFetcher_ErrorsWhenNoURLsConfigured(t *testing.T) {
	f := New(newFakeClient(), nil, 16, 16)
	assert.False(t, f.Available())
	_, err := f.FetchPiece(context.Background(), 0)
	assert.Error(t, err)
}

func TestFetcher_SlicesFullContentResponseAtNonZeroOffset(t *testing.T) {
	c := newFakeClient()
	full := strings.Repeat("A", 16) + strings.Repeat("B", 16)
	c.queue("http://mirror-a/file", fullContentResponse(full))

	f := New(c, []string{"http://mirror-a/file"}, 16, 32)
	data, err := f.FetchPiece(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("B", 16), string(data))
}

func TestFetcher_ByteRangeClampsToTotalLength(t *testing.T) {
	f := New(newFakeClient(), []string{"http://a/file"}, 16, 20)
	start, end := f.byteRange(1)
	assert.Equal(t, int64(16), start)
	assert.Equal(t, int64(19), end)
}
