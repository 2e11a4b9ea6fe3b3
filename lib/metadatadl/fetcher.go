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
package metadatadl

import (
	"crypto/sha1"
	"crypto/sha256"
	"sync"
	"time"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
	"github.com/atlet99/dtorrent-task-v2-sub001/utils/backoffutil"
)

const (
	retryBase = 10 * time.Second
	retryStep = 5 * time.Second
	retryCap  = 30 * time.Second
	maxRetries = 3
)

type chunkState int

const (
	chunkMissing chunkState = iota
	chunkRequested
	chunkReceived
)

// Fetcher assembles a torrent's info dictionary from ut_metadata chunks
// contributed by any number of peers, verifying the result against the
// expected v1 and/or v2 info-hash.
type Fetcher struct {
	mu sync.Mutex

	infoHashV1 *[20]byte
	infoHashV2 *[32]byte

	totalSize int
	chunks    []chunkState
	buffer    []byte

	attempt  int
	schedule *backoffutil.Schedule

	verified bool
}

// New builds a Fetcher. Exactly one of v1/v2 should usually be non-nil;
// both set means hybrid verification (either hash is accepted).
func New(infoHashV1 *[20]byte, infoHashV2 *[32]byte) *Fetcher {
	return &Fetcher{
		infoHashV1: infoHashV1,
		infoHashV2: infoHashV2,
		schedule:   backoffutil.NewSchedule(retryBase, retryStep, retryCap),
	}
}

// SetTotalSize records the metadata_size learned from a peer's extended
// handshake and allocates the chunk map. A second call with a
// contradictory size is ignored (first writer wins).
func (f *Fetcher) SetTotalSize(totalSize int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.totalSize != 0 {
		return
	}
	f.totalSize = totalSize
	f.buffer = make([]byte, totalSize)
	f.chunks = make([]chunkState, (totalSize+ChunkSize-1)/ChunkSize)
}

// Ready reports whether SetTotalSize has been called.
func (f *Fetcher) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalSize != 0
}

// NextMissingChunk returns the next chunk index not yet requested, or
// ok=false if every chunk is at least requested.
func (f *Fetcher) NextMissingChunk() (index int, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.chunks {
		if s == chunkMissing {
			f.chunks[i] = chunkRequested
			return i, true
		}
	}
	return 0, false
}

// ReleaseChunk reverts a requested-but-undelivered chunk back to
// missing, e.g. on peer disconnect or reject.
func (f *Fetcher) ReleaseChunk(index int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index >= 0 && index < len(f.chunks) && f.chunks[index] != chunkReceived {
		f.chunks[index] = chunkMissing
	}
}

// Deposit splices a received chunk into the assembly buffer. complete
// is true once every chunk has arrived (verification is a separate
// step via Verify).
func (f *Fetcher) Deposit(index int, data []byte) (complete bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index < 0 || index >= len(f.chunks) {
		return false, core.NewProtocolError(core.ReasonBadMessage, "ut_metadata chunk index out of range")
	}
	start := index * ChunkSize
	end := start + len(data)
	if end > len(f.buffer) {
		return false, core.NewProtocolError(core.ReasonBadMessage, "ut_metadata chunk overruns total size")
	}
	copy(f.buffer[start:end], data)
	f.chunks[index] = chunkReceived

	for _, s := range f.chunks {
		if s != chunkReceived {
			return false, nil
		}
	}
	return true, nil
}

// Verify hashes the assembled buffer against the expected info-hash(es).
// On success it is idempotent and caches the result; on failure it
// resets every chunk to missing (for a fresh retry) and reports whether
// the caller has retries left, per the base-10s/+5s/cap-30s/max-3
// schedule.
func (f *Fetcher) Verify() (ok bool, retryDelay time.Duration, retriesExhausted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verified {
		return true, 0, false
	}

	matched := false
	if f.infoHashV1 != nil && sha1.Sum(f.buffer) == *f.infoHashV1 {
		matched = true
	}
	if !matched && f.infoHashV2 != nil && sha256.Sum256(f.buffer) == *f.infoHashV2 {
		matched = true
	}
	if matched {
		f.verified = true
		return true, 0, false
	}

	f.attempt++
	for i := range f.chunks {
		f.chunks[i] = chunkMissing
	}
	if f.attempt >= maxRetries {
		return false, 0, true
	}
	return false, f.schedule.NextBackOff(), false
}

// Bytes returns the assembled, verified info-dictionary bytes.
func (f *Fetcher) Bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.buffer))
	copy(out, f.buffer)
	return out
}
