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

// Package piecestore owns per-piece buffers and sub-block state: the
// in-memory assembly point between the wire protocol and the on-disk
// FileManager.
package piecestore

import (
	"crypto/sha1"
	"sync"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/merkle"
)

// BlockState is the lifecycle of one fixed-size sub-block of a piece.
type BlockState int

const (
	BlockMissing BlockState = iota
	BlockRequested
	BlockReceived
)

type blockSlot struct {
	state       BlockState
	requestedBy core.PeerID
	hasPeer     bool
}

// Piece is the mutable per-piece buffer and block map. Block deposition
// (deliver) is lock-free with respect to other pieces, but within one
// piece, writes into the buffer for non-overlapping [begin,begin+len)
// ranges from different peers are safe because each write only ever
// touches its own range; the mutex here serializes only the bookkeeping
// (block-state transitions and the single hash/flush step), matching the
// "one writer per piece at a time" rule applying only to hash/flush.
type Piece struct {
	mu sync.Mutex

	Index  int
	Length int64

	hasV1 bool
	hashV1 [20]byte
	hasV2 bool
	hashV2 [32]byte

	blockSize int64
	blocks    []blockSlot
	buffer    []byte

	verified bool
}

// NewPiece allocates a piece of the given length and block size, with an
// expected v1 and/or v2 hash (at least one must be set by the caller).
func NewPiece(index int, length, blockSize int64) *Piece {
	n := (length + blockSize - 1) / blockSize
	return &Piece{
		Index:     index,
		Length:    length,
		blockSize: blockSize,
		blocks:    make([]blockSlot, n),
		buffer:    make([]byte, length),
	}
}

// SetExpectedHashV1 records the SHA-1 digest this piece must match.
func (p *Piece) SetExpectedHashV1(h [20]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hashV1, p.hasV1 = h, true
}

// SetExpectedHashV2 records the SHA-256 Merkle piece-layer digest this
// piece must match.
func (p *Piece) SetExpectedHashV2(h [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hashV2, p.hasV2 = h, true
}

// blockRange returns the [begin, end) byte range covered by block i.
func (p *Piece) blockRange(i int) (int64, int64) {
	begin := int64(i) * p.blockSize
	end := begin + p.blockSize
	if end > p.Length {
		end = p.Length
	}
	return begin, end
}

// NextMissingBlock returns the index of the next block in BlockMissing
// state, or -1 if none (either all requested/received, i.e. not
// necessarily complete).
func (p *Piece) NextMissingBlock() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.blocks {
		if b.state == BlockMissing {
			return i
		}
	}
	return -1
}

// NextOutstandingBlock returns the index of a block currently in
// BlockRequested state (in flight to some peer but not yet received), or
// -1 if none. Used by endgame duplication to pick a genuinely stalled
// block rather than re-requesting an arbitrary one.
func (p *Piece) NextOutstandingBlock() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, b := range p.blocks {
		if b.state == BlockRequested {
			return i
		}
	}
	return -1
}

// MarkRequested transitions block i to BlockRequested, owned by peer.
func (p *Piece) MarkRequested(i int, peer core.PeerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.blocks) {
		return
	}
	p.blocks[i].state = BlockRequested
	p.blocks[i].requestedBy = peer
	p.blocks[i].hasPeer = true
}

// MarkMissing reverts block i back to BlockMissing, e.g. after a peer
// disconnects or a request is cancelled/rejected.
func (p *Piece) MarkMissing(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.blocks) {
		return
	}
	p.blocks[i].state = BlockMissing
	p.blocks[i].hasPeer = false
}

// Deposit writes data at begin into the piece buffer and marks the
// covering block BlockReceived. Returns whether every block is now
// received (the piece is "complete", not necessarily verified).
func (p *Piece) Deposit(begin int64, data []byte) (complete bool, err error) {
	if begin < 0 || begin+int64(len(data)) > p.Length {
		return false, core.NewProtocolError(core.ReasonBadMessage, "block write out of piece bounds")
	}
	copy(p.buffer[begin:], data)

	i := int(begin / p.blockSize)
	p.mu.Lock()
	if i >= 0 && i < len(p.blocks) {
		p.blocks[i].state = BlockReceived
	}
	complete = true
	for _, b := range p.blocks {
		if b.state != BlockReceived {
			complete = false
			break
		}
	}
	p.mu.Unlock()
	return complete, nil
}

// Verify hashes the assembled buffer against the expected digest(s),
// preferring v2 (SHA-256 against the Merkle piece layer) when present,
// else v1 (SHA-1 over the whole piece). It is idempotent: once verified,
// subsequent calls return true without re-hashing.
func (p *Piece) Verify() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.verified {
		return true
	}
	switch {
	case p.hasV2:
		p.verified = merkle.VerifyPiece(p.buffer, p.hashV2)
	case p.hasV1:
		p.verified = sha1.Sum(p.buffer) == p.hashV1
	default:
		p.verified = false
	}
	return p.verified
}

// Verified reports whether Verify has previously succeeded.
func (p *Piece) Verified() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verified
}

// Bytes returns the assembled piece bytes. Only meaningful once complete.
func (p *Piece) Bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, len(p.buffer))
	copy(out, p.buffer)
	return out
}

// Reset clears all block state and the buffer, used after a failed
// verification so the piece can be re-downloaded from scratch.
func (p *Piece) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.blocks {
		p.blocks[i] = blockSlot{}
	}
	for i := range p.buffer {
		p.buffer[i] = 0
	}
	p.verified = false
}

// ContributingPeers returns the distinct peers recorded as requesters of
// this piece's blocks (used to penalize contributors on hash mismatch).
// Each block records only its most recent requester, set by
// MarkRequested. The slice reflects block ownership at call time; a block
// reset by Reset clears its entry.
func (p *Piece) ContributingPeers() []core.PeerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := map[core.PeerID]bool{}
	var out []core.PeerID
	for _, b := range p.blocks {
		if b.hasPeer && !seen[b.requestedBy] {
			seen[b.requestedBy] = true
			out = append(out, b.requestedBy)
		}
	}
	return out
}
