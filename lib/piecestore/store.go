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
package piecestore

import (
	"sync"

	"github.com/c2h5oh/datasize"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
	"github.com/atlet99/dtorrent-task-v2-sub001/utils/syncutil"
)

// FileWriter is the narrow contract PieceStore needs from FileManager to
// flush a verified piece and to re-read bytes for a full revalidation.
type FileWriter interface {
	Write(offset int64, data []byte) error
	Read(offset int64, length int64) ([]byte, error)
}

// StateUpdater is the narrow contract PieceStore needs from StateFile:
// record a newly verified piece so a resume is consistent.
type StateUpdater interface {
	MarkPieceVerified(index int)
}

// Config tunes PieceStore policy. BlockSize is a human-writable byte size
// (e.g. "16KB" in YAML) rather than a bare integer.
type Config struct {
	BlockSize         datasize.ByteSize `yaml:"block_size" validate:"nonzero"`
	BadBlockThreshold int               `yaml:"bad_block_threshold"`
}

func (c Config) applyDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = 16 * datasize.KB
	}
	if c.BadBlockThreshold == 0 {
		c.BadBlockThreshold = 3
	}
	return c
}

func (c Config) blockSizeBytes() int64 { return int64(c.BlockSize.Bytes()) }

// Store owns every Piece of one torrent and the completed-pieces
// Bitfield. The Task owns the Store; peers never reference it directly,
// only through the Task's mediation, per the ownership design note.
type Store struct {
	config Config

	mu     sync.RWMutex
	pieces []*Piece

	bitfield *core.Bitfield

	files FileWriter
	state StateUpdater
	bus   *core.Bus

	availability syncutil.Counters
	badBlocks    map[core.PeerID]*atomic.Int32
	badBlocksMu  sync.Mutex

	endgame atomic.Bool

	// requesters tracks, per (index, begin) block, every peer with an
	// outstanding request for it. Only populated beyond one entry during
	// endgame duplicate assignment; Deliver drains it on first arrival so
	// the caller can CANCEL the other copies.
	requesters   map[blockKey][]core.PeerID
	requestersMu sync.Mutex

	logger *zap.SugaredLogger
}

type blockKey struct {
	index int
	begin int64
}

// New builds a Store for numPieces pieces of the given total/pieceLength
// shape. v1Hashes/v2Hashes (pass nil for whichever scheme doesn't apply)
// supply the expected per-piece digests.
func New(
	config Config,
	totalLength, pieceLength int64,
	v1Hashes [][20]byte,
	v2Hashes [][32]byte,
	files FileWriter,
	state StateUpdater,
	bus *core.Bus,
	logger *zap.SugaredLogger,
) *Store {
	config = config.applyDefaults()

	n := (totalLength + pieceLength - 1) / pieceLength
	pieces := make([]*Piece, n)
	for i := int64(0); i < n; i++ {
		length := pieceLength
		if i == n-1 {
			last := totalLength - i*pieceLength
			if last > 0 {
				length = last
			}
		}
		p := NewPiece(int(i), length, config.blockSizeBytes())
		if v1Hashes != nil && int(i) < len(v1Hashes) {
			p.SetExpectedHashV1(v1Hashes[i])
		}
		if v2Hashes != nil && int(i) < len(v2Hashes) {
			p.SetExpectedHashV2(v2Hashes[i])
		}
		pieces[i] = p
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	return &Store{
		config:       config,
		pieces:       pieces,
		bitfield:     core.NewBitfield(uint(n)),
		files:        files,
		state:        state,
		bus:          bus,
		availability: syncutil.NewCounters(),
		badBlocks:    make(map[core.PeerID]*atomic.Int32),
		requesters:   make(map[blockKey][]core.PeerID),
		logger:       logger,
	}
}

// NumPieces returns the number of pieces in the torrent.
func (s *Store) NumPieces() int { return len(s.pieces) }

// Bitfield returns the store's completed-pieces bitfield. Mutated only on
// piece verification, per the concurrency model.
func (s *Store) Bitfield() *core.Bitfield { return s.bitfield }

// HasPiece reports whether piece i has been verified and flushed.
func (s *Store) HasPiece(i int) bool { return s.bitfield.Get(uint(i)) }

// SetEndgame toggles endgame mode, under which RequestBlock may hand out
// a block that already has an outstanding request to a different peer.
func (s *Store) SetEndgame(on bool) { s.endgame.Store(on) }

// Endgame reports the current endgame flag.
func (s *Store) Endgame() bool { return s.endgame.Load() }

// MarkPeerHasPiece records that peer advertises piece i, for availability
// tracking (used by rarest-first selection).
func (s *Store) MarkPeerHasPiece(i int) { s.availability.Increment(i) }

// ClearPeerHasPiece undoes MarkPeerHasPiece, e.g. on peer disconnect.
func (s *Store) ClearPeerHasPiece(i int) { s.availability.Decrement(i) }

// Availability returns the number of connected peers currently
// advertising piece i.
func (s *Store) Availability(i int) int { return s.availability.Get(i) }

// RequestBlock returns the next block of piece index not yet requested
// (or, in endgame, the next block not yet received), marking it owned by
// peer. ok is false if the piece has no requestable block right now.
func (s *Store) RequestBlock(peer core.PeerID, index int) (begin, length int64, ok bool, err error) {
	s.mu.RLock()
	if index < 0 || index >= len(s.pieces) {
		s.mu.RUnlock()
		return 0, 0, false, core.NewProtocolError(core.ReasonBadMessage, "piece index out of range")
	}
	p := s.pieces[index]
	s.mu.RUnlock()

	i := p.NextMissingBlock()
	if i < 0 && !s.endgame.Load() {
		return 0, 0, false, nil
	}
	if i < 0 {
		// Endgame: duplicate a block still outstanding (requested but not
		// yet received) to another peer, not an arbitrary one.
		i = p.NextOutstandingBlock()
		if i < 0 {
			return 0, 0, false, nil
		}
	}
	b, e := p.blockRange(i)
	p.MarkRequested(i, peer)
	s.recordRequester(index, b, peer)
	return b, e - b, true, nil
}

// recordRequester notes that peer has an outstanding request for
// (index, begin), so a later Deliver of that same block can report the
// other peers still owed a CANCEL.
func (s *Store) recordRequester(index int, begin int64, peer core.PeerID) {
	s.requestersMu.Lock()
	defer s.requestersMu.Unlock()
	k := blockKey{index, begin}
	for _, existing := range s.requesters[k] {
		if existing == peer {
			return
		}
	}
	s.requesters[k] = append(s.requesters[k], peer)
}

// takeOtherRequesters returns and clears the peers (other than except)
// with an outstanding request for (index, begin).
func (s *Store) takeOtherRequesters(index int, begin int64, except core.PeerID) []core.PeerID {
	s.requestersMu.Lock()
	defer s.requestersMu.Unlock()
	k := blockKey{index, begin}
	all := s.requesters[k]
	delete(s.requesters, k)
	var others []core.PeerID
	for _, peer := range all {
		if peer != except {
			others = append(others, peer)
		}
	}
	return others
}

// Deliver deposits a block into piece index and, once the piece is
// complete, verifies and flushes it. Returns whether this call is the
// one that completed and verified the piece (so the caller broadcasts
// HAVE and emits PieceCompleted exactly once), and the other peers (if
// any) that still held an outstanding endgame-duplicate request for this
// same block and must now be sent CANCEL.
func (s *Store) Deliver(peer core.PeerID, index int, begin int64, data []byte) (justCompleted bool, cancelTargets []core.PeerID, err error) {
	s.mu.RLock()
	if index < 0 || index >= len(s.pieces) {
		s.mu.RUnlock()
		return false, nil, core.NewProtocolError(core.ReasonBadMessage, "piece index out of range")
	}
	p := s.pieces[index]
	s.mu.RUnlock()

	if p.Verified() {
		// Already flushed; a duplicate endgame delivery is a no-op.
		return false, nil, nil
	}

	cancelTargets = s.takeOtherRequesters(index, begin, peer)

	complete, err := p.Deposit(begin, data)
	if err != nil {
		return false, cancelTargets, err
	}
	if !complete {
		return false, cancelTargets, nil
	}

	if !p.Verify() {
		s.penalize(p.ContributingPeers())
		p.Reset()
		return false, cancelTargets, core.NewHashMismatchError(index)
	}

	if err := s.files.Write(int64(index)*s.pieceLength(), p.Bytes()); err != nil {
		return false, cancelTargets, core.NewIOError("write", "", err)
	}

	// The bitfield bit is set only after verification and flush succeed,
	// so "bit set" and "verified and flushed" stay equivalent.
	if s.bitfield.Get(uint(index)) {
		return false, cancelTargets, nil
	}
	s.bitfield.Set(uint(index), true)
	if s.state != nil {
		s.state.MarkPieceVerified(index)
	}
	return true, cancelTargets, nil
}

// pieceLength returns the configured length of a "full" piece (the first
// piece's length, since only the last piece may be shorter).
func (s *Store) pieceLength() int64 {
	if len(s.pieces) == 0 {
		return 0
	}
	return s.pieces[0].Length
}

// penalize increments the bad-block counter for each contributor,
// returning the peers that crossed the threshold and should be closed.
func (s *Store) penalize(peers []core.PeerID) []core.PeerID {
	s.badBlocksMu.Lock()
	defer s.badBlocksMu.Unlock()

	var toClose []core.PeerID
	for _, peer := range peers {
		ctr, ok := s.badBlocks[peer]
		if !ok {
			ctr = atomic.NewInt32(0)
			s.badBlocks[peer] = ctr
		}
		if ctr.Inc() >= int32(s.config.BadBlockThreshold) {
			toClose = append(toClose, peer)
		}
	}
	return toClose
}

// BadBlockCount returns how many bad blocks peer has contributed so far.
func (s *Store) BadBlockCount(peer core.PeerID) int {
	s.badBlocksMu.Lock()
	defer s.badBlocksMu.Unlock()
	ctr, ok := s.badBlocks[peer]
	if !ok {
		return 0
	}
	return int(ctr.Load())
}

// ReleasePeer reverts any blocks requested-but-not-yet-received by peer
// back to missing, e.g. when the peer disconnects, so other peers can
// pick them up.
func (s *Store) ReleasePeer(peer core.PeerID) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pieces {
		for _, contributor := range p.ContributingPeers() {
			if contributor == peer && !p.Verified() {
				// Release only the blocks this peer still has in
				// flight; blocks already received, and blocks
				// requested from other peers, are left as they are.
				for i := range p.blocks {
					if p.blocks[i].hasPeer && p.blocks[i].requestedBy == peer && p.blocks[i].state == BlockRequested {
						p.MarkMissing(i)
					}
				}
			}
		}
	}
}
