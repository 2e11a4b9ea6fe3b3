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

// Package superseed implements BEP 16 super seeding: a completed-task
// policy that trickles out one piece at a time per peer instead of
// advertising a full bitfield, so a lone seed pushes a swarm to
// self-sufficiency faster than flooding every connection at once.
package superseed

import (
	"sync"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
)

// Availability reports how many distinct connected peers advertise a
// given piece, the rarity signal super seeding selects by.
type Availability interface {
	Availability(index int) int
}

// Seeder tracks, per connected peer, which single piece has been
// offered and whether a different peer has since been observed to have
// it (at which point the offered piece advances).
type Seeder struct {
	mu        sync.Mutex
	numPieces int

	offered map[core.PeerID]int // peer -> piece index offered
	seenBy  map[int]map[core.PeerID]bool // piece -> peers observed holding it

	offeredCount    int
	distributedCount int
	raritySum       int
}

// New builds a Seeder for a torrent of numPieces pieces. Activation
// (entering super-seeding mode) is the caller's responsibility once the
// task reaches 100% and the user has opted in.
func New(numPieces int) *Seeder {
	return &Seeder{
		numPieces: numPieces,
		offered:   make(map[core.PeerID]int),
		seenBy:    make(map[int]map[core.PeerID]bool),
	}
}

// PeerConnected selects the globally rarest piece not yet offered
// (ties broken by lowest index) for a newly connected peer and records
// it in the offered set. ok is false if every piece is already offered
// to someone and none has newly become eligible (e.g. a tiny swarm).
func (s *Seeder) PeerConnected(peer core.PeerID, availability Availability) (pieceIndex int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	already := make(map[int]bool, len(s.offered))
	for _, idx := range s.offered {
		already[idx] = true
	}

	best, bestRarity := -1, int(^uint(0)>>1)
	for i := 0; i < s.numPieces; i++ {
		if already[i] {
			continue
		}
		rarity := availability.Availability(i)
		if rarity < bestRarity {
			best, bestRarity = i, rarity
		}
	}
	if best == -1 {
		return 0, false
	}

	s.offered[peer] = best
	s.offeredCount++
	s.raritySum += bestRarity
	return best, true
}

// ObservePieceOnPeer records that peer is now known (via HAVE, bitfield,
// or PEX inference) to hold pieceIndex. If this is a peer other than the
// one the piece was originally offered to, the piece is considered
// distributed: Distributed then reports true for its original recipient,
// and Advance may move that recipient on to a new piece.
func (s *Seeder) ObservePieceOnPeer(pieceIndex int, observedOn core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seenBy[pieceIndex] == nil {
		s.seenBy[pieceIndex] = make(map[core.PeerID]bool)
	}
	s.seenBy[pieceIndex][observedOn] = true
}

// Distributed reports whether pieceIndex has been observed on some peer
// other than originalRecipient, meaning the seeder should advance that
// recipient to a new piece on its next turn.
func (s *Seeder) Distributed(pieceIndex int, originalRecipient core.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for peer := range s.seenBy[pieceIndex] {
		if peer != originalRecipient {
			return true
		}
	}
	return false
}

// Advance offers peer the next rarest not-yet-offered piece, replacing
// whatever it previously held. Call only after Distributed reports true
// for the peer's current piece.
func (s *Seeder) Advance(peer core.PeerID, availability Availability) (pieceIndex int, ok bool) {
	s.mu.Lock()
	prev, had := s.offered[peer]
	s.mu.Unlock()
	if had {
		s.mu.Lock()
		s.distributedCount++
		s.mu.Unlock()
		_ = prev
	}
	return s.PeerConnected(peer, availability)
}

// Stats is a snapshot of the seeder's running counters.
type Stats struct {
	Offered      int
	Distributed  int
	AverageRarity float64
}

// Stats returns the current offered/distributed/average-rarity counters.
func (s *Seeder) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := 0.0
	if s.offeredCount > 0 {
		avg = float64(s.raritySum) / float64(s.offeredCount)
	}
	return Stats{Offered: s.offeredCount, Distributed: s.distributedCount, AverageRarity: avg}
}

// ReleasePeer forgets a disconnected peer's offered-piece assignment.
func (s *Seeder) ReleasePeer(peer core.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offered, peer)
}
