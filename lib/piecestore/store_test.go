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
	"crypto/sha1"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
)

type fakeFiles struct {
	mu    sync.Mutex
	bytes map[int64][]byte
}

func newFakeFiles() *fakeFiles { return &fakeFiles{bytes: make(map[int64][]byte)} }

func (f *fakeFiles) Write(offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.bytes[offset] = cp
	return nil
}

func (f *fakeFiles) Read(offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytes[offset][:length], nil
}

type fakeState struct {
	mu      sync.Mutex
	flushed []int
}

func (f *fakeState) MarkPieceVerified(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = append(f.flushed, i)
}

func peer(b byte) core.PeerID {
	var p core.PeerID
	p[0] = b
	return p
}

func buildStore(t *testing.T, pieceLength int64, n int) (*Store, *fakeFiles, *fakeState, [][]byte) {
	t.Helper()
	total := pieceLength * int64(n)
	pieces := make([][]byte, n)
	hashes := make([][20]byte, n)
	for i := 0; i < n; i++ {
		data := make([]byte, pieceLength)
		for j := range data {
			data[j] = byte(i*31 + j)
		}
		pieces[i] = data
		hashes[i] = sha1.Sum(data)
	}

	files := newFakeFiles()
	state := &fakeState{}
	s := New(Config{BlockSize: 16 * 1024, BadBlockThreshold: 2}, total, pieceLength, hashes, nil, files, state, core.NewBus(), nil)
	return s, files, state, pieces
}

func deliverWholePiece(t *testing.T, s *Store, p core.PeerID, index int, data []byte) (bool, error) {
	t.Helper()
	blockSize := int64(16 * 1024)
	var justCompleted bool
	var err error
	for begin := int64(0); begin < int64(len(data)); begin += blockSize {
		end := begin + blockSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		_, _, ok, rerr := s.RequestBlock(p, index)
		require.NoError(t, rerr)
		require.True(t, ok)
		justCompleted, _, err = s.Deliver(p, index, begin, data[begin:end])
		if err != nil {
			return justCompleted, err
		}
	}
	return justCompleted, err
}

func TestStore_DeliverVerifiesAndFlushes(t *testing.T) {
	s, files, state, pieces := buildStore(t, 32*1024, 2)
	p := peer(1)

	completed, err := deliverWholePiece(t, s, p, 0, pieces[0])
	require.NoError(t, err)
	assert.True(t, completed)
	assert.True(t, s.HasPiece(0))
	assert.Equal(t, pieces[0], files.bytes[0])
	assert.Equal(t, []int{0}, state.flushed)
}

func TestStore_DuplicateDeliveryAfterVerifyIsNoop(t *testing.T) {
	s, _, _, pieces := buildStore(t, 32*1024, 1)
	p := peer(1)

	completed, err := deliverWholePiece(t, s, p, 0, pieces[0])
	require.NoError(t, err)
	assert.True(t, completed)

	completed, _, err = s.Deliver(p, 0, 0, pieces[0][:16*1024])
	require.NoError(t, err)
	assert.False(t, completed)
}

func TestStore_HashMismatchPenalizesContributorsAndResets(t *testing.T) {
	s, _, _, pieces := buildStore(t, 16*1024, 1)
	p := peer(7)

	_, _, ok, err := s.RequestBlock(p, 0)
	require.NoError(t, err)
	require.True(t, ok)

	corrupt := make([]byte, 16*1024)
	copy(corrupt, pieces[0])
	corrupt[0] ^= 0xFF

	completed, _, err := s.Deliver(p, 0, 0, corrupt)
	assert.False(t, completed)
	require.Error(t, err)
	assert.False(t, s.HasPiece(0))
	assert.Equal(t, 1, s.BadBlockCount(p))

	// Piece was reset: it is requestable again from scratch.
	_, _, ok, err = s.RequestBlock(p, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_BadBlockThresholdFlagsPeerForClose(t *testing.T) {
	s, _, _, pieces := buildStore(t, 16*1024, 1)
	p := peer(9)
	corrupt := make([]byte, 16*1024)
	copy(corrupt, pieces[0])
	corrupt[0] ^= 0xFF

	for i := 0; i < 2; i++ {
		_, _, ok, err := s.RequestBlock(p, 0)
		require.NoError(t, err)
		require.True(t, ok)
		_, _, err = s.Deliver(p, 0, 0, corrupt)
		require.Error(t, err)
	}
	assert.Equal(t, 2, s.BadBlockCount(p))
}

func TestStore_EndgameAllowsDuplicateAssignment(t *testing.T) {
	s, _, _, _ := buildStore(t, 32*1024, 1)
	a, b := peer(1), peer(2)

	_, _, ok, err := s.RequestBlock(a, 0)
	require.NoError(t, err)
	require.True(t, ok)

	// Non-endgame: the same block must not be handed out again since it
	// is no longer BlockMissing.
	_, _, ok, err = s.RequestBlock(b, 0)
	require.NoError(t, err)
	assert.True(t, ok, "second block of the piece should still be assignable")

	s.SetEndgame(true)
	assert.True(t, s.Endgame())
	_, _, ok, err = s.RequestBlock(b, 0)
	require.NoError(t, err)
	assert.True(t, ok, "endgame mode allows re-requesting an in-flight block")
}

func TestStore_EndgameDuplicatesOutstandingBlockNotBlockZero(t *testing.T) {
	// Three 16 KiB blocks: block 0 already received, blocks 1 and 2 still
	// outstanding. Endgame duplication must pick one of the outstanding
	// blocks, never the already-received block 0.
	s, _, _, pieces := buildStore(t, 48*1024, 1)
	a, b := peer(1), peer(2)

	begin0, length0, ok, err := s.RequestBlock(a, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 0, begin0)
	_, _, err = s.Deliver(a, 0, begin0, pieces[0][begin0:begin0+length0])
	require.NoError(t, err)

	begin1, _, ok, err := s.RequestBlock(a, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 16*1024, begin1)

	begin2, _, ok, err := s.RequestBlock(a, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 32*1024, begin2)

	s.SetEndgame(true)
	begin, _, ok, err := s.RequestBlock(b, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEqual(t, int64(0), begin, "endgame must not re-duplicate the already-received block 0")
	assert.Contains(t, []int64{16 * 1024, 32 * 1024}, begin, "duplicated block must be one of the outstanding blocks")
}

func TestStore_DeliverReportsOtherEndgameRequestersForCancel(t *testing.T) {
	s, _, _, pieces := buildStore(t, 16*1024, 1)
	a, b := peer(1), peer(2)

	_, _, ok, err := s.RequestBlock(a, 0)
	require.NoError(t, err)
	require.True(t, ok)

	s.SetEndgame(true)
	_, _, ok, err = s.RequestBlock(b, 0)
	require.NoError(t, err)
	require.True(t, ok, "endgame duplicates the single outstanding block to b as well")

	// a delivers first: b's duplicate copy must be reported for CANCEL.
	justCompleted, cancelTargets, err := s.Deliver(a, 0, 0, pieces[0])
	require.NoError(t, err)
	assert.True(t, justCompleted)
	assert.Equal(t, []core.PeerID{b}, cancelTargets)

	// b's late delivery of the same (now-verified) block is a no-op and
	// reports no further cancel targets; the set was already drained.
	_, cancelTargets, err = s.Deliver(b, 0, 0, pieces[0])
	require.NoError(t, err)
	assert.Empty(t, cancelTargets)
}

func TestStore_AvailabilityTracking(t *testing.T) {
	s, _, _, _ := buildStore(t, 16*1024, 4)
	s.MarkPeerHasPiece(2)
	s.MarkPeerHasPiece(2)
	assert.Equal(t, 2, s.Availability(2))
	s.ClearPeerHasPiece(2)
	assert.Equal(t, 1, s.Availability(2))
}

func TestStore_RequestBlockRejectsOutOfRangeIndex(t *testing.T) {
	s, _, _, _ := buildStore(t, 16*1024, 1)
	_, _, ok, err := s.RequestBlock(peer(1), 5)
	require.Error(t, err)
	assert.False(t, ok)
}
