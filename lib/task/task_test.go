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
package task

import (
	"crypto/sha1"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/bandwidth"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/filestore"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/metainfo"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/piecestore"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/selector"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/statefile"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/wire"
)

const testPieceLength = int64(8)

// noopStateUpdater satisfies piecestore.StateUpdater without touching
// disk; flushState exercises the real statefile.Store separately.
type noopStateUpdater struct{}

func (noopStateUpdater) MarkPieceVerified(int) {}

func newTestTask(t *testing.T, numPieces int, isPrivate bool, clk clock.Clock) (*Task, string) {
	t.Helper()
	dir := t.TempDir()

	totalLength := testPieceLength * int64(numPieces)
	entries := []metainfo.FileEntry{{Path: []string{"payload.bin"}, Length: totalLength, ByteOffset: 0}}
	files, err := filestore.New(dir, entries, testPieceLength)
	require.NoError(t, err)

	pieces := piecestore.New(piecestore.Config{}, totalLength, testPieceLength, nil, nil, files, noopStateUpdater{}, nil, nil)

	sel := selector.New(selector.Config{}, numPieces, testPieceLength, clk)

	model := &metainfo.TorrentModel{
		TotalLength: totalLength,
		PieceLength: testPieceLength,
		Version:     metainfo.VersionV1,
		InfoHashV1:  core.NewInfoHashV1([20]byte{1, 2, 3}),
		IsPrivate:   isPrivate,
	}

	st := statefile.Open(filepath.Join(dir, "resume"))

	var localID core.PeerID
	copy(localID[:], []byte("-GT0001-local-peer-id"))

	cfg := Config{MaxDialConcurrency: 2, DialTimeout: time.Second, StateSaveDebounce: 20 * time.Millisecond}
	task := New(cfg, model, pieces, files, st, sel, core.NewBus(), localID, fakeDialer{}, clk, nil)
	return task, dir
}

type fakeDialer struct{}

func (fakeDialer) Dial(addr core.PeerAddr, timeout time.Duration) (net.Conn, error) {
	return nil, errDialNotSupportedInTest
}

var errDialNotSupportedInTest = os.ErrInvalid

func peerAddr(port uint16) core.PeerAddr {
	return core.PeerAddr{IP: "10.0.0.1", Port: port, Transport: core.TransportTCP}
}

func handshakeFor(id core.PeerID) wire.Handshake {
	return wire.Handshake{Fast: true, Extended: true, PeerID: id}
}

// readMessage reads one framed message off the raw connection, mirroring
// wire.Conn.ReadMessage's own framing so tests can observe what a
// peerConn wrote without standing up a full wire.Conn on this side.
func readMessage(t *testing.T, conn net.Conn) wire.Message {
	t.Helper()
	var lenBuf [4]byte
	_, err := io.ReadFull(conn, lenBuf[:])
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(lenBuf[:])
	idAndPayload := make([]byte, length)
	_, err = io.ReadFull(conn, idAndPayload)
	require.NoError(t, err)
	m, err := wire.Decode(wire.MessageID(idAndPayload[0]), idAndPayload[1:], true)
	require.NoError(t, err)
	return m
}

func TestTask_LifecycleTransitions(t *testing.T) {
	tk, _ := newTestTask(t, 2, false, clock.NewMock())

	state, _ := tk.Snapshot()
	assert.Equal(t, StateInit, state)

	require.NoError(t, tk.Start())
	assert.ErrorIs(t, tk.Start(), ErrAlreadyStarted)

	state, _ = tk.Snapshot()
	assert.Equal(t, StateRunning, state)

	require.NoError(t, tk.Pause())
	state, _ = tk.Snapshot()
	assert.Equal(t, StatePaused, state)

	require.NoError(t, tk.Resume())
	state, _ = tk.Snapshot()
	assert.Equal(t, StateRunning, state)

	require.NoError(t, tk.Stop("test done"))
	state, _ = tk.Snapshot()
	assert.Equal(t, StateStopped, state)
}

func TestTask_PauseRejectedWhenNotRunning(t *testing.T) {
	tk, _ := newTestTask(t, 2, false, clock.NewMock())
	assert.ErrorIs(t, tk.Pause(), ErrNotRunning)
}

func TestTask_PrivateTorrentBlocksNonTrackerSources(t *testing.T) {
	tk, _ := newTestTask(t, 2, true, clock.NewMock())
	require.NoError(t, tk.Start())

	err := tk.AddDiscoveredPeer(peerAddr(1), core.PeerSourceDHT)
	assert.ErrorIs(t, err, ErrPeerSourceBlocked)

	err = tk.AddDiscoveredPeer(peerAddr(2), core.PeerSourcePEX)
	assert.ErrorIs(t, err, ErrPeerSourceBlocked)

	err = tk.AddDiscoveredPeer(peerAddr(3), core.PeerSourceTracker)
	assert.NoError(t, err)
}

func TestTask_PublicTorrentAllowsAllSources(t *testing.T) {
	tk, _ := newTestTask(t, 2, false, clock.NewMock())
	require.NoError(t, tk.Start())

	assert.NoError(t, tk.AddDiscoveredPeer(peerAddr(1), core.PeerSourceDHT))
	assert.NoError(t, tk.AddDiscoveredPeer(peerAddr(2), core.PeerSourcePEX))
}

func TestTask_AcceptPeerRegistersConnectionAndDedupes(t *testing.T) {
	tk, _ := newTestTask(t, 2, false, clock.NewMock())
	require.NoError(t, tk.Start())

	client, server := net.Pipe()
	defer client.Close()

	addr := peerAddr(55)
	var remoteID core.PeerID
	copy(remoteID[:], []byte("remote-peer-id-000001"))

	go func() {
		buf := make([]byte, 256)
		client.Read(buf)
	}()

	err := tk.AcceptPeer(server, handshakeFor(remoteID), addr)
	require.NoError(t, err)
	assert.Equal(t, 1, tk.NumPeers())

	client2, server2 := net.Pipe()
	defer client2.Close()
	go func() {
		buf := make([]byte, 256)
		client2.Read(buf)
	}()
	err = tk.AcceptPeer(server2, handshakeFor(remoteID), addr)
	assert.Error(t, err)
	assert.Equal(t, 1, tk.NumPeers())

	require.NoError(t, tk.Stop("cleanup"))
}

func TestTask_SuperSeedingRequiresCompleteBitfield(t *testing.T) {
	tk, _ := newTestTask(t, 2, false, clock.NewMock())
	err := tk.EnableSuperSeeding()
	assert.Error(t, err)
}

func TestTask_ScheduleStateSaveDebouncesBursts(t *testing.T) {
	mock := clock.NewMock()
	tk, dir := newTestTask(t, 2, false, mock)
	require.NoError(t, tk.Start())

	tk.scheduleStateSave()
	tk.scheduleStateSave()
	tk.scheduleStateSave()

	mock.Add(25 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, err := os.Stat(filepath.Join(dir, "resume"))
	assert.NoError(t, err)
}

// TestTask_EndgameCancelsOtherOutstandingCopyOnFirstArrival exercises
// Testable Scenario #2 (§8): once one of two endgame-duplicated copies of
// the same block arrives, the Task must CANCEL the other in-flight copy.
func TestTask_EndgameCancelsOtherOutstandingCopyOnFirstArrival(t *testing.T) {
	dir := t.TempDir()
	entries := []metainfo.FileEntry{{Path: []string{"payload.bin"}, Length: testPieceLength, ByteOffset: 0}}
	files, err := filestore.New(dir, entries, testPieceLength)
	require.NoError(t, err)

	data := make([]byte, testPieceLength)
	hash := sha1.Sum(data)
	pieces := piecestore.New(piecestore.Config{}, testPieceLength, testPieceLength, [][20]byte{hash}, nil, files, noopStateUpdater{}, nil, nil)

	sel := selector.New(selector.Config{}, 1, testPieceLength, clock.NewMock())
	model := &metainfo.TorrentModel{
		TotalLength: testPieceLength,
		PieceLength: testPieceLength,
		Version:     metainfo.VersionV1,
		InfoHashV1:  core.NewInfoHashV1([20]byte{1, 2, 3}),
	}
	st := statefile.Open(filepath.Join(dir, "resume"))
	var localID core.PeerID
	copy(localID[:], []byte("-GT0001-local-peer-id"))
	cfg := Config{MaxDialConcurrency: 2, DialTimeout: time.Second, StateSaveDebounce: 20 * time.Millisecond}
	tk := New(cfg, model, pieces, files, st, sel, core.NewBus(), localID, fakeDialer{}, clock.NewMock(), nil)

	require.NoError(t, tk.Start())
	tk.Pieces.SetEndgame(true)

	clientA, serverA := net.Pipe()
	defer clientA.Close()
	var idA core.PeerID
	copy(idA[:], []byte("peer-a-0000000000000000"))
	drainA := make(chan struct{})
	go func() {
		readMessage(t, clientA) // initial bitfield
		close(drainA)
	}()
	require.NoError(t, tk.AcceptPeer(serverA, handshakeFor(idA), peerAddr(20)))
	<-drainA

	clientB, serverB := net.Pipe()
	defer clientB.Close()
	var idB core.PeerID
	copy(idB[:], []byte("peer-b-0000000000000000"))
	cancelCh := make(chan wire.Message, 1)
	go func() {
		readMessage(t, clientB) // initial bitfield
		cancelCh <- readMessage(t, clientB)
	}()
	require.NoError(t, tk.AcceptPeer(serverB, handshakeFor(idB), peerAddr(21)))

	pa := tk.peers[peerAddr(20)]
	pb := tk.peers[peerAddr(21)]

	begin, length, ok, err := tk.Pieces.RequestBlock(idA, 0)
	require.NoError(t, err)
	require.True(t, ok)
	pa.conn.TrackRequest(0, uint32(begin))

	_, _, ok, err = tk.Pieces.RequestBlock(idB, 0)
	require.NoError(t, err)
	require.True(t, ok, "endgame must allow duplicating the single outstanding block to a second peer")
	pb.conn.TrackRequest(0, uint32(begin))

	justCompleted, cancelTargets, err := tk.Pieces.Deliver(idA, 0, begin, data)
	require.NoError(t, err)
	assert.True(t, justCompleted)
	require.Equal(t, []core.PeerID{idB}, cancelTargets)

	tk.cancelDuplicateRequest(0, uint32(begin), uint32(length), cancelTargets)

	select {
	case m := <-cancelCh:
		assert.Equal(t, wire.Cancel, m.ID)
		assert.EqualValues(t, 0, m.Index)
		assert.EqualValues(t, begin, m.Begin)
		assert.EqualValues(t, length, m.Length)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for CANCEL message to the other endgame-duplicate peer")
	}

	assert.False(t, pb.conn.UntrackRequest(0, uint32(begin)), "cancelDuplicateRequest must remove the peer's in-flight request")

	require.NoError(t, tk.Stop("cleanup"))
}

// TestTask_BandwidthLimiterDefaultsDisabledThenEnforcesEgress exercises
// both ends of the Config.Bandwidth wiring: an unconfigured Task never
// throttles (ReserveEgress is a no-op), and a Config with Bandwidth.Enable
// set produces a Task whose peerConn egress path actually reserves
// against it.
func TestTask_BandwidthLimiterDefaultsDisabledThenEnforcesEgress(t *testing.T) {
	tk, _ := newTestTask(t, 2, false, clock.NewMock())
	require.NoError(t, tk.bandwidthLimiter().ReserveEgress(1<<30), "default limiter must be disabled/no-op")

	limited, err := bandwidth.NewLimiter(bandwidth.Config{Enable: true, EgressBitsPerSec: 8, IngressBitsPerSec: 8, TokenSize: 1})
	require.NoError(t, err)
	tk.SetBandwidthLimiter(limited)
	assert.Same(t, limited, tk.bandwidthLimiter())

	require.Error(t, tk.bandwidthLimiter().ReserveEgress(1<<30), "reserving far more than burst capacity must fail rather than block forever")
}

// TestNew_RejectsBandwidthConfigWithZeroRateWhenEnabled confirms a
// malformed Config.Bandwidth (enabled with a zero rate) falls back to a
// disabled limiter instead of leaving Task unusable.
func TestNew_RejectsBandwidthConfigWithZeroRateWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	totalLength := testPieceLength * 2
	entries := []metainfo.FileEntry{{Path: []string{"payload.bin"}, Length: totalLength, ByteOffset: 0}}
	files, err := filestore.New(dir, entries, testPieceLength)
	require.NoError(t, err)
	pieces := piecestore.New(piecestore.Config{}, totalLength, testPieceLength, nil, nil, files, noopStateUpdater{}, nil, nil)
	sel := selector.New(selector.Config{}, 2, testPieceLength, clock.NewMock())
	model := &metainfo.TorrentModel{TotalLength: totalLength, PieceLength: testPieceLength, Version: metainfo.VersionV1, InfoHashV1: core.NewInfoHashV1([20]byte{1})}
	st := statefile.Open(filepath.Join(dir, "resume"))
	var localID core.PeerID

	cfg := Config{MaxDialConcurrency: 2, DialTimeout: time.Second, Bandwidth: bandwidth.Config{Enable: true, EgressBitsPerSec: 0, IngressBitsPerSec: 0}}
	tk := New(cfg, model, pieces, files, st, sel, core.NewBus(), localID, fakeDialer{}, clock.NewMock(), nil)

	require.NoError(t, tk.bandwidthLimiter().ReserveEgress(1), "a rejected bandwidth config must fall back to a disabled limiter, not panic or error forever")
}
