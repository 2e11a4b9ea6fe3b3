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
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
)

// Config tunes one Conn's idle/keep-alive timers and congestion policy.
type Config struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"`
	InitialCwnd       int           `yaml:"initial_cwnd"`
	MaxCwnd           int           `yaml:"max_cwnd"`
}

func (c Config) applyDefaults() Config {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 150 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 120 * time.Second
	}
	if c.InitialCwnd == 0 {
		c.InitialCwnd = 4
	}
	if c.MaxCwnd == 0 {
		c.MaxCwnd = 256
	}
	return c
}

type requestKey struct {
	index, begin uint32
}

// Conn is one peer connection's protocol state machine: framing,
// handshake bits, choke/interest flags, the Fast allowed-set, and the
// bounded in-flight request window. It does not dial or accept sockets
// itself; callers supply an already-connected net.Conn.
type Conn struct {
	config Config
	clk    clock.Clock
	rw     net.Conn
	r      *bufio.Reader

	mu sync.Mutex

	Addr   core.PeerAddr
	Remote core.PeerID

	ChokeMe          bool
	ChokeRemote      bool
	InterestedMe     bool
	InterestedRemote bool

	FastEnabled     bool
	ExtendedEnabled bool
	V2Enabled       bool

	bitfieldReceived bool
	RemoteBitfield   *core.Bitfield

	allowedFastLocal  map[int]bool
	allowedFastRemote map[int]bool

	remoteReqQ int
	localCwnd  int
	inFlight   map[requestKey]time.Time

	lastRecv time.Time
	lastSent time.Time
}

// NewConn wraps an already-handshaken net.Conn.
func NewConn(rw net.Conn, addr core.PeerAddr, remote core.PeerID, hs Handshake, numPieces int, clk clock.Clock, config Config) *Conn {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	c := &Conn{
		config:           config,
		clk:              clk,
		rw:               rw,
		r:                bufio.NewReaderSize(rw, 64*1024),
		Addr:             addr,
		Remote:           remote,
		ChokeMe:          true,
		ChokeRemote:      true,
		FastEnabled:      hs.Fast,
		ExtendedEnabled:  hs.Extended,
		V2Enabled:        hs.V2,
		RemoteBitfield:   core.NewBitfield(uint(numPieces)),
		allowedFastLocal: make(map[int]bool),
		allowedFastRemote: make(map[int]bool),
		remoteReqQ:       250,
		localCwnd:        config.InitialCwnd,
		inFlight:         make(map[requestKey]time.Time),
		lastRecv:         now,
		lastSent:         now,
	}
	if hs.Fast {
		ip := addrIP(addr)
		for _, idx := range AllowedFastSet(ip, hs.InfoHash, numPieces) {
			c.allowedFastLocal[idx] = true
		}
	}
	return c
}

func addrIP(a core.PeerAddr) net.IP {
	return net.ParseIP(a.IP)
}

// ReadMessage blocks for the next frame: length prefix, then (if
// nonzero) id byte and payload. A zero length is surfaced as a
// KeepAlive message. Hard length bounds are enforced before any
// allocation or slicing.
func (c *Conn) ReadMessage() (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	c.mu.Lock()
	c.lastRecv = c.clk.Now()
	c.mu.Unlock()

	if length == 0 {
		return Message{KeepAlive: true}, nil
	}
	if length > MaxMessageSize {
		return Message{}, core.NewProtocolError(core.ReasonBufferOverflow, fmt.Sprintf("frame length %d exceeds cap %d", length, MaxMessageSize))
	}

	idAndPayload := make([]byte, length)
	if _, err := io.ReadFull(c.r, idAndPayload); err != nil {
		return Message{}, err
	}
	id := MessageID(idAndPayload[0])
	payload := idAndPayload[1:]

	c.mu.Lock()
	fastEnabled := c.FastEnabled
	c.mu.Unlock()

	return Decode(id, payload, fastEnabled)
}

// WriteMessage frames and sends m, resetting the keep-alive clock.
func (c *Conn) WriteMessage(m Message) error {
	frame := Encode(m)
	if _, err := c.rw.Write(frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSent = c.clk.Now()
	c.mu.Unlock()
	return nil
}

// IdleExpired reports whether IdleTimeout has elapsed since the last
// read or write in either direction.
func (c *Conn) IdleExpired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last := c.lastRecv
	if c.lastSent.After(last) {
		last = c.lastSent
	}
	return c.clk.Now().Sub(last) > c.config.IdleTimeout
}

// NeedsKeepAlive reports whether the outbound side has been silent long
// enough to warrant sending one.
func (c *Conn) NeedsKeepAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Sub(c.lastSent) >= c.config.KeepAliveInterval
}

// SetRemoteBitfieldOnce installs the initial bitfield payload. Returns
// an error if a bitfield (or have-all/have-none) was already received.
func (c *Conn) SetRemoteBitfieldOnce(bf *core.Bitfield) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bitfieldReceived {
		return core.NewProtocolError(core.ReasonBadMessage, "bitfield received more than once")
	}
	c.bitfieldReceived = true
	c.RemoteBitfield = bf
	return nil
}

// MarkHaveAll/MarkHaveNone replace the remote bitfield entirely, per
// the Fast extension's semantics (not a merge into the existing state).
func (c *Conn) MarkHaveAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bitfieldReceived {
		return core.NewProtocolError(core.ReasonBadMessage, "have-all received after bitfield")
	}
	c.bitfieldReceived = true
	c.RemoteBitfield.ReplaceAll()
	return nil
}

func (c *Conn) MarkHaveNone() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bitfieldReceived {
		return core.NewProtocolError(core.ReasonBadMessage, "have-none received after bitfield")
	}
	c.bitfieldReceived = true
	c.RemoteBitfield.ReplaceNone()
	return nil
}

// RemoteAllowedFast reports whether piece index is in the set the
// remote peer announced via allow-fast messages.
func (c *Conn) RemoteAllowedFast(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowedFastRemote[index]
}

// RecordRemoteAllowFast records an allow-fast message from the remote.
func (c *Conn) RecordRemoteAllowFast(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowedFastRemote[index] = true
}

// LocalAllowedFastSet returns the piece indices we computed via BEP 6
// and should announce with our own allow-fast messages.
func (c *Conn) LocalAllowedFastSet() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.allowedFastLocal))
	for idx := range c.allowedFastLocal {
		out = append(out, idx)
	}
	return out
}

// RemoteAllowedFastSet returns a defensive copy of the piece indices the
// remote peer has announced via allow-fast messages, suitable for
// passing to a piece selector's choked-candidate check.
func (c *Conn) RemoteAllowedFastSet() map[int]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int]bool, len(c.allowedFastRemote))
	for idx := range c.allowedFastRemote {
		out[idx] = true
	}
	return out
}

// SetRemoteReqQ records the remote's advertised outstanding-request
// capacity (from its extended handshake reqq field).
func (c *Conn) SetRemoteReqQ(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n > 0 {
		c.remoteReqQ = n
	}
}

// CanRequest reports whether the in-flight window has room for another
// request, bounded by min(remote_reqq, local_cwnd).
func (c *Conn) CanRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight) < minInt(c.remoteReqQ, c.localCwnd)
}

// TrackRequest records a new outstanding request.
func (c *Conn) TrackRequest(index, begin uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[requestKey{index, begin}] = c.clk.Now()
}

// UntrackRequest removes begin/index from the in-flight set, returning
// whether it was present (a Piece without a matching request is a BEP 6
// protocol violation the caller should close the peer for).
func (c *Conn) UntrackRequest(index, begin uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := requestKey{index, begin}
	if _, ok := c.inFlight[key]; !ok {
		return false
	}
	delete(c.inFlight, key)
	return true
}

// OnDelivery grows the congestion window additively on a successful
// delivery, up to MaxCwnd.
func (c *Conn) OnDelivery() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.localCwnd < c.config.MaxCwnd {
		c.localCwnd++
	}
}

// OnTimeoutOrReject shrinks the congestion window multiplicatively,
// never below 1.
func (c *Conn) OnTimeoutOrReject() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localCwnd /= 2
	if c.localCwnd < 1 {
		c.localCwnd = 1
	}
}

// Close closes the underlying socket.
func (c *Conn) Close() error { return c.rw.Close() }

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
