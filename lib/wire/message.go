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

// Package wire implements the per-connection peer protocol: the BEP 3
// handshake, u32-length-prefixed message framing, and the Fast (BEP 6),
// Extended (BEP 10) and v2 Merkle (BEP 52) message sets.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
)

// MessageID identifies a framed message's type byte.
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	BitfieldMsg   MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9
	Extended      MessageID = 20
	Suggest       MessageID = 0x0D
	HaveAll       MessageID = 0x0E
	HaveNone      MessageID = 0x0F
	RejectRequest MessageID = 0x10
	AllowFast     MessageID = 0x11
	HashRequest   MessageID = 21
	Hashes        MessageID = 22
	HashReject    MessageID = 23
)

// fastOnly is the set of message IDs that BEP 6 mandates closing the
// connection over if received without Fast having been negotiated.
var fastOnly = map[MessageID]bool{
	Suggest:       true,
	HaveAll:       true,
	HaveNone:      true,
	RejectRequest: true,
	AllowFast:     true,
}

// IsFastOnly reports whether id is only legal once Fast is negotiated.
func IsFastOnly(id MessageID) bool { return fastOnly[id] }

// MaxMessageSize caps a single message's payload length.
const MaxMessageSize = 2 * 1024 * 1024

// MaxRequestLength is the largest length field request/piece/cancel may
// carry (2^17, per the historical BitTorrent convention).
const MaxRequestLength = 1 << 17

// Message is one parsed, framed peer-protocol message. A keep-alive is
// represented as a Message with KeepAlive set; its ID is not meaningful.
type Message struct {
	ID      MessageID
	KeepAlive bool

	Index  uint32
	Begin  uint32
	Length uint32
	Block  []byte

	Port uint16

	ExtID      uint8
	ExtPayload []byte

	// v2 Merkle fields (hash-request/hashes/hash-reject).
	PiecesRoot  [32]byte
	BaseLayer   uint8
	ProofLayers uint8
	Hashes      [][32]byte
}

// Encode serializes m as a length-prefixed frame.
func Encode(m Message) []byte {
	if m.KeepAlive {
		return []byte{0, 0, 0, 0}
	}

	var payload []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		payload = nil
	case Have:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case BitfieldMsg:
		payload = m.Block
	case Request, Cancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case Piece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		copy(payload[8:], m.Block)
	case Port:
		payload = make([]byte, 2)
		binary.BigEndian.PutUint16(payload, m.Port)
	case Extended:
		payload = make([]byte, 1+len(m.ExtPayload))
		payload[0] = m.ExtID
		copy(payload[1:], m.ExtPayload)
	case Suggest, AllowFast:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case RejectRequest:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case HashRequest, Hashes, HashReject:
		payload = encodeHashMessage(m)
	}

	frame := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = byte(m.ID)
	copy(frame[5:], payload)
	return frame
}

func encodeHashMessage(m Message) []byte {
	buf := make([]byte, 32+1+4+4+1+32*len(m.Hashes))
	copy(buf[0:32], m.PiecesRoot[:])
	buf[32] = m.BaseLayer
	binary.BigEndian.PutUint32(buf[33:37], m.Index)
	binary.BigEndian.PutUint32(buf[37:41], m.Length)
	buf[41] = m.ProofLayers
	for i, h := range m.Hashes {
		copy(buf[42+i*32:42+(i+1)*32], h[:])
	}
	return buf
}

// Decode parses id and payload (the bytes after the length+id header)
// into a Message. fastEnabled gates fast-only message types.
func Decode(id MessageID, payload []byte, fastEnabled bool) (Message, error) {
	if IsFastOnly(id) && !fastEnabled {
		return Message{}, core.NewProtocolError(core.ReasonBadMessage, fmt.Sprintf("fast-only message %d received without Fast negotiated", id))
	}

	m := Message{ID: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		if len(payload) != 0 {
			return Message{}, core.NewProtocolError(core.ReasonBadMessage, "unexpected payload on payloadless message")
		}
	case Have, Suggest, AllowFast:
		if len(payload) != 4 {
			return Message{}, core.NewProtocolError(core.ReasonBadMessage, "bad have/suggest/allow-fast length")
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case BitfieldMsg:
		m.Block = payload
	case Request, Cancel, RejectRequest:
		if len(payload) != 12 {
			return Message{}, core.NewProtocolError(core.ReasonBadMessage, "bad request/cancel/reject length")
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
		if id == Request && m.Length > MaxRequestLength {
			return Message{}, core.NewProtocolError(core.ReasonBadMessage, "request length exceeds cap")
		}
	case Piece:
		if len(payload) < 8 {
			return Message{}, core.NewProtocolError(core.ReasonBadMessage, "bad piece length")
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = payload[8:]
	case Port:
		if len(payload) != 2 {
			return Message{}, core.NewProtocolError(core.ReasonBadMessage, "bad port length")
		}
		m.Port = binary.BigEndian.Uint16(payload)
	case Extended:
		if len(payload) < 1 {
			return Message{}, core.NewProtocolError(core.ReasonBadMessage, "bad extended length")
		}
		m.ExtID = payload[0]
		m.ExtPayload = payload[1:]
	case HashRequest, Hashes, HashReject:
		decoded, err := decodeHashMessage(payload)
		if err != nil {
			return Message{}, err
		}
		decoded.ID = id
		m = decoded
	default:
		return Message{}, core.NewProtocolError(core.ReasonBadMessage, fmt.Sprintf("unknown message id %d", id))
	}
	return m, nil
}

func decodeHashMessage(payload []byte) (Message, error) {
	if len(payload) < 42 {
		return Message{}, core.NewProtocolError(core.ReasonBadMessage, "bad v2 hash message length")
	}
	var m Message
	copy(m.PiecesRoot[:], payload[0:32])
	m.BaseLayer = payload[32]
	m.Index = binary.BigEndian.Uint32(payload[33:37])
	m.Length = binary.BigEndian.Uint32(payload[37:41])
	m.ProofLayers = payload[41]

	rest := payload[42:]
	if len(rest)%32 != 0 {
		return Message{}, core.NewProtocolError(core.ReasonBadMessage, "trailing v2 hash bytes not a multiple of 32")
	}
	n := len(rest) / 32
	m.Hashes = make([][32]byte, n)
	for i := 0; i < n; i++ {
		copy(m.Hashes[i][:], rest[i*32:(i+1)*32])
	}
	return m, nil
}
