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
	"fmt"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
)

const pstr = "BitTorrent protocol"

// HandshakeLen is the fixed wire size of a BEP 3 handshake.
const HandshakeLen = 1 + 19 + 8 + 20 + 20

const (
	reserveByte5Extended = 0x10 // byte index 5, bit 0x10
	reserveByte7Fast     = 0x04 // byte index 7, bit 0x04
	reserveByte7V2       = 0x10 // byte index 7, bit 0x10
)

// Handshake is the parsed 68-byte BEP 3 preamble.
type Handshake struct {
	Fast     bool
	Extended bool
	V2       bool
	InfoHash [20]byte
	PeerID   core.PeerID
}

// Encode serializes h to the wire 68-byte form.
func (h Handshake) Encode() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = 19
	copy(buf[1:20], pstr)
	if h.Extended {
		buf[1+19+5] |= reserveByte5Extended
	}
	if h.Fast {
		buf[1+19+7] |= reserveByte7Fast
	}
	if h.V2 {
		buf[1+19+7] |= reserveByte7V2
	}
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// ParseHandshake validates and parses a raw 68-byte handshake.
func ParseHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLen {
		return Handshake{}, core.NewProtocolError(core.ReasonBadHandshake, fmt.Sprintf("handshake length %d, want %d", len(buf), HandshakeLen))
	}
	if buf[0] != 19 {
		return Handshake{}, core.NewProtocolError(core.ReasonBadHandshake, "pstrlen != 19")
	}
	if string(buf[1:20]) != pstr {
		return Handshake{}, core.NewProtocolError(core.ReasonBadHandshake, "unexpected pstr")
	}
	var h Handshake
	h.Extended = buf[1+19+5]&reserveByte5Extended != 0
	h.Fast = buf[1+19+7]&reserveByte7Fast != 0
	h.V2 = buf[1+19+7]&reserveByte7V2 != 0
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
