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
package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// PeerIDLen is the fixed length of a BitTorrent peer id.
const PeerIDLen = 20

// PeerID is the 20-byte identifier a peer presents during the handshake.
type PeerID [PeerIDLen]byte

// NewPeerID generates a random Azureus-style peer id with the given
// two-letter client tag, e.g. "-GO0001-" followed by 12 random bytes.
func NewPeerID(clientTag string) (PeerID, error) {
	var id PeerID
	prefix := fmt.Sprintf("-%s-", clientTag)
	n := copy(id[:], prefix)
	if _, err := rand.Read(id[n:]); err != nil {
		return PeerID{}, fmt.Errorf("generate peer id: %w", err)
	}
	return id, nil
}

// ParsePeerID parses a 20-byte peer id from raw bytes.
func ParsePeerID(b []byte) (PeerID, error) {
	var id PeerID
	if len(b) != PeerIDLen {
		return id, fmt.Errorf("invalid peer id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id PeerID) String() string { return hex.EncodeToString(id[:]) }

// Transport distinguishes the socket kind a Peer was reached over.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUTP Transport = "utp"
)

// PeerSource records how a peer address was discovered.
type PeerSource string

const (
	PeerSourceTracker   PeerSource = "tracker"
	PeerSourceDHT       PeerSource = "dht"
	PeerSourcePEX       PeerSource = "pex"
	PeerSourceLSD       PeerSource = "lsd"
	PeerSourceIncoming  PeerSource = "incoming"
	PeerSourceManual    PeerSource = "manual"
	PeerSourceHolepunch PeerSource = "holepunch"
)

// PeerAddr is the dedupe key for a discovered/connected peer: per the
// design notes, equality is (ip, port, transport), not ip alone.
type PeerAddr struct {
	IP        string
	Port      uint16
	Transport Transport
}

func (a PeerAddr) String() string {
	return fmt.Sprintf("%s:%d/%s", a.IP, a.Port, a.Transport)
}
