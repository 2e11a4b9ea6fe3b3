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
	"encoding/base32"
	"encoding/hex"
	"fmt"

	digest "github.com/opencontainers/go-digest"
)

// InfoHashV1Len and InfoHashV2Len are the fixed digest lengths for v1
// (SHA-1) and v2 (SHA-256) info hashes.
const (
	InfoHashV1Len = 20
	InfoHashV2Len = 32
)

// InfoHash identifies a torrent. It holds exactly one of a v1 (20-byte
// SHA-1) or v2 (32-byte SHA-256) digest; never both and never neither.
type InfoHash struct {
	raw []byte
}

// NewInfoHashV1 builds an InfoHash from a 20-byte SHA-1 digest.
func NewInfoHashV1(b [InfoHashV1Len]byte) InfoHash {
	cp := make([]byte, InfoHashV1Len)
	copy(cp, b[:])
	return InfoHash{raw: cp}
}

// NewInfoHashV2 builds an InfoHash from a 32-byte SHA-256 digest.
func NewInfoHashV2(b [InfoHashV2Len]byte) InfoHash {
	cp := make([]byte, InfoHashV2Len)
	copy(cp, b[:])
	return InfoHash{raw: cp}
}

// ParseInfoHashHex decodes a hex-encoded info hash of either length.
func ParseInfoHashHex(s string) (InfoHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return InfoHash{}, fmt.Errorf("decode hex info hash: %w", err)
	}
	return infoHashFromBytes(b)
}

// ParseInfoHashBase32 decodes an RFC 4648 base32 info hash (the form used
// by magnet URIs whose xt parameter is not hex), to a 20-byte v1 hash.
func ParseInfoHashBase32(s string) (InfoHash, error) {
	b, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	if err != nil {
		return InfoHash{}, fmt.Errorf("decode base32 info hash: %w", err)
	}
	return infoHashFromBytes(b)
}

func infoHashFromBytes(b []byte) (InfoHash, error) {
	switch len(b) {
	case InfoHashV1Len, InfoHashV2Len:
		cp := make([]byte, len(b))
		copy(cp, b)
		return InfoHash{raw: cp}, nil
	default:
		return InfoHash{}, fmt.Errorf("invalid info hash length %d", len(b))
	}
}

// IsV2 reports whether h is a 32-byte SHA-256 info hash.
func (h InfoHash) IsV2() bool { return len(h.raw) == InfoHashV2Len }

// IsZero reports whether h holds no digest at all.
func (h InfoHash) IsZero() bool { return len(h.raw) == 0 }

// Bytes returns the raw digest bytes. Callers must not mutate the result.
func (h InfoHash) Bytes() []byte { return h.raw }

// Truncated returns the first 20 bytes of a v2 hash, the form sent on the
// wire handshake and to trackers that only understand 20-byte hashes. For
// a v1 hash it returns itself unchanged.
func (h InfoHash) Truncated() [20]byte {
	var out [20]byte
	copy(out[:], h.raw)
	return out
}

// String renders the digest the way the rest of the engine's log lines
// and state-file names expect: a canonical "algo:hex" digest string.
func (h InfoHash) String() string {
	if h.IsZero() {
		return "<empty>"
	}
	algo := digest.SHA256
	if !h.IsV2() {
		algo = digest.SHA1
	}
	return digest.NewDigestFromEncoded(algo, hex.EncodeToString(h.raw)).String()
}

// Hex returns the bare lower-case hex digest, the form used in tracker
// announce URLs and state-file path names.
func (h InfoHash) Hex() string { return hex.EncodeToString(h.raw) }

// Equal reports whether two info hashes hold the same digest bytes.
func (h InfoHash) Equal(other InfoHash) bool {
	if len(h.raw) != len(other.raw) {
		return false
	}
	for i := range h.raw {
		if h.raw[i] != other.raw[i] {
			return false
		}
	}
	return true
}
