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
	"crypto/sha1"
	"encoding/binary"
	"net"
)

// AllowedFastCount is the canonical target set size (k) from BEP 6.
const AllowedFastCount = 10

// AllowedFastSet computes the BEP 6 canonical Allowed Fast set for a
// peer at ip, against info_hash_v1, over a torrent of numPieces pieces.
// Both ends of a connection derive the same set independently.
func AllowedFastSet(ip net.IP, infoHashV1 [20]byte, numPieces int) []int {
	if numPieces <= 0 {
		return nil
	}
	if numPieces <= AllowedFastCount {
		out := make([]int, numPieces)
		for i := range out {
			out[i] = i
		}
		return out
	}

	v4 := ip.To4()
	if v4 == nil {
		// BEP 6 is specified over IPv4; fall back to a zeroed prefix so
		// IPv6 peers still get a deterministic (if degenerate) set
		// rather than a panic.
		v4 = make(net.IP, 4)
	}
	masked := make([]byte, 4)
	copy(masked, v4)
	masked[3] = 0

	x := make([]byte, 0, 24)
	x = append(x, masked...)
	x = append(x, infoHashV1[:]...)

	seen := make(map[int]bool, AllowedFastCount)
	var out []int
	for len(out) < AllowedFastCount {
		digest := sha1.Sum(x)
		x = digest[:]
		for i := 0; i+4 <= len(digest) && len(out) < AllowedFastCount; i += 4 {
			v := binary.BigEndian.Uint32(digest[i : i+4])
			idx := int(v % uint32(numPieces))
			if !seen[idx] {
				seen[idx] = true
				out = append(out, idx)
			}
		}
	}
	return out
}
