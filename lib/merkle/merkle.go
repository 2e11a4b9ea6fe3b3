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

// Package merkle implements the BEP 52 SHA-256 Merkle tree operations
// used to build a v2 torrent's per-file root and to verify a piece
// against the root's piece layer.
package merkle

import (
	"crypto/sha256"
	"fmt"
)

// BlockSize is the fixed v2 leaf size (16 KiB).
const BlockSize = 16 * 1024

var zeroBlockHash = sha256.Sum256(make([]byte, BlockSize))

// leaves splits data into BlockSize chunks, zero-padding the final
// partial chunk, and hashes each with SHA-256.
func leaves(data []byte) [][32]byte {
	n := (len(data) + BlockSize - 1) / BlockSize
	if n == 0 {
		n = 1
	}
	out := make([][32]byte, n)
	for i := 0; i < n; i++ {
		start := i * BlockSize
		end := start + BlockSize
		if end > len(data) {
			end = len(data)
		}
		if end-start == BlockSize {
			out[i] = sha256.Sum256(data[start:end])
		} else {
			buf := make([]byte, BlockSize)
			copy(buf, data[start:end])
			out[i] = sha256.Sum256(buf)
		}
	}
	return out
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

// padToPow2 pads leaves to the next power of two using the canonical
// all-zero-block hash, per BEP 52.
func padToPow2(ls [][32]byte) [][32]byte {
	target := nextPow2(len(ls))
	if target == len(ls) {
		return ls
	}
	out := make([][32]byte, target)
	copy(out, ls)
	for i := len(ls); i < target; i++ {
		out[i] = zeroBlockHash
	}
	return out
}

// layerUp combines a layer of hashes pairwise into its parent layer.
func layerUp(layer [][32]byte) [][32]byte {
	out := make([][32]byte, len(layer)/2)
	for i := range out {
		l, r := layer[2*i], layer[2*i+1]
		var buf [64]byte
		copy(buf[:32], l[:])
		copy(buf[32:], r[:])
		out[i] = sha256.Sum256(buf[:])
	}
	return out
}

// Root computes the BEP 52 Merkle root of data, treating it as a
// sequence of BlockSize leaves padded to a power of two with the
// canonical zero-block hash.
func Root(data []byte) [32]byte {
	layer := padToPow2(leaves(data))
	for len(layer) > 1 {
		layer = layerUp(layer)
	}
	if len(layer) == 0 {
		return sha256.Sum256(nil)
	}
	return layer[0]
}

// PieceLayer computes, for a file's bytes and a given piece length (a
// multiple of BlockSize), the ordered hash assigned to each piece: when
// pieceLength equals BlockSize this is simply the per-block leaf hash
// (the case the testable invariant SHA256(piece_bytes) == piece_layers[r][i]
// covers directly); for larger piece lengths it is the Merkle subtree
// root over that piece's own blocks, which is the general BEP 52 rule a
// single flat hash can't express once a piece spans more than one block.
func PieceLayer(data []byte, pieceLength int64) ([][32]byte, error) {
	if pieceLength <= 0 || pieceLength%BlockSize != 0 {
		return nil, fmt.Errorf("merkle: piece length %d is not a positive multiple of %d", pieceLength, BlockSize)
	}
	blocksPerPiece := int(pieceLength / BlockSize)

	ls := leaves(data)
	numPieces := (len(ls) + blocksPerPiece - 1) / blocksPerPiece

	out := make([][32]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		start := i * blocksPerPiece
		end := start + blocksPerPiece
		if end > len(ls) {
			end = len(ls)
		}
		sub := padToPow2(append([][32]byte{}, ls[start:end]...))
		for len(sub) > 1 {
			sub = layerUp(sub)
		}
		out[i] = sub[0]
	}
	return out, nil
}

// VerifyPiece reports whether pieceBytes hashes (by the same PieceLayer
// rule) to expected.
func VerifyPiece(pieceBytes []byte, expected [32]byte) bool {
	ls := padToPow2(leaves(pieceBytes))
	for len(ls) > 1 {
		ls = layerUp(ls)
	}
	return ls[0] == expected
}
