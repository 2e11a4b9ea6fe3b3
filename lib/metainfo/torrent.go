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

// Package metainfo decodes .torrent byte streams and magnet URIs into an
// immutable TorrentModel, classifying v1/v2/hybrid torrents per BEP 52
// and computing info hashes over the exact bytes of the info dictionary.
package metainfo

import "github.com/atlet99/dtorrent-task-v2-sub001/core"

// Version classifies which hashing/verification scheme a torrent uses.
type Version int

const (
	VersionV1 Version = iota
	VersionV2
	VersionHybrid
)

func (v Version) String() string {
	switch v {
	case VersionV1:
		return "v1"
	case VersionV2:
		return "v2"
	case VersionHybrid:
		return "hybrid"
	default:
		return "unknown"
	}
}

// FileEntry is one file of a (possibly single-file) torrent, in the
// order the engine uses for byte-offset mapping across the concatenated
// piece stream.
type FileEntry struct {
	// Path is the file's path segments, joined with "/" by FileManager.
	Path []string
	// Length is the file size in bytes.
	Length int64
	// ByteOffset is this file's starting offset in the concatenated
	// piece stream.
	ByteOffset int64
	// PiecesRoot is the v2 per-file Merkle root; zero for v1-only files.
	PiecesRoot [32]byte
}

// JoinedPath returns Path joined with "/", the form used for on-disk
// paths and logging.
func (f FileEntry) JoinedPath() string {
	out := ""
	for i, seg := range f.Path {
		if i > 0 {
			out += "/"
		}
		out += seg
	}
	return out
}

// TorrentModel is the immutable, parsed representation of a torrent. It
// never changes after Parse returns it.
type TorrentModel struct {
	Name        string
	PieceLength int64
	Files       []FileEntry
	TotalLength int64

	Version     Version
	MetaVersion int

	// PieceHashesV1 holds one 20-byte SHA-1 digest per piece for v1 and
	// hybrid torrents; nil for pure v2.
	PieceHashesV1 [][20]byte

	// PieceLayers maps a per-file Merkle root to its ordered SHA-256
	// piece-layer hashes, present for v2 and hybrid torrents.
	PieceLayers map[[32]byte][][32]byte

	InfoHashV1 core.InfoHash
	InfoHashV2 core.InfoHash

	// Announces holds ordered announce tiers per BEP 12. The classic
	// single-tracker "announce" value is used, as the only tier, only
	// when the torrent has no announce-list.
	Announces [][]string
	Nodes     []string
	IsPrivate bool
	Webseeds  []string
}

// NumPieces returns the piece count implied by TotalLength/PieceLength.
func (t *TorrentModel) NumPieces() int {
	if t.PieceLength <= 0 {
		return 0
	}
	n := t.TotalLength / t.PieceLength
	if t.TotalLength%t.PieceLength != 0 {
		n++
	}
	return int(n)
}

// PieceSize returns the length of piece i, which is PieceLength except
// possibly for the final, shorter piece.
func (t *TorrentModel) PieceSize(i int) int64 {
	if i < t.NumPieces()-1 {
		return t.PieceLength
	}
	last := t.TotalLength - int64(t.NumPieces()-1)*t.PieceLength
	if last <= 0 {
		return t.PieceLength
	}
	return last
}

// TruncatedInfoHashV2 returns the first 20 bytes of InfoHashV2, the form
// WireInfoHash falls back to for trackers and the wire handshake when the
// torrent has no v1 info-hash.
func (t *TorrentModel) TruncatedInfoHashV2() [20]byte {
	return t.InfoHashV2.Truncated()
}

// WireInfoHash returns the 20-byte hash this torrent presents in the BEP
// 3 handshake: the v1 hash if one exists (v1 and hybrid torrents), else
// the truncated v2 hash.
func (t *TorrentModel) WireInfoHash() [20]byte {
	if !t.InfoHashV1.IsZero() {
		return t.InfoHashV1.Truncated()
	}
	return t.TruncatedInfoHashV2()
}
