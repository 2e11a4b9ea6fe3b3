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
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"sort"

	bencode "github.com/jackpal/bencode-go"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
)

// Parse decodes raw .torrent bytes into a TorrentModel, classifying it as
// v1, v2 or hybrid and computing whichever info hashes apply. Info hashes
// are always computed over the exact bytes of the info dictionary as it
// appears in raw — the dictionary is located by scanning, never by
// re-encoding a decoded structure, since a non-canonical encoder would
// change the hash.
func Parse(raw []byte) (*TorrentModel, error) {
	var top map[string]interface{}
	if err := bencode.Unmarshal(bytes.NewReader(raw), &top); err != nil {
		return nil, core.NewMalformedTorrentError("top-level decode failed", err)
	}

	infoStart, infoEnd, err := findTopLevelDictValueRange(raw, "info")
	if err != nil {
		return nil, core.NewMalformedTorrentError("locating info dict", err)
	}
	infoRaw := raw[infoStart:infoEnd]

	infoVal, ok := top["info"]
	if !ok {
		return nil, core.NewMalformedTorrentError("missing info dict", nil)
	}
	info, ok := infoVal.(map[string]interface{})
	if !ok {
		return nil, core.NewMalformedTorrentError("info is not a dictionary", nil)
	}

	name, ok := stringField(info, "name")
	if !ok || name == "" {
		return nil, core.NewMalformedTorrentError("missing or invalid name", nil)
	}

	pieceLength, ok := intField(info, "piece length")
	if !ok || pieceLength <= 0 {
		return nil, core.NewMalformedTorrentError("piece length must be > 0", nil)
	}

	metaVersion, _ := intField(info, "meta version")
	_, hasFileTree := info["file tree"]
	_, hasV1Pieces := info["pieces"]
	_, hasPieceLayers := top["piece layers"]

	var version Version
	switch {
	case metaVersion == 2 && hasFileTree && hasPieceLayers && hasV1Pieces:
		version = VersionHybrid
	case metaVersion == 2 && hasFileTree:
		version = VersionV2
	default:
		version = VersionV1
	}

	model := &TorrentModel{
		Name:        name,
		PieceLength: pieceLength,
		Version:     version,
		MetaVersion: int(metaVersion),
		IsPrivate:   intFieldOr(info, "private", 0) == 1,
	}

	if version == VersionV1 {
		files, total, err := parseV1Files(info, name)
		if err != nil {
			return nil, err
		}
		model.Files = files
		model.TotalLength = total

		hashes, err := parseV1Pieces(info, len(files) > 0, total, pieceLength)
		if err != nil {
			return nil, err
		}
		model.PieceHashesV1 = hashes
	} else {
		files, err := parseV2FileTree(info)
		if err != nil {
			return nil, err
		}
		layers, err := parsePieceLayers(top)
		if err != nil {
			return nil, err
		}
		model.Files = files
		model.PieceLayers = layers
		for _, f := range files {
			model.TotalLength += f.Length
		}

		if version == VersionHybrid {
			hashes, err := parseV1Pieces(info, len(files) > 1, model.TotalLength, pieceLength)
			if err != nil {
				return nil, err
			}
			model.PieceHashesV1 = hashes
		}
	}

	if version == VersionV1 {
		sum := sha1.Sum(infoRaw)
		model.InfoHashV1 = core.NewInfoHashV1(sum)
	} else {
		sum := sha256.Sum256(infoRaw)
		model.InfoHashV2 = core.NewInfoHashV2(sum)
		if version == VersionHybrid {
			model.InfoHashV1 = core.NewInfoHashV1(sha1.Sum(infoRaw))
		}
	}

	model.Announces = parseAnnounces(top)
	model.Nodes = stringListField(top, "nodes")
	model.Webseeds = stringListField(top, "url-list")

	return model, nil
}

func parseV1Files(info map[string]interface{}, name string) ([]FileEntry, int64, error) {
	if filesVal, ok := info["files"]; ok {
		list, ok := filesVal.([]interface{})
		if !ok {
			return nil, 0, core.NewMalformedTorrentError("files is not a list", nil)
		}
		var files []FileEntry
		var offset int64
		for _, fv := range list {
			fm, ok := fv.(map[string]interface{})
			if !ok {
				return nil, 0, core.NewMalformedTorrentError("file entry is not a dictionary", nil)
			}
			length, ok := intField(fm, "length")
			if !ok || length < 0 {
				return nil, 0, core.NewMalformedTorrentError("file entry missing valid length", nil)
			}
			pathList, ok := fm["path"].([]interface{})
			if !ok || len(pathList) == 0 {
				return nil, 0, core.NewMalformedTorrentError("file entry missing path", nil)
			}
			var path []string
			for _, seg := range pathList {
				s, ok := seg.(string)
				if !ok {
					return nil, 0, core.NewMalformedTorrentError("file path segment is not a string", nil)
				}
				path = append(path, s)
			}
			files = append(files, FileEntry{Path: path, Length: length, ByteOffset: offset})
			offset += length
		}
		return files, offset, nil
	}

	length, ok := intField(info, "length")
	if !ok || length < 0 {
		return nil, 0, core.NewMalformedTorrentError("neither length nor files present", nil)
	}
	return []FileEntry{{Path: []string{name}, Length: length, ByteOffset: 0}}, length, nil
}

func parseV1Pieces(info map[string]interface{}, required bool, total, pieceLength int64) ([][20]byte, error) {
	piecesVal, ok := info["pieces"]
	if !ok {
		if required {
			return nil, core.NewMalformedTorrentError("missing pieces string", nil)
		}
		return nil, nil
	}
	piecesStr, ok := piecesVal.(string)
	if !ok || len(piecesStr)%20 != 0 {
		return nil, core.NewMalformedTorrentError("malformed pieces string", nil)
	}
	n := len(piecesStr) / 20
	expected := int((total + pieceLength - 1) / pieceLength)
	if total > 0 && n != expected {
		return nil, core.NewMalformedTorrentError(
			fmt.Sprintf("pieces string has %d entries, expected %d", n, expected), nil)
	}
	out := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], piecesStr[i*20:(i+1)*20])
	}
	return out, nil
}

// parseV2FileTree walks the BEP 52 "file tree" depth-first, joining path
// segments with "/" and producing the ordered files list FileManager uses
// for byte-offset mapping.
func parseV2FileTree(info map[string]interface{}) ([]FileEntry, error) {
	treeVal, ok := info["file tree"]
	if !ok {
		return nil, core.NewMalformedTorrentError("missing file tree", nil)
	}
	tree, ok := treeVal.(map[string]interface{})
	if !ok {
		return nil, core.NewMalformedTorrentError("file tree is not a dictionary", nil)
	}

	var files []FileEntry
	var offset int64
	var walk func(node map[string]interface{}, path []string) error
	walk = func(node map[string]interface{}, path []string) error {
		// Sort keys for deterministic traversal order.
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child, ok := node[k].(map[string]interface{})
			if !ok {
				return core.NewMalformedTorrentError("file tree node is not a dictionary", nil)
			}
			if leaf, isLeaf := child[""]; isLeaf {
				leafMap, ok := leaf.(map[string]interface{})
				if !ok {
					return core.NewMalformedTorrentError("file tree leaf is not a dictionary", nil)
				}
				length, ok := intField(leafMap, "length")
				if !ok || length < 0 {
					return core.NewMalformedTorrentError("file tree leaf missing length", nil)
				}
				var root [32]byte
				if rv, ok := leafMap["pieces root"].(string); ok && len(rv) == 32 {
					copy(root[:], rv)
				}
				full := append(append([]string{}, path...), k)
				files = append(files, FileEntry{
					Path:       full,
					Length:     length,
					ByteOffset: offset,
					PiecesRoot: root,
				})
				offset += length
				continue
			}
			if err := walk(child, append(append([]string{}, path...), k)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(tree, nil); err != nil {
		return nil, err
	}

	return files, nil
}

// parsePieceLayers decodes the top-level BEP 52 "piece layers" dictionary:
// keys are raw 32-byte per-file Merkle roots, values are the
// concatenation of that file's per-piece SHA-256 hashes.
func parsePieceLayers(top map[string]interface{}) (map[[32]byte][][32]byte, error) {
	out := map[[32]byte][][32]byte{}
	raw, ok := top["piece layers"]
	if !ok {
		return out, nil
	}
	m, ok := raw.(map[string]interface{})
	if !ok {
		return nil, core.NewMalformedTorrentError("piece layers is not a dictionary", nil)
	}
	for rootStr, v := range m {
		if len(rootStr) != 32 {
			return nil, core.NewMalformedTorrentError("piece layers key is not a 32-byte root", nil)
		}
		var root [32]byte
		copy(root[:], rootStr)

		hashes, ok := v.(string)
		if !ok || len(hashes)%32 != 0 {
			return nil, core.NewMalformedTorrentError("piece layers value is not a multiple of 32 bytes", nil)
		}
		n := len(hashes) / 32
		layer := make([][32]byte, n)
		for i := 0; i < n; i++ {
			copy(layer[i][:], hashes[i*32:(i+1)*32])
		}
		out[root] = layer
	}
	return out, nil
}

func parseAnnounces(top map[string]interface{}) [][]string {
	var tiers [][]string
	if list, ok := top["announce-list"].([]interface{}); ok {
		for _, tierVal := range list {
			tierList, ok := tierVal.([]interface{})
			if !ok {
				continue
			}
			var tier []string
			for _, u := range tierList {
				if s, ok := u.(string); ok {
					tier = append(tier, s)
				}
			}
			if len(tier) > 0 {
				tiers = append(tiers, tier)
			}
		}
	}
	if len(tiers) == 0 {
		if a, ok := top["announce"].(string); ok && a != "" {
			tiers = append(tiers, []string{a})
		}
	}
	return tiers
}

func stringListField(m map[string]interface{}, key string) []string {
	var out []string
	if v, ok := m[key].([]interface{}); ok {
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	} else if s, ok := m[key].(string); ok && s != "" {
		out = append(out, s)
	}
	return out
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

func intField(m map[string]interface{}, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(int64)
	return n, ok
}

func intFieldOr(m map[string]interface{}, key string, def int64) int64 {
	if n, ok := intField(m, key); ok {
		return n
	}
	return def
}
