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

// Package statefile persists and restores per-torrent resume data:
// downloaded/uploaded totals, the completed-pieces bitfield, and
// per-file priorities. Rewrites are atomic (temp file, fsync, rename).
package statefile

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"time"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
)

var magic = [4]byte{'D', 'T', 'S', 'F'}

const currentVersion uint16 = 2

const (
	flagGzip   uint8 = 1 << 0
	flagSparse uint8 = 1 << 1
)

// FilePriority pairs a file index with its stored scheduling priority.
type FilePriority struct {
	FileIndex int
	Priority  uint8
}

// State is the full contents of one torrent's resume file.
type State struct {
	Downloaded      uint64
	Uploaded        uint64
	LastModified    time.Time
	InfoHash        []byte
	Bitfield        *core.Bitfield
	FilePriorities  []FilePriority
	Gzip            bool
	Sparse          bool
}

// DefaultPath returns "<saveDir>/.<infoHashHex>.resume", resolving a
// leading "~" in saveDir against the user's home directory.
func DefaultPath(saveDir, infoHashHex string) (string, error) {
	expanded, err := homedir.Expand(saveDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(expanded, fmt.Sprintf(".%s.resume", infoHashHex)), nil
}

// Store guards one resume file against concurrent rewrites.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open returns a Store bound to path. The file itself need not exist yet.
func Open(path string) *Store {
	return &Store{path: path}
}

// Save atomically rewrites the resume file: encode to a temp file in the
// same directory, fsync, then rename over the original.
func (s *Store) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(st)
}

// Load reads the resume file, migrating a v1 (magic-absent) file to v2
// in place and preserving the original as a ".bak" sibling. A header
// CRC failure is not fatal: it returns (nil, false, nil) so the caller
// falls back to a fresh/empty state.
func (s *Store) Load() (*State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := ioutil.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, core.NewIOError("read", s.path, err)
	}

	if len(raw) < 4 || !bytes.Equal(raw[:4], magic[:]) {
		st, ok := decodeV1(raw)
		if !ok {
			return nil, false, nil
		}
		backup := s.path + ".bak"
		_ = ioutil.WriteFile(backup, raw, 0644)
		if err := s.saveLocked(st); err != nil {
			return nil, false, err
		}
		return st, true, nil
	}

	st, ok, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	return st, ok, nil
}

// saveLocked is Save's body without re-acquiring the mutex, used during
// v1->v2 migration where Load already holds it.
func (s *Store) saveLocked(st *State) error {
	payload, err := encode(st)
	if err != nil {
		return core.NewIOError("encode", s.path, err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := ioutil.TempFile(dir, ".resume-*.tmp")
	if err != nil {
		return core.NewIOError("create_temp", s.path, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return core.NewIOError("write", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return core.NewIOError("fsync", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return core.NewIOError("close", tmpPath, err)
	}
	return os.Rename(tmpPath, s.path)
}

func encode(st *State) ([]byte, error) {
	bfPayload := st.Bitfield.WireBytes()
	if st.Gzip {
		var buf bytes.Buffer
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(bfPayload); err != nil {
			return nil, err
		}
		if err := gw.Close(); err != nil {
			return nil, err
		}
		bfPayload = buf.Bytes()
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	binary.Write(&buf, binary.LittleEndian, currentVersion)

	var flags uint8
	if st.Gzip {
		flags |= flagGzip
	}
	if st.Sparse {
		flags |= flagSparse
	}
	buf.WriteByte(flags)

	binary.Write(&buf, binary.LittleEndian, st.Downloaded)
	binary.Write(&buf, binary.LittleEndian, st.Uploaded)
	binary.Write(&buf, binary.LittleEndian, uint64(st.LastModified.Unix()))

	binary.Write(&buf, binary.LittleEndian, uint32(len(st.InfoHash)))
	buf.Write(st.InfoHash)

	binary.Write(&buf, binary.LittleEndian, crc32.ChecksumIEEE(bfPayload))
	binary.Write(&buf, binary.LittleEndian, uint32(len(bfPayload)))
	buf.Write(bfPayload)

	binary.Write(&buf, binary.LittleEndian, uint16(len(st.FilePriorities)))
	for _, fp := range st.FilePriorities {
		binary.Write(&buf, binary.LittleEndian, uint32(fp.FileIndex))
		buf.WriteByte(fp.Priority)
	}

	headerCRC := crc32.ChecksumIEEE(buf.Bytes())
	binary.Write(&buf, binary.LittleEndian, headerCRC)

	return buf.Bytes(), nil
}

// decode parses a v2 payload. ok is false (with a nil error) exactly
// when the trailing header CRC does not match, signaling recoverable
// corruption rather than a hard failure.
func decode(raw []byte) (*State, bool, error) {
	if len(raw) < 4 {
		return nil, false, nil
	}
	body, wantCRC := raw[:len(raw)-4], raw[len(raw)-4:]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(wantCRC) {
		return nil, false, nil
	}

	r := bytes.NewReader(raw[4:]) // skip magic
	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, false, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, false, err
	}

	st := &State{Gzip: flags&flagGzip != 0, Sparse: flags&flagSparse != 0}

	if err := binary.Read(r, binary.LittleEndian, &st.Downloaded); err != nil {
		return nil, false, err
	}
	if err := binary.Read(r, binary.LittleEndian, &st.Uploaded); err != nil {
		return nil, false, err
	}
	var lastMod uint64
	if err := binary.Read(r, binary.LittleEndian, &lastMod); err != nil {
		return nil, false, err
	}
	st.LastModified = time.Unix(int64(lastMod), 0).UTC()

	var hashLen uint32
	if err := binary.Read(r, binary.LittleEndian, &hashLen); err != nil {
		return nil, false, err
	}
	st.InfoHash = make([]byte, hashLen)
	if _, err := io.ReadFull(r, st.InfoHash); err != nil {
		return nil, false, err
	}

	var bfCRC, bfLen uint32
	if err := binary.Read(r, binary.LittleEndian, &bfCRC); err != nil {
		return nil, false, err
	}
	if err := binary.Read(r, binary.LittleEndian, &bfLen); err != nil {
		return nil, false, err
	}
	bfPayload := make([]byte, bfLen)
	if _, err := io.ReadFull(r, bfPayload); err != nil {
		return nil, false, err
	}
	if crc32.ChecksumIEEE(bfPayload) != bfCRC {
		return nil, false, nil
	}
	if st.Gzip {
		gr, err := gzip.NewReader(bytes.NewReader(bfPayload))
		if err != nil {
			return nil, false, err
		}
		bfPayload, err = ioutil.ReadAll(gr)
		if err != nil {
			return nil, false, err
		}
	}

	var nPriorities uint16
	if err := binary.Read(r, binary.LittleEndian, &nPriorities); err != nil {
		return nil, false, err
	}
	st.FilePriorities = make([]FilePriority, nPriorities)
	for i := range st.FilePriorities {
		var idx uint32
		if err := binary.Read(r, binary.LittleEndian, &idx); err != nil {
			return nil, false, err
		}
		pr, err := r.ReadByte()
		if err != nil {
			return nil, false, err
		}
		st.FilePriorities[i] = FilePriority{FileIndex: int(idx), Priority: pr}
	}

	numPieces := uint(len(bfPayload) * 8)
	bf, err := core.NewBitfieldFromWireBytes(bfPayload, numPieces)
	if err != nil {
		return nil, false, err
	}
	st.Bitfield = bf

	return st, true, nil
}

// decodeV1 best-effort parses the predecessor format: a bare
// CRC32(payload) u32 followed by the raw bitfield bytes, with no
// version/flags/totals. Anything it can't make sense of is treated as
// absent (ok=false) rather than an error, per the migration contract.
func decodeV1(raw []byte) (*State, bool) {
	if len(raw) < 4 {
		return nil, false
	}
	wantCRC := binary.LittleEndian.Uint32(raw[:4])
	payload := raw[4:]
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return nil, false
	}
	bf, err := core.NewBitfieldFromWireBytes(payload, uint(len(payload)*8))
	if err != nil {
		return nil, false
	}
	return &State{Bitfield: bf, LastModified: time.Now().UTC()}, true
}
