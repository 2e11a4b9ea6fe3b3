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

// Package filestore maps the concatenated piece stream of a torrent onto
// individual files on disk: lazy-opened, pre-allocated on first write,
// with per-file priority and two resume-validation modes.
package filestore

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spaolacci/murmur3"
	"go.uber.org/multierr"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/merkle"
	"github.com/atlet99/dtorrent-task-v2-sub001/lib/metainfo"
)

// Priority controls how a file's pieces are scheduled. PrioritySkip
// removes the file's exclusive piece ranges from the selector's
// candidate set entirely; it never creates the file on disk.
type Priority int

const (
	PrioritySkip Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
)

// ValidateMode selects how thoroughly Validate checks existing data.
type ValidateMode int

const (
	// ValidateQuick checks only that each non-skip file exists with the
	// expected size; pieces backed entirely by correctly-sized files are
	// assumed complete without re-hashing.
	ValidateQuick ValidateMode = iota
	// ValidateFull re-reads and re-hashes every piece against its
	// expected digest.
	ValidateFull
)

type trackedFile struct {
	path     string
	offset   int64
	length   int64
	priority Priority

	mu     sync.Mutex
	handle *os.File
}

// Manager owns the on-disk files of one torrent's save directory.
type Manager struct {
	saveDir     string
	pieceLength int64
	totalLength int64

	mu    sync.RWMutex
	files []*trackedFile
}

// New lays out a Manager for entries (ordered, contiguous per
// TorrentModel.Files) under saveDir. No file is created yet; files open
// lazily on first Write or Read.
func New(saveDir string, entries []metainfo.FileEntry, pieceLength int64) (*Manager, error) {
	if pieceLength <= 0 {
		return nil, core.NewConfigError("piece_length", fmt.Errorf("must be positive"))
	}
	files := make([]*trackedFile, len(entries))
	var total int64
	for i, e := range entries {
		files[i] = &trackedFile{
			path:     filepath.Join(saveDir, filepath.FromSlash(e.JoinedPath())),
			offset:   e.ByteOffset,
			length:   e.Length,
			priority: PriorityNormal,
		}
		total += e.Length
	}
	return &Manager{saveDir: saveDir, pieceLength: pieceLength, totalLength: total, files: files}, nil
}

// SetPriority changes the scheduling priority of file index i.
func (m *Manager) SetPriority(i int, p Priority) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.files) {
		return core.NewIOError("set_priority", "", fmt.Errorf("file index %d out of range", i))
	}
	m.files[i].mu.Lock()
	m.files[i].priority = p
	m.files[i].mu.Unlock()
	return nil
}

// Priority returns the current scheduling priority of file index i.
func (m *Manager) Priority(i int) Priority {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.files[i].mu.Lock()
	defer m.files[i].mu.Unlock()
	return m.files[i].priority
}

// filesOverlapping returns the files whose [offset, offset+length) range
// intersects [start, end).
func (m *Manager) filesOverlapping(start, end int64) []*trackedFile {
	var out []*trackedFile
	for _, f := range m.files {
		fEnd := f.offset + f.length
		if f.offset < end && fEnd > start {
			out = append(out, f)
		}
	}
	return out
}

// PieceSkippable reports whether every file touching piece index's byte
// range is at PrioritySkip, meaning the piece is elided from the
// selector's candidate set entirely.
func (m *Manager) PieceSkippable(index int) bool {
	start := int64(index) * m.pieceLength
	end := start + m.pieceLength
	if end > m.totalLength {
		end = m.totalLength
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.filesOverlapping(start, end) {
		f.mu.Lock()
		skip := f.priority == PrioritySkip
		f.mu.Unlock()
		if !skip {
			return false
		}
	}
	return true
}

func (f *trackedFile) ensureOpen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handle != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return err
	}
	h, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	if err := h.Truncate(f.length); err != nil {
		h.Close()
		return err
	}
	f.handle = h
	return nil
}

// Write splits data (beginning at the concatenated-stream offset) across
// whatever files it spans, opening and pre-allocating each lazily. Bytes
// that fall entirely within a PrioritySkip file's range are dropped
// without creating the file.
func (m *Manager) Write(offset int64, data []byte) error {
	m.mu.RLock()
	targets := m.filesOverlapping(offset, offset+int64(len(data)))
	m.mu.RUnlock()

	for _, f := range targets {
		f.mu.Lock()
		skip := f.priority == PrioritySkip
		f.mu.Unlock()
		if skip {
			continue
		}

		lo := f.offset
		if lo < offset {
			lo = offset
		}
		hi := f.offset + f.length
		if hi > offset+int64(len(data)) {
			hi = offset + int64(len(data))
		}
		if lo >= hi {
			continue
		}

		if err := f.ensureOpen(); err != nil {
			return core.NewIOError("open", f.path, err)
		}
		f.mu.Lock()
		_, err := f.handle.WriteAt(data[lo-offset:hi-offset], lo-f.offset)
		f.mu.Unlock()
		if err != nil {
			return core.NewIOError("write", f.path, err)
		}
	}
	return nil
}

// Read returns length bytes starting at the concatenated-stream offset,
// spanning files as needed. Skip-priority files read back as zero bytes
// (they are never created).
func (m *Manager) Read(offset, length int64) ([]byte, error) {
	out := make([]byte, length)

	m.mu.RLock()
	targets := m.filesOverlapping(offset, offset+length)
	m.mu.RUnlock()

	for _, f := range targets {
		f.mu.Lock()
		skip := f.priority == PrioritySkip
		f.mu.Unlock()
		if skip {
			continue
		}

		lo := f.offset
		if lo < offset {
			lo = offset
		}
		hi := f.offset + f.length
		if hi > offset+length {
			hi = offset + length
		}
		if lo >= hi {
			continue
		}

		if err := f.ensureOpen(); err != nil {
			return nil, core.NewIOError("open", f.path, err)
		}
		f.mu.Lock()
		_, err := f.handle.ReadAt(out[lo-offset:hi-offset], lo-f.offset)
		f.mu.Unlock()
		if err != nil {
			return nil, core.NewIOError("read", f.path, err)
		}
	}
	return out, nil
}

// FingerprintNonSkipFiles returns a quick, non-cryptographic murmur3
// fingerprint per non-skip file over (path, length, mtime), usable to
// detect on-disk changes between runs without re-hashing piece content.
func (m *Manager) FingerprintNonSkipFiles() (map[string]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(m.files))
	for _, f := range m.files {
		f.mu.Lock()
		skip := f.priority == PrioritySkip
		path := f.path
		f.mu.Unlock()
		if skip {
			continue
		}
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			out[path] = 0
			continue
		}
		if err != nil {
			return nil, core.NewIOError("stat", path, err)
		}
		key := fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())
		out[path] = murmur3.Sum64([]byte(key))
	}
	return out, nil
}

// Validate checks existing on-disk data against expected per-piece
// hashes (v1 SHA-1, or v2/hybrid Merkle piece-layer digests — pass nil
// for whichever scheme the torrent doesn't use) and returns a Bitfield
// marking the pieces considered present.
func (m *Manager) Validate(numPieces int, v1Hashes [][20]byte, v2Hashes [][32]byte, mode ValidateMode) (*core.Bitfield, error) {
	bf := core.NewBitfield(uint(numPieces))

	if mode == ValidateQuick {
		ok, err := m.filesLookComplete()
		if err != nil {
			return nil, err
		}
		if !ok {
			return bf, nil
		}
		for i := 0; i < numPieces; i++ {
			if !m.PieceSkippable(i) {
				bf.Set(uint(i), true)
			}
		}
		return bf, nil
	}

	for i := 0; i < numPieces; i++ {
		if m.PieceSkippable(i) {
			continue
		}
		start := int64(i) * m.pieceLength
		length := m.pieceLength
		if start+length > m.totalLength {
			length = m.totalLength - start
		}
		data, err := m.Read(start, length)
		if err != nil {
			return nil, err
		}

		var matched bool
		switch {
		case v2Hashes != nil && i < len(v2Hashes):
			matched = merkle.VerifyPiece(data, v2Hashes[i])
		case v1Hashes != nil && i < len(v1Hashes):
			matched = sha1.Sum(data) == v1Hashes[i]
		}
		if matched {
			bf.Set(uint(i), true)
		}
	}
	return bf, nil
}

// filesLookComplete reports whether every non-skip file exists with
// exactly its expected size.
func (m *Manager) filesLookComplete() (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, f := range m.files {
		f.mu.Lock()
		skip := f.priority == PrioritySkip
		path, want := f.path, f.length
		f.mu.Unlock()
		if skip {
			continue
		}
		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, core.NewIOError("stat", path, err)
		}
		if info.Size() != want {
			return false, nil
		}
	}
	return true, nil
}

// Close releases every opened file handle, aggregating independent
// per-file close errors rather than stopping at the first one.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs error
	for _, f := range m.files {
		f.mu.Lock()
		if f.handle != nil {
			if err := f.handle.Close(); err != nil {
				errs = multierr.Append(errs, err)
			}
			f.handle = nil
		}
		f.mu.Unlock()
	}
	return errs
}
