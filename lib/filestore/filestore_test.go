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
package filestore

import (
	"crypto/sha1"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlet99/dtorrent-task-v2-sub001/lib/metainfo"
)

func twoFileEntries() []metainfo.FileEntry {
	return []metainfo.FileEntry{
		{Path: []string{"a.bin"}, Length: 10, ByteOffset: 0},
		{Path: []string{"sub", "b.bin"}, Length: 20, ByteOffset: 10},
	}
}

func TestManager_WriteReadSpansFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, twoFileEntries(), 15)
	require.NoError(t, err)
	defer m.Close()

	data := make([]byte, 30)
	for i := range data {
		data[i] = byte(i)
	}

	require.NoError(t, m.Write(0, data))

	got, err := m.Read(0, 30)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = os.Stat(dir + "/a.bin")
	assert.NoError(t, err)
	_, err = os.Stat(dir + "/sub/b.bin")
	assert.NoError(t, err)
}

func TestManager_SkipPriorityNeverCreatesFile(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, twoFileEntries(), 15)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.SetPriority(1, PrioritySkip))
	require.NoError(t, m.Write(0, make([]byte, 30)))

	_, err = os.Stat(dir + "/sub/b.bin")
	assert.True(t, os.IsNotExist(err))
}

func TestManager_PieceSkippableOnlyWhenAllTouchingFilesAreSkip(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, twoFileEntries(), 15)
	require.NoError(t, err)
	defer m.Close()

	// Piece 0 covers [0,15): both files. Only file 1 skipped -> not skippable.
	require.NoError(t, m.SetPriority(1, PrioritySkip))
	assert.False(t, m.PieceSkippable(0))

	require.NoError(t, m.SetPriority(0, PrioritySkip))
	assert.True(t, m.PieceSkippable(0))
	// Piece 1 covers [15,30): entirely file 1, now skipped.
	assert.True(t, m.PieceSkippable(1))
}

func TestManager_ValidateFullDetectsCorrectAndCorruptPieces(t *testing.T) {
	dir := t.TempDir()
	entries := []metainfo.FileEntry{{Path: []string{"f.bin"}, Length: 30, ByteOffset: 0}}
	m, err := New(dir, entries, 15)
	require.NoError(t, err)
	defer m.Close()

	data := make([]byte, 30)
	for i := range data {
		data[i] = byte(i * 3)
	}
	require.NoError(t, m.Write(0, data))

	hashes := [][20]byte{
		sha1.Sum(data[:15]),
		sha1.Sum(data[15:]),
	}
	bf, err := m.Validate(2, hashes, nil, ValidateFull)
	require.NoError(t, err)
	assert.True(t, bf.Get(0))
	assert.True(t, bf.Get(1))

	hashes[1][0] ^= 0xFF
	bf, err = m.Validate(2, hashes, nil, ValidateFull)
	require.NoError(t, err)
	assert.True(t, bf.Get(0))
	assert.False(t, bf.Get(1))
}

func TestManager_ValidateQuickRequiresExistingCorrectlySizedFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, twoFileEntries(), 15)
	require.NoError(t, err)
	defer m.Close()

	bf, err := m.Validate(2, nil, nil, ValidateQuick)
	require.NoError(t, err)
	assert.False(t, bf.Get(0), "no files on disk yet")

	require.NoError(t, m.Write(0, make([]byte, 30)))
	bf, err = m.Validate(2, nil, nil, ValidateQuick)
	require.NoError(t, err)
	assert.True(t, bf.Get(0))
	assert.True(t, bf.Get(1))
}

func TestManager_FingerprintSkipsSkippedFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, twoFileEntries(), 15)
	require.NoError(t, err)
	defer m.Close()
	require.NoError(t, m.SetPriority(1, PrioritySkip))
	require.NoError(t, m.Write(0, make([]byte, 30)))

	fp, err := m.FingerprintNonSkipFiles()
	require.NoError(t, err)
	assert.Len(t, fp, 1)
}
