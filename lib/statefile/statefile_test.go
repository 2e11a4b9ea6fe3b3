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
package statefile

import (
	"hash/crc32"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
)

func sampleBitfield() *core.Bitfield {
	bf := core.NewBitfield(10)
	bf.Set(1, true)
	bf.Set(3, true)
	bf.Set(9, true)
	return bf
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".abc123.resume")
	store := Open(path)

	want := &State{
		Downloaded:     1024,
		Uploaded:       512,
		LastModified:   time.Unix(1700000000, 0).UTC(),
		InfoHash:       []byte{1, 2, 3, 4},
		Bitfield:       sampleBitfield(),
		FilePriorities: []FilePriority{{FileIndex: 0, Priority: 2}, {FileIndex: 1, Priority: 0}},
	}
	require.NoError(t, store.Save(want))

	got, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, want.Downloaded, got.Downloaded)
	assert.Equal(t, want.Uploaded, got.Uploaded)
	assert.Equal(t, want.InfoHash, got.InfoHash)
	assert.Equal(t, want.FilePriorities, got.FilePriorities)
	assert.True(t, got.Bitfield.Get(1))
	assert.True(t, got.Bitfield.Get(3))
	assert.True(t, got.Bitfield.Get(9))
	assert.False(t, got.Bitfield.Get(0))
}

func TestStore_SaveLoadRoundTripGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".gz.resume")
	store := Open(path)
	want := &State{Bitfield: sampleBitfield(), Gzip: true, LastModified: time.Now().UTC()}
	require.NoError(t, store.Save(want))

	got, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Gzip)
	assert.True(t, got.Bitfield.Get(1))
}

func TestStore_LoadMissingFileReturnsNotOkNoError(t *testing.T) {
	store := Open(filepath.Join(t.TempDir(), "nope.resume"))
	got, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestStore_LoadCorruptHeaderCRCIsRecoverable(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".corrupt.resume")
	store := Open(path)
	require.NoError(t, store.Save(&State{Bitfield: sampleBitfield(), LastModified: time.Now().UTC()}))

	raw, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, ioutil.WriteFile(path, raw, 0644))

	got, ok, err := store.Load()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestStore_MigratesV1FileAndKeepsBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".v1.resume")

	bf := sampleBitfield()
	payload := bf.WireBytes()
	v1 := make([]byte, 4+len(payload))
	// Hand-construct the bare legacy layout: u32 crc32 | payload.
	crc := crc32.ChecksumIEEE(payload)
	v1[0] = byte(crc)
	v1[1] = byte(crc >> 8)
	v1[2] = byte(crc >> 16)
	v1[3] = byte(crc >> 24)
	copy(v1[4:], payload)
	require.NoError(t, ioutil.WriteFile(path, v1, 0644))

	store := Open(path)
	got, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Bitfield.Get(1))

	_, err = ioutil.ReadFile(path + ".bak")
	assert.NoError(t, err)

	raw, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, magic[:], raw[:4])
}

func TestDefaultPath_ExpandsHome(t *testing.T) {
	p, err := DefaultPath("~/downloads", "deadbeef")
	require.NoError(t, err)
	assert.Contains(t, p, "downloads")
	assert.Contains(t, p, ".deadbeef.resume")
}
