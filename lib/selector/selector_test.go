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
package selector

import (
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
)

type fakeAvailability map[int]int

func (f fakeAvailability) Availability(i int) int { return f[i] }

func allOnes(n uint) *core.Bitfield {
	bf := core.NewBitfield(n)
	for i := uint(0); i < n; i++ {
		bf.Set(i, true)
	}
	return bf
}

func TestSelector_RarestFirstPicksLowestAvailabilityThenIndex(t *testing.T) {
	s := New(PresetConfig(PresetMinimal), 5, 16384, clock.NewMock())
	s.strategy = StrategyRarestFirst

	peer := allOnes(5)
	local := core.NewBitfield(5)
	avail := fakeAvailability{0: 3, 1: 1, 2: 1, 3: 5, 4: 2}

	idx, ok := s.Select(peer, local, false, nil, avail)
	require.True(t, ok)
	assert.Equal(t, 1, idx, "pieces 1 and 2 tie at availability 1; index 1 wins")
}

func TestSelector_SkipsPiecesAlreadyHaveOrNotAdvertised(t *testing.T) {
	s := New(PresetConfig(PresetMinimal), 3, 16384, clock.NewMock())
	s.strategy = StrategyRarestFirst

	peer := core.NewBitfield(3)
	peer.Set(0, true)
	peer.Set(2, true)
	local := core.NewBitfield(3)
	local.Set(0, true)

	idx, ok := s.Select(peer, local, false, nil, fakeAvailability{})
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestSelector_ChokedRequiresAllowedFast(t *testing.T) {
	s := New(PresetConfig(PresetMinimal), 2, 16384, clock.NewMock())
	s.strategy = StrategyRarestFirst
	peer := allOnes(2)
	local := core.NewBitfield(2)

	_, ok := s.Select(peer, local, true, nil, fakeAvailability{})
	assert.False(t, ok)

	_, ok = s.Select(peer, local, true, map[int]bool{1: true}, fakeAvailability{})
	assert.True(t, ok)
}

func TestSelector_SequentialSweepFromPlaybackPosition(t *testing.T) {
	cfg := PresetConfig(PresetMinimal)
	cfg.LookAheadPieces = 2
	s := New(cfg, 5, 1000, clock.NewMock())
	s.SetPlaybackPosition(2000, 0) // piece index 2

	peer := allOnes(5)
	local := core.NewBitfield(5)

	idx, ok := s.Select(peer, local, false, nil, fakeAvailability{})
	require.True(t, ok)
	assert.Equal(t, 2, idx)
}

func TestSelector_CriticalZoneWinsOverEverythingElse(t *testing.T) {
	s := New(PresetConfig(PresetMinimal), 5, 1000, clock.NewMock())
	s.SetCriticalZone(3000, 500) // piece index 3
	s.SetPlaybackPosition(0, 0)

	peer := allOnes(5)
	local := core.NewBitfield(5)

	idx, ok := s.Select(peer, local, false, nil, fakeAvailability{})
	require.True(t, ok)
	assert.Equal(t, 3, idx)
}

func TestSelector_AdaptiveSwitchesRespectDwellInterval(t *testing.T) {
	mock := clock.NewMock()
	cfg := PresetConfig(PresetVideoStreaming)
	s := New(cfg, 100, 16384, mock)
	s.strategy = StrategySequential

	s.UpdateStreamingStats(cfg.MinSpeedForSequential-1, 0.95)
	assert.Equal(t, StrategyHybrid, s.Strategy())

	mock.Add(1 * time.Second)
	s.UpdateStreamingStats(cfg.MinSpeedForSequential*10, 0.50)
	assert.Equal(t, StrategyHybrid, s.Strategy(), "dwell interval not yet elapsed")

	mock.Add(11 * time.Second)
	s.UpdateStreamingStats(cfg.MinSpeedForSequential*10, 0.50)
	assert.Equal(t, StrategySequential, s.Strategy())
}

func TestSelector_SeekLatencyWindowBoundedToTen(t *testing.T) {
	s := New(PresetConfig(PresetMinimal), 100, 16384, clock.NewMock())
	for i := 0; i < 15; i++ {
		s.SetPlaybackPosition(int64(i)*16384, time.Duration(i)*time.Millisecond)
	}
	assert.Len(t, s.seekLatencies, 10)
}
