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

// Package selector chooses the next piece to request from a peer:
// critical zone, priority look-ahead window, sequential sweep, or
// rarest-first, with an optional adaptive policy between sequential
// and hybrid rarest-first driven by playback buffer health.
package selector

import (
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
	"github.com/atlet99/dtorrent-task-v2-sub001/utils/heap"
)

// Strategy is the active piece-ordering policy.
type Strategy int

const (
	StrategySequential Strategy = iota
	StrategyRarestFirst
	StrategyHybrid
)

// Preset is a named bundle of Config values for a common use case.
type Preset string

const (
	PresetVideoStreaming Preset = "video-streaming"
	PresetAudioStreaming Preset = "audio-streaming"
	PresetMinimal        Preset = "minimal"
)

// Config holds the streaming tuning knobs named in the component design.
type Config struct {
	LookAheadPieces        int           `yaml:"look_ahead_pieces"`
	CriticalZoneBytes      int64         `yaml:"critical_zone_bytes"`
	AdaptiveStrategy       bool          `yaml:"adaptive_strategy"`
	MinSpeedForSequential  float64       `yaml:"min_speed_for_sequential"`
	AutoDetectMoovAtom     bool          `yaml:"auto_detect_moov_atom"`
	SeekTolerance          time.Duration `yaml:"seek_tolerance"`
	EnablePeerPriority     bool          `yaml:"enable_peer_priority"`
	EnableFastResume       bool          `yaml:"enable_fast_resume"`
}

// PresetConfig returns the Config for a named preset.
func PresetConfig(p Preset) Config {
	switch p {
	case PresetVideoStreaming:
		return Config{
			LookAheadPieces:       32,
			CriticalZoneBytes:     4 * 1024 * 1024,
			AdaptiveStrategy:      true,
			MinSpeedForSequential: 512 * 1024,
			AutoDetectMoovAtom:    true,
			SeekTolerance:         3 * time.Second,
			EnablePeerPriority:    true,
			EnableFastResume:      true,
		}
	case PresetAudioStreaming:
		return Config{
			LookAheadPieces:       64,
			AdaptiveStrategy:      true,
			MinSpeedForSequential: 64 * 1024,
			SeekTolerance:         2 * time.Second,
			EnablePeerPriority:    true,
			EnableFastResume:      true,
		}
	default: // PresetMinimal
		return Config{LookAheadPieces: 8}
	}
}

const dwellInterval = 10 * time.Second

// seekLatencyWindow bounds the rolling sample count per the component design.
const seekLatencyWindow = 10

// Availability reports, for a given piece index, how many connected
// peers currently advertise it. Selector depends only on this narrow
// view, not on PieceStore directly.
type Availability interface {
	Availability(index int) int
}

// Selector chooses the next piece to request for a peer.
type Selector struct {
	config      Config
	numPieces   int
	pieceLength int64

	clk clock.Clock

	critical map[int]bool

	playbackPiece int
	priorityWindow map[int]bool

	strategy     Strategy
	lastSwitch   time.Time
	bufferHealth float64
	speed        float64

	seekLatencies []time.Duration
}

// New builds a Selector for a torrent of numPieces pieces of pieceLength
// bytes each (last piece may be shorter; callers pass the nominal size).
func New(config Config, numPieces int, pieceLength int64, clk clock.Clock) *Selector {
	if clk == nil {
		clk = clock.New()
	}
	strategy := StrategyRarestFirst
	if config.LookAheadPieces > 0 {
		strategy = StrategySequential
	}
	return &Selector{
		config:         config,
		numPieces:      numPieces,
		pieceLength:    pieceLength,
		clk:            clk,
		critical:       make(map[int]bool),
		priorityWindow: make(map[int]bool),
		strategy:       strategy,
	}
}

// SetCriticalZone marks the pieces covering [startByte, startByte+length)
// as critical (e.g. an auto-detected moov atom).
func (s *Selector) SetCriticalZone(startByte, length int64) {
	s.critical = make(map[int]bool)
	first := int(startByte / s.pieceLength)
	last := int((startByte + length - 1) / s.pieceLength)
	for i := first; i <= last && i < s.numPieces; i++ {
		if i >= 0 {
			s.critical[i] = true
		}
	}
}

// SetPlaybackPosition maps byteOffset to a piece index, rebuilds the
// priority look-ahead window, and records a seek-latency sample.
func (s *Selector) SetPlaybackPosition(byteOffset int64, latency time.Duration) {
	s.playbackPiece = int(byteOffset / s.pieceLength)
	s.priorityWindow = make(map[int]bool)
	for i := s.playbackPiece; i < s.playbackPiece+s.config.LookAheadPieces && i < s.numPieces; i++ {
		s.priorityWindow[i] = true
	}

	s.seekLatencies = append(s.seekLatencies, latency)
	if len(s.seekLatencies) > seekLatencyWindow {
		s.seekLatencies = s.seekLatencies[len(s.seekLatencies)-seekLatencyWindow:]
	}
}

// UpdateStreamingStats feeds the adaptive policy its two inputs: current
// download speed (bytes/sec) and buffer health (0..1 fraction of the
// look-ahead window already downloaded).
func (s *Selector) UpdateStreamingStats(downloadSpeed float64, bufferHealth float64) {
	s.speed = downloadSpeed
	s.bufferHealth = bufferHealth
	if !s.config.AdaptiveStrategy {
		return
	}
	if s.clk.Now().Sub(s.lastSwitch) < dwellInterval {
		return
	}
	switch {
	case s.speed < s.config.MinSpeedForSequential && s.bufferHealth > 0.90 && s.strategy != StrategyHybrid:
		s.strategy = StrategyHybrid
		s.lastSwitch = s.clk.Now()
	case s.bufferHealth < 0.70 && s.strategy != StrategySequential:
		s.strategy = StrategySequential
		s.lastSwitch = s.clk.Now()
	}
}

// Strategy returns the currently active strategy.
func (s *Selector) Strategy() Strategy { return s.strategy }

// candidate reports whether the peer may be asked for piece i right
// now: the peer must advertise it, and if we are choked the piece must
// be in the peer's allow-fast set.
func candidate(i int, peerBitfield *core.Bitfield, localBitfield *core.Bitfield, choked bool, allowedFast map[int]bool) bool {
	if localBitfield.Get(uint(i)) {
		return false
	}
	if !peerBitfield.Get(uint(i)) {
		return false
	}
	if choked && !allowedFast[i] {
		return false
	}
	return true
}

// Select returns the next piece to request from a peer, or ok=false if
// none of the peer's advertised pieces are currently eligible.
func (s *Selector) Select(
	peerBitfield *core.Bitfield,
	localBitfield *core.Bitfield,
	choked bool,
	allowedFast map[int]bool,
	availability Availability,
) (index int, ok bool) {
	// 1. Critical zone, ascending index.
	if i, found := firstMatch(s.orderedCriticalIndices(), peerBitfield, localBitfield, choked, allowedFast); found {
		return i, true
	}

	// 2 & 3. Priority window / sequential sweep, both index-ordered from
	// the playback position; the window is a subset of the sweep so a
	// single ascending scan from playbackPiece serves both.
	if s.strategy == StrategySequential || s.strategy == StrategyHybrid {
		for i := s.playbackPiece; i < s.numPieces; i++ {
			if s.strategy == StrategySequential || s.priorityWindow[i] {
				if candidate(i, peerBitfield, localBitfield, choked, allowedFast) {
					return i, true
				}
			}
		}
		if s.strategy == StrategySequential {
			return 0, false
		}
	}

	// 4. Rarest-first, tie-broken by ascending index.
	return s.rarestFirst(peerBitfield, localBitfield, choked, allowedFast, availability)
}

func (s *Selector) orderedCriticalIndices() []int {
	out := make([]int, 0, len(s.critical))
	for i := 0; i < s.numPieces; i++ {
		if s.critical[i] {
			out = append(out, i)
		}
	}
	return out
}

func firstMatch(indices []int, peerBitfield, localBitfield *core.Bitfield, choked bool, allowedFast map[int]bool) (int, bool) {
	for _, i := range indices {
		if candidate(i, peerBitfield, localBitfield, choked, allowedFast) {
			return i, true
		}
	}
	return 0, false
}

func (s *Selector) rarestFirst(peerBitfield, localBitfield *core.Bitfield, choked bool, allowedFast map[int]bool, availability Availability) (int, bool) {
	pq := heap.NewPriorityQueue()
	for i := 0; i < s.numPieces; i++ {
		if !candidate(i, peerBitfield, localBitfield, choked, allowedFast) {
			continue
		}
		rarity := 0
		if availability != nil {
			rarity = availability.Availability(i)
		}
		// Encoding the tie-break index into the low bits of Priority
		// orders strictly by ascending rarity, then ascending index,
		// without a custom comparator.
		pq.Push(&heap.Item{Value: i, Priority: rarity*s.numPieces + i})
	}
	item, err := pq.Pop()
	if err != nil {
		return 0, false
	}
	return item.Value.(int), true
}
