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
package core

import (
	"fmt"
	"sync"

	"github.com/willf/bitset"
)

// Bitfield is a fixed-length bit vector over piece indices. The zero value
// is not usable; construct with NewBitfield. Safe for concurrent use.
type Bitfield struct {
	mu   sync.RWMutex
	bs   *bitset.BitSet
	size uint
}

// NewBitfield allocates a Bitfield of size pieces, all clear.
func NewBitfield(size uint) *Bitfield {
	return &Bitfield{bs: bitset.New(size), size: size}
}

// NewBitfieldFromWireBytes parses the BEP 3 on-the-wire bitfield payload
// (MSB-first within each byte) into a Bitfield of size pieces. Trailing
// pad bits beyond size must be zero; a non-zero pad bit is a protocol
// violation left for the caller to reject.
func NewBitfieldFromWireBytes(b []byte, size uint) (*Bitfield, error) {
	wantLen := (size + 7) / 8
	if uint(len(b)) != wantLen {
		return nil, fmt.Errorf("bitfield payload length %d, want %d for %d pieces", len(b), wantLen, size)
	}
	bs := bitset.New(size)
	for i := uint(0); i < size; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		if b[byteIdx]&(1<<bitIdx) != 0 {
			bs.Set(i)
		}
	}
	return &Bitfield{bs: bs, size: size}, nil
}

// Size returns the number of pieces the Bitfield covers.
func (bf *Bitfield) Size() uint { return bf.size }

// Get returns whether bit i is set.
func (bf *Bitfield) Get(i uint) bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.bs.Test(i)
}

// Set sets or clears bit i.
func (bf *Bitfield) Set(i uint, v bool) {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	if v {
		bf.bs.Set(i)
	} else {
		bf.bs.Clear(i)
	}
}

// CountSet returns the number of set bits.
func (bf *Bitfield) CountSet() uint {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.bs.Count()
}

// HaveAll reports whether every bit up to Size is set.
func (bf *Bitfield) HaveAll() bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.bs.Count() == bf.size
}

// HaveNone reports whether no bit is set.
func (bf *Bitfield) HaveNone() bool {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.bs.None()
}

// Copy returns an independent deep copy.
func (bf *Bitfield) Copy() *Bitfield {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return &Bitfield{bs: bf.bs.Clone(), size: bf.size}
}

// ReplaceAll sets every bit (used for BEP 6 have-all, which is an explicit
// replace, never a merge with whatever bitfield came before).
func (bf *Bitfield) ReplaceAll() {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.bs = bitset.New(bf.size)
	for i := uint(0); i < bf.size; i++ {
		bf.bs.Set(i)
	}
}

// ReplaceNone clears every bit (BEP 6 have-none), replacing rather than
// merging any prior state.
func (bf *Bitfield) ReplaceNone() {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	bf.bs = bitset.New(bf.size)
}

// Raw returns the underlying bitset for read-only set-algebra use by
// callers that need Intersection/Complement/NextSet (e.g. the selector
// computing a peer's candidate pieces). The returned set must not be
// mutated; callers needing a mutable copy should clone it first.
func (bf *Bitfield) Raw() *bitset.BitSet {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.bs
}

// WireBytes renders the Bitfield in BEP 3 wire form (MSB-first per byte,
// zero-padded to a byte boundary).
func (bf *Bitfield) WireBytes() []byte {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	out := make([]byte, (bf.size+7)/8)
	for i := uint(0); i < bf.size; i++ {
		if bf.bs.Test(i) {
			out[i/8] |= 1 << (7 - (i % 8))
		}
	}
	return out
}
