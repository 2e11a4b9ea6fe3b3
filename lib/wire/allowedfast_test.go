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
package wire

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowedFastSet_DeterministicAndCorrectSize(t *testing.T) {
	ip := net.ParseIP("80.4.4.200")
	infoHash := [20]byte{1, 2, 3, 4, 5}

	a := AllowedFastSet(ip, infoHash, 2000)
	b := AllowedFastSet(ip, infoHash, 2000)
	assert.Equal(t, a, b)
	assert.Len(t, a, AllowedFastCount)

	seen := map[int]bool{}
	for _, idx := range a {
		assert.False(t, seen[idx], "indices must be distinct")
		seen[idx] = true
		assert.True(t, idx >= 0 && idx < 2000)
	}
}

func TestAllowedFastSet_DifferentPrefixDiffers(t *testing.T) {
	a := AllowedFastSet(net.ParseIP("80.4.4.200"), [20]byte{1}, 2000)
	b := AllowedFastSet(net.ParseIP("10.0.0.1"), [20]byte{1}, 2000)
	assert.NotEqual(t, a, b)
}

func TestAllowedFastSet_SmallTorrentReturnsAllPieces(t *testing.T) {
	got := AllowedFastSet(net.ParseIP("1.2.3.4"), [20]byte{1}, 5)
	assert.ElementsMatch(t, []int{0, 1, 2, 3, 4}, got)
}
