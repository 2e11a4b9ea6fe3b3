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
package merkle

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPieceLayer_OneBlockPerPiece(t *testing.T) {
	data := make([]byte, BlockSize*3)
	for i := range data {
		data[i] = byte(i)
	}

	layer, err := PieceLayer(data, BlockSize)
	require.NoError(t, err)
	require.Len(t, layer, 3)

	for i := 0; i < 3; i++ {
		want := sha256.Sum256(data[i*BlockSize : (i+1)*BlockSize])
		assert.Equal(t, want, layer[i])
		assert.True(t, VerifyPiece(data[i*BlockSize:(i+1)*BlockSize], layer[i]))
	}
}

func TestPieceLayer_MultiBlockPiece(t *testing.T) {
	data := make([]byte, BlockSize*4)
	for i := range data {
		data[i] = byte(i)
	}
	layer, err := PieceLayer(data, BlockSize*2)
	require.NoError(t, err)
	require.Len(t, layer, 2)

	assert.True(t, VerifyPiece(data[:BlockSize*2], layer[0]))
	assert.True(t, VerifyPiece(data[BlockSize*2:], layer[1]))
	assert.False(t, VerifyPiece(data[:BlockSize*2], layer[1]))
}

func TestRoot_Deterministic(t *testing.T) {
	data := []byte("some file content that is not block aligned")
	r1 := Root(data)
	r2 := Root(data)
	assert.Equal(t, r1, r2)
}

func TestPieceLayer_RejectsNonMultipleOfBlockSize(t *testing.T) {
	_, err := PieceLayer(make([]byte, BlockSize), BlockSize+1)
	require.Error(t, err)
}
