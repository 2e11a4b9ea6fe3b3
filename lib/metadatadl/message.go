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

// Package metadatadl implements BEP 9 ut_metadata: pulling a torrent's
// info dictionary from peers 16 KiB chunk at a time and verifying it
// against the magnet's info-hash.
package metadatadl

import (
	"bytes"

	bencode "github.com/jackpal/bencode-go"
)

// ChunkSize is the fixed ut_metadata piece size.
const ChunkSize = 16 * 1024

// MsgType is the ut_metadata message's msg_type field.
type MsgType int

const (
	MsgRequest MsgType = 0
	MsgData    MsgType = 1
	MsgReject  MsgType = 2
)

type metaMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// EncodeRequest builds a ut_metadata request message for piece.
func EncodeRequest(piece int) ([]byte, error) {
	return encode(metaMessage{MsgType: int(MsgRequest), Piece: piece})
}

// EncodeReject builds a ut_metadata reject message for piece.
func EncodeReject(piece int) ([]byte, error) {
	return encode(metaMessage{MsgType: int(MsgReject), Piece: piece})
}

// EncodeData builds a ut_metadata data message: the bencoded header
// dict immediately followed by the raw chunk bytes (not itself
// bencoded), per BEP 9.
func EncodeData(piece, totalSize int, chunk []byte) ([]byte, error) {
	header, err := encode(metaMessage{MsgType: int(MsgData), Piece: piece, TotalSize: totalSize})
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(header)+len(chunk))
	copy(out, header)
	copy(out[len(header):], chunk)
	return out, nil
}

func encode(m metaMessage) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage parses the leading bencoded dict out of raw and returns
// it alongside whatever trailing bytes follow (the data chunk, for a
// MsgData message; empty otherwise).
func DecodeMessage(raw []byte) (msgType MsgType, piece, totalSize int, trailing []byte, err error) {
	r := bytes.NewReader(raw)
	var m metaMessage
	dec := bencode.NewDecoder(r)
	if err := dec.Decode(&m); err != nil {
		return 0, 0, 0, nil, err
	}
	consumed := len(raw) - r.Len()
	return MsgType(m.MsgType), m.Piece, m.TotalSize, raw[consumed:], nil
}
