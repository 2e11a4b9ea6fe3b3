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
	"bytes"

	bencode "github.com/jackpal/bencode-go"
)

// ExtendedHandshakeID is the reserved ext_id (0) for the BEP 10
// handshake itself, as opposed to a named extension's assigned id.
const ExtendedHandshakeID uint8 = 0

// ExtendedHandshake is the bencoded dict payload of ext_id 0.
type ExtendedHandshake struct {
	M            map[string]int `bencode:"m"`
	ReqQ         int            `bencode:"reqq,omitempty"`
	V            string         `bencode:"v,omitempty"`
	YourIP       string         `bencode:"yourip,omitempty"`
	MetadataSize int            `bencode:"metadata_size,omitempty"`
}

// Encode bencodes h.
func (h ExtendedHandshake) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeExtendedHandshake parses a BEP 10 handshake payload.
func DecodeExtendedHandshake(payload []byte) (ExtendedHandshake, error) {
	var h ExtendedHandshake
	if err := bencode.Unmarshal(bytes.NewReader(payload), &h); err != nil {
		return ExtendedHandshake{}, err
	}
	return h, nil
}
