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
package metainfo

import (
	"fmt"
)

// findTopLevelDictValueRange scans the raw bencoded bytes of a dictionary
// and returns the byte offsets [start, end) of the value bound to key at
// the top level, without decoding that value. This is the byte-exact
// extraction the info-hash computation requires: re-encoding a decoded
// structure is forbidden because a non-canonical encoder can change the
// hash, so the only correct way to hash the info dict is to locate its
// exact span in the bytes the torrent arrived in.
func findTopLevelDictValueRange(data []byte, key string) (start, end int, err error) {
	if len(data) == 0 || data[0] != 'd' {
		return 0, 0, fmt.Errorf("bencode: expected top-level dict")
	}
	pos := 1
	for {
		if pos >= len(data) {
			return 0, 0, fmt.Errorf("bencode: unexpected end of input scanning dict")
		}
		if data[pos] == 'e' {
			return 0, 0, fmt.Errorf("bencode: key %q not found", key)
		}
		k, next, err := readString(data, pos)
		if err != nil {
			return 0, 0, fmt.Errorf("bencode: reading dict key: %w", err)
		}
		pos = next
		valueStart := pos
		valueEnd, err := skipValue(data, pos)
		if err != nil {
			return 0, 0, fmt.Errorf("bencode: skipping value for key %q: %w", k, err)
		}
		if k == key {
			return valueStart, valueEnd, nil
		}
		pos = valueEnd
	}
}

// readString reads a bencode byte string "<len>:<bytes>" starting at pos
// and returns its decoded value plus the offset just past it.
func readString(data []byte, pos int) (string, int, error) {
	start := pos
	for pos < len(data) && data[pos] != ':' {
		if data[pos] < '0' || data[pos] > '9' {
			return "", 0, fmt.Errorf("bencode: invalid string length digit at offset %d", pos)
		}
		pos++
	}
	if pos >= len(data) {
		return "", 0, fmt.Errorf("bencode: unterminated string length at offset %d", start)
	}
	n := 0
	for _, c := range data[start:pos] {
		n = n*10 + int(c-'0')
	}
	pos++ // skip ':'
	if pos+n > len(data) {
		return "", 0, fmt.Errorf("bencode: string length %d overruns buffer", n)
	}
	return string(data[pos : pos+n]), pos + n, nil
}

// skipValue advances past a single bencoded value (string, integer, list,
// or dict) starting at pos and returns the offset just past it.
func skipValue(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, fmt.Errorf("bencode: unexpected end of input")
	}
	switch {
	case data[pos] == 'i':
		end := pos + 1
		for end < len(data) && data[end] != 'e' {
			end++
		}
		if end >= len(data) {
			return 0, fmt.Errorf("bencode: unterminated integer at offset %d", pos)
		}
		return end + 1, nil
	case data[pos] == 'l':
		p := pos + 1
		for {
			if p >= len(data) {
				return 0, fmt.Errorf("bencode: unterminated list at offset %d", pos)
			}
			if data[p] == 'e' {
				return p + 1, nil
			}
			next, err := skipValue(data, p)
			if err != nil {
				return 0, err
			}
			p = next
		}
	case data[pos] == 'd':
		p := pos + 1
		for {
			if p >= len(data) {
				return 0, fmt.Errorf("bencode: unterminated dict at offset %d", pos)
			}
			if data[p] == 'e' {
				return p + 1, nil
			}
			_, next, err := readString(data, p) // key
			if err != nil {
				return 0, err
			}
			p = next
			next, err = skipValue(data, p) // value
			if err != nil {
				return 0, err
			}
			p = next
		}
	case data[pos] >= '0' && data[pos] <= '9':
		_, next, err := readString(data, pos)
		return next, err
	default:
		return 0, fmt.Errorf("bencode: unexpected token %q at offset %d", data[pos], pos)
	}
}
