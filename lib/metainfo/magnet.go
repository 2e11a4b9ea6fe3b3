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
	"net/url"
	"strconv"
	"strings"

	"github.com/atlet99/dtorrent-task-v2-sub001/core"
)

// MagnetDescriptor is the structured result of parsing a magnet URI. It
// carries just enough to bootstrap a MetadataDownloader; it is not a
// TorrentModel, per the explicit non-goal of not interpreting anything
// beyond this narrow descriptor.
type MagnetDescriptor struct {
	InfoHash       core.InfoHash
	DisplayName    string
	Trackers       []string
	// TrackerTiers mirrors BEP 12 tr.N grouping when present; entries
	// without an explicit tier default to tier 0, ordered stably.
	TrackerTiers   map[int][]string
	Webseeds       []string
	AcceptSources  []string
	SelectedFiles  []int
}

// ParseMagnetURI parses a "magnet:?..." URI into a MagnetDescriptor.
func ParseMagnetURI(raw string) (*MagnetDescriptor, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, core.NewMalformedTorrentError("invalid magnet URI", err)
	}
	if u.Scheme != "magnet" {
		return nil, core.NewMalformedTorrentError("not a magnet URI", nil)
	}

	q := u.Query()
	xt := q.Get("xt")
	if xt == "" {
		return nil, core.NewMalformedTorrentError("magnet URI missing xt parameter", nil)
	}
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, core.NewMalformedTorrentError(fmt.Sprintf("unsupported xt namespace %q", xt), nil)
	}
	hashPart := xt[len(prefix):]

	var hash core.InfoHash
	switch len(hashPart) {
	case 40, 64:
		hash, err = core.ParseInfoHashHex(hashPart)
	case 32:
		hash, err = core.ParseInfoHashBase32(hashPart)
	default:
		err = fmt.Errorf("invalid xt hash length %d", len(hashPart))
	}
	if err != nil {
		return nil, core.NewMalformedTorrentError("invalid xt info hash", err)
	}

	desc := &MagnetDescriptor{
		InfoHash:     hash,
		DisplayName:  q.Get("dn"),
		TrackerTiers: map[int][]string{},
	}

	for key, values := range q {
		switch {
		case key == "tr":
			desc.Trackers = append(desc.Trackers, values...)
			desc.TrackerTiers[0] = append(desc.TrackerTiers[0], values...)
		case strings.HasPrefix(key, "tr."):
			tierStr := strings.TrimPrefix(key, "tr.")
			tier, convErr := strconv.Atoi(tierStr)
			if convErr != nil {
				continue
			}
			desc.Trackers = append(desc.Trackers, values...)
			desc.TrackerTiers[tier] = append(desc.TrackerTiers[tier], values...)
		case key == "ws":
			desc.Webseeds = append(desc.Webseeds, values...)
		case key == "as":
			desc.AcceptSources = append(desc.AcceptSources, values...)
		case key == "so":
			for _, v := range values {
				for _, part := range strings.Split(v, ",") {
					idx, convErr := parseSelectedFileRange(part)
					if convErr == nil {
						desc.SelectedFiles = append(desc.SelectedFiles, idx...)
					}
				}
			}
		}
	}

	return desc, nil
}

// parseSelectedFileRange parses one "so" token: either a bare index "3"
// or an inclusive range "3-7" (BEP 53 selective download).
func parseSelectedFileRange(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("empty selected-file token")
	}
	if i := strings.IndexByte(s, '-'); i >= 0 {
		lo, err := strconv.Atoi(s[:i])
		if err != nil {
			return nil, err
		}
		hi, err := strconv.Atoi(s[i+1:])
		if err != nil {
			return nil, err
		}
		if hi < lo {
			return nil, fmt.Errorf("invalid range %q", s)
		}
		out := make([]int, 0, hi-lo+1)
		for v := lo; v <= hi; v++ {
			out = append(out, v)
		}
		return out, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil, err
	}
	return []int{v}, nil
}
