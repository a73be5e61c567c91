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

// Package magnet parses BEP 9 magnet URIs, including the BEP 53 so= and
// x.pe= parameters used to seed a torrent's file-selection state before its
// metadata has even been fetched (spec.md ??4.E, ??6.3).
package magnet

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/coredal/torrentd/core"
)

// Link is the parsed content of a magnet: URI.
type Link struct {
	InfoHash core.HybridInfoHash
	Name     string
	Trackers []string
	WebSeeds []string

	// SelectedIndices holds the BEP 53 so= file indices, or nil if the
	// parameter was absent (meaning: no a-priori hint, select all).
	SelectedIndices []int

	// Priorities holds the BEP 53 x.pe= file_index -> priority (0-4) map,
	// or nil if absent.
	Priorities map[int]core.FilePriority
}

// Parse parses a magnet: URI per BEP 9, with BEP 53 so=/x.pe= support.
func Parse(raw string) (*Link, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %s", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("not a magnet uri: scheme %q", u.Scheme)
	}
	q := u.Query()

	var hash core.HybridInfoHash
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		const prefixV2 = "urn:btmh:"
		switch {
		case strings.HasPrefix(xt, prefix):
			btih := xt[len(prefix):]
			h, err := decodeBTIH(btih)
			if err != nil {
				return nil, fmt.Errorf("xt=%s: %s", xt, err)
			}
			hash.V1 = h
			found = true
		case strings.HasPrefix(xt, prefixV2):
			// "urn:btmh:<multihash-hex>"; BEP 52 multihash-wraps sha256, the
			// raw digest is the last 64 hex chars.
			mh := xt[len(prefixV2):]
			if len(mh) < 64 {
				return nil, fmt.Errorf("xt=%s: multihash too short", xt)
			}
			h, err := core.NewInfoHashV2FromHex(mh[len(mh)-64:])
			if err != nil {
				return nil, fmt.Errorf("xt=%s: %s", xt, err)
			}
			hash.V2 = h
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("no recognized xt= parameter")
	}

	link := &Link{
		InfoHash: hash,
		Name:     q.Get("dn"),
		Trackers: q["tr"],
		WebSeeds: q["ws"],
	}

	if so := q.Get("so"); so != "" {
		indices, err := parseIndexList(so)
		if err != nil {
			return nil, fmt.Errorf("so=%s: %s", so, err)
		}
		link.SelectedIndices = indices
	}
	if pe := q.Get("x.pe"); pe != "" {
		priorities, err := parsePriorities(pe)
		if err != nil {
			return nil, fmt.Errorf("x.pe=%s: %s", pe, err)
		}
		link.Priorities = priorities
	}
	return link, nil
}

func decodeBTIH(btih string) (core.InfoHash, error) {
	switch len(btih) {
	case 40:
		return core.NewInfoHashV1FromHex(btih)
	case 32:
		return core.NewInfoHashFromBase32(strings.ToUpper(btih))
	default:
		return core.InfoHash{}, fmt.Errorf("btih must be 40 hex or 32 base32 characters, got %d", len(btih))
	}
}

// parseIndexList parses a comma-separated list of file indices and/or
// "start-end" ranges (BEP 53 so=) into a sorted, de-duplicated slice.
func parseIndexList(s string) ([]int, error) {
	set := map[int]struct{}{}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if strings.Contains(tok, "-") {
			start, end, err := parseRange(tok)
			if err != nil {
				return nil, err
			}
			for i := start; i <= end; i++ {
				set[i] = struct{}{}
			}
			continue
		}
		idx, err := strconv.Atoi(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid index %q: %s", tok, err)
		}
		if idx < 0 {
			return nil, fmt.Errorf("negative index %q", tok)
		}
		set[idx] = struct{}{}
	}
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

// parsePriorities parses "index:priority" or "start-end:priority" pairs
// (BEP 53 x.pe=) with range application applying one priority to every index
// in the range.
func parsePriorities(s string) (map[int]core.FilePriority, error) {
	out := map[int]core.FilePriority{}
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		sep := strings.LastIndex(tok, ":")
		if sep < 0 {
			return nil, fmt.Errorf("missing ':' in %q", tok)
		}
		filePart := strings.TrimSpace(tok[:sep])
		prioPart := strings.TrimSpace(tok[sep+1:])
		prio, err := strconv.Atoi(prioPart)
		if err != nil || prio < 0 || prio > 4 {
			return nil, fmt.Errorf("priority must be 0-4, got %q", prioPart)
		}
		if strings.Contains(filePart, "-") {
			start, end, err := parseRange(filePart)
			if err != nil {
				return nil, err
			}
			for i := start; i <= end; i++ {
				out[i] = core.FilePriority(prio)
			}
			continue
		}
		idx, err := strconv.Atoi(filePart)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid file index %q", filePart)
		}
		out[idx] = core.FilePriority(prio)
	}
	return out, nil
}

func parseRange(tok string) (int, int, error) {
	parts := strings.SplitN(tok, "-", 2)
	start, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range %q: %s", tok, err)
	}
	end, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range %q: %s", tok, err)
	}
	if start < 0 || end < 0 {
		return 0, 0, fmt.Errorf("negative indices not allowed: %q", tok)
	}
	if start > end {
		return 0, 0, fmt.Errorf("invalid range, start > end: %q", tok)
	}
	return start, end, nil
}
