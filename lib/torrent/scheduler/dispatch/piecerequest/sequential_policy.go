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
package piecerequest

import (
	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/utils/syncutil"
)

// SequentialPolicy requests pieces in strictly ascending index order,
// trading swarm health for playback-order delivery (spec.md 4.C: streaming
// use case). Ignores rarity entirely.
const SequentialPolicy = "sequential"

type sequentialPolicy struct{}

func newSequentialPolicy() *sequentialPolicy {
	return &sequentialPolicy{}
}

func (p *sequentialPolicy) selectPieces(
	limit int,
	valid func(int) bool,
	candidates *core.Bitfield,
	numPeersByPiece syncutil.Counters) ([]int, error) {

	pieces := make([]int, 0, limit)
	if limit == 0 {
		return pieces, nil
	}
	for _, i := range candidates.AllSet() {
		if len(pieces) == limit {
			break
		}
		if valid(i) {
			pieces = append(pieces, i)
		}
	}
	return pieces, nil
}
