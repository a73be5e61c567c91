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
	"math/rand"

	"github.com/coredal/torrentd/core"
	"github.com/coredal/torrentd/utils/syncutil"
)

// RoundRobinPolicy spreads requests pseudo-randomly across candidates,
// independent of rarity. Used as a diagnostic/fallback strategy (spec.md
// 4.C) when rarity data isn't worth the bookkeeping, e.g. very early in a
// swarm's life when every piece is equally rare.
const RoundRobinPolicy = "round_robin"

type roundRobinPolicy struct{}

func newRoundRobinPolicy() *roundRobinPolicy {
	return &roundRobinPolicy{}
}

func (p *roundRobinPolicy) selectPieces(
	limit int,
	valid func(int) bool,
	candidates *core.Bitfield,
	numPeersByPiece syncutil.Counters) ([]int, error) {

	pieces := make([]int, 0, limit)
	if limit == 0 {
		return pieces, nil
	}

	// Reservoir sampling.
	var k int
	for _, i := range candidates.AllSet() {
		if !valid(i) {
			continue
		}

		// Fill the 'reservoir' until full.
		if len(pieces) < limit {
			pieces = append(pieces, i)

			// Replace elements in the 'reservoir' with decreasing probability.
		} else {
			j := rand.Intn(k)
			if j < limit {
				pieces[j] = i
			}
		}
		k++
	}

	// Shuffle so the order is pseudo-random even when the reservoir never
	// filled (Manager passes a limit equal to the candidate count).
	rand.Shuffle(len(pieces), func(a, b int) { pieces[a], pieces[b] = pieces[b], pieces[a] })

	return pieces, nil
}
