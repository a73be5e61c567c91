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
package torrentlog

import "math"

// receivedPiecesSummary condenses per-peer received-piece counts into a
// single log line's worth of statistics.
type receivedPiecesSummary struct {
	zeroCount int
	min       int
	max       int
	mean      float64
	stddev    float64
}

// newReceivedPiecesSummary summarizes receivedPieces, the number of good
// pieces received from each peer dispatched to for a torrent.
func newReceivedPiecesSummary(receivedPieces []int) (*receivedPiecesSummary, error) {
	if len(receivedPieces) == 0 {
		return nil, errEmptyReceivedPieces
	}

	min := receivedPieces[0]
	max := receivedPieces[0]
	var zeroCount int
	var sum float64
	for _, c := range receivedPieces {
		if c < 0 {
			return nil, errNegativeReceivedPieces
		}
		if c == 0 {
			zeroCount++
		}
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
		sum += float64(c)
	}
	mean := sum / float64(len(receivedPieces))

	var stddev float64
	if len(receivedPieces) > 1 {
		var sumSquaredDiff float64
		for _, c := range receivedPieces {
			d := float64(c) - mean
			sumSquaredDiff += d * d
		}
		stddev = math.Sqrt(sumSquaredDiff / float64(len(receivedPieces)-1))
	}

	return &receivedPiecesSummary{zeroCount, min, max, mean, stddev}, nil
}
